package uws

// Result describes one output of a job. The bytes themselves live behind
// the FileManager (or behind Href when RedirectionRequired is set).
type Result struct {
	ID                  string `json:"id"`
	Href                string `json:"href,omitempty"`
	MimeType            string `json:"mimeType,omitempty"`
	Size                int64  `json:"size,omitempty"`
	RedirectionRequired bool   `json:"redirectionRequired,omitempty"`
}
