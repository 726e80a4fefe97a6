package uws

import "io"

// JobInfo is an opaque additional descriptor attached to a job. Destroy is
// called once when the job is destroyed.
type JobInfo interface {
	XMLFragment(indent string) string
	WriteFullContent(w io.Writer) error
	Destroy()
}
