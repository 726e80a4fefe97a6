package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/ternarybob/opus/internal/uws"
)

const maxFormMemory = 10 << 20 // 10 MB

// ParseJobParameters reads the job parameters of a request. Form bodies
// (urlencoded and multipart), JSON bodies and query strings are all
// accepted; reserved parameter names are folded to uppercase.
func ParseJobParameters(r *http.Request) (map[string]interface{}, error) {
	parameters := make(map[string]interface{})

	contentType := r.Header.Get("Content-Type")
	mediaType := ""
	if contentType != "" {
		parsed, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return nil, fmt.Errorf("invalid Content-Type: %w", err)
		}
		mediaType = parsed
	}

	switch {
	case mediaType == "application/json":
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		for name, value := range body {
			parameters[uws.NormalizeParameterName(name)] = value
		}
	case mediaType == "multipart/form-data":
		if err := r.ParseMultipartForm(maxFormMemory); err != nil {
			return nil, fmt.Errorf("invalid multipart body: %w", err)
		}
		for name, values := range r.MultipartForm.Value {
			addFormValues(parameters, name, values)
		}
		// Uploaded files become byte-valued parameters under the field name.
		for name, files := range r.MultipartForm.File {
			if len(files) == 0 {
				continue
			}
			file, err := files[0].Open()
			if err != nil {
				return nil, fmt.Errorf("failed to open upload %s: %w", name, err)
			}
			data, err := io.ReadAll(file)
			file.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to read upload %s: %w", name, err)
			}
			parameters[uws.NormalizeParameterName(name)] = data
		}
	default:
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("invalid form body: %w", err)
		}
		for name, values := range r.Form {
			addFormValues(parameters, name, values)
		}
	}
	return parameters, nil
}

// addFormValues stores a form field, keeping repeated fields as a slice.
func addFormValues(parameters map[string]interface{}, name string, values []string) {
	if len(values) == 0 {
		return
	}
	key := uws.NormalizeParameterName(name)
	if len(values) == 1 {
		parameters[key] = values[0]
		return
	}
	parameters[key] = append([]string(nil), values...)
}
