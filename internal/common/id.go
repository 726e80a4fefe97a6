package common

import (
	"strings"

	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewRequestID generates a short correlation ID for HTTP request tracing.
func NewRequestID() string {
	return strings.Split(uuid.New().String(), "-")[0]
}
