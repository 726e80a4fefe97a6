package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/opus/internal/uws"
)

// HeaderUserIdentifier extracts the requesting user from trusted proxy
// headers. An absent X-User-Id means the request is anonymous and the
// engine skips permission checks.
type HeaderUserIdentifier struct{}

// NewHeaderUserIdentifier creates the default header-based identifier.
func NewHeaderUserIdentifier() *HeaderUserIdentifier {
	return &HeaderUserIdentifier{}
}

// ExtractUser reads X-User-Id and X-User-Pseudonym from the request.
// Returns nil for anonymous requests.
func (i *HeaderUserIdentifier) ExtractUser(r *http.Request) (uws.JobOwner, error) {
	userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if userID == "" {
		return nil, nil
	}
	pseudonym := strings.TrimSpace(r.Header.Get("X-User-Pseudonym"))
	return uws.NewBasicOwner(userID, pseudonym), nil
}
