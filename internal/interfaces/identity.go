package interfaces

import (
	"net/http"

	"github.com/ternarybob/opus/internal/uws"
)

// UserIdentifier resolves the job owner behind an incoming HTTP request.
// Returning a nil owner means the request is anonymous; anonymous requests
// still pass through the permission checks of the engine.
type UserIdentifier interface {
	ExtractUser(r *http.Request) (uws.JobOwner, error)
}
