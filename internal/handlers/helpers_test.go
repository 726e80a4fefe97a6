package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/opus/internal/uws"
)

func TestWriteEngineErrorStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"bad parameter", uws.NewBadParameterError("bad"), http.StatusBadRequest},
		{"permission denied", uws.NewPermissionDeniedError("no"), http.StatusForbidden},
		{"not found", uws.NewNotFoundError("missing"), http.StatusNotFound},
		{"conflict", uws.NewConflictError("duplicate"), http.StatusConflict},
		{"illegal transition", &uws.PhaseTransitionError{JobID: "j", From: uws.PhaseCompleted, To: uws.PhaseExecuting}, http.StatusBadRequest},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			WriteEngineError(recorder, tc.err)
			assert.Equal(t, tc.status, recorder.Code)
			assert.Contains(t, recorder.Body.String(), "error")
		})
	}
}

func TestRequireMethod(t *testing.T) {
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/x", nil)
	assert.False(t, RequireMethod(recorder, request, http.MethodGet))
	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)

	recorder = httptest.NewRecorder()
	request = httptest.NewRequest(http.MethodGet, "/x", nil)
	assert.True(t, RequireMethod(recorder, request, http.MethodGet))
}

func TestRedirectUsesSeeOther(t *testing.T) {
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/timers", nil)
	Redirect(recorder, request, "/timers/job_1")
	assert.Equal(t, http.StatusSeeOther, recorder.Code)
	assert.Equal(t, "/timers/job_1", recorder.Header().Get("Location"))
}
