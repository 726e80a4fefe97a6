package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes. Everything outside /api and /ws
// is the UWS resource tree: /{list}, /{list}/{id} and the job's attribute
// subresources.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket event stream
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - service state and per-job logs
	mux.HandleFunc("/api/status", s.app.ServiceHandler.HandleStatus)
	mux.HandleFunc("/api/logs/", s.handleLogRoutes)
	mux.HandleFunc("/api/shutdown", s.ShutdownHandler) // Graceful shutdown endpoint (dev mode)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.handleAPINotFound)

	// Home page and the job list resource tree
	mux.HandleFunc("/", s.handleResourceTree)

	return mux
}

// handleLogRoutes serves GET /api/logs/{jobID}.
func (s *Server) handleLogRoutes(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/api/logs/")
	jobID = strings.Trim(jobID, "/")
	s.app.ServiceHandler.HandleJobLogs(w, r, jobID)
}

// handleAPINotFound answers unmatched /api paths.
func (s *Server) handleAPINotFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Not found", http.StatusNotFound)
}

// handleResourceTree dispatches the UWS resource hierarchy:
//
//	/                       home page
//	/{list}                 job enumeration, job creation
//	/{list}/{id}            one job
//	/{list}/{id}/{attr}...  job attribute subresources
func (s *Server) handleResourceTree(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		s.app.ServiceHandler.HandleHome(w, r)
		return
	}

	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch len(segments) {
	case 1:
		s.app.ListHandler.Handle(w, r, segments[0])
	default:
		s.app.JobHandler.Handle(w, r, segments[0], segments[1], segments[2:])
	}
}
