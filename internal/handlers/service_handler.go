package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/uws"
	"github.com/yuin/goldmark"
)

// ServiceHandler serves the service-level endpoints: the home page, the
// status document and the per-job log feed.
type ServiceHandler struct {
	service *uws.Service
	config  *common.Config
	logs    interfaces.JobLogStorage
	logger  arbor.ILogger
}

// NewServiceHandler creates a service handler.
func NewServiceHandler(service *uws.Service, config *common.Config, logs interfaces.JobLogStorage, logger arbor.ILogger) *ServiceHandler {
	return &ServiceHandler{
		service: service,
		config:  config,
		logs:    logs,
		logger:  logger,
	}
}

// HandleHome answers GET /. A configured home page file is served as-is,
// markdown files are rendered to HTML first; without one a default status
// page is generated.
func (h *ServiceHandler) HandleHome(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	homePage := h.config.Service.HomePage
	if homePage == "" {
		h.writeDefaultHome(w)
		return
	}

	content, err := os.ReadFile(homePage)
	if err != nil {
		h.logger.Warn().Err(err).Str("path", homePage).Msg("Home page file unreadable")
		h.writeDefaultHome(w)
		return
	}

	if strings.EqualFold(filepath.Ext(homePage), ".md") {
		var rendered bytes.Buffer
		if err := goldmark.Convert(content, &rendered); err != nil {
			h.logger.Warn().Err(err).Str("path", homePage).Msg("Home page markdown rendering failed")
			h.writeDefaultHome(w)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write(rendered.Bytes())
		return
	}

	contentType := h.config.Service.HomePageMimeType
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

// writeDefaultHome renders the built-in home page listing the job lists.
func (h *ServiceHandler) writeDefaultHome(w http.ResponseWriter) {
	var page bytes.Buffer
	fmt.Fprintf(&page, "<!DOCTYPE html>\n<html>\n<head><title>%s</title></head>\n<body>\n", h.service.Name())
	fmt.Fprintf(&page, "<h1>%s</h1>\n", h.service.Name())
	if desc := h.service.Description(); desc != "" {
		fmt.Fprintf(&page, "<p>%s</p>\n", desc)
	}
	fmt.Fprintf(&page, "<p>Version %s</p>\n<ul>\n", common.GetFullVersion())
	for _, list := range h.service.JobLists() {
		fmt.Fprintf(&page, "<li><a href=\"/%s\">%s</a> (%d jobs)</li>\n", list.Name(), list.Name(), list.NbJobs())
	}
	page.WriteString("</ul>\n</body>\n</html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(page.Bytes())
}

// HandleStatus answers GET /api/status with the service state document.
func (h *ServiceHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	lists := make([]map[string]interface{}, 0)
	for _, list := range h.service.JobLists() {
		lists = append(lists, map[string]interface{}{
			"name":               list.Name(),
			"jobs":               list.NbJobs(),
			"running":            len(list.ExecutionManager().RunningJobs()),
			"queued":             len(list.ExecutionManager().QueuedJobs()),
			"max_running":        list.ExecutionManager().MaxRunning(),
			"destruction_policy": string(list.DestructionPolicy()),
		})
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"service":     h.service.Name(),
		"description": h.service.Description(),
		"version":     common.GetFullVersion(),
		"uptime":      h.service.Uptime().Round(time.Second).String(),
		"total_jobs":  h.service.NbJobs(),
		"job_lists":   lists,
	})
}

// HandleJobLogs answers GET /api/logs/{jobID} with the stored log entries
// of one job.
func (h *ServiceHandler) HandleJobLogs(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "job id is required")
		return
	}
	if h.logs == nil {
		WriteError(w, http.StatusNotFound, "log storage is not configured")
		return
	}

	entries, err := h.logs.GetLogs(r.Context(), jobID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"count":  len(entries),
		"logs":   entries,
	})
}
