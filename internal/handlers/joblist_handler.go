package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/uws"
)

// jobRef is one entry of a job list response.
type jobRef struct {
	JobID        string             `json:"jobId"`
	Phase        uws.ExecutionPhase `json:"phase"`
	RunID        string             `json:"runId,omitempty"`
	OwnerID      string             `json:"ownerId,omitempty"`
	CreationTime time.Time          `json:"creationTime"`
	Href         string             `json:"href"`
}

// jobListResponse is the body of GET /{list}.
type jobListResponse struct {
	Name string   `json:"name"`
	Jobs []jobRef `json:"jobs"`
}

// JobListHandler serves the collection endpoints of a job list: enumeration
// with filters and job creation.
type JobListHandler struct {
	service    *uws.Service
	identifier interfaces.UserIdentifier
	logger     arbor.ILogger
}

// NewJobListHandler creates a job list handler.
func NewJobListHandler(service *uws.Service, identifier interfaces.UserIdentifier, logger arbor.ILogger) *JobListHandler {
	return &JobListHandler{
		service:    service,
		identifier: identifier,
		logger:     logger,
	}
}

// Handle dispatches GET (enumerate) and POST (create) on /{list}.
func (h *JobListHandler) Handle(w http.ResponseWriter, r *http.Request, listName string) {
	list := h.service.GetJobList(listName)
	if list == nil {
		WriteError(w, http.StatusNotFound, "no job list "+listName)
		return
	}

	user, err := h.identifier.ExtractUser(r)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, err.Error())
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.listJobs(w, r, list, user)
	case http.MethodPost:
		h.createJob(w, r, list, user)
	default:
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// listJobs answers GET /{list}. The PHASE, AFTER and LAST query filters
// narrow the enumeration; PHASE may repeat.
func (h *JobListHandler) listJobs(w http.ResponseWriter, r *http.Request, list *uws.JobList, user uws.JobOwner) {
	query := r.URL.Query()

	phases := make(map[uws.ExecutionPhase]bool)
	for _, raw := range query["PHASE"] {
		phase := uws.PhaseFromString(raw)
		if phase == uws.PhaseUnknown && !strings.EqualFold(raw, "UNKNOWN") {
			WriteError(w, http.StatusBadRequest, "unknown PHASE "+raw)
			return
		}
		phases[phase] = true
	}

	var after time.Time
	if raw := query.Get("AFTER"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "AFTER must be an ISO-8601 instant")
			return
		}
		after = parsed
	}

	last := -1
	if raw := query.Get("LAST"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			WriteError(w, http.StatusBadRequest, "LAST must be a non-negative integer")
			return
		}
		last = parsed
	}

	jobs := list.JobsFor(user)
	filtered := make([]*uws.Job, 0, len(jobs))
	for _, job := range jobs {
		// ARCHIVED jobs only show up when asked for explicitly.
		if job.Phase() == uws.PhaseArchived && !phases[uws.PhaseArchived] {
			continue
		}
		if len(phases) > 0 && !phases[job.Phase()] {
			continue
		}
		if !after.IsZero() && !job.CreationTime().After(after) {
			continue
		}
		filtered = append(filtered, job)
	}
	if last >= 0 && len(filtered) > last {
		filtered = filtered[len(filtered)-last:]
	}

	response := jobListResponse{Name: list.Name(), Jobs: make([]jobRef, 0, len(filtered))}
	for _, job := range filtered {
		response.Jobs = append(response.Jobs, jobRef{
			JobID:        job.ID(),
			Phase:        job.Phase(),
			RunID:        job.RunID(),
			OwnerID:      uws.OwnerID(job.Owner()),
			CreationTime: job.CreationTime(),
			Href:         "/" + list.Name() + "/" + job.ID(),
		})
	}
	WriteJSON(w, http.StatusOK, response)
}

// createJob answers POST /{list} with a 303 redirect to the new job.
// Controller coercion warnings travel back in the redirect body.
func (h *JobListHandler) createJob(w http.ResponseWriter, r *http.Request, list *uws.JobList, user uws.JobOwner) {
	parameters, err := ParseJobParameters(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, warnings, err := list.CreateJob(user, parameters)
	if err != nil {
		WriteEngineError(w, err)
		return
	}

	for _, warning := range warnings {
		h.logger.Warn().
			Str("list", list.Name()).
			Str("job_id", job.ID()).
			Str("warning", warning).
			Msg("Parameter coerced at job creation")
	}
	h.logger.Info().
		Str("list", list.Name()).
		Str("job_id", job.ID()).
		Str("owner", uws.OwnerID(user)).
		Msg("Job created")

	RedirectWithWarnings(w, r, "/"+list.Name()+"/"+job.ID(), warnings)
}
