package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/uws"
)

// JobHandler serves one job and its attribute subresources: phase, quote,
// executionduration, destruction, error, parameters, results, owner and
// jobInfo.
type JobHandler struct {
	service    *uws.Service
	identifier interfaces.UserIdentifier
	logger     arbor.ILogger
}

// NewJobHandler creates a job handler.
func NewJobHandler(service *uws.Service, identifier interfaces.UserIdentifier, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		service:    service,
		identifier: identifier,
		logger:     logger,
	}
}

// Handle dispatches /{list}/{id} and its subresources. subPath is the
// remainder after the job id, empty for the job itself.
func (h *JobHandler) Handle(w http.ResponseWriter, r *http.Request, listName, jobID string, subPath []string) {
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

	job, err := list.GetJob(jobID, user)
	if err != nil {
		WriteEngineError(w, err)
		return
	}

	if len(subPath) == 0 {
		h.handleJob(w, r, list, job, user)
		return
	}

	switch strings.ToLower(subPath[0]) {
	case "phase":
		h.handlePhase(w, r, list, job, user)
	case "quote":
		h.textAttribute(w, r, quoteText(job))
	case "executionduration":
		h.settableAttribute(w, r, list, job, user, uws.ParamExecutionDuration,
			strconv.FormatInt(job.ExecutionDuration(), 10))
	case "destruction":
		h.settableAttribute(w, r, list, job, user, uws.ParamDestruction,
			timeText(job.DestructionTime()))
	case "error":
		h.handleError(w, r, job)
	case "parameters":
		h.handleParameters(w, r, list, job, user, subPath[1:])
	case "results":
		h.handleResults(w, r, list, job, subPath[1:])
	case "owner":
		h.textAttribute(w, r, uws.OwnerID(job.Owner()))
	case "jobinfo":
		h.handleJobInfo(w, r, job)
	default:
		WriteError(w, http.StatusNotFound, "no such job resource "+subPath[0])
	}
}

// handleJob answers /{list}/{id}: GET describes the job, DELETE and
// POST ACTION=DELETE destroy it, other POSTs update parameters.
func (h *JobHandler) handleJob(w http.ResponseWriter, r *http.Request, list *uws.JobList, job *uws.Job, user uws.JobOwner) {
	switch r.Method {
	case http.MethodGet:
		WriteJSON(w, http.StatusOK, job.Describe())
	case http.MethodDelete:
		if err := list.DestroyJob(job.ID(), user); err != nil {
			WriteEngineError(w, err)
			return
		}
		h.logger.Info().
			Str("list", list.Name()).
			Str("job_id", job.ID()).
			Msg("Job destroyed")
		Redirect(w, r, "/"+list.Name())
	case http.MethodPost:
		parameters, err := ParseJobParameters(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		_, deleting := parameters[uws.ParamAction]
		warnings, err := list.UpdateJobParameters(job.ID(), user, parameters)
		if err != nil {
			WriteEngineError(w, err)
			return
		}
		h.logWarnings(list, job, warnings)
		if deleting {
			Redirect(w, r, "/"+list.Name())
			return
		}
		RedirectWithWarnings(w, r, "/"+list.Name()+"/"+job.ID(), warnings)
	default:
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handlePhase answers /{list}/{id}/phase: GET returns the phase as plain
// text, POST PHASE=RUN starts the job and POST PHASE=ABORT aborts it.
func (h *JobHandler) handlePhase(w http.ResponseWriter, r *http.Request, list *uws.JobList, job *uws.Job, user uws.JobOwner) {
	switch r.Method {
	case http.MethodGet:
		writeText(w, string(job.Phase()))
	case http.MethodPost:
		parameters, err := ParseJobParameters(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		raw, ok := parameters[uws.ParamPhase]
		if !ok {
			WriteError(w, http.StatusBadRequest, "PHASE parameter is required")
			return
		}
		if user != nil && !user.HasExecutePermission(job) {
			WriteError(w, http.StatusForbidden,
				fmt.Sprintf("user %s may not control job %s", user.ID(), job.ID()))
			return
		}

		switch strings.ToUpper(fmt.Sprintf("%v", raw)) {
		case "RUN":
			err = list.ExecutionManager().Execute(job)
		case "ABORT":
			err = job.Abort()
		case "ARCHIVE":
			err = list.ArchiveJob(job.ID(), user)
		case "SUSPEND":
			err = job.SetPhase(uws.PhaseSuspended, false)
		case "HELD":
			err = job.SetPhase(uws.PhaseHeld, false)
		default:
			WriteError(w, http.StatusBadRequest,
				fmt.Sprintf("PHASE must be RUN, ABORT, ARCHIVE, SUSPEND or HELD, got %v", raw))
			return
		}
		if err != nil {
			WriteEngineError(w, err)
			return
		}
		h.logger.Info().
			Str("list", list.Name()).
			Str("job_id", job.ID()).
			Str("requested", fmt.Sprintf("%v", raw)).
			Msg("Phase change requested")
		Redirect(w, r, "/"+list.Name()+"/"+job.ID())
	default:
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// textAttribute serves a read-only plain text attribute.
func (h *JobHandler) textAttribute(w http.ResponseWriter, r *http.Request, value string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	writeText(w, value)
}

// settableAttribute serves an attribute that reads as plain text and
// writes through the named job parameter.
func (h *JobHandler) settableAttribute(w http.ResponseWriter, r *http.Request, list *uws.JobList, job *uws.Job, user uws.JobOwner, param, current string) {
	switch r.Method {
	case http.MethodGet:
		writeText(w, current)
	case http.MethodPost:
		parameters, err := ParseJobParameters(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		value, ok := parameters[param]
		if !ok {
			WriteError(w, http.StatusBadRequest, param+" parameter is required")
			return
		}
		warnings, err := list.UpdateJobParameters(job.ID(), user, map[string]interface{}{param: value})
		if err != nil {
			WriteEngineError(w, err)
			return
		}
		h.logWarnings(list, job, warnings)
		RedirectWithWarnings(w, r, "/"+list.Name()+"/"+job.ID(), warnings)
	default:
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleJobInfo answers /{list}/{id}/jobInfo with the job's opaque
// descriptor when one is attached.
func (h *JobHandler) handleJobInfo(w http.ResponseWriter, r *http.Request, job *uws.Job) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	info := job.JobInfo()
	if info == nil {
		WriteError(w, http.StatusNotFound, "job "+job.ID()+" has no additional info")
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if err := info.WriteFullContent(w); err != nil {
		h.logger.Warn().
			Err(err).
			Str("job_id", job.ID()).
			Msg("Job info streaming interrupted")
	}
}

// handleError answers /{list}/{id}/error with the error summary and, when
// recorded, the stored details.
func (h *JobHandler) handleError(w http.ResponseWriter, r *http.Request, job *uws.Job) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	summary := job.ErrorSummary()
	if summary == nil {
		WriteError(w, http.StatusNotFound, "job "+job.ID()+" has no error")
		return
	}

	response := map[string]interface{}{
		"message": summary.Message,
		"type":    summary.Type,
	}
	if summary.DetailsRef != "" {
		if fm := h.service.FileManager(); fm != nil {
			if reader, err := fm.ErrorReader(job); err == nil {
				details, readErr := io.ReadAll(reader)
				reader.Close()
				if readErr == nil {
					response["details"] = string(details)
				}
			}
		}
	}
	WriteJSON(w, http.StatusOK, response)
}

// handleParameters answers /{list}/{id}/parameters and its per-name child.
func (h *JobHandler) handleParameters(w http.ResponseWriter, r *http.Request, list *uws.JobList, job *uws.Job, user uws.JobOwner, rest []string) {
	if len(rest) > 1 {
		WriteError(w, http.StatusNotFound, "no such parameter resource")
		return
	}

	if len(rest) == 1 {
		name := uws.NormalizeParameterName(rest[0])
		switch r.Method {
		case http.MethodGet:
			value, ok := job.Parameter(name)
			if !ok {
				WriteError(w, http.StatusNotFound, "job "+job.ID()+" has no parameter "+name)
				return
			}
			writeText(w, fmt.Sprintf("%v", value))
		case http.MethodPost:
			parameters, err := ParseJobParameters(r)
			if err != nil {
				WriteError(w, http.StatusBadRequest, err.Error())
				return
			}
			value, ok := parameters[name]
			if !ok {
				// A bare VALUE field addresses the parameter named by the path.
				value, ok = parameters["VALUE"]
				if !ok {
					value, ok = parameters["value"]
				}
			}
			if !ok {
				WriteError(w, http.StatusBadRequest, "no value for parameter "+name)
				return
			}
			warnings, err := list.UpdateJobParameters(job.ID(), user, map[string]interface{}{name: value})
			if err != nil {
				WriteEngineError(w, err)
				return
			}
			h.logWarnings(list, job, warnings)
			RedirectWithWarnings(w, r, "/"+list.Name()+"/"+job.ID()+"/parameters", warnings)
		default:
			WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		WriteJSON(w, http.StatusOK, job.Parameters())
	case http.MethodPost:
		parameters, err := ParseJobParameters(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		warnings, err := list.UpdateJobParameters(job.ID(), user, parameters)
		if err != nil {
			WriteEngineError(w, err)
			return
		}
		h.logWarnings(list, job, warnings)
		RedirectWithWarnings(w, r, "/"+list.Name()+"/"+job.ID()+"/parameters", warnings)
	default:
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleResults answers /{list}/{id}/results and /{list}/{id}/results/{rid}.
// Redirected results answer with 303 to their href, stored results stream
// through the file manager.
func (h *JobHandler) handleResults(w http.ResponseWriter, r *http.Request, list *uws.JobList, job *uws.Job, rest []string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if len(rest) > 1 {
		WriteError(w, http.StatusNotFound, "no such result resource")
		return
	}

	if len(rest) == 0 {
		WriteJSON(w, http.StatusOK, job.Results())
		return
	}

	result, ok := job.Result(rest[0])
	if !ok {
		WriteError(w, http.StatusNotFound, "job "+job.ID()+" has no result "+rest[0])
		return
	}
	if result.RedirectionRequired {
		Redirect(w, r, result.Href)
		return
	}

	fm := h.service.FileManager()
	if fm == nil {
		WriteError(w, http.StatusInternalServerError, "no file storage configured")
		return
	}
	reader, err := fm.ResultReader(job, result.ID)
	if err != nil {
		WriteError(w, http.StatusNotFound, "result "+result.ID+" has no stored content")
		return
	}
	defer reader.Close()

	contentType := result.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if size := fm.ResultSize(job, result.ID); size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		h.logger.Warn().
			Err(err).
			Str("job_id", job.ID()).
			Str("result_id", result.ID).
			Msg("Result streaming interrupted")
	}
}

func (h *JobHandler) logWarnings(list *uws.JobList, job *uws.Job, warnings []string) {
	for _, warning := range warnings {
		h.logger.Warn().
			Str("list", list.Name()).
			Str("job_id", job.ID()).
			Str("warning", warning).
			Msg("Parameter coerced")
	}
}

// quoteText renders the quote attribute, empty when unknown.
func quoteText(job *uws.Job) string {
	quote := job.Quote()
	if quote < 0 {
		return ""
	}
	return strconv.FormatInt(quote, 10)
}

// timeText renders an instant as RFC 3339, empty for the zero time.
func timeText(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func writeText(w http.ResponseWriter, value string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, value)
}
