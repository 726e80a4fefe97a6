package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
	"github.com/ternarybob/opus/internal/logs"
	"github.com/ternarybob/opus/internal/models"
)

func TestStatusEndpoint(t *testing.T) {
	service := newHandlerService(t)
	_, _, err := service.GetJobList("timers").CreateJob(nil, nil)
	require.NoError(t, err)

	handler := NewServiceHandler(service, common.NewDefaultConfig(), nil, arbor.NewLogger())
	request := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	recorder := httptest.NewRecorder()
	handler.HandleStatus(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &status))
	assert.Equal(t, "opus", status["service"])
	assert.Equal(t, float64(1), status["total_jobs"])

	lists, ok := status["job_lists"].([]interface{})
	require.True(t, ok)
	require.Len(t, lists, 1)
	entry := lists[0].(map[string]interface{})
	assert.Equal(t, "timers", entry["name"])
	assert.Equal(t, float64(1), entry["jobs"])
}

func TestDefaultHomePageListsJobLists(t *testing.T) {
	service := newHandlerService(t)
	handler := NewServiceHandler(service, common.NewDefaultConfig(), nil, arbor.NewLogger())

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	recorder := httptest.NewRecorder()
	handler.HandleHome(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, recorder.Body.String(), "/timers")
}

func TestMarkdownHomePageIsRendered(t *testing.T) {
	dir := t.TempDir()
	page := filepath.Join(dir, "home.md")
	require.NoError(t, os.WriteFile(page, []byte("# Job Service\n\nwelcome"), 0644))

	config := common.NewDefaultConfig()
	config.Service.HomePage = page

	handler := NewServiceHandler(newHandlerService(t), config, nil, arbor.NewLogger())
	request := httptest.NewRequest(http.MethodGet, "/", nil)
	recorder := httptest.NewRecorder()
	handler.HandleHome(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "<h1")
	assert.Contains(t, recorder.Body.String(), "Job Service")
}

func TestCustomHomePageServedVerbatim(t *testing.T) {
	dir := t.TempDir()
	page := filepath.Join(dir, "home.html")
	require.NoError(t, os.WriteFile(page, []byte("<p>custom</p>"), 0644))

	config := common.NewDefaultConfig()
	config.Service.HomePage = page
	config.Service.HomePageMimeType = "text/html"

	handler := NewServiceHandler(newHandlerService(t), config, nil, arbor.NewLogger())
	request := httptest.NewRequest(http.MethodGet, "/", nil)
	recorder := httptest.NewRecorder()
	handler.HandleHome(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "<p>custom</p>", recorder.Body.String())
}

func TestJobLogsEndpoint(t *testing.T) {
	storage := logs.NewMemoryLogStorage()
	require.NoError(t, storage.AppendLogs(context.Background(), "job_1", []models.JobLogEntry{
		{Level: "INF", Message: "worker started"},
	}))

	handler := NewServiceHandler(newHandlerService(t), common.NewDefaultConfig(), storage, arbor.NewLogger())
	request := httptest.NewRequest(http.MethodGet, "/api/logs/job_1", nil)
	recorder := httptest.NewRecorder()
	handler.HandleJobLogs(recorder, request, "job_1")

	require.Equal(t, http.StatusOK, recorder.Code)
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, float64(1), response["count"])
}

func TestJobLogsRequiresJobID(t *testing.T) {
	handler := NewServiceHandler(newHandlerService(t), common.NewDefaultConfig(), nil, arbor.NewLogger())
	request := httptest.NewRequest(http.MethodGet, "/api/logs/", nil)
	recorder := httptest.NewRecorder()
	handler.HandleJobLogs(recorder, request, "")
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}
