// Package v0 provides the REST API handlers for repository lifecycle
// management.
package v0

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/crpaas/repo-manager/internal/opengrok"
	"github.com/crpaas/repo-manager/internal/service"
)

const defaultTailLines = 500

var validate = validator.New()

// OpenGrokProvider reads downstream search service state.
type OpenGrokProvider interface {
	Status(ctx context.Context) (*opengrok.StatusResponse, error)
	Logs(ctx context.Context, podName string, tailLines int64) (string, error)
}

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// AppConfigResponse is the client-visible configuration.
type AppConfigResponse struct {
	OpenGrokBaseURL string `json:"opengrok_base_url"`
}

// LogsResponse wraps a log tail.
type LogsResponse struct {
	Logs string `json:"logs"`
}

// CreateRepositoryRequest is the body for POST /repository.
type CreateRepositoryRequest struct {
	RepoURL           string  `json:"repo_url" validate:"required"`
	CommitID          string  `json:"commit_id"`
	ProjectName       string  `json:"project_name"`
	RetentionDays     int     `json:"retention_days" validate:"gte=0"`
	CloneSingleBranch bool    `json:"clone_single_branch"`
	CloneRecursive    bool    `json:"clone_recursive"`
	AutoSyncEnabled   bool    `json:"auto_sync_enabled"`
	AutoSyncSchedule  *string `json:"auto_sync_schedule"`
}

// UpdateExpirationRequest is the body for PUT /repository/{id}/expiration.
type UpdateExpirationRequest struct {
	RetentionDays int `json:"retention_days" validate:"gte=0"`
}

// UpdateAutoSyncRequest is the body for PUT /repository/{id}/autosync.
type UpdateAutoSyncRequest struct {
	AutoSyncEnabled  bool    `json:"auto_sync_enabled"`
	AutoSyncSchedule *string `json:"auto_sync_schedule"`
}

// ImportRequest is the body for POST /repositories/import. An empty
// snapshot is a valid no-op restore.
type ImportRequest struct {
	Repositories []service.ExportRecord `json:"repositories"`
}

// Routes holds the handler dependencies.
type Routes struct {
	service         service.RepositoryService
	opengrok        OpenGrokProvider
	opengrokBaseURL string
}

// NewRoutes creates a Routes instance.
func NewRoutes(svc service.RepositoryService, og OpenGrokProvider, opengrokBaseURL string) *Routes {
	return &Routes{service: svc, opengrok: og, opengrokBaseURL: opengrokBaseURL}
}

// Router builds the v0 API router.
func Router(svc service.RepositoryService, og OpenGrokProvider, opengrokBaseURL string) http.Handler {
	routes := NewRoutes(svc, og, opengrokBaseURL)

	r := chi.NewRouter()

	r.Get("/config", routes.getConfig)

	r.Get("/repositories", routes.listRepositories)
	r.Get("/repositories/export", routes.exportRepositories)
	r.Post("/repositories/import", routes.importRepositories)

	r.Post("/repository", routes.createRepository)
	r.Route("/repository/{id}", func(r chi.Router) {
		r.Get("/", routes.getRepository)
		r.Delete("/", routes.deleteRepository)
		r.Post("/sync", routes.syncRepository)
		r.Put("/expiration", routes.updateExpiration)
		r.Put("/autosync", routes.updateAutoSync)
		r.Get("/logs", routes.getRepositoryLogs)
	})

	r.Get("/opengrok/status", routes.getOpenGrokStatus)
	r.Get("/opengrok/logs", routes.getOpenGrokLogs)

	return r
}

func (rr *Routes) getConfig(w http.ResponseWriter, _ *http.Request) {
	rr.writeJSON(w, http.StatusOK, AppConfigResponse{OpenGrokBaseURL: rr.opengrokBaseURL})
}

func (rr *Routes) listRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := rr.service.List(r.Context())
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	rr.writeJSON(w, http.StatusOK, repos)
}

func (rr *Routes) createRepository(w http.ResponseWriter, r *http.Request) {
	var req CreateRepositoryRequest
	if !rr.decode(w, r, &req) {
		return
	}

	repo, err := rr.service.Create(r.Context(), service.CreateRequest{
		RepoURL:           req.RepoURL,
		CommitID:          req.CommitID,
		ProjectName:       req.ProjectName,
		RetentionDays:     req.RetentionDays,
		CloneSingleBranch: req.CloneSingleBranch,
		CloneRecursive:    req.CloneRecursive,
		AutoSyncEnabled:   req.AutoSyncEnabled,
		AutoSyncSchedule:  req.AutoSyncSchedule,
	})
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	rr.writeJSON(w, http.StatusAccepted, repo)
}

func (rr *Routes) getRepository(w http.ResponseWriter, r *http.Request) {
	id, ok := rr.repositoryID(w, r)
	if !ok {
		return
	}

	repo, err := rr.service.Get(r.Context(), id)
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	rr.writeJSON(w, http.StatusOK, repo)
}

func (rr *Routes) deleteRepository(w http.ResponseWriter, r *http.Request) {
	id, ok := rr.repositoryID(w, r)
	if !ok {
		return
	}

	repo, err := rr.service.Delete(r.Context(), id)
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	rr.writeJSON(w, http.StatusAccepted, repo)
}

func (rr *Routes) syncRepository(w http.ResponseWriter, r *http.Request) {
	id, ok := rr.repositoryID(w, r)
	if !ok {
		return
	}

	repo, err := rr.service.Sync(r.Context(), id)
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	rr.writeJSON(w, http.StatusAccepted, repo)
}

func (rr *Routes) updateExpiration(w http.ResponseWriter, r *http.Request) {
	id, ok := rr.repositoryID(w, r)
	if !ok {
		return
	}
	var req UpdateExpirationRequest
	if !rr.decode(w, r, &req) {
		return
	}

	repo, err := rr.service.UpdateExpiration(r.Context(), id, req.RetentionDays)
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	rr.writeJSON(w, http.StatusOK, repo)
}

func (rr *Routes) updateAutoSync(w http.ResponseWriter, r *http.Request) {
	id, ok := rr.repositoryID(w, r)
	if !ok {
		return
	}
	var req UpdateAutoSyncRequest
	if !rr.decode(w, r, &req) {
		return
	}

	repo, err := rr.service.UpdateAutoSync(r.Context(), id, req.AutoSyncEnabled, req.AutoSyncSchedule)
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	rr.writeJSON(w, http.StatusOK, repo)
}

func (rr *Routes) getRepositoryLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := rr.repositoryID(w, r)
	if !ok {
		return
	}

	logs, err := rr.service.Logs(r.Context(), id, tailLinesParam(r))
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	rr.writeJSON(w, http.StatusOK, LogsResponse{Logs: logs})
}

func (rr *Routes) exportRepositories(w http.ResponseWriter, r *http.Request) {
	export, err := rr.service.Export(r.Context())
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	rr.writeJSON(w, http.StatusOK, export)
}

func (rr *Routes) importRepositories(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if !rr.decode(w, r, &req) {
		return
	}

	result, err := rr.service.Import(r.Context(), req.Repositories)
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	rr.writeJSON(w, http.StatusOK, result)
}

func (rr *Routes) getOpenGrokStatus(w http.ResponseWriter, r *http.Request) {
	status, err := rr.opengrok.Status(r.Context())
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	rr.writeJSON(w, http.StatusOK, status)
}

func (rr *Routes) getOpenGrokLogs(w http.ResponseWriter, r *http.Request) {
	podName := r.URL.Query().Get("pod_name")
	if podName == "" {
		rr.writeErrorMessage(w, http.StatusUnprocessableEntity, "pod_name query parameter is required")
		return
	}

	logs, err := rr.opengrok.Logs(r.Context(), podName, tailLinesParam(r))
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	rr.writeJSON(w, http.StatusOK, LogsResponse{Logs: logs})
}

// repositoryID parses the {id} path parameter.
func (rr *Routes) repositoryID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		rr.writeErrorMessage(w, http.StatusUnprocessableEntity, "invalid repository id")
		return 0, false
	}
	return id, true
}

func tailLinesParam(r *http.Request) int64 {
	raw := r.URL.Query().Get("tail_lines")
	if raw == "" {
		return defaultTailLines
	}
	tail, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || tail <= 0 {
		return defaultTailLines
	}
	return tail
}

// decode unmarshals and validates a JSON request body.
func (rr *Routes) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		rr.writeErrorMessage(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		rr.writeErrorMessage(w, http.StatusUnprocessableEntity, err.Error())
		return false
	}
	return true
}

// writeError maps service errors to HTTP statuses. Unknown errors are
// logged and surfaced as an opaque 500.
func (rr *Routes) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		rr.writeErrorMessage(w, http.StatusNotFound, "repository not found")
	case errors.Is(err, service.ErrDuplicateProject), errors.Is(err, service.ErrSyncInProgress):
		rr.writeErrorMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrValidation):
		rr.writeErrorMessage(w, http.StatusUnprocessableEntity, err.Error())
	default:
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		rr.writeErrorMessage(w, http.StatusInternalServerError, "internal server error")
	}
}

func (rr *Routes) writeErrorMessage(w http.ResponseWriter, status int, message string) {
	rr.writeJSON(w, status, ErrorResponse{Error: message})
}

func (rr *Routes) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
