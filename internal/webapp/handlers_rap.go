package webapp

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/raplab/raprunner/internal/controller"
	"github.com/raplab/raprunner/internal/models"
)

// jobJSON is the client-facing view of a job. The persisted record carries
// controller internals (trace context, wait lists) the client has no use
// for.
type jobJSON struct {
	ID            string `json:"id"`
	RapID         string `json:"rap_id"`
	Backend       string `json:"backend"`
	Workspace     string `json:"workspace"`
	Action        string `json:"action"`
	RunCommand    string `json:"run_command,omitempty"`
	State         string `json:"state"`
	StatusCode    string `json:"status_code"`
	StatusMessage string `json:"status_message"`
	Cancelled     bool   `json:"cancelled"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
	StartedAt     *int64 `json:"started_at"`
	CompletedAt   *int64 `json:"completed_at"`
	RequiresDB    bool   `json:"requires_db"`
	ImageID       string `json:"image_id,omitempty"`
	RepoURL       string `json:"repo_url,omitempty"`
	Commit        string `json:"commit,omitempty"`
}

func jobView(job *models.Job) jobJSON {
	return jobJSON{
		ID:            job.ID,
		RapID:         job.RapID,
		Backend:       job.Backend,
		Workspace:     job.Workspace,
		Action:        job.Action,
		RunCommand:    job.RunCommand,
		State:         string(job.State),
		StatusCode:    string(job.StatusCode),
		StatusMessage: job.StatusMessage,
		Cancelled:     job.Cancelled,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
		RequiresDB:    job.RequiresDB,
		ImageID:       job.ImageID,
		RepoURL:       job.RepoURL,
		Commit:        job.Commit,
	}
}

func jobViews(jobs []*models.Job) []jobJSON {
	views := make([]jobJSON, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, jobView(job))
	}
	return views
}

func (s *Server) handleRapCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return
	}
	var req controller.CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "parsing request: "+err.Error())
		return
	}
	req.Original = body

	if !backendAllowed(r, req.Backend) {
		writeError(w, http.StatusForbidden, "token not valid for backend")
		return
	}

	jobs, err := s.ctrl.CreateOrUpdateJobs(r.Context(), &req)
	status := http.StatusCreated
	switch {
	case err == nil:
	case errors.Is(err, controller.ErrAlreadyCreated):
		status = http.StatusOK
	case controller.IsValidationError(err):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		s.log.Error("creating jobs failed",
			zap.String("rap_id", req.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, status, map[string]any{
		"count": len(jobs),
		"jobs":  jobViews(jobs),
	})
}

type cancelRequest struct {
	RapID   string   `json:"rap_id"`
	Actions []string `json:"actions"`
}

func (s *Server) handleRapCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "parsing request: "+err.Error())
		return
	}

	jobs, err := controller.JobsForRap(r.Context(), s.ctrl.DB(), req.RapID)
	if err != nil {
		s.log.Error("cancel lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if len(jobs) == 0 {
		writeError(w, http.StatusNotFound, "unknown rap_id")
		return
	}
	if !backendAllowed(r, jobs[0].Backend) {
		writeError(w, http.StatusForbidden, "token not valid for backend")
		return
	}

	count, err := s.ctrl.UpdateCancelledJobs(r.Context(), req.RapID, req.Actions)
	if err != nil {
		s.log.Error("cancelling jobs failed",
			zap.String("rap_id", req.RapID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

type statusRequest struct {
	RapIDs []string `json:"rap_ids"`
}

func (s *Server) handleRapStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "parsing request: "+err.Error())
		return
	}

	var jobs []jobJSON
	unrecognised := []string{}
	for _, rapID := range req.RapIDs {
		rapJobs, err := controller.JobsForRap(r.Context(), s.ctrl.DB(), rapID)
		if err != nil {
			s.log.Error("status lookup failed",
				zap.String("rap_id", rapID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		visible := 0
		for _, job := range rapJobs {
			if backendAllowed(r, job.Backend) {
				jobs = append(jobs, jobView(job))
				visible++
			}
		}
		if visible == 0 {
			unrecognised = append(unrecognised, rapID)
		}
	}
	if jobs == nil {
		jobs = []jobJSON{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":                 jobs,
		"unrecognised_rap_ids": unrecognised,
	})
}

type flagStatus struct {
	Status bool   `json:"status"`
	Since  *int64 `json:"since,omitempty"`
	Type   string `json:"type,omitempty"`
}

type backendStatus struct {
	Backend       string     `json:"backend"`
	LastSeenAt    *string    `json:"last_seen_at"`
	Paused        flagStatus `json:"paused"`
	DBMaintenance flagStatus `json:"db_maintenance"`
}

func (s *Server) handleBackendStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	db := s.ctrl.DB()
	statuses := []backendStatus{}
	for _, backend := range allowedBackends(r) {
		status := backendStatus{Backend: backend}

		lastSeen, err := controller.GetFlag(ctx, db, backend, controller.FlagLastSeenAt)
		if err == nil {
			status.LastSeenAt = lastSeen.Value
		}

		paused, err := controller.GetFlag(ctx, db, backend, controller.FlagPaused)
		if err == nil && paused.Value != nil && *paused.Value == "true" {
			since := paused.Timestamp
			status.Paused = flagStatus{Status: true, Since: &since}
		}

		mode, merr := controller.GetFlag(ctx, db, backend, controller.FlagMode)
		manual, xerr := controller.GetFlag(ctx, db, backend, controller.FlagManualDBMaint)
		switch {
		case xerr == nil && manual.Value != nil && *manual.Value == "on":
			since := manual.Timestamp
			status.DBMaintenance = flagStatus{Status: true, Since: &since, Type: "manual"}
		case merr == nil && mode.Value != nil && *mode.Value == controller.ModeDBMaintenance:
			since := mode.Timestamp
			status.DBMaintenance = flagStatus{Status: true, Since: &since, Type: "scheduled"}
		}

		statuses = append(statuses, status)
	}
	writeJSON(w, http.StatusOK, map[string]any{"backends": statuses})
}
