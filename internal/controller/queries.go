package controller

import (
	"context"
	"strings"
	"time"

	"github.com/raplab/raprunner/internal/database"
	"github.com/raplab/raprunner/internal/models"
)

// Flag ids with controller-level meaning.
const (
	FlagPaused        = "paused"
	FlagMode          = "mode"
	FlagManualDBMaint = "manual-db-maintenance"
	FlagLastSeenAt    = "last-seen-at"
)

// ModeDBMaintenance is the mode flag value while the backend database is
// under maintenance.
const ModeDBMaintenance = "db-maintenance"

// GetFlag returns the flag, or an unset flag when it has never been
// written. A missing flags table (pre-migration bootstrap) also reads as
// unset rather than erroring.
func GetFlag(ctx context.Context, h database.Handle, backend, id string) (*models.Flag, error) {
	flags, err := database.FindWhere[models.Flag](ctx, h,
		database.Eq("backend", backend), database.Eq("id", id))
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return &models.Flag{ID: id, Backend: backend}, nil
		}
		return nil, err
	}
	if len(flags) == 0 {
		return &models.Flag{ID: id, Backend: backend}, nil
	}
	return flags[0], nil
}

// SetFlag upserts the flag. Writing the value it already has preserves the
// existing timestamp, so "since" reporting reflects the original change.
func SetFlag(ctx context.Context, h database.Handle, backend, id string, value *string) (*models.Flag, error) {
	current, err := GetFlag(ctx, h, backend, id)
	if err != nil {
		return nil, err
	}
	if equalValue(current.Value, value) && current.Timestamp != 0 {
		return current, nil
	}
	flag := &models.Flag{
		ID:        id,
		Value:     value,
		Backend:   backend,
		Timestamp: time.Now().Unix(),
	}
	if err := database.Upsert(ctx, h, flag, "id", "backend"); err != nil {
		return nil, err
	}
	return flag, nil
}

func equalValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// IsPaused reports whether the backend's paused flag is set.
func IsPaused(ctx context.Context, h database.Handle, backend string) (bool, error) {
	flag, err := GetFlag(ctx, h, backend, FlagPaused)
	if err != nil {
		return false, err
	}
	return flag.Value != nil && *flag.Value == "true", nil
}

// InDBMaintenance reports whether the backend is in database maintenance,
// either detected (mode flag) or operator-forced (manual flag).
func InDBMaintenance(ctx context.Context, h database.Handle, backend string) (bool, error) {
	mode, err := GetFlag(ctx, h, backend, FlagMode)
	if err != nil {
		return false, err
	}
	if mode.Value != nil && *mode.Value == ModeDBMaintenance {
		return true, nil
	}
	manual, err := GetFlag(ctx, h, backend, FlagManualDBMaint)
	if err != nil {
		return false, err
	}
	return manual.Value != nil && *manual.Value == "on", nil
}

// ActiveJobs returns every non-final job, ordered by the database.
func ActiveJobs(ctx context.Context, h database.Handle) ([]*models.Job, error) {
	return database.FindWhere[models.Job](ctx, h,
		database.In("state", models.StatePending, models.StateRunning))
}

// JobsForRap returns every job for the RAP request.
func JobsForRap(ctx context.Context, h database.Handle, rapID string) ([]*models.Job, error) {
	return database.FindWhere[models.Job](ctx, h, database.Eq("rap_id", rapID))
}

// LatestJobsForWorkspace returns the most recent job per action in the
// workspace, excluding cancelled jobs and the error placeholder. This is
// the view the re-run rules consult.
func LatestJobsForWorkspace(ctx context.Context, h database.Handle, backend, workspace string) (map[string]*models.Job, error) {
	jobs, err := database.FindWhere[models.Job](ctx, h,
		database.Eq("backend", backend), database.Eq("workspace", workspace))
	if err != nil {
		return nil, err
	}
	latest := map[string]*models.Job{}
	for _, job := range jobs {
		if job.Cancelled || job.Action == models.ErrorAction {
			continue
		}
		prev, ok := latest[job.Action]
		if !ok || job.CreatedAt > prev.CreatedAt ||
			(job.CreatedAt == prev.CreatedAt && job.ID > prev.ID) {
			latest[job.Action] = job
		}
	}
	return latest, nil
}

// SaveRequest archives the original request JSON. Replaying a request
// overwrites the archive with identical content, which is a no-op.
func SaveRequest(ctx context.Context, h database.Handle, req *models.SavedRapRequest) error {
	return database.Upsert(ctx, h, req, "id")
}

// GetSavedRequest returns the archived request, or nil when unknown.
func GetSavedRequest(ctx context.Context, h database.Handle, rapID string) (*models.SavedRapRequest, error) {
	reqs, err := database.FindWhere[models.SavedRapRequest](ctx, h,
		database.Eq("id", rapID))
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, nil
	}
	return reqs[0], nil
}
