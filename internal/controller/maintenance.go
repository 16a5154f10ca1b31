package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/raplab/raprunner/internal/config"
	"github.com/raplab/raprunner/internal/database"
	"github.com/raplab/raprunner/internal/models"
	"github.com/raplab/raprunner/internal/schema"
)

// ScheduleDBStatusTasks keeps one periodic DBSTATUS probe in flight per
// maintenance-enabled backend. While an operator has forced manual
// maintenance the probes are withdrawn: the manual flag is authoritative
// and a probe result must not flip the mode underneath it.
func ScheduleDBStatusTasks(ctx context.Context, db *database.DB, cfg *config.ControllerConfig) error {
	for _, backend := range cfg.MaintenanceEnabledBackends {
		if err := scheduleDBStatus(ctx, db, backend, cfg.MaintenancePollInterval); err != nil {
			return fmt.Errorf("scheduling dbstatus for %s: %w", backend, err)
		}
	}
	return nil
}

func scheduleDBStatus(ctx context.Context, db *database.DB, backend string, interval time.Duration) error {
	return db.Transaction(ctx, func(tx *database.Tx) error {
		manual, err := GetFlag(ctx, tx, backend, FlagManualDBMaint)
		if err != nil {
			return err
		}
		active, err := database.FindWhere[models.Task](ctx, tx,
			database.Eq("backend", backend),
			database.Eq("type", models.TaskTypeDBStatus),
			database.Eq("active", true))
		if err != nil {
			return err
		}

		if manual.Value != nil && *manual.Value == "on" {
			for _, task := range active {
				if err := MarkTaskInactive(ctx, tx, task); err != nil {
					return err
				}
			}
			return nil
		}

		if len(active) > 0 {
			return nil
		}

		cutoff := time.Now().Add(-interval).Unix()
		recent, err := database.ExistsWhere[models.Task](ctx, tx,
			database.Eq("backend", backend),
			database.Eq("type", models.TaskTypeDBStatus),
			database.Eq("active", false),
			database.Gt("finished_at", cutoff))
		if err != nil {
			return err
		}
		if recent {
			return nil
		}

		definition, err := json.Marshal(schema.DBStatusDefinition{DatabaseName: "default"})
		if err != nil {
			return err
		}
		task := &models.Task{
			ID:         dbStatusTaskID(time.Now()),
			Backend:    backend,
			Type:       models.TaskTypeDBStatus,
			Definition: definition,
			Active:     true,
			CreatedAt:  time.Now().Unix(),
		}
		return database.Insert(ctx, tx, task)
	})
}

func dbStatusTaskID(now time.Time) string {
	return fmt.Sprintf("dbstatus-%s-%.8s",
		now.UTC().Format("20060102-1504"), uuid.NewString())
}
