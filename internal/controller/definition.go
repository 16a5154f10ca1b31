package controller

import (
	"context"
	"fmt"

	"github.com/raplab/raprunner/internal/models"
	"github.com/raplab/raprunner/internal/schema"
)

// jobDefinition assembles the self-contained payload the agent needs to run
// the job. Dependencies are passed as the ids of the latest succeeded job of
// each dependency action in the same workspace; the agent resolves the
// actual files from its own records, since output names never cross back to
// the controller.
func (c *Controller) jobDefinition(ctx context.Context, job *models.Job) (*schema.JobDefinition, error) {
	args, err := job.ActionArgs()
	if err != nil {
		return nil, fmt.Errorf("job %s run command: %w", job.ID, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("job %s has an empty run command", job.ID)
	}

	inputJobIDs, err := c.inputJobIDs(ctx, job)
	if err != nil {
		return nil, err
	}

	return &schema.JobDefinition{
		ID:        job.ID,
		RapID:     job.RapID,
		Study:     schema.Study{GitRepoURL: job.RepoURL, Commit: job.Commit},
		Workspace: job.Workspace,
		Action:    job.Action,
		CreatedAt: job.CreatedAt,

		Image: args[0],
		Args:  args[1:],
		Env:   map[string]string{},

		InputJobIDs: inputJobIDs,
		OutputSpec:  job.OutputSpec,

		AllowDatabaseAccess: job.RequiresDB,
		DatabaseName:        job.DatabaseName,

		CPUCount:    c.cfg.DefaultJobCPUCount,
		MemoryLimit: c.cfg.DefaultJobMemoryLimit,

		Level4MaxFilesize: c.cfg.Level4MaxFilesize,
		Level4MaxCSVRows:  c.cfg.Level4MaxCSVRows,
		Level4FileTypes:   c.cfg.Level4FileTypes,
	}, nil
}

// inputJobIDs resolves the latest succeeded job of each dependency action.
func (c *Controller) inputJobIDs(ctx context.Context, job *models.Job) ([]string, error) {
	if len(job.RequiresOutputsFrom) == 0 {
		return nil, nil
	}
	latest, err := LatestJobsForWorkspace(ctx, c.db, job.Backend, job.Workspace)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, action := range job.RequiresOutputsFrom {
		dep := latest[action]
		if dep == nil || dep.State != models.StateSucceeded {
			return nil, fmt.Errorf(
				"job %s depends on %s which has not succeeded", job.ID, action)
		}
		ids = append(ids, dep.ID)
	}
	return ids, nil
}
