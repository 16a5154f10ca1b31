// Package controller implements the scheduling side of the system: the DAG
// resolver turning client requests into jobs, the main loop driving jobs
// through their state machine, and the task API feeding work to agents.
package controller

import (
	"go.uber.org/zap"

	"github.com/raplab/raprunner/internal/config"
	"github.com/raplab/raprunner/internal/database"
	"github.com/raplab/raprunner/internal/gitfs"
)

// Controller owns the job database and all writes to it except the
// agent-reported task columns.
type Controller struct {
	db  *database.DB
	cfg *config.ControllerConfig
	git *gitfs.Client
	log *zap.Logger
}

// New builds a Controller.
func New(db *database.DB, cfg *config.ControllerConfig, git *gitfs.Client, log *zap.Logger) *Controller {
	return &Controller{db: db, cfg: cfg, git: git, log: log}
}

// DB exposes the underlying database handle for the API layer's read paths.
func (c *Controller) DB() *database.DB { return c.db }

// Config exposes the controller configuration.
func (c *Controller) Config() *config.ControllerConfig { return c.cfg }
