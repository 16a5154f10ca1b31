package webapp

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/raplab/raprunner/internal/controller"
	"github.com/raplab/raprunner/internal/database"
	"github.com/raplab/raprunner/internal/models"
	"github.com/raplab/raprunner/internal/schema"
)

// handleTasks returns the backend's active tasks and stamps the last-seen
// flag, which backend status reporting surfaces to clients.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	backend := chi.URLParam(r, "backend")
	db := s.ctrl.DB()

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := controller.SetFlag(ctx, db, backend, controller.FlagLastSeenAt, &now); err != nil {
		s.log.Warn("stamping last-seen flag failed",
			zap.String("backend", backend), zap.Error(err))
	}

	tasks, err := controller.ActiveTasks(ctx, db, backend)
	if err != nil {
		s.log.Error("listing tasks failed",
			zap.String("backend", backend), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	list := schema.TaskList{Tasks: make([]schema.AgentTask, 0, len(tasks))}
	for _, task := range tasks {
		list.Tasks = append(list.Tasks, schema.AgentTask{
			ID:         task.ID,
			Backend:    task.Backend,
			Type:       string(task.Type),
			Definition: task.Definition,
			Attributes: task.Attributes,
			CreatedAt:  task.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, list)
}

// handleTaskUpdate ingests one task update from the agent. An update for a
// task the controller does not know (or that belongs to another backend) is
// a system invariant broken, not a client mistake, so it reports as a server
// error.
func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	backend := chi.URLParam(r, "backend")

	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "parsing form: "+err.Error())
		return
	}
	var update schema.TaskUpdate
	if err := json.Unmarshal([]byte(r.PostFormValue("payload")), &update); err != nil {
		writeError(w, http.StatusBadRequest, "parsing payload: "+err.Error())
		return
	}

	owned, err := database.ExistsWhere[models.Task](ctx, s.ctrl.DB(),
		database.Eq("id", update.TaskID), database.Eq("backend", backend))
	if err == nil && !owned {
		err = controller.ErrUnknownTask
	}
	if err == nil {
		err = controller.HandleTaskUpdate(ctx, s.ctrl.DB(), &update)
	}
	if err != nil {
		s.log.Error("task update failed",
			zap.String("task", update.TaskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": "Update successful"})
}
