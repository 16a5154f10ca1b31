package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/raplab/raprunner/internal/config"
	"github.com/raplab/raprunner/internal/schema"
)

// DBStatusProbe checks whether the named database is in maintenance,
// returning "" for healthy or "db-maintenance".
type DBStatusProbe func(ctx context.Context, databaseName string) (string, error)

// handleDBStatus runs the maintenance probe and reports the outcome. Probe
// failures complete the task with an error rather than leaving it active:
// the controller schedules a fresh probe after its poll interval.
func (a *Agent) handleDBStatus(ctx context.Context, task *schema.AgentTask) error {
	var def schema.DBStatusDefinition
	if len(task.Definition) > 0 {
		if err := json.Unmarshal(task.Definition, &def); err != nil {
			return fmt.Errorf("parsing definition for %s: %w", task.ID, err)
		}
	}
	if def.DatabaseName == "" {
		def.DatabaseName = "default"
	}

	results := schema.DBStatusResults{}
	status, err := a.probe(ctx, def.DatabaseName)
	if err != nil {
		results.Error = redactString(err.Error(), a.secrets())
	} else {
		results.Status = status
	}

	data, merr := json.Marshal(results)
	if merr != nil {
		return merr
	}
	now := time.Now().UnixNano()
	return a.client.PostUpdate(ctx, &schema.TaskUpdate{
		TaskID:      task.ID,
		Results:     data,
		Complete:    true,
		TimestampNS: &now,
	})
}

// dockerDBStatusProbe asks the backend's database-utils image whether the
// database is in maintenance. Dummy data backends have no database and
// always report healthy.
func dockerDBStatusProbe(cfg *config.AgentConfig) DBStatusProbe {
	return func(ctx context.Context, databaseName string) (string, error) {
		if cfg.UsingDummyDataBackend {
			return "", nil
		}
		url, ok := cfg.DatabaseURLs[databaseName]
		if !ok {
			return "", fmt.Errorf("no database URL configured for %q", databaseName)
		}

		ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		cmd := exec.CommandContext(ctx, "docker", "run", "--rm",
			"--env", "DATABASE_URL="+url,
			cfg.DockerRegistry+"/database-utils", "in_maintenance")
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("maintenance probe: %w: %s",
				err, strings.TrimSpace(stderr.String()))
		}

		status := lastLine(stdout.String())
		switch status {
		case "", "db-maintenance":
			return status, nil
		default:
			return "", fmt.Errorf("maintenance probe returned unexpected status %q", status)
		}
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
