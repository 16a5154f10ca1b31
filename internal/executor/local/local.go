// Package local implements the executor API against a local docker (or
// podman) CLI. Each job gets a scratch directory holding its checked out
// study code and inputs; the container mounts it at /workspace and outputs
// are copied into the privacy-levelled storage areas at finalize time.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"github.com/raplab/raprunner/internal/config"
	"github.com/raplab/raprunner/internal/executor"
	"github.com/raplab/raprunner/internal/schema"
)

const (
	containerPrefix = "rap-job-"
	metadataDir     = "metadata"
	preparedMarker  = ".rap-prepared"
	logsFile        = "rap-logs.txt"
)

// jobMetadata is the per-job record kept outside the scratch directory, so
// it outlives cleanup. Later jobs read it to resolve their input files, and
// a restarted agent reads it to recognise an already-finalized task. The
// task id guards against a retried task replaying a previous attempt's
// results.
type jobMetadata struct {
	TaskID  string                 `json:"task_id"`
	Results *schema.JobTaskResults `json:"results"`
}

// Executor runs jobs via the container CLI.
type Executor struct {
	runtime string
	cfg     *config.AgentConfig
	log     *zap.Logger
}

// New returns an Executor using the given runtime binary ("docker" or
// "podman").
func New(runtime string, cfg *config.AgentConfig, log *zap.Logger) *Executor {
	return &Executor{runtime: runtime, cfg: cfg, log: log}
}

var _ executor.API = (*Executor)(nil)

func (e *Executor) jobDir(d *schema.JobDefinition) string {
	return filepath.Join(e.cfg.WorkDir, d.ID)
}

func containerName(d *schema.JobDefinition) string {
	return containerPrefix + d.ID
}

// GetStatus inspects on-disk markers and the container to work out where
// the job is. Results this task already finalized short-circuit everything.
func (e *Executor) GetStatus(d *schema.JobDefinition, cancelled bool) (executor.JobStatus, error) {
	dir := e.jobDir(d)

	if results, err := e.taskResults(d); err == nil {
		return executor.JobStatus{State: executor.StateFinalized, Results: results}, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return executor.JobStatus{State: executor.StateError, Message: err.Error()}, nil
	}

	state, finishedNS, err := e.inspect(d)
	if err != nil {
		return executor.JobStatus{}, executor.Retryable(err)
	}
	switch state {
	case "running":
		return executor.JobStatus{State: executor.StateExecuting}, nil
	case "exited", "dead":
		return executor.JobStatus{State: executor.StateExecuted, TimestampNS: finishedNS}, nil
	}

	if _, err := os.Stat(filepath.Join(dir, preparedMarker)); err == nil {
		return executor.JobStatus{State: executor.StatePrepared}, nil
	}
	return executor.JobStatus{State: executor.StateUnknown}, nil
}

// inspect returns the container's state string ("" if absent) and finish
// time in ns when exited.
func (e *Executor) inspect(d *schema.JobDefinition) (string, *int64, error) {
	out, err := e.docker("inspect", "-f",
		"{{.State.Status}}\t{{.State.FinishedAt}}", containerName(d))
	if err != nil {
		if strings.Contains(err.Error(), "No such") {
			return "", nil, nil
		}
		return "", nil, err
	}
	state, finishedAt, _ := strings.Cut(strings.TrimSpace(out), "\t")
	var finishedNS *int64
	if t, err := time.Parse(time.RFC3339Nano, finishedAt); err == nil && !t.IsZero() {
		ns := t.UnixNano()
		finishedNS = &ns
	}
	return state, finishedNS, nil
}

// Prepare checks out the study code into the job's scratch directory and
// copies in outputs from dependency jobs. Safe to call again after a crash:
// a half-prepared directory is discarded and rebuilt.
func (e *Executor) Prepare(d *schema.JobDefinition) (executor.JobStatus, error) {
	dir := e.jobDir(d)
	if err := os.RemoveAll(dir); err != nil {
		return errorStatus("clearing job directory", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errorStatus("creating job directory", err)
	}

	if err := e.checkout(d, dir); err != nil {
		return errorStatus("checking out study code", err)
	}
	if err := e.copyInputs(d, dir); err != nil {
		return errorStatus("copying inputs", err)
	}

	if err := os.WriteFile(filepath.Join(dir, preparedMarker), nil, 0o644); err != nil {
		return errorStatus("writing prepared marker", err)
	}
	return executor.JobStatus{State: executor.StatePrepared}, nil
}

// copyInputs resolves each dependency job's produced files from its stored
// metadata and copies them into the scratch directory. The dependency's
// scratch directory is long gone; the files come from the storage areas.
func (e *Executor) copyInputs(d *schema.JobDefinition, dir string) error {
	for _, jobID := range d.InputJobIDs {
		meta, err := e.readMetadata(jobID)
		if err != nil {
			return fmt.Errorf("reading metadata for dependency %s: %w", jobID, err)
		}
		if meta.Results == nil {
			return fmt.Errorf("dependency %s has no results", jobID)
		}
		files := make([]string, 0, len(meta.Results.Outputs))
		for file := range meta.Results.Outputs {
			files = append(files, file)
		}
		sort.Strings(files)
		for _, file := range files {
			src := filepath.Join(e.storageDir(meta.Results.Outputs[file]), d.Workspace, file)
			if err := copyFile(src, filepath.Join(dir, file)); err != nil {
				return fmt.Errorf("copying input %s: %w", file, err)
			}
		}
	}
	return nil
}

func (e *Executor) checkout(d *schema.JobDefinition, dir string) error {
	repo, err := gogit.PlainCloneContext(context.Background(), dir, false, &gogit.CloneOptions{
		URL:  d.Study.GitRepoURL,
		Tags: gogit.NoTags,
	})
	if err != nil {
		return fmt.Errorf("cloning %s: %w", d.Study.GitRepoURL, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Hash: plumbing.NewHash(d.Study.Commit)}); err != nil {
		return fmt.Errorf("checking out %s: %w", d.Study.Commit, err)
	}
	// The container must not see the repository metadata
	return os.RemoveAll(filepath.Join(dir, ".git"))
}

// Execute starts the job's container detached. Database jobs keep network
// access; everything else runs with networking disabled.
func (e *Executor) Execute(d *schema.JobDefinition) (executor.JobStatus, error) {
	image := d.Image
	if !strings.Contains(image, "/") {
		image = e.cfg.DockerRegistry + "/" + image
	}

	args := []string{
		"run", "--detach",
		"--name", containerName(d),
		"--volume", e.jobDir(d) + ":/workspace",
		"--workdir", "/workspace",
		"--label", "rap-job=" + d.ID,
	}
	if d.CPUCount > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(d.CPUCount, 'f', -1, 64))
	}
	if d.MemoryLimit != "" {
		args = append(args, "--memory", d.MemoryLimit)
	}
	if !d.AllowDatabaseAccess {
		args = append(args, "--network", "none")
	}
	for k, v := range d.Env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, image)
	args = append(args, d.Args...)

	if _, err := e.docker(args...); err != nil {
		return executor.JobStatus{}, executor.Retryable(err)
	}
	e.log.Info("started job container",
		zap.String("job", d.ID), zap.String("image", image))
	return executor.JobStatus{State: executor.StateExecuting}, nil
}

// Terminate kills the job's container. Missing container is fine: the job
// may have exited between ticks.
func (e *Executor) Terminate(d *schema.JobDefinition) (executor.JobStatus, error) {
	if _, err := e.docker("kill", containerName(d)); err != nil &&
		!strings.Contains(err.Error(), "No such") {
		return executor.JobStatus{}, executor.Retryable(err)
	}
	return executor.JobStatus{State: executor.StateExecuted}, nil
}

// Finalize collects the exit code, logs and outputs, persists outputs into
// the privacy-levelled storage areas and records the results in the job's
// metadata file.
func (e *Executor) Finalize(d *schema.JobDefinition, cancelled bool, jobError string) (executor.JobStatus, error) {
	results := &schema.JobTaskResults{}
	now := time.Now().UnixNano()
	results.TimestampNS = &now

	switch {
	case jobError != "":
		results.Error = jobError
	case cancelled:
		// No output matching for cancelled jobs; just the log
	default:
		exitCode, imageID, err := e.containerResult(d)
		if err != nil {
			return executor.JobStatus{}, executor.Retryable(err)
		}
		results.ExitCode = &exitCode
		results.ImageID = imageID
		if exitCode == 0 {
			e.matchOutputs(d, results)
		}
	}

	if err := e.persistLogs(d); err != nil {
		e.log.Warn("persisting job logs failed",
			zap.String("job", d.ID), zap.Error(err))
	}
	if err := e.writeMetadata(d, results); err != nil {
		return errorStatus("writing metadata", err)
	}
	return executor.JobStatus{State: executor.StateFinalized, Results: results}, nil
}

func (e *Executor) containerResult(d *schema.JobDefinition) (int64, string, error) {
	out, err := e.docker("inspect", "-f",
		"{{.State.ExitCode}}\t{{.Image}}", containerName(d))
	if err != nil {
		return 0, "", err
	}
	codeStr, imageID, _ := strings.Cut(strings.TrimSpace(out), "\t")
	exitCode, err := strconv.ParseInt(codeStr, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("parsing exit code %q: %w", codeStr, err)
	}
	return exitCode, imageID, nil
}

// matchOutputs globs the job directory against the output spec, copying
// matches into storage and applying the level 4 rules to moderately
// sensitive files.
func (e *Executor) matchOutputs(d *schema.JobDefinition, results *schema.JobTaskResults) {
	dir := e.jobDir(d)
	results.Outputs = map[string]string{}
	results.Level4ExcludedFiles = map[string]string{}

	for level, patterns := range d.OutputSpec {
		for name, pattern := range patterns {
			matches, err := filepath.Glob(filepath.Join(dir, pattern))
			if err != nil || len(matches) == 0 {
				results.UnmatchedPatterns = append(results.UnmatchedPatterns,
					fmt.Sprintf("%s: %s", name, pattern))
				continue
			}
			for _, match := range matches {
				rel, err := filepath.Rel(dir, match)
				if err != nil {
					continue
				}
				results.Outputs[rel] = level
				if level == "moderately_sensitive" {
					if reason := e.level4Excluded(d, match); reason != "" {
						results.Level4ExcludedFiles[rel] = reason
						continue
					}
				}
				dst := filepath.Join(e.storageDir(level), d.Workspace, rel)
				if err := copyFile(match, dst); err != nil {
					e.log.Warn("copying output failed",
						zap.String("job", d.ID), zap.String("output", rel), zap.Error(err))
				}
			}
		}
	}

	results.HasUnmatchedPatterns = len(results.UnmatchedPatterns) > 0
	results.HasLevel4ExcludedFiles = len(results.Level4ExcludedFiles) > 0
	if len(results.Level4ExcludedFiles) == 0 {
		results.Level4ExcludedFiles = nil
	}
}

func (e *Executor) storageDir(level string) string {
	if level == "highly_sensitive" {
		return e.cfg.HighPrivacyDir
	}
	return e.cfg.MediumPrivacyDir
}

// level4Excluded applies the release safety rules to a moderately sensitive
// file, returning a human readable reason when it must stay on the backend.
func (e *Executor) level4Excluded(d *schema.JobDefinition, path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if len(d.Level4FileTypes) > 0 && !contains(d.Level4FileTypes, ext) {
		return fmt.Sprintf("File type %s is not allowed", ext)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "File could not be checked: " + err.Error()
	}
	if d.Level4MaxFilesize > 0 && info.Size() > d.Level4MaxFilesize {
		return fmt.Sprintf("File size %d exceeds limit %d", info.Size(), d.Level4MaxFilesize)
	}
	if ext == ".csv" && d.Level4MaxCSVRows > 0 {
		rows, err := countRows(path)
		if err != nil {
			return "File could not be checked: " + err.Error()
		}
		if rows > d.Level4MaxCSVRows {
			return fmt.Sprintf("CSV row count %d exceeds limit %d", rows, d.Level4MaxCSVRows)
		}
	}
	return ""
}

func (e *Executor) persistLogs(d *schema.JobDefinition) error {
	out, err := e.docker("logs", containerName(d))
	if err != nil {
		return err
	}
	local := filepath.Join(e.jobDir(d), logsFile)
	if err := os.WriteFile(local, []byte(out), 0o644); err != nil {
		return err
	}
	// Keep a copy alongside the workspace outputs for the user
	dst := filepath.Join(e.cfg.MediumPrivacyDir, d.Workspace, "metadata", d.Action+".log")
	return copyFile(local, dst)
}

// Cleanup removes the container and the scratch directory. Outputs already
// live in the storage areas and the metadata file survives, so dependent
// jobs can still resolve their inputs.
func (e *Executor) Cleanup(d *schema.JobDefinition) (executor.JobStatus, error) {
	if _, err := e.docker("rm", "--force", containerName(d)); err != nil &&
		!strings.Contains(err.Error(), "No such") {
		return executor.JobStatus{}, executor.Retryable(err)
	}
	if err := os.RemoveAll(e.jobDir(d)); err != nil {
		return errorStatus("removing job directory", err)
	}
	return executor.JobStatus{State: executor.StateUnknown}, nil
}

func (e *Executor) metadataPath(jobID string) string {
	return filepath.Join(e.cfg.WorkDir, metadataDir, jobID+".json")
}

func (e *Executor) writeMetadata(d *schema.JobDefinition, results *schema.JobTaskResults) error {
	data, err := json.Marshal(jobMetadata{TaskID: d.TaskID, Results: results})
	if err != nil {
		return err
	}
	path := e.metadataPath(d.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (e *Executor) readMetadata(jobID string) (*jobMetadata, error) {
	data, err := os.ReadFile(e.metadataPath(jobID))
	if err != nil {
		return nil, err
	}
	var meta jobMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("corrupt metadata for job %s: %w", jobID, err)
	}
	return &meta, nil
}

// taskResults returns stored results only when they belong to this task.
// A retried task (new task id for the same job) must re-run the job rather
// than replay the previous attempt's results.
func (e *Executor) taskResults(d *schema.JobDefinition) (*schema.JobTaskResults, error) {
	meta, err := e.readMetadata(d.ID)
	if err != nil {
		return nil, err
	}
	if meta.Results == nil {
		return nil, os.ErrNotExist
	}
	if meta.TaskID != "" && d.TaskID != "" && meta.TaskID != d.TaskID {
		return nil, os.ErrNotExist
	}
	return meta.Results, nil
}

// docker runs the container CLI, returning stdout. Stderr is folded into
// the error.
func (e *Executor) docker(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	cmd := exec.CommandContext(ctx, e.runtime, args...)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%s %s: %s", e.runtime, args[0],
				strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("%s %s: %w", e.runtime, args[0], err)
	}
	return string(output), nil
}

func errorStatus(action string, err error) (executor.JobStatus, error) {
	return executor.JobStatus{
		State:   executor.StateError,
		Message: fmt.Sprintf("%s: %v", action, err),
	}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// countRows counts data rows in a CSV (lines minus the header).
func countRows(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	lines := 0
	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		for _, b := range buf[:n] {
			if b == '\n' {
				lines++
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if lines == 0 {
		return 0, nil
	}
	return lines - 1, nil
}
