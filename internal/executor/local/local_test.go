package local

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/raplab/raprunner/internal/config"
	"github.com/raplab/raprunner/internal/executor"
	"github.com/raplab/raprunner/internal/schema"
)

func testExecutor(t *testing.T) *Executor {
	t.Helper()
	base := t.TempDir()
	cfg := &config.AgentConfig{
		WorkDir:          filepath.Join(base, "work"),
		HighPrivacyDir:   filepath.Join(base, "high"),
		MediumPrivacyDir: filepath.Join(base, "medium"),
	}
	return New("docker", cfg, zaptest.NewLogger(t))
}

func testDefinition() *schema.JobDefinition {
	return &schema.JobDefinition{
		ID:        "job0001",
		Workspace: "testws",
		Action:    "analyse",
		OutputSpec: map[string]map[string]string{
			"moderately_sensitive": {"results": "output/*.csv"},
			"highly_sensitive":     {"raw": "output/raw.dat"},
		},
		Level4MaxFilesize: 1024,
		Level4MaxCSVRows:  10,
		Level4FileTypes:   []string{".csv", ".txt"},
	}
}

func writeJobFile(t *testing.T, e *Executor, d *schema.JobDefinition, name, content string) {
	t.Helper()
	path := filepath.Join(e.jobDir(d), name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestMatchOutputs(t *testing.T) {
	e := testExecutor(t)
	d := testDefinition()
	writeJobFile(t, e, d, "output/results.csv", "a,b\n1,2\n")
	writeJobFile(t, e, d, "output/raw.dat", "binary")

	results := &schema.JobTaskResults{}
	e.matchOutputs(d, results)

	assert.False(t, results.HasUnmatchedPatterns)
	assert.Equal(t, map[string]string{
		"output/results.csv": "moderately_sensitive",
		"output/raw.dat":     "highly_sensitive",
	}, results.Outputs)

	// Outputs land in the storage area for their privacy level
	assert.FileExists(t,
		filepath.Join(e.cfg.MediumPrivacyDir, "testws", "output", "results.csv"))
	assert.FileExists(t,
		filepath.Join(e.cfg.HighPrivacyDir, "testws", "output", "raw.dat"))
}

func TestMatchOutputsUnmatchedPattern(t *testing.T) {
	e := testExecutor(t)
	d := testDefinition()
	writeJobFile(t, e, d, "output/raw.dat", "binary")

	results := &schema.JobTaskResults{}
	e.matchOutputs(d, results)

	assert.True(t, results.HasUnmatchedPatterns)
	require.Len(t, results.UnmatchedPatterns, 1)
	assert.Contains(t, results.UnmatchedPatterns[0], "output/*.csv")
}

func TestLevel4Exclusions(t *testing.T) {
	e := testExecutor(t)
	d := testDefinition()

	// Disallowed file type
	writeJobFile(t, e, d, "check.xlsx", "data")
	reason := e.level4Excluded(d, filepath.Join(e.jobDir(d), "check.xlsx"))
	assert.Contains(t, reason, "not allowed")

	// Too large
	writeJobFile(t, e, d, "big.txt", strings.Repeat("x", 2048))
	reason = e.level4Excluded(d, filepath.Join(e.jobDir(d), "big.txt"))
	assert.Contains(t, reason, "exceeds limit")

	// Too many CSV rows
	writeJobFile(t, e, d, "rows.csv", "h\n"+strings.Repeat("1\n", 20))
	reason = e.level4Excluded(d, filepath.Join(e.jobDir(d), "rows.csv"))
	assert.Contains(t, reason, "row count")

	// Fine
	writeJobFile(t, e, d, "ok.csv", "h\n1\n2\n")
	assert.Empty(t, e.level4Excluded(d, filepath.Join(e.jobDir(d), "ok.csv")))
}

func TestMatchOutputsExcludesLevel4Files(t *testing.T) {
	e := testExecutor(t)
	d := testDefinition()
	writeJobFile(t, e, d, "output/results.csv", "h\n"+strings.Repeat("1\n", 20))

	results := &schema.JobTaskResults{}
	e.matchOutputs(d, results)

	assert.True(t, results.HasLevel4ExcludedFiles)
	assert.Contains(t, results.Level4ExcludedFiles, "output/results.csv")
	// Excluded files stay on the backend
	assert.NoFileExists(t,
		filepath.Join(e.cfg.MediumPrivacyDir, "testws", "output", "results.csv"))
}

func TestMetadataRoundTrip(t *testing.T) {
	e := testExecutor(t)
	d := testDefinition()
	d.TaskID = "job0001-001"

	exit := int64(0)
	in := &schema.JobTaskResults{ExitCode: &exit, ImageID: "sha256:abc"}
	require.NoError(t, e.writeMetadata(d, in))

	out, err := e.taskResults(d)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// A finalized job reports FINALIZED from the metadata alone
	status, err := e.GetStatus(d, false)
	require.NoError(t, err)
	assert.Equal(t, executor.StateFinalized, status.State)
	assert.Equal(t, in, status.Results)
}

func TestMetadataSurvivesCleanup(t *testing.T) {
	e := testExecutor(t)
	d := testDefinition()
	d.TaskID = "job0001-001"
	writeJobFile(t, e, d, "output/raw.dat", "binary")

	exit := int64(0)
	in := &schema.JobTaskResults{
		ExitCode: &exit,
		Outputs:  map[string]string{"output/raw.dat": "highly_sensitive"},
	}
	require.NoError(t, e.writeMetadata(d, in))

	// Cleanup removes the scratch directory; the metadata lives elsewhere
	require.NoError(t, os.RemoveAll(e.jobDir(d)))

	meta, err := e.readMetadata(d.ID)
	require.NoError(t, err)
	assert.Equal(t, in, meta.Results)
}

func TestStaleTaskResultsNotReplayed(t *testing.T) {
	e := testExecutor(t)
	d := testDefinition()
	d.TaskID = "job0001-001"

	exit := int64(0)
	require.NoError(t, e.writeMetadata(d, &schema.JobTaskResults{ExitCode: &exit}))

	// A retried task gets a fresh id; the old attempt's results must not
	// short-circuit it to FINALIZED.
	d.TaskID = "job0001-002"
	_, err := e.taskResults(d)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCountRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.csv")

	require.NoError(t, os.WriteFile(path, []byte("h1,h2\n1,2\n3,4\n"), 0o644))
	n, err := countRows(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	n, err = countRows(path)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPrepareChecksOutStudyCode(t *testing.T) {
	repoDir := t.TempDir()
	repo, err := gogit.PlainInit(repoDir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "analysis.py"), []byte("print()\n"), 0o644))
	_, err = wt.Add("analysis.py")
	require.NoError(t, err)
	sha, err := wt.Commit("add analysis", &gogit.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "t@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	e := testExecutor(t)
	d := testDefinition()
	d.Study = schema.Study{GitRepoURL: repoDir, Commit: sha.String()}

	// Seed a finished dependency: its file in workspace storage, its
	// produced outputs in its metadata
	input := filepath.Join(e.cfg.HighPrivacyDir, "testws", "output", "dataset.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(input), 0o755))
	require.NoError(t, os.WriteFile(input, []byte("a\n"), 0o644))
	dep := &schema.JobDefinition{ID: "dep0001", TaskID: "dep0001-001"}
	require.NoError(t, e.writeMetadata(dep, &schema.JobTaskResults{
		Outputs: map[string]string{"output/dataset.csv": "highly_sensitive"},
	}))
	d.InputJobIDs = []string{"dep0001"}

	status, err := e.Prepare(d)
	require.NoError(t, err)
	assert.Equal(t, executor.StatePrepared, status.State)

	assert.FileExists(t, filepath.Join(e.jobDir(d), "analysis.py"))
	assert.FileExists(t, filepath.Join(e.jobDir(d), "output", "dataset.csv"))
	assert.NoDirExists(t, filepath.Join(e.jobDir(d), ".git"))
}
