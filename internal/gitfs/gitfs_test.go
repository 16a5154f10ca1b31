package gitfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRepoURL(t *testing.T) {
	orgs := []string{"raplab", "raplab-actions"}

	assert.NoError(t, ValidateRepoURL("https://github.com/raplab/study", orgs))
	assert.NoError(t, ValidateRepoURL("https://github.com/RapLab/study.git", orgs))

	assert.ErrorIs(t, ValidateRepoURL("https://github.com/evil/study", orgs), ErrRepoNotAllowed)
	assert.ErrorIs(t, ValidateRepoURL("http://github.com/raplab/study", orgs), ErrRepoNotAllowed)
	assert.ErrorIs(t, ValidateRepoURL("https://gitlab.com/raplab/study", orgs), ErrRepoNotAllowed)
	assert.ErrorIs(t, ValidateRepoURL("https://github.com/", orgs), ErrRepoNotAllowed)

	// Empty allow list disables the check (test/local use)
	assert.NoError(t, ValidateRepoURL("/tmp/local-repo", nil))
}

// makeRepo builds a local repository with two commits touching project.yaml
// and returns its path plus both commit shas in order.
func makeRepo(t *testing.T) (string, string, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	commit := func(content string) string {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "project.yaml"), []byte(content), 0o644))
		_, err := wt.Add("project.yaml")
		require.NoError(t, err)
		sha, err := wt.Commit("update project.yaml", &gogit.CommitOptions{
			Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
		})
		require.NoError(t, err)
		return sha.String()
	}

	first := commit("version: 3\n")
	second := commit("version: 4\n")
	return dir, first, second
}

func TestReadFileAtCommit(t *testing.T) {
	dir, first, second := makeRepo(t)
	client := New()
	ctx := context.Background()

	content, err := client.ReadFileAtCommit(ctx, dir, first, "project.yaml")
	require.NoError(t, err)
	assert.Equal(t, "version: 3\n", string(content))

	content, err = client.ReadFileAtCommit(ctx, dir, second, "project.yaml")
	require.NoError(t, err)
	assert.Equal(t, "version: 4\n", string(content))

	_, err = client.ReadFileAtCommit(ctx, dir, first, "no-such-file.yaml")
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, err = client.ReadFileAtCommit(ctx, dir,
		"0000000000000000000000000000000000000000", "project.yaml")
	assert.ErrorIs(t, err, ErrCommitNotFound)

	_, err = client.ReadFileAtCommit(ctx, filepath.Join(t.TempDir(), "nope"), first, "project.yaml")
	assert.Error(t, err)
}

func TestCommitOnBranch(t *testing.T) {
	dir, first, second := makeRepo(t)
	client := New()
	ctx := context.Background()

	// The default branch contains both commits
	ok, err := client.CommitOnBranch(ctx, dir, "master", second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.CommitOnBranch(ctx, dir, "master", first)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.CommitOnBranch(ctx, dir, "master",
		"1111111111111111111111111111111111111111")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = client.CommitOnBranch(ctx, dir, "no-such-branch", first)
	assert.Error(t, err)
}
