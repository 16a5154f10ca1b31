// Package gitfs reads study code out of git without materialising a working
// copy on disk. The controller only ever needs single files (project.yaml,
// reusable action manifests) at an exact commit, so repositories are cloned
// bare into memory.
package gitfs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
)

var (
	// ErrRepoNotAllowed means the repo URL is outside the allowed GitHub orgs.
	ErrRepoNotAllowed = errors.New("repository is not in an allowed GitHub organisation")

	// ErrCommitNotFound means the commit does not exist in the repository.
	ErrCommitNotFound = errors.New("commit not found in repository")

	// ErrFileNotFound means the file does not exist at the given commit.
	ErrFileNotFound = errors.New("file not found at commit")
)

// ValidateRepoURL checks a study repo URL is an https GitHub URL inside one
// of the allowed orgs. An empty allow list disables the check, which also
// permits local paths for testing.
func ValidateRepoURL(repoURL string, allowedOrgs []string) error {
	if len(allowedOrgs) == 0 {
		return nil
	}
	u, err := url.Parse(repoURL)
	if err != nil || u.Scheme != "https" || u.Host != "github.com" {
		return fmt.Errorf("%w: %q is not an https://github.com URL", ErrRepoNotAllowed, repoURL)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return fmt.Errorf("%w: %q has no organisation", ErrRepoNotAllowed, repoURL)
	}
	org := strings.ToLower(parts[0])
	for _, allowed := range allowedOrgs {
		if org == strings.ToLower(allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrRepoNotAllowed, repoURL)
}

// Client fetches file content from remote repositories.
type Client struct{}

// New returns a Client.
func New() *Client { return &Client{} }

func (c *Client) clone(ctx context.Context, repoURL string) (*gogit.Repository, error) {
	repo, err := gogit.CloneContext(ctx, memory.NewStorage(), nil, &gogit.CloneOptions{
		URL:        repoURL,
		NoCheckout: true,
		Tags:       gogit.NoTags,
	})
	if err != nil {
		return nil, fmt.Errorf("cloning %s: %w", repoURL, err)
	}
	return repo, nil
}

// ReadFileAtCommit returns the content of path in repoURL at the given
// commit sha.
func (c *Client) ReadFileAtCommit(ctx context.Context, repoURL, sha, path string) ([]byte, error) {
	repo, err := c.clone(ctx, repoURL)
	if err != nil {
		return nil, err
	}
	commit, err := repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s in %s", ErrCommitNotFound, sha, repoURL)
		}
		return nil, fmt.Errorf("reading commit %s: %w", sha, err)
	}
	file, err := commit.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, fmt.Errorf("%w: %s at %s", ErrFileNotFound, path, sha)
		}
		return nil, fmt.Errorf("reading %s at %s: %w", path, sha, err)
	}
	content, err := file.Contents()
	if err != nil {
		return nil, fmt.Errorf("reading %s at %s: %w", path, sha, err)
	}
	return []byte(content), nil
}

// CommitOnBranch reports whether the commit is reachable from the named
// branch. This stops clients scheduling commits from unreviewed branches
// (or other repos entirely) against production data.
func (c *Client) CommitOnBranch(ctx context.Context, repoURL, branch, sha string) (bool, error) {
	repo, err := c.clone(ctx, repoURL)
	if err != nil {
		return false, err
	}
	ref, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return false, fmt.Errorf("resolving branch %q in %s: %w", branch, repoURL, err)
	}
	target := plumbing.NewHash(sha)
	if ref.Hash() == target {
		return true, nil
	}
	iter, err := repo.Log(&gogit.LogOptions{From: ref.Hash()})
	if err != nil {
		return false, fmt.Errorf("walking branch %q in %s: %w", branch, repoURL, err)
	}
	defer iter.Close()
	found := false
	err = iter.ForEach(func(commit *object.Commit) error {
		if commit.Hash == target {
			found = true
			return errFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, errFound) {
		return false, err
	}
	return found, nil
}

var errFound = errors.New("found")
