// Package vcs reads version-control context used to tag new snapshots.
package vcs

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"wsnap/internal/snap"
)

// Git reports the branch and commit of the repository containing a workspace.
// A workspace outside any repository, or a repository without commits, has no
// context and is not an error.
type Git struct{}

var _ snap.VCSInfo = Git{}

// Current returns the short branch name (empty when HEAD is detached) and the
// full hash of the commit HEAD points at.
func (Git) Current(root string) (string, string, error) {
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return "", "", nil
		}
		return "", "", fmt.Errorf("opening git repository: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", "", nil
		}
		return "", "", fmt.Errorf("reading HEAD: %w", err)
	}

	var branch string
	if head.Name().IsBranch() {
		branch = head.Name().Short()
	}
	return branch, head.Hash().String(), nil
}
