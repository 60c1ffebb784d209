package store

import (
	"errors"
	"fmt"

	git "github.com/go-git/go-git/v5"
)

// Provenance pins a run to the state of the working copy it ran from.
type Provenance struct {
	Commit string
	Branch string
	Dirty  bool
}

// Describe inspects the git repository enclosing dir. A dir outside any
// repository yields a zero Provenance and no error, so runs from exported
// trees are still recordable, just unpinned.
func Describe(dir string) (Provenance, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return Provenance{}, nil
		}
		return Provenance{}, fmt.Errorf("store: open repository: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return Provenance{}, fmt.Errorf("store: resolve HEAD: %w", err)
	}
	p := Provenance{Commit: head.Hash().String()}
	if head.Name().IsBranch() {
		p.Branch = head.Name().Short()
	}

	wt, err := repo.Worktree()
	if err != nil {
		if errors.Is(err, git.ErrIsBareRepository) {
			return p, nil
		}
		return Provenance{}, fmt.Errorf("store: worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return Provenance{}, fmt.Errorf("store: worktree status: %w", err)
	}
	p.Dirty = !status.IsClean()
	return p, nil
}

// Short returns the abbreviated commit hash, or empty when unpinned.
func (p Provenance) Short() string {
	if len(p.Commit) < 8 {
		return p.Commit
	}
	return p.Commit[:8]
}
