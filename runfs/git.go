package runfs

import (
	git "github.com/go-git/go-git/v5"
)

// CaptureGitInfo snapshots the repository state at dir for meta.json.
// Best-effort: returns nil when dir is not inside a git repository or any
// part of the inspection fails. A run outside version control is normal.
func CaptureGitInfo(dir string) *GitInfo {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{
		DetectDotGit: true,
	})
	if err != nil {
		return nil
	}

	head, err := repo.Head()
	if err != nil {
		return nil
	}

	info := &GitInfo{Commit: head.Hash().String()}
	if head.Name().IsBranch() {
		info.Branch = head.Name().Short()
	}

	if wt, err := repo.Worktree(); err == nil {
		if status, err := wt.Status(); err == nil {
			info.Dirty = !status.IsClean()
		}
	}

	if remote, err := repo.Remote("origin"); err == nil {
		if urls := remote.Config().URLs; len(urls) > 0 {
			info.RemoteURL = urls[0]
		}
	}

	return info
}
