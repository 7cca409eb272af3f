// Package snapshot implements C3: turning the current state of a
// workspace into a Snapshot, per spec.md §4.3. Grounded in the teacher's
// commitChanges (internal/engine/engine.go): stage all, commit if there's
// a diff, otherwise leave HEAD untouched.
package snapshot

import (
	"fmt"
	"time"

	"github.com/re-cinq/agentgate/internal/gitrepo"
	"github.com/re-cinq/agentgate/internal/types"
)

// CommitMessage builds the synthetic commit message used when capturing a
// snapshot with real changes.
func CommitMessage(workOrderID string, iteration int) string {
	return fmt.Sprintf("agentgate: iteration %d\n\nWorkOrder-ID: %s", iteration, workOrderID)
}

// Capture stages and commits any pending changes in the workspace at path,
// then reports the resulting diff, per spec.md §4.3's contract:
// deterministic from workspace state, afterSha==beforeSha when nothing
// changed.
func Capture(path, workOrderID string, iteration int) (types.Snapshot, error) {
	repo := gitrepo.NewRepo(path)
	repo.EnsureIdentity()

	before, err := repo.HeadCommit("HEAD")
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("reading HEAD before snapshot: %w", err)
	}

	changed, err := repo.HasChanges()
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("checking for changes: %w", err)
	}

	snap := types.Snapshot{
		BeforeSHA:     before,
		AfterSHA:      before,
		WorkspacePath: path,
		CreatedAt:     time.Now(),
	}

	if !changed {
		return snap, nil
	}

	if err := repo.StageAll(); err != nil {
		return types.Snapshot{}, fmt.Errorf("staging changes: %w", err)
	}
	if err := repo.Commit(CommitMessage(workOrderID, iteration)); err != nil {
		return types.Snapshot{}, fmt.Errorf("committing snapshot: %w", err)
	}

	after, err := repo.HeadCommit("HEAD")
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("reading HEAD after snapshot: %w", err)
	}
	snap.AfterSHA = after

	filesChanged, insertions, deletions, err := repo.DiffStat(before, after)
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("computing diff stat: %w", err)
	}
	snap.FilesChanged = filesChanged
	snap.Insertions = insertions
	snap.Deletions = deletions

	diff, err := repo.Diff(before, after)
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("computing diff: %w", err)
	}
	snap.Diff = diff

	files, err := repo.ChangedFiles(before, after)
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("listing changed files: %w", err)
	}
	hashes, err := repo.FileHashesAt(after, files)
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("hashing changed files: %w", err)
	}
	snap.FileHashes = hashes

	return snap, nil
}
