// Package workspace defines the port interface for working-copy management.
package workspace

import "context"

// Copy describes a materialized working copy.
type Copy struct {
	Path   string // filesystem location of the working copy
	Branch string // ephemeral branch backing it
	Commit string // resolved commit the copy is pinned to
}

// Manager creates and destroys commit-pinned, filesystem-isolated working
// copies of the source tree.
type Manager interface {
	// Create materializes a working copy for the correlation id at the given
	// commit. Fails with domain.ErrAlreadyExists when a healthy copy or
	// branch already exists, and domain.ErrCommitNotFound when the commit
	// cannot be resolved.
	Create(ctx context.Context, correlationID, commit string) (*Copy, error)

	// Remove deletes the working copy and deregisters its checkout.
	// Idempotent: an externally removed directory is logged and skipped.
	Remove(ctx context.Context, correlationID string) error

	// SweepOrphans deregisters working copies whose backing directory has
	// vanished, then prunes fully merged ephemeral branches that no longer
	// back a live copy. Returns the number of branches pruned.
	SweepOrphans(ctx context.Context) (int, error)

	// ResolveCommit resolves a commit-ish to a full commit hash, falling
	// back to the local HEAD when the reference is unknown locally.
	ResolveCommit(ctx context.Context, ref string) (string, error)
}
