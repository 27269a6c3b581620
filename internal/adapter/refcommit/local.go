package refcommit

import (
	"context"

	"github.com/grokomation/ephemerald/internal/port/workspace"
)

// LocalResolver falls back to the main repository's HEAD when no external
// deployment information is reachable.
type LocalResolver struct {
	manager workspace.Manager
}

// NewLocalResolver creates a resolver backed by the working-copy manager's
// commit resolution.
func NewLocalResolver(manager workspace.Manager) *LocalResolver {
	return &LocalResolver{manager: manager}
}

// ResolveReferenceCommit resolves the local HEAD.
func (r *LocalResolver) ResolveReferenceCommit(ctx context.Context) (string, error) {
	return r.manager.ResolveCommit(ctx, "HEAD")
}
