// Package refcommit defines the port interface for reference-commit
// resolution.
package refcommit

import "context"

// Resolver reports the latest known upstream ("production") commit.
// Implementations are pluggable strategies: an HTTP probe against a
// deployment-info endpoint, a local git fallback, or a chain of both.
type Resolver interface {
	ResolveReferenceCommit(ctx context.Context) (string, error)
}

// Func adapts a function to the Resolver interface.
type Func func(ctx context.Context) (string, error)

// ResolveReferenceCommit calls f.
func (f Func) ResolveReferenceCommit(ctx context.Context) (string, error) {
	return f(ctx)
}
