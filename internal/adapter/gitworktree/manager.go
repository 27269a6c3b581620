// Package gitworktree implements the workspace.Manager port using git
// worktrees: each working copy is a first-class checkout sharing object
// storage with the main repository.
package gitworktree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/grokomation/ephemerald/internal/domain"
	"github.com/grokomation/ephemerald/internal/domain/instance"
	"github.com/grokomation/ephemerald/internal/git"
	"github.com/grokomation/ephemerald/internal/port/workspace"
)

// Manager materializes commit-pinned working copies under a base directory.
type Manager struct {
	repoPath    string
	base        string
	envTemplate string
	remoteURL   string
	pool        *git.Pool
	gitEnv      []string
	log         *slog.Logger
}

// Options configures a Manager.
type Options struct {
	RepoPath    string   // main repository checkout
	Base        string   // base directory for working copies
	EnvTemplate string   // sanitized env file copied into each copy; relative paths resolve against RepoPath
	RemoteURL   string   // remote fetched before resolving external refs; empty disables fetching
	GitEnv      []string // extra env for git, e.g. GIT_SSH_COMMAND
}

// NewManager creates a Manager that serializes git operations through pool.
func NewManager(opts Options, pool *git.Pool, log *slog.Logger) *Manager {
	return &Manager{
		repoPath:    opts.RepoPath,
		base:        opts.Base,
		envTemplate: opts.EnvTemplate,
		remoteURL:   opts.RemoteURL,
		pool:        pool,
		gitEnv:      opts.GitEnv,
		log:         log,
	}
}

// CopyPath returns the deterministic working-copy path for a correlation id.
func (m *Manager) CopyPath(correlationID string) string {
	return filepath.Join(m.base, correlationID)
}

// Create materializes a working copy at <base>/<id> on branch debug/<id>,
// pinned to the resolved commit, and copies the env template into it.
func (m *Manager) Create(ctx context.Context, correlationID, commit string) (*workspace.Copy, error) {
	path := m.CopyPath(correlationID)
	branch := instance.BranchName(correlationID)

	var cp *workspace.Copy
	err := m.pool.Run(ctx, func() error {
		if err := m.checkExisting(ctx, path, branch); err != nil {
			return err
		}

		resolved, err := m.resolveCommitLocked(ctx, commit)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(m.base, 0o755); err != nil {
			return fmt.Errorf("create worktree base: %w", err)
		}

		if _, err := git.Exec(ctx, m.repoPath, m.gitEnv,
			"worktree", "add", "-b", branch, path, resolved); err != nil {
			return fmt.Errorf("worktree add: %w", err)
		}

		cp = &workspace.Copy{Path: path, Branch: branch, Commit: resolved}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.copyEnvTemplate(path); err != nil {
		m.log.Warn("env template not copied", "correlation_id", correlationID, "error", err)
	}

	return cp, nil
}

// checkExisting enforces the idempotency contract: a healthy existing copy
// or branch fails with ErrAlreadyExists, while a stale registration (branch
// or worktree whose directory vanished) is cleaned up so creation proceeds.
func (m *Manager) checkExisting(ctx context.Context, path, branch string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("working copy %s: %w", path, domain.ErrAlreadyExists)
	}

	// A registered worktree without a directory is stale; prune it before
	// looking at the branch so the branch check sees reality.
	if _, err := git.Exec(ctx, m.repoPath, m.gitEnv, "worktree", "prune"); err != nil {
		return fmt.Errorf("worktree prune: %w", err)
	}

	if _, err := git.Exec(ctx, m.repoPath, m.gitEnv,
		"rev-parse", "--verify", "--quiet", "refs/heads/"+branch); err == nil {
		// Branch exists but no directory backs it: confirmed stale, drop it.
		if _, err := git.Exec(ctx, m.repoPath, m.gitEnv, "branch", "-D", branch); err != nil {
			return fmt.Errorf("delete stale branch %s: %w", branch, err)
		}
		m.log.Info("removed stale branch", "branch", branch)
	}
	return nil
}

// ResolveCommit resolves a commit-ish to a full hash. An empty ref resolves
// to the local HEAD. Unknown refs trigger a fetch from the configured remote
// before failing with ErrCommitNotFound.
func (m *Manager) ResolveCommit(ctx context.Context, ref string) (string, error) {
	var resolved string
	err := m.pool.Run(ctx, func() error {
		var err error
		resolved, err = m.resolveCommitLocked(ctx, ref)
		return err
	})
	return resolved, err
}

func (m *Manager) resolveCommitLocked(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		ref = "HEAD"
	}

	out, err := git.Exec(ctx, m.repoPath, m.gitEnv,
		"rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err == nil {
		return strings.TrimSpace(out), nil
	}

	if m.remoteURL != "" {
		if _, ferr := git.Exec(ctx, m.repoPath, m.gitEnv, "fetch", m.remoteURL); ferr != nil {
			m.log.Warn("fetch before resolve failed", "error", ferr)
		}
		out, err = git.Exec(ctx, m.repoPath, m.gitEnv,
			"rev-parse", "--verify", "--quiet", ref+"^{commit}")
		if err == nil {
			return strings.TrimSpace(out), nil
		}
	}

	return "", fmt.Errorf("resolve %q: %w", ref, domain.ErrCommitNotFound)
}

// Remove deletes the working copy and force-removes its checkout
// registration. Idempotent: an already-removed directory is logged and the
// registration pruned. Teardown is best-effort; every step runs.
func (m *Manager) Remove(ctx context.Context, correlationID string) error {
	path := m.CopyPath(correlationID)

	return m.pool.Run(ctx, func() error {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			m.log.Info("working copy already removed", "path", path)
			if _, err := git.Exec(ctx, m.repoPath, m.gitEnv, "worktree", "prune"); err != nil {
				m.log.Warn("worktree prune failed", "error", err)
			}
			return nil
		}

		if _, err := git.Exec(ctx, m.repoPath, m.gitEnv,
			"worktree", "remove", "--force", path); err != nil {
			m.log.Warn("worktree remove failed, deleting directory", "path", path, "error", err)
			if err := os.RemoveAll(path); err != nil {
				m.log.Warn("directory delete failed", "path", path, "error", err)
			}
			if _, err := git.Exec(ctx, m.repoPath, m.gitEnv, "worktree", "prune"); err != nil {
				m.log.Warn("worktree prune failed", "error", err)
			}
		}
		return nil
	})
}

// SweepOrphans deregisters working copies whose directory has vanished, then
// deletes fully merged ephemeral branches that no longer back a live copy.
// The directory check runs first so branches still in use are never pruned.
func (m *Manager) SweepOrphans(ctx context.Context) (int, error) {
	pruned := 0
	err := m.pool.Run(ctx, func() error {
		// Phase 1: drop registrations for vanished directories.
		if _, err := git.Exec(ctx, m.repoPath, m.gitEnv, "worktree", "prune"); err != nil {
			return fmt.Errorf("worktree prune: %w", err)
		}

		live, err := m.liveBranches(ctx)
		if err != nil {
			return err
		}

		// Phase 2: delete merged debug branches with no live working copy.
		out, err := git.Exec(ctx, m.repoPath, m.gitEnv,
			"branch", "--merged", "HEAD", "--list", instance.BranchPrefix+"*",
			"--format", "%(refname:short)")
		if err != nil {
			return fmt.Errorf("list merged branches: %w", err)
		}

		for _, branch := range strings.Fields(out) {
			if live[branch] {
				continue
			}
			if _, err := git.Exec(ctx, m.repoPath, m.gitEnv, "branch", "-d", branch); err != nil {
				m.log.Warn("branch prune failed", "branch", branch, "error", err)
				continue
			}
			pruned++
			m.log.Info("pruned merged branch", "branch", branch)
		}
		return nil
	})
	return pruned, err
}

// liveBranches returns the set of branches currently backing a registered
// working copy.
func (m *Manager) liveBranches(ctx context.Context) (map[string]bool, error) {
	out, err := git.Exec(ctx, m.repoPath, m.gitEnv, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("worktree list: %w", err)
	}

	live := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "branch "); ok {
			live[strings.TrimPrefix(rest, "refs/heads/")] = true
		}
	}
	return live, nil
}

// copyEnvTemplate copies the sanitized env template into the working copy
// as .env.
func (m *Manager) copyEnvTemplate(copyPath string) error {
	if m.envTemplate == "" {
		return nil
	}
	src := m.envTemplate
	if !filepath.IsAbs(src) {
		src = filepath.Join(m.repoPath, src)
	}

	in, err := os.Open(src) //nolint:gosec // G304: operator-configured template path
	if err != nil {
		return fmt.Errorf("open template: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(filepath.Join(copyPath, ".env"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create .env: %w", err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy template: %w", err)
	}
	return nil
}
