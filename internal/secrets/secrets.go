// Package secrets loads file-based secrets used for source-control
// operations. Secrets live one-per-file in a directory (e.g. /run/secrets),
// named by key.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Loader returns secret values keyed by name.
type Loader func() (map[string]string, error)

// DirLoader returns a Loader that reads every regular file in dir as one
// secret, keyed by filename. A missing directory yields an empty map.
func DirLoader(dir string) Loader {
	return func() (map[string]string, error) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return map[string]string{}, nil
			}
			return nil, fmt.Errorf("secrets: read dir %s: %w", dir, err)
		}

		vals := make(map[string]string, len(entries))
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, e.Name())) //nolint:gosec // G304: operator-configured secrets dir
			if err != nil {
				return nil, fmt.Errorf("secrets: read %s: %w", e.Name(), err)
			}
			vals[e.Name()] = strings.TrimSpace(string(data))
		}
		return vals, nil
	}
}

// GitSSHEnv validates the deploy key at keyPath and returns the environment
// entries that make git use it for fetches. An empty keyPath or a missing
// file returns no entries: git falls back to its ambient credentials.
func GitSSHEnv(keyPath string) ([]string, error) {
	if keyPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(keyPath) //nolint:gosec // G304: operator-configured key path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("secrets: read deploy key: %w", err)
	}

	// Parse up front so a corrupt key fails at startup, not mid-setup.
	if _, err := ssh.ParsePrivateKey(data); err != nil {
		return nil, fmt.Errorf("secrets: deploy key %s: %w", keyPath, err)
	}

	return []string{
		"GIT_SSH_COMMAND=ssh -i " + keyPath + " -o IdentitiesOnly=yes -o StrictHostKeyChecking=accept-new",
	}, nil
}
