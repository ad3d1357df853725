// Package kv is the small key-value capability behind persisted client state.
package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupported is returned by Open for unknown backend specs.
var ErrUnsupported = errors.New("kv: unsupported store")

// Store persists small string values across process restarts.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Clear(ctx context.Context, key string) error
}

// Open selects a backend from spec:
//
//	memory:              process-local
//	file:<path>          JSON document on disk (empty path = DefaultPath)
//	postgres://...       shared table via pgx
func Open(ctx context.Context, spec string) (Store, func() error, error) {
	spec = strings.TrimSpace(spec)
	noop := func() error { return nil }
	switch {
	case spec == "" || strings.HasPrefix(spec, "file:"):
		path := strings.TrimPrefix(spec, "file:")
		if path == "" {
			p, err := DefaultPath()
			if err != nil {
				return nil, nil, err
			}
			path = p
		}
		return NewFile(path), noop, nil
	case spec == "memory:":
		return NewMemory(), noop, nil
	case strings.HasPrefix(spec, "postgres://"), strings.HasPrefix(spec, "postgresql://"):
		pg, err := OpenPostgres(spec)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", ErrUnsupported, spec)
}

// DefaultPath is the per-user session file.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("kv: locate config dir: %w", err)
	}
	return filepath.Join(dir, "ecotrade", "session.json"), nil
}
