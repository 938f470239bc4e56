// Package store implements the Job Store Adapter (C4): typed operations on
// persistent Job and Area entities backed by badgerhold, per SPEC_FULL.md /
// spec.md §4.4.
package store

import (
	"fmt"
	"os"

	"github.com/timshannon/badgerhold/v4"
)

// Store owns the badgerhold-backed job and area buckets. All writes to a
// given job id are expected to come from a single writer (the orchestrator
// or the job manager, never both concurrently) per spec §5.
type Store struct {
	db *badgerhold.Store
}

// Open opens (or creates) a badgerhold store at path. resetOnStartup wipes
// any existing database first, for clean test/dev runs.
func Open(path string, resetOnStartup bool) (*Store, error) {
	if resetOnStartup {
		if _, err := os.Stat(path); err == nil {
			if err := os.RemoveAll(path); err != nil {
				return nil, fmt.Errorf("failed to reset job store at %s: %w", path, err)
			}
		}
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	opts.Logger = nil

	bh, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store at %s: %w", path, err)
	}
	return &Store{db: bh}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
