package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// errLocked is returned when another macrostep process holds the database.
var errLocked = errors.New("database is in use by another macrostep process")

// dbLock is a cross-process lock on <db>.lock. Only one process may run
// expansions against a database at a time; read-only commands don't lock.
type dbLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

func newDBLock(dbPath string) *dbLock {
	path := dbPath + ".lock"
	return &dbLock{path: path, flock: flock.New(path)}
}

// TryLock acquires the lock without blocking. It returns errLocked when the
// lock is held elsewhere.
func (l *dbLock) TryLock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	acquired, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring %s: %w", l.path, err)
	}
	if !acquired {
		return fmt.Errorf("%w (%s)", errLocked, l.path)
	}
	l.locked = true
	return nil
}

// Unlock releases the lock. Safe to call on an unlocked dbLock.
func (l *dbLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("releasing %s: %w", l.path, err)
	}
	return nil
}
