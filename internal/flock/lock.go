// Package flock provides an exclusive advisory lock on a file, shared by
// goroutines of one process and by cooperating processes.
//
// The OS lock alone does not serialise goroutines: flock locks belong to the
// open file description and LockFileEx locks to the handle, and each Acquire
// opens its own. Acquire therefore takes a process-wide mutex keyed by the
// cleaned path before locking the file.
package flock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	registryMu sync.Mutex
	registry   = map[string]*sync.Mutex{}
)

// pathMutex returns the in-process mutex for path, creating it on first use.
func pathMutex(path string) *sync.Mutex {
	registryMu.Lock()
	defer registryMu.Unlock()
	mu, ok := registry[path]
	if !ok {
		mu = &sync.Mutex{}
		registry[path] = mu
	}
	return mu
}

// Lock names a lock file. It holds no OS resources until Acquire.
type Lock struct {
	path string
	mu   *sync.Mutex
}

// New returns the lock for path. Locks created for the same path share their
// in-process mutex.
func New(path string) *Lock {
	clean := filepath.Clean(path)
	if abs, err := filepath.Abs(clean); err == nil {
		clean = abs
	}
	return &Lock{path: clean, mu: pathMutex(clean)}
}

// Path returns the cleaned absolute lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Acquire blocks until the lock is held by the caller. The returned Guard
// must be released; use defer.
func (l *Lock) Acquire() (*Guard, error) {
	l.mu.Lock()
	f, err := l.open()
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if err := lockFile(f); err != nil {
		f.Close()
		l.mu.Unlock()
		return nil, fmt.Errorf("lock %s: %w", l.path, err)
	}
	return &Guard{f: f, mu: l.mu}, nil
}

// TryAcquire takes the lock only if it is free right now. It returns a nil
// Guard and no error when another holder has it.
func (l *Lock) TryAcquire() (*Guard, error) {
	if !l.mu.TryLock() {
		return nil, nil
	}
	f, err := l.open()
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	ok, err := tryLockFile(f)
	if err != nil || !ok {
		f.Close()
		l.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", l.path, err)
		}
		return nil, nil
	}
	return &Guard{f: f, mu: l.mu}, nil
}

func (l *Lock) open() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	// 0666 so every cooperating process, whatever its user, can open it.
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

// Guard is a held lock.
type Guard struct {
	once sync.Once
	f    *os.File
	mu   *sync.Mutex
	err  error
}

// Release unlocks the file and the in-process mutex. Only the first call has
// an effect; later calls return the same result.
func (g *Guard) Release() error {
	g.once.Do(func() {
		g.err = errors.Join(unlockFile(g.f), g.f.Close())
		g.mu.Unlock()
	})
	return g.err
}
