package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"
)

// Advisory lock lifecycle. A lock file carries the holder's PID and a
// heartbeat timestamp renewed every renewInterval. Another process may
// reclaim a lock whose heartbeat is older than staleAfter when the holder
// is dead, and force a takeover regardless once the heartbeat is older
// than takeoverAfter.
const (
	renewInterval = 30 * time.Second
	staleAfter    = 2 * time.Minute
	takeoverAfter = 10 * time.Minute
)

// ErrLocked is returned when another live process holds the lock.
var ErrLocked = errors.New("state: locked by another process")

type lockInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
	RenewedAt  time.Time `json:"renewed_at"`
}

// Lock is a held advisory file lock with a background heartbeat.
type Lock struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	info     lockInfo
	released bool
	stop     chan struct{}
	done     chan struct{}
}

// LockOption is a functional option for configuring the Lock.
type LockOption func(*Lock)

// WithLockLogger sets a custom logger.
func WithLockLogger(logger *slog.Logger) LockOption {
	return func(l *Lock) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// AcquireLock takes the advisory lock at path. It fails with ErrLocked when
// a live process holds a fresh lock; stale locks of dead processes are
// reclaimed after staleAfter, and any lock is taken over by force once its
// heartbeat is older than takeoverAfter.
func AcquireLock(path string, opts ...LockOption) (*Lock, error) {
	l := &Lock{
		path:   path,
		logger: slog.Default(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	existing, err := readLockInfo(path)
	switch {
	case err == nil:
		if err := l.evaluate(existing); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
	default:
		// Unreadable lock file: treat as stale and overwrite.
		l.logger.Warn("replacing unreadable lock file", slog.String("path", path))
	}

	hostname, _ := os.Hostname()
	now := time.Now()
	l.info = lockInfo{
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: now,
		RenewedAt:  now,
	}
	if err := l.write(); err != nil {
		return nil, fmt.Errorf("writing lock file: %w", err)
	}

	go l.heartbeat()
	return l, nil
}

// evaluate decides whether an existing lock may be displaced.
func (l *Lock) evaluate(existing lockInfo) error {
	age := time.Since(existing.RenewedAt)

	if existing.PID == os.Getpid() {
		return nil
	}
	if age > takeoverAfter {
		l.logger.Warn("forcing takeover of abandoned lock",
			slog.Int("holder_pid", existing.PID),
			slog.Duration("age", age),
		)
		return nil
	}
	if age > staleAfter && !processAlive(existing.PID) {
		l.logger.Warn("reclaiming stale lock of dead process",
			slog.Int("holder_pid", existing.PID),
			slog.Duration("age", age),
		)
		return nil
	}
	return fmt.Errorf("%w: pid %d on %s (heartbeat %s ago)",
		ErrLocked, existing.PID, existing.Hostname, age.Round(time.Second))
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func readLockInfo(path string) (lockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return lockInfo{}, err
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return lockInfo{}, err
	}
	return info, nil
}

func (l *Lock) write() error {
	data, err := json.Marshal(l.info)
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

func (l *Lock) heartbeat() {
	defer close(l.done)
	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			if l.released {
				l.mu.Unlock()
				return
			}
			l.info.RenewedAt = time.Now()
			if err := l.write(); err != nil {
				l.logger.Warn("lock heartbeat failed", slog.String("error", err.Error()))
			}
			l.mu.Unlock()
		}
	}
}

// Release stops the heartbeat and removes the lock file. Safe to call more
// than once.
func (l *Lock) Release() error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	l.mu.Unlock()

	close(l.stop)
	<-l.done
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}
