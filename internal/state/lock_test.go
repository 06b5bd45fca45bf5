package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	lock, err := AcquireLock(path, WithLockLogger(testLogger()))
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file should be removed on release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be harmless: %v", err)
	}
}

func writeLockFile(t *testing.T, path string, info lockInfo) {
	t.Helper()
	data, err := json.Marshal(info)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestFreshForeignLockRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	// PID 1 is always alive; a fresh heartbeat must block acquisition.
	writeLockFile(t, path, lockInfo{
		PID:        1,
		Hostname:   "other",
		AcquiredAt: time.Now(),
		RenewedAt:  time.Now(),
	})

	if _, err := AcquireLock(path, WithLockLogger(testLogger())); !errors.Is(err, ErrLocked) {
		t.Errorf("AcquireLock = %v, want ErrLocked", err)
	}
}

func TestStaleLockOfDeadProcessReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	writeLockFile(t, path, lockInfo{
		PID:        1 << 22, // beyond pid_max, guaranteed dead
		Hostname:   "other",
		AcquiredAt: time.Now().Add(-time.Hour),
		RenewedAt:  time.Now().Add(-3 * time.Minute),
	})

	lock, err := AcquireLock(path, WithLockLogger(testLogger()))
	if err != nil {
		t.Fatalf("stale lock of dead process should be reclaimed: %v", err)
	}
	lock.Release()
}

func TestAbandonedLockForcedTakeover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	// Live holder but the heartbeat stopped long ago.
	writeLockFile(t, path, lockInfo{
		PID:        1,
		Hostname:   "other",
		AcquiredAt: time.Now().Add(-time.Hour),
		RenewedAt:  time.Now().Add(-11 * time.Minute),
	})

	lock, err := AcquireLock(path, WithLockLogger(testLogger()))
	if err != nil {
		t.Fatalf("abandoned lock should be taken over: %v", err)
	}
	lock.Release()
}

func TestStaleLockOfLiveProcessRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	writeLockFile(t, path, lockInfo{
		PID:        1,
		Hostname:   "other",
		AcquiredAt: time.Now().Add(-time.Hour),
		RenewedAt:  time.Now().Add(-3 * time.Minute),
	})

	if _, err := AcquireLock(path, WithLockLogger(testLogger())); !errors.Is(err, ErrLocked) {
		t.Errorf("stale lock of live process before takeover age = %v, want ErrLocked", err)
	}
}

func TestSecondRepositoryOpenFails(t *testing.T) {
	dir := t.TempDir()
	repo, err := Open(dir, WithRepoLogger(testLogger()))
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close()

	if _, err := Open(dir, WithRepoLogger(testLogger())); !errors.Is(err, ErrLocked) {
		t.Errorf("second Open = %v, want ErrLocked", err)
	}
}
