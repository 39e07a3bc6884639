package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/stackform-io/stackform/internal/logging"
)

// DefaultLockTTL is how long a lease stays valid without a renewal. A holder
// that dies without unlocking stops blocking others once the lease expires.
const DefaultLockTTL = 10 * time.Minute

// LockInfo describes a lock lease.
type LockInfo struct {
	ID      string        `json:"id"`
	Who     string        `json:"who"`
	Created time.Time     `json:"created"`
	TTL     time.Duration `json:"ttl"`
}

// Expired reports whether the lease has outlived its TTL.
func (l *LockInfo) Expired() bool {
	ttl := l.TTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return time.Since(l.Created) > ttl
}

// LockBusyError is returned when the state is already locked by a live lease.
type LockBusyError struct {
	Holder  string
	Created time.Time
}

func (e *LockBusyError) Error() string {
	return fmt.Sprintf("state is locked by %s (since %s). "+
		"Use force-unlock if the holder is gone", e.Holder, e.Created.UTC().Format(time.RFC3339))
}

// Locker serializes state mutations across processes. Lock returns a lease
// ID that Renew and Unlock take; Unlock with an unknown or already released
// ID is a no-op.
type Locker interface {
	Lock(info *LockInfo) (string, error)
	Renew(id string) error
	Unlock(id string) error
}

// Lock acquires a lease on the state file. An existing lease is taken over
// only if it has expired.
func (m *Manager) Lock(info *LockInfo) (string, error) {
	lockPath := m.lockPath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create lock directory: %w", err)
	}

	if info == nil {
		info = &LockInfo{}
	}
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	if info.Who == "" {
		host, _ := os.Hostname()
		info.Who = fmt.Sprintf("%s@pid-%d", host, os.Getpid())
	}
	if info.TTL <= 0 {
		info.TTL = DefaultLockTTL
	}
	info.Created = time.Now().UTC()

	for {
		if err := m.writeLock(lockPath, info); err == nil {
			return info.ID, nil
		} else if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("failed to create lock file: %w", err)
		}

		holder, err := readLock(lockPath)
		if err != nil {
			// Racing with a concurrent unlock; try again.
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		if !holder.Expired() {
			return "", &LockBusyError{Holder: holder.Who, Created: holder.Created}
		}

		logging.Warn("taking over expired state lock", "holder", holder.Who, "created", holder.Created)
		if err := takeOver(lockPath, holder); err != nil {
			return "", err
		}
	}
}

// takeoverGuardWait bounds how long a contender waits on a concurrent
// takeover of the same expired lease.
const takeoverGuardWait = 2 * time.Second

// takeOver removes an expired lease without racing other contenders into a
// double acquisition. Takeovers are serialized through a guard file created
// with O_EXCL. While the guard is held nobody else removes the lease, and a
// fresh lease cannot appear while the expired file still occupies the path,
// so re-checking the lease before removing it is race free.
func takeOver(lockPath string, observed *LockInfo) error {
	guardPath := lockPath + ".takeover"
	deadline := time.Now().Add(takeoverGuardWait)
	for {
		f, err := os.OpenFile(guardPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			f.Close()
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("failed to guard lock takeover: %w", err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lock takeover stalled: remove %s if no other stackform process is running", guardPath)
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer os.Remove(guardPath)

	current, err := readLock(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // already taken over
		}
		return err
	}
	if current.ID != observed.ID || !current.Expired() {
		return nil // refreshed or replaced since we looked
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove expired lock: %w", err)
	}
	return nil
}

// Renew refreshes the lease so it stays valid past the original TTL. Fails
// if the lease was lost to another holder.
func (m *Manager) Renew(id string) error {
	lockPath := m.lockPath()
	holder, err := readLock(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("lock lease %s no longer held", id)
		}
		return err
	}
	if holder.ID != id {
		return &LockBusyError{Holder: holder.Who, Created: holder.Created}
	}

	holder.Created = time.Now().UTC()
	data, err := json.MarshalIndent(holder, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode lock info: %w", err)
	}
	if err := os.WriteFile(lockPath, data, 0644); err != nil {
		return fmt.Errorf("failed to renew lock: %w", err)
	}
	return nil
}

// Unlock releases the lease. Releasing a lease that is already gone or was
// taken over by someone else is not an error.
func (m *Manager) Unlock(id string) error {
	lockPath := m.lockPath()
	holder, err := readLock(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if id != "" && holder.ID != id {
		return nil
	}

	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// ForceUnlock removes the lock regardless of who holds it, along with any
// takeover guard a crashed contender may have left behind.
func (m *Manager) ForceUnlock() error {
	if err := os.Remove(m.lockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	if err := os.Remove(m.lockPath() + ".takeover"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove takeover guard: %w", err)
	}
	return nil
}

// LockHolder returns the current lease, or nil if the state is unlocked.
func (m *Manager) LockHolder() (*LockInfo, error) {
	holder, err := readLock(m.lockPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return holder, nil
}

func (m *Manager) writeLock(lockPath string, info *LockInfo) error {
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode lock info: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write lock info: %w", err)
	}
	return nil
}

func readLock(lockPath string) (*LockInfo, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse lock file %s: %w", lockPath, err)
	}
	return &info, nil
}

func (m *Manager) lockPath() string {
	return m.path + ".lock"
}
