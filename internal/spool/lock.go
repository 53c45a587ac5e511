package spool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LockManager gives at most one worker at a time ownership of a message
// for processing. tryLock/unlock/refreshLock are keyed by message id;
// purgeOrphaned reclaims locks whose holder never released them (crashed
// worker, killed process).
type LockManager interface {
	TryLock(ctx context.Context, id string) (token string, ok bool, err error)
	Unlock(ctx context.Context, id, token string) error
	RefreshLock(ctx context.Context, id, token string) error
	PurgeOrphaned(ctx context.Context) error
}

// FileLockManager uses one "<id>.lock" file per message, grounded on
// internal/target/queue/queue.go's discardBroken naming convention: the
// lock file's mtime (not its contents beyond the owning token) is what
// makes staleness checkable without a clock synchronized across workers.
type FileLockManager struct {
	dir   string
	stale time.Duration
}

// NewFileLockManager builds a lock manager rooted at dir with the default
// 15-minute staleness threshold.
func NewFileLockManager(dir string) *FileLockManager {
	return &FileLockManager{dir: dir, stale: 15 * time.Minute}
}

func (m *FileLockManager) lockPath(id string) string { return filepath.Join(m.dir, id+".lock") }

func (m *FileLockManager) TryLock(_ context.Context, id string) (string, bool, error) {
	token := uuid.NewString()
	f, err := os.OpenFile(m.lockPath(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	defer f.Close()
	if _, err := f.WriteString(token + "\n" + strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		os.Remove(m.lockPath(id))
		return "", false, err
	}
	return token, true, nil
}

func (m *FileLockManager) Unlock(_ context.Context, id, token string) error {
	owner, _, err := m.readLock(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if owner != token {
		return fmt.Errorf("spool: unlock %s: token mismatch", id)
	}
	return os.Remove(m.lockPath(id))
}

func (m *FileLockManager) RefreshLock(_ context.Context, id, token string) error {
	owner, _, err := m.readLock(id)
	if err != nil {
		return err
	}
	if owner != token {
		return fmt.Errorf("spool: refresh %s: token mismatch", id)
	}
	return os.WriteFile(m.lockPath(id), []byte(token+"\n"+strconv.FormatInt(time.Now().UnixMilli(), 10)), 0o600)
}

func (m *FileLockManager) PurgeOrphaned(_ context.Context) error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".lock" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) > m.stale {
			os.Remove(filepath.Join(m.dir, e.Name()))
		}
	}
	return nil
}

func (m *FileLockManager) readLock(id string) (token string, refreshedAt time.Time, err error) {
	raw, err := os.ReadFile(m.lockPath(id))
	if err != nil {
		return "", time.Time{}, err
	}
	lines := strings.SplitN(string(raw), "\n", 2)
	token = lines[0]
	if len(lines) > 1 {
		if ms, perr := strconv.ParseInt(lines[1], 10, 64); perr == nil {
			refreshedAt = time.UnixMilli(ms)
		}
	}
	return token, refreshedAt, nil
}

var _ LockManager = (*FileLockManager)(nil)

// InProcessLockManager backs KVStore/SQLStore deployments that don't want a
// second on-disk lock directory: ownership lives entirely in memory, which
// is sufficient whenever the Spooler Loop itself is single-process (the
// spec's "at most one holder ... across all workers" invariant only needs
// cross-process enforcement when workers run in separate processes).
type InProcessLockManager struct {
	mu     sync.Mutex
	locks  map[string]lockEntry
	stale  time.Duration
}

type lockEntry struct {
	token       string
	refreshedAt time.Time
}

func NewInProcessLockManager() *InProcessLockManager {
	return &InProcessLockManager{locks: map[string]lockEntry{}, stale: 15 * time.Minute}
}

func (m *InProcessLockManager) TryLock(_ context.Context, id string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[id]; held {
		return "", false, nil
	}
	token := uuid.NewString()
	m.locks[id] = lockEntry{token: token, refreshedAt: time.Now()}
	return token, true, nil
}

func (m *InProcessLockManager) Unlock(_ context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, held := m.locks[id]
	if !held {
		return nil
	}
	if entry.token != token {
		return fmt.Errorf("spool: unlock %s: token mismatch", id)
	}
	delete(m.locks, id)
	return nil
}

func (m *InProcessLockManager) RefreshLock(_ context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, held := m.locks[id]
	if !held || entry.token != token {
		return fmt.Errorf("spool: refresh %s: not held by this token", id)
	}
	entry.refreshedAt = time.Now()
	m.locks[id] = entry
	return nil
}

func (m *InProcessLockManager) PurgeOrphaned(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, entry := range m.locks {
		if time.Since(entry.refreshedAt) > m.stale {
			delete(m.locks, id)
		}
	}
	return nil
}

var _ LockManager = (*InProcessLockManager)(nil)
