package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileStore persists one JSON file per message (<id>.json) in a
// directory, keeping an in-memory dueIndex rebuilt at startup. Mutations are
// written via a create-temp-then-rename, mirroring
// internal/target/queue/queue.go's updateMetadataOnDisk.
type FileStore struct {
	dir string

	mu    sync.Mutex
	index *dueIndex
}

// NewFileStore opens (creating if needed) a directory-backed spool store
// and rebuilds its due index from any metadata files already present.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("spool: creating %s: %w", dir, err)
	}
	fs := &FileStore{dir: dir, index: newDueIndex()}
	if err := fs.rebuildIndex(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) rebuildIndex() error {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id := e.Name()[:len(e.Name())-len(".json")]
		meta, err := fs.readFile(id)
		if err != nil {
			continue // skip files broken by a crash mid-write
		}
		fs.index.upsert(id, meta.NextAttemptAt)
	}
	return nil
}

func (fs *FileStore) metaPath(id string) string { return filepath.Join(fs.dir, id+".json") }

func (fs *FileStore) Enqueue(_ context.Context, req EnqueueRequest) (Metadata, error) {
	now := time.Now()
	meta := Metadata{
		ID:            uuid.NewString(),
		RawRef:        req.RawRef,
		Sender:        req.Sender,
		Recipients:    append([]string(nil), req.Recipients...),
		MessageID:     req.MessageID,
		Authenticated: req.Authenticated,
		PeerAddress:   req.PeerAddress,
		DSNRet:        req.DSNRet,
		DSNEnvID:      req.DSNEnvID,
		RcptDSN:       req.RcptDSN,
		QueuedAt:      now,
		NextAttemptAt: now,
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.writeFile(meta); err != nil {
		return Metadata{}, err
	}
	fs.index.upsert(meta.ID, meta.NextAttemptAt)
	return meta, nil
}

func (fs *FileStore) ListDue(_ context.Context, now time.Time, limit int) ([]Metadata, error) {
	fs.mu.Lock()
	ids := fs.index.due(now, limit)
	fs.mu.Unlock()

	out := make([]Metadata, 0, len(ids))
	for _, id := range ids {
		meta, err := fs.readFile(id)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

func (fs *FileStore) Read(_ context.Context, id string) (Metadata, error) {
	return fs.readFile(id)
}

func (fs *FileStore) Write(_ context.Context, meta Metadata) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.writeFile(meta); err != nil {
		return err
	}
	fs.index.upsert(meta.ID, meta.NextAttemptAt)
	return nil
}

func (fs *FileStore) Remove(_ context.Context, id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.index.remove(id)
	if err := os.Remove(fs.metaPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (fs *FileStore) CountPending(_ context.Context) (int, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			n++
		}
	}
	return n, nil
}

func (fs *FileStore) readFile(id string) (Metadata, error) {
	f, err := os.Open(fs.metaPath(id))
	if err != nil {
		return Metadata{}, err
	}
	defer f.Close()
	var meta Metadata
	if err := json.NewDecoder(f).Decode(&meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// writeFile mirrors updateMetadataOnDisk's create-temp, sync, rename
// sequence (skipped on Windows, where in-place rename-over-existing-file
// behaves differently).
func (fs *FileStore) writeFile(meta Metadata) error {
	path := fs.metaPath(meta.ID)

	var (
		f   *os.File
		err error
	)
	if runtime.GOOS == "windows" {
		f, err = os.Create(path)
	} else {
		f, err = os.Create(path + ".new")
	}
	if err != nil {
		return err
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(meta); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if runtime.GOOS != "windows" {
		if err := os.Rename(path+".new", path); err != nil {
			return err
		}
	}
	return nil
}

var _ Store = (*FileStore)(nil)
