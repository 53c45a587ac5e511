package spool

import (
	"context"
	"time"
)

// EnqueueRequest is the input to Store.Enqueue; it names every field a
// freshly accepted message must carry into the spool.
type EnqueueRequest struct {
	RawRef        string
	Sender        string
	Recipients    []string
	MessageID     string
	Authenticated bool
	PeerAddress   string
	DSNRet        string
	DSNEnvID      string
	RcptDSN       map[string]RcptDSNOpts
}

// Store is the Spool Metadata Store contract: durable storage for
// Metadata records plus a due-time index so the Spooler Loop never has to
// scan every queued message to find the ones ready to retry.
//
// Implementations: file-backed (FileStore), KV-backed (KVStore), and
// SQL-backed (SQLStore, via modernc.org/sqlite).
type Store interface {
	// Enqueue creates and persists a new Metadata record, already present
	// in the due index with NextAttemptAt == now.
	Enqueue(ctx context.Context, req EnqueueRequest) (Metadata, error)

	// ListDue returns up to limit records whose NextAttemptAt is <= now,
	// ordered by NextAttemptAt ascending. Must consult an ordered index,
	// not a full scan, when the backend provides one.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Metadata, error)

	Read(ctx context.Context, id string) (Metadata, error)
	Write(ctx context.Context, meta Metadata) error
	Remove(ctx context.Context, id string) error

	// CountPending reports the number of messages currently spooled, for
	// gauges.
	CountPending(ctx context.Context) (int, error)
}

// dueIndex is a small in-memory index over (id, time), the queryable
// generalization of timewheel.go's TimeWheel: instead of firing a dispatch
// callback when the nearest slot elapses, ListDue simply reads every entry
// whose time has already passed, leaving it in the index. Store
// implementations that don't have a
// native ordered index (the file-backed one) keep one of these in memory,
// rebuilt from disk at startup.
type dueIndex struct {
	items dueHeap
}

type dueItem struct {
	id   string
	due  time.Time
	heap int
}

func newDueIndex() *dueIndex {
	return &dueIndex{}
}

func (d *dueIndex) upsert(id string, due time.Time) {
	d.items.removeID(id)
	d.items.push(dueItem{id: id, due: due})
}

func (d *dueIndex) remove(id string) {
	d.items.removeID(id)
}

// due returns, without removing them, the ids whose due time is <= now,
// ordered ascending, capped at limit (0 = unlimited).
func (d *dueIndex) due(now time.Time, limit int) []string {
	sorted := d.items.sortedCopy()
	var ids []string
	for _, it := range sorted {
		if it.due.After(now) {
			break
		}
		ids = append(ids, it.id)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids
}

// dueHeap is an unsorted slice: push appends, and sortedCopy sorts a copy
// on each due() query. The spool is expected to hold at most a few thousand
// in-flight messages at once, so sorting per query is simpler than a real
// heap and still avoids scanning the on-disk store.
type dueHeap []dueItem

func (h *dueHeap) push(it dueItem) {
	*h = append(*h, it)
}

func (h *dueHeap) removeID(id string) {
	out := (*h)[:0]
	for _, it := range *h {
		if it.id != id {
			out = append(out, it)
		}
	}
	*h = out
}

func (h dueHeap) sortedCopy() []dueItem {
	cp := append([]dueItem(nil), h...)
	for i := 1; i < len(cp); i++ {
		for j := i; j > 0 && cp[j].due.Before(cp[j-1].due); j-- {
			cp[j], cp[j-1] = cp[j-1], cp[j]
		}
	}
	return cp
}
