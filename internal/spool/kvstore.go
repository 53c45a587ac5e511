package spool

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// KVBackend is the minimal operation set a key-value store needs to expose
// for KVStore: byte get/set/delete plus a sorted-set keyed on a numeric
// score, used for the due-time index. No network KV client appears
// anywhere in the example corpus, so the only concrete KVBackend shipped
// here is InProcessKV; a Redis- or etcd-backed one would implement the
// same seven methods against those clients' native sorted-set/range
// primitives.
type KVBackend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// ZAdd upserts member into the sorted set named key with the given
	// score (milliseconds since epoch).
	ZAdd(ctx context.Context, key string, member string, score int64) error
	ZRem(ctx context.Context, key, member string) error
	// ZRangeByScore returns members with score <= max, ascending, capped
	// at limit (0 = unlimited).
	ZRangeByScore(ctx context.Context, key string, max int64, limit int) ([]string, error)
	ZCard(ctx context.Context, key string) (int, error)
}

// KVStore implements Store against the "<prefix>:queue" / "<prefix>:meta:"
// layout: a sorted set of due tokens plus one metadata key per message,
// addressed by an opaque urlsafe-base64 token.
type KVStore struct {
	backend KVBackend
	prefix  string
}

func NewKVStore(backend KVBackend, prefix string) *KVStore {
	return &KVStore{backend: backend, prefix: prefix}
}

func tokenFor(id string) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(id))
}

func (s *KVStore) queueKey() string        { return s.prefix + ":queue" }
func (s *KVStore) metaKey(token string) string { return s.prefix + ":meta:" + token }

func (s *KVStore) Enqueue(ctx context.Context, req EnqueueRequest) (Metadata, error) {
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
	if err := s.Write(ctx, meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

func (s *KVStore) ListDue(ctx context.Context, now time.Time, limit int) ([]Metadata, error) {
	tokens, err := s.backend.ZRangeByScore(ctx, s.queueKey(), now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	out := make([]Metadata, 0, len(tokens))
	for _, token := range tokens {
		meta, err := s.readToken(ctx, token)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

func (s *KVStore) Read(ctx context.Context, id string) (Metadata, error) {
	return s.readToken(ctx, tokenFor(id))
}

func (s *KVStore) readToken(ctx context.Context, token string) (Metadata, error) {
	raw, ok, err := s.backend.Get(ctx, s.metaKey(token))
	if err != nil {
		return Metadata{}, err
	}
	if !ok {
		return Metadata{}, fmt.Errorf("spool: no such message (token %s)", token)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

func (s *KVStore) Write(ctx context.Context, meta Metadata) error {
	token := tokenFor(meta.ID)
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := s.backend.Set(ctx, s.metaKey(token), raw); err != nil {
		return err
	}
	return s.backend.ZAdd(ctx, s.queueKey(), token, meta.NextAttemptAt.UnixMilli())
}

func (s *KVStore) Remove(ctx context.Context, id string) error {
	token := tokenFor(id)
	if err := s.backend.ZRem(ctx, s.queueKey(), token); err != nil {
		return err
	}
	return s.backend.Delete(ctx, s.metaKey(token))
}

func (s *KVStore) CountPending(ctx context.Context) (int, error) {
	return s.backend.ZCard(ctx, s.queueKey())
}

var _ Store = (*KVStore)(nil)

// InProcessKV is a mutex-guarded, in-memory KVBackend: the reference
// implementation for single-process deployments and for tests, and the
// base that a networked backend would replace without changing KVStore.
type InProcessKV struct {
	mu   sync.Mutex
	kv   map[string][]byte
	sets map[string]map[string]int64
}

func NewInProcessKV() *InProcessKV {
	return &InProcessKV{kv: map[string][]byte{}, sets: map[string]map[string]int64{}}
}

func (k *InProcessKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.kv[key]
	return v, ok, nil
}

func (k *InProcessKV) Set(_ context.Context, key string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.kv[key] = value
	return nil
}

func (k *InProcessKV) Delete(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.kv, key)
	return nil
}

func (k *InProcessKV) ZAdd(_ context.Context, key, member string, score int64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	set, ok := k.sets[key]
	if !ok {
		set = map[string]int64{}
		k.sets[key] = set
	}
	set[member] = score
	return nil
}

func (k *InProcessKV) ZRem(_ context.Context, key, member string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.sets[key], member)
	return nil
}

func (k *InProcessKV) ZRangeByScore(_ context.Context, key string, max int64, limit int) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	type scored struct {
		member string
		score  int64
	}
	var all []scored
	for member, score := range k.sets[key] {
		if score <= max {
			all = append(all, scored{member, score})
		}
	}
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].score < all[j-1].score; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]string, len(all))
	for i, s := range all {
		out[i] = s.member
	}
	return out, nil
}

func (k *InProcessKV) ZCard(_ context.Context, key string) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.sets[key]), nil
}

var _ KVBackend = (*InProcessKV)(nil)
