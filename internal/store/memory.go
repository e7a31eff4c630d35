package store

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	val     []byte
	expires time.Time
}

func (e memEntry) live(now time.Time) bool {
	return e.expires.IsZero() || now.Before(e.expires)
}

// Memory is an in-process Store. Commits are applied atomically under a
// single lock and fail with ErrConflict when a key the transaction read was
// written by another commit in the meantime.
type Memory struct {
	mu       sync.RWMutex
	data     map[string]memEntry
	versions map[string]uint64
	seq      uint64
	closed   bool
	opts     TxOptions
	now      func() time.Time
}

func NewMemory() *Memory {
	return NewMemoryWithOptions(TxOptions{})
}

func NewMemoryWithOptions(opts TxOptions) *Memory {
	return &Memory{
		data:     make(map[string]memEntry),
		versions: make(map[string]uint64),
		opts:     opts,
		now:      time.Now,
	}
}

func (m *Memory) Begin(ctx context.Context, writable bool) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return NewTx(&memKV{m: m, staged: make(map[string]stagedOp), reads: make(map[string]uint64)}, writable, m.opts), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type stagedOp struct {
	val     []byte
	ttl     time.Duration
	deleted bool
}

type memKV struct {
	m      *Memory
	staged map[string]stagedOp
	reads  map[string]uint64
}

// observe records the version of key seen by this transaction. Callers hold
// the read lock.
func (kv *memKV) observe(key string) {
	if _, ok := kv.reads[key]; !ok {
		kv.reads[key] = kv.m.versions[key]
	}
}

func (kv *memKV) Get(key []byte) ([]byte, bool, error) {
	if op, ok := kv.staged[string(key)]; ok {
		if op.deleted {
			return nil, false, nil
		}
		return bytes.Clone(op.val), true, nil
	}
	kv.m.mu.RLock()
	defer kv.m.mu.RUnlock()
	kv.observe(string(key))
	e, ok := kv.m.data[string(key)]
	if !ok || !e.live(kv.m.now()) {
		return nil, false, nil
	}
	return bytes.Clone(e.val), true, nil
}

func (kv *memKV) Set(key, val []byte, ttl time.Duration) error {
	kv.staged[string(key)] = stagedOp{val: bytes.Clone(val), ttl: ttl}
	return nil
}

func (kv *memKV) Delete(key []byte) error {
	kv.staged[string(key)] = stagedOp{deleted: true}
	return nil
}

func (kv *memKV) Scan(prefix []byte, fn func(key, val []byte) error) error {
	p := string(prefix)
	merged := make(map[string][]byte)

	kv.m.mu.RLock()
	now := kv.m.now()
	for k, e := range kv.m.data {
		if strings.HasPrefix(k, p) && e.live(now) {
			kv.observe(k)
			merged[k] = e.val
		}
	}
	kv.m.mu.RUnlock()

	for k, op := range kv.staged {
		if !strings.HasPrefix(k, p) {
			continue
		}
		if op.deleted {
			delete(merged, k)
			continue
		}
		merged[k] = op.val
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), bytes.Clone(merged[k])); err != nil {
			return err
		}
	}
	return nil
}

func (kv *memKV) Commit() error {
	kv.m.mu.Lock()
	defer kv.m.mu.Unlock()
	if kv.m.closed {
		return ErrClosed
	}
	if len(kv.staged) > 0 {
		for k, v := range kv.reads {
			if kv.m.versions[k] != v {
				kv.staged = nil
				return ErrConflict
			}
		}
	}
	now := kv.m.now()
	for k, op := range kv.staged {
		kv.m.seq++
		kv.m.versions[k] = kv.m.seq
		if op.deleted {
			delete(kv.m.data, k)
			continue
		}
		e := memEntry{val: op.val}
		if op.ttl > 0 {
			e.expires = now.Add(op.ttl)
		}
		kv.m.data[k] = e
	}
	kv.staged = nil
	return nil
}

func (kv *memKV) Discard() {
	kv.staged = nil
	kv.reads = nil
}
