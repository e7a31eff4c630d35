package store

import (
	"bytes"
	"errors"
	"sort"
	"time"

	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/google/uuid"
)

// KV is the byte-level transaction a backend provides. Scan visits keys in
// ascending order and must see the transaction's own writes.
type KV interface {
	Get(key []byte) ([]byte, bool, error)
	Set(key, val []byte, ttl time.Duration) error
	Delete(key []byte) error
	Scan(prefix []byte, fn func(key, val []byte) error) error
	Commit() error
	Discard()
}

// TxOptions tune record lifetimes for backends that support expiry.
type TxOptions struct {
	ProcessedTTL time.Duration
}

var errStopScan = errors.New("store: stop scan")

type recordTx struct {
	kv       KV
	writable bool
	done     bool
	opts     TxOptions
}

// NewTx layers the record layout over a backend transaction.
func NewTx(kv KV, writable bool, opts TxOptions) Tx {
	return &recordTx{kv: kv, writable: writable, opts: opts}
}

func (t *recordTx) readable() error {
	if t.done {
		return ErrTxDone
	}
	return nil
}

func (t *recordTx) mutable() error {
	if t.done {
		return ErrTxDone
	}
	if !t.writable {
		return ErrReadOnly
	}
	return nil
}

func (t *recordTx) put(key []byte, r codec.Marshaler, ttl time.Duration) error {
	if err := t.mutable(); err != nil {
		return err
	}
	raw, err := encodeRecord(r)
	if err != nil {
		return err
	}
	return t.kv.Set(key, raw, ttl)
}

func (t *recordTx) del(key []byte) error {
	if err := t.mutable(); err != nil {
		return err
	}
	return t.kv.Delete(key)
}

func (t *recordTx) GetInstance(key message.InstanceKey) (Instance, bool, error) {
	if err := t.readable(); err != nil {
		return Instance{}, false, err
	}
	raw, ok, err := t.kv.Get(instanceKey(key))
	if err != nil || !ok {
		return Instance{}, false, err
	}
	var inst Instance
	if err := decodeRecord(raw, &inst); err != nil {
		return Instance{}, false, err
	}
	return inst, true, nil
}

func (t *recordTx) PutInstance(inst Instance) error {
	return t.put(instanceKey(inst.Key), inst, 0)
}

func (t *recordTx) DeleteInstance(key message.InstanceKey) error {
	return t.del(instanceKey(key))
}

func (t *recordTx) ListInstances() ([]Instance, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}
	out := make([]Instance, 0)
	err := t.kv.Scan(PrefixInstance, func(_, val []byte) error {
		var inst Instance
		if err := decodeRecord(val, &inst); err != nil {
			return err
		}
		out = append(out, inst)
		return nil
	})
	return out, err
}

func (t *recordTx) PutPending(p Pending) error {
	return t.put(pendingKey(p.Key(), p.Message.ReceiptID()), p, 0)
}

func (t *recordTx) GetPending(key message.InstanceKey, receipt uuid.UUID) (Pending, bool, error) {
	if err := t.readable(); err != nil {
		return Pending{}, false, err
	}
	raw, ok, err := t.kv.Get(pendingKey(key, receipt))
	if err != nil || !ok {
		return Pending{}, false, err
	}
	var p Pending
	if err := decodeRecord(raw, &p); err != nil {
		return Pending{}, false, err
	}
	return p, true, nil
}

func (t *recordTx) scanPending(prefix []byte) ([]Pending, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}
	out := make([]Pending, 0)
	err := t.kv.Scan(prefix, func(_, val []byte) error {
		var p Pending
		if err := decodeRecord(val, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortPending(out)
	return out, nil
}

// sortPending orders messages by reception, which is replay order.
func sortPending(ps []Pending) {
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if !a.StoredAt.Equal(b.StoredAt) {
			return a.StoredAt.Before(b.StoredAt)
		}
		if !a.Message.Routing.ReceivedAt.Equal(b.Message.Routing.ReceivedAt) {
			return a.Message.Routing.ReceivedAt.Before(b.Message.Routing.ReceivedAt)
		}
		return bytes.Compare(a.Message.Routing.UID[:], b.Message.Routing.UID[:]) < 0
	})
}

func (t *recordTx) ListPending(key message.InstanceKey) ([]Pending, error) {
	return t.scanPending(pendingPrefix(key))
}

func (t *recordTx) ListAllPending() ([]Pending, error) {
	return t.scanPending(PrefixPending)
}

func (t *recordTx) DeletePending(key message.InstanceKey, receipt uuid.UUID) error {
	return t.del(pendingKey(key, receipt))
}

func (t *recordTx) PurgePending(key message.InstanceKey) (int, error) {
	if err := t.mutable(); err != nil {
		return 0, err
	}
	keys := make([][]byte, 0)
	err := t.kv.Scan(pendingPrefix(key), func(k, _ []byte) error {
		keys = append(keys, bytes.Clone(k))
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := t.kv.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

func (t *recordTx) MarkProcessed(receipt uuid.UUID, at time.Time) error {
	if err := t.mutable(); err != nil {
		return err
	}
	return t.kv.Set(processedKey(receipt), codec.NewInt(nanos(at)).Encode(), t.opts.ProcessedTTL)
}

func (t *recordTx) Processed(receipt uuid.UUID) (bool, error) {
	if err := t.readable(); err != nil {
		return false, err
	}
	_, ok, err := t.kv.Get(processedKey(receipt))
	return ok, err
}

func (t *recordTx) PruneProcessed(before time.Time) (int, error) {
	if err := t.mutable(); err != nil {
		return 0, err
	}
	cutoff := nanos(before)
	keys := make([][]byte, 0)
	err := t.kv.Scan(PrefixProcessed, func(k, val []byte) error {
		v, err := codec.Decode(val)
		if err != nil {
			keys = append(keys, bytes.Clone(k))
			return nil
		}
		at, err := v.Int()
		if err != nil || at < cutoff {
			keys = append(keys, bytes.Clone(k))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := t.kv.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

func (t *recordTx) PutLink(l Link) error {
	return t.put(linkKey(l.Child), l, 0)
}

func (t *recordTx) GetLink(child message.InstanceKey) (Link, bool, error) {
	if err := t.readable(); err != nil {
		return Link{}, false, err
	}
	raw, ok, err := t.kv.Get(linkKey(child))
	if err != nil || !ok {
		return Link{}, false, err
	}
	var l Link
	if err := decodeRecord(raw, &l); err != nil {
		return Link{}, false, err
	}
	return l, true, nil
}

func (t *recordTx) DeleteLink(child message.InstanceKey) error {
	return t.del(linkKey(child))
}

func (t *recordTx) PutOutbox(e OutboxEntry) error {
	return t.put(outboxKey(e), e, 0)
}

func (t *recordTx) ListOutbox(limit int) ([]OutboxEntry, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}
	out := make([]OutboxEntry, 0)
	err := t.kv.Scan(PrefixOutbox, func(_, val []byte) error {
		if limit > 0 && len(out) >= limit {
			return errStopScan
		}
		var e OutboxEntry
		if err := decodeRecord(val, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return nil, err
	}
	return out, nil
}

func (t *recordTx) DeleteOutbox(e OutboxEntry) error {
	return t.del(outboxKey(e))
}

func (t *recordTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if !t.writable {
		t.kv.Discard()
		return nil
	}
	return t.kv.Commit()
}

func (t *recordTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.kv.Discard()
	return nil
}
