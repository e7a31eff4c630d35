package store

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

var (
	ErrConflict = errors.New("store: transaction conflict")
	ErrClosed   = errors.New("store: closed")
	ErrTxDone   = errors.New("store: transaction already finished")
	ErrReadOnly = errors.New("store: read-only transaction")
	ErrCorrupt  = errors.New("store: corrupt record")
)

// Store begins units of work.
type Store interface {
	Begin(ctx context.Context, writable bool) (Tx, error)
	Close() error
}

// Tx is one unit of work. Nothing is visible to other transactions until
// Commit returns nil.
type Tx interface {
	GetInstance(key message.InstanceKey) (Instance, bool, error)
	PutInstance(inst Instance) error
	DeleteInstance(key message.InstanceKey) error
	ListInstances() ([]Instance, error)

	// Pending messages and processed markers are keyed by the message's
	// receipt id, not the sender-chosen wire UID.
	PutPending(p Pending) error
	GetPending(key message.InstanceKey, receipt uuid.UUID) (Pending, bool, error)
	ListPending(key message.InstanceKey) ([]Pending, error)
	ListAllPending() ([]Pending, error)
	DeletePending(key message.InstanceKey, receipt uuid.UUID) error
	PurgePending(key message.InstanceKey) (int, error)

	MarkProcessed(receipt uuid.UUID, at time.Time) error
	Processed(receipt uuid.UUID) (bool, error)
	PruneProcessed(before time.Time) (int, error)

	PutLink(l Link) error
	GetLink(child message.InstanceKey) (Link, bool, error)
	DeleteLink(child message.InstanceKey) error

	PutOutbox(e OutboxEntry) error
	ListOutbox(limit int) ([]OutboxEntry, error)
	DeleteOutbox(e OutboxEntry) error

	Commit() error
	Rollback() error
}

// Update runs fn in a writable unit of work and commits when fn succeeds.
func Update(ctx context.Context, s Store, fn func(Tx) error) error {
	tx, err := s.Begin(ctx, true)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return multierr.Append(err, tx.Rollback())
	}
	return tx.Commit()
}

// View runs fn in a read-only unit of work.
func View(ctx context.Context, s Store, fn func(Tx) error) error {
	tx, err := s.Begin(ctx, false)
	if err != nil {
		return err
	}
	return multierr.Append(fn(tx), tx.Rollback())
}
