package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/stepwise/internal/store"
	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Path         string
	InMemory     bool
	SyncWrites   bool
	ProcessedTTL time.Duration
	GCInterval   time.Duration
}

func DefaultConfig(path string) Config {
	return Config{
		Path:         path,
		SyncWrites:   true,
		ProcessedTTL: 7 * 24 * time.Hour,
		GCInterval:   10 * time.Minute,
	}
}

// Store is a store.Store backed by a badger database.
type Store struct {
	db     *badger.DB
	opts   store.TxOptions
	closed atomic.Bool

	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
}

func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badgerstore: path required")
	}
	opts := badger.DefaultOptions(cfg.Path).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(badgerLogger{log.With().Str("component", "badger").Logger()})
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open %q: %w", cfg.Path, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		db:       db,
		opts:     store.TxOptions{ProcessedTTL: cfg.ProcessedTTL},
		gcCancel: cancel,
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.startGC(ctx, cfg.GCInterval)
	}
	return s, nil
}

func (s *Store) Begin(ctx context.Context, writable bool) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	return store.NewTx(&kv{txn: s.db.NewTransaction(writable)}, writable, s.opts), nil
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.gcCancel()
	s.gcWg.Wait()
	return s.db.Close()
}

func (s *Store) startGC(ctx context.Context, every time.Duration) {
	s.gcWg.Add(1)
	go func() {
		defer s.gcWg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runGC()
			}
		}
	}()
}

func (s *Store) runGC() {
	for {
		if err := s.db.RunValueLogGC(0.5); err != nil {
			if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
				log.Warn().Err(err).Msg("badgerstore: value log gc")
			}
			return
		}
	}
}

type kv struct {
	txn *badger.Txn
}

func (k *kv) Get(key []byte) ([]byte, bool, error) {
	item, err := k.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, convertError(err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, convertError(err)
	}
	return val, true, nil
}

func (k *kv) Set(key, val []byte, ttl time.Duration) error {
	if ttl > 0 {
		return convertError(k.txn.SetEntry(badger.NewEntry(key, val).WithTTL(ttl)))
	}
	return convertError(k.txn.Set(key, val))
}

func (k *kv) Delete(key []byte) error {
	return convertError(k.txn.Delete(key))
}

func (k *kv) Scan(prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := k.txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return convertError(err)
		}
		if err := fn(item.KeyCopy(nil), val); err != nil {
			return err
		}
	}
	return nil
}

func (k *kv) Commit() error {
	return convertError(k.txn.Commit())
}

func (k *kv) Discard() {
	k.txn.Discard()
}

func convertError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%w: %w", store.ErrConflict, err)
	case errors.Is(err, badger.ErrDBClosed):
		return fmt.Errorf("%w: %w", store.ErrClosed, err)
	default:
		return err
	}
}

type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(format, args...)
}
