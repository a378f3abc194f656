// Package badgerstore keeps encrypted history blobs and wrapped user keys in
// an embedded BadgerDB.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/bdobrica/Hanashi/internal/hanashi/store"
)

const (
	blobPrefix = "blob/"
	keyPrefix  = "key/"
)

var errClosed = errors.New("badgerstore: closed")

// Options configures Open.
type Options struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps everything in memory; used by tests.
	InMemory   bool
	SyncWrites bool
}

// Store is a Badger-backed blob and key store.
type Store struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// Open opens the database described by opt.
func Open(opt Options) (*Store, error) {
	if !opt.InMemory && opt.Dir == "" {
		return nil, fmt.Errorf("badgerstore: data directory is required")
	}
	opts := badger.DefaultOptions(opt.Dir).
		WithSyncWrites(opt.SyncWrites).
		WithLoggingLevel(badger.WARNING)
	if opt.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	} else {
		opts = opts.WithCompression(options.ZSTD)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database. Further calls return an error.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) view(fn func(txn *badger.Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	return s.db.View(fn)
}

func (s *Store) update(fn func(txn *badger.Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	return s.db.Update(fn)
}

func (s *Store) get(k string) ([]byte, bool, error) {
	var val []byte
	err := s.view(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(k))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// LoadBlob returns userID's history blob.
func (s *Store) LoadBlob(ctx context.Context, userID string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	b, ok, err := s.get(blobPrefix + userID)
	if err != nil {
		return nil, false, fmt.Errorf("load blob for %s: %w", userID, err)
	}
	return b, ok, nil
}

// SaveBlob replaces userID's history blob in one transaction.
func (s *Store) SaveBlob(ctx context.Context, userID string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.update(func(txn *badger.Txn) error {
		return txn.Set([]byte(blobPrefix+userID), blob)
	})
	if err != nil {
		return fmt.Errorf("save blob for %s: %w", userID, err)
	}
	return nil
}

// LoadWrappedKey returns userID's wrapped data key.
func (s *Store) LoadWrappedKey(ctx context.Context, userID string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	b, ok, err := s.get(keyPrefix + userID)
	if err != nil {
		return nil, false, fmt.Errorf("load key for %s: %w", userID, err)
	}
	return b, ok, nil
}

// SaveWrappedKey stores userID's wrapped data key, or returns
// store.ErrKeyExists if one is already present.
func (s *Store) SaveWrappedKey(ctx context.Context, userID string, wrapped []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := []byte(keyPrefix + userID)
	return s.update(func(txn *badger.Txn) error {
		_, err := txn.Get(k)
		switch {
		case err == nil:
			return store.ErrKeyExists
		case !errors.Is(err, badger.ErrKeyNotFound):
			return fmt.Errorf("check key for %s: %w", userID, err)
		}
		return txn.Set(k, wrapped)
	})
}
