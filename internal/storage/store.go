package storage

import (
	"errors"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// ErrKeyNotFound is returned by Tx.Get when the key does not exist.
var ErrKeyNotFound = errors.New("key not found")

// Tx is a single read or read-write transaction against a Store.
// All operations performed through a Tx returned by Update are visible to
// each other immediately and are committed atomically when the Update
// callback returns nil; an error aborts the whole batch.
type Tx interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	ForEach(prefix []byte, fn func(key, value []byte) error) error
}

// Store is a transactional key-value store. It supersedes the plain DB
// interface for callers that need several writes to land atomically — the
// block store's CommitBlock is the motivating case: block data, the height
// and tx indexes, undo bytes, and the chain-tip record must all move
// together or a crash mid-write corrupts chain state.
type Store interface {
	View(fn func(Tx) error) error
	Update(fn func(Tx) error) error
	Close() error
}

// BadgerStore implements Store directly over badger's own ACID
// transactions — one real *badger.Txn per View/Update call.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a badger-backed store at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) View(fn func(Tx) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
}

func (s *BadgerStore) Update(fn func(Tx) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

type badgerTx struct {
	txn *badger.Txn
}

func (t *badgerTx) Get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *badgerTx) Put(key, value []byte) error {
	return t.txn.Set(key, value)
}

func (t *badgerTx) Delete(key []byte) error {
	return t.txn.Delete(key)
}

func (t *badgerTx) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error {
			return fn(key, val)
		}); err != nil {
			return err
		}
	}
	return nil
}

// MemoryStore implements Store over an in-process map. Update stages writes
// in a write-set and only merges them into the live map once the callback
// returns nil, so a rolled-back Update leaves the store untouched. View
// reads from a point-in-time snapshot so long-running readers never observe
// a concurrent Update's partial state.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) View(fn func(Tx) error) error {
	s.mu.RLock()
	snap := make(map[string][]byte, len(s.data))
	for k, v := range s.data {
		snap[k] = v
	}
	s.mu.RUnlock()
	return fn(&memoryTx{snapshot: snap, readOnly: true})
}

func (s *MemoryStore) Update(fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		base:    s.data,
		writes:  make(map[string][]byte),
		deletes: make(map[string]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for k := range tx.deletes {
		delete(s.data, k)
	}
	for k, v := range tx.writes {
		s.data[k] = v
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

type memoryTx struct {
	readOnly bool
	snapshot map[string][]byte // populated for View

	base    map[string][]byte // live map, read-through for Update
	writes  map[string][]byte
	deletes map[string]bool
}

func (t *memoryTx) Get(key []byte) ([]byte, error) {
	k := string(key)
	if t.readOnly {
		v, ok := t.snapshot[k]
		if !ok {
			return nil, ErrKeyNotFound
		}
		return v, nil
	}
	if t.deletes[k] {
		return nil, ErrKeyNotFound
	}
	if v, ok := t.writes[k]; ok {
		return v, nil
	}
	if v, ok := t.base[k]; ok {
		return v, nil
	}
	return nil, ErrKeyNotFound
}

func (t *memoryTx) Put(key, value []byte) error {
	if t.readOnly {
		return errors.New("storage: write in read-only transaction")
	}
	k := string(key)
	delete(t.deletes, k)
	v := make([]byte, len(value))
	copy(v, value)
	t.writes[k] = v
	return nil
}

func (t *memoryTx) Delete(key []byte) error {
	if t.readOnly {
		return errors.New("storage: write in read-only transaction")
	}
	k := string(key)
	delete(t.writes, k)
	t.deletes[k] = true
	return nil
}

func (t *memoryTx) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	p := string(prefix)
	if t.readOnly {
		for k, v := range t.snapshot {
			if strings.HasPrefix(k, p) {
				if err := fn([]byte(k), v); err != nil {
					return err
				}
			}
		}
		return nil
	}
	seen := make(map[string]bool, len(t.writes))
	for k, v := range t.writes {
		if strings.HasPrefix(k, p) {
			seen[k] = true
			if err := fn([]byte(k), v); err != nil {
				return err
			}
		}
	}
	for k, v := range t.base {
		if seen[k] || t.deletes[k] || !strings.HasPrefix(k, p) {
			continue
		}
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}
