package utxo

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// prefixUTXO namespaces every outpoint entry: u/<source(1)><txid(32)><index(4)> -> UTXO JSON.
var prefixUTXO = []byte("u/")

// Store implements Set backed by a storage.DB.
type Store struct {
	db storage.DB
}

// NewStore creates a new UTXO store backed by the given database.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// utxoKey builds a storage key for an outpoint: "u/" + source(1) + id(32) + index(4).
func utxoKey(op types.Outpoint) []byte {
	key := make([]byte, len(prefixUTXO)+1+types.HashSize+4)
	copy(key, prefixUTXO)
	off := len(prefixUTXO)
	key[off] = byte(op.Source)
	copy(key[off+1:], op.ID[:])
	binary.BigEndian.PutUint32(key[off+1+types.HashSize:], op.Index)
	return key
}

// Get retrieves a UTXO by its outpoint.
func (s *Store) Get(outpoint types.Outpoint) (*UTXO, error) {
	data, err := s.db.Get(utxoKey(outpoint))
	if err != nil {
		return nil, fmt.Errorf("utxo get: %w", err)
	}
	var u UTXO
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("utxo unmarshal: %w", err)
	}
	return &u, nil
}

// Put stores a UTXO.
func (s *Store) Put(u *UTXO) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("utxo marshal: %w", err)
	}
	if err := s.db.Put(utxoKey(u.Outpoint), data); err != nil {
		return fmt.Errorf("utxo put: %w", err)
	}
	return nil
}

// Delete removes a UTXO.
func (s *Store) Delete(outpoint types.Outpoint) error {
	if err := s.db.Delete(utxoKey(outpoint)); err != nil {
		return fmt.Errorf("utxo delete: %w", err)
	}
	return nil
}

// Has checks if a UTXO exists for the given outpoint.
func (s *Store) Has(outpoint types.Outpoint) (bool, error) {
	return s.db.Has(utxoKey(outpoint))
}

// ForEach iterates over all UTXOs in the store.
func (s *Store) ForEach(fn func(*UTXO) error) error {
	return s.db.ForEach(prefixUTXO, func(key, value []byte) error {
		var u UTXO
		if err := json.Unmarshal(value, &u); err != nil {
			return fmt.Errorf("utxo unmarshal: %w", err)
		}
		return fn(&u)
	})
}

// ClearAll removes every UTXO. Used during UTXO set recovery after a crash
// during reorg.
func (s *Store) ClearAll() error {
	var keys [][]byte
	if err := s.db.ForEach(prefixUTXO, func(key, _ []byte) error {
		k := make([]byte, len(key))
		copy(k, key)
		keys = append(keys, k)
		return nil
	}); err != nil {
		return fmt.Errorf("scan utxo prefix: %w", err)
	}
	for _, key := range keys {
		if err := s.db.Delete(key); err != nil {
			return fmt.Errorf("delete utxo key: %w", err)
		}
	}
	return nil
}
