package chain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Key prefixes and state keys for the block store.
var (
	prefixBlock  = []byte("b/") // b/<hash(32)> -> block JSON
	prefixHeight = []byte("h/") // h/<height(8)> -> hash(32)
	prefixTx     = []byte("x/") // x/<txhash(32)> -> height(8) + blockHash(32)
	prefixUndo   = []byte("d/") // d/<hash(32)> -> undo data JSON

	keyTipHash         = []byte("s/tip")
	keyHeight          = []byte("s/height")
	keySupply          = []byte("s/supply")
	keyChainTrust      = []byte("s/trust")
	keyReorgCheckpoint = []byte("s/reorg")
)

// BlockStore persists blocks and chain metadata to a storage.Store.
type BlockStore struct {
	store storage.Store
}

// NewBlockStore creates a block store backed by the given transactional store.
func NewBlockStore(store storage.Store) *BlockStore {
	return &BlockStore{store: store}
}

// StoreBlock stores a block by its hash only, without updating height or tx
// indexes. Use this for blocks that are not (yet) on the active chain.
func (bs *BlockStore) StoreBlock(blk *block.Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	hash := blk.Hash()
	return bs.store.Update(func(tx storage.Tx) error {
		return tx.Put(blockKey(hash), data)
	})
}

// PutBlock stores a block and indexes it by hash, height, and tx hashes.
func (bs *BlockStore) PutBlock(blk *block.Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	hash := blk.Hash()
	return bs.store.Update(func(tx storage.Tx) error {
		return putBlockIndexes(tx, blk, hash, data)
	})
}

// putBlockIndexes writes a block and its height/tx-hash indexes within an
// already-open transaction.
func putBlockIndexes(tx storage.Tx, blk *block.Block, hash types.Hash, data []byte) error {
	if err := tx.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	if err := tx.Put(heightKey(blk.Header.Height), hash[:]); err != nil {
		return fmt.Errorf("height index put: %w", err)
	}
	for _, t := range blk.Transactions {
		txHash := t.Hash()
		val := make([]byte, 8+types.HashSize)
		binary.BigEndian.PutUint64(val[:8], blk.Header.Height)
		copy(val[8:], hash[:])
		if err := tx.Put(txKey(txHash), val); err != nil {
			return fmt.Errorf("tx index put %s: %w", txHash, err)
		}
	}
	return nil
}

// GetBlock retrieves a block by its hash.
func (bs *BlockStore) GetBlock(hash types.Hash) (*block.Block, error) {
	var blk block.Block
	err := bs.store.View(func(tx storage.Tx) error {
		data, err := tx.Get(blockKey(hash))
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &blk)
	})
	if err != nil {
		return nil, fmt.Errorf("block get: %w", err)
	}
	return &blk, nil
}

// GetBlockByHeight retrieves a block by its height.
func (bs *BlockStore) GetBlockByHeight(height uint64) (*block.Block, error) {
	var hash types.Hash
	err := bs.store.View(func(tx storage.Tx) error {
		hashBytes, err := tx.Get(heightKey(height))
		if err != nil {
			return err
		}
		if len(hashBytes) != types.HashSize {
			return fmt.Errorf("corrupt height index: got %d bytes, want %d", len(hashBytes), types.HashSize)
		}
		copy(hash[:], hashBytes)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("height index get: %w", err)
	}
	return bs.GetBlock(hash)
}

// HasBlock checks if a block exists by hash.
func (bs *BlockStore) HasBlock(hash types.Hash) (bool, error) {
	var exists bool
	err := bs.store.View(func(tx storage.Tx) error {
		_, err := tx.Get(blockKey(hash))
		if err == nil {
			exists = true
			return nil
		}
		if err == storage.ErrKeyNotFound {
			return nil
		}
		return err
	})
	return exists, err
}

// SetTip stores the current chain tip hash, height, and supply.
func (bs *BlockStore) SetTip(hash types.Hash, height uint64, supply types.Amount) error {
	return bs.store.Update(func(tx storage.Tx) error {
		return putTip(tx, hash, height, supply)
	})
}

func putTip(tx storage.Tx, hash types.Hash, height uint64, supply types.Amount) error {
	if err := tx.Put(keyTipHash, hash[:]); err != nil {
		return fmt.Errorf("set tip hash: %w", err)
	}
	var heightBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], height)
	if err := tx.Put(keyHeight, heightBuf[:]); err != nil {
		return fmt.Errorf("set tip height: %w", err)
	}
	if err := tx.Put(keySupply, encodeAmount(supply)); err != nil {
		return fmt.Errorf("set supply: %w", err)
	}
	return nil
}

// GetTip returns the current chain tip hash, height, and supply.
// Returns zero values if no tip is set (fresh chain).
func (bs *BlockStore) GetTip() (types.Hash, uint64, types.Amount, error) {
	var hash types.Hash
	var height uint64
	var supply types.Amount

	err := bs.store.View(func(tx storage.Tx) error {
		hashBytes, err := tx.Get(keyTipHash)
		if err != nil {
			return nil // No tip yet.
		}
		if len(hashBytes) != types.HashSize {
			return fmt.Errorf("corrupt tip hash: got %d bytes", len(hashBytes))
		}
		copy(hash[:], hashBytes)

		heightBytes, err := tx.Get(keyHeight)
		if err != nil {
			return fmt.Errorf("tip height missing: %w", err)
		}
		if len(heightBytes) != 8 {
			return fmt.Errorf("corrupt tip height: got %d bytes", len(heightBytes))
		}
		height = binary.BigEndian.Uint64(heightBytes)

		if supplyBytes, err := tx.Get(keySupply); err == nil {
			supply = decodeAmount(supplyBytes)
		}
		return nil
	})
	if err != nil {
		return types.Hash{}, 0, types.ZeroAmount, err
	}
	return hash, height, supply, nil
}

// GetTxLocation returns the block height and hash that contain the given transaction.
func (bs *BlockStore) GetTxLocation(txHash types.Hash) (uint64, types.Hash, error) {
	var height uint64
	var blockHash types.Hash
	err := bs.store.View(func(tx storage.Tx) error {
		data, err := tx.Get(txKey(txHash))
		if err != nil {
			return err
		}
		if len(data) != 8+types.HashSize {
			return fmt.Errorf("corrupt tx index: got %d bytes, want %d", len(data), 8+types.HashSize)
		}
		height = binary.BigEndian.Uint64(data[:8])
		copy(blockHash[:], data[8:])
		return nil
	})
	if err != nil {
		return 0, types.Hash{}, fmt.Errorf("tx index get: %w", err)
	}
	return height, blockHash, nil
}

// DeleteTxIndex removes the transaction index entry for the given hash.
func (bs *BlockStore) DeleteTxIndex(txHash types.Hash) error {
	return bs.store.Update(func(tx storage.Tx) error {
		return tx.Delete(txKey(txHash))
	})
}

func blockKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixBlock)+types.HashSize)
	copy(key, prefixBlock)
	copy(key[len(prefixBlock):], hash[:])
	return key
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], height)
	return key
}

func txKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixTx)+types.HashSize)
	copy(key, prefixTx)
	copy(key[len(prefixTx):], hash[:])
	return key
}

func undoKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixUndo)+types.HashSize)
	copy(key, prefixUndo)
	copy(key[len(prefixUndo):], hash[:])
	return key
}

func encodeAmount(a types.Amount) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], a.Hi)
	binary.BigEndian.PutUint64(buf[8:], a.Lo)
	return buf
}

func decodeAmount(b []byte) types.Amount {
	if len(b) != 16 {
		return types.ZeroAmount
	}
	return types.Amount{Hi: binary.BigEndian.Uint64(b[:8]), Lo: binary.BigEndian.Uint64(b[8:])}
}

// PutUndo stores undo data for a block (used for reorgs).
func (bs *BlockStore) PutUndo(hash types.Hash, data []byte) error {
	return bs.store.Update(func(tx storage.Tx) error {
		return tx.Put(undoKey(hash), data)
	})
}

// GetUndo retrieves undo data for a block.
func (bs *BlockStore) GetUndo(hash types.Hash) ([]byte, error) {
	var data []byte
	err := bs.store.View(func(tx storage.Tx) error {
		var err error
		data, err = tx.Get(undoKey(hash))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get undo: %w", err)
	}
	return data, nil
}

// DeleteUndo removes undo data for a block.
func (bs *BlockStore) DeleteUndo(hash types.Hash) error {
	return bs.store.Update(func(tx storage.Tx) error {
		return tx.Delete(undoKey(hash))
	})
}

// SetChainTrust persists the cumulative chain trust.
func (bs *BlockStore) SetChainTrust(trust types.Uint256) error {
	return bs.store.Update(func(tx storage.Tx) error {
		return tx.Put(keyChainTrust, trust[:])
	})
}

// GetChainTrust retrieves the cumulative chain trust (zero if unset).
func (bs *BlockStore) GetChainTrust() types.Uint256 {
	var trust types.Uint256
	bs.store.View(func(tx storage.Tx) error {
		data, err := tx.Get(keyChainTrust)
		if err != nil || len(data) != types.Uint256Size {
			return nil
		}
		copy(trust[:], data)
		return nil
	})
	return trust
}

// PutReorgCheckpoint writes a marker indicating a reorg is in progress.
// If the node crashes during reorg, this marker triggers UTXO recovery on restart.
func (bs *BlockStore) PutReorgCheckpoint(forkHeight uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], forkHeight)
	return bs.store.Update(func(tx storage.Tx) error {
		return tx.Put(keyReorgCheckpoint, buf[:])
	})
}

// GetReorgCheckpoint returns the fork height and true if a reorg checkpoint exists.
func (bs *BlockStore) GetReorgCheckpoint() (uint64, bool) {
	var height uint64
	var found bool
	bs.store.View(func(tx storage.Tx) error {
		data, err := tx.Get(keyReorgCheckpoint)
		if err != nil || len(data) != 8 {
			return nil
		}
		height = binary.BigEndian.Uint64(data)
		found = true
		return nil
	})
	return height, found
}

// DeleteReorgCheckpoint removes the reorg-in-progress marker.
func (bs *BlockStore) DeleteReorgCheckpoint() error {
	return bs.store.Update(func(tx storage.Tx) error {
		return tx.Delete(keyReorgCheckpoint)
	})
}

// CommitBlock atomically persists a block (with its height/tx indexes),
// its undo data, and the new chain-tip/trust record in a single storage
// transaction. Used during reorg replay so a crash mid-replay never leaves
// the block index and the tip record disagreeing about the active chain.
func (bs *BlockStore) CommitBlock(blk *block.Block, undoBytes []byte, newSupply types.Amount, newTrust types.Uint256) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	hash := blk.Hash()

	return bs.store.Update(func(tx storage.Tx) error {
		if err := putBlockIndexes(tx, blk, hash, data); err != nil {
			return err
		}
		if err := tx.Put(undoKey(hash), undoBytes); err != nil {
			return fmt.Errorf("put undo: %w", err)
		}
		if err := putTip(tx, hash, blk.Header.Height, newSupply); err != nil {
			return err
		}
		return tx.Put(keyChainTrust, newTrust[:])
	})
}
