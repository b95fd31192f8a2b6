// Package chain implements the blockchain state machine.
package chain

import (
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// RevertedTxHandler is called after a reorg with transactions from reverted
// blocks that are not present in the new branch (for mempool re-insertion).
type RevertedTxHandler func(txs []*tx.Transaction)

// Chain represents a blockchain instance with state, storage, and consensus.
type Chain struct {
	mu        sync.Mutex // Protects all state mutations (ProcessBlock, Reorg).
	ID        types.ChainID
	state     *State
	blocks    *BlockStore
	utxos     utxo.Set
	engine    consensus.Engine
	validator *consensus.Validator
	schedule  *Schedule
	orphans   *orphanPool

	maxSupply   uint64     // Max coin supply (0 = unlimited).
	blockReward uint64     // Base block subsidy in base units.
	genesisHash types.Hash // Hash of the genesis block (immutable).

	revertedTxHandler RevertedTxHandler
	subscribers       map[string]chan NewTipEvent
}

// New creates a new chain with the given components.
func New(id types.ChainID, store storage.Store, utxoSet utxo.Set, engine consensus.Engine, schedule *Schedule) (*Chain, error) {
	if store == nil {
		return nil, fmt.Errorf("storage store is nil")
	}
	if utxoSet == nil {
		return nil, fmt.Errorf("utxo set is nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("consensus engine is nil")
	}
	if schedule == nil {
		return nil, fmt.Errorf("net-upgrade schedule is nil")
	}

	blocks := NewBlockStore(store)

	// Recover state from the block store.
	tipHash, height, supply, err := blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("recover tip: %w", err)
	}

	trust := blocks.GetChainTrust()

	var tipTimestamp uint64
	if !tipHash.IsZero() {
		if tipBlk, err := blocks.GetBlock(tipHash); err == nil {
			tipTimestamp = tipBlk.Header.Timestamp
		}
	}

	// Recover genesis hash for reorg protection.
	var genesisHash types.Hash
	genBlk, err := blocks.GetBlockByHeight(0)
	if err == nil {
		genesisHash = genBlk.Hash()
	}

	ch := &Chain{
		ID:          id,
		state:       &State{TipHash: tipHash, Height: height, Supply: supply, ChainTrust: trust, TipTimestamp: tipTimestamp},
		blocks:      blocks,
		utxos:       utxoSet,
		engine:      engine,
		validator:   consensus.NewValidator(engine),
		schedule:    schedule,
		orphans:     newOrphanPool(DefaultMaxOrphans),
		genesisHash: genesisHash,
		subscribers: make(map[string]chan NewTipEvent),
	}

	// Check for incomplete reorg — if the node crashed mid-reorg, the UTXO
	// set may be inconsistent. Rebuild from blocks.
	if _, found := blocks.GetReorgCheckpoint(); found {
		if err := ch.RebuildUTXOs(); err != nil {
			return nil, fmt.Errorf("recover from interrupted reorg: %w", err)
		}
	}

	return ch, nil
}

// InitFromGenesis initializes a fresh chain from genesis configuration.
// Returns an error if the chain already has blocks.
func (c *Chain) InitFromGenesis(gen *config.Genesis) error {
	if !c.state.IsGenesis() {
		return fmt.Errorf("chain already initialized at height %d", c.state.Height)
	}

	blk, err := CreateGenesisBlock(gen, c.schedule.RegimeAt(0))
	if err != nil {
		return fmt.Errorf("create genesis: %w", err)
	}

	// Genesis block bypasses consensus validation (no prior chain to check
	// difficulty against). Apply directly: store block, apply UTXOs, set tip.
	if err := c.applyBlock(blk); err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}

	if err := c.blocks.PutBlock(blk); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}

	// Compute initial supply from genesis allocations.
	supply := types.ZeroAmount
	for _, v := range gen.Alloc {
		supply, _ = supply.Add(types.NewAmount(v))
	}

	hash := blk.Hash()
	c.state.TipHash = hash
	c.state.Height = 0
	c.state.Supply = supply
	c.state.TipTimestamp = blk.Header.Timestamp
	c.state.ChainTrust = blockTrust(blk.Header)
	c.genesisHash = hash

	// Store protocol limits from genesis.
	c.maxSupply = gen.Protocol.Consensus.MaxSupply
	c.blockReward = gen.Protocol.Consensus.BlockReward

	if err := c.blocks.SetTip(hash, 0, supply); err != nil {
		return fmt.Errorf("set genesis tip: %w", err)
	}
	if err := c.blocks.SetChainTrust(c.state.ChainTrust); err != nil {
		return fmt.Errorf("set genesis chain trust: %w", err)
	}

	c.notifyNewTip()
	return nil
}

// SetConsensusRules configures consensus economic limits for runtime validation.
// Call this on startup for both fresh and resumed chains.
func (c *Chain) SetConsensusRules(r config.ConsensusRules) {
	c.maxSupply = r.MaxSupply
	c.blockReward = r.BlockReward
}

// State returns a copy of the current chain state.
func (c *Chain) State() State {
	return *c.state
}

// GetBlock retrieves a block by its hash.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.blocks.GetBlock(hash)
}

// GetBlockByHeight retrieves a block by its height.
func (c *Chain) GetBlockByHeight(height uint64) (*block.Block, error) {
	return c.blocks.GetBlockByHeight(height)
}

// Height returns the current chain height.
func (c *Chain) Height() uint64 {
	return c.state.Height
}

// TipHash returns the hash of the current chain tip.
func (c *Chain) TipHash() types.Hash {
	return c.state.TipHash
}

// Supply returns the total coins in circulation.
func (c *Chain) Supply() types.Amount {
	return c.state.Supply
}

// SetRevertedTxHandler sets the callback for transactions reverted during a reorg.
// These transactions should be re-added to the mempool if they are still valid.
func (c *Chain) SetRevertedTxHandler(fn RevertedTxHandler) {
	c.revertedTxHandler = fn
}

// getBlockTimestamp returns the timestamp of a block at the given height.
// Used for PoW difficulty verification.
func (c *Chain) getBlockTimestamp(height uint64) (uint64, error) {
	blk, err := c.blocks.GetBlockByHeight(height)
	if err != nil {
		return 0, err
	}
	return blk.Header.Timestamp, nil
}

// checkConsensusRegime verifies that a block's consensus tag matches the
// regime the net-upgrade schedule has in force at its height — the engine
// only knows how to check the proof a tag claims to carry, not whether
// that tag was actually allowed at this height.
func (c *Chain) checkConsensusRegime(blk *block.Block) error {
	regime := c.schedule.RegimeAt(blk.Header.Height)
	var want types.ConsensusDataTag
	switch regime.Kind {
	case RegimeIgnoreConsensus:
		want = types.ConsensusIgnore
	case RegimePoW:
		want = types.ConsensusPoW
	default:
		return fmt.Errorf("unknown regime kind %d at height %d", regime.Kind, blk.Header.Height)
	}
	if blk.Header.Consensus.Tag != want {
		return fmt.Errorf("%w: height %d expects %s, got %s",
			ErrConsensusTypeMismatch, blk.Header.Height, want, blk.Header.Consensus.Tag)
	}
	return nil
}

// verifyDifficulty checks that a PoW block's stated difficulty matches
// the expected value computed from chain history. No-op outside the PoW
// regime for this height.
func (c *Chain) verifyDifficulty(blk *block.Block) error {
	if c.schedule.RegimeAt(blk.Header.Height).Kind != RegimePoW {
		return nil
	}
	pow, ok := c.engine.(*consensus.PoW)
	if !ok {
		return nil
	}

	var prevDifficulty uint64
	if blk.Header.Height > 1 {
		prevBlk, err := c.blocks.GetBlockByHeight(blk.Header.Height - 1)
		if err != nil {
			return fmt.Errorf("get prev block for difficulty: %w", err)
		}
		if prevBlk.Header.Consensus.Tag == types.ConsensusPoW {
			prevDifficulty = difficultyFromBits(prevBlk.Header.Consensus.Bits)
		}
	}

	return pow.VerifyDifficulty(blk.Header, prevDifficulty, c.getBlockTimestamp)
}

// RebuildUTXOs clears the UTXO set and replays all blocks from genesis to the
// current tip, reconstructing the UTXO state. Used to recover from a crash
// during reorg where the UTXO set may be inconsistent.
func (c *Chain) RebuildUTXOs() error {
	store, ok := c.utxos.(*utxo.Store)
	if !ok {
		return fmt.Errorf("UTXO set does not support ClearAll (not *utxo.Store)")
	}

	if err := store.ClearAll(); err != nil {
		return fmt.Errorf("clear utxo set: %w", err)
	}

	// Replay all blocks from genesis to current tip.
	supply := types.ZeroAmount
	trust := types.ZeroUint256
	for h := uint64(0); h <= c.state.Height; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load block at height %d: %w", h, err)
		}

		if err := c.applyBlock(blk); err != nil {
			return fmt.Errorf("replay block at height %d: %w", h, err)
		}

		if reward, ok := supply.Add(c.computeBlockReward(blk)); ok {
			supply = reward
		}
		trust = trust.Add(blockTrust(blk.Header))
	}

	c.state.Supply = supply
	c.state.ChainTrust = trust

	// Persist recovered state.
	if err := c.blocks.SetTip(c.state.TipHash, c.state.Height, supply); err != nil {
		return fmt.Errorf("set tip after rebuild: %w", err)
	}
	if err := c.blocks.SetChainTrust(trust); err != nil {
		return fmt.Errorf("set chain trust after rebuild: %w", err)
	}

	// Clear the checkpoint — recovery complete.
	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("delete reorg checkpoint: %w", err)
	}

	return nil
}

// difficultyFromBits derives a whole-number difficulty estimate from a
// compact target, used only to feed PoW.VerifyDifficulty's retargeting math.
func difficultyFromBits(bits uint32) uint64 {
	target := consensus.Compact(bits).ToTarget()
	if target.Cmp(types.ZeroUint256) == 0 {
		return 0
	}
	return workFromBits(bits).Big().Uint64()
}

// GetTransaction looks up a confirmed transaction by hash via the tx index.
func (c *Chain) GetTransaction(hash types.Hash) (*tx.Transaction, error) {
	_, blockHash, err := c.blocks.GetTxLocation(hash)
	if err != nil {
		return nil, err
	}
	blk, err := c.blocks.GetBlock(blockHash)
	if err != nil {
		return nil, fmt.Errorf("load block for tx: %w", err)
	}
	for _, t := range blk.Transactions {
		if t.Hash() == hash {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tx %s not found in block %s (index corrupt)", hash, blockHash)
}
