package chain

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// UndoData stores the information needed to revert a block's UTXO changes.
type UndoData struct {
	SpentUTXOs       []utxo.UTXO      `json:"spent_utxos"`
	CreatedOutpoints []types.Outpoint `json:"created_outpoints"`
	TxHashes         []types.Hash     `json:"tx_hashes"`
	BlockReward      types.Amount     `json:"block_reward"`
}

// ErrForkDetected indicates a valid block whose parent is known but is not the
// current tip. The caller should decide whether to reorg.
var ErrForkDetected = fmt.Errorf("fork detected")

// ErrReorgTooDeep is returned when a reorg exceeds MaxReorgDepth.
var ErrReorgTooDeep = fmt.Errorf("reorg too deep")

// ErrGenesisReorg is returned when a reorg would replace the genesis block.
var ErrGenesisReorg = fmt.Errorf("reorg would replace genesis block")

// MaxReorgDepth is the maximum number of blocks that can be reverted in a reorg.
const MaxReorgDepth = 1000

// applyBlockWithUndo applies a block to the UTXO set and returns undo data.
func (c *Chain) applyBlockWithUndo(blk *block.Block) (*UndoData, error) {
	undo := &UndoData{}

	for txIdx, transaction := range blk.Transactions {
		txHash := transaction.Hash()
		undo.TxHashes = append(undo.TxHashes, txHash)
		isCoinbase := txIdx == 0

		// Spend inputs — save UTXO before deleting for undo.
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, err := c.utxos.Get(in.PrevOut)
			if err != nil {
				return nil, fmt.Errorf("get utxo for undo %s: %w", in.PrevOut, err)
			}
			undo.SpentUTXOs = append(undo.SpentUTXOs, *u)

			if err := c.utxos.Delete(in.PrevOut); err != nil {
				return nil, fmt.Errorf("spend %s: %w", in.PrevOut, err)
			}
		}

		// Create outputs.
		for i, out := range transaction.Outputs {
			var op types.Outpoint
			if isCoinbase {
				op = types.RewardOutpoint(blk.Hash(), uint32(i))
			} else {
				op = types.TxOutpoint(txHash, uint32(i))
			}
			undo.CreatedOutpoints = append(undo.CreatedOutpoints, op)

			u := &utxo.UTXO{
				Outpoint:    op,
				Value:       out.Value,
				Destination: out.Destination,
				Height:      blk.Header.Height,
				Coinbase:    isCoinbase,
			}
			if err := c.utxos.Put(u); err != nil {
				return nil, fmt.Errorf("create output %s:%d: %w", txHash, i, err)
			}
		}
	}

	return undo, nil
}

// revertBlock undoes a block's UTXO changes using stored undo data.
func (c *Chain) revertBlock(undo *UndoData) error {
	// Delete created outputs (reverse order for safety).
	for i := len(undo.CreatedOutpoints) - 1; i >= 0; i-- {
		if err := c.utxos.Delete(undo.CreatedOutpoints[i]); err != nil {
			return fmt.Errorf("delete created output %s: %w", undo.CreatedOutpoints[i], err)
		}
	}

	// Restore spent UTXOs.
	for i := range undo.SpentUTXOs {
		if err := c.utxos.Put(&undo.SpentUTXOs[i]); err != nil {
			return fmt.Errorf("restore utxo %s: %w", undo.SpentUTXOs[i].Outpoint, err)
		}
	}

	// Remove tx index entries.
	for _, txHash := range undo.TxHashes {
		if err := c.blocks.DeleteTxIndex(txHash); err != nil {
			return fmt.Errorf("delete tx index %s: %w", txHash, err)
		}
	}

	return nil
}

// Reorg switches the chain from the current tip to the new tip.
// It finds the common ancestor, reverts old blocks, and replays new blocks.
// The reorg only proceeds if the new branch carries more cumulative PoW
// trust than the branch it would replace.
func (c *Chain) Reorg(newTipHash types.Hash) error {
	// Collect the new branch (from newTip back to common ancestor).
	newBranch, err := c.collectBranch(newTipHash)
	if err != nil {
		return fmt.Errorf("collect new branch: %w", err)
	}
	if len(newBranch) == 0 {
		return fmt.Errorf("empty new branch")
	}

	// The fork height is one below the first block in the new branch.
	forkHeight := newBranch[0].Header.Height - 1
	oldHeight := c.state.Height

	// Compare cumulative trust. Equal trust keeps the current chain (no
	// flip-flopping between equally-weighted branches).
	newBranchTrust := types.ZeroUint256
	for _, blk := range newBranch {
		newBranchTrust = newBranchTrust.Add(blockTrust(blk.Header))
	}
	oldBranchTrust := types.ZeroUint256
	for h := forkHeight + 1; h <= oldHeight; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load old block for trust comparison at height %d: %w", h, err)
		}
		oldBranchTrust = oldBranchTrust.Add(blockTrust(blk.Header))
	}
	if newBranchTrust.Cmp(oldBranchTrust) <= 0 {
		return nil // New branch doesn't carry more trust — keep current chain.
	}

	log.Chain.Info().
		Uint64("fork_height", forkHeight).
		Uint64("old_height", oldHeight).
		Uint64("new_height", newBranch[len(newBranch)-1].Header.Height).
		Stringer("new_tip", newTipHash).
		Msg("reorg triggered")

	// Write reorg checkpoint so we can recover if the node crashes mid-reorg.
	if err := c.blocks.PutReorgCheckpoint(forkHeight); err != nil {
		return fmt.Errorf("write reorg checkpoint: %w", err)
	}

	// Collect reverted non-coinbase transactions for mempool re-insertion.
	var revertedTxs []*tx.Transaction

	// Revert old blocks from current tip down to fork point.
	for h := oldHeight; h > forkHeight; h-- {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load old block at height %d: %w", h, err)
		}
		bHash := blk.Hash()
		undoBytes, err := c.blocks.GetUndo(bHash)
		if err != nil {
			// Undo data missing — fall back to full UTXO rebuild.
			return c.rebuildReorg(newBranch, forkHeight)
		}
		var undo UndoData
		if err := json.Unmarshal(undoBytes, &undo); err != nil {
			return fmt.Errorf("unmarshal undo for block %s: %w", bHash, err)
		}

		if err := c.revertBlock(&undo); err != nil {
			return fmt.Errorf("revert block %s: %w", bHash, err)
		}

		// Collect non-coinbase transactions for mempool re-insertion.
		if c.revertedTxHandler != nil && len(blk.Transactions) > 1 {
			revertedTxs = append(revertedTxs, blk.Transactions[1:]...)
		}

		newSupply, ok := c.state.Supply.Sub(undo.BlockReward)
		if !ok {
			return fmt.Errorf("supply underflow at height %d: reward %s > supply %s", h, undo.BlockReward, c.state.Supply)
		}
		c.state.Supply = newSupply
		newTrust, ok := subUint256(c.state.ChainTrust, blockTrust(blk.Header))
		if !ok {
			return fmt.Errorf("chain trust underflow at height %d", h)
		}
		c.state.ChainTrust = newTrust

		if err := c.blocks.DeleteUndo(bHash); err != nil {
			return fmt.Errorf("delete undo for block %s: %w", bHash, err)
		}
	}

	// Replay new branch blocks with full validation.
	for _, blk := range newBranch {
		if err := c.checkConsensusRegime(blk); err != nil {
			return fmt.Errorf("replay block at height %d: %w", blk.Header.Height, err)
		}

		// Validate structure + consensus (signatures, merkle, header sig).
		if err := c.validator.ValidateBlock(blk); err != nil {
			return fmt.Errorf("validate replay block at height %d: %w", blk.Header.Height, err)
		}

		// Verify PoW difficulty if applicable.
		if err := c.verifyDifficulty(blk); err != nil {
			return fmt.Errorf("difficulty check replay block at height %d: %w", blk.Header.Height, err)
		}

		// Validate UTXO-dependent rules (input resolution, maturity, fees).
		if err := c.validateBlockState(blk); err != nil {
			return fmt.Errorf("state validation replay block at height %d: %w", blk.Header.Height, err)
		}

		blockReward := c.computeBlockReward(blk)

		undo, err := c.applyBlockWithUndo(blk)
		if err != nil {
			return fmt.Errorf("apply new block at height %d: %w", blk.Header.Height, err)
		}

		// Cap block reward to respect max supply.
		if c.maxSupply > 0 {
			maxSupply := types.NewAmount(c.maxSupply)
			if candidate, ok := c.state.Supply.Add(blockReward); !ok || candidate.Cmp(maxSupply) > 0 {
				if capped, ok := maxSupply.Sub(c.state.Supply); ok {
					blockReward = capped
				} else {
					blockReward = types.ZeroAmount
				}
			}
		}
		undo.BlockReward = blockReward

		undoBytes, err := json.Marshal(undo)
		if err != nil {
			return fmt.Errorf("marshal undo: %w", err)
		}

		newSupply, ok := c.state.Supply.Add(blockReward)
		if !ok {
			return fmt.Errorf("supply overflow at height %d: supply %s + reward %s", blk.Header.Height, c.state.Supply, blockReward)
		}
		newTrust := c.state.ChainTrust.Add(blockTrust(blk.Header))

		// Atomically persist block, indexes, undo, and chain state.
		if err := c.blocks.CommitBlock(blk, undoBytes, newSupply, newTrust); err != nil {
			return fmt.Errorf("commit replay block at height %d: %w", blk.Header.Height, err)
		}

		c.state.Supply = newSupply
		c.state.ChainTrust = newTrust
	}

	// Update in-memory tip state (persistent state already committed
	// atomically by CommitBlock during the replay loop above).
	tip := newBranch[len(newBranch)-1]
	c.state.TipHash = tip.Hash()
	c.state.Height = tip.Header.Height
	c.state.TipTimestamp = tip.Header.Timestamp

	// Reorg complete — remove the crash-recovery checkpoint.
	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("delete reorg checkpoint: %w", err)
	}
	c.notifyNewTip()

	// Return reverted transactions to mempool (excluding any that appear in the new branch).
	if c.revertedTxHandler != nil && len(revertedTxs) > 0 {
		// Build a set of tx hashes in the new branch to filter conflicts.
		newBranchTxs := make(map[types.Hash]bool)
		for _, blk := range newBranch {
			for _, t := range blk.Transactions {
				newBranchTxs[t.Hash()] = true
			}
		}
		var toReturn []*tx.Transaction
		for _, t := range revertedTxs {
			if !newBranchTxs[t.Hash()] {
				toReturn = append(toReturn, t)
			}
		}
		if len(toReturn) > 0 {
			c.revertedTxHandler(toReturn)
		}
	}

	return nil
}

// subUint256 subtracts b from a, reporting false on underflow.
func subUint256(a, b types.Uint256) (types.Uint256, bool) {
	if a.Cmp(b) < 0 {
		return types.ZeroUint256, false
	}
	diff := new(big.Int).Sub(a.Big(), b.Big())
	return types.Uint256FromBig(diff), true
}

// collectBranch collects blocks from the given hash back to the fork point
// (common ancestor with the current main chain).
// Returns blocks in ascending height order (fork+1 ... newTip).
func (c *Chain) collectBranch(tipHash types.Hash) ([]*block.Block, error) {
	var branch []*block.Block
	hash := tipHash

	for {
		blk, err := c.blocks.GetBlock(hash)
		if err != nil {
			return nil, fmt.Errorf("load block %s: %w", hash, err)
		}
		branch = append(branch, blk)

		if len(branch) > MaxReorgDepth {
			return nil, fmt.Errorf("%w: branch exceeds %d blocks", ErrReorgTooDeep, MaxReorgDepth)
		}

		// If this block's parent is on the main chain at (height-1), we found the fork.
		if blk.Header.Height == 0 {
			// Reject reorgs that would replace the genesis block.
			if !c.genesisHash.IsZero() && blk.Hash() != c.genesisHash {
				return nil, ErrGenesisReorg
			}
			break
		}
		parentHeight := blk.Header.Height - 1
		mainBlock, err := c.blocks.GetBlockByHeight(parentHeight)
		if err == nil && mainBlock.Hash() == blk.Header.PrevHash {
			break // Common ancestor found.
		}
		hash = blk.Header.PrevHash
	}

	// Reverse to ascending order.
	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}

	return branch, nil
}

// rebuildReorg handles a reorg when undo data is missing for old-branch blocks.
// Instead of reverting individual blocks, it indexes the new branch by height,
// clears the entire UTXO set, and replays all blocks from genesis through the
// new tip. This is slower than undo-based reorg but always correct.
func (c *Chain) rebuildReorg(newBranch []*block.Block, forkHeight uint64) error {
	store, ok := c.utxos.(*utxo.Store)
	if !ok {
		return fmt.Errorf("rebuild reorg: UTXO set does not support ClearAll (not *utxo.Store)")
	}

	newTip := newBranch[len(newBranch)-1]
	newTipHash := newTip.Hash()

	// Index new branch blocks by height (overwrites old-branch height entries).
	for _, blk := range newBranch {
		if err := c.blocks.PutBlock(blk); err != nil {
			return fmt.Errorf("rebuild reorg: index block at height %d: %w", blk.Header.Height, err)
		}
	}

	// Clear the entire UTXO set.
	if err := store.ClearAll(); err != nil {
		return fmt.Errorf("rebuild reorg: clear UTXOs: %w", err)
	}

	// Replay all blocks from genesis through the new tip, building UTXOs
	// and storing undo data for future reorgs.
	supply := types.ZeroAmount
	trust := types.ZeroUint256
	for h := uint64(0); h <= newTip.Header.Height; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("rebuild reorg: load block at height %d: %w", h, err)
		}

		// Validate new-branch blocks (same checks as normal Reorg replay).
		if h > forkHeight {
			if err := c.checkConsensusRegime(blk); err != nil {
				return fmt.Errorf("rebuild reorg: %w", err)
			}
			if err := c.validator.ValidateBlock(blk); err != nil {
				return fmt.Errorf("rebuild reorg: validate block at height %d: %w", h, err)
			}
			if err := c.verifyDifficulty(blk); err != nil {
				return fmt.Errorf("rebuild reorg: difficulty check at height %d: %w", h, err)
			}
			if err := c.validateBlockState(blk); err != nil {
				return fmt.Errorf("rebuild reorg: state validation at height %d: %w", h, err)
			}
		}

		blockReward := c.computeBlockReward(blk)

		undo, err := c.applyBlockWithUndo(blk)
		if err != nil {
			return fmt.Errorf("rebuild reorg: apply block at height %d: %w", h, err)
		}

		if c.maxSupply > 0 {
			maxSupply := types.NewAmount(c.maxSupply)
			if candidate, ok := supply.Add(blockReward); !ok || candidate.Cmp(maxSupply) > 0 {
				if capped, ok := maxSupply.Sub(supply); ok {
					blockReward = capped
				} else {
					blockReward = types.ZeroAmount
				}
			}
		}
		undo.BlockReward = blockReward

		undoBytes, err := json.Marshal(undo)
		if err != nil {
			return fmt.Errorf("rebuild reorg: marshal undo at height %d: %w", h, err)
		}
		if err := c.blocks.PutUndo(blk.Hash(), undoBytes); err != nil {
			return fmt.Errorf("rebuild reorg: store undo at height %d: %w", h, err)
		}

		if newSupply, ok := supply.Add(blockReward); ok {
			supply = newSupply
		}
		trust = trust.Add(blockTrust(blk.Header))
	}

	// Update chain state.
	c.state.TipHash = newTipHash
	c.state.Height = newTip.Header.Height
	c.state.TipTimestamp = newTip.Header.Timestamp
	c.state.Supply = supply
	c.state.ChainTrust = trust

	if err := c.blocks.SetTip(newTipHash, newTip.Header.Height, supply); err != nil {
		return fmt.Errorf("rebuild reorg: set tip: %w", err)
	}
	if err := c.blocks.SetChainTrust(trust); err != nil {
		return fmt.Errorf("rebuild reorg: set chain trust: %w", err)
	}

	// Reorg complete — remove the crash-recovery checkpoint.
	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("rebuild reorg: delete checkpoint: %w", err)
	}
	c.notifyNewTip()

	return nil
}
