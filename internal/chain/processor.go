package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"math/big"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Block processing errors.
var (
	ErrBlockKnown             = errors.New("block already known")
	ErrPrevNotFound           = errors.New("previous block not found")
	ErrBadHeight              = errors.New("block height does not follow parent")
	ErrBadPrevHash            = errors.New("prev_hash does not match current tip")
	ErrApplyUTXO              = errors.New("failed to apply UTXO changes")
	ErrCoinbaseNotMature      = errors.New("coinbase output not mature")
	ErrTimestampTooFuture     = errors.New("block timestamp too far in the future")
	ErrTimestampBeforeParent  = errors.New("block timestamp before parent")
	ErrBadCoinbaseTx          = errors.New("invalid coinbase transaction")
	ErrCoinbaseRewardExceeded = errors.New("coinbase reward exceeds consensus limit")
	ErrInvalidBlockSource     = errors.New("genesis block must be submitted from a local source")
	ErrLocalOrphan            = errors.New("block's parent is not yet known; held in orphan pool")
	ErrConsensusTypeMismatch  = errors.New("block consensus tag does not match the regime scheduled for this height")
)

// BlockSource identifies where a submitted block came from. Genesis
// admission is gated on it: only a Local submission may establish genesis,
// closing off a forged-genesis vector from the network.
type BlockSource uint8

const (
	SourceLocal BlockSource = iota
	SourcePeer
)

// ProcessBlock validates a block and applies it to the chain.
// It checks structural validity, consensus rules, UTXO state, then
// updates the UTXO set, block store, and chain tip.
// If the block extends a fork that carries more cumulative chain trust than
// the current chain, a reorg is triggered automatically. If the block's parent hasn't been seen
// yet, it is held in the orphan pool and ErrLocalOrphan is returned — not
// a failure, a signal that the block is pending its parent's arrival. On
// a successful commit, any orphans waiting on this block are drained and
// submitted in turn.
func (c *Chain) ProcessBlock(blk *block.Block, source BlockSource) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	accepted, err := c.processOne(blk, source)
	if err != nil {
		return err
	}

	// Drain orphans waiting on the block(s) just accepted, breadth-first,
	// without recursing back into ProcessBlock (the mutex is already held).
	queue := []types.Hash{accepted}
	for len(queue) > 0 {
		parentID := queue[0]
		queue = queue[1:]

		for _, child := range c.orphans.childrenOf(parentID) {
			childID := child.Hash()
			c.orphans.remove(childID)
			if childAccepted, err := c.processOne(child, SourcePeer); err == nil {
				queue = append(queue, childAccepted)
			}
		}
	}
	return nil
}

// processOne runs the full admission pipeline for a single block, assuming
// c.mu is already held. On success it returns the block's id so the caller
// can drain any orphans waiting on it.
func (c *Chain) processOne(blk *block.Block, source BlockSource) (types.Hash, error) {
	if blk == nil || blk.Header == nil {
		return types.Hash{}, fmt.Errorf("nil block or header")
	}

	hash := blk.Hash()

	if blk.Header.Height == 0 && source != SourceLocal {
		return types.Hash{}, ErrInvalidBlockSource
	}

	// Reject duplicates.
	known, err := c.blocks.HasBlock(hash)
	if err != nil {
		return types.Hash{}, fmt.Errorf("check block: %w", err)
	}
	if known {
		return types.Hash{}, ErrBlockKnown
	}

	// Check parent linkage first — we need the correct height before
	// verifying difficulty and running consensus validation.
	parentErr := c.checkParentLink(blk)
	if errors.Is(parentErr, ErrPrevNotFound) {
		c.orphans.add(blk)
		return types.Hash{}, ErrLocalOrphan
	}
	if parentErr != nil && !errors.Is(parentErr, ErrForkDetected) {
		return types.Hash{}, parentErr
	}

	// The net-upgrade schedule, not the engine, decides which consensus tag
	// a block at this height is allowed to carry. Check this before any
	// engine-specific verification, which assumes the tag is already the
	// one the schedule expects.
	if err := c.checkConsensusRegime(blk); err != nil {
		return types.Hash{}, err
	}

	// Verify PoW difficulty matches expected (from chain history).
	// Only on fast path — fork blocks are verified during reorg replay.
	if !errors.Is(parentErr, ErrForkDetected) {
		if err := c.verifyDifficulty(blk); err != nil {
			return types.Hash{}, err
		}
	}

	// Structural + consensus validation (VerifyHeader checks hash vs header.Consensus).
	if err := c.validator.ValidateBlock(blk); err != nil {
		return types.Hash{}, fmt.Errorf("validate: %w", err)
	}

	// Block timestamp bounds: reject blocks too far in the future.
	maxTime := uint64(time.Now().Add(2 * time.Minute).Unix())
	if blk.Header.Timestamp > maxTime {
		return types.Hash{}, fmt.Errorf("%w: block timestamp %d exceeds max %d", ErrTimestampTooFuture, blk.Header.Timestamp, maxTime)
	}

	// Block timestamp must not be before its parent (monotonic).
	if blk.Header.Height > 0 {
		parentBlk, err := c.blocks.GetBlock(blk.Header.PrevHash)
		if err == nil && blk.Header.Timestamp < parentBlk.Header.Timestamp {
			return types.Hash{}, fmt.Errorf("%w: block timestamp %d < parent timestamp %d",
				ErrTimestampBeforeParent, blk.Header.Timestamp, parentBlk.Header.Timestamp)
		}
	}

	// Fork detected: store the block and decide whether to reorg.
	if errors.Is(parentErr, ErrForkDetected) {
		// Store block data only (no height/tx indexes yet).
		if err := c.blocks.StoreBlock(blk); err != nil {
			return types.Hash{}, fmt.Errorf("store fork block: %w", err)
		}

		// Decide whether to attempt reorg. Reorg itself compares cumulative
		// chain trust to decide — difficulty variations mean even a
		// same-height or shorter fork can outweigh the current tip.
		log.Chain.Debug().Stringer("block", hash).Uint64("height", blk.Header.Height).Msg("fork block stored")
		if err := c.Reorg(hash); err != nil {
			return types.Hash{}, fmt.Errorf("reorg: %w", err)
		}
		// Whether or not the reorg flipped the tip, the block itself is now
		// known and stored — orphans waiting on it can be drained either way.
		return hash, nil
	}

	// Fast path: block extends current tip.

	// Validate UTXO-dependent rules (input resolution, maturity, fees).
	if err := c.validateBlockState(blk); err != nil {
		return types.Hash{}, err
	}

	// Compute block reward (new coins) before applying, while inputs are
	// still in the UTXO set. reward = coinbase_value - total_fees.
	blockReward := c.computeBlockReward(blk)

	// Apply UTXO changes and collect undo data.
	undo, err := c.applyBlockWithUndo(blk)
	if err != nil {
		return types.Hash{}, fmt.Errorf("%w: %v", ErrApplyUTXO, err)
	}
	undo.BlockReward = blockReward

	undoBytes, err := json.Marshal(undo)
	if err != nil {
		return types.Hash{}, fmt.Errorf("marshal undo: %w", err)
	}

	// Cap block reward to respect max supply.
	maxSupply := types.NewAmount(c.maxSupply)
	if c.maxSupply > 0 {
		if newSupply, ok := c.state.Supply.Add(blockReward); !ok || newSupply.Cmp(maxSupply) > 0 {
			if capped, ok := maxSupply.Sub(c.state.Supply); ok {
				blockReward = capped
			} else {
				blockReward = types.ZeroAmount
			}
		}
	}

	// Track newly minted coins (block reward only; fees are recycled).
	if newSupply, ok := c.state.Supply.Add(blockReward); ok {
		c.state.Supply = newSupply
	}
	c.state.ChainTrust = c.state.ChainTrust.Add(blockTrust(blk.Header))

	// Update chain tip.
	c.state.TipHash = hash
	c.state.Height = blk.Header.Height
	c.state.TipTimestamp = blk.Header.Timestamp

	// Block data, undo data, tip, and chain trust commit in one storage
	// transaction so a crash mid-commit never leaves the block indexed
	// without the tip advanced, or vice versa.
	if err := c.blocks.CommitBlock(blk, undoBytes, c.state.Supply, c.state.ChainTrust); err != nil {
		return types.Hash{}, fmt.Errorf("commit block: %w", err)
	}

	log.Chain.Info().Stringer("block", hash).Uint64("height", c.state.Height).Int("txs", len(blk.Transactions)).Msg("extended tip")
	c.notifyNewTip()
	return hash, nil
}

// blockTrust returns the work contributed by a single block header: zero
// under a no-proof regime, or the inverse of its PoW target under PoW.
func blockTrust(h *block.Header) types.Uint256 {
	if h.Consensus.Tag != types.ConsensusPoW || h.Consensus.Bits == 0 {
		return types.ZeroUint256
	}
	return workFromBits(h.Consensus.Bits)
}

// workFromBits converts a compact-encoded PoW target into the "work" it
// represents: maxUint256/(target+1), the inverse relationship fork-choice
// sums across a branch to compare cumulative proof of work.
func workFromBits(bits uint32) types.Uint256 {
	target := consensus.Compact(bits).ToTarget().Big()
	if target.Sign() <= 0 {
		return types.ZeroUint256
	}
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	work := new(big.Int).Div(max, new(big.Int).Add(target, big.NewInt(1)))
	return types.Uint256FromBig(work)
}

// validateBlockState checks UTXO-dependent rules: input resolution and fee
// sanity, coinbase maturity, and fee/mint conservation. Witness bytes are
// not verified.
// Used by both the fast path and reorg replay to ensure consistent validation.
func (c *Chain) validateBlockState(blk *block.Block) error {
	coinbaseTx := blk.Transactions[0]

	// Coinbase must be a dedicated transaction:
	// exactly one input and that input must be the zero outpoint marker.
	if len(coinbaseTx.Inputs) != 1 || !coinbaseTx.Inputs[0].PrevOut.IsZero() {
		return ErrBadCoinbaseTx
	}

	// UTXO-aware transaction validation (skip coinbase):
	// input existence/unspent checks and fee sanity.
	utxoProvider := &chainUTXOProvider{set: c.utxos}
	fees := make([]types.Amount, len(blk.Transactions))
	totalFees := types.ZeroAmount
	for i, transaction := range blk.Transactions {
		if i == 0 {
			continue // Coinbase.
		}
		fee, err := transaction.ValidateWithUTXOs(utxoProvider)
		if err != nil {
			return fmt.Errorf("tx %d validation: %w", i, err)
		}
		sum, ok := totalFees.Add(fee)
		if !ok {
			return fmt.Errorf("tx %d fee overflow", i)
		}
		fees[i] = fee
		totalFees = sum
	}

	// Enforce coinbase mint limit:
	// minted = coinbase_total - total_fees (fees are recycled, not newly minted).
	coinbaseTotal, ok := coinbaseTx.TotalOutputValue()
	if !ok {
		return fmt.Errorf("coinbase output overflow")
	}
	minted := types.ZeroAmount
	if coinbaseTotal.Cmp(totalFees) > 0 {
		minted, _ = coinbaseTotal.Sub(totalFees)
	}
	allowedMint := types.NewAmount(c.blockReward)
	if c.maxSupply > 0 {
		maxSupply := types.NewAmount(c.maxSupply)
		if c.state.Supply.Cmp(maxSupply) >= 0 {
			allowedMint = types.ZeroAmount
		} else if remaining, ok := maxSupply.Sub(c.state.Supply); ok && allowedMint.Cmp(remaining) > 0 {
			allowedMint = remaining
		}
	}
	if minted.Cmp(allowedMint) > 0 {
		return fmt.Errorf("%w: minted=%s allowed=%s", ErrCoinbaseRewardExceeded, minted, allowedMint)
	}

	// Defensive rule: only transaction 0 may carry a coinbase marker input.
	for i, transaction := range blk.Transactions[1:] {
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				return fmt.Errorf("%w: tx %d contains coinbase input", ErrBadCoinbaseTx, i+1)
			}
		}
	}

	// Coinbase maturity: reject blocks that spend immature coinbase outputs.
	return c.checkCoinbaseMaturity(blk)
}

// checkParentLink verifies that the block's PrevHash and Height are consistent
// with the current chain tip.
func (c *Chain) checkParentLink(blk *block.Block) error {
	// Genesis block: PrevHash must be zero, height must be 0.
	if c.state.IsGenesis() {
		if blk.Header.Height != 0 {
			return fmt.Errorf("%w: genesis must be height 0, got %d", ErrBadHeight, blk.Header.Height)
		}
		if !blk.Header.PrevHash.IsZero() {
			return fmt.Errorf("%w: genesis must have zero prev_hash", ErrBadPrevHash)
		}
		return nil
	}

	// Non-genesis: check if block extends current tip.
	if blk.Header.PrevHash == c.state.TipHash {
		expectedHeight := c.state.Height + 1
		if blk.Header.Height != expectedHeight {
			return fmt.Errorf("%w: want %d, got %d", ErrBadHeight, expectedHeight, blk.Header.Height)
		}
		return nil
	}

	// PrevHash != tip. Check if the parent exists (fork) or is truly unknown.
	parentKnown, err := c.blocks.HasBlock(blk.Header.PrevHash)
	if err != nil {
		return fmt.Errorf("check parent: %w", err)
	}
	if parentKnown {
		parentBlk, err := c.blocks.GetBlock(blk.Header.PrevHash)
		if err != nil {
			return fmt.Errorf("load parent block: %w", err)
		}
		expectedHeight := parentBlk.Header.Height + 1
		if blk.Header.Height != expectedHeight {
			return fmt.Errorf("%w: parent height %d implies %d, got %d",
				ErrBadHeight, parentBlk.Header.Height, expectedHeight, blk.Header.Height)
		}
		return fmt.Errorf("%w: block %d forks from %s", ErrForkDetected, blk.Header.Height, blk.Header.PrevHash)
	}
	return ErrPrevNotFound
}

// computeBlockReward calculates the new coins minted in this block.
// Block reward = coinbase output value - total fees from non-coinbase txs.
// Must be called BEFORE applyBlock (needs UTXO set for input values).
func (c *Chain) computeBlockReward(blk *block.Block) types.Amount {
	if len(blk.Transactions) == 0 || len(blk.Transactions[0].Outputs) == 0 {
		return types.ZeroAmount
	}

	coinbaseValue, ok := blk.Transactions[0].TotalOutputValue()
	if !ok {
		return types.ZeroAmount
	}

	totalFees := types.ZeroAmount
	for _, transaction := range blk.Transactions[1:] {
		totalFees, _ = totalFees.Add(c.computeTxFee(transaction))
	}

	if coinbaseValue.Cmp(totalFees) > 0 {
		reward, _ := coinbaseValue.Sub(totalFees)
		return reward
	}
	return types.ZeroAmount
}

// computeTxFee calculates the fee for a single transaction.
// fee = sum(input values) - sum(output values).
// Must be called BEFORE applyBlock (needs UTXO set for input values).
func (c *Chain) computeTxFee(transaction *tx.Transaction) types.Amount {
	inputSum := types.ZeroAmount
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		u, err := c.utxos.Get(in.PrevOut)
		if err != nil {
			continue
		}
		if sum, ok := inputSum.Add(u.Value); ok {
			inputSum = sum
		}
	}
	outputSum := types.ZeroAmount
	for _, out := range transaction.Outputs {
		if sum, ok := outputSum.Add(out.Value); ok {
			outputSum = sum
		}
	}
	if inputSum.Cmp(outputSum) > 0 {
		fee, _ := inputSum.Sub(outputSum)
		return fee
	}
	return types.ZeroAmount
}

type chainUTXOProvider struct {
	set utxo.Set
}

func (p *chainUTXOProvider) GetUTXO(outpoint types.Outpoint) (types.Amount, types.Destination, error) {
	u, err := p.set.Get(outpoint)
	if err != nil {
		return types.ZeroAmount, types.Destination{}, err
	}
	return u.Value, u.Destination, nil
}

func (p *chainUTXOProvider) HasUTXO(outpoint types.Outpoint) bool {
	has, err := p.set.Has(outpoint)
	return err == nil && has
}

// applyBlock updates the UTXO set: spends inputs and creates outputs.
// Coinbase inputs (zero outpoint) are skipped during spending.
func (c *Chain) applyBlock(blk *block.Block) error {
	for txIdx, transaction := range blk.Transactions {
		txHash := transaction.Hash()
		isCoinbase := txIdx == 0

		// Spend inputs (skip coinbase zero-outpoint).
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue // Coinbase input.
			}
			if err := c.utxos.Delete(in.PrevOut); err != nil {
				return fmt.Errorf("spend %s: %w", in.PrevOut, err)
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
			u := &utxo.UTXO{
				Outpoint:    op,
				Value:       out.Value,
				Destination: out.Destination,
				Height:      blk.Header.Height,
				Coinbase:    isCoinbase,
			}
			if err := c.utxos.Put(u); err != nil {
				return fmt.Errorf("create output %s:%d: %w", txHash, i, err)
			}
		}
	}
	return nil
}

// checkCoinbaseMaturity verifies that no transaction in the block spends
// an immature coinbase output.
func (c *Chain) checkCoinbaseMaturity(blk *block.Block) error {
	for _, transaction := range blk.Transactions {
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, err := c.utxos.Get(in.PrevOut)
			if err != nil {
				continue // Will be caught by UTXO validation.
			}
			if u.Coinbase && blk.Header.Height-u.Height < config.CoinbaseMaturity {
				return fmt.Errorf("%w: need %d confirmations, have %d",
					ErrCoinbaseNotMature, config.CoinbaseMaturity, blk.Header.Height-u.Height)
			}
		}
	}
	return nil
}
