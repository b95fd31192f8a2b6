package chain

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// NewTipEvent is published to subscribers whenever the best block changes,
// whether by a block extending it directly or by a reorg.
type NewTipEvent struct {
	BlockID    types.Hash
	Height     uint64
	ChainTrust types.Uint256
}

// subscriberBuffer is the channel depth for new-tip subscribers. A slow
// subscriber drops events past this depth rather than blocking ingestion.
const subscriberBuffer = 16

// SubmitBlock is the external entry point for block ingestion: it runs the
// full admission pipeline (duplicate/orphan/consensus/UTXO checks,
// fork-choice, reorg, orphan drain) and is safe for concurrent callers.
// ErrLocalOrphan is an expected, non-fatal outcome — the block is held
// pending its parent rather than rejected outright.
func (c *Chain) SubmitBlock(ctx context.Context, blk *block.Block, source BlockSource) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.ProcessBlock(blk, source)
}

// BestBlockID returns the id of the current chain tip.
func (c *Chain) BestBlockID() types.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.TipHash
}

// BlockByID retrieves a block by its id, searching both the active chain
// and any stored fork blocks.
func (c *Chain) BlockByID(id types.Hash) (*block.Block, error) {
	blk, err := c.blocks.GetBlock(id)
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", id, err)
	}
	return blk, nil
}

// SubscribeNewTip registers a subscriber for new-tip events. The returned
// channel is closed and removed when unsubscribe is called; events are
// dropped (not blocked on) for a subscriber that falls behind.
func (c *Chain) SubscribeNewTip() (<-chan NewTipEvent, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan NewTipEvent, subscriberBuffer)
	c.subscribers[id] = ch

	unsubscribe := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if existing, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// notifyNewTip publishes the current tip to all subscribers. Must be
// called with c.mu held, after c.state has been updated.
func (c *Chain) notifyNewTip() {
	event := NewTipEvent{
		BlockID:    c.state.TipHash,
		Height:     c.state.Height,
		ChainTrust: c.state.ChainTrust,
	}
	for _, ch := range c.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
