package chain

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// BlockStatus classifies a block-index entry relative to the current best
// chain: Active entries sit on the chain the tip descends from, Fork
// entries are valid but not (currently) part of it.
type BlockStatus uint8

const (
	StatusActive BlockStatus = iota
	StatusFork
)

func (s BlockStatus) String() string {
	if s == StatusActive {
		return "active"
	}
	return "fork"
}

// BlockIndex is a lightweight view onto a stored block's position in the
// block graph: its id, its parent's id, its height, the cumulative chain
// trust of the branch ending at it, and whether that branch is the one the
// current best block descends from.
type BlockIndex struct {
	BlockID    types.Hash
	PrevID     types.Hash
	Height     uint64
	ChainTrust types.Uint256
	Status     BlockStatus
}

// ErrInvalidAncestorHeight is returned when an ancestor lookup is asked for
// a height above the height of the block it starts from.
type ErrInvalidAncestorHeight struct {
	AncestorHeight uint64
	BlockHeight    uint64
}

func (e *ErrInvalidAncestorHeight) Error() string {
	return fmt.Sprintf("ancestor height %d is above block height %d", e.AncestorHeight, e.BlockHeight)
}

// BlockIndexByID resolves the block-index entry for id, including the
// cumulative trust of the branch ending at it (recomputed by walking parent
// links back to genesis) and whether it currently sits on the best chain.
func (c *Chain) BlockIndexByID(id types.Hash) (BlockIndex, error) {
	blk, err := c.blocks.GetBlock(id)
	if err != nil {
		return BlockIndex{}, fmt.Errorf("block index %s: %w", id, err)
	}

	status := StatusFork
	if onChain, err := c.blocks.GetBlockByHeight(blk.Header.Height); err == nil && onChain.Hash() == id {
		status = StatusActive
	}

	trust, err := c.cumulativeTrust(blk)
	if err != nil {
		return BlockIndex{}, err
	}

	return BlockIndex{
		BlockID:    id,
		PrevID:     blk.Header.PrevHash,
		Height:     blk.Header.Height,
		ChainTrust: trust,
		Status:     status,
	}, nil
}

// cumulativeTrust sums blockTrust along the parent chain from blk back to
// genesis. For a block on the active chain this equals the persisted
// running chain trust at that height; for a fork block it must be walked.
func (c *Chain) cumulativeTrust(blk *block.Block) (types.Uint256, error) {
	if onChain, err := c.blocks.GetBlockByHeight(blk.Header.Height); err == nil && onChain.Hash() == blk.Hash() {
		if blk.Header.Height == c.state.Height {
			return c.state.ChainTrust, nil
		}
	}

	trust := types.ZeroUint256
	cur := blk
	for {
		trust = trust.Add(blockTrust(cur.Header))
		if cur.Header.Height == 0 {
			break
		}
		parent, err := c.blocks.GetBlock(cur.Header.PrevHash)
		if err != nil {
			return types.ZeroUint256, fmt.Errorf("cumulative trust: walk to genesis: %w", err)
		}
		cur = parent
	}
	return trust, nil
}

// GetAncestor walks the block-index graph back from id to the given
// height, which must be at most id's own height (height == id's height
// returns id itself).
func (c *Chain) GetAncestor(id types.Hash, height uint64) (types.Hash, error) {
	blk, err := c.blocks.GetBlock(id)
	if err != nil {
		return types.Hash{}, fmt.Errorf("get ancestor: %w", err)
	}
	if height > blk.Header.Height {
		return types.Hash{}, &ErrInvalidAncestorHeight{AncestorHeight: height, BlockHeight: blk.Header.Height}
	}

	// Fast path: if id sits on the active chain, the height index answers
	// directly without walking parent links one block at a time.
	if onChain, err := c.blocks.GetBlockByHeight(blk.Header.Height); err == nil && onChain.Hash() == id {
		anc, err := c.blocks.GetBlockByHeight(height)
		if err != nil {
			return types.Hash{}, fmt.Errorf("get ancestor: %w", err)
		}
		return anc.Hash(), nil
	}

	cur := blk
	for cur.Header.Height > height {
		parent, err := c.blocks.GetBlock(cur.Header.PrevHash)
		if err != nil {
			return types.Hash{}, fmt.Errorf("get ancestor: walk to height %d: %w", height, err)
		}
		cur = parent
	}
	return cur.Hash(), nil
}

// LastCommonAncestor finds the highest block that is an ancestor of both a
// and b (or a or b itself, if one descends from the other): lower the
// deeper of the two to the shallower one's height via GetAncestor, then
// walk both parent chains in lockstep until the ids match.
func (c *Chain) LastCommonAncestor(a, b types.Hash) (types.Hash, error) {
	blkA, err := c.blocks.GetBlock(a)
	if err != nil {
		return types.Hash{}, fmt.Errorf("last common ancestor: %w", err)
	}
	blkB, err := c.blocks.GetBlock(b)
	if err != nil {
		return types.Hash{}, fmt.Errorf("last common ancestor: %w", err)
	}

	ha, hb := blkA.Header.Height, blkB.Header.Height
	if ha > hb {
		a, err = c.GetAncestor(a, hb)
		if err != nil {
			return types.Hash{}, err
		}
		ha = hb
	} else if hb > ha {
		b, err = c.GetAncestor(b, ha)
		if err != nil {
			return types.Hash{}, err
		}
		hb = ha
	}

	for a != b {
		if ha == 0 {
			return types.Hash{}, errors.New("last common ancestor: no common ancestor (disjoint genesis)")
		}
		blkA, err := c.blocks.GetBlock(a)
		if err != nil {
			return types.Hash{}, fmt.Errorf("last common ancestor: %w", err)
		}
		blkB, err := c.blocks.GetBlock(b)
		if err != nil {
			return types.Hash{}, fmt.Errorf("last common ancestor: %w", err)
		}
		a = blkA.Header.PrevHash
		b = blkB.Header.PrevHash
		ha--
	}
	return a, nil
}
