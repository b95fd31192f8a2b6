package chain

import (
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// DefaultMaxOrphans bounds the orphan pool's resident set. Eviction is
// oldest-first once the bound is reached; it exists for resource safety
// only, never for correctness.
const DefaultMaxOrphans = 1000

// orphanPool holds blocks whose parent has not yet been seen, keyed by the
// block's own id, with a secondary index from the missing parent's id to
// the children waiting on it.
type orphanPool struct {
	max      int
	order    []types.Hash // insertion order, oldest first, for eviction
	byID     map[types.Hash]*block.Block
	byParent map[types.Hash][]types.Hash
}

func newOrphanPool(max int) *orphanPool {
	if max <= 0 {
		max = DefaultMaxOrphans
	}
	return &orphanPool{
		max:      max,
		byID:     make(map[types.Hash]*block.Block),
		byParent: make(map[types.Hash][]types.Hash),
	}
}

// add admits blk into the pool. Returns false if a block with the same id
// is already present — the caller should not treat that as an error, the
// orphan is simply already known.
func (p *orphanPool) add(blk *block.Block) bool {
	id := blk.Hash()
	if _, exists := p.byID[id]; exists {
		return false
	}
	if len(p.order) >= p.max {
		p.evictOldest()
	}
	p.byID[id] = blk
	p.order = append(p.order, id)
	parent := blk.Header.PrevHash
	p.byParent[parent] = append(p.byParent[parent], id)
	return true
}

// evictOldest drops the longest-resident orphan to keep the pool bounded.
func (p *orphanPool) evictOldest() {
	if len(p.order) == 0 {
		return
	}
	id := p.order[0]
	p.order = p.order[1:]
	p.remove(id)
}

// remove deletes an orphan from both indexes, if present.
func (p *orphanPool) remove(id types.Hash) {
	blk, ok := p.byID[id]
	if !ok {
		return
	}
	delete(p.byID, id)
	parent := blk.Header.PrevHash
	children := p.byParent[parent]
	for i, c := range children {
		if c == id {
			p.byParent[parent] = append(children[:i], children[i+1:]...)
			break
		}
	}
	if len(p.byParent[parent]) == 0 {
		delete(p.byParent, parent)
	}
	for i, o := range p.order {
		if o == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// childrenOf returns the orphans directly waiting on parentID, leaving the
// pool unchanged. The caller is responsible for removing each returned
// block from the pool via remove before resubmitting it, so a bad orphan
// can't infinite-loop the drain.
func (p *orphanPool) childrenOf(parentID types.Hash) []*block.Block {
	ids := p.byParent[parentID]
	if len(ids) == 0 {
		return nil
	}
	blocks := make([]*block.Block, 0, len(ids))
	for _, id := range ids {
		if blk, ok := p.byID[id]; ok {
			blocks = append(blocks, blk)
		}
	}
	return blocks
}

func (p *orphanPool) len() int {
	return len(p.byID)
}
