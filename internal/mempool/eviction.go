package mempool

import (
	"sort"

	"github.com/Klingon-tech/klingnet-chain/internal/log"
)

// Evict removes the lowest-fee transactions until the pool is at or below
// its capacity, freeing room for AddTransaction's hard MempoolFull check to
// keep passing under sustained load. Entries with unconfirmed descendants
// take their descendants down with them, since a removed parent would
// otherwise leave a child's input unresolvable.
func (p *Pool) Evict() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.txsByID) <= p.maxSize {
		return 0
	}

	entries := p.snapshotEntries()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].fee.Cmp(entries[j].fee) < 0
	})

	evicted := 0
	for _, e := range entries {
		if len(p.txsByID) <= p.maxSize {
			break
		}
		if _, ok := p.txsByID[e.id]; !ok {
			continue // Already evicted as a descendant.
		}
		before := len(p.txsByID)
		p.evictWithDescendants(e)
		evicted += before - len(p.txsByID)
	}
	if evicted > 0 {
		log.Mempool.Info().Int("evicted", evicted).Int("size", len(p.txsByID)).Msg("evicted low-fee transactions")
	}
	return evicted
}
