// Package mempool holds unconfirmed transactions ordered by fee, with a
// parent/child dependency graph over transactions that spend each other's
// outputs and a replace-by-fee policy that propagates along it.
package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Admission errors.
var (
	ErrMempoolFull                          = errors.New("mempool is full")
	ErrNoInputs                             = errors.New("transaction has no inputs")
	ErrNoOutputs                            = errors.New("transaction has no outputs")
	ErrLooseCoinbase                        = errors.New("coinbase transactions are not accepted into the mempool")
	ErrDuplicateInputs                      = errors.New("transaction spends the same outpoint twice")
	ErrExceedsMaxBlockSize                  = errors.New("transaction exceeds max block size")
	ErrTransactionAlreadyInMempool          = errors.New("transaction already in mempool")
	ErrConflictWithIrreplaceableTransaction = errors.New("conflicts with an irreplaceable transaction")
	ErrTransactionFeeOverflow               = errors.New("transaction fee computation overflowed")
)

// ErrOutPointNotFound names the specific outpoint and transaction that
// failed to resolve against either the mempool's unconfirmed outputs or
// chain-state.
type ErrOutPointNotFound struct {
	Outpoint types.Outpoint
	TxID     types.Hash
}

func (e *ErrOutPointNotFound) Error() string {
	return fmt.Sprintf("outpoint %s not found (tx %s)", e.Outpoint, e.TxID)
}

// MempoolMaxTxs is the default capacity bound; New accepts an override.
const MempoolMaxTxs = 50_000

// entry wraps a transaction with its fee, id, and the parent/child edges
// the admission pipeline discovered among in-pool entries.
type entry struct {
	tx       *tx.Transaction
	id       types.Hash
	fee      types.Amount
	parents  map[types.Hash]*entry
	children map[types.Hash]*entry
}

// Pool holds unconfirmed transactions. Three indices share ownership of
// each entry: txsByID resolves an entry by id, txsByFee groups entries by
// fee for descending-fee retrieval, and spenderTxs maps an outpoint to
// whichever in-pool entry currently spends it (the mempool's conflict
// index).
type Pool struct {
	mu         sync.RWMutex
	txsByID    map[types.Hash]*entry
	txsByFee   map[types.Amount][]*entry
	spenderTxs map[types.Outpoint]*entry
	maxSize    int
	policy     *Policy
	utxos      utxo.Set // Chain-state, for resolving outpoints not created in-pool.
}

// New creates a mempool backed by the given chain-state UTXO set. maxSize
// <= 0 uses MempoolMaxTxs.
func New(utxos utxo.Set, maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = MempoolMaxTxs
	}
	return &Pool{
		txsByID:    make(map[types.Hash]*entry),
		txsByFee:   make(map[types.Amount][]*entry),
		spenderTxs: make(map[types.Outpoint]*entry),
		maxSize:    maxSize,
		policy:     DefaultPolicy(),
		utxos:      utxos,
	}
}

// SetPolicy replaces the pool's acceptance policy.
func (p *Pool) SetPolicy(policy *Policy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy = policy
}

// Count returns the number of transactions held.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txsByID)
}

// Has reports whether id is present.
func (p *Pool) Has(id types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.txsByID[id]
	return ok
}

// Get retrieves a transaction by id, or nil if absent.
func (p *Pool) Get(id types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.txsByID[id]
	if !ok {
		return nil
	}
	return e.tx
}

// Fee returns the fee of an in-pool transaction (zero if absent).
func (p *Pool) Fee(id types.Hash) types.Amount {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.txsByID[id]
	if !ok {
		return types.ZeroAmount
	}
	return e.fee
}

// AddTransaction validates t and, if accepted, inserts it into the pool.
// A conflicting irreplaceable entry is rejected outright; a conflicting
// replaceable entry (directly or via an unconfirmed ancestor) is evicted
// along with its unconfirmed descendants before t is admitted.
func (p *Pool) AddTransaction(t *tx.Transaction) (types.Amount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := t.Hash()

	if len(p.txsByID) >= p.maxSize {
		return types.ZeroAmount, ErrMempoolFull
	}

	if len(t.Inputs) == 0 {
		return types.ZeroAmount, ErrNoInputs
	}
	if len(t.Outputs) == 0 {
		return types.ZeroAmount, ErrNoOutputs
	}
	if t.IsCoinbase() {
		return types.ZeroAmount, ErrLooseCoinbase
	}
	seenInputs := make(map[types.Outpoint]bool, len(t.Inputs))
	for _, in := range t.Inputs {
		if seenInputs[in.PrevOut] {
			return types.ZeroAmount, ErrDuplicateInputs
		}
		seenInputs[in.PrevOut] = true
	}
	if err := p.policy.Check(t); err != nil {
		return types.ZeroAmount, err
	}
	if len(t.SigningBytes()) > config.MaxBlockSize {
		return types.ZeroAmount, ErrExceedsMaxBlockSize
	}
	if _, exists := p.txsByID[id]; exists {
		return types.ZeroAmount, ErrTransactionAlreadyInMempool
	}

	// Conflict check: every input whose outpoint is already spent by an
	// in-pool entry must have that entry be replaceable.
	conflicts := make(map[types.Hash]*entry)
	for _, in := range t.Inputs {
		if conflicting, ok := p.spenderTxs[in.PrevOut]; ok {
			if !p.isReplaceable(conflicting) {
				return types.ZeroAmount, fmt.Errorf("input %s: %w", in.PrevOut, ErrConflictWithIrreplaceableTransaction)
			}
			conflicts[conflicting.id] = conflicting
		}
	}

	// Outpoint resolution and fee computation against mempool + chain-state.
	parents := make(map[types.Hash]*entry)
	totalInput := types.ZeroAmount
	for _, in := range t.Inputs {
		value, parent, err := p.resolveOutpoint(in.PrevOut)
		if err != nil {
			return types.ZeroAmount, &ErrOutPointNotFound{Outpoint: in.PrevOut, TxID: id}
		}
		if parent != nil {
			parents[parent.id] = parent
		}
		sum, ok := totalInput.Add(value)
		if !ok {
			return types.ZeroAmount, ErrTransactionFeeOverflow
		}
		totalInput = sum
	}
	totalOutput, ok := t.TotalOutputValue()
	if !ok {
		return types.ZeroAmount, ErrTransactionFeeOverflow
	}
	if totalInput.Cmp(totalOutput) < 0 {
		return types.ZeroAmount, ErrTransactionFeeOverflow
	}
	fee, ok := totalInput.Sub(totalOutput)
	if !ok {
		return types.ZeroAmount, ErrTransactionFeeOverflow
	}

	// Evict every conflicting entry (and its unconfirmed descendants) now
	// that we know each one was replaceable.
	for _, c := range conflicts {
		log.Mempool.Debug().Stringer("replaced", c.id).Stringer("by", id).Msg("replace-by-fee eviction")
		p.evictWithDescendants(c)
	}

	e := &entry{
		tx:       t,
		id:       id,
		fee:      fee,
		parents:  parents,
		children: make(map[types.Hash]*entry),
	}
	for _, parent := range parents {
		parent.children[id] = e
	}

	p.txsByID[id] = e
	p.txsByFee[fee] = append(p.txsByFee[fee], e)
	for _, in := range t.Inputs {
		p.spenderTxs[in.PrevOut] = e
	}

	log.Mempool.Debug().Stringer("tx", id).Stringer("fee", fee).Int("size", len(p.txsByID)).Msg("transaction admitted")
	return fee, nil
}

// resolveOutpoint looks up an input's value, first against an in-pool
// transaction's outputs (returning the producing entry as a parent), then
// against chain-state.
func (p *Pool) resolveOutpoint(op types.Outpoint) (types.Amount, *entry, error) {
	if op.Source == types.SourceTransaction {
		if producer, ok := p.txsByID[op.ID]; ok {
			if int(op.Index) >= len(producer.tx.Outputs) {
				return types.ZeroAmount, nil, fmt.Errorf("outpoint index out of range")
			}
			return producer.tx.Outputs[op.Index].Value, producer, nil
		}
	}
	u, err := p.utxos.Get(op)
	if err != nil {
		return types.ZeroAmount, nil, err
	}
	return u.Value, nil, nil
}

// isReplaceable reports whether e (or any unconfirmed ancestor of e) signals
// replaceability. One ancestor signalling it is enough for the whole
// descendant cone.
func (p *Pool) isReplaceable(e *entry) bool {
	if e.tx.IsReplaceable() {
		return true
	}
	for _, ancestor := range p.unconfirmedAncestors(e) {
		if ancestor.tx.IsReplaceable() {
			return true
		}
	}
	return false
}

// unconfirmedAncestors returns the transitive closure of e's parents: a
// depth-first walk with a visited set, terminating because the parent
// relation among mempool entries is acyclic.
func (p *Pool) unconfirmedAncestors(e *entry) []*entry {
	visited := make(map[types.Hash]bool)
	var ancestors []*entry
	var walk func(cur *entry)
	walk = func(cur *entry) {
		for id, parent := range cur.parents {
			if visited[id] {
				continue
			}
			visited[id] = true
			ancestors = append(ancestors, parent)
			walk(parent)
		}
	}
	walk(e)
	return ancestors
}

// evictWithDescendants removes e and everything that transitively spends
// an output of e (or of one of those descendants), since a removed parent
// leaves its children's inputs unresolvable.
func (p *Pool) evictWithDescendants(e *entry) {
	queue := []*entry{e}
	seen := make(map[types.Hash]bool)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur.id] {
			continue
		}
		seen[cur.id] = true
		for _, child := range cur.children {
			queue = append(queue, child)
		}
		p.removeLocked(cur.id)
	}
}

// DropTransaction removes id from all three indices. A no-op if absent.
func (p *Pool) DropTransaction(id types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(id)
}

func (p *Pool) removeLocked(id types.Hash) {
	e, ok := p.txsByID[id]
	if !ok {
		return
	}
	delete(p.txsByID, id)

	bucket := p.txsByFee[e.fee]
	for i, b := range bucket {
		if b.id == id {
			p.txsByFee[e.fee] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(p.txsByFee[e.fee]) == 0 {
		delete(p.txsByFee, e.fee)
	}

	for _, in := range e.tx.Inputs {
		if cur, ok := p.spenderTxs[in.PrevOut]; ok && cur.id == id {
			delete(p.spenderTxs, in.PrevOut)
		}
	}

	for _, parent := range e.parents {
		delete(parent.children, id)
	}
	for _, child := range e.children {
		delete(child.parents, id)
	}
}

// RemoveConfirmed drops every transaction in txs from the pool — called
// after a block commits to clear the entries it included.
func (p *Pool) RemoveConfirmed(txs []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range txs {
		p.removeLocked(t.Hash())
	}
}

// GetAll returns every entry in descending fee order.
func (p *Pool) GetAll() []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	fees := make([]types.Amount, 0, len(p.txsByFee))
	for fee := range p.txsByFee {
		fees = append(fees, fee)
	}
	sort.Slice(fees, func(i, j int) bool { return fees[i].Cmp(fees[j]) > 0 })

	result := make([]*tx.Transaction, 0, len(p.txsByID))
	for _, fee := range fees {
		for _, e := range p.txsByFee[fee] {
			result = append(result, e.tx)
		}
	}
	return result
}

// SelectForBlock returns up to limit transactions in descending fee order,
// suitable for populating a new block template.
func (p *Pool) SelectForBlock(limit int) []*tx.Transaction {
	all := p.GetAll()
	if limit >= 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

// NewTipSet re-validates the pool against a new main-chain tip: every
// confirmed transaction is dropped, and every remaining entry whose inputs
// no longer resolve (spent or now-missing) is evicted along with its
// descendants. After a successful call, every remaining entry satisfies
// the admission predicate against the new tip.
func (p *Pool) NewTipSet(confirmed []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range confirmed {
		p.removeLocked(t.Hash())
	}

	for _, e := range p.snapshotEntries() {
		if _, ok := p.txsByID[e.id]; !ok {
			continue // Already evicted as a descendant of an earlier failure.
		}
		for _, in := range e.tx.Inputs {
			if _, _, err := p.resolveOutpoint(in.PrevOut); err != nil {
				p.evictWithDescendants(e)
				break
			}
		}
	}
}

func (p *Pool) snapshotEntries() []*entry {
	entries := make([]*entry, 0, len(p.txsByID))
	for _, e := range p.txsByID {
		entries = append(entries, e)
	}
	return entries
}
