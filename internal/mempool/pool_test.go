package mempool

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// memUTXOs is a trivial in-memory utxo.Set for tests.
type memUTXOs struct {
	m map[types.Outpoint]*utxo.UTXO
}

func newMemUTXOs() *memUTXOs {
	return &memUTXOs{m: make(map[types.Outpoint]*utxo.UTXO)}
}

func (s *memUTXOs) Get(op types.Outpoint) (*utxo.UTXO, error) {
	u, ok := s.m[op]
	if !ok {
		return nil, errors.New("utxo not found")
	}
	return u, nil
}

func (s *memUTXOs) Put(u *utxo.UTXO) error {
	s.m[u.Outpoint] = u
	return nil
}

func (s *memUTXOs) Delete(op types.Outpoint) error {
	delete(s.m, op)
	return nil
}

func (s *memUTXOs) Has(op types.Outpoint) (bool, error) {
	_, ok := s.m[op]
	return ok, nil
}

func (s *memUTXOs) add(op types.Outpoint, value uint64) {
	s.m[op] = &utxo.UTXO{Outpoint: op, Value: types.NewAmount(value), Destination: types.AnyoneCanSpend}
}

// buildTx creates an unsigned transaction spending prevOut, paying
// outputValue to the anyone-can-spend destination. Witness/signature
// verification is out of the mempool's scope; it only needs structurally
// valid transactions.
func buildTx(prevOut types.Outpoint, outputValue uint64, replaceable bool) *tx.Transaction {
	b := tx.NewBuilder().
		AddInput(prevOut).
		AddOutput(types.NewAmount(outputValue), types.AnyoneCanSpend)
	if replaceable {
		b.SetReplaceable()
	}
	return b.Build()
}

func txOut(t *tx.Transaction, index uint32) types.Outpoint {
	return types.TxOutpoint(t.Hash(), index)
}

func TestPool_AddTransaction_Accepts(t *testing.T) {
	utxos := newMemUTXOs()
	prevOut := types.Outpoint{Source: types.SourceTransaction, ID: types.Hash{0x01}, Index: 0}
	utxos.add(prevOut, 5000)

	pool := New(utxos, 100)
	transaction := buildTx(prevOut, 4000, false)

	fee, err := pool.AddTransaction(transaction)
	if err != nil {
		t.Fatalf("AddTransaction: %v", err)
	}
	want := types.NewAmount(1000)
	if fee.Cmp(want) != 0 {
		t.Errorf("fee = %s, want %s", fee, want)
	}
	if !pool.Has(transaction.Hash()) {
		t.Error("pool does not have accepted transaction")
	}
}

func TestPool_AddTransaction_NoInputs(t *testing.T) {
	pool := New(newMemUTXOs(), 100)
	empty := &tx.Transaction{Version: 1, Outputs: []tx.Output{{Value: types.NewAmount(1), Destination: types.AnyoneCanSpend}}}
	if _, err := pool.AddTransaction(empty); !errors.Is(err, ErrNoInputs) {
		t.Errorf("err = %v, want ErrNoInputs", err)
	}
}

func TestPool_AddTransaction_LooseCoinbase(t *testing.T) {
	pool := New(newMemUTXOs(), 100)
	coinbase := buildTx(types.Outpoint{}, 100, false) // Zero outpoint == coinbase input.
	if _, err := pool.AddTransaction(coinbase); !errors.Is(err, ErrLooseCoinbase) {
		t.Errorf("err = %v, want ErrLooseCoinbase", err)
	}
}

func TestPool_AddTransaction_DuplicateInputs(t *testing.T) {
	pool := New(newMemUTXOs(), 100)
	prevOut := types.Outpoint{Source: types.SourceTransaction, ID: types.Hash{0x02}, Index: 0}
	transaction := tx.NewBuilder().
		AddInput(prevOut).
		AddInput(prevOut).
		AddOutput(types.NewAmount(1), types.AnyoneCanSpend).
		Build()
	if _, err := pool.AddTransaction(transaction); !errors.Is(err, ErrDuplicateInputs) {
		t.Errorf("err = %v, want ErrDuplicateInputs", err)
	}
}

func TestPool_AddTransaction_AlreadyInMempool(t *testing.T) {
	utxos := newMemUTXOs()
	prevOut := types.Outpoint{Source: types.SourceTransaction, ID: types.Hash{0x03}, Index: 0}
	utxos.add(prevOut, 1000)

	pool := New(utxos, 100)
	transaction := buildTx(prevOut, 500, false)
	if _, err := pool.AddTransaction(transaction); err != nil {
		t.Fatalf("first AddTransaction: %v", err)
	}
	if _, err := pool.AddTransaction(transaction); !errors.Is(err, ErrTransactionAlreadyInMempool) {
		t.Errorf("err = %v, want ErrTransactionAlreadyInMempool", err)
	}
}

func TestPool_AddTransaction_OutPointNotFound(t *testing.T) {
	pool := New(newMemUTXOs(), 100)
	prevOut := types.Outpoint{Source: types.SourceTransaction, ID: types.Hash{0x04}, Index: 0}
	transaction := buildTx(prevOut, 100, false)

	_, err := pool.AddTransaction(transaction)
	var notFound *ErrOutPointNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want *ErrOutPointNotFound", err)
	}
	if notFound.Outpoint != prevOut {
		t.Errorf("Outpoint = %s, want %s", notFound.Outpoint, prevOut)
	}
}

func TestPool_AddTransaction_ConflictWithIrreplaceable(t *testing.T) {
	utxos := newMemUTXOs()
	prevOut := types.Outpoint{Source: types.SourceTransaction, ID: types.Hash{0x05}, Index: 0}
	utxos.add(prevOut, 1000)

	pool := New(utxos, 100)
	first := buildTx(prevOut, 500, false)
	if _, err := pool.AddTransaction(first); err != nil {
		t.Fatalf("first AddTransaction: %v", err)
	}

	second := buildTx(prevOut, 600, false)
	if _, err := pool.AddTransaction(second); !errors.Is(err, ErrConflictWithIrreplaceableTransaction) {
		t.Errorf("err = %v, want ErrConflictWithIrreplaceableTransaction", err)
	}
}

func TestPool_AddTransaction_ReplacesSignalledConflict(t *testing.T) {
	utxos := newMemUTXOs()
	prevOut := types.Outpoint{Source: types.SourceTransaction, ID: types.Hash{0x06}, Index: 0}
	utxos.add(prevOut, 1000)

	pool := New(utxos, 100)
	first := buildTx(prevOut, 500, true) // replaceable
	firstID := first.Hash()
	if _, err := pool.AddTransaction(first); err != nil {
		t.Fatalf("first AddTransaction: %v", err)
	}

	second := buildTx(prevOut, 700, false)
	if _, err := pool.AddTransaction(second); err != nil {
		t.Fatalf("replacement AddTransaction: %v", err)
	}
	if pool.Has(firstID) {
		t.Error("replaced transaction is still in the pool")
	}
	if !pool.Has(second.Hash()) {
		t.Error("replacement transaction was not admitted")
	}
}

func TestPool_AddTransaction_ReplaceEvictsDescendant(t *testing.T) {
	utxos := newMemUTXOs()
	prevOut := types.Outpoint{Source: types.SourceTransaction, ID: types.Hash{0x07}, Index: 0}
	utxos.add(prevOut, 1000)

	pool := New(utxos, 100)
	parent := buildTx(prevOut, 900, true) // replaceable
	if _, err := pool.AddTransaction(parent); err != nil {
		t.Fatalf("parent AddTransaction: %v", err)
	}

	child := buildTx(txOut(parent, 0), 800, false)
	childID := child.Hash()
	if _, err := pool.AddTransaction(child); err != nil {
		t.Fatalf("child AddTransaction: %v", err)
	}

	replacement := buildTx(prevOut, 950, false)
	if _, err := pool.AddTransaction(replacement); err != nil {
		t.Fatalf("replacement AddTransaction: %v", err)
	}
	if pool.Has(childID) {
		t.Error("child transaction should have been evicted along with its parent")
	}
}

func TestPool_AddTransaction_AcceptsLowerFeeReplacement(t *testing.T) {
	utxos := newMemUTXOs()
	prevOut := types.Outpoint{Source: types.SourceTransaction, ID: types.Hash{0x08}, Index: 0}
	utxos.add(prevOut, 1000)

	pool := New(utxos, 100)

	first := buildTx(prevOut, 990, true) // replaceable, fee 10
	firstID := first.Hash()
	firstFee, err := pool.AddTransaction(first)
	if err != nil {
		t.Fatalf("first AddTransaction: %v", err)
	}
	if want := types.NewAmount(10); firstFee.Cmp(want) != 0 {
		t.Fatalf("first fee = %s, want %s", firstFee, want)
	}

	// Replacement pays a lower fee than the incumbent it conflicts with.
	// Current policy admits any valid replacement of a replaceable entry
	// regardless of fee delta, so this must still be accepted.
	second := buildTx(prevOut, 995, false) // fee 5, lower than first's fee 10
	secondFee, err := pool.AddTransaction(second)
	if err != nil {
		t.Fatalf("lower-fee replacement rejected: %v", err)
	}
	if want := types.NewAmount(5); secondFee.Cmp(want) != 0 {
		t.Fatalf("second fee = %s, want %s", secondFee, want)
	}
	if pool.Has(firstID) {
		t.Error("replaced transaction is still in the pool")
	}
	if !pool.Has(second.Hash()) {
		t.Error("lower-fee replacement was not admitted")
	}
}

func TestPool_GetAll_DescendingFee(t *testing.T) {
	utxos := newMemUTXOs()
	pool := New(utxos, 100)

	var ids []types.Hash
	for i, outVal := range []uint64{900, 500, 700} {
		prevOut := types.Outpoint{Source: types.SourceTransaction, ID: types.Hash{byte(0x10 + i)}, Index: 0}
		utxos.add(prevOut, 1000)
		transaction := buildTx(prevOut, outVal, false)
		if _, err := pool.AddTransaction(transaction); err != nil {
			t.Fatalf("AddTransaction %d: %v", i, err)
		}
		ids = append(ids, transaction.Hash())
	}

	all := pool.GetAll()
	if len(all) != 3 {
		t.Fatalf("len(GetAll()) = %d, want 3", len(all))
	}
	var fees []int64
	for _, transaction := range all {
		total, _ := transaction.TotalOutputValue()
		v, _ := total.Uint64()
		fees = append(fees, int64(v))
	}
	// Fees are 1000-900=100, 1000-500=500, 1000-700=300: descending order is 500,300,100.
	want := []int64{500, 300, 100}
	for i := range want {
		outTotal, _ := all[i].TotalOutputValue()
		v, _ := outTotal.Uint64()
		got := int64(1000) - int64(v)
		if got != want[i] {
			t.Errorf("position %d fee = %d, want %d", i, got, want[i])
		}
	}
}

func TestPool_DropTransaction_Idempotent(t *testing.T) {
	utxos := newMemUTXOs()
	prevOut := types.Outpoint{Source: types.SourceTransaction, ID: types.Hash{0x20}, Index: 0}
	utxos.add(prevOut, 1000)

	pool := New(utxos, 100)
	transaction := buildTx(prevOut, 500, false)
	if _, err := pool.AddTransaction(transaction); err != nil {
		t.Fatalf("AddTransaction: %v", err)
	}

	pool.DropTransaction(transaction.Hash())
	if pool.Has(transaction.Hash()) {
		t.Error("transaction still present after DropTransaction")
	}
	pool.DropTransaction(transaction.Hash()) // Must not panic.
}

func TestPool_NewTipSet_RemovesConfirmedAndInvalidated(t *testing.T) {
	utxos := newMemUTXOs()
	prevOut := types.Outpoint{Source: types.SourceTransaction, ID: types.Hash{0x30}, Index: 0}
	utxos.add(prevOut, 1000)

	pool := New(utxos, 100)
	parent := buildTx(prevOut, 900, false)
	if _, err := pool.AddTransaction(parent); err != nil {
		t.Fatalf("parent AddTransaction: %v", err)
	}
	child := buildTx(txOut(parent, 0), 800, false)
	if _, err := pool.AddTransaction(child); err != nil {
		t.Fatalf("child AddTransaction: %v", err)
	}

	// Confirm the parent in a block, without materializing its output as a
	// chain-state UTXO: the child's input can no longer resolve.
	pool.NewTipSet([]*tx.Transaction{parent})

	if pool.Has(parent.Hash()) {
		t.Error("confirmed parent should be removed")
	}
	if pool.Has(child.Hash()) {
		t.Error("child with unresolvable input should be evicted")
	}
}

func TestPool_Evict_RemovesLowestFeeFirst(t *testing.T) {
	utxos := newMemUTXOs()
	pool := New(utxos, 2)

	prevOut1 := types.Outpoint{Source: types.SourceTransaction, ID: types.Hash{0x40}, Index: 0}
	utxos.add(prevOut1, 1000)
	low := buildTx(prevOut1, 900, false) // fee 100
	if _, err := pool.AddTransaction(low); err != nil {
		t.Fatalf("AddTransaction low: %v", err)
	}

	prevOut2 := types.Outpoint{Source: types.SourceTransaction, ID: types.Hash{0x41}, Index: 0}
	utxos.add(prevOut2, 1000)
	high := buildTx(prevOut2, 500, false) // fee 500
	if _, err := pool.AddTransaction(high); err != nil {
		t.Fatalf("AddTransaction high: %v", err)
	}

	// maxSize is 2 so AddTransaction's hard cap wasn't hit; force Evict directly.
	pool.maxSize = 1
	pool.Evict()

	if pool.Has(low.Hash()) {
		t.Error("lowest-fee transaction should have been evicted")
	}
	if !pool.Has(high.Hash()) {
		t.Error("highest-fee transaction should remain")
	}
}
