package types

import "fmt"

// OutPointSourceTag identifies whether an outpoint's source id names a
// Transaction or a block-reward (coinbase) output set. The numeric values
// are part of the on-disk and wire format — changing them is format
// breaking, per spec's canonical-encoding requirement.
//
// Grounded on original_source/common/src/chain/transaction/input.rs's
// OutPointSourceId enum (Transaction=0, BlockReward=1).
type OutPointSourceTag uint8

const (
	// SourceTransaction marks an outpoint whose source id is a TxID.
	SourceTransaction OutPointSourceTag = 0
	// SourceBlockReward marks an outpoint whose source id is a block id
	// (the coinbase/reward outputs of that block).
	SourceBlockReward OutPointSourceTag = 1
)

func (t OutPointSourceTag) String() string {
	switch t {
	case SourceTransaction:
		return "tx"
	case SourceBlockReward:
		return "reward"
	default:
		return "unknown"
	}
}

// Outpoint references a specific output by its source (a transaction id or
// a block-reward id) and output index.
//
// Total order: SourceBlockReward > SourceTransaction on the tag, then by
// hash, then by index — verified against
// original_source/.../input.rs's compare_test fixtures.
type Outpoint struct {
	Source OutPointSourceTag `json:"source"`
	ID     Hash              `json:"id"`
	Index  uint32            `json:"index"`
}

// TxOutpoint builds an outpoint sourced from a transaction output.
func TxOutpoint(txID TxID, index uint32) Outpoint {
	return Outpoint{Source: SourceTransaction, ID: txID, Index: index}
}

// RewardOutpoint builds an outpoint sourced from a block's reward outputs.
func RewardOutpoint(blockID BlockID, index uint32) Outpoint {
	return Outpoint{Source: SourceBlockReward, ID: blockID, Index: index}
}

// IsZero returns true if the outpoint is the coinbase-input sentinel: a
// Transaction-sourced outpoint with a zero id and zero index.
func (o Outpoint) IsZero() bool {
	return o.Source == SourceTransaction && o.ID.IsZero() && o.Index == 0
}

// String returns "source:id:index".
func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%s:%d", o.Source, o.ID, o.Index)
}

// Compare orders outpoints by (tag, hash, index), matching the original
// implementation's total order.
func (o Outpoint) Compare(other Outpoint) int {
	if o.Source != other.Source {
		if o.Source < other.Source {
			return -1
		}
		return 1
	}
	if c := o.ID.Compare(other.ID); c != 0 {
		return c
	}
	if o.Index != other.Index {
		if o.Index < other.Index {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether o sorts before other under Compare.
func (o Outpoint) Less(other Outpoint) bool {
	return o.Compare(other) < 0
}
