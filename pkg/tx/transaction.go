// Package tx defines transaction types and validation.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Transaction represents a blockchain transaction.
type Transaction struct {
	Version  uint32   `json:"version"`
	Flags    uint32   `json:"flags"`
	Inputs   []Input  `json:"inputs"`
	Outputs  []Output `json:"outputs"`
	LockTime uint64   `json:"locktime"`
}

// FlagReplaceable marks a transaction as replaceable in the mempool: a
// later, conflicting submission with a higher fee may evict it (and its
// unconfirmed descendants) even though it hasn't confirmed yet.
const FlagReplaceable uint32 = 1 << 0

// IsReplaceable reports whether this transaction signals replaceability
// directly. It does not account for inherited replaceability from
// unconfirmed ancestors — see the mempool's entry-level check for that.
func (tx *Transaction) IsReplaceable() bool {
	return tx.Flags&FlagReplaceable != 0
}

// Input references a UTXO being spent. Witness carries the opaque
// spend-authorization data (signature, pubkey, or whatever the destination's
// tag requires) — the chainstate and mempool core never interpret it, only
// carry and hash it.
type Input struct {
	PrevOut types.Outpoint `json:"prevout"`
	Witness []byte         `json:"witness"`
}

// inputJSON is the JSON representation of Input with a hex-encoded witness.
type inputJSON struct {
	PrevOut types.Outpoint `json:"prevout"`
	Witness *string        `json:"witness"`
}

// MarshalJSON encodes the input with a hex-encoded witness.
func (in Input) MarshalJSON() ([]byte, error) {
	j := inputJSON{PrevOut: in.PrevOut}
	if in.Witness != nil {
		s := hex.EncodeToString(in.Witness)
		j.Witness = &s
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes an input with a hex-encoded witness.
func (in *Input) UnmarshalJSON(data []byte) error {
	var j inputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	in.PrevOut = j.PrevOut
	if j.Witness != nil {
		b, err := hex.DecodeString(*j.Witness)
		if err != nil {
			return err
		}
		in.Witness = b
	}
	return nil
}

// Output defines a new UTXO: an amount locked to a destination.
type Output struct {
	Value       types.Amount      `json:"value"`
	Destination types.Destination `json:"destination"`
}

// Hash computes the transaction ID (BLAKE3 hash of the serialized signing
// data). Witness data is excluded so that signing has no circular
// dependency on the id it produces.
func (tx *Transaction) Hash() types.Hash {
	stripped := *tx
	stripped.Inputs = make([]Input, len(tx.Inputs))
	for i, in := range tx.Inputs {
		stripped.Inputs[i] = Input{PrevOut: in.PrevOut}
	}
	return crypto.Hash(stripped.SigningBytes())
}

// SigningBytes returns the canonical, deterministic byte representation of
// the transaction, used for the on-disk/wire encoding; Hash takes it over a
// copy whose witnesses are all empty.
// Every variable-length field is framed as a little-endian uint32 length
// followed by its bytes, so the encoding round-trips unambiguously.
//
// Format:
//
//	version(4) flags(4)
//	input_count(4)   [ source_tag(1) id(32) index(4) witness_len(4) witness ]...
//	output_count(4)  [ value_hi(8) value_lo(8) dest_tag(1) dest_data_len(4) dest_data ]...
//	locktime(8)
func (tx *Transaction) SigningBytes() []byte {
	var buf []byte

	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)
	buf = binary.LittleEndian.AppendUint32(buf, tx.Flags)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, byte(in.PrevOut.Source))
		buf = append(buf, in.PrevOut.ID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.Witness)))
		buf = append(buf, in.Witness...)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Value.Hi)
		buf = binary.LittleEndian.AppendUint64(buf, out.Value.Lo)
		buf = append(buf, byte(out.Destination.Tag))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(out.Destination.Data)))
		buf = append(buf, out.Destination.Data...)
	}

	buf = binary.LittleEndian.AppendUint64(buf, tx.LockTime)

	return buf
}

// TotalOutputValue returns the sum of all output values using checked
// 128-bit arithmetic. The second return is false on overflow.
func (tx *Transaction) TotalOutputValue() (types.Amount, bool) {
	total := types.ZeroAmount
	for _, out := range tx.Outputs {
		var ok bool
		total, ok = total.Add(out.Value)
		if !ok {
			return types.ZeroAmount, false
		}
	}
	return total, true
}

// IsCoinbase reports whether the transaction is a coinbase: its sole input
// references the zero Transaction-sourced outpoint.
func (tx *Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 1 && tx.Inputs[0].PrevOut.IsZero()
}
