package tx

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// UTXO-aware validation errors.
var (
	ErrInputNotFound   = errors.New("input UTXO not found")
	ErrInsufficientFee = errors.New("insufficient fee")
	ErrInputOverflow   = errors.New("input values overflow")
)

// UTXOProvider provides read-only access to the UTXO set for validation.
type UTXOProvider interface {
	GetUTXO(outpoint types.Outpoint) (value types.Amount, destination types.Destination, err error)
	HasUTXO(outpoint types.Outpoint) bool
}

// ValidateWithUTXOs performs structural and outpoint-resolution validation of
// a transaction against the UTXO set: every non-coinbase input must resolve
// to an existing, unspent output, and total inputs must cover total outputs.
// Spend-authorization (signature/script) verification is not part of this
// check. Returns the fee (inputs - outputs). A coinbase transaction passes
// with a zero fee: its outputs are newly created coins.
func (tx *Transaction) ValidateWithUTXOs(provider UTXOProvider) (types.Amount, error) {
	if err := tx.Validate(); err != nil {
		return types.ZeroAmount, err
	}
	if tx.IsCoinbase() {
		return types.ZeroAmount, nil
	}

	totalInput := types.ZeroAmount
	for i, in := range tx.Inputs {
		if in.PrevOut.IsZero() {
			continue // Coinbase input, creates coins.
		}

		if !provider.HasUTXO(in.PrevOut) {
			return types.ZeroAmount, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, ErrInputNotFound)
		}

		value, _, err := provider.GetUTXO(in.PrevOut)
		if err != nil {
			return types.ZeroAmount, fmt.Errorf("input %d: %w", i, err)
		}

		var ok bool
		totalInput, ok = totalInput.Add(value)
		if !ok {
			return types.ZeroAmount, fmt.Errorf("input %d: %w", i, ErrInputOverflow)
		}
	}

	totalOutput, ok := tx.TotalOutputValue()
	if !ok {
		return types.ZeroAmount, fmt.Errorf("%w", ErrOutputOverflow)
	}
	if totalInput.Cmp(totalOutput) < 0 {
		return types.ZeroAmount, fmt.Errorf("%w: inputs=%s outputs=%s", ErrInsufficientFee, totalInput, totalOutput)
	}

	fee, _ := totalInput.Sub(totalOutput)
	return fee, nil
}
