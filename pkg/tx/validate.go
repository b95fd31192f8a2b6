package tx

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Validation errors.
var (
	ErrNoInputs           = errors.New("transaction has no inputs")
	ErrNoOutputs          = errors.New("transaction has no outputs")
	ErrDuplicateInput     = errors.New("duplicate input")
	ErrOutputOverflow     = errors.New("output values overflow")
	ErrZeroOutput         = errors.New("output value is zero")
	ErrInvalidDestination = errors.New("invalid destination")
	ErrTooManyInputs      = errors.New("too many inputs")
	ErrTooManyOutputs     = errors.New("too many outputs")
	ErrDestDataTooLarge   = errors.New("destination data too large")
)

// Validate checks transaction structure and basic rules. It does not check
// UTXO existence or spend authorization — that is the chainstate's and
// mempool's job, and signature/script interpretation is out of scope here.
func (tx *Transaction) Validate() error {
	if len(tx.Inputs) == 0 {
		return ErrNoInputs
	}
	if len(tx.Outputs) == 0 {
		return ErrNoOutputs
	}
	if len(tx.Inputs) > config.MaxTxInputs {
		return fmt.Errorf("%w: %d inputs, max %d", ErrTooManyInputs, len(tx.Inputs), config.MaxTxInputs)
	}
	if len(tx.Outputs) > config.MaxTxOutputs {
		return fmt.Errorf("%w: %d outputs, max %d", ErrTooManyOutputs, len(tx.Outputs), config.MaxTxOutputs)
	}

	seen := make(map[types.Outpoint]bool, len(tx.Inputs))
	for i, in := range tx.Inputs {
		if seen[in.PrevOut] {
			return fmt.Errorf("input %d: %w", i, ErrDuplicateInput)
		}
		seen[in.PrevOut] = true
	}

	total := types.ZeroAmount
	for i, out := range tx.Outputs {
		if out.Value.IsZero() {
			return fmt.Errorf("output %d: %w", i, ErrZeroOutput)
		}
		if len(out.Destination.Data) > config.MaxScriptData {
			return fmt.Errorf("output %d: %w: %d bytes, max %d", i, ErrDestDataTooLarge, len(out.Destination.Data), config.MaxScriptData)
		}
		var ok bool
		total, ok = total.Add(out.Value)
		if !ok {
			return fmt.Errorf("output %d: %w", i, ErrOutputOverflow)
		}
	}

	return nil
}
