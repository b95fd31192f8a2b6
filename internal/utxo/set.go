// Package utxo manages the unspent transaction output set.
package utxo

import "github.com/Klingon-tech/klingnet-chain/pkg/types"

// UTXO represents an unspent transaction output.
type UTXO struct {
	Outpoint    types.Outpoint    `json:"outpoint"`
	Value       types.Amount      `json:"value"`
	Destination types.Destination `json:"destination"`
	Height      uint64            `json:"height"`
	Coinbase    bool              `json:"coinbase"`
}

// Set is the interface for UTXO storage.
type Set interface {
	Get(outpoint types.Outpoint) (*UTXO, error)
	Put(utxo *UTXO) error
	Delete(outpoint types.Outpoint) error
	Has(outpoint types.Outpoint) (bool, error)
}
