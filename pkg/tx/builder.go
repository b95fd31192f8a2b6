package tx

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Builder constructs transactions incrementally. It is a test-fixture and
// wallet-adjacent convenience: the chainstate and mempool core never call
// it, and the Sign helpers produce opaque witness bytes that the core never
// interprets.
type Builder struct {
	tx *Transaction
}

// NewBuilder creates a new transaction builder.
func NewBuilder() *Builder {
	return &Builder{
		tx: &Transaction{Version: 1},
	}
}

// AddInput adds an input referencing a previous output.
func (b *Builder) AddInput(prevOut types.Outpoint) *Builder {
	b.tx.Inputs = append(b.tx.Inputs, Input{PrevOut: prevOut})
	return b
}

// AddOutput adds an output paying value to a destination.
func (b *Builder) AddOutput(value types.Amount, destination types.Destination) *Builder {
	b.tx.Outputs = append(b.tx.Outputs, Output{Value: value, Destination: destination})
	return b
}

// SetLockTime sets the transaction lock time.
func (b *Builder) SetLockTime(lockTime uint64) *Builder {
	b.tx.LockTime = lockTime
	return b
}

// SetReplaceable signals that this transaction (and anything built on top
// of it while unconfirmed) may be displaced from the mempool by a later,
// higher-fee conflicting submission.
func (b *Builder) SetReplaceable() *Builder {
	b.tx.Flags |= FlagReplaceable
	return b
}

// Sign signs all inputs with the provided private key, packing the
// signature and public key into each input's witness field as
// sig_len(1) | sig | pubkey.
func (b *Builder) Sign(key *crypto.PrivateKey) error {
	hash := b.tx.Hash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	pubKey := key.PublicKey()
	witness := packWitness(sig, pubKey)
	for i := range b.tx.Inputs {
		b.tx.Inputs[i].Witness = witness
	}
	return nil
}

// SignMulti signs each input with the key that owns its outpoint.
// outpointAddr maps each input's outpoint to the address that owns it.
// signers maps each address to the private key that can spend from it.
func (b *Builder) SignMulti(
	signers map[types.Address]*crypto.PrivateKey,
	outpointAddr map[types.Outpoint]types.Address,
) error {
	hash := b.tx.Hash()

	cache := make(map[types.Address][]byte)

	for i := range b.tx.Inputs {
		if b.tx.Inputs[i].PrevOut.IsZero() {
			continue // Coinbase input.
		}

		addr, ok := outpointAddr[b.tx.Inputs[i].PrevOut]
		if !ok {
			return fmt.Errorf("no address mapping for input %d outpoint", i)
		}
		key, ok := signers[addr]
		if !ok {
			return fmt.Errorf("no signer for address %s (input %d)", addr, i)
		}

		witness, cached := cache[addr]
		if !cached {
			sig, err := key.Sign(hash[:])
			if err != nil {
				return fmt.Errorf("sign input %d: %w", i, err)
			}
			witness = packWitness(sig, key.PublicKey())
			cache[addr] = witness
		}
		b.tx.Inputs[i].Witness = witness
	}
	return nil
}

// Build returns the constructed transaction. Does not validate — call
// tx.Validate() separately.
func (b *Builder) Build() *Transaction {
	return b.tx
}

func packWitness(sig, pubKey []byte) []byte {
	w := make([]byte, 0, 1+len(sig)+len(pubKey))
	w = append(w, byte(len(sig)))
	w = append(w, sig...)
	w = append(w, pubKey...)
	return w
}
