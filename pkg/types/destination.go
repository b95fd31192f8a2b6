package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// DestinationTag identifies the kind of spending condition attached to an
// output. Values are part of the canonical encoding.
//
// Grounded on original_source/common/src/chain/transaction/output.rs's
// Destination enum (Address=0, PublicKey=1, ScriptHash=2, AnyoneCanSpend=3).
type DestinationTag uint8

const (
	DestAddress        DestinationTag = 0
	DestPublicKey      DestinationTag = 1
	DestScriptHash     DestinationTag = 2
	DestAnyoneCanSpend DestinationTag = 3
)

func (t DestinationTag) String() string {
	switch t {
	case DestAddress:
		return "address"
	case DestPublicKey:
		return "pubkey"
	case DestScriptHash:
		return "scripthash"
	case DestAnyoneCanSpend:
		return "anyone-can-spend"
	default:
		return "unknown"
	}
}

// Destination is the locking condition for a transaction output. Data
// holds the tag-specific payload: a 20-byte address for DestAddress, a
// compressed public key for DestPublicKey, a 32-byte script hash for
// DestScriptHash, and is empty for DestAnyoneCanSpend.
type Destination struct {
	Tag  DestinationTag `json:"tag"`
	Data []byte         `json:"data,omitempty"`
}

// AnyoneCanSpend is the well-known unconditionally spendable destination.
var AnyoneCanSpend = Destination{Tag: DestAnyoneCanSpend}

// NewAddressDestination builds a Destination that pays to an address.
func NewAddressDestination(addr Address) Destination {
	return Destination{Tag: DestAddress, Data: addr.Bytes()}
}

// NewPublicKeyDestination builds a Destination that pays to a compressed
// public key directly.
func NewPublicKeyDestination(pubKey []byte) Destination {
	return Destination{Tag: DestPublicKey, Data: append([]byte(nil), pubKey...)}
}

// Address returns the destination as an Address if its tag is DestAddress.
func (d Destination) Address() (Address, bool) {
	if d.Tag != DestAddress || len(d.Data) != AddressSize {
		return Address{}, false
	}
	var a Address
	copy(a[:], d.Data)
	return a, true
}

// destinationJSON hex-encodes the payload for readability.
type destinationJSON struct {
	Tag  DestinationTag `json:"tag"`
	Data string         `json:"data,omitempty"`
}

func (d Destination) MarshalJSON() ([]byte, error) {
	j := destinationJSON{Tag: d.Tag}
	if len(d.Data) > 0 {
		j.Data = hex.EncodeToString(d.Data)
	}
	return json.Marshal(j)
}

func (d *Destination) UnmarshalJSON(data []byte) error {
	var j destinationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	d.Tag = j.Tag
	if j.Data != "" {
		b, err := hex.DecodeString(j.Data)
		if err != nil {
			return err
		}
		d.Data = b
	} else {
		d.Data = nil
	}
	return nil
}

func (d Destination) String() string {
	if len(d.Data) == 0 {
		return d.Tag.String()
	}
	return fmt.Sprintf("%s:%s", d.Tag, hex.EncodeToString(d.Data))
}
