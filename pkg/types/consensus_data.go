package types

import "encoding/binary"

// ConsensusDataTag identifies which consensus regime produced a block
// header. The regime in effect at a given height is determined by the
// net-upgrade schedule, not by this tag — the tag only carries the
// regime-specific sealing data the header needs to be self-describing.
type ConsensusDataTag uint8

const (
	// ConsensusIgnore marks a block sealed under a no-proof regime: any
	// block header is accepted regardless of its Bits/Nonce payload.
	ConsensusIgnore ConsensusDataTag = 0
	// ConsensusPoW marks a block sealed by the proof-of-work engine.
	ConsensusPoW ConsensusDataTag = 1
)

func (t ConsensusDataTag) String() string {
	switch t {
	case ConsensusIgnore:
		return "ignore"
	case ConsensusPoW:
		return "pow"
	default:
		return "unknown"
	}
}

// ConsensusData is the tagged, regime-specific sealing payload carried by
// every block header. Bits holds the compact-encoded PoW target and Nonce
// the winning nonce; both are zero and unused under ConsensusIgnore.
type ConsensusData struct {
	Tag   ConsensusDataTag `json:"tag"`
	Bits  uint32           `json:"bits,omitempty"`
	Nonce uint64           `json:"nonce,omitempty"`
}

// Bytes returns the canonical, fixed-width encoding of the consensus data:
// tag(1) | bits(4) | nonce(8).
func (c ConsensusData) Bytes() []byte {
	buf := make([]byte, 0, 13)
	buf = append(buf, byte(c.Tag))
	buf = binary.LittleEndian.AppendUint32(buf, c.Bits)
	buf = binary.LittleEndian.AppendUint64(buf, c.Nonce)
	return buf
}
