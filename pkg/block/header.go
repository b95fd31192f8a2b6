package block

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Header contains block metadata.
type Header struct {
	Version    uint32               `json:"version"`
	PrevHash   types.Hash           `json:"prev_hash"`
	MerkleRoot types.Hash           `json:"merkle_root"`
	Timestamp  uint64               `json:"timestamp"`
	Height     uint64               `json:"height"`
	Consensus  types.ConsensusData  `json:"consensus"`
}

// Hash computes the block header hash.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SigningBytes returns the canonical bytes for hashing.
// Format: version(4) | prev_hash(32) | merkle_root(32) | timestamp(8) | height(8) | consensus(13)
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 97)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = append(buf, h.Consensus.Bytes()...)
	return buf
}
