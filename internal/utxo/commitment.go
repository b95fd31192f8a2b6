package utxo

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Commitment computes a merkle root over all UTXOs in the store.
// Each UTXO is hashed deterministically, the hashes are sorted, and
// a merkle tree is built from them. Returns a zero hash for an empty set.
func Commitment(store *Store) (types.Hash, error) {
	var hashes []types.Hash

	err := store.ForEach(func(u *UTXO) error {
		hashes = append(hashes, hashUTXO(u))
		return nil
	})
	if err != nil {
		return types.Hash{}, fmt.Errorf("utxo commitment: %w", err)
	}

	if len(hashes) == 0 {
		return types.Hash{}, nil
	}

	// Sort for deterministic ordering (map iteration order varies).
	sort.Slice(hashes, func(i, j int) bool {
		return hashLess(hashes[i], hashes[j])
	})

	return block.ComputeMerkleRoot(hashes), nil
}

// hashUTXO produces a deterministic hash of a UTXO.
// Format: source(1) | id(32) | index(4) | value_hi(8) | value_lo(8) | dest_tag(1) | dest_data
func hashUTXO(u *UTXO) types.Hash {
	var buf []byte
	buf = append(buf, byte(u.Outpoint.Source))
	buf = append(buf, u.Outpoint.ID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, u.Outpoint.Index)
	buf = binary.LittleEndian.AppendUint64(buf, u.Value.Hi)
	buf = binary.LittleEndian.AppendUint64(buf, u.Value.Lo)
	buf = append(buf, byte(u.Destination.Tag))
	buf = append(buf, u.Destination.Data...)
	return crypto.Hash(buf)
}

func hashLess(a, b types.Hash) bool {
	for i := 0; i < types.HashSize; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
