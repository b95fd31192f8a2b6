package chain

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// ignoreBlock builds a block tagged ConsensusIgnore extending parent,
// bypassing Prepare/Seal (which only know how to mint PoW-tagged headers).
func ignoreBlock(parent *block.Block, rewardAddr string, reward uint64) *block.Block {
	addr, err := types.ParseAddress(rewardAddr)
	if err != nil {
		panic(err)
	}
	coinbase := &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: types.Outpoint{}}},
		Outputs: []tx.Output{{
			Value:       types.NewAmount(reward),
			Destination: types.NewAddressDestination(addr),
		}},
	}
	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   parent.Hash(),
		MerkleRoot: block.ComputeMerkleRoot([]types.Hash{coinbase.Hash()}),
		Timestamp:  parent.Header.Timestamp + 10,
		Height:     parent.Header.Height + 1,
		Consensus:  types.ConsensusData{Tag: types.ConsensusIgnore},
	}
	return block.NewBlock(header, []*tx.Transaction{coinbase})
}

// alternatingScheduleChain builds a chain anchored Ignore at height 0, PoW
// from height 2, and back to Ignore from height 4 — small enough to mine in
// a test but wide enough to exercise every regime transition.
func alternatingScheduleChain(t *testing.T, allocAddr string, allocAmount uint64) (*Chain, *consensus.PoW) {
	t.Helper()

	pow, err := consensus.NewPoW(1, 0, 10)
	if err != nil {
		t.Fatalf("NewPoW: %v", err)
	}

	db := storage.NewMemory()
	utxoStore := utxo.NewStore(db)

	gen := &config.Genesis{
		ChainID:   "test-chain-alt-regime",
		ChainName: "Test Chain",
		Timestamp: 1700000000,
		Alloc: map[string]uint64{
			allocAddr: allocAmount,
		},
		Protocol: config.ProtocolConfig{
			Consensus: config.ConsensusRules{
				BlockTime:   10,
				BlockReward: 1000,
			},
			Upgrades: []config.NetUpgrade{
				{ActivationHeight: 0, Regime: config.RegimeIgnore},
				{ActivationHeight: 2, Regime: config.RegimePoW, InitialDifficulty: 1},
				{ActivationHeight: 4, Regime: config.RegimeIgnore},
			},
		},
	}

	schedule, err := ScheduleFromGenesis(gen)
	if err != nil {
		t.Fatalf("ScheduleFromGenesis: %v", err)
	}

	ch, err := New(types.ChainID{}, storage.NewMemoryStore(), utxoStore, pow, schedule)
	if err != nil {
		t.Fatalf("New chain: %v", err)
	}
	if err := ch.InitFromGenesis(gen); err != nil {
		t.Fatalf("InitFromGenesis: %v", err)
	}
	ch.SetConsensusRules(gen.Protocol.Consensus)

	return ch, pow
}

func TestChain_ConsensusRegime_FollowsSchedule(t *testing.T) {
	ch, pow := alternatingScheduleChain(t, testAddress(0x40), 5000)

	genesisBlk, err := ch.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("GetBlockByHeight(0): %v", err)
	}

	// Height 1: still Ignore regime.
	a1 := ignoreBlock(genesisBlk, testAddress(0x41), 1000)
	if err := ch.ProcessBlock(a1, SourcePeer); err != nil {
		t.Fatalf("ProcessBlock(a1, ignore@1): %v", err)
	}

	// Height 2: regime flips to PoW. An Ignore-tagged block must be rejected.
	badA2 := ignoreBlock(a1, testAddress(0x42), 1000)
	err = ch.ProcessBlock(badA2, SourcePeer)
	if !errors.Is(err, ErrConsensusTypeMismatch) {
		t.Fatalf("ProcessBlock(badA2, ignore@2): err = %v, want ErrConsensusTypeMismatch", err)
	}

	// A correctly PoW-tagged block at height 2 is accepted.
	a2 := mineOn(t, pow, a1, testAddress(0x42), 1000)
	if err := ch.ProcessBlock(a2, SourcePeer); err != nil {
		t.Fatalf("ProcessBlock(a2, pow@2): %v", err)
	}

	// Height 3: still PoW. An Ignore-tagged block must be rejected.
	badA3 := ignoreBlock(a2, testAddress(0x43), 1000)
	if err := ch.ProcessBlock(badA3, SourcePeer); !errors.Is(err, ErrConsensusTypeMismatch) {
		t.Fatalf("ProcessBlock(badA3, ignore@3): err = %v, want ErrConsensusTypeMismatch", err)
	}
	a3 := mineOn(t, pow, a2, testAddress(0x43), 1000)
	if err := ch.ProcessBlock(a3, SourcePeer); err != nil {
		t.Fatalf("ProcessBlock(a3, pow@3): %v", err)
	}

	// Height 4: regime flips back to Ignore. A PoW-tagged block is now the
	// mismatch.
	badA4 := mineOn(t, pow, a3, testAddress(0x44), 1000)
	if err := ch.ProcessBlock(badA4, SourcePeer); !errors.Is(err, ErrConsensusTypeMismatch) {
		t.Fatalf("ProcessBlock(badA4, pow@4): err = %v, want ErrConsensusTypeMismatch", err)
	}
	a4 := ignoreBlock(a3, testAddress(0x44), 1000)
	if err := ch.ProcessBlock(a4, SourcePeer); err != nil {
		t.Fatalf("ProcessBlock(a4, ignore@4): %v", err)
	}

	if got := ch.Height(); got != 4 {
		t.Fatalf("chain height = %d, want 4", got)
	}
}

func TestChain_ConsensusRegime_ChecksReplayedForkBlocks(t *testing.T) {
	ch, pow := alternatingScheduleChain(t, testAddress(0x45), 5000)

	genesisBlk, err := ch.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("GetBlockByHeight(0): %v", err)
	}

	a1 := ignoreBlock(genesisBlk, testAddress(0x46), 1000)
	if err := ch.ProcessBlock(a1, SourcePeer); err != nil {
		t.Fatalf("ProcessBlock(a1): %v", err)
	}
	a2 := mineOn(t, pow, a1, testAddress(0x47), 1000)
	if err := ch.ProcessBlock(a2, SourcePeer); err != nil {
		t.Fatalf("ProcessBlock(a2): %v", err)
	}

	// A fork off a1 that wrongly carries the Ignore tag at height 2 (PoW
	// regime) must be rejected, whether it lands on the fast path or forks
	// off the active chain.
	forkA2 := ignoreBlock(a1, testAddress(0x48), 2000)
	err = ch.ProcessBlock(forkA2, SourcePeer)
	if !errors.Is(err, ErrConsensusTypeMismatch) {
		t.Fatalf("ProcessBlock(forkA2): err = %v, want ErrConsensusTypeMismatch", err)
	}
}
