package chain

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// testAddress returns a deterministic bech32 address string seeded from b.
func testAddress(b byte) string {
	var addr types.Address
	addr[0] = b
	return addr.String()
}

// testGenesis returns a minimal valid genesis configuration anchoring a
// PoW regime at height 0 with difficulty 1 (cheapest target, so Seal in
// tests completes immediately).
func testGenesis(t *testing.T, allocAddr string, allocAmount uint64) *config.Genesis {
	t.Helper()
	return &config.Genesis{
		ChainID:   "test-chain-1",
		ChainName: "Test Chain",
		Timestamp: 1700000000,
		Alloc: map[string]uint64{
			allocAddr: allocAmount,
		},
		Protocol: config.ProtocolConfig{
			Consensus: config.ConsensusRules{
				BlockTime:       10,
				BlockReward:     1000,
				MaxSupply:       0,
				HalvingInterval: 0,
			},
			Upgrades: []config.NetUpgrade{
				{ActivationHeight: 0, Regime: config.RegimePoW, InitialDifficulty: 1},
			},
		},
	}
}

// testChain builds a fresh PoW chain initialized from genesis, with a
// single allocation to allocAddr. Returns the chain and the PoW engine so
// tests can seal blocks.
func testChain(t *testing.T, allocAddr string, allocAmount uint64) (*Chain, *consensus.PoW) {
	t.Helper()

	pow, err := consensus.NewPoW(1, 0, 10)
	if err != nil {
		t.Fatalf("NewPoW: %v", err)
	}

	db := storage.NewMemory()
	utxoStore := utxo.NewStore(db)

	gen := testGenesis(t, allocAddr, allocAmount)
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

// mineBlock builds and seals a block extending the chain's current tip,
// with a single coinbase transaction paying reward to rewardAddr.
func mineBlock(t *testing.T, ch *Chain, pow *consensus.PoW, rewardAddr string, reward uint64, extra []*tx.Transaction) *block.Block {
	t.Helper()

	addr, err := types.ParseAddress(rewardAddr)
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}

	coinbase := &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: types.Outpoint{}}},
		Outputs: []tx.Output{{
			Value:       types.NewAmount(reward),
			Destination: types.NewAddressDestination(addr),
		}},
	}

	txs := append([]*tx.Transaction{coinbase}, extra...)
	hashes := make([]types.Hash, len(txs))
	for i, transaction := range txs {
		hashes[i] = transaction.Hash()
	}

	state := ch.State()
	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   state.TipHash,
		MerkleRoot: block.ComputeMerkleRoot(hashes),
		Timestamp:  state.TipTimestamp + 10,
		Height:     state.Height + 1,
	}
	if err := pow.Prepare(header); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	blk := block.NewBlock(header, txs)
	if err := pow.Seal(blk); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return blk
}

// mineOn builds and seals a block extending an explicit parent, for
// constructing competing forks rather than always extending the tip.
func mineOn(t *testing.T, pow *consensus.PoW, parent *block.Block, rewardAddr string, reward uint64) *block.Block {
	t.Helper()

	addr, err := types.ParseAddress(rewardAddr)
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}

	coinbase := &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: types.Outpoint{}}},
		Outputs: []tx.Output{{
			Value:       types.NewAmount(reward),
			Destination: types.NewAddressDestination(addr),
		}},
	}
	txs := []*tx.Transaction{coinbase}

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   parent.Hash(),
		MerkleRoot: block.ComputeMerkleRoot([]types.Hash{coinbase.Hash()}),
		Timestamp:  parent.Header.Timestamp + 10,
		Height:     parent.Header.Height + 1,
	}
	if err := pow.Prepare(header); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	blk := block.NewBlock(header, txs)
	if err := pow.Seal(blk); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return blk
}
