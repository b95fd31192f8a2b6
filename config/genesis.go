package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Net-upgrade regime names, matching internal/chain.RegimeKind.
const (
	RegimeIgnore = "ignore" // Blocks must carry no proof; no proof-of-work check applies.
	RegimePoW    = "pow"    // Blocks must carry valid proof of work.
)

// Denomination constants.
// 1 coin = 10^12 base units. All on-chain values are in base units.
const (
	Decimals  = 12
	Coin      = 1_000_000_000_000 // 10^12 base units per coin
	MilliCoin = 1_000_000_000     // 10^9
	MicroCoin = 1_000_000         // 10^6
)

// CoinbaseMaturity is the number of blocks a coinbase output must wait
// before it can be spent. Prevents issues during reorgs.
const CoinbaseMaturity uint64 = 20

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockSize  = 2_000_000 // 2 MB max block size (header + all tx signing bytes)
	MaxBlockTxs   = 500       // Max transactions per block (including coinbase)
	MaxTxInputs   = 2500      // Max inputs per transaction
	MaxTxOutputs  = 2500      // Max outputs per transaction
	MaxScriptData = 65_536    // 64 KB max script data per output
)

// Genesis holds the genesis block configuration and protocol rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"` // Native coin symbol (e.g., "KGX")

	// Genesis block
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Initial allocations (address -> balance in base units)
	Alloc map[string]uint64 `json:"alloc"`

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`
}

// ForkSchedule defines block heights at which protocol upgrades activate.
// A zero value means the fork is not scheduled. This is separate from the
// consensus net-upgrade table (Upgrades below): it is reserved for future
// non-consensus protocol changes (e.g. tx versioning) that don't need a
// full regime switch.
type ForkSchedule struct {
	// Future forks are added here as fields. Example:
	// ScriptEngineHeight uint64 `json:"script_engine_height,omitempty"`
}

// IsActive returns true if a fork at forkHeight has activated at currentHeight.
// Returns false if forkHeight is 0 (not scheduled).
func (f *ForkSchedule) IsActive(forkHeight, currentHeight uint64) bool {
	return forkHeight > 0 && currentHeight >= forkHeight
}

// NetUpgrade anchors a consensus regime to the height it takes effect at.
// A height-0 entry is mandatory; see internal/chain.Schedule.
type NetUpgrade struct {
	ActivationHeight  uint64 `json:"activation_height"`
	Regime            string `json:"regime"` // RegimeIgnore or RegimePoW
	InitialDifficulty uint64 `json:"initial_difficulty,omitempty"`
}

// ProtocolConfig holds consensus-critical rules.
// All nodes MUST agree on these values.
type ProtocolConfig struct {
	// Consensus
	Consensus ConsensusRules `json:"consensus"`

	// Net-upgrade schedule (consensus regime activations).
	Upgrades []NetUpgrade `json:"upgrades"`

	// Fork activation schedule
	Forks ForkSchedule `json:"forks,omitempty"`
}

// ConsensusRules defines how blocks are produced and validated.
type ConsensusRules struct {
	// Block timing
	BlockTime int `json:"block_time"` // Target seconds between blocks

	// Difficulty retargeting
	DifficultyAdjust int `json:"difficulty_adjust,omitempty"` // Blocks between adjustments

	// Economics
	BlockReward     uint64 `json:"block_reward"`               // Base units per block
	MaxSupply       uint64 `json:"max_supply"`                 // Total coin cap in base units (0 = unlimited)
	HalvingInterval uint64 `json:"halving_interval,omitempty"` // Blocks between reward halvings (0 = no halving)
	MinFeeRate      uint64 `json:"min_fee_rate"`                // Minimum fee rate (base units per byte of SigningBytes)
}

// =============================================================================
// Testnet Identity
//
// Derived from the well-known BIP-39 test mnemonic (DO NOT use on mainnet):
//
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon art
//
// Derivation path: m/44'/8888'/0'/0/0 (no passphrase)
// =============================================================================

const (
	// TestnetMnemonic is the well-known seed phrase the testnet address is derived from.
	TestnetMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon art"

	// TestnetAddress is the address (bech32, tkgx) derived from TestnetMnemonic.
	// Address = BLAKE3(pubkey)[:20]
	TestnetAddress = "tkgx13uayfwq9djh7cd5dagxtuzk3mx7r7sc9xv4h52"
)

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "klingnet-mainnet-1",
		ChainName: "Klingnet Mainnet",
		Symbol:    "KGX",
		Timestamp: 1770734103, // 2026-02-10
		ExtraData: "Klingnet Genesis",
		Alloc: map[string]uint64{
			"kgx1a8tfl79jgres7t90tttkc7ytjmhs5lpdn5ag4l": 100_000 * Coin, // Genesis allocation for ERC-20 KGX swap
		},
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				BlockTime:        10, // 10 second blocks
				DifficultyAdjust: 2016,
				BlockReward:      50 * Coin,
				MaxSupply:        2_000_000 * Coin, // 2,000,000 KGX total
				HalvingInterval:  210_000,
				MinFeeRate:       10_000, // 10,000 base units per byte (~0.0000012 KGX for simple tx)
			},
			Upgrades: []NetUpgrade{
				{ActivationHeight: 0, Regime: RegimePoW, InitialDifficulty: 1},
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "klingnet-testnet-1"
	g.ChainName = "Klingnet Testnet"
	g.ExtraData = "Klingnet Testnet Genesis"

	// More relaxed rules for testnet.
	g.Protocol.Consensus.MinFeeRate = 10 // 10 base units per byte (very low for testing)

	// Testnet allocation: 200,000 KGX to the well-known testnet address.
	g.Alloc = map[string]uint64{
		TestnetAddress: 200_000 * Coin,
	}

	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	// Validate the net-upgrade schedule: a height-0 anchor is mandatory,
	// and a PoW regime must carry a non-zero initial difficulty.
	var sawGenesisUpgrade bool
	for _, u := range g.Protocol.Upgrades {
		switch u.Regime {
		case RegimeIgnore:
		case RegimePoW:
			if u.InitialDifficulty == 0 {
				return fmt.Errorf("net upgrade at height %d: pow regime requires initial_difficulty", u.ActivationHeight)
			}
		default:
			return fmt.Errorf("net upgrade at height %d: unknown regime %q", u.ActivationHeight, u.Regime)
		}
		if u.ActivationHeight == 0 {
			sawGenesisUpgrade = true
		}
	}
	if !sawGenesisUpgrade {
		return fmt.Errorf("protocol.upgrades must anchor a regime at height 0")
	}

	if g.Protocol.Consensus.BlockTime <= 0 {
		return fmt.Errorf("block_time must be positive")
	}

	if g.Protocol.Consensus.BlockReward == 0 {
		return fmt.Errorf("block_reward must be positive")
	}

	// Validate alloc addresses and check total doesn't exceed max supply.
	var totalAlloc uint64
	for addrStr, v := range g.Alloc {
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		totalAlloc += v
	}
	if g.Protocol.Consensus.MaxSupply > 0 && totalAlloc > g.Protocol.Consensus.MaxSupply {
		return fmt.Errorf("genesis allocations (%d) exceed max_supply (%d)",
			totalAlloc, g.Protocol.Consensus.MaxSupply)
	}

	return nil
}

// Hash returns a BLAKE3 hash of the genesis configuration.
// Used to identify the chain and detect genesis mismatches.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
