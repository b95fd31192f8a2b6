package chain

import (
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
)

// RegimeKind selects which consensus rule applies at a given height.
type RegimeKind uint8

const (
	// RegimeIgnoreConsensus requires blocks to carry no proof (the Ignore
	// consensus tag) and skips proof-of-work verification.
	RegimeIgnoreConsensus RegimeKind = iota
	// RegimePoW requires the header to carry a valid proof of work.
	RegimePoW
)

// Regime is the consensus rule active over a contiguous height range.
type Regime struct {
	Kind              RegimeKind
	InitialDifficulty uint32 // Compact-encoded starting target, meaningful only for RegimePoW.
}

// upgradePoint anchors a Regime to the first height at which it applies.
type upgradePoint struct {
	height uint64
	regime Regime
}

// Schedule is a height-ordered sequence of consensus-regime activations,
// mirroring the original chain's NetUpgrades table: each entry names the
// regime that takes effect starting at its activation height, remaining in
// force until the next entry's height.
type Schedule struct {
	points []upgradePoint
}

// NewSchedule builds a Schedule from activation points. A point at height 0
// must be present for RegimeAt to resolve any height; NewSchedule panics
// otherwise, since an un-anchored schedule is a configuration bug, not a
// runtime condition.
func NewSchedule(activations map[uint64]Regime) *Schedule {
	if _, ok := activations[0]; !ok {
		panic("chain: upgrade schedule must anchor a regime at height 0")
	}
	s := &Schedule{}
	for h, r := range activations {
		s.points = append(s.points, upgradePoint{height: h, regime: r})
	}
	sort.Slice(s.points, func(i, j int) bool { return s.points[i].height < s.points[j].height })
	return s
}

// RegimeAt returns the regime in force at the given height: the regime
// anchored at the greatest activation height <= h.
func (s *Schedule) RegimeAt(height uint64) Regime {
	idx := sort.Search(len(s.points), func(i int) bool {
		return s.points[i].height > height
	})
	return s.points[idx-1].regime
}

// ScheduleFromGenesis builds a net-upgrade Schedule from the genesis
// configuration's upgrade table, converting each entry's whole-number
// difficulty into the compact-encoded target Regime carries.
func ScheduleFromGenesis(gen *config.Genesis) (*Schedule, error) {
	activations := make(map[uint64]Regime, len(gen.Protocol.Upgrades))
	for _, u := range gen.Protocol.Upgrades {
		var r Regime
		switch u.Regime {
		case config.RegimeIgnore:
			r = Regime{Kind: RegimeIgnoreConsensus}
		case config.RegimePoW:
			if u.InitialDifficulty == 0 {
				return nil, fmt.Errorf("net upgrade at height %d: pow regime requires initial_difficulty", u.ActivationHeight)
			}
			r = Regime{Kind: RegimePoW, InitialDifficulty: uint32(consensus.CompactFromDifficulty(u.InitialDifficulty))}
		default:
			return nil, fmt.Errorf("net upgrade at height %d: unknown regime %q", u.ActivationHeight, u.Regime)
		}
		activations[u.ActivationHeight] = r
	}
	if _, ok := activations[0]; !ok {
		return nil, fmt.Errorf("net upgrade schedule must anchor a regime at height 0")
	}
	return NewSchedule(activations), nil
}
