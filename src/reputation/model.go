package reputation

import (
	"math"

	"github.com/bitline/trust-engine/src/config"
	"github.com/bitline/trust-engine/src/types"
)

// Model holds the pure score math: composite trust, tier bands and the
// per-tier fee and like weights. All functions are deterministic over the
// economics table.
type Model struct {
	econ *config.Economics
}

func NewModel(econ *config.Economics) *Model {
	return &Model{econ: econ}
}

// Compose derives the composite trust score from the four sub-scores.
// Risk counts against the composite; everything stays in [0,1000].
func (m *Model) Compose(a *types.Account) int {
	w := m.econ.Trust
	raw := w.Creator*float64(a.CreatorScore) +
		w.Curator*float64(a.CuratorScore) +
		w.Juror*float64(a.JurorScore) +
		w.Risk*float64(1000-a.RiskScore)
	return Clamp(int(math.Round(raw)))
}

// TierFor maps a trust score onto the first band whose minimum it meets.
func (m *Model) TierFor(score int) string {
	for _, band := range m.econ.Tiers {
		if score >= band.Min {
			return band.Name
		}
	}
	return m.econ.Tiers[len(m.econ.Tiers)-1].Name
}

func (m *Model) Tier(a *types.Account) string {
	return m.TierFor(m.Compose(a))
}

func (m *Model) FeeMultiplier(tier string) float64 {
	for _, band := range m.econ.Tiers {
		if band.Name == tier {
			return band.FeeMultiplier
		}
	}
	return 1.0
}

// LikeWeight is the trust weight a liker contributes to discovery scores.
func (m *Model) LikeWeight(tier string) float64 {
	for _, band := range m.econ.Tiers {
		if band.Name == tier {
			return band.LikeWeight
		}
	}
	return 1.0
}

// Clamp bounds a sub-score or composite to [0,1000].
func Clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 1000 {
		return 1000
	}
	return v
}
