package config

import (
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Economics is the canonical tunable table for the whole engine: action
// costs, tier bands, discovery weighting, collusion thresholds, the
// settlement split and the challenge economy. Values present in the YAML
// file override the defaults field by field.
type Economics struct {
	Costs      map[string]int64 `yaml:"costs"`
	Tiers      []TierBand       `yaml:"tiers"`
	Trust      TrustWeights     `yaml:"trust"`
	Seeds      AccountSeeds     `yaml:"seeds"`
	Discovery  DiscoveryParams  `yaml:"discovery"`
	Collusion  CollusionParams  `yaml:"collusion"`
	Settlement SettlementParams `yaml:"settlement"`
	Challenge  ChallengeParams  `yaml:"challenge"`
	Reputation ReputationDeltas `yaml:"reputation"`
}

// TierBand maps a minimum risk-adjusted trust score to a named tier.
// Bands are kept sorted by Min descending; the first match wins.
type TierBand struct {
	Name          string  `yaml:"name"`
	Min           int     `yaml:"min"`
	FeeMultiplier float64 `yaml:"feeMultiplier"`
	LikeWeight    float64 `yaml:"likeWeight"`
}

type TrustWeights struct {
	Creator float64 `yaml:"creator"`
	Curator float64 `yaml:"curator"`
	Juror   float64 `yaml:"juror"`
	Risk    float64 `yaml:"risk"`
}

type AccountSeeds struct {
	Creator     int `yaml:"creator"`
	Curator     int `yaml:"curator"`
	Juror       int `yaml:"juror"`
	Risk        int `yaml:"risk"`
	FreeCredits int `yaml:"freeCredits"`
}

type DiscoveryParams struct {
	NoveltyDecay float64 `yaml:"noveltyDecay"`
	NoveltyFloor float64 `yaml:"noveltyFloor"`
	EntropyFloor float64 `yaml:"entropyFloor"`
	ScoutLikers  int     `yaml:"scoutLikers"`
	ScoutGain    float64 `yaml:"scoutGain"`
	ScoutCap     float64 `yaml:"scoutCap"`
	TopShare     float64 `yaml:"topShare"`
}

type CollusionParams struct {
	SameCircleWeight     float64 `yaml:"sameCircleWeight"`
	AdjacentCircleWeight float64 `yaml:"adjacentCircleWeight"`
	DistantCircleWeight  float64 `yaml:"distantCircleWeight"`
	MinMutualWeight      int     `yaml:"minMutualWeight"`
	MinCircleSize        int     `yaml:"minCircleSize"`
	MinCabalVolume       int     `yaml:"minCabalVolume"`
	CabalThreshold       float64 `yaml:"cabalThreshold"`
	CabalCooldownDays    int     `yaml:"cabalCooldownDays"`
	CabalRiskPenalty     int     `yaml:"cabalRiskPenalty"`
}

type SettlementParams struct {
	WindowHours  int     `yaml:"windowHours"`
	AuthorShare  float64 `yaml:"authorShare"`
	CommentShare float64 `yaml:"commentShare"`
	Workers      int     `yaml:"workers"`
}

type ChallengeParams struct {
	ReporterShare   float64            `yaml:"reporterShare"`
	FineMultipliers map[string]float64 `yaml:"fineMultipliers"`
	ConfidenceFloor float64            `yaml:"confidenceFloor"`
	MaxContentAgeH  int                `yaml:"maxContentAgeHours"`
}

type ReputationDeltas struct {
	GuiltyCreator   int `yaml:"guiltyCreator"`
	GuiltyRisk      int `yaml:"guiltyRisk"`
	UnpaidFineRisk  int `yaml:"unpaidFineRisk"`
	SurvivedCreator int `yaml:"survivedCreator"`
	GuiltyCurator   int `yaml:"guiltyCurator"`
	RewardedCurator int `yaml:"rewardedCurator"`
	JurorStep       int `yaml:"jurorStep"`
	CreatorStep     int `yaml:"creatorStep"`
	RiskDecay       int `yaml:"riskDecay"`
}

// DefaultEconomics returns the canonical table. Keep in sync with the
// operator docs before changing any value here.
func DefaultEconomics() Economics {
	return Economics{
		Costs: map[string]int64{
			"note":         200,
			"question":     300,
			"answer":       200,
			"comment":      50,
			"reply":        20,
			"like_post":    10,
			"like_comment": 5,
			"challenge":    100,
		},
		Tiers: []TierBand{
			{Name: "orange", Min: 800, FeeMultiplier: 0.5, LikeWeight: 6.0},
			{Name: "purple", Min: 600, FeeMultiplier: 0.75, LikeWeight: 3.5},
			{Name: "blue", Min: 400, FeeMultiplier: 0.9, LikeWeight: 2.0},
			{Name: "green", Min: 200, FeeMultiplier: 1.0, LikeWeight: 1.0},
			{Name: "white", Min: 0, FeeMultiplier: 1.2, LikeWeight: 0.5},
		},
		Trust: TrustWeights{Creator: 0.30, Curator: 0.25, Juror: 0.25, Risk: 0.20},
		Seeds: AccountSeeds{Creator: 150, Curator: 150, Juror: 300, Risk: 30, FreeCredits: 3},
		Discovery: DiscoveryParams{
			NoveltyDecay: 0.08,
			NoveltyFloor: 0.05,
			EntropyFloor: 0.25,
			ScoutLikers:  10,
			ScoutGain:    0.05,
			ScoutCap:     1.5,
			TopShare:     0.1,
		},
		Collusion: CollusionParams{
			SameCircleWeight:     0.1,
			AdjacentCircleWeight: 5.0,
			DistantCircleWeight:  10.0,
			MinMutualWeight:      3,
			MinCircleSize:        3,
			MinCabalVolume:       50,
			CabalThreshold:       0.6,
			CabalCooldownDays:    30,
			CabalRiskPenalty:     100,
		},
		Settlement: SettlementParams{
			WindowHours:  168,
			AuthorShare:  0.80,
			CommentShare: 0.20,
			Workers:      8,
		},
		Challenge: ChallengeParams{
			ReporterShare: 0.35,
			FineMultipliers: map[string]float64{
				"low_quality":   0.5,
				"spam_ad":       1.0,
				"plagiarism_ai": 1.5,
				"scam_phishing": 2.0,
			},
			ConfidenceFloor: 0.5,
			MaxContentAgeH:  168,
		},
		Reputation: ReputationDeltas{
			GuiltyCreator:   -30,
			GuiltyRisk:      20,
			UnpaidFineRisk:  10,
			SurvivedCreator: 3,
			GuiltyCurator:   -5,
			RewardedCurator: 1,
			JurorStep:       25,
			CreatorStep:     25,
			RiskDecay:       5,
		},
	}
}

// LoadEconomics reads the table, applying the file at path (optional) over
// the defaults.
func LoadEconomics(path string) (Economics, error) {
	e := DefaultEconomics()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return e, fmt.Errorf("economics: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &e); err != nil {
			return e, fmt.Errorf("economics: parse %s: %w", path, err)
		}
	}
	if err := e.Validate(); err != nil {
		return e, err
	}
	return e, nil
}

func (e *Economics) Validate() error {
	if len(e.Tiers) == 0 {
		return fmt.Errorf("economics: no tier bands")
	}
	sort.Slice(e.Tiers, func(i, j int) bool { return e.Tiers[i].Min > e.Tiers[j].Min })
	for i := 1; i < len(e.Tiers); i++ {
		if e.Tiers[i-1].FeeMultiplier > e.Tiers[i].FeeMultiplier {
			return fmt.Errorf("economics: fee multiplier must not decrease as tier drops (%s > %s)",
				e.Tiers[i-1].Name, e.Tiers[i].Name)
		}
	}
	if s := e.Settlement.AuthorShare + e.Settlement.CommentShare; math.Abs(s-1.0) > 1e-9 {
		return fmt.Errorf("economics: author+comment share must sum to 1, got %v", s)
	}
	if e.Challenge.ReporterShare < 0 || e.Challenge.ReporterShare > 1 {
		return fmt.Errorf("economics: reporter share out of range")
	}
	if e.Collusion.CabalThreshold <= 0 || e.Collusion.CabalThreshold > 1 {
		return fmt.Errorf("economics: cabal threshold out of range")
	}
	if e.Settlement.Workers <= 0 {
		e.Settlement.Workers = 1
	}
	return nil
}

// Cost returns the base cost for an action, zero when unpriced.
func (e *Economics) Cost(action string) int64 {
	return e.Costs[action]
}

// FineMultiplier maps a challenge reason class to its fine factor.
// Unknown reasons fall back to 1.0.
func (e *Economics) FineMultiplier(reason string) float64 {
	if m, ok := e.Challenge.FineMultipliers[reason]; ok {
		return m
	}
	return 1.0
}
