package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"strconv"
	"time"

	"github.com/bitline/trust-engine/src/config"
	"github.com/bitline/trust-engine/src/types"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const breakdownTTL = 30 * time.Second

// Service owns account sub-scores. All drift and penalty events funnel
// through here so clamping and composite recompute stay in one place.
type Service struct {
	db    *gorm.DB
	rdb   *redis.Client
	econ  *config.Economics
	model *Model
	now   func() time.Time
}

func NewService(db *gorm.DB, rdb *redis.Client, econ *config.Economics) *Service {
	return &Service{
		db:    db,
		rdb:   rdb,
		econ:  econ,
		model: NewModel(econ),
		now:   time.Now,
	}
}

func (s *Service) Model() *Model { return s.model }

// EnsureAccount provisions an account on first use with the seed
// sub-scores and free action credits.
func (s *Service) EnsureAccount(ctx context.Context, id uint64) (*types.Account, error) {
	seeds := s.econ.Seeds
	var acct types.Account
	err := s.db.WithContext(ctx).
		Where(types.Account{ID: id}).
		Attrs(types.Account{
			CreatorScore:      Clamp(seeds.Creator),
			CuratorScore:      Clamp(seeds.Curator),
			JurorScore:        Clamp(seeds.Juror),
			RiskScore:         Clamp(seeds.Risk),
			FreeActionCredits: seeds.FreeCredits,
		}).
		FirstOrCreate(&acct).Error
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *Service) Get(ctx context.Context, id uint64) (*types.Account, error) {
	var acct types.Account
	if err := s.db.WithContext(ctx).First(&acct, id).Error; err != nil {
		return nil, err
	}
	return &acct, nil
}

// Adjust applies deltas to any of the four sub-scores, clamped to
// [0,1000]. Zero deltas are skipped.
func (s *Service) Adjust(ctx context.Context, id uint64, creator, curator, juror, risk int) error {
	if creator == 0 && curator == 0 && juror == 0 && risk == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acct types.Account
		if err := tx.First(&acct, id).Error; err != nil {
			return err
		}
		acct.CreatorScore = Clamp(acct.CreatorScore + creator)
		acct.CuratorScore = Clamp(acct.CuratorScore + curator)
		acct.JurorScore = Clamp(acct.JurorScore + juror)
		acct.RiskScore = Clamp(acct.RiskScore + risk)
		return tx.Model(&acct).Updates(map[string]interface{}{
			"creator_score": acct.CreatorScore,
			"curator_score": acct.CuratorScore,
			"juror_score":   acct.JurorScore,
			"risk_score":    acct.RiskScore,
		}).Error
	})
}

// PenalizeRisk raises the risk score by delta. Collusion flags and guilty
// verdicts come through here.
func (s *Service) PenalizeRisk(ctx context.Context, id uint64, delta int, reason string) error {
	if delta <= 0 {
		return nil
	}
	if err := s.Adjust(ctx, id, 0, 0, 0, delta); err != nil {
		return err
	}
	log.Printf("reputation: risk +%d for account %d (%s)", delta, id, reason)
	return nil
}

// DriftJuror moves the challenger's juror score toward their lifetime
// guilty-verdict rate, at most JurorStep points per resolution.
func (s *Service) DriftJuror(ctx context.Context, challengerID uint64) error {
	var resolved, guilty int64
	err := s.db.WithContext(ctx).Model(&types.Challenge{}).
		Where("challenger_id = ? AND status <> ?", challengerID, types.ChallengePending).
		Count(&resolved).Error
	if err != nil {
		return err
	}
	if resolved == 0 {
		return nil
	}
	err = s.db.WithContext(ctx).Model(&types.Challenge{}).
		Where("challenger_id = ? AND status = ?", challengerID, types.ChallengeGuilty).
		Count(&guilty).Error
	if err != nil {
		return err
	}

	target := int(math.Round(1000 * float64(guilty) / float64(resolved)))
	return s.driftToward(ctx, challengerID, "juror_score", target, s.econ.Reputation.JurorStep)
}

// DriftCreatorToward moves the author's creator score toward the realized
// discovery percentile of their settled content, step-capped.
func (s *Service) DriftCreatorToward(ctx context.Context, authorID uint64, target int) error {
	return s.driftToward(ctx, authorID, "creator_score", target, s.econ.Reputation.CreatorStep)
}

func (s *Service) driftToward(ctx context.Context, id uint64, column string, target, step int) error {
	if step <= 0 {
		return nil
	}
	target = Clamp(target)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acct types.Account
		if err := tx.First(&acct, id).Error; err != nil {
			return err
		}
		current := 0
		switch column {
		case "creator_score":
			current = acct.CreatorScore
		case "juror_score":
			current = acct.JurorScore
		default:
			return errors.New("reputation: unknown drift column " + column)
		}
		delta := target - current
		if delta > step {
			delta = step
		} else if delta < -step {
			delta = -step
		}
		if delta == 0 {
			return nil
		}
		return tx.Model(&acct).Update(column, Clamp(current+delta)).Error
	})
}

// AddScout accumulates early-discovery credit for an account.
func (s *Service) AddScout(ctx context.Context, id uint64, delta float64) error {
	if delta <= 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&types.Account{}).
		Where("id = ?", id).
		Update("scout_score", gorm.Expr("scout_score + ?", delta)).Error
}

// DecayRisk walks every account's risk score down by the configured decay.
// Runs once per settlement pass.
func (s *Service) DecayRisk(ctx context.Context) error {
	decay := s.econ.Reputation.RiskDecay
	if decay <= 0 {
		return nil
	}
	tx := s.db.WithContext(ctx)
	if err := tx.Model(&types.Account{}).
		Where("risk_score >= ?", decay).
		Update("risk_score", gorm.Expr("risk_score - ?", decay)).Error; err != nil {
		return err
	}
	return tx.Model(&types.Account{}).
		Where("risk_score > 0 AND risk_score < ?", decay).
		Update("risk_score", 0).Error
}

// Breakdown is the client-visible trust summary.
type Breakdown struct {
	AccountID     uint64  `json:"accountId"`
	CreatorScore  int     `json:"creatorScore"`
	CuratorScore  int     `json:"curatorScore"`
	JurorScore    int     `json:"jurorScore"`
	RiskScore     int     `json:"riskScore"`
	TrustScore    int     `json:"trustScore"`
	Tier          string  `json:"tier"`
	FeeMultiplier float64 `json:"feeMultiplier"`
	ScoutScore    float64 `json:"scoutScore"`
	FreeCredits   int     `json:"freeCredits"`
}

// TrustBreakdown assembles the summary, serving from the short-lived
// redis cache when possible.
func (s *Service) TrustBreakdown(ctx context.Context, id uint64) (Breakdown, error) {
	key := "trust:" + strconv.FormatUint(id, 10)
	if s.rdb != nil {
		if raw, err := s.rdb.Get(ctx, key).Result(); err == nil {
			var b Breakdown
			if json.Unmarshal([]byte(raw), &b) == nil {
				return b, nil
			}
		}
	}

	acct, err := s.Get(ctx, id)
	if err != nil {
		return Breakdown{}, err
	}
	trust := s.model.Compose(acct)
	tier := s.model.TierFor(trust)
	b := Breakdown{
		AccountID:     acct.ID,
		CreatorScore:  acct.CreatorScore,
		CuratorScore:  acct.CuratorScore,
		JurorScore:    acct.JurorScore,
		RiskScore:     acct.RiskScore,
		TrustScore:    trust,
		Tier:          tier,
		FeeMultiplier: s.model.FeeMultiplier(tier),
		ScoutScore:    acct.ScoutScore,
		FreeCredits:   acct.FreeActionCredits,
	}

	if s.rdb != nil {
		if raw, err := json.Marshal(b); err == nil {
			s.rdb.Set(ctx, key, raw, breakdownTTL)
		}
	}
	return b, nil
}
