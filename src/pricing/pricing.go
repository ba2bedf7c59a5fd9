package pricing

import (
	"context"
	"fmt"
	"math"

	"github.com/bitline/trust-engine/src/config"
	"github.com/bitline/trust-engine/src/reputation"
	"github.com/bitline/trust-engine/src/types"
	"gorm.io/gorm"
)

// Service prices actions against the economics table and the account's
// current tier.
type Service struct {
	db    *gorm.DB
	econ  *config.Economics
	model *reputation.Model
}

func New(db *gorm.DB, econ *config.Economics, model *reputation.Model) *Service {
	return &Service{db: db, econ: econ, model: model}
}

// Cost returns round(base × fee multiplier) for the account's tier.
func (s *Service) Cost(action string, acct *types.Account) (int64, error) {
	base := s.econ.Cost(action)
	if base <= 0 {
		return 0, fmt.Errorf("pricing: unknown action %q", action)
	}
	mult := s.model.FeeMultiplier(s.model.Tier(acct))
	return int64(math.Round(float64(base) * mult)), nil
}

func (s *Service) ChallengeFee(acct *types.Account) (int64, error) {
	return s.Cost(types.ActionChallenge, acct)
}

// Sheet is the full per-action price list for one account, served to
// clients for display.
func (s *Service) Sheet(acct *types.Account) map[string]int64 {
	mult := s.model.FeeMultiplier(s.model.Tier(acct))
	out := make(map[string]int64, len(s.econ.Costs))
	for action, base := range s.econ.Costs {
		out[action] = int64(math.Round(float64(base) * mult))
	}
	return out
}

// ConsumeFreeCredit burns one free action credit if any remain. The
// decrement is a single conditional update so two concurrent attempts
// cannot share a credit.
func (s *Service) ConsumeFreeCredit(ctx context.Context, accountID uint64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&types.Account{}).
		Where("id = ? AND free_action_credits > 0", accountID).
		Update("free_action_credits", gorm.Expr("free_action_credits - 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
