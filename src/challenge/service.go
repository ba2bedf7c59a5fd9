package challenge

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"github.com/bitline/trust-engine/src/config"
	"github.com/bitline/trust-engine/src/data"
	"github.com/bitline/trust-engine/src/ledger"
	"github.com/bitline/trust-engine/src/pricing"
	"github.com/bitline/trust-engine/src/reputation"
	"github.com/bitline/trust-engine/src/settlement"
	"github.com/bitline/trust-engine/src/types"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

var (
	ErrUnknownReason   = errors.New("challenge: unknown reason class")
	ErrSelfChallenge   = errors.New("challenge: cannot challenge own content")
	ErrContentInactive = errors.New("challenge: content is not active")
	ErrContentTooOld   = errors.New("challenge: content is past the challenge window")
	ErrOpenChallenge   = errors.New("challenge: content already has an open challenge")
	ErrAlreadyResolved = errors.New("challenge: already resolved")
)

// Service owns the report lifecycle: fee-escrowed submission, terminal
// resolution, and the money and reputation flows each verdict triggers.
type Service struct {
	db     *gorm.DB
	econ   *config.Economics
	led    *ledger.Service
	rep    *reputation.Service
	price  *pricing.Service
	wins   *settlement.Windows
	rdb    *redis.Client
	policy *bluemonday.Policy
	now    func() time.Time
}

func New(db *gorm.DB, econ *config.Economics, led *ledger.Service, rep *reputation.Service, price *pricing.Service, wins *settlement.Windows, rdb *redis.Client) *Service {
	return &Service{
		db:     db,
		econ:   econ,
		led:    led,
		rep:    rep,
		price:  price,
		wins:   wins,
		rdb:    rdb,
		policy: bluemonday.StrictPolicy(),
		now:    time.Now,
	}
}

// Submit opens a challenge against a content item and escrows the
// challenger's fee. The fee is not forwarded anywhere until the verdict.
func (s *Service) Submit(ctx context.Context, challengerID, contentID uint64, reason, detail string) (*types.Challenge, error) {
	if _, ok := s.econ.Challenge.FineMultipliers[reason]; !ok {
		return nil, ErrUnknownReason
	}

	var content types.ContentItem
	if err := s.db.WithContext(ctx).First(&content, contentID).Error; err != nil {
		return nil, err
	}
	if content.Status != types.ContentActive {
		return nil, ErrContentInactive
	}
	if content.AuthorID == challengerID {
		return nil, ErrSelfChallenge
	}
	maxAge := time.Duration(s.econ.Challenge.MaxContentAgeH) * time.Hour
	if s.now().UTC().Sub(content.CreatedAt) > maxAge {
		return nil, ErrContentTooOld
	}

	var open int64
	err := s.db.WithContext(ctx).Model(&types.Challenge{}).
		Where("content_id = ? AND status = ?", contentID, types.ChallengePending).
		Count(&open).Error
	if err != nil {
		return nil, err
	}
	if open > 0 {
		return nil, ErrOpenChallenge
	}

	acct, err := s.rep.EnsureAccount(ctx, challengerID)
	if err != nil {
		return nil, err
	}
	fee, err := s.price.ChallengeFee(acct)
	if err != nil {
		return nil, err
	}

	ch := types.Challenge{
		ContentID:    contentID,
		ChallengerID: challengerID,
		AuthorID:     content.AuthorID,
		Reason:       reason,
		Detail:       s.policy.Sanitize(detail),
		FeePaid:      fee,
		Status:       types.ChallengePending,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&ch).Error; err != nil {
		return nil, err
	}

	_, _, err = s.led.Debit(ctx, challengerID, fee, types.ActionChallenge, "challenge", ch.ID,
		ledger.Key(types.ActionChallenge, "challenge", ch.ID, "fee"))
	if err != nil {
		if derr := s.db.WithContext(ctx).Delete(&types.Challenge{}, ch.ID).Error; derr != nil {
			log.Printf("challenge: drop unfunded challenge %d: %v", ch.ID, derr)
		}
		return nil, err
	}

	if s.rdb != nil {
		_ = data.PublishEvent(ctx, s.rdb, "challenge_submitted", map[string]interface{}{
			"challenge": ch.ID,
			"content":   contentID,
			"reason":    reason,
		})
	}
	return &ch, nil
}

func (s *Service) Get(ctx context.Context, id uint64) (*types.Challenge, error) {
	var ch types.Challenge
	if err := s.db.WithContext(ctx).First(&ch, id).Error; err != nil {
		return nil, err
	}
	return &ch, nil
}

// ListByContent returns all challenges against an item, newest first.
func (s *Service) ListByContent(ctx context.Context, contentID uint64) ([]types.Challenge, error) {
	var out []types.Challenge
	err := s.db.WithContext(ctx).
		Where("content_id = ?", contentID).
		Order("id DESC").
		Find(&out).Error
	return out, err
}

// Resolve applies the oracle's ruling. The terminal transition is claimed
// with a conditional update, so concurrent callbacks for the same
// challenge resolve exactly once and the loser gets ErrAlreadyResolved.
// A guilty verdict below the confidence floor is treated as not guilty.
func (s *Service) Resolve(ctx context.Context, challengeID uint64, v Verdict) error {
	var ch types.Challenge
	if err := s.db.WithContext(ctx).First(&ch, challengeID).Error; err != nil {
		return err
	}
	if ch.Status != types.ChallengePending {
		return ErrAlreadyResolved
	}

	guilty := v.Guilty && v.Confidence >= s.econ.Challenge.ConfidenceFloor
	if v.Guilty && !guilty {
		log.Printf("challenge: %d guilty verdict below confidence floor (%.2f), ruling not guilty", ch.ID, v.Confidence)
	}
	if guilty {
		return s.resolveGuilty(ctx, &ch, v)
	}
	return s.resolveNotGuilty(ctx, &ch, v)
}

func (s *Service) resolveGuilty(ctx context.Context, ch *types.Challenge, v Verdict) error {
	var content types.ContentItem
	if err := s.db.WithContext(ctx).First(&content, ch.ContentID).Error; err != nil {
		return err
	}

	fine := int64(math.Round(float64(content.CostPaid) * s.econ.FineMultiplier(ch.Reason)))
	now := s.now().UTC()

	res := s.db.WithContext(ctx).Model(&types.Challenge{}).
		Where("id = ? AND status = ?", ch.ID, types.ChallengePending).
		Updates(map[string]interface{}{
			"status":             types.ChallengeGuilty,
			"fine_amount":        fine,
			"verdict_reason":     v.Reason,
			"verdict_confidence": v.Confidence,
			"resolved_at":        now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyResolved
	}

	if err := s.db.WithContext(ctx).Model(&types.ContentItem{}).
		Where("id = ?", content.ID).
		Update("status", types.ContentRemoved).Error; err != nil {
		return err
	}

	collected, err := s.led.DebitUpTo(ctx, ch.AuthorID, fine, types.ActionFine, "challenge", ch.ID,
		ledger.Key(types.ActionFine, "challenge", ch.ID, "fine"))
	if err != nil {
		return err
	}
	if collected < fine {
		log.Printf("challenge: %d fine %d collected %d, excess forgiven", ch.ID, fine, collected)
		if err := s.rep.PenalizeRisk(ctx, ch.AuthorID, s.econ.Reputation.UnpaidFineRisk, "unpaid fine"); err != nil {
			log.Printf("challenge: unpaid fine risk for %d: %v", ch.AuthorID, err)
		}
	}
	if err := s.db.WithContext(ctx).Model(&types.Challenge{}).
		Where("id = ?", ch.ID).
		Update("collected_amount", collected).Error; err != nil {
		return err
	}

	reporterCut := int64(math.Floor(float64(collected) * s.econ.Challenge.ReporterShare))
	award := ch.FeePaid + reporterCut
	_, _, err = s.led.Credit(ctx, ch.ChallengerID, award, types.ActionChallengeAward, "challenge", ch.ID,
		ledger.Key(types.ActionChallengeAward, "challenge", ch.ID, "award"))
	if err != nil {
		return err
	}

	if remainder := collected - reporterCut; remainder > 0 {
		if err := s.wins.Accrue(ctx, remainder); err != nil {
			return err
		}
	}
	// an unsettled question's escrowed bounty has nowhere to go once the
	// question is removed; it falls back to the pool
	if content.Kind == types.KindQuestion && content.Bounty > 0 && content.SettlementStatus == types.SettlementPending {
		if err := s.wins.Accrue(ctx, content.Bounty); err != nil {
			return err
		}
	}

	if err := s.rep.Adjust(ctx, ch.AuthorID, s.econ.Reputation.GuiltyCreator, 0, 0, s.econ.Reputation.GuiltyRisk); err != nil {
		log.Printf("challenge: author reputation for %d: %v", ch.AuthorID, err)
	}
	s.penalizeLikers(ctx, content.ID)
	if err := s.rep.DriftJuror(ctx, ch.ChallengerID); err != nil {
		log.Printf("challenge: juror drift for %d: %v", ch.ChallengerID, err)
	}

	log.Printf("challenge: %d guilty (fine %d, collected %d, award %d)", ch.ID, fine, collected, award)
	s.publishResolved(ctx, ch.ID, types.ChallengeGuilty)
	return nil
}

func (s *Service) resolveNotGuilty(ctx context.Context, ch *types.Challenge, v Verdict) error {
	now := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&types.Challenge{}).
		Where("id = ? AND status = ?", ch.ID, types.ChallengePending).
		Updates(map[string]interface{}{
			"status":             types.ChallengeNotGuilty,
			"verdict_reason":     v.Reason,
			"verdict_confidence": v.Confidence,
			"resolved_at":        now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyResolved
	}

	// the escrowed fee is forfeited to the pool
	if err := s.wins.Accrue(ctx, ch.FeePaid); err != nil {
		return err
	}
	if err := s.rep.Adjust(ctx, ch.AuthorID, s.econ.Reputation.SurvivedCreator, 0, 0, 0); err != nil {
		log.Printf("challenge: survived author reputation for %d: %v", ch.AuthorID, err)
	}
	if err := s.rep.DriftJuror(ctx, ch.ChallengerID); err != nil {
		log.Printf("challenge: juror drift for %d: %v", ch.ChallengerID, err)
	}

	log.Printf("challenge: %d not guilty (fee %d to pool)", ch.ID, ch.FeePaid)
	s.publishResolved(ctx, ch.ID, types.ChallengeNotGuilty)
	return nil
}

// penalizeLikers docks curator score for everyone who liked content that
// was later ruled guilty.
func (s *Service) penalizeLikers(ctx context.Context, contentID uint64) {
	delta := s.econ.Reputation.GuiltyCurator
	if delta == 0 {
		return
	}
	var likes []types.Engagement
	if err := s.db.WithContext(ctx).Where("content_id = ?", contentID).Find(&likes).Error; err != nil {
		log.Printf("challenge: load likers of %d: %v", contentID, err)
		return
	}
	for _, l := range likes {
		if err := s.rep.Adjust(ctx, l.AccountID, 0, delta, 0, 0); err != nil {
			log.Printf("challenge: curator penalty for %d: %v", l.AccountID, err)
		}
	}
}

func (s *Service) publishResolved(ctx context.Context, id uint64, status string) {
	if s.rdb == nil {
		return
	}
	_ = data.PublishEvent(ctx, s.rdb, "challenge_resolved", map[string]interface{}{
		"challenge": id,
		"status":    status,
	})
}
