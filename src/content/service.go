package content

import (
	"context"
	"errors"
	"log"
	"strings"
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
	ErrUnknownKind      = errors.New("content: unknown kind")
	ErrEmptyBody        = errors.New("content: empty body")
	ErrBadParent        = errors.New("content: parent does not fit the kind")
	ErrParentInactive   = errors.New("content: parent is not active")
	ErrBountyNotAllowed = errors.New("content: bounty is only valid on questions")
	ErrSelfLike         = errors.New("content: cannot like own content")
	ErrSelfFollow       = errors.New("content: cannot follow self")
	ErrContentInactive  = errors.New("content: content is not active")
)

// rootKinds can be liked at the post rate; everything below a root is
// charged at the comment rate.
var rootKinds = map[string]bool{
	types.KindNote:     true,
	types.KindQuestion: true,
}

// parentKinds maps each child kind to its admissible parent kinds.
var parentKinds = map[string]map[string]bool{
	types.KindAnswer:  {types.KindQuestion: true},
	types.KindComment: {types.KindNote: true, types.KindQuestion: true},
	types.KindReply:   {types.KindAnswer: true, types.KindComment: true, types.KindReply: true},
}

// Service admits content and engagement into the economy: every admission
// debits the author at their tier price and feeds the fee into the open
// settlement window's pool.
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
		policy: bluemonday.UGCPolicy(),
		now:    time.Now,
	}
}

// Create admits a new content item. The author's fee is charged up front
// (one free action credit covers it when available) and a question's
// bounty is escrowed from the author's balance until settlement.
func (s *Service) Create(ctx context.Context, authorID uint64, kind string, parentID *uint64, body string, bounty int64) (*types.ContentItem, error) {
	switch kind {
	case types.KindNote, types.KindQuestion, types.KindAnswer, types.KindComment, types.KindReply:
	default:
		return nil, ErrUnknownKind
	}
	body = strings.TrimSpace(s.policy.Sanitize(body))
	if body == "" {
		return nil, ErrEmptyBody
	}
	if bounty < 0 || (bounty > 0 && kind != types.KindQuestion) {
		return nil, ErrBountyNotAllowed
	}

	if allowed, ok := parentKinds[kind]; ok {
		if parentID == nil {
			return nil, ErrBadParent
		}
		var parent types.ContentItem
		if err := s.db.WithContext(ctx).First(&parent, *parentID).Error; err != nil {
			return nil, err
		}
		if !allowed[parent.Kind] {
			return nil, ErrBadParent
		}
		if parent.Status != types.ContentActive {
			return nil, ErrParentInactive
		}
	} else if parentID != nil {
		return nil, ErrBadParent
	}

	acct, err := s.rep.EnsureAccount(ctx, authorID)
	if err != nil {
		return nil, err
	}

	cost, err := s.price.Cost(kind, acct)
	if err != nil {
		return nil, err
	}
	free, err := s.price.ConsumeFreeCredit(ctx, authorID)
	if err != nil {
		return nil, err
	}
	if free {
		cost = 0
	}

	item := types.ContentItem{
		AuthorID:         authorID,
		Kind:             kind,
		ParentID:         parentID,
		Body:             body,
		CostPaid:         cost,
		Bounty:           bounty,
		Status:           types.ContentActive,
		SettlementStatus: types.SettlementPending,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, err
	}

	// bounty escrow before the fee, so a failed escrow has nothing to
	// unwind beyond the row itself
	if bounty > 0 {
		_, _, err := s.led.Debit(ctx, authorID, bounty, types.ActionBounty, "content", item.ID,
			ledger.Key(types.ActionBounty, "content", item.ID, "escrow"))
		if err != nil {
			s.unwind(ctx, item.ID, authorID, free)
			return nil, err
		}
	}
	if cost > 0 {
		_, _, err := s.led.Debit(ctx, authorID, cost, kind, "content", item.ID,
			ledger.Key(kind, "content", item.ID, "fee"))
		if err != nil {
			if bounty > 0 {
				if _, _, cerr := s.led.Credit(ctx, authorID, bounty, types.ActionBounty, "content", item.ID,
					ledger.Key(types.ActionBounty, "content", item.ID, "escrow-return")); cerr != nil {
					log.Printf("content: return escrow for %d: %v", item.ID, cerr)
				}
			}
			s.unwind(ctx, item.ID, authorID, free)
			return nil, err
		}
		if err := s.wins.Accrue(ctx, cost); err != nil {
			log.Printf("content: accrue fee for %d: %v", item.ID, err)
		}
	}

	if s.rdb != nil {
		_ = data.PublishEvent(ctx, s.rdb, "content_created", map[string]interface{}{
			"content": item.ID,
			"author":  authorID,
			"kind":    kind,
		})
	}
	return &item, nil
}

// unwind removes a half-admitted item and hands back the free credit it
// consumed, if any.
func (s *Service) unwind(ctx context.Context, itemID, authorID uint64, usedCredit bool) {
	if err := s.db.WithContext(ctx).Delete(&types.ContentItem{}, itemID).Error; err != nil {
		log.Printf("content: drop unfunded item %d: %v", itemID, err)
	}
	if usedCredit {
		if err := s.db.WithContext(ctx).Model(&types.Account{}).
			Where("id = ?", authorID).
			Update("free_action_credits", gorm.Expr("free_action_credits + 1")).Error; err != nil {
			log.Printf("content: refund free credit for %d: %v", authorID, err)
		}
	}
}

// ToggleLike flips the account's like on an item. Liking charges the
// like fee into the pool; unliking removes the edge without a refund.
// Returns whether the item is liked after the call.
func (s *Service) ToggleLike(ctx context.Context, accountID, contentID uint64) (bool, error) {
	var item types.ContentItem
	if err := s.db.WithContext(ctx).First(&item, contentID).Error; err != nil {
		return false, err
	}
	if item.Status != types.ContentActive {
		return false, ErrContentInactive
	}
	if item.AuthorID == accountID {
		return false, ErrSelfLike
	}

	var existing types.Engagement
	err := s.db.WithContext(ctx).
		Where("content_id = ? AND account_id = ?", contentID, accountID).
		First(&existing).Error
	if err == nil {
		if err := s.db.WithContext(ctx).Delete(&types.Engagement{}, existing.ID).Error; err != nil {
			return true, err
		}
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	acct, err := s.rep.EnsureAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	action := types.ActionLikeComment
	if rootKinds[item.Kind] {
		action = types.ActionLikePost
	}
	cost, err := s.price.Cost(action, acct)
	if err != nil {
		return false, err
	}

	edge := types.Engagement{ContentID: contentID, AccountID: accountID, CreatedAt: s.now().UTC()}
	if err := s.db.WithContext(ctx).Create(&edge).Error; err != nil {
		return false, err
	}
	_, _, err = s.led.Debit(ctx, accountID, cost, action, "content", contentID,
		ledger.Key(action, "engagement", edge.ID, "fee"))
	if err != nil {
		if derr := s.db.WithContext(ctx).Delete(&types.Engagement{}, edge.ID).Error; derr != nil {
			log.Printf("content: drop unfunded like %d: %v", edge.ID, derr)
		}
		return false, err
	}
	if err := s.wins.Accrue(ctx, cost); err != nil {
		log.Printf("content: accrue like fee for %d: %v", contentID, err)
	}
	return true, nil
}

// Follow records a follow edge. Follows are free; they only feed the
// interaction graph.
func (s *Service) Follow(ctx context.Context, followerID, followeeID uint64) error {
	if followerID == followeeID {
		return ErrSelfFollow
	}
	if _, err := s.rep.EnsureAccount(ctx, followerID); err != nil {
		return err
	}
	edge := types.Follow{FollowerID: followerID, FolloweeID: followeeID, CreatedAt: s.now().UTC()}
	err := s.db.WithContext(ctx).Create(&edge).Error
	if err != nil && isDuplicate(err) {
		return nil
	}
	return err
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

func (s *Service) Unfollow(ctx context.Context, followerID, followeeID uint64) error {
	return s.db.WithContext(ctx).
		Where("follower_id = ? AND followee_id = ?", followerID, followeeID).
		Delete(&types.Follow{}).Error
}

func (s *Service) Get(ctx context.Context, id uint64) (*types.ContentItem, error) {
	var item types.ContentItem
	if err := s.db.WithContext(ctx).First(&item, id).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// ListRecent returns the newest active roots.
func (s *Service) ListRecent(ctx context.Context, limit int) ([]types.ContentItem, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var items []types.ContentItem
	err := s.db.WithContext(ctx).
		Where("status = ? AND parent_id IS NULL", types.ContentActive).
		Order("id DESC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

// Children returns an item's direct children, oldest first.
func (s *Service) Children(ctx context.Context, parentID uint64, limit int) ([]types.ContentItem, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var items []types.ContentItem
	err := s.db.WithContext(ctx).
		Where("parent_id = ? AND status = ?", parentID, types.ContentActive).
		Order("id ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}
