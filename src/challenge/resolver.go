package challenge

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/bitline/trust-engine/src/types"
	"gorm.io/gorm"
)

const (
	resolveBatchSize   = 50
	resolveBackoffBase = 30 * time.Second
	resolveBackoffCap  = 30 * time.Minute
)

// Resolver is the background worker that feeds pending challenges to the
// oracle. Oracle failures leave the challenge pending; each retry backs
// off exponentially up to the cap. A verdict is never defaulted.
type Resolver struct {
	db       *gorm.DB
	svc      *Service
	oracle   Oracle
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewResolver(db *gorm.DB, svc *Service, oracle Oracle, interval, timeout time.Duration) *Resolver {
	return &Resolver{
		db:       db,
		svc:      svc,
		oracle:   oracle,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
	}
}

func (r *Resolver) Name() string { return "challenge-resolver" }

func (r *Resolver) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(runCtx)
	return nil
}

func (r *Resolver) Stop(ctx context.Context) {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
		}
	}
}

func (r *Resolver) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("Stopping challenge resolver")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Resolver) tick(ctx context.Context) {
	var pending []types.Challenge
	err := r.db.WithContext(ctx).
		Where("status = ?", types.ChallengePending).
		Order("id ASC").
		Limit(resolveBatchSize).
		Find(&pending).Error
	if err != nil {
		log.Printf("challenge: list pending: %v", err)
		return
	}

	for i := range pending {
		if ctx.Err() != nil {
			return
		}
		if !r.due(&pending[i]) {
			continue
		}
		r.attempt(ctx, &pending[i])
	}
}

func backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	if attempts > 10 {
		return resolveBackoffCap
	}
	d := resolveBackoffBase << uint(attempts-1)
	if d > resolveBackoffCap {
		return resolveBackoffCap
	}
	return d
}

func (r *Resolver) due(ch *types.Challenge) bool {
	if ch.LastTriedAt == nil {
		return true
	}
	return !r.now().UTC().Before(ch.LastTriedAt.Add(backoff(ch.Attempts)))
}

func (r *Resolver) attempt(ctx context.Context, ch *types.Challenge) {
	now := r.now().UTC()
	err := r.db.WithContext(ctx).Model(&types.Challenge{}).
		Where("id = ?", ch.ID).
		Updates(map[string]interface{}{
			"attempts":      gorm.Expr("attempts + 1"),
			"last_tried_at": now,
		}).Error
	if err != nil {
		log.Printf("challenge: mark attempt on %d: %v", ch.ID, err)
		return
	}

	var content types.ContentItem
	if err := r.db.WithContext(ctx).First(&content, ch.ContentID).Error; err != nil {
		log.Printf("challenge: load content %d: %v", ch.ContentID, err)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	v, err := r.oracle.Review(cctx, ReviewRequest{
		ChallengeID: ch.ID,
		Reason:      ch.Reason,
		Detail:      ch.Detail,
		ContentKind: content.Kind,
		ContentBody: content.Body,
	})
	cancel()
	if err != nil {
		log.Printf("challenge: oracle unavailable for %d (attempt %d): %v", ch.ID, ch.Attempts+1, err)
		return
	}

	if err := r.svc.Resolve(ctx, ch.ID, v); err != nil && !errors.Is(err, ErrAlreadyResolved) {
		log.Printf("challenge: resolve %d: %v", ch.ID, err)
	}
}
