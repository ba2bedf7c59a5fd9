package settlement

import (
	"context"
	"log"
	"time"

	"github.com/bitline/trust-engine/src/data"
	"github.com/redis/go-redis/v9"
)

// Run locks live this long; a settlement run that exceeds it is assumed
// crashed and another scheduler may take over.
const runLockTTL = 30 * time.Minute

// Scheduler drives the settlement cadence: it closes expired windows on a
// ticker and runs the engine for each window that still owes payouts. The
// redis run lock keeps concurrent deployments from settling the same
// window twice.
type Scheduler struct {
	engine   *Engine
	windows  *Windows
	rdb      *redis.Client
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewScheduler(engine *Engine, windows *Windows, rdb *redis.Client, interval time.Duration) *Scheduler {
	return &Scheduler{engine: engine, windows: windows, rdb: rdb, interval: interval}
}

func (s *Scheduler) Name() string { return "settlement" }

func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(runCtx)
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		select {
		case <-s.done:
		case <-ctx.Done():
		}
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("Stopping settlement scheduler")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if data.GetSetting("settlement_paused") == "1" {
		return
	}

	if _, err := s.windows.CloseDue(ctx); err != nil {
		log.Printf("settlement: close due windows: %v", err)
		return
	}

	due, err := s.windows.NeedingRun(ctx)
	if err != nil {
		log.Printf("settlement: list windows needing run: %v", err)
		return
	}

	for i := range due {
		if ctx.Err() != nil {
			return
		}
		s.runLocked(ctx, due[i].ID)
	}
}

func (s *Scheduler) runLocked(ctx context.Context, windowID uint64) {
	if s.rdb != nil {
		ok, err := data.AcquireRunLock(ctx, s.rdb, windowID, runLockTTL)
		if err != nil {
			log.Printf("settlement: acquire lock for window %d: %v", windowID, err)
			return
		}
		if !ok {
			return
		}
		defer func() {
			if err := data.ReleaseRunLock(ctx, s.rdb, windowID); err != nil {
				log.Printf("settlement: release lock for window %d: %v", windowID, err)
			}
		}()
	}

	if err := s.engine.Run(ctx, windowID); err != nil {
		log.Printf("settlement: run window %d: %v", windowID, err)
	}
}
