package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bitline/trust-engine/src/config"
	"github.com/bitline/trust-engine/src/types"
	"gorm.io/gorm"
)

var ErrWindowOpen = errors.New("settlement: window still open")

// Windows manages the fee-pool accumulator lifecycle: one open window per
// cadence period, closed exactly once at its wall-clock boundary, never
// reopened.
type Windows struct {
	db   *gorm.DB
	econ *config.Economics
	mu   sync.Mutex
	now  func() time.Time
}

func NewWindows(db *gorm.DB, econ *config.Economics) *Windows {
	return &Windows{db: db, econ: econ, now: time.Now}
}

func (w *Windows) period() time.Duration {
	return time.Duration(w.econ.Settlement.WindowHours) * time.Hour
}

// CurrentOpen returns the open window covering now, creating it aligned
// to the cadence boundary when absent.
func (w *Windows) CurrentOpen(ctx context.Context) (*types.SettlementWindow, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now().UTC()
	var win types.SettlementWindow
	err := w.db.WithContext(ctx).
		Where("status = ? AND period_start <= ? AND period_end > ?", types.WindowOpen, now, now).
		First(&win).Error
	if err == nil {
		return &win, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	d := w.period()
	start := now.Truncate(d)
	win = types.SettlementWindow{
		PeriodStart: start,
		PeriodEnd:   start.Add(d),
		Status:      types.WindowOpen,
	}
	if err := w.db.WithContext(ctx).Create(&win).Error; err != nil {
		return nil, err
	}
	return &win, nil
}

// Accrue adds fee inflow to the currently open window's pool.
func (w *Windows) Accrue(ctx context.Context, amount int64) error {
	if amount <= 0 {
		return nil
	}
	win, err := w.CurrentOpen(ctx)
	if err != nil {
		return err
	}
	return w.db.WithContext(ctx).Model(&types.SettlementWindow{}).
		Where("id = ? AND status = ?", win.ID, types.WindowOpen).
		Update("pool_amount", gorm.Expr("pool_amount + ?", amount)).Error
}

// CloseDue closes every open window whose period has ended and returns
// them, oldest first.
func (w *Windows) CloseDue(ctx context.Context) ([]types.SettlementWindow, error) {
	now := w.now().UTC()
	var due []types.SettlementWindow
	err := w.db.WithContext(ctx).
		Where("status = ? AND period_end <= ?", types.WindowOpen, now).
		Order("period_start ASC").
		Find(&due).Error
	if err != nil {
		return nil, err
	}
	for i := range due {
		err := w.db.WithContext(ctx).Model(&due[i]).
			Where("status = ?", types.WindowOpen).
			Update("status", types.WindowClosed).Error
		if err != nil {
			return nil, err
		}
		due[i].Status = types.WindowClosed
	}
	return due, nil
}

// NeedingRun lists closed windows that still have pending content in
// their period or unpaid reward rows, oldest first.
func (w *Windows) NeedingRun(ctx context.Context) ([]types.SettlementWindow, error) {
	var wins []types.SettlementWindow
	err := w.db.WithContext(ctx).Raw(`
SELECT * FROM settlement_windows w
WHERE w.status = ?
  AND (
    EXISTS (
      SELECT 1 FROM content_rewards r
      WHERE r.window_id = w.id AND r.paid = ?
    )
    OR EXISTS (
      SELECT 1 FROM content_items c
      WHERE c.settlement_status = ?
        AND c.created_at >= w.period_start AND c.created_at < w.period_end
    )
  )
ORDER BY w.period_start ASC
`, types.WindowClosed, false, types.SettlementPending).Scan(&wins).Error
	return wins, err
}

func (w *Windows) Get(ctx context.Context, id uint64) (*types.SettlementWindow, error) {
	var win types.SettlementWindow
	if err := w.db.WithContext(ctx).First(&win, id).Error; err != nil {
		return nil, err
	}
	return &win, nil
}
