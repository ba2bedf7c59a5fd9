package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bitline/trust-engine/src/data"
	"github.com/bitline/trust-engine/src/types"
	"gorm.io/gorm"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

const lockStripes = 256

// Service is the append-only ledger. Every mutation touches exactly one
// account and is serialized against other mutations to the same account;
// different accounts proceed in parallel.
type Service struct {
	db    *gorm.DB
	locks [lockStripes]sync.Mutex
}

func New(db *gorm.DB) *Service {
	return &Service{db: db}
}

func (s *Service) lockFor(accountID uint64) *sync.Mutex {
	return &s.locks[accountID%lockStripes]
}

// Key builds a dedupe key for idempotent submissions. Callers that pass
// the same key twice get the original entry back instead of a second one.
func Key(action, refKind string, refID uint64, qualifier string) string {
	return data.Twox128Hex(action + "|" + refKind + "|" + strconv.FormatUint(refID, 10) + "|" + qualifier)
}

// Debit appends a negative entry. Fails with ErrInsufficientBalance and no
// side effects when the balance cannot cover the amount. Returns the entry
// and whether it was newly applied (false on a dedupe hit).
func (s *Service) Debit(ctx context.Context, accountID uint64, amount int64, action, refKind string, refID uint64, dedupe string) (*types.LedgerEntry, bool, error) {
	if amount <= 0 {
		return nil, false, fmt.Errorf("ledger: debit amount must be positive, got %d", amount)
	}
	return s.append(ctx, accountID, -amount, action, refKind, refID, dedupe, false)
}

// Credit appends a positive entry.
func (s *Service) Credit(ctx context.Context, accountID uint64, amount int64, action, refKind string, refID uint64, dedupe string) (*types.LedgerEntry, bool, error) {
	if amount <= 0 {
		return nil, false, fmt.Errorf("ledger: credit amount must be positive, got %d", amount)
	}
	return s.append(ctx, accountID, amount, action, refKind, refID, dedupe, false)
}

// DebitUpTo collects at most max from the account, clamped at the current
// balance so the result never goes negative. Returns the amount actually
// collected; zero means no entry was written.
func (s *Service) DebitUpTo(ctx context.Context, accountID uint64, max int64, action, refKind string, refID uint64, dedupe string) (int64, error) {
	if max <= 0 {
		return 0, nil
	}
	entry, _, err := s.append(ctx, accountID, -max, action, refKind, refID, dedupe, true)
	if err != nil {
		return 0, err
	}
	if entry == nil {
		return 0, nil
	}
	return -entry.Amount, nil
}

func (s *Service) append(ctx context.Context, accountID uint64, amount int64, action, refKind string, refID uint64, dedupe string, clamp bool) (*types.LedgerEntry, bool, error) {
	mu := s.lockFor(accountID)
	mu.Lock()
	defer mu.Unlock()

	var out *types.LedgerEntry
	applied := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if dedupe != "" {
			var prior types.LedgerEntry
			err := tx.Where("dedupe_key = ?", dedupe).First(&prior).Error
			if err == nil {
				out = &prior
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		balance, err := lastBalance(tx, accountID)
		if err != nil {
			return err
		}

		if amount < 0 && balance+amount < 0 {
			if !clamp {
				return ErrInsufficientBalance
			}
			amount = -balance
			if amount == 0 {
				return nil
			}
		}

		entry := types.LedgerEntry{
			AccountID:    accountID,
			Amount:       amount,
			BalanceAfter: balance + amount,
			Action:       action,
			RefKind:      refKind,
			RefID:        refID,
			CreatedAt:    time.Now().UTC(),
		}
		if dedupe != "" {
			entry.DedupeKey = &dedupe
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		out = &entry
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, applied, nil
}

func lastBalance(tx *gorm.DB, accountID uint64) (int64, error) {
	var last types.LedgerEntry
	err := tx.Where("account_id = ?", accountID).Order("id DESC").First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return last.BalanceAfter, nil
}

// Balance returns the account's available balance, zero when the account
// has no entries yet.
func (s *Service) Balance(ctx context.Context, accountID uint64) (int64, error) {
	return lastBalance(s.db.WithContext(ctx), accountID)
}

// History returns the newest entries first.
func (s *Service) History(ctx context.Context, accountID uint64, limit int) ([]types.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []types.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
