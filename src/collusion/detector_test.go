package collusion

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bitline/trust-engine/src/config"
	"github.com/bitline/trust-engine/src/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"
)

type fakePenalizer struct {
	mu    sync.Mutex
	calls map[uint64]int
	delta int
}

func (f *fakePenalizer) PenalizeRisk(ctx context.Context, id uint64, delta int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[uint64]int)
	}
	f.calls[id]++
	f.delta = delta
	return nil
}

func openCollusionDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        filepath.Join(t.TempDir(), "collusion_test.db"),
	}, &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(types.Models()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

var nextContentID uint64 = 1

func authorItems(t *testing.T, db *gorm.DB, author uint64, count int) []uint64 {
	t.Helper()
	ids := make([]uint64, 0, count)
	for i := 0; i < count; i++ {
		item := types.ContentItem{
			ID:        nextContentID,
			AuthorID:  author,
			Kind:      types.KindNote,
			Status:    types.ContentActive,
			CreatedAt: time.Now().UTC(),
		}
		nextContentID++
		if err := db.Create(&item).Error; err != nil {
			t.Fatalf("create content: %v", err)
		}
		ids = append(ids, item.ID)
	}
	return ids
}

func like(t *testing.T, db *gorm.DB, content, liker uint64) {
	t.Helper()
	e := types.Engagement{ContentID: content, AccountID: liker, CreatedAt: time.Now().UTC()}
	if err := db.Create(&e).Error; err != nil {
		t.Fatalf("like: %v", err)
	}
}

// likeAll has every member like every other member's items once.
func likeAll(t *testing.T, db *gorm.DB, items map[uint64][]uint64, members []uint64) {
	for _, liker := range members {
		for _, author := range members {
			if liker == author {
				continue
			}
			for _, item := range items[author] {
				like(t, db, item, liker)
			}
		}
	}
}

func TestCirclesFromMutualEngagement(t *testing.T) {
	ctx := context.Background()
	db := openCollusionDB(t)
	e := config.DefaultEconomics()
	det := NewDetector(db, &e, &fakePenalizer{}, nil)

	ring := []uint64{1, 2, 3}
	items := make(map[uint64][]uint64)
	for _, m := range ring {
		items[m] = authorItems(t, db, m, 3)
	}
	likeAll(t, db, items, ring)

	// account 4 likes account 1 one-way, never reciprocated
	outsider := authorItems(t, db, 4, 1)
	_ = outsider
	like(t, db, items[1][0], 4)

	g, err := det.BuildGraph(ctx, time.Now().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}

	if !g.SameCircle(1, 2) || !g.SameCircle(2, 3) {
		t.Fatalf("ring members should share a circle")
	}
	if g.CircleOf(4) != -1 {
		t.Fatalf("one-way liker must not join the circle, got circle %d", g.CircleOf(4))
	}
}

func TestSourceWeights(t *testing.T) {
	ctx := context.Background()
	db := openCollusionDB(t)
	e := config.DefaultEconomics()
	det := NewDetector(db, &e, &fakePenalizer{}, nil)

	circleA := []uint64{1, 2, 3}
	circleB := []uint64{4, 5, 6}
	items := make(map[uint64][]uint64)
	for _, m := range append(append([]uint64{}, circleA...), circleB...) {
		items[m] = authorItems(t, db, m, 3)
	}
	likeAll(t, db, items, circleA)
	likeAll(t, db, items, circleB)

	// 7 likes 1's content once, never reciprocated
	like(t, db, items[1][0], 7)

	// 8 and 9 like each other once: reciprocated but below circle strength
	items[8] = authorItems(t, db, 8, 1)
	items[9] = authorItems(t, db, 9, 1)
	like(t, db, items[8][0], 9)
	like(t, db, items[9][0], 8)

	g, err := det.BuildGraph(ctx, time.Now().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}

	if w := g.SourceWeight(1, 2); w != 0.1 {
		t.Fatalf("same-circle weight = %v, want 0.1", w)
	}
	if w := g.SourceWeight(1, 4); w != 10.0 {
		t.Fatalf("no-interaction cross-circle weight = %v, want 10.0", w)
	}
	if w := g.SourceWeight(7, 1); w != 10.0 {
		t.Fatalf("one-way liker weight = %v, want 10.0", w)
	}
	if w := g.SourceWeight(9, 8); w != 5.0 {
		t.Fatalf("reciprocated pair weight = %v, want 5.0", w)
	}
	if w := g.SourceWeight(99, 1); w != 10.0 {
		t.Fatalf("unknown account weight = %v, want 10.0", w)
	}
}

func TestCabalFlaggedOncePerCooldown(t *testing.T) {
	ctx := context.Background()
	db := openCollusionDB(t)
	e := config.DefaultEconomics()
	pen := &fakePenalizer{}
	det := NewDetector(db, &e, pen, nil)

	ring := []uint64{10, 11, 12, 13, 14}
	items := make(map[uint64][]uint64)
	for _, m := range ring {
		items[m] = authorItems(t, db, m, 3)
	}
	likeAll(t, db, items, ring)

	// 60 internal units; 3 external units from account 20 keeps ratio ≈ 0.95
	for _, item := range items[10] {
		like(t, db, item, 20)
	}

	g, err := det.BuildGraph(ctx, time.Now().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}

	flagged, err := det.DetectCabals(ctx, g)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if flagged != 1 {
		t.Fatalf("expected one cabal, got %d", flagged)
	}
	for _, m := range ring {
		if pen.calls[m] != 1 {
			t.Fatalf("member %d penalized %d times, want 1", m, pen.calls[m])
		}
	}
	if pen.calls[20] != 0 {
		t.Fatalf("outsider must not be penalized")
	}
	if pen.delta != e.Collusion.CabalRiskPenalty {
		t.Fatalf("penalty = %d, want %d", pen.delta, e.Collusion.CabalRiskPenalty)
	}

	// second sweep inside the cooldown is a no-op
	flagged, err = det.DetectCabals(ctx, g)
	if err != nil {
		t.Fatalf("second detect: %v", err)
	}
	if flagged != 0 {
		t.Fatalf("cooldown should suppress the second flag, got %d", flagged)
	}
	for _, m := range ring {
		if pen.calls[m] != 1 {
			t.Fatalf("member %d re-penalized inside cooldown", m)
		}
	}

	// after the cooldown lapses the same circle can be flagged again
	det.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	flagged, err = det.DetectCabals(ctx, g)
	if err != nil {
		t.Fatalf("post-cooldown detect: %v", err)
	}
	if flagged != 1 {
		t.Fatalf("expected re-flag after cooldown, got %d", flagged)
	}
}
