package collusion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bitline/trust-engine/src/config"
	"github.com/bitline/trust-engine/src/data"
	"github.com/bitline/trust-engine/src/types"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// RiskPenalizer applies a risk-score penalty to one account.
type RiskPenalizer interface {
	PenalizeRisk(ctx context.Context, id uint64, delta int, reason string) error
}

// Detector builds interaction-graph snapshots and flags cabals.
type Detector struct {
	db   *gorm.DB
	econ *config.Economics
	pen  RiskPenalizer
	rdb  *redis.Client
	now  func() time.Time
}

func NewDetector(db *gorm.DB, econ *config.Economics, pen RiskPenalizer, rdb *redis.Client) *Detector {
	return &Detector{db: db, econ: econ, pen: pen, rdb: rdb, now: time.Now}
}

type edgeRow struct {
	Src uint64
	Dst uint64
	N   int
}

// BuildGraph materializes the engagement+follow graph since the given
// time and assigns circles.
func (d *Detector) BuildGraph(ctx context.Context, since time.Time) (*Graph, error) {
	var likes []edgeRow
	err := d.db.WithContext(ctx).Raw(`
SELECT e.account_id AS src, c.author_id AS dst, COUNT(*) AS n
FROM engagements e
JOIN content_items c ON c.id = e.content_id
WHERE e.created_at >= ? AND e.account_id <> c.author_id
GROUP BY e.account_id, c.author_id
`, since).Scan(&likes).Error
	if err != nil {
		return nil, fmt.Errorf("collusion: load engagement edges: %w", err)
	}

	var follows []edgeRow
	err = d.db.WithContext(ctx).Raw(`
SELECT follower_id AS src, followee_id AS dst, COUNT(*) AS n
FROM follows
WHERE created_at >= ? AND follower_id <> followee_id
GROUP BY follower_id, followee_id
`, since).Scan(&follows).Error
	if err != nil {
		return nil, fmt.Errorf("collusion: load follow edges: %w", err)
	}

	rows := append(likes, follows...)
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Src != rows[j].Src {
			return rows[i].Src < rows[j].Src
		}
		return rows[i].Dst < rows[j].Dst
	})

	g := newGraph(d.econ)
	for _, r := range rows {
		g.addEdge(r.Src, r.Dst, r.N)
	}
	g.buildCircles()
	return g, nil
}

// DetectCabals inspects every circle and applies the one-shot risk
// penalty to members of circles whose internal engagement ratio exceeds
// the threshold. A circle already flagged within the cooldown period is
// skipped. Returns how many circles were flagged.
func (d *Detector) DetectCabals(ctx context.Context, g *Graph) (int, error) {
	c := d.econ.Collusion
	cooldown := time.Duration(c.CabalCooldownDays) * 24 * time.Hour
	flagged := 0

	for circle := 0; circle < g.CircleCount(); circle++ {
		internal, total := g.circleEdgeStats(circle)
		if total < c.MinCabalVolume || total == 0 {
			continue
		}
		ratio := float64(internal) / float64(total)
		if ratio <= c.CabalThreshold {
			continue
		}

		members := g.CircleMembers(circle)
		fp := Fingerprint(members)

		var last types.CabalFlag
		err := d.db.WithContext(ctx).
			Where("fingerprint = ?", fp).
			Order("flagged_at DESC").
			First(&last).Error
		if err == nil && d.now().Sub(last.FlaggedAt) < cooldown {
			continue
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return flagged, err
		}

		flag := types.CabalFlag{
			Fingerprint:   fp,
			Members:       joinIDs(members),
			MemberCount:   len(members),
			InternalRatio: ratio,
			FlaggedAt:     d.now().UTC(),
		}
		if err := d.db.WithContext(ctx).Create(&flag).Error; err != nil {
			return flagged, err
		}

		for _, id := range members {
			if err := d.pen.PenalizeRisk(ctx, id, c.CabalRiskPenalty, "cabal "+fp[:8]); err != nil {
				return flagged, err
			}
		}
		log.Printf("collusion: flagged cabal %s (%d members, ratio %.2f)", fp[:8], len(members), ratio)

		if d.rdb != nil {
			_ = data.PublishEvent(ctx, d.rdb, "cabal_flagged", map[string]interface{}{
				"fingerprint": fp,
				"members":     joinIDs(members),
				"ratio":       fmt.Sprintf("%.3f", ratio),
			})
		}
		flagged++
	}
	return flagged, nil
}

// Fingerprint identifies a circle by its sorted membership, so the same
// set of accounts maps to the same cooldown row across runs.
func Fingerprint(members []uint64) string {
	sorted := make([]uint64, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return data.Twox128Hex(joinIDs(sorted))
}

func joinIDs(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return strings.Join(parts, ",")
}
