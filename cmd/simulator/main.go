// Simulator runs the whole incentive loop offline against sqlite: several
// cohorts act for a number of weekly windows, each window is closed and
// settled, and the final standings show how the economics treat honest
// writers, curators, a spammer and a like-for-like cabal ring.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/bitline/trust-engine/src/challenge"
	"github.com/bitline/trust-engine/src/collusion"
	"github.com/bitline/trust-engine/src/config"
	"github.com/bitline/trust-engine/src/content"
	"github.com/bitline/trust-engine/src/data"
	"github.com/bitline/trust-engine/src/ledger"
	"github.com/bitline/trust-engine/src/pricing"
	"github.com/bitline/trust-engine/src/reputation"
	"github.com/bitline/trust-engine/src/settlement"
	"github.com/bitline/trust-engine/src/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	_ "modernc.org/sqlite"
)

var (
	dbFlag       = flag.String("db", "", "sqlite path (default: fresh temp file)")
	weeksFlag    = flag.Int("weeks", 4, "settlement windows to simulate")
	creatorsFlag = flag.Int("creators", 8, "honest writer accounts")
	curatorsFlag = flag.Int("curators", 30, "honest liker accounts")
	cabalFlag    = flag.Int("cabal", 6, "cabal ring size (0 disables the ring)")
	depositFlag  = flag.Int64("deposit", 50000, "initial deposit per account")
	seedFlag     = flag.Int64("seed", 42, "rng seed")
)

type sim struct {
	db   *gorm.DB
	rng  *rand.Rand
	econ config.Economics

	led     *ledger.Service
	rep     *reputation.Service
	wins    *settlement.Windows
	eng     *settlement.Engine
	content *content.Service
	chal    *challenge.Service

	creators []uint64
	curators []uint64
	cabal    []uint64
	spammer  uint64

	deposits   int64
	prevCutoff time.Time
}

func main() {
	log.SetFlags(0)
	flag.Parse()

	s, err := newSim()
	if err != nil {
		log.Fatalf("simulator: %v", err)
	}

	ctx := context.Background()
	for week := 1; week <= *weeksFlag; week++ {
		if err := s.week(ctx, week); err != nil {
			log.Fatalf("simulator: week %d: %v", week, err)
		}
	}
	if err := s.report(ctx); err != nil {
		log.Fatalf("simulator: report: %v", err)
	}
}

func newSim() (*sim, error) {
	path := *dbFlag
	if path == "" {
		dir, err := os.MkdirTemp("", "trust-engine-sim")
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "sim.db")
	}
	log.Printf("simulating on %s", path)

	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: path},
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(types.Models()...); err != nil {
		return nil, err
	}
	if err := data.LoadSettings(db); err != nil {
		return nil, err
	}

	s := &sim{
		db:   db,
		rng:  rand.New(rand.NewSource(*seedFlag)),
		econ: config.DefaultEconomics(),
	}
	s.econ.Settlement.Workers = 1

	s.led = ledger.New(db)
	s.rep = reputation.NewService(db, nil, &s.econ)
	price := pricing.New(db, &s.econ, s.rep.Model())
	s.wins = settlement.NewWindows(db, &s.econ)
	det := collusion.NewDetector(db, &s.econ, s.rep, nil)
	s.eng = settlement.NewEngine(db, &s.econ, s.led, s.rep, det, s.wins, nil)
	s.content = content.New(db, &s.econ, s.led, s.rep, price, s.wins, nil)
	s.chal = challenge.New(db, &s.econ, s.led, s.rep, price, s.wins, nil)

	next := uint64(1)
	take := func(n int) []uint64 {
		ids := make([]uint64, 0, n)
		for i := 0; i < n; i++ {
			ids = append(ids, next)
			next++
		}
		return ids
	}
	s.creators = take(*creatorsFlag)
	s.curators = take(*curatorsFlag)
	s.spammer = take(1)[0]
	s.cabal = take(*cabalFlag)
	return s, nil
}

func (s *sim) everyone() []uint64 {
	all := append([]uint64{}, s.creators...)
	all = append(all, s.curators...)
	all = append(all, s.spammer)
	return append(all, s.cabal...)
}

func (s *sim) week(ctx context.Context, week int) error {
	if week == 1 {
		for _, id := range s.everyone() {
			key := ledger.Key(types.ActionDeposit, "account", id, fmt.Sprintf("sim:w%d", week))
			if _, _, err := s.led.Credit(ctx, id, *depositFlag, types.ActionDeposit, "account", id, key); err != nil {
				return err
			}
			s.deposits += *depositFlag
		}
	}

	var roots []uint64
	for i, id := range s.creators {
		item, err := s.content.Create(ctx, id, types.KindNote, nil,
			fmt.Sprintf("week %d field note %d from writer %d", week, i, id), 0)
		if err != nil {
			return err
		}
		roots = append(roots, item.ID)
	}

	var answers []uint64
	if len(s.creators) >= 3 {
		q, err := s.content.Create(ctx, s.creators[0], types.KindQuestion, nil,
			fmt.Sprintf("week %d: which validator set performed best this era?", week), 500)
		if err != nil {
			return err
		}
		roots = append(roots, q.ID)
		for _, id := range s.creators[1:3] {
			a, err := s.content.Create(ctx, id, types.KindAnswer, &q.ID,
				fmt.Sprintf("week %d answer from writer %d with supporting numbers", week, id), 0)
			if err != nil {
				return err
			}
			answers = append(answers, a.ID)
		}
	}

	spam, err := s.content.Create(ctx, s.spammer, types.KindNote, nil,
		fmt.Sprintf("Buy now, week %d limited offer on yield vaults, promo code MOON", week), 0)
	if err != nil {
		return err
	}
	roots = append(roots, spam.ID)
	if week == 1 {
		// burn the spammer's remaining free credits so later spam is a
		// paid post with a real cost base for the fine
		for k := 0; k < 2; k++ {
			if _, err := s.content.Create(ctx, s.spammer, types.KindNote, nil,
				fmt.Sprintf("Subscribe for alpha drop %d", k), 0); err != nil {
				return err
			}
		}
	}

	// ring members post three notes each and like every ring note,
	// reciprocally, which is exactly the farming shape the detector hunts
	cabalNotes := make([]uint64, 0, len(s.cabal)*3)
	cabalAuthor := map[uint64]uint64{}
	for _, id := range s.cabal {
		for k := 0; k < 3; k++ {
			item, err := s.content.Create(ctx, id, types.KindNote, nil,
				fmt.Sprintf("week %d take %d from member %d", week, k, id), 0)
			if err != nil {
				return err
			}
			cabalNotes = append(cabalNotes, item.ID)
			cabalAuthor[item.ID] = id
		}
	}
	for _, liker := range s.cabal {
		for _, note := range cabalNotes {
			if cabalAuthor[note] == liker {
				continue
			}
			if _, err := s.content.ToggleLike(ctx, liker, note); err != nil {
				return err
			}
		}
	}

	organic := append(append([]uint64{}, roots...), answers...)
	for _, id := range s.curators {
		for _, target := range s.pick(organic, 1+s.rng.Intn(3)) {
			if _, err := s.content.ToggleLike(ctx, id, target); err != nil {
				return err
			}
		}
	}

	if week == 2 {
		ch, err := s.chal.Submit(ctx, s.curators[0], spam.ID, types.ReasonSpam, "promoted vault shilling")
		if err != nil {
			return err
		}
		s.resolve(ctx, ch.ID)
	}

	return s.closeWeek(ctx, week)
}

// pick returns up to n distinct items from pool.
func (s *sim) pick(pool []uint64, n int) []uint64 {
	shuffled := append([]uint64{}, pool...)
	s.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	if n > len(shuffled) {
		n = len(shuffled)
	}
	return shuffled[:n]
}

// resolve runs the rule oracle inline, the way the resolver worker would.
func (s *sim) resolve(ctx context.Context, chID uint64) {
	ch, err := s.chal.Get(ctx, chID)
	if err != nil {
		log.Printf("challenge %d: %v", chID, err)
		return
	}
	var item types.ContentItem
	if err := s.db.First(&item, ch.ContentID).Error; err != nil {
		log.Printf("challenge %d content: %v", chID, err)
		return
	}
	v, err := challenge.RuleOracle{}.Review(ctx, challenge.ReviewRequest{
		ChallengeID: ch.ID,
		Reason:      ch.Reason,
		Detail:      ch.Detail,
		ContentKind: item.Kind,
		ContentBody: item.Body,
	})
	if err != nil {
		log.Printf("challenge %d review: %v", chID, err)
		return
	}
	if err := s.chal.Resolve(ctx, ch.ID, v); err != nil {
		log.Printf("challenge %d resolve: %v", chID, err)
	}
}

// closeWeek rewrites the open window's period to end now, so the
// scheduler path (close, score, pay, drift) runs immediately instead of
// a real week later.
func (s *sim) closeWeek(ctx context.Context, week int) error {
	cutoff := time.Now().UTC()
	start := s.prevCutoff
	if start.IsZero() {
		start = cutoff.Add(-time.Duration(s.econ.Settlement.WindowHours) * time.Hour)
	}
	err := s.db.Model(&types.SettlementWindow{}).
		Where("status = ?", types.WindowOpen).
		Updates(map[string]interface{}{"period_start": start, "period_end": cutoff}).Error
	if err != nil {
		return err
	}
	s.prevCutoff = cutoff

	if err := s.eng.RunDue(ctx); err != nil {
		return err
	}

	var win types.SettlementWindow
	if err := s.db.Where("status <> ?", types.WindowOpen).
		Order("period_end DESC").First(&win).Error; err != nil {
		return err
	}
	var rows int64
	var paid int64
	s.db.Model(&types.ContentReward{}).Where("window_id = ?", win.ID).Count(&rows)
	s.db.Model(&types.ContentReward{}).Where("window_id = ? AND paid = ?", win.ID, true).
		Select("COALESCE(SUM(amount),0)").Scan(&paid)
	fmt.Printf("week %d: window %d pool %d, %d reward rows, %d paid out\n",
		week, win.ID, win.PoolAmount, rows, paid)
	return nil
}

func (s *sim) report(ctx context.Context) error {
	fmt.Println()
	fmt.Println("=== final standings ===")
	cohorts := []struct {
		name string
		ids  []uint64
	}{
		{"creators", s.creators},
		{"curators", s.curators},
		{"spammer", []uint64{s.spammer}},
		{"cabal", s.cabal},
	}
	for _, c := range cohorts {
		if len(c.ids) == 0 {
			continue
		}
		var trust, risk, bal int64
		tiers := map[string]int{}
		for _, id := range c.ids {
			acct, err := s.rep.Get(ctx, id)
			if err != nil {
				return err
			}
			t := s.rep.Model().Compose(acct)
			trust += int64(t)
			risk += int64(acct.RiskScore)
			tiers[s.rep.Model().TierFor(t)]++
			b, err := s.led.Balance(ctx, id)
			if err != nil {
				return err
			}
			bal += b
		}
		n := int64(len(c.ids))
		fmt.Printf("%-8s  avg trust %4d  avg risk %4d  avg balance %6d  tiers %v\n",
			c.name, trust/n, risk/n, bal/n, tiers)
	}

	var flags []types.CabalFlag
	if err := s.db.Find(&flags).Error; err != nil {
		return err
	}
	for _, f := range flags {
		fmt.Printf("cabal flagged: %s members [%s] internal ratio %.2f\n",
			f.Fingerprint[:8], f.Members, f.InternalRatio)
	}

	var sumBal int64
	for _, id := range s.everyone() {
		b, err := s.led.Balance(ctx, id)
		if err != nil {
			return err
		}
		sumBal += b
	}
	var pools, paidPool, paidBounty int64
	s.db.Model(&types.SettlementWindow{}).Select("COALESCE(SUM(pool_amount),0)").Scan(&pools)
	s.db.Model(&types.ContentReward{}).Where("paid = ? AND kind <> ?", true, types.RewardBounty).
		Select("COALESCE(SUM(amount),0)").Scan(&paidPool)
	s.db.Model(&types.ContentReward{}).Where("paid = ? AND kind = ?", true, types.RewardBounty).
		Select("COALESCE(SUM(amount),0)").Scan(&paidBounty)

	escrowed := pools - paidPool
	fmt.Printf("\ndeposits %d  balances %d  pools %d  paid %d  bounty payouts %d  still escrowed %d\n",
		s.deposits, sumBal, pools, paidPool, paidBounty, escrowed)
	if s.deposits-sumBal == escrowed {
		fmt.Println("ledger conserved: every token is on a balance or in a pool")
	} else {
		fmt.Printf("LEDGER MISMATCH: deposits-balances=%d, escrowed=%d\n", s.deposits-sumBal, escrowed)
	}
	return nil
}
