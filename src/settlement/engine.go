package settlement

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/bitline/trust-engine/src/collusion"
	"github.com/bitline/trust-engine/src/config"
	"github.com/bitline/trust-engine/src/data"
	"github.com/bitline/trust-engine/src/discovery"
	"github.com/bitline/trust-engine/src/ledger"
	"github.com/bitline/trust-engine/src/reputation"
	"github.com/bitline/trust-engine/src/types"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Engine settles closed windows: it scores every pending item from one
// immutable snapshot, persists the allocation as reward rows, then pays
// them through the ledger. Re-running a window converges instead of
// double-paying.
type Engine struct {
	db      *gorm.DB
	econ    *config.Economics
	led     *ledger.Service
	rep     *reputation.Service
	det     *collusion.Detector
	windows *Windows
	rdb     *redis.Client
}

func NewEngine(db *gorm.DB, econ *config.Economics, led *ledger.Service, rep *reputation.Service, det *collusion.Detector, windows *Windows, rdb *redis.Client) *Engine {
	return &Engine{db: db, econ: econ, led: led, rep: rep, det: det, windows: windows, rdb: rdb}
}

// snapshot holds everything scored for one run. Built once, before any
// credit is issued.
type snapshot struct {
	graph      *collusion.Graph
	items      []types.ContentItem
	nRoots     int
	scores     []float64
	likes      [][]discovery.LikeInput
	rewards    []types.ContentReward
	settleNow  []uint64
	rootReward []int64
	rootAuthor []int64
}

// Run settles one closed window. Open windows are rejected; fully
// settled windows are a no-op.
func (e *Engine) Run(ctx context.Context, windowID uint64) error {
	win, err := e.windows.Get(ctx, windowID)
	if err != nil {
		return err
	}
	if win.Status == types.WindowOpen {
		return ErrWindowOpen
	}

	roots, comments, strays, err := e.loadPending(ctx, win)
	if err != nil {
		return err
	}

	var rowCount int64
	if err := e.db.WithContext(ctx).Model(&types.ContentReward{}).
		Where("window_id = ?", win.ID).Count(&rowCount).Error; err != nil {
		return err
	}

	createdSnapshot := false
	var snap *snapshot
	if rowCount == 0 && (len(roots) > 0 || len(comments) > 0) {
		snap, err = e.buildSnapshot(ctx, win, roots, comments)
		if err != nil {
			return err
		}
		if err := e.commitSnapshot(ctx, snap, strays); err != nil {
			return err
		}
		createdSnapshot = true
	} else if len(strays) > 0 {
		if err := e.settleItems(e.db.WithContext(ctx), idsOf(strays)); err != nil {
			return err
		}
	}

	paid, failed, err := e.payRewards(ctx, win)
	if err != nil {
		return err
	}

	if createdSnapshot {
		e.applyDrift(ctx, snap)
	}

	log.Printf("settlement: window %d run complete (pool %d, items %d, credits paid %d, failed %d)",
		win.ID, win.PoolAmount, len(roots)+len(comments), paid, failed)

	if e.rdb != nil {
		_ = data.PublishEvent(ctx, e.rdb, "window_settled", map[string]interface{}{
			"window": win.ID,
			"pool":   win.PoolAmount,
			"paid":   paid,
			"failed": failed,
		})
	}
	return nil
}

// RunDue closes expired windows and settles everything outstanding.
func (e *Engine) RunDue(ctx context.Context) error {
	if _, err := e.windows.CloseDue(ctx); err != nil {
		return err
	}
	due, err := e.windows.NeedingRun(ctx)
	if err != nil {
		return err
	}
	for i := range due {
		if err := e.Run(ctx, due[i].ID); err != nil {
			return fmt.Errorf("settlement: window %d: %w", due[i].ID, err)
		}
	}
	return nil
}

func (e *Engine) loadPending(ctx context.Context, win *types.SettlementWindow) (roots, comments, strays []types.ContentItem, err error) {
	tx := e.db.WithContext(ctx)

	err = tx.Where("settlement_status = ? AND status = ? AND parent_id IS NULL AND created_at >= ? AND created_at < ?",
		types.SettlementPending, types.ContentActive, win.PeriodStart, win.PeriodEnd).
		Order("id ASC").
		Find(&roots).Error
	if err != nil {
		return nil, nil, nil, err
	}

	known := make(map[uint64]bool, len(roots))
	rootIDs := make([]uint64, 0, len(roots))
	for i := range roots {
		known[roots[i].ID] = true
		rootIDs = append(rootIDs, roots[i].ID)
	}

	if len(rootIDs) > 0 {
		err = tx.Where("settlement_status = ? AND status = ? AND parent_id IN ?",
			types.SettlementPending, types.ContentActive, rootIDs).
			Order("id ASC").
			Find(&comments).Error
		if err != nil {
			return nil, nil, nil, err
		}
		for i := range comments {
			known[comments[i].ID] = true
		}
	}

	var inWindow []types.ContentItem
	err = tx.Where("settlement_status = ? AND created_at >= ? AND created_at < ?",
		types.SettlementPending, win.PeriodStart, win.PeriodEnd).
		Find(&inWindow).Error
	if err != nil {
		return nil, nil, nil, err
	}
	for i := range inWindow {
		if !known[inWindow[i].ID] {
			strays = append(strays, inWindow[i])
		}
	}
	return roots, comments, strays, nil
}

func (e *Engine) buildSnapshot(ctx context.Context, win *types.SettlementWindow, roots, comments []types.ContentItem) (*snapshot, error) {
	graph, err := e.det.BuildGraph(ctx, win.PeriodStart)
	if err != nil {
		return nil, err
	}

	snap := &snapshot{
		graph:  graph,
		items:  append(append([]types.ContentItem{}, roots...), comments...),
		nRoots: len(roots),
	}
	n := len(snap.items)
	snap.scores = make([]float64, n)
	snap.likes = make([][]discovery.LikeInput, n)

	likesByItem, accounts, err := e.loadLikes(ctx, snap.items)
	if err != nil {
		return nil, err
	}

	model := e.rep.Model()
	workers := e.econ.Settlement.Workers
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				item := &snap.items[idx]
				raw := likesByItem[item.ID]
				inputs := make([]discovery.LikeInput, 0, len(raw))
				for _, like := range raw {
					liker := accounts[like.AccountID]
					tw, scout := 1.0, 0.0
					if liker != nil {
						tw = model.LikeWeight(model.Tier(liker))
						scout = liker.ScoutScore
					}
					inputs = append(inputs, discovery.LikeInput{
						Account:      like.AccountID,
						TrustWeight:  tw,
						SourceWeight: graph.SourceWeight(like.AccountID, item.AuthorID),
						Circle:       graph.CircleOf(like.AccountID),
						Scout:        scout,
					})
				}
				snap.likes[idx] = inputs
				snap.scores[idx] = discovery.Score(e.econ.Discovery, inputs)
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	e.allocate(win, snap)
	return snap, nil
}

func (e *Engine) loadLikes(ctx context.Context, items []types.ContentItem) (map[uint64][]types.Engagement, map[uint64]*types.Account, error) {
	ids := make([]uint64, 0, len(items))
	authorIDs := make(map[uint64]bool)
	for i := range items {
		ids = append(ids, items[i].ID)
		authorIDs[items[i].AuthorID] = true
	}

	likesByItem := make(map[uint64][]types.Engagement, len(ids))
	accountIDs := make(map[uint64]bool)
	if len(ids) > 0 {
		var likes []types.Engagement
		err := e.db.WithContext(ctx).
			Where("content_id IN ?", ids).
			Order("content_id ASC, id ASC").
			Find(&likes).Error
		if err != nil {
			return nil, nil, err
		}
		for _, l := range likes {
			likesByItem[l.ContentID] = append(likesByItem[l.ContentID], l)
			accountIDs[l.AccountID] = true
		}
	}
	for id := range authorIDs {
		accountIDs[id] = true
	}

	accounts := make(map[uint64]*types.Account, len(accountIDs))
	if len(accountIDs) > 0 {
		all := make([]uint64, 0, len(accountIDs))
		for id := range accountIDs {
			all = append(all, id)
		}
		var rows []types.Account
		if err := e.db.WithContext(ctx).Where("id IN ?", all).Find(&rows).Error; err != nil {
			return nil, nil, err
		}
		for i := range rows {
			accounts[rows[i].ID] = &rows[i]
		}
	}
	return likesByItem, accounts, nil
}

// allocate turns scores into reward rows. The proportional split is
// computed here, once, before any credit is issued; floor division at
// the root level keeps total payouts within the pool.
func (e *Engine) allocate(win *types.SettlementWindow, snap *snapshot) {
	nRoots := snap.nRoots
	snap.rootReward = make([]int64, nRoots)
	snap.rootAuthor = make([]int64, nRoots)

	totalRoot := 0.0
	for i := 0; i < nRoots; i++ {
		totalRoot += snap.scores[i]
	}

	commentIdx := make(map[uint64][]int)
	for i := nRoots; i < len(snap.items); i++ {
		pid := *snap.items[i].ParentID
		commentIdx[pid] = append(commentIdx[pid], i)
	}

	hasRow := make(map[uint64]bool)
	addRow := func(contentID, accountID uint64, kind string, amount int64, score float64) {
		if amount <= 0 {
			return
		}
		snap.rewards = append(snap.rewards, types.ContentReward{
			WindowID:  win.ID,
			ContentID: contentID,
			AccountID: accountID,
			Kind:      kind,
			Amount:    amount,
			Score:     score,
		})
		hasRow[contentID] = true
	}

	for i := 0; i < nRoots; i++ {
		root := &snap.items[i]
		var itemReward int64
		if totalRoot > 0 && win.PoolAmount > 0 && snap.scores[i] > 0 {
			if snap.scores[i] >= totalRoot {
				// an item holding the entire score takes the pool exactly
				itemReward = win.PoolAmount
			} else {
				itemReward = int64(math.Floor(float64(win.PoolAmount) * snap.scores[i] / totalRoot))
			}
		}
		snap.rootReward[i] = itemReward

		children := commentIdx[root.ID]
		totalChild := 0.0
		for _, ci := range children {
			totalChild += snap.scores[ci]
		}

		authorAmt := int64(math.Floor(float64(itemReward) * e.econ.Settlement.AuthorShare))
		childPool := itemReward - authorAmt
		if totalChild == 0 {
			authorAmt = itemReward
			childPool = 0
		}
		snap.rootAuthor[i] = authorAmt
		addRow(root.ID, root.AuthorID, types.RewardAuthor, authorAmt, snap.scores[i])

		// the final scoring comment takes the remainder so the group
		// pays out its child pool exactly
		last := -1
		for _, ci := range children {
			if snap.scores[ci] > 0 {
				last = ci
			}
		}
		var given int64
		for _, ci := range children {
			if snap.scores[ci] <= 0 {
				continue
			}
			share := childPool - given
			if ci != last {
				share = int64(math.Floor(float64(childPool) * snap.scores[ci] / totalChild))
			}
			given += share
			addRow(snap.items[ci].ID, snap.items[ci].AuthorID, types.RewardComment, share, snap.scores[ci])
		}

		if root.Kind == types.KindQuestion && root.Bounty > 0 {
			e.allocateBounty(snap, root, children, addRow)
		}
	}

	for i := range snap.items {
		if !hasRow[snap.items[i].ID] {
			snap.settleNow = append(snap.settleNow, snap.items[i].ID)
		}
	}
}

// allocateBounty sends a question's escrowed bounty to the top-scoring
// answer, or back to the asker when no answer scored.
func (e *Engine) allocateBounty(snap *snapshot, root *types.ContentItem, children []int, addRow func(uint64, uint64, string, int64, float64)) {
	best := -1
	for _, ci := range children {
		if snap.items[ci].Kind != types.KindAnswer || snap.scores[ci] <= 0 {
			continue
		}
		if best == -1 || snap.scores[ci] > snap.scores[best] {
			best = ci
		}
	}
	if best >= 0 {
		addRow(snap.items[best].ID, snap.items[best].AuthorID, types.RewardBounty, root.Bounty, snap.scores[best])
		return
	}
	addRow(root.ID, root.AuthorID, types.RewardBounty, root.Bounty, 0)
}

func (e *Engine) commitSnapshot(ctx context.Context, snap *snapshot, strays []types.ContentItem) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(snap.rewards) > 0 {
			if err := tx.Create(&snap.rewards).Error; err != nil {
				return err
			}
		}
		settle := append(append([]uint64{}, snap.settleNow...), idsOf(strays)...)
		return e.settleItems(tx, settle)
	})
}

func (e *Engine) settleItems(tx *gorm.DB, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	return tx.Model(&types.ContentItem{}).
		Where("id IN ? AND settlement_status = ?", ids, types.SettlementPending).
		Update("settlement_status", types.SettlementSettled).Error
}

// payRewards pays every unpaid row for the window, parallel across
// content groups. A failed credit leaves its item pending for the next
// pass; other items are unaffected.
func (e *Engine) payRewards(ctx context.Context, win *types.SettlementWindow) (paid, failed int, err error) {
	var rows []types.ContentReward
	err = e.db.WithContext(ctx).
		Where("window_id = ? AND paid = ?", win.ID, false).
		Order("content_id ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return 0, 0, err
	}
	if len(rows) == 0 {
		return 0, 0, nil
	}

	groups := make(map[uint64][]types.ContentReward)
	order := make([]uint64, 0)
	for _, r := range rows {
		if _, ok := groups[r.ContentID]; !ok {
			order = append(order, r.ContentID)
		}
		groups[r.ContentID] = append(groups[r.ContentID], r)
	}

	var mu sync.Mutex
	failedContent := make(map[uint64]bool)

	workers := e.econ.Settlement.Workers
	jobs := make(chan uint64)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for contentID := range jobs {
				for _, row := range groups[contentID] {
					if err := e.payRow(ctx, win, row); err != nil {
						log.Printf("settlement: window %d content %d payout failed: %v", win.ID, contentID, err)
						mu.Lock()
						failedContent[contentID] = true
						failed++
						mu.Unlock()
						break
					}
					mu.Lock()
					paid++
					mu.Unlock()
				}
			}
		}()
	}
	for _, id := range order {
		jobs <- id
	}
	close(jobs)
	wg.Wait()

	var done []uint64
	for _, id := range order {
		if !failedContent[id] {
			done = append(done, id)
		}
	}
	if err := e.settleItems(e.db.WithContext(ctx), done); err != nil {
		return paid, failed, err
	}
	return paid, failed, nil
}

func (e *Engine) payRow(ctx context.Context, win *types.SettlementWindow, row types.ContentReward) error {
	key := ledger.Key(types.ActionSettlement, "content", row.ContentID,
		fmt.Sprintf("w%d:a%d:%s", win.ID, row.AccountID, row.Kind))
	if _, _, err := e.led.Credit(ctx, row.AccountID, row.Amount, types.ActionSettlement, "content", row.ContentID, key); err != nil {
		return err
	}
	now := time.Now().UTC()
	return e.db.WithContext(ctx).Model(&types.ContentReward{}).
		Where("id = ?", row.ID).
		Updates(map[string]interface{}{"paid": true, "paid_at": now}).Error
}

// applyDrift runs the once-per-window reputation effects: creator drift
// toward realized percentile, curator credit for likers of rewarded
// items, scout credit for early likers of top items, risk decay and the
// cabal sweep.
func (e *Engine) applyDrift(ctx context.Context, snap *snapshot) {
	nRoots := snap.nRoots
	if nRoots > 0 {
		sorted := append([]float64{}, snap.scores[:nRoots]...)
		sort.Float64s(sorted)

		authorPct := make(map[uint64][]float64)
		for i := 0; i < nRoots; i++ {
			below := sort.SearchFloat64s(sorted, snap.scores[i])
			upper := sort.SearchFloat64s(sorted, math.Nextafter(snap.scores[i], math.MaxFloat64))
			equal := upper - below
			pct := (float64(below) + 0.5*float64(equal)) / float64(nRoots)
			authorPct[snap.items[i].AuthorID] = append(authorPct[snap.items[i].AuthorID], pct)
		}
		for author, pcts := range authorPct {
			sum := 0.0
			for _, p := range pcts {
				sum += p
			}
			target := int(math.Round(1000 * sum / float64(len(pcts))))
			if err := e.rep.DriftCreatorToward(ctx, author, target); err != nil {
				log.Printf("settlement: creator drift for %d: %v", author, err)
			}
		}

		curators := make(map[uint64]bool)
		for i := 0; i < nRoots; i++ {
			if snap.rootAuthor[i] <= 0 {
				continue
			}
			for _, l := range snap.likes[i] {
				curators[l.Account] = true
			}
		}
		for id := range curators {
			if err := e.rep.Adjust(ctx, id, 0, e.econ.Reputation.RewardedCurator, 0, 0); err != nil {
				log.Printf("settlement: curator credit for %d: %v", id, err)
			}
		}

		e.creditScouts(ctx, snap)
	}

	if err := e.rep.DecayRisk(ctx); err != nil {
		log.Printf("settlement: risk decay: %v", err)
	}
	if _, err := e.det.DetectCabals(ctx, snap.graph); err != nil {
		log.Printf("settlement: cabal sweep: %v", err)
	}
}

// creditScouts rewards the first likers of the window's top-decile items.
func (e *Engine) creditScouts(ctx context.Context, snap *snapshot) {
	nRoots := snap.nRoots
	idx := make([]int, nRoots)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return snap.scores[idx[a]] > snap.scores[idx[b]] })

	topN := int(math.Ceil(e.econ.Discovery.TopShare * float64(nRoots)))
	if topN < 1 {
		topN = 1
	}
	k := e.econ.Discovery.ScoutLikers
	for rank := 0; rank < topN && rank < nRoots; rank++ {
		i := idx[rank]
		if snap.scores[i] <= 0 {
			break
		}
		likes := snap.likes[i]
		for j := 0; j < len(likes) && j < k; j++ {
			if err := e.rep.AddScout(ctx, likes[j].Account, 1); err != nil {
				log.Printf("settlement: scout credit for %d: %v", likes[j].Account, err)
			}
		}
	}
}

func idsOf(items []types.ContentItem) []uint64 {
	out := make([]uint64, 0, len(items))
	for i := range items {
		out = append(out, items[i].ID)
	}
	return out
}
