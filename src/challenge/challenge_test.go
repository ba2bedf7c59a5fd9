package challenge

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bitline/trust-engine/src/config"
	"github.com/bitline/trust-engine/src/ledger"
	"github.com/bitline/trust-engine/src/pricing"
	"github.com/bitline/trust-engine/src/reputation"
	"github.com/bitline/trust-engine/src/settlement"
	"github.com/bitline/trust-engine/src/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"
)

type stubOracle struct {
	mu       sync.Mutex
	failures int
	calls    int
	verdict  Verdict
}

func (o *stubOracle) Review(ctx context.Context, req ReviewRequest) (Verdict, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.calls <= o.failures {
		return Verdict{}, errors.New("oracle down")
	}
	return o.verdict, nil
}

func (o *stubOracle) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

type testEnv struct {
	t    *testing.T
	db   *gorm.DB
	econ config.Economics
	led  *ledger.Service
	rep  *reputation.Service
	wins *settlement.Windows
	svc  *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        filepath.Join(t.TempDir(), "challenge_test.db"),
	}, &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(types.Models()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	env := &testEnv{t: t, db: db, econ: config.DefaultEconomics()}
	env.led = ledger.New(db)
	env.rep = reputation.NewService(db, nil, &env.econ)
	price := pricing.New(db, &env.econ, env.rep.Model())
	env.wins = settlement.NewWindows(db, &env.econ)
	env.svc = New(db, &env.econ, env.led, env.rep, price, env.wins, nil)
	return env
}

func (env *testEnv) account(id uint64) {
	env.t.Helper()
	if _, err := env.rep.EnsureAccount(context.Background(), id); err != nil {
		env.t.Fatalf("ensure account %d: %v", id, err)
	}
}

func (env *testEnv) fund(id uint64, amount int64) {
	env.t.Helper()
	env.account(id)
	_, _, err := env.led.Credit(context.Background(), id, amount, types.ActionDeposit, "", 0, "")
	if err != nil {
		env.t.Fatalf("fund %d: %v", id, err)
	}
}

func (env *testEnv) post(author uint64, kind string, costPaid, bounty int64, created time.Time) *types.ContentItem {
	env.t.Helper()
	item := types.ContentItem{
		AuthorID:         author,
		Kind:             kind,
		Body:             "test content",
		CostPaid:         costPaid,
		Bounty:           bounty,
		Status:           types.ContentActive,
		SettlementStatus: types.SettlementPending,
		CreatedAt:        created,
	}
	if err := env.db.Create(&item).Error; err != nil {
		env.t.Fatalf("create %s: %v", kind, err)
	}
	return &item
}

func (env *testEnv) like(content uint64, likers ...uint64) {
	env.t.Helper()
	for _, l := range likers {
		e := types.Engagement{ContentID: content, AccountID: l, CreatedAt: time.Now().UTC()}
		if err := env.db.Create(&e).Error; err != nil {
			env.t.Fatalf("like: %v", err)
		}
	}
}

func (env *testEnv) balance(id uint64) int64 {
	env.t.Helper()
	b, err := env.led.Balance(context.Background(), id)
	if err != nil {
		env.t.Fatalf("balance %d: %v", id, err)
	}
	return b
}

func (env *testEnv) pool() int64 {
	env.t.Helper()
	win, err := env.wins.CurrentOpen(context.Background())
	if err != nil {
		env.t.Fatalf("current window: %v", err)
	}
	return win.PoolAmount
}

func (env *testEnv) reload(id uint64) *types.Challenge {
	env.t.Helper()
	ch, err := env.svc.Get(context.Background(), id)
	if err != nil {
		env.t.Fatalf("reload challenge %d: %v", id, err)
	}
	return ch
}

func TestSubmitValidations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	env.fund(2, 1000)
	env.fund(3, 1000)
	env.account(1)
	content := env.post(1, types.KindNote, 500, 0, now)

	if _, err := env.svc.Submit(ctx, 2, content.ID, "besmirching", ""); !errors.Is(err, ErrUnknownReason) {
		t.Fatalf("unknown reason: got %v", err)
	}
	if _, err := env.svc.Submit(ctx, 1, content.ID, types.ReasonSpam, ""); !errors.Is(err, ErrSelfChallenge) {
		t.Fatalf("self challenge: got %v", err)
	}

	removed := env.post(1, types.KindNote, 200, 0, now)
	if err := env.db.Model(&types.ContentItem{}).Where("id = ?", removed.ID).
		Update("status", types.ContentRemoved).Error; err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := env.svc.Submit(ctx, 2, removed.ID, types.ReasonSpam, ""); !errors.Is(err, ErrContentInactive) {
		t.Fatalf("removed content: got %v", err)
	}

	stale := env.post(1, types.KindNote, 200, 0, now.Add(-169*time.Hour))
	if _, err := env.svc.Submit(ctx, 2, stale.ID, types.ReasonSpam, ""); !errors.Is(err, ErrContentTooOld) {
		t.Fatalf("stale content: got %v", err)
	}

	ch, err := env.svc.Submit(ctx, 2, content.ID, types.ReasonSpam, "<b>spam</b> link")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ch.Detail != "spam link" {
		t.Fatalf("detail not sanitized: %q", ch.Detail)
	}
	if ch.FeePaid != 100 {
		t.Fatalf("fee = %d, want 100 for a green challenger", ch.FeePaid)
	}
	if got := env.balance(2); got != 900 {
		t.Fatalf("challenger balance = %d, want 900 after escrow", got)
	}

	if _, err := env.svc.Submit(ctx, 3, content.ID, types.ReasonSpam, ""); !errors.Is(err, ErrOpenChallenge) {
		t.Fatalf("duplicate open challenge: got %v", err)
	}

	// an unfunded submission leaves no challenge row behind
	env.account(4)
	other := env.post(1, types.KindNote, 200, 0, now)
	if _, err := env.svc.Submit(ctx, 4, other.ID, types.ReasonSpam, ""); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("unfunded submit: got %v", err)
	}
	var n int64
	if err := env.db.Model(&types.Challenge{}).Where("content_id = ?", other.ID).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("unfunded submit left %d rows", n)
	}
}

func TestGuiltyVerdictPaysChallenger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	env.fund(1, 1500)
	env.fund(2, 100)
	env.account(11)

	content := env.post(1, types.KindNote, 500, 0, now)
	env.like(content.ID, 11)

	ch, err := env.svc.Submit(ctx, 2, content.ID, types.ReasonScam, "wallet drainer")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := env.balance(2); got != 0 {
		t.Fatalf("fee not escrowed: balance %d", got)
	}

	err = env.svc.Resolve(ctx, ch.ID, Verdict{Guilty: true, Confidence: 0.92, Reason: "credential phishing"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// fine 500 × 2.0 = 1000; award = 100 + floor(1000 × 0.35) = 450
	if got := env.balance(2); got != 450 {
		t.Fatalf("challenger award = %d, want 450", got)
	}
	if got := env.balance(1); got != 500 {
		t.Fatalf("author balance = %d, want 500", got)
	}
	if got := env.pool(); got != 650 {
		t.Fatalf("pool = %d, want the 650 fine remainder", got)
	}

	var item types.ContentItem
	if err := env.db.First(&item, content.ID).Error; err != nil {
		t.Fatalf("reload content: %v", err)
	}
	if item.Status != types.ContentRemoved {
		t.Fatalf("content status %s, want removed", item.Status)
	}

	got := env.reload(ch.ID)
	if got.Status != types.ChallengeGuilty || got.FineAmount != 1000 || got.CollectedAmount != 1000 {
		t.Fatalf("challenge row: status %s fine %d collected %d", got.Status, got.FineAmount, got.CollectedAmount)
	}
	if got.ResolvedAt == nil || got.VerdictConfidence != 0.92 {
		t.Fatalf("verdict fields not recorded: %+v", got)
	}

	author, _ := env.rep.Get(ctx, 1)
	if author.CreatorScore != 120 || author.RiskScore != 50 {
		t.Fatalf("author scores creator=%d risk=%d, want 120/50", author.CreatorScore, author.RiskScore)
	}
	liker, _ := env.rep.Get(ctx, 11)
	if liker.CuratorScore != 145 {
		t.Fatalf("liker curator = %d, want 145", liker.CuratorScore)
	}
	juror, _ := env.rep.Get(ctx, 2)
	if juror.JurorScore != 325 {
		t.Fatalf("juror score = %d, want 325", juror.JurorScore)
	}

	// terminal: a second callback is a no-op
	err = env.svc.Resolve(ctx, ch.ID, Verdict{Guilty: false, Confidence: 0.9})
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("second resolve: got %v", err)
	}
	if got := env.balance(2); got != 450 {
		t.Fatalf("second resolve moved money: %d", got)
	}
}

func TestGuiltyFineClampsAtBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	env.fund(1, 300)
	env.fund(2, 100)
	content := env.post(1, types.KindNote, 500, 0, now)

	ch, err := env.svc.Submit(ctx, 2, content.ID, types.ReasonScam, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.svc.Resolve(ctx, ch.ID, Verdict{Guilty: true, Confidence: 0.9}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if got := env.balance(1); got != 0 {
		t.Fatalf("author balance = %d, want 0 (clamped)", got)
	}
	// award = 100 + floor(300 × 0.35) = 205
	if got := env.balance(2); got != 205 {
		t.Fatalf("challenger award = %d, want 205", got)
	}
	if got := env.pool(); got != 195 {
		t.Fatalf("pool = %d, want 195", got)
	}
	row := env.reload(ch.ID)
	if row.FineAmount != 1000 || row.CollectedAmount != 300 {
		t.Fatalf("fine %d collected %d, want 1000/300", row.FineAmount, row.CollectedAmount)
	}
	author, _ := env.rep.Get(ctx, 1)
	if author.RiskScore != 60 {
		t.Fatalf("author risk = %d, want 60 (guilty + unpaid fine)", author.RiskScore)
	}
}

func TestGuiltyQuestionRedirectsBounty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	env.fund(1, 2000)
	env.fund(2, 100)
	question := env.post(1, types.KindQuestion, 300, 400, now)

	ch, err := env.svc.Submit(ctx, 2, question.ID, types.ReasonSpam, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.svc.Resolve(ctx, ch.ID, Verdict{Guilty: true, Confidence: 0.9}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// fine 300 × 1.0, reporter cut 105; pool takes 195 + the 400 bounty
	if got := env.pool(); got != 595 {
		t.Fatalf("pool = %d, want 595", got)
	}
}

func TestNotGuiltyForfeitsFeeToPool(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	env.fund(1, 500)
	env.fund(2, 100)
	content := env.post(1, types.KindNote, 200, 0, now)

	ch, err := env.svc.Submit(ctx, 2, content.ID, types.ReasonLowQuality, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.svc.Resolve(ctx, ch.ID, Verdict{Guilty: false, Confidence: 0.8, Reason: "fine"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if got := env.pool(); got != 100 {
		t.Fatalf("pool = %d, want the forfeited fee", got)
	}
	if got := env.balance(2); got != 0 {
		t.Fatalf("challenger balance = %d, want 0", got)
	}
	if got := env.balance(1); got != 500 {
		t.Fatalf("author balance = %d, want untouched 500", got)
	}

	var item types.ContentItem
	if err := env.db.First(&item, content.ID).Error; err != nil {
		t.Fatalf("reload content: %v", err)
	}
	if item.Status != types.ContentActive {
		t.Fatalf("content status %s, want active", item.Status)
	}
	author, _ := env.rep.Get(ctx, 1)
	if author.CreatorScore != 153 {
		t.Fatalf("survived author creator = %d, want 153", author.CreatorScore)
	}
	juror, _ := env.rep.Get(ctx, 2)
	if juror.JurorScore != 275 {
		t.Fatalf("juror score = %d, want 275 after a miss", juror.JurorScore)
	}
}

func TestLowConfidenceGuiltyRulesNotGuilty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	env.fund(1, 500)
	env.fund(2, 100)
	content := env.post(1, types.KindNote, 200, 0, now)

	ch, err := env.svc.Submit(ctx, 2, content.ID, types.ReasonSpam, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.svc.Resolve(ctx, ch.ID, Verdict{Guilty: true, Confidence: 0.4}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got := env.reload(ch.ID)
	if got.Status != types.ChallengeNotGuilty {
		t.Fatalf("status %s, want not_guilty below the confidence floor", got.Status)
	}
	var item types.ContentItem
	if err := env.db.First(&item, content.ID).Error; err != nil {
		t.Fatalf("reload content: %v", err)
	}
	if item.Status != types.ContentActive {
		t.Fatalf("content removed on a low-confidence verdict")
	}
	if got := env.pool(); got != 100 {
		t.Fatalf("pool = %d, want the forfeited fee", got)
	}
}

func TestResolverBacksOffOracleFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	env.fund(1, 500)
	env.fund(2, 100)
	content := env.post(1, types.KindNote, 100, 0, now)

	ch, err := env.svc.Submit(ctx, 2, content.ID, types.ReasonSpam, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	oracle := &stubOracle{failures: 2, verdict: Verdict{Guilty: true, Confidence: 0.9, Reason: "spam"}}
	r := NewResolver(env.db, env.svc, oracle, time.Minute, time.Second)
	clock := now
	r.now = func() time.Time { return clock }

	r.tick(ctx)
	if oracle.callCount() != 1 {
		t.Fatalf("first tick calls = %d, want 1", oracle.callCount())
	}
	if env.reload(ch.ID).Status != types.ChallengePending {
		t.Fatalf("challenge resolved on oracle failure")
	}

	// inside the backoff window nothing is retried
	r.tick(ctx)
	if oracle.callCount() != 1 {
		t.Fatalf("retried inside backoff window")
	}

	clock = clock.Add(31 * time.Second)
	r.tick(ctx)
	if oracle.callCount() != 2 {
		t.Fatalf("second attempt calls = %d, want 2", oracle.callCount())
	}
	if env.reload(ch.ID).Status != types.ChallengePending {
		t.Fatalf("challenge resolved on second oracle failure")
	}

	// second retry backs off for a minute
	clock = clock.Add(59 * time.Second)
	r.tick(ctx)
	if oracle.callCount() != 2 {
		t.Fatalf("retried before the backoff doubled")
	}

	clock = clock.Add(2 * time.Second)
	r.tick(ctx)
	if oracle.callCount() != 3 {
		t.Fatalf("third attempt calls = %d, want 3", oracle.callCount())
	}

	got := env.reload(ch.ID)
	if got.Status != types.ChallengeGuilty {
		t.Fatalf("status %s, want guilty after oracle recovery", got.Status)
	}
	if got.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", got.Attempts)
	}
	// fine 100 × 1.0; award = 100 + floor(100 × 0.35) = 135
	if b := env.balance(2); b != 135 {
		t.Fatalf("challenger balance = %d, want 135", b)
	}
}

func TestParseVerdict(t *testing.T) {
	v, err := parseVerdict("VERDICT: guilty\nCONFIDENCE: 0.87\nREASON: repeated promo links")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !v.Guilty || v.Confidence != 0.87 || v.Reason != "repeated promo links" {
		t.Fatalf("parsed %+v", v)
	}

	v, err = parseVerdict("verdict: not_guilty\nconfidence: 1.40\nreason: ok")
	if err != nil {
		t.Fatalf("parse lowercase: %v", err)
	}
	if v.Guilty || v.Confidence != 1.0 {
		t.Fatalf("parsed %+v, want clamped not guilty", v)
	}

	if _, err := parseVerdict("CONFIDENCE: 0.5"); err == nil {
		t.Fatalf("missing verdict line must fail")
	}
	if _, err := parseVerdict("VERDICT: maybe"); err == nil {
		t.Fatalf("unknown verdict must fail")
	}
}

func TestRuleOracleMarkers(t *testing.T) {
	ctx := context.Background()
	var o RuleOracle

	v, err := o.Review(ctx, ReviewRequest{
		Reason:      types.ReasonScam,
		ContentBody: "Send your seed phrase to claim the airdrop",
	})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if !v.Guilty || v.Confidence < 0.5 {
		t.Fatalf("scam body not flagged: %+v", v)
	}

	v, err = o.Review(ctx, ReviewRequest{
		Reason:      types.ReasonScam,
		ContentBody: "I planted tomatoes this weekend",
	})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if v.Guilty {
		t.Fatalf("harmless body flagged: %+v", v)
	}
}
