package reputation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitline/trust-engine/src/config"
	"github.com/bitline/trust-engine/src/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"
)

func openTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        filepath.Join(t.TempDir(), "reputation_test.db"),
	}, &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(types.Models()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := config.DefaultEconomics()
	return NewService(db, nil, &e)
}

func TestEnsureAccountSeeds(t *testing.T) {
	ctx := context.Background()
	svc := openTestService(t)

	acct, err := svc.EnsureAccount(ctx, 42)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if acct.CreatorScore != 150 || acct.CuratorScore != 150 || acct.JurorScore != 300 || acct.RiskScore != 30 {
		t.Fatalf("unexpected seeds: %+v", acct)
	}
	if acct.FreeActionCredits != 3 {
		t.Fatalf("free credits = %d, want 3", acct.FreeActionCredits)
	}

	if err := svc.Adjust(ctx, 42, 100, 0, 0, 0); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	again, err := svc.EnsureAccount(ctx, 42)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if again.CreatorScore != 250 {
		t.Fatalf("ensure must not reseed an existing account, creator = %d", again.CreatorScore)
	}
}

func TestAdjustClamps(t *testing.T) {
	ctx := context.Background()
	svc := openTestService(t)

	if _, err := svc.EnsureAccount(ctx, 7); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if err := svc.Adjust(ctx, 7, 0, 0, 0, 5000); err != nil {
		t.Fatalf("adjust up: %v", err)
	}
	acct, _ := svc.Get(ctx, 7)
	if acct.RiskScore != 1000 {
		t.Fatalf("risk should clamp at 1000, got %d", acct.RiskScore)
	}

	if err := svc.Adjust(ctx, 7, -5000, 0, 0, -5000); err != nil {
		t.Fatalf("adjust down: %v", err)
	}
	acct, _ = svc.Get(ctx, 7)
	if acct.CreatorScore != 0 || acct.RiskScore != 0 {
		t.Fatalf("scores should clamp at 0, got %+v", acct)
	}
}

func TestDriftJurorTracksGuiltyRate(t *testing.T) {
	ctx := context.Background()
	svc := openTestService(t)

	if _, err := svc.EnsureAccount(ctx, 9); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	now := time.Now().UTC()
	rows := []types.Challenge{
		{ContentID: 1, ChallengerID: 9, AuthorID: 2, Reason: types.ReasonSpam, FeePaid: 100, Status: types.ChallengeGuilty, ResolvedAt: &now},
		{ContentID: 2, ChallengerID: 9, AuthorID: 2, Reason: types.ReasonSpam, FeePaid: 100, Status: types.ChallengeGuilty, ResolvedAt: &now},
		{ContentID: 3, ChallengerID: 9, AuthorID: 2, Reason: types.ReasonSpam, FeePaid: 100, Status: types.ChallengeNotGuilty, ResolvedAt: &now},
		{ContentID: 4, ChallengerID: 9, AuthorID: 2, Reason: types.ReasonSpam, FeePaid: 100, Status: types.ChallengePending},
	}
	for i := range rows {
		if err := svc.db.Create(&rows[i]).Error; err != nil {
			t.Fatalf("seed challenge: %v", err)
		}
	}

	// guilty rate 2/3 -> target 667, juror starts at 300, step caps at +25
	if err := svc.DriftJuror(ctx, 9); err != nil {
		t.Fatalf("drift: %v", err)
	}
	acct, _ := svc.Get(ctx, 9)
	if acct.JurorScore != 325 {
		t.Fatalf("juror = %d, want 325", acct.JurorScore)
	}
}

func TestDecayRiskFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	svc := openTestService(t)

	a, _ := svc.EnsureAccount(ctx, 1)
	if a.RiskScore != 30 {
		t.Fatalf("seed risk = %d", a.RiskScore)
	}
	if _, err := svc.EnsureAccount(ctx, 2); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := svc.Adjust(ctx, 2, 0, 0, 0, -27); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	if err := svc.DecayRisk(ctx); err != nil {
		t.Fatalf("decay: %v", err)
	}

	one, _ := svc.Get(ctx, 1)
	two, _ := svc.Get(ctx, 2)
	if one.RiskScore != 25 {
		t.Fatalf("account 1 risk = %d, want 25", one.RiskScore)
	}
	if two.RiskScore != 0 {
		t.Fatalf("account 2 risk = %d, want 0", two.RiskScore)
	}
}

func TestTrustBreakdown(t *testing.T) {
	ctx := context.Background()
	svc := openTestService(t)

	if _, err := svc.EnsureAccount(ctx, 5); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	b, err := svc.TrustBreakdown(ctx, 5)
	if err != nil {
		t.Fatalf("breakdown: %v", err)
	}

	// 0.30*150 + 0.25*150 + 0.25*300 + 0.20*970 = 351.5 -> 352 -> green
	if b.TrustScore != 352 {
		t.Fatalf("trust = %d, want 352", b.TrustScore)
	}
	if b.Tier != "green" || b.FeeMultiplier != 1.0 {
		t.Fatalf("tier/multiplier = %s/%.2f, want green/1.0", b.Tier, b.FeeMultiplier)
	}
}
