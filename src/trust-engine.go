package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitline/trust-engine/src/challenge"
	"github.com/bitline/trust-engine/src/collusion"
	"github.com/bitline/trust-engine/src/config"
	"github.com/bitline/trust-engine/src/content"
	"github.com/bitline/trust-engine/src/data"
	"github.com/bitline/trust-engine/src/ledger"
	"github.com/bitline/trust-engine/src/pricing"
	"github.com/bitline/trust-engine/src/reputation"
	"github.com/bitline/trust-engine/src/runtime"
	"github.com/bitline/trust-engine/src/settlement"
	"github.com/bitline/trust-engine/src/types"
	"github.com/bitline/trust-engine/src/webserver"
	"gorm.io/gorm"
)

func migrate(db *gorm.DB) {
	// The ledger is append-only money; never drop and recreate here.
	if err := db.AutoMigrate(types.Models()...); err != nil {
		log.Fatalf("migrate: %v", err)
	}
}

func pickOracle(cfg config.Config) challenge.Oracle {
	if cfg.OracleAPIKey != "" {
		log.Printf("engine: moderation oracle %s", cfg.OracleModel)
		return challenge.NewHTTPOracle(cfg.OracleURL, cfg.OracleAPIKey, cfg.OracleModel)
	}
	log.Printf("engine: no oracle key set, falling back to rule-based moderation")
	return challenge.RuleOracle{}
}

func main() {
	cfg := config.Load()

	db, err := data.ConnectMySQL(cfg.MySQLDSN)
	if err != nil {
		log.Fatalf("mysql: %v", err)
	}
	migrate(db)
	if err := data.LoadSettings(db); err != nil {
		log.Fatalf("settings: %v", err)
	}

	econ := config.DefaultEconomics()
	if cfg.EconomicsPath != "" {
		econ, err = config.LoadEconomics(cfg.EconomicsPath)
		if err != nil {
			log.Fatalf("economics: %v", err)
		}
	}

	rdb := data.MustRedis(cfg.RedisURL)

	led := ledger.New(db)
	rep := reputation.NewService(db, rdb, &econ)
	price := pricing.New(db, &econ, rep.Model())
	wins := settlement.NewWindows(db, &econ)
	det := collusion.NewDetector(db, &econ, rep, rdb)
	eng := settlement.NewEngine(db, &econ, led, rep, det, wins, rdb)
	contentSvc := content.New(db, &econ, led, rep, price, wins, rdb)
	chalSvc := challenge.New(db, &econ, led, rep, price, wins, rdb)

	mgr := runtime.NewManager(
		settlement.NewScheduler(eng, wins, rdb, time.Duration(cfg.SettleInterval)*time.Second),
		challenge.NewResolver(db, chalSvc, pickOracle(cfg), time.Duration(cfg.ResolveInterval)*time.Second, time.Minute),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx); err != nil {
		log.Fatalf("runtime: %v", err)
	}

	router := webserver.New(cfg, webserver.Services{
		DB:        db,
		RDB:       rdb,
		Econ:      &econ,
		Ledger:    led,
		Reput:     rep,
		Pricing:   price,
		Content:   contentSvc,
		Challenge: chalSvc,
		Windows:   wins,
		Engine:    eng,
	})
	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()
	log.Printf("trust engine listening on %s", cfg.Port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()

	shutCtx, cancelShut := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShut()
	_ = httpSrv.Shutdown(shutCtx)
	mgr.Stop(shutCtx)
}
