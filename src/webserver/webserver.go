package webserver

import (
	"github.com/bitline/trust-engine/src/challenge"
	"github.com/bitline/trust-engine/src/config"
	"github.com/bitline/trust-engine/src/content"
	"github.com/bitline/trust-engine/src/ledger"
	"github.com/bitline/trust-engine/src/pricing"
	"github.com/bitline/trust-engine/src/reputation"
	"github.com/bitline/trust-engine/src/settlement"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Services bundles the engine's service graph for the HTTP layer.
type Services struct {
	DB        *gorm.DB
	RDB       *redis.Client
	Econ      *config.Economics
	Ledger    *ledger.Service
	Reput     *reputation.Service
	Pricing   *pricing.Service
	Content   *content.Service
	Challenge *challenge.Service
	Windows   *settlement.Windows
	Engine    *settlement.Engine
}

func New(cfg config.Config, s Services) *gin.Engine {
	g := gin.New()
	g.Use(gin.Logger(), gin.Recovery())
	attachRoutes(g, cfg, s)
	return g
}
