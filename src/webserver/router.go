package webserver

import (
	"net/http"
	"time"

	"github.com/bitline/trust-engine/src/config"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func attachRoutes(r *gin.Engine, cfg config.Config, s Services) {
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "https://app.bitline.social"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	secret := []byte(cfg.JWTSecret)
	authH := NewAuth(s, secret)
	acctH := NewAccounts(s)
	contentH := NewContent(s)
	chalH := NewChallenges(s)
	winH := NewWindows(s)
	adminH := NewAdmin(s)

	limiter := NewRateLimiter(30, time.Minute)

	v1 := r.Group("/v1")
	{
		v1.POST("/auth/token", authH.Token)

		secured := v1.Use(JWTMiddleware(secret))
		secured.GET("/accounts/:id/trust", acctH.Trust)
		secured.GET("/accounts/:id/costs", acctH.Costs)
		secured.GET("/me/balance", acctH.Balance)
		secured.GET("/me/ledger", acctH.Ledger)
		secured.POST("/me/deposit", RateLimitMiddleware(limiter), acctH.Deposit)

		secured.GET("/content", contentH.List)
		secured.GET("/content/:id", contentH.Get)
		secured.POST("/content", RateLimitMiddleware(limiter), contentH.Create)
		secured.POST("/content/:id/like", RateLimitMiddleware(limiter), contentH.ToggleLike)
		secured.POST("/follows", contentH.Follow)
		secured.DELETE("/follows/:id", contentH.Unfollow)

		secured.POST("/challenges", RateLimitMiddleware(limiter), chalH.Submit)
		secured.GET("/challenges/:id", chalH.Get)
		secured.GET("/content/:id/challenges", chalH.ListByContent)

		secured.GET("/windows/current", winH.Current)
	}

	admin := v1.Group("/admin")
	admin.Use(JWTMiddleware(secret), AdminMiddleware(s))
	{
		admin.POST("/settings", adminH.SetSetting)
		admin.POST("/settlements/run", adminH.RunSettlement)
		admin.GET("/windows/:id/rewards", adminH.WindowRewards)
	}
}
