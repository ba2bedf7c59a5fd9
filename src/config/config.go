package config

import (
	"log"
	"os"
	"strconv"
)

type Config struct {
	MySQLDSN        string
	RedisURL        string
	JWTSecret       string
	Port            string
	EconomicsPath   string
	OracleURL       string
	OracleAPIKey    string
	OracleModel     string
	SettleInterval  int
	ResolveInterval int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		if def == "" {
			log.Fatalf("missing env %s", key)
		}
		return def
	}
	return v
}

func Load() Config {
	si, _ := strconv.Atoi(getenv("SETTLE_INTERVAL", "300"))
	ri, _ := strconv.Atoi(getenv("RESOLVE_INTERVAL", "15"))
	return Config{
		MySQLDSN:        getenv("MYSQL_DSN", "bitline:bitline@tcp(127.0.0.1:3306)/bitline"),
		RedisURL:        getenv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		JWTSecret:       getenv("JWT_SECRET", "2b7c59d3a1f08e6b4cd90a57f3be12c873aa04f1d6c28e9b5074c3d1e8f6a290"),
		Port:            getenv("PORT", "8080"),
		EconomicsPath:   os.Getenv("ECONOMICS_CONFIG"),
		OracleURL:       getenv("ORACLE_URL", "https://api.anthropic.com/v1/messages"),
		OracleAPIKey:    os.Getenv("ORACLE_API_KEY"),
		OracleModel:     getenv("ORACLE_MODEL", "claude-sonnet-4-20250514"),
		SettleInterval:  si,
		ResolveInterval: ri,
	}
}
