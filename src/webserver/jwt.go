package webserver

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bitline/trust-engine/src/data"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// JWTMiddleware validates the bearer token and stores the caller's
// account id on the context under "account".
func JWTMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"err": "missing bearer token"})
			return
		}

		token, err := jwt.Parse(strings.TrimPrefix(header, "Bearer "), func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"err": "invalid token"})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"err": "invalid claims"})
			return
		}
		sub, _ := claims["sub"].(string)
		id, err := strconv.ParseUint(sub, 10, 64)
		if err != nil || id == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"err": "invalid subject"})
			return
		}

		c.Set("account", id)
		c.Next()
	}
}

// AdminMiddleware restricts a route group to accounts listed in the
// admin_accounts setting (comma-separated ids).
func AdminMiddleware(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := accountID(c)
		if id == 0 || !isAdmin(s, id) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"err": "admin access required"})
			return
		}
		c.Next()
	}
}

func isAdmin(s Services, id uint64) bool {
	raw := data.GetSetting("admin_accounts")
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == strconv.FormatUint(id, 10) {
			return true
		}
	}
	return false
}

func accountID(c *gin.Context) uint64 {
	v, ok := c.Get("account")
	if !ok {
		return 0
	}
	id, _ := v.(uint64)
	return id
}

func issueJWT(accountID uint64, secret []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": strconv.FormatUint(accountID, 10),
		"exp": time.Now().Add(24 * time.Hour).Unix(),
	})
	return token.SignedString(secret)
}
