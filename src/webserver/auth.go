package webserver

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Auth mints bearer tokens. Identity is asserted by the upstream
// platform; the engine only needs a stable account id per caller.
type Auth struct {
	s      Services
	secret []byte
}

func NewAuth(s Services, secret []byte) Auth {
	return Auth{s: s, secret: secret}
}

type tokenRequest struct {
	AccountID uint64 `json:"accountId" binding:"required"`
}

func (h Auth) Token(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}

	acct, err := h.s.Reput.EnsureAccount(c.Request.Context(), req.AccountID)
	if err != nil {
		log.Printf("webserver: ensure account %d: %v", req.AccountID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"err": "internal error"})
		return
	}

	token, err := issueJWT(acct.ID, h.secret)
	if err != nil {
		log.Printf("webserver: issue token for %d: %v", acct.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"err": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}
