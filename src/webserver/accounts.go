package webserver

import (
	"net/http"
	"strconv"

	"github.com/bitline/trust-engine/src/ledger"
	"github.com/bitline/trust-engine/src/types"
	"github.com/gin-gonic/gin"
)

type Accounts struct {
	s Services
}

func NewAccounts(s Services) Accounts {
	return Accounts{s: s}
}

func (h Accounts) Trust(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"err": "invalid account id"})
		return
	}

	b, err := h.s.Reput.TrustBreakdown(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h Accounts) Costs(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"err": "invalid account id"})
		return
	}

	acct, err := h.s.Reput.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tier": h.s.Reput.Model().Tier(acct), "costs": h.s.Pricing.Sheet(acct)})
}

func (h Accounts) Balance(c *gin.Context) {
	id := accountID(c)
	bal, err := h.s.Ledger.Balance(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accountId": id, "balance": bal})
}

func (h Accounts) Ledger(c *gin.Context) {
	id := accountID(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, err := h.s.Ledger.History(c.Request.Context(), id, limit)
	if err != nil {
		fail(c, err)
		return
	}

	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"id":           e.ID,
			"amount":       e.Amount,
			"balanceAfter": e.BalanceAfter,
			"action":       e.Action,
			"refKind":      e.RefKind,
			"refId":        e.RefID,
			"createdAt":    e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": out})
}

type depositRequest struct {
	Amount int64  `json:"amount" binding:"required,gt=0"`
	Key    string `json:"key" binding:"required"`
}

// Deposit credits externally sourced funds. The client supplies the
// idempotency key so a retried request cannot double-credit.
func (h Accounts) Deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}

	id := accountID(c)
	if _, err := h.s.Reput.EnsureAccount(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}

	dedupe := ledger.Key(types.ActionDeposit, "account", id, req.Key)
	entry, applied, err := h.s.Ledger.Credit(c.Request.Context(), id, req.Amount, types.ActionDeposit, "account", id, dedupe)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": applied, "balance": entry.BalanceAfter})
}
