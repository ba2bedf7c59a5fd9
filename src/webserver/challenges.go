package webserver

import (
	"net/http"
	"strconv"

	"github.com/bitline/trust-engine/src/types"
	"github.com/gin-gonic/gin"
)

type Challenges struct {
	s Services
}

func NewChallenges(s Services) Challenges {
	return Challenges{s: s}
}

type submitChallengeRequest struct {
	ContentID uint64 `json:"contentId" binding:"required"`
	Reason    string `json:"reason" binding:"required"`
	Detail    string `json:"detail"`
}

func (h Challenges) Submit(c *gin.Context) {
	var req submitChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}

	ch, err := h.s.Challenge.Submit(c.Request.Context(), accountID(c), req.ContentID, req.Reason, req.Detail)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, challengeJSON(ch))
}

func (h Challenges) Get(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"err": "invalid challenge id"})
		return
	}

	ch, err := h.s.Challenge.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, challengeJSON(ch))
}

func (h Challenges) ListByContent(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"err": "invalid content id"})
		return
	}

	list, err := h.s.Challenge.ListByContent(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}

	out := make([]gin.H, 0, len(list))
	for i := range list {
		out = append(out, challengeJSON(&list[i]))
	}
	c.JSON(http.StatusOK, gin.H{"challenges": out})
}

func challengeJSON(ch *types.Challenge) gin.H {
	return gin.H{
		"id":           ch.ID,
		"contentId":    ch.ContentID,
		"challengerId": ch.ChallengerID,
		"reason":       ch.Reason,
		"feePaid":      ch.FeePaid,
		"status":       ch.Status,
		"fineAmount":   ch.FineAmount,
		"collected":    ch.CollectedAmount,
		"verdict":      ch.VerdictReason,
		"confidence":   ch.VerdictConfidence,
		"createdAt":    ch.CreatedAt,
		"resolvedAt":   ch.ResolvedAt,
	}
}
