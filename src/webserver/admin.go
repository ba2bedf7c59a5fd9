package webserver

import (
	"log"
	"net/http"
	"strconv"

	"github.com/bitline/trust-engine/src/data"
	"github.com/bitline/trust-engine/src/types"
	"github.com/gin-gonic/gin"
)

type Admin struct {
	s Services
}

func NewAdmin(s Services) Admin {
	return Admin{s: s}
}

type setSettingRequest struct {
	Name  string `json:"name" binding:"required"`
	Value string `json:"value"`
}

func (h Admin) SetSetting(c *gin.Context) {
	var req setSettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}

	if err := data.SetSetting(h.s.DB, req.Name, req.Value); err != nil {
		fail(c, err)
		return
	}
	log.Printf("webserver: admin %d set %s=%q", accountID(c), req.Name, req.Value)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RunSettlement closes due windows and settles anything outstanding.
// It runs inline so the admin sees failures in the response.
func (h Admin) RunSettlement(c *gin.Context) {
	log.Printf("webserver: admin %d triggered settlement run", accountID(c))
	if err := h.s.Engine.RunDue(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h Admin) WindowRewards(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"err": "invalid window id"})
		return
	}

	var rows []types.ContentReward
	if err := h.s.DB.WithContext(c.Request.Context()).
		Where("window_id = ?", id).
		Order("content_id ASC, amount DESC").
		Find(&rows).Error; err != nil {
		fail(c, err)
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, r := range rows {
		out = append(out, gin.H{
			"contentId": r.ContentID,
			"accountId": r.AccountID,
			"kind":      r.Kind,
			"amount":    r.Amount,
			"score":     r.Score,
			"paid":      r.Paid,
		})
	}
	c.JSON(http.StatusOK, gin.H{"windowId": id, "rewards": out})
}
