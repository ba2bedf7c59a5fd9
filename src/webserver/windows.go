package webserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type Windows struct {
	s Services
}

func NewWindows(s Services) Windows {
	return Windows{s: s}
}

func (h Windows) Current(c *gin.Context) {
	win, err := h.s.Windows.CurrentOpen(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":          win.ID,
		"periodStart": win.PeriodStart,
		"periodEnd":   win.PeriodEnd,
		"pool":        win.PoolAmount,
		"status":      win.Status,
	})
}
