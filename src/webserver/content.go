package webserver

import (
	"net/http"
	"strconv"

	"github.com/bitline/trust-engine/src/types"
	"github.com/gin-gonic/gin"
)

type Content struct {
	s Services
}

func NewContent(s Services) Content {
	return Content{s: s}
}

type createContentRequest struct {
	Kind     string  `json:"kind" binding:"required"`
	ParentID *uint64 `json:"parentId"`
	Body     string  `json:"body" binding:"required"`
	Bounty   int64   `json:"bounty" binding:"gte=0"`
}

func (h Content) Create(c *gin.Context) {
	var req createContentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}

	item, err := h.s.Content.Create(c.Request.Context(), accountID(c), req.Kind, req.ParentID, req.Body, req.Bounty)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, itemJSON(item))
}

func (h Content) Get(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"err": "invalid content id"})
		return
	}

	item, err := h.s.Content.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}

	children, err := h.s.Content.Children(c.Request.Context(), id, 0)
	if err != nil {
		fail(c, err)
		return
	}

	kids := make([]gin.H, 0, len(children))
	for i := range children {
		kids = append(kids, itemJSON(&children[i]))
	}
	out := itemJSON(item)
	out["children"] = kids
	c.JSON(http.StatusOK, out)
}

func (h Content) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	items, err := h.s.Content.ListRecent(c.Request.Context(), limit)
	if err != nil {
		fail(c, err)
		return
	}

	out := make([]gin.H, 0, len(items))
	for i := range items {
		out = append(out, itemJSON(&items[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

func (h Content) ToggleLike(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"err": "invalid content id"})
		return
	}

	liked, err := h.s.Content.ToggleLike(c.Request.Context(), accountID(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"liked": liked})
}

type followRequest struct {
	FolloweeID uint64 `json:"followeeId" binding:"required"`
}

func (h Content) Follow(c *gin.Context) {
	var req followRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}

	if err := h.s.Content.Follow(c.Request.Context(), accountID(c), req.FolloweeID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"following": true})
}

func (h Content) Unfollow(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"err": "invalid account id"})
		return
	}

	if err := h.s.Content.Unfollow(c.Request.Context(), accountID(c), id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"following": false})
}

func itemJSON(item *types.ContentItem) gin.H {
	return gin.H{
		"id":               item.ID,
		"authorId":         item.AuthorID,
		"kind":             item.Kind,
		"parentId":         item.ParentID,
		"body":             item.Body,
		"costPaid":         item.CostPaid,
		"bounty":           item.Bounty,
		"status":           item.Status,
		"settlementStatus": item.SettlementStatus,
		"createdAt":        item.CreatedAt,
	}
}
