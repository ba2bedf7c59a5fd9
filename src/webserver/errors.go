package webserver

import (
	"errors"
	"net/http"

	"github.com/bitline/trust-engine/src/challenge"
	"github.com/bitline/trust-engine/src/content"
	"github.com/bitline/trust-engine/src/ledger"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// fail maps service errors to HTTP responses. Anything not understood
// stays a 500 so callers cannot mistake an engine fault for a rejection.
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{"err": err.Error()})
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"err": "not found"})
	case errors.Is(err, challenge.ErrOpenChallenge),
		errors.Is(err, challenge.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"err": err.Error()})
	case errors.Is(err, content.ErrUnknownKind),
		errors.Is(err, content.ErrEmptyBody),
		errors.Is(err, content.ErrBadParent),
		errors.Is(err, content.ErrParentInactive),
		errors.Is(err, content.ErrBountyNotAllowed),
		errors.Is(err, content.ErrSelfLike),
		errors.Is(err, content.ErrSelfFollow),
		errors.Is(err, content.ErrContentInactive),
		errors.Is(err, challenge.ErrUnknownReason),
		errors.Is(err, challenge.ErrSelfChallenge),
		errors.Is(err, challenge.ErrContentInactive),
		errors.Is(err, challenge.ErrContentTooOld):
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"err": "internal error"})
	}
}
