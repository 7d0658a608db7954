package middleware

import (
	"errors"
	"net/http"

	"wasteless-ledger/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// Error renders the last error recorded on the gin context. Domain errors
// carry their own status code; anything else becomes a generic 500.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		var be errutil.BaseError
		if errors.As(last.Err, &be) {
			c.JSON(be.Code.HTTPStatus(), be.JSON())
			return
		}

		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    errutil.StatusInternal,
				"message": "internal error",
			},
		})
	}
}
