package httpmw

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/weftdev/weft/internal/common/errors"
)

// BearerToken extracts the credential a request presents, either as an
// Authorization bearer header or a token query parameter.
func BearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}

// Auth enforces the shared service token. Empty expected token means
// authentication is disabled and every request passes. The check is
// binary: the token either matches or the request is rejected, there are
// no scopes or roles behind it.
func Auth(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if expected == "" {
			c.Next()
			return
		}

		presented := BearerToken(c)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
			errors.Respond(c, errors.Unauthorized("invalid or missing token"))
			return
		}

		c.Next()
	}
}
