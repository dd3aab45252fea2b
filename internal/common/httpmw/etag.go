package httpmw

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// etagWriter buffers the response body so the hash can be computed before
// anything reaches the wire. Header writes are deferred by gin until the
// first body write, so nothing is flushed while we hold the bytes.
type etagWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *etagWriter) Write(b []byte) (int, error) {
	return w.body.Write(b)
}

func (w *etagWriter) WriteString(s string) (int, error) {
	return w.body.WriteString(s)
}

// ETag adds conditional GET support to read-only endpoints: successful
// responses are hashed (MD5 over the exact body bytes, quoted lowercase
// hex) and stamped with a Cache-Control of maxAge seconds. A request whose
// If-None-Match equals the computed tag is answered 304 with no body.
// Handlers behind this middleware must produce deterministic bodies for
// equal state; anything non-2xx passes through untouched.
func ETag(maxAge int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		w := &etagWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()
		c.Writer = w.ResponseWriter

		body := w.body.Bytes()
		if w.ResponseWriter.Status() != http.StatusOK {
			if len(body) > 0 {
				_, _ = w.ResponseWriter.Write(body)
			}
			return
		}

		sum := md5.Sum(body)
		tag := `"` + hex.EncodeToString(sum[:]) + `"`

		header := w.ResponseWriter.Header()
		header.Set("ETag", tag)
		header.Set("Cache-Control", fmt.Sprintf("max-age=%d, must-revalidate", maxAge))

		if match := c.Request.Header.Get("If-None-Match"); match != "" && etagMatches(match, tag) {
			w.ResponseWriter.WriteHeader(http.StatusNotModified)
			return
		}

		_, _ = w.ResponseWriter.Write(body)
	}
}

// etagMatches implements the If-None-Match comparison: a comma-separated
// candidate list, weak validators compared by value, "*" matches anything.
func etagMatches(headerValue, tag string) bool {
	for _, candidate := range strings.Split(headerValue, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == "*" || candidate == tag {
			return true
		}
	}
	return false
}
