package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newETagRouter() *gin.Engine {
	router := gin.New()
	router.GET("/stats", ETag(30), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"agents": 3, "work": 7})
	})
	router.GET("/boom", ETag(30), func(c *gin.Context) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "nope"})
	})
	return router
}

func TestETagFreshResponse(t *testing.T) {
	router := newETagRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.Bytes())

	tag := rec.Header().Get("ETag")
	require.Len(t, tag, 34) // quoted 32-char hex digest
	assert.Equal(t, `"`, tag[:1])
	assert.Equal(t, "max-age=30, must-revalidate", rec.Header().Get("Cache-Control"))
}

func TestETagStableAcrossRequests(t *testing.T) {
	router := newETagRouter()

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/stats", nil))
	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/stats", nil))

	assert.Equal(t, first.Header().Get("ETag"), second.Header().Get("ETag"))
}

func TestETagConditionalGet(t *testing.T) {
	router := newETagRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	tag := rec.Header().Get("ETag")

	t.Run("matching tag yields 304 without body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/stats", nil)
		req.Header.Set("If-None-Match", tag)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusNotModified, rec.Code)
		assert.Empty(t, rec.Body.Bytes())
		assert.Equal(t, tag, rec.Header().Get("ETag"))
		assert.Equal(t, "max-age=30, must-revalidate", rec.Header().Get("Cache-Control"))
	})

	t.Run("weak validator matches by value", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/stats", nil)
		req.Header.Set("If-None-Match", "W/"+tag)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotModified, rec.Code)
	})

	t.Run("stale tag yields a full response", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/stats", nil)
		req.Header.Set("If-None-Match", `"0000deadbeef0000deadbeef0000dead"`)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Body.Bytes())
	})
}

func TestETagSkipsFailures(t *testing.T) {
	router := newETagRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, rec.Header().Get("ETag"))
	assert.Empty(t, rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Body.Bytes())
}
