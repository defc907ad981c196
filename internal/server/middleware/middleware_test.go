package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksync/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.GET("/ns", func(c *gin.Context) {
		c.String(http.StatusOK, NamespaceFromContext(c))
	})
	return r
}

func TestAuthBearer(t *testing.T) {
	r := newEngine(Auth("s3cret"))
	cases := map[string]int{
		"":                 http.StatusUnauthorized,
		"Bearer wrong":     http.StatusUnauthorized,
		"Basic s3cret":     http.StatusUnauthorized,
		"Bearer s3cret":    http.StatusOK,
		"bearer   s3cret ": http.StatusOK,
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/ns", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, "header %q", header)
	}
}

func TestAuthNamespace(t *testing.T) {
	r := newEngine(Auth(""))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ns", nil))
	assert.Equal(t, "primary", rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/ns", nil)
	req.Header.Set(NamespaceHeader, "work")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "work", rec.Body.String())
}

func TestOrigins(t *testing.T) {
	r := newEngine(Origins([]string{"https://app.example"}))

	for origin, want := range map[string]int{
		"":                     http.StatusOK,
		"https://app.example":  http.StatusOK,
		"https://app.example/": http.StatusOK,
		"https://evil.example": http.StatusForbidden,
	} {
		req := httptest.NewRequest(http.MethodGet, "/ns", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, "origin %q", origin)
	}

	open := newEngine(Origins(nil))
	req := httptest.NewRequest(http.MethodGet, "/ns", nil)
	req.Header.Set("Origin", "https://anything.example")
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDAndLogger(t *testing.T) {
	log, logs := logging.NewObserved("debug")
	r := newEngine(RequestID(), RequestLogger(log, nil))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ns", nil))
	minted := rec.Header().Get(RequestIDHeader)
	require.NotEmpty(t, minted)

	req := httptest.NewRequest(http.MethodGet, "/ns", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "abc-123", entries[1].ContextMap()["request_id"])
	assert.Equal(t, int64(http.StatusOK), entries[1].ContextMap()["status"])
}
