package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func named(name string) HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(name))
	}
}

func serve(r *Router, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestDispatch(t *testing.T) {
	r := New(zerolog.Nop())
	r.POST("/api/v1/pipelines", named("create"))
	r.GET("/api/v1/pipelines", named("list"))
	r.GET("/api/v1/pipelines/*/metrics", named("metrics"))
	r.POST("/api/v1/pipelines/*/retry", named("retry"))
	r.GET("/api/v1/pipelines/*", named("get"))
	r.GET("/api/v1/download/*/*", named("download"))

	tests := []struct {
		method, path string
		code         int
		body         string
	}{
		{http.MethodPost, "/api/v1/pipelines", http.StatusOK, "create"},
		{http.MethodGet, "/api/v1/pipelines", http.StatusOK, "list"},
		{http.MethodGet, "/api/v1/pipelines/r1/metrics", http.StatusOK, "metrics"},
		{http.MethodPost, "/api/v1/pipelines/r1/retry", http.StatusOK, "retry"},
		{http.MethodGet, "/api/v1/pipelines/r1", http.StatusOK, "get"},
		{http.MethodGet, "/api/v1/download/r1/out.csv", http.StatusOK, "download"},
		{http.MethodDelete, "/api/v1/pipelines", http.StatusMethodNotAllowed, ""},
		{http.MethodGet, "/api/v1/pipelines/r1/retry", http.StatusOK, "get"},
		{http.MethodDelete, "/api/v1/pipelines/r1/metrics", http.StatusMethodNotAllowed, ""},
		{http.MethodGet, "/api/v1", http.StatusNotFound, ""},
		{http.MethodGet, "/nothing", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := serve(r, tt.method, tt.path)
			assert.Equal(t, tt.code, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestMatchWildcardRoute(t *testing.T) {
	assert.True(t, matchWildcardRoute("/a/x/c", "/a/*/c"))
	assert.False(t, matchWildcardRoute("/a//c", "/a/*/c"))
	assert.False(t, matchWildcardRoute("/a/x", "/a/*/c"))
	assert.True(t, matchWildcardRoute("/swagger/index.html", "/swagger/*"))
	assert.True(t, matchWildcardRoute("/swagger/a/b", "/swagger/*"))
	assert.False(t, matchWildcardRoute("/other/a", "/swagger/*"))
}

func TestMiddlewareOrder(t *testing.T) {
	r := New(zerolog.Nop())
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, req)
			})
		}
	}
	r.Use(mw("outer"))
	r.Use(mw("inner"))
	r.GET("/x", named("x"))

	serve(r, http.MethodGet, "/x")
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestRateLimit(t *testing.T) {
	r := New(zerolog.Nop())
	r.Use(RateLimit(rate.NewLimiter(rate.Limit(0.001), 2)))
	r.GET("/x", named("x"))

	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/x").Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/x").Code)
	rec := serve(r, http.MethodGet, "/x")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRoutes(t *testing.T) {
	r := New(zerolog.Nop())
	r.GET("/b", named("b"))
	r.PUT("/a/*", named("a"))
	r.Handle(http.MethodGet, "/metrics", http.NotFoundHandler())
	assert.Equal(t, []string{"GET:/b", "GET:/metrics", "PUT:/a/*"}, r.Routes())
	assert.True(t, r.Paths()["/a/*"])
}
