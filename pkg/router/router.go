package router

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type HandlerFunc func(http.ResponseWriter, *http.Request)

// Middleware wraps the whole router
type Middleware func(http.Handler) http.Handler

type wildcardRoute struct {
	method  string
	pattern string
	handler http.Handler
}

// Router dispatches on METHOD:PATH, falling back to wildcard patterns in the
// order they were registered. Register specific patterns first.
type Router struct {
	routes     map[string]http.Handler // key = METHOD:PATH
	wildcards  []wildcardRoute
	paths      map[string]bool // track registered paths
	middleware []Middleware
	log        zerolog.Logger
}

func New(log zerolog.Logger) *Router {
	return &Router{
		routes: make(map[string]http.Handler),
		paths:  make(map[string]bool),
		log:    log,
	}
}

// Use appends a middleware; the first one added is the outermost
func (r *Router) Use(m Middleware) {
	r.middleware = append(r.middleware, m)
}

// ServeHTTP logs the request and dispatches it through the middleware chain
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

	var h http.Handler = http.HandlerFunc(r.dispatch)
	for i := len(r.middleware) - 1; i >= 0; i-- {
		h = r.middleware[i](h)
	}
	h.ServeHTTP(lrw, req)

	event := r.log.Info()
	if lrw.statusCode >= 500 {
		event = r.log.Error()
	} else if lrw.statusCode >= 400 {
		event = r.log.Warn()
	}
	event.
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", lrw.statusCode).
		Dur("duration", time.Since(start)).
		Str("client_ip", req.RemoteAddr).
		Msg("http_request")
}

func (r *Router) dispatch(w http.ResponseWriter, req *http.Request) {
	if h, ok := r.routes[req.Method+":"+req.URL.Path]; ok {
		h.ServeHTTP(w, req)
		return
	}

	pathMatched := r.paths[req.URL.Path]
	for _, route := range r.wildcards {
		if !matchWildcardRoute(req.URL.Path, route.pattern) {
			continue
		}
		if route.method == req.Method {
			route.handler.ServeHTTP(w, req)
			return
		}
		pathMatched = true
	}

	if pathMatched {
		// Path exists but method not allowed
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	http.Error(w, "Not Found", http.StatusNotFound)
}

// matchWildcardRoute checks if a request path matches a wildcard route pattern.
// A trailing "*" matches any number of remaining segments; an inner "*"
// matches exactly one.
func matchWildcardRoute(requestPath, routePattern string) bool {
	requestSegments := strings.Split(strings.Trim(requestPath, "/"), "/")
	routeSegments := strings.Split(strings.Trim(routePattern, "/"), "/")

	last := len(routeSegments) - 1
	if routeSegments[last] == "*" {
		if len(requestSegments) < last {
			return false
		}
		requestSegments = requestSegments[:last]
		routeSegments = routeSegments[:last]
	} else if len(requestSegments) != len(routeSegments) {
		return false
	}

	for i, routeSegment := range routeSegments {
		if routeSegment == "*" {
			if requestSegments[i] == "" {
				return false
			}
			continue
		}
		if requestSegments[i] != routeSegment {
			return false
		}
	}
	return true
}

// --- Register paths ---
func (r *Router) register(method, path string, handler http.Handler) {
	r.paths[path] = true
	if strings.Contains(path, "*") {
		r.wildcards = append(r.wildcards, wildcardRoute{method: method, pattern: path, handler: handler})
		return
	}
	r.routes[method+":"+path] = handler
}

func (r *Router) GET(path string, handler HandlerFunc) {
	r.register(http.MethodGet, path, http.HandlerFunc(handler))
}
func (r *Router) POST(path string, handler HandlerFunc) {
	r.register(http.MethodPost, path, http.HandlerFunc(handler))
}
func (r *Router) PUT(path string, handler HandlerFunc) {
	r.register(http.MethodPut, path, http.HandlerFunc(handler))
}
func (r *Router) DELETE(path string, handler HandlerFunc) {
	r.register(http.MethodDelete, path, http.HandlerFunc(handler))
}

// Handle registers an http.Handler, e.g. a metrics or docs handler
func (r *Router) Handle(method, path string, handler http.Handler) {
	r.register(method, path, handler)
}

// Routes returns the registered METHOD:PATH keys, sorted
func (r *Router) Routes() []string {
	keys := make([]string, 0, len(r.routes)+len(r.wildcards))
	for k := range r.routes {
		keys = append(keys, k)
	}
	for _, w := range r.wildcards {
		keys = append(keys, w.method+":"+w.pattern)
	}
	sort.Strings(keys)
	return keys
}

func (r *Router) Paths() map[string]bool {
	return r.paths
}

// RateLimit rejects requests beyond the limiter's rate with 429
func RateLimit(limiter *rate.Limiter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

// --- Start server ---

// Start serves until ctx is cancelled, then shuts down gracefully
func (r *Router) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		r.log.Info().Str("addr", addr).Msg("server started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.log.Info().Msg("server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

// --- Logging response writer to capture status codes ---
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}
