package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Routes whose requests are logged at debug level.
var quietRoutes = map[string]bool{
	"/metrics":       true,
	"/api/v1/health": true,
}

// Route parameters copied into the request log line.
var loggedParams = map[string]string{
	"errorID": "error_id",
	"groupID": "group_id",
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// Logger writes one line per admin API request. It logs the matched route
// pattern and the error or group the request targeted. Server errors log at
// error level and rejected requests at warn.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		attrs := []any{
			"method", r.Method,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimw.GetReqID(r.Context()),
		}
		// The route context is shared with the router, so the params are
		// filled in once next has returned.
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
			for param, attr := range loggedParams {
				if v := rctx.URLParam(param); v != "" {
					attrs = append(attrs, attr, v)
				}
			}
		}
		attrs = append(attrs, "route", route)
		if op := r.Header.Get(UserHeader); op != "" && r.Method != http.MethodGet {
			attrs = append(attrs, "operator", op)
		}

		slog.Log(r.Context(), requestLevel(route, rec.status), "admin request", attrs...)
	})
}

func requestLevel(route string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest && status != http.StatusNotFound:
		return slog.LevelWarn
	case quietRoutes[route]:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
