package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/deadletter/internal/api/response"
)

// Pinger is a dependency whose reachability the health check reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealth returns the handler for GET /api/v1/health. Every check must
// succeed for a 200.
func NewHealth(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := make(map[string]string, len(checks))
		degraded := false
		for name, p := range checks {
			results[name] = "ok"
			if err := p.Ping(r.Context()); err != nil {
				results[name] = "degraded"
				degraded = true
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", results)
			return
		}
		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": results,
		})
	}
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }
