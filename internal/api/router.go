package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/deadletter/internal/api/middleware"
	"github.com/kiranshivaraju/deadletter/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth *mw.Auth

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	ReportFailure      http.HandlerFunc
	ListErrors         http.HandlerFunc
	GetError           http.HandlerFunc
	ResendError        http.HandlerFunc
	DeleteError        http.HandlerFunc
	AuditLog           http.HandlerFunc
	GetErrorGroup      http.HandlerFunc
	AssignTicketNumber http.HandlerFunc
	UpdateFreeText     http.HandlerFunc
	CreateIssue        http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public endpoints
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)

		r.Post("/api/v1/failures", orNotImplemented(deps.ReportFailure))

		r.Get("/api/v1/errors", orNotImplemented(deps.ListErrors))
		r.Get("/api/v1/errors/{errorID}", orNotImplemented(deps.GetError))
		r.Delete("/api/v1/errors/{errorID}", orNotImplemented(deps.DeleteError))
		r.Post("/api/v1/errors/{errorID}/resend", orNotImplemented(deps.ResendError))
		r.Get("/api/v1/errors/{errorID}/audit-log", orNotImplemented(deps.AuditLog))

		r.Get("/api/v1/error-groups/{groupID}", orNotImplemented(deps.GetErrorGroup))
		r.Put("/api/v1/error-groups/{groupID}/ticket-number", orNotImplemented(deps.AssignTicketNumber))
		r.Put("/api/v1/error-groups/{groupID}/free-text", orNotImplemented(deps.UpdateFreeText))
		r.Post("/api/v1/error-groups/{groupID}/issue", orNotImplemented(deps.CreateIssue))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
