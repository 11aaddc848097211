package middleware

import (
	"net/http"
	"strings"

	"github.com/kiranshivaraju/deadletter/internal/api/response"
	"github.com/kiranshivaraju/deadletter/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// UserHeader names the operator behind an admin request. It is recorded in
// the audit log.
const UserHeader = "X-Deadletter-User"

const defaultSubject = "admin"

// Auth checks the admin bearer key against a bcrypt hash.
type Auth struct {
	keyHash []byte
}

// NewAuth creates the middleware. An empty hash rejects every request.
func NewAuth(apiKeyHash string) *Auth {
	return &Auth{keyHash: []byte(apiKeyHash)}
}

// Authenticate validates the Bearer token and sets the acting user in the
// request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if len(a.keyHash) == 0 || bcrypt.CompareHashAndPassword(a.keyHash, []byte(rawKey)) != nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}

		subject := strings.TrimSpace(r.Header.Get(UserHeader))
		if subject == "" {
			subject = defaultSubject
		}
		ctx := SetUser(r.Context(), models.User{Subject: subject, AuthContext: "admin-api-key"})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
