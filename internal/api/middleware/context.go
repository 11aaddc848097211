package middleware

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/deadletter/pkg/models"
)

type contextKey string

const userKey contextKey = "user"

func SetUser(ctx context.Context, u models.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// GetUser returns the authenticated operator of r.
func GetUser(r *http.Request) (models.User, bool) {
	u, ok := r.Context().Value(userKey).(models.User)
	return u, ok
}
