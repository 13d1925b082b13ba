package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hiroki-koketsu/go-task-tree/internal/model"
)

// PrincipalHeader carries the acting owner's id. Authentication happens
// upstream; this service trusts the header.
const PrincipalHeader = "X-Owner-ID"

type principalKey struct{}

// WithPrincipal returns a context carrying the acting owner's id.
func WithPrincipal(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, principalKey{}, id)
}

// PrincipalFrom returns the acting owner's id, or "" if none.
func PrincipalFrom(ctx context.Context) string {
	id, _ := ctx.Value(principalKey{}).(string)
	return id
}

func (h *TaskHandler) requirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(PrincipalHeader))
		if id == "" {
			h.logger.WarnContext(r.Context(), "missing principal", slog.String("path", r.URL.Path))
			h.respondError(w, http.StatusUnauthorized, model.ErrUnauthenticated.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), id)))
	})
}
