package auth

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"xdrop/internal/httputil"
)

// ProfileStore creates the profile row that user-owned rows reference.
type ProfileStore interface {
	EnsureProfile(ctx context.Context, userID, email string) error
}

// ProfileSync makes sure every authenticated user has a profile row before a
// handler writes data that references it. Users are upserted once per process.
type ProfileSync struct {
	store  ProfileStore
	logger *slog.Logger
	seen   sync.Map
}

// NewProfileSync creates a ProfileSync backed by store.
func NewProfileSync(store ProfileStore, logger *slog.Logger) *ProfileSync {
	return &ProfileSync{store: store, logger: logger.With("component", "profiles")}
}

// Ensure upserts the profile for u unless it was already done by this process.
func (p *ProfileSync) Ensure(ctx context.Context, u *User) error {
	if _, ok := p.seen.Load(u.ID); ok {
		return nil
	}
	if err := p.store.EnsureProfile(ctx, u.ID, u.Email); err != nil {
		return err
	}
	p.seen.Store(u.ID, struct{}{})
	return nil
}

// Middleware runs Ensure for the user placed in the context by RequireUser.
func (p *ProfileSync) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := UserFromContext(r.Context())
		if u == nil {
			httputil.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if err := p.Ensure(r.Context(), u); err != nil {
			p.logger.Error("ensure profile", "user_id", u.ID, "error", err)
			httputil.Error(w, http.StatusInternalServerError, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
