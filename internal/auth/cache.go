package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/meshcitadel/meshcitadel/internal/storage"
)

// NodeAuthenticator answers "does this node get to skip login?" from the
// mc_passwd_cache table. A cache row is valid while its last successful
// password use is inside the configured window.
type NodeAuthenticator struct {
	db     *storage.DB
	window time.Duration
	logger *slog.Logger
}

// NewNodeAuthenticator builds the authenticator. window is
// auth.password_cache_duration.
func NewNodeAuthenticator(db *storage.DB, window time.Duration, logger *slog.Logger) *NodeAuthenticator {
	return &NodeAuthenticator{
		db:     db,
		window: window,
		logger: logger.With(slog.String("component", "nodeauth")),
	}
}

// HasCache returns the cached username for the node when the cache row
// is present and fresh; otherwise ok is false. Stale rows are left in
// place: only an explicit logout clears them.
func (a *NodeAuthenticator) HasCache(ctx context.Context, nodeID string) (username string, ok bool) {
	row, err := a.db.PasswordCache.Get(ctx, nodeID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false
	}
	if err != nil {
		a.logger.Warn("password cache read failed",
			slog.String("node_id", nodeID),
			slog.String("error", err.Error()),
		)
		return "", false
	}
	if time.Since(row.LastPwUse) > a.window {
		a.logger.Debug("password cache expired",
			slog.String("node_id", nodeID),
			slog.Time("last_pw_use", row.LastPwUse),
		)
		return "", false
	}
	return row.Username, true
}

// Touch records a successful password use for the node, refreshing the
// validity window.
func (a *NodeAuthenticator) Touch(ctx context.Context, username, nodeID string) error {
	return a.db.PasswordCache.Touch(ctx, username, nodeID)
}

// Clear drops the node's cache row. Invoked only on explicit logout,
// never on idle expiry.
func (a *NodeAuthenticator) Clear(ctx context.Context, nodeID string) error {
	return a.db.PasswordCache.Clear(ctx, nodeID)
}
