package repository

import (
	"context"
	"time"

	"github.com/twinsight/connect/internal/domain"
)

// ConnectionRepository is the single source of truth for credential status.
// All status transitions are single-row, guarded updates keyed by the
// (user_id, platform) unique constraint.
type ConnectionRepository interface {
	Upsert(ctx context.Context, conn domain.Connection) (domain.Connection, error)
	Get(ctx context.Context, userID, platform string) (domain.Connection, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Connection, error)
	// ListExpiringBefore returns connected rows with a refresh token whose
	// expiry falls before the cutoff. needs_reauth rows never appear.
	ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]domain.Connection, error)
	MarkPending(ctx context.Context, userID, platform string) error
	MarkRefreshing(ctx context.Context, userID, platform string) error
	// MarkConnected installs new ciphertext and expiry and clears last_error.
	// An empty refreshCiphertext keeps the stored refresh token (providers
	// that do not rotate it).
	MarkConnected(ctx context.Context, userID, platform, accessCiphertext, refreshCiphertext string, expiresAt *time.Time) error
	// ReleaseRefreshing reverts refreshing back to connected after a
	// transient failure; the candidate is retried on a later sweep.
	ReleaseRefreshing(ctx context.Context, userID, platform, note string) error
	MarkNeedsReauth(ctx context.Context, userID, platform, reason string) error
	MarkDisconnected(ctx context.Context, userID, platform string) error
	FindByProviderUserID(ctx context.Context, platform, providerUserID string) (domain.Connection, error)
}

// StateStore persists short-lived, single-use authorization states.
type StateStore interface {
	Save(ctx context.Context, state domain.AuthorizationState, ttl time.Duration) error
	// Consume atomically loads and deletes the state. Returns nil when the
	// token is absent, expired, or already consumed; this single check is
	// both the CSRF defense and the single-use guarantee.
	Consume(ctx context.Context, token string) (*domain.AuthorizationState, error)
}

// RefreshRunRepository appends sweep audit records. Rows are never mutated.
type RefreshRunRepository interface {
	Insert(ctx context.Context, run domain.RefreshRun) error
}

// WebhookEventRepository records verified events idempotently.
type WebhookEventRepository interface {
	// Insert returns false when the (platform, resource, event type) triple
	// was already recorded, which is how provider retries are deduplicated.
	Insert(ctx context.Context, event domain.WebhookEvent) (bool, error)
}
