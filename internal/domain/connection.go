package domain

import "time"

// ConnectionStatus enumerates the lifecycle states of a platform connection.
type ConnectionStatus string

const (
	StatusDisconnected         ConnectionStatus = "disconnected"
	StatusPendingAuthorization ConnectionStatus = "pending_authorization"
	StatusConnected            ConnectionStatus = "connected"
	StatusRefreshing           ConnectionStatus = "refreshing"
	StatusNeedsReauth          ConnectionStatus = "needs_reauth"
	StatusRevoked              ConnectionStatus = "revoked"
)

// Usable reports whether a connection in this status may hand out credentials.
// needs_reauth keeps its ciphertext around but callers must never use it.
func (s ConnectionStatus) Usable() bool {
	return s == StatusConnected || s == StatusRefreshing
}

// Connection is the persisted relationship between one user and one external
// platform's credentials. One row per (UserID, Platform).
type Connection struct {
	ID                     int64
	UserID                 string
	Platform               string
	Status                 ConnectionStatus
	AccessTokenCiphertext  string
	RefreshTokenCiphertext string
	ExpiresAt              *time.Time
	ProviderUserID         string
	Scopes                 []string
	LastError              string
	ConnectedAt            *time.Time
	DisconnectedAt         *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Refreshable reports whether the scheduler can proactively refresh this
// connection. Providers that issue no refresh token are simply skipped.
func (c Connection) Refreshable() bool {
	return c.Status == StatusConnected && c.RefreshTokenCiphertext != "" && c.ExpiresAt != nil
}

// AuthorizationState is the short-lived, single-use record correlating an
// outbound authorization redirect with the request that started it.
type AuthorizationState struct {
	State        string    `json:"state"`
	UserID       string    `json:"user_id"`
	Platform     string    `json:"platform"`
	ReturnTarget string    `json:"return_target"`
	IssuedAt     time.Time `json:"issued_at"`
}

// RefreshRun is the append-only audit record of one refresh sweep.
type RefreshRun struct {
	ID           int64
	StartedAt    time.Time
	DurationMS   int64
	Checked      int
	Refreshed    int
	Failed       int
	ErrorSummary string
}

// WebhookEvent records one verified inbound provider notification. The
// (Platform, ResourceID, EventType) triple is the idempotency key.
type WebhookEvent struct {
	ID             int64
	Platform       string
	ProviderUserID string
	ResourceID     string
	EventType      string
	Payload        []byte
	ReceivedAt     time.Time
}
