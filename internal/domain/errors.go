package domain

import "errors"

var (
	// ErrUnknownPlatform signals a platform name absent from the catalog.
	ErrUnknownPlatform = errors.New("connect: unknown platform")
	// ErrPlatformNotConfigured signals a known platform missing client credentials.
	ErrPlatformNotConfigured = errors.New("connect: platform not configured")
	// ErrInvalidOrExpiredState indicates the authorization state token is
	// absent, expired, or already consumed.
	ErrInvalidOrExpiredState = errors.New("connect: invalid or expired authorization state")
	// ErrCodeExchangeFailed indicates the provider rejected the authorization
	// code. Never retried: a used code cannot be exchanged twice.
	ErrCodeExchangeFailed = errors.New("connect: authorization code exchange failed")
	// ErrTerminalGrant indicates a refresh grant the provider treats as
	// revoked or invalid. Requires a fresh authorization cycle.
	ErrTerminalGrant = errors.New("connect: refresh grant rejected by provider")
	// ErrTransientProvider indicates a retryable provider failure (timeout, 5xx).
	ErrTransientProvider = errors.New("connect: transient provider failure")
	// ErrSignatureVerification indicates a webhook signature mismatch.
	ErrSignatureVerification = errors.New("connect: webhook signature verification failed")
	// ErrUnknownConnection indicates a webhook identity with no matching
	// connection. Acknowledged and dropped, not an error to the provider.
	ErrUnknownConnection = errors.New("connect: no connection for provider identity")
	// ErrConnectionNotFound indicates no row exists for (user, platform).
	ErrConnectionNotFound = errors.New("connect: connection not found")
	// ErrNotConnected indicates the connection exists but cannot hand out credentials.
	ErrNotConnected = errors.New("connect: connection is not usable")
	// ErrConflict indicates a concurrent update lost its guarded write twice.
	ErrConflict = errors.New("connect: concurrent update conflict")
)
