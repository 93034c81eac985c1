package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/twinsight/connect/internal/domain"
)

// Compile-time interface assertions.
var (
	_ ConnectionRepository   = (*PostgresConnectionRepo)(nil)
	_ RefreshRunRepository   = (*PostgresRefreshRunRepo)(nil)
	_ WebhookEventRepository = (*PostgresWebhookEventRepo)(nil)
)

const connectionColumns = `id, user_id, platform, status, access_token_ciphertext, refresh_token_ciphertext,
expires_at, provider_user_id, scopes, last_error, connected_at, disconnected_at, created_at, updated_at`

// PostgresConnectionRepo implements ConnectionRepository on pgx.
type PostgresConnectionRepo struct {
	db   *pgxpool.Pool
	node *snowflake.Node
}

func NewPostgresConnectionRepo(pool *pgxpool.Pool, node *snowflake.Node) *PostgresConnectionRepo {
	return &PostgresConnectionRepo{db: pool, node: node}
}

const upsertConnectionSQL = `INSERT INTO platform_connections
(id, user_id, platform, status, access_token_ciphertext, refresh_token_ciphertext, expires_at, provider_user_id, scopes, last_error, connected_at, disconnected_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (user_id, platform) DO UPDATE SET
	status = EXCLUDED.status,
	access_token_ciphertext = EXCLUDED.access_token_ciphertext,
	refresh_token_ciphertext = EXCLUDED.refresh_token_ciphertext,
	expires_at = EXCLUDED.expires_at,
	provider_user_id = EXCLUDED.provider_user_id,
	scopes = EXCLUDED.scopes,
	last_error = EXCLUDED.last_error,
	connected_at = EXCLUDED.connected_at,
	disconnected_at = EXCLUDED.disconnected_at,
	updated_at = now()
RETURNING ` + connectionColumns

func (r *PostgresConnectionRepo) Upsert(ctx context.Context, conn domain.Connection) (domain.Connection, error) {
	id := conn.ID
	if id == 0 {
		id = r.node.Generate().Int64()
	}
	row := r.db.QueryRow(ctx, upsertConnectionSQL,
		id,
		conn.UserID,
		conn.Platform,
		string(conn.Status),
		nullString(conn.AccessTokenCiphertext),
		nullString(conn.RefreshTokenCiphertext),
		conn.ExpiresAt,
		nullString(conn.ProviderUserID),
		conn.Scopes,
		nullString(conn.LastError),
		conn.ConnectedAt,
		conn.DisconnectedAt,
	)
	saved, err := scanConnection(row)
	if err != nil {
		return domain.Connection{}, fmt.Errorf("upsert connection: %w", err)
	}
	return saved, nil
}

func (r *PostgresConnectionRepo) Get(ctx context.Context, userID, platform string) (domain.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM platform_connections WHERE user_id = $1 AND platform = $2`
	conn, err := scanConnection(r.db.QueryRow(ctx, query, userID, platform))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Connection{}, domain.ErrConnectionNotFound
		}
		return domain.Connection{}, fmt.Errorf("get connection: %w", err)
	}
	return conn, nil
}

func (r *PostgresConnectionRepo) ListByUser(ctx context.Context, userID string) ([]domain.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM platform_connections WHERE user_id = $1 ORDER BY platform`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()
	return collectConnections(rows)
}

func (r *PostgresConnectionRepo) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]domain.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM platform_connections
WHERE status = 'connected'
  AND refresh_token_ciphertext IS NOT NULL
  AND expires_at IS NOT NULL
  AND expires_at < $1
ORDER BY expires_at`
	rows, err := r.db.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expiring connections: %w", err)
	}
	defer rows.Close()
	return collectConnections(rows)
}

func (r *PostgresConnectionRepo) MarkPending(ctx context.Context, userID, platform string) error {
	const query = `UPDATE platform_connections
SET status = 'pending_authorization', last_error = NULL, updated_at = now()
WHERE user_id = $1 AND platform = $2 AND updated_at = $3`
	return r.execGuarded(ctx, userID, platform, query, nil)
}

func (r *PostgresConnectionRepo) MarkRefreshing(ctx context.Context, userID, platform string) error {
	const query = `UPDATE platform_connections
SET status = 'refreshing', updated_at = now()
WHERE user_id = $1 AND platform = $2 AND updated_at = $3 AND status = 'connected'`
	return r.execGuarded(ctx, userID, platform, query, nil)
}

func (r *PostgresConnectionRepo) MarkConnected(ctx context.Context, userID, platform, accessCiphertext, refreshCiphertext string, expiresAt *time.Time) error {
	const query = `UPDATE platform_connections
SET status = 'connected',
    access_token_ciphertext = $4,
    refresh_token_ciphertext = COALESCE(NULLIF($5, ''), refresh_token_ciphertext),
    expires_at = $6,
    last_error = NULL,
    updated_at = now()
WHERE user_id = $1 AND platform = $2 AND updated_at = $3`
	return r.execGuarded(ctx, userID, platform, query, []any{accessCiphertext, refreshCiphertext, expiresAt})
}

func (r *PostgresConnectionRepo) ReleaseRefreshing(ctx context.Context, userID, platform, note string) error {
	const query = `UPDATE platform_connections
SET status = 'connected', last_error = $4, updated_at = now()
WHERE user_id = $1 AND platform = $2 AND updated_at = $3 AND status = 'refreshing'`
	return r.execGuarded(ctx, userID, platform, query, []any{nullString(note)})
}

func (r *PostgresConnectionRepo) MarkNeedsReauth(ctx context.Context, userID, platform, reason string) error {
	const query = `UPDATE platform_connections
SET status = 'needs_reauth', last_error = $4, updated_at = now()
WHERE user_id = $1 AND platform = $2 AND updated_at = $3`
	return r.execGuarded(ctx, userID, platform, query, []any{reason})
}

func (r *PostgresConnectionRepo) MarkDisconnected(ctx context.Context, userID, platform string) error {
	const query = `UPDATE platform_connections
SET status = 'disconnected',
    access_token_ciphertext = NULL,
    refresh_token_ciphertext = NULL,
    expires_at = NULL,
    disconnected_at = now(),
    updated_at = now()
WHERE user_id = $1 AND platform = $2 AND updated_at = $3`
	return r.execGuarded(ctx, userID, platform, query, nil)
}

func (r *PostgresConnectionRepo) FindByProviderUserID(ctx context.Context, platform, providerUserID string) (domain.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM platform_connections
WHERE platform = $1 AND provider_user_id = $2 AND status NOT IN ('disconnected', 'revoked')
LIMIT 1`
	conn, err := scanConnection(r.db.QueryRow(ctx, query, platform, providerUserID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Connection{}, domain.ErrUnknownConnection
		}
		return domain.Connection{}, fmt.Errorf("find by provider user id: %w", err)
	}
	return conn, nil
}

// execGuarded runs a conditional single-row update guarded by the row's
// current updated_at. A losing writer re-reads and retries once before
// surfacing ErrConflict, so a refresh sweep and an authorization callback
// racing on the same pair cannot interleave a half-written row.
func (r *PostgresConnectionRepo) execGuarded(ctx context.Context, userID, platform, query string, extra []any) error {
	for attempt := 0; attempt < 2; attempt++ {
		conn, err := r.Get(ctx, userID, platform)
		if err != nil {
			return err
		}
		args := append([]any{userID, platform, conn.UpdatedAt}, extra...)
		tag, err := r.db.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update connection: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
	}
	return domain.ErrConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (domain.Connection, error) {
	var (
		conn           domain.Connection
		status         string
		access         sql.NullString
		refresh        sql.NullString
		providerUserID sql.NullString
		lastError      sql.NullString
		expiresAt      sql.NullTime
		connectedAt    sql.NullTime
		disconnectedAt sql.NullTime
	)
	if err := row.Scan(
		&conn.ID,
		&conn.UserID,
		&conn.Platform,
		&status,
		&access,
		&refresh,
		&expiresAt,
		&providerUserID,
		&conn.Scopes,
		&lastError,
		&connectedAt,
		&disconnectedAt,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	); err != nil {
		return domain.Connection{}, err
	}
	conn.Status = domain.ConnectionStatus(status)
	conn.AccessTokenCiphertext = access.String
	conn.RefreshTokenCiphertext = refresh.String
	conn.ProviderUserID = providerUserID.String
	conn.LastError = lastError.String
	conn.ExpiresAt = nullableTime(expiresAt)
	conn.ConnectedAt = nullableTime(connectedAt)
	conn.DisconnectedAt = nullableTime(disconnectedAt)
	return conn, nil
}

func collectConnections(rows pgx.Rows) ([]domain.Connection, error) {
	var conns []domain.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connections: %w", err)
	}
	return conns, nil
}

// PostgresRefreshRunRepo implements RefreshRunRepository.
type PostgresRefreshRunRepo struct {
	db   *pgxpool.Pool
	node *snowflake.Node
}

func NewPostgresRefreshRunRepo(pool *pgxpool.Pool, node *snowflake.Node) *PostgresRefreshRunRepo {
	return &PostgresRefreshRunRepo{db: pool, node: node}
}

func (r *PostgresRefreshRunRepo) Insert(ctx context.Context, run domain.RefreshRun) error {
	const query = `INSERT INTO refresh_runs (id, started_at, duration_ms, checked, refreshed, failed, error_summary)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	id := run.ID
	if id == 0 {
		id = r.node.Generate().Int64()
	}
	if _, err := r.db.Exec(ctx, query,
		id, run.StartedAt, run.DurationMS, run.Checked, run.Refreshed, run.Failed, nullString(run.ErrorSummary),
	); err != nil {
		return fmt.Errorf("insert refresh run: %w", err)
	}
	return nil
}

// PostgresWebhookEventRepo implements WebhookEventRepository.
type PostgresWebhookEventRepo struct {
	db   *pgxpool.Pool
	node *snowflake.Node
}

func NewPostgresWebhookEventRepo(pool *pgxpool.Pool, node *snowflake.Node) *PostgresWebhookEventRepo {
	return &PostgresWebhookEventRepo{db: pool, node: node}
}

func (r *PostgresWebhookEventRepo) Insert(ctx context.Context, event domain.WebhookEvent) (bool, error) {
	const query = `INSERT INTO webhook_events (id, platform, provider_user_id, resource_id, event_type, payload, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (platform, resource_id, event_type) DO NOTHING`
	id := event.ID
	if id == 0 {
		id = r.node.Generate().Int64()
	}
	receivedAt := event.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	tag, err := r.db.Exec(ctx, query,
		id, event.Platform, nullString(event.ProviderUserID), event.ResourceID, event.EventType, event.Payload, receivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t sql.NullTime) *time.Time {
	if t.Valid {
		return &t.Time
	}
	return nil
}
