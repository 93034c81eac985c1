package refresher

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/twinsight/connect/internal/adapter/provider"
	"github.com/twinsight/connect/internal/config"
	"github.com/twinsight/connect/internal/domain"
	"github.com/twinsight/connect/internal/platform"
	"github.com/twinsight/connect/internal/vault"
)

func TestSweep_RefreshesExpiringConnection(t *testing.T) {
	h := newRefresherHarness(t)
	ctx := context.Background()

	// Access token expires in two minutes, well inside the lookahead.
	h.seedConnected(t, "user-1", "spotify", "old-access", "old-refresh", 2*time.Minute)
	h.provider.grant = &provider.TokenGrant{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
		ExpiresIn:    3600,
	}

	summary, err := h.service.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Checked)
	require.Equal(t, 1, summary.Refreshed)
	require.Equal(t, 0, summary.Failed)

	conn := h.connections.mustGet(t, "user-1", "spotify")
	require.Equal(t, domain.StatusConnected, conn.Status)
	access, err := h.vault.Open(conn.AccessTokenCiphertext)
	require.NoError(t, err)
	require.Equal(t, "new-access", access)
	refresh, err := h.vault.Open(conn.RefreshTokenCiphertext)
	require.NoError(t, err)
	require.Equal(t, "new-refresh", refresh)
	require.True(t, conn.ExpiresAt.After(time.Now().Add(30*time.Minute)))

	// The provider received the decrypted refresh token, not ciphertext.
	require.Equal(t, []string{"old-refresh"}, h.provider.refreshTokensSeen())

	run := h.runs.only(t)
	require.Equal(t, 1, run.Checked)
	require.Equal(t, 1, run.Refreshed)
}

func TestSweep_KeepsStoredRefreshTokenWhenProviderDoesNotRotate(t *testing.T) {
	h := newRefresherHarness(t)
	h.seedConnected(t, "user-1", "spotify", "old-access", "stable-refresh", time.Minute)
	h.provider.grant = &provider.TokenGrant{AccessToken: "new-access", ExpiresIn: 3600}

	_, err := h.service.Sweep(context.Background())
	require.NoError(t, err)

	conn := h.connections.mustGet(t, "user-1", "spotify")
	refresh, err := h.vault.Open(conn.RefreshTokenCiphertext)
	require.NoError(t, err)
	require.Equal(t, "stable-refresh", refresh)
}

func TestSweep_TerminalGrantDemotesToNeedsReauth(t *testing.T) {
	h := newRefresherHarness(t)
	ctx := context.Background()
	h.seedConnected(t, "user-1", "spotify", "access", "revoked-refresh", time.Minute)
	h.provider.refreshErr = fmt.Errorf("%w: invalid_grant", domain.ErrTerminalGrant)

	summary, err := h.service.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)

	conn := h.connections.mustGet(t, "user-1", "spotify")
	require.Equal(t, domain.StatusNeedsReauth, conn.Status)
	require.Contains(t, conn.LastError, "invalid_grant")

	// Demoted rows never come back as candidates.
	summary, err = h.service.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, summary.Checked)
}

func TestSweep_TransientFailureLeavesConnected(t *testing.T) {
	h := newRefresherHarness(t)
	ctx := context.Background()
	h.seedConnected(t, "user-1", "spotify", "access", "refresh", time.Minute)
	h.provider.refreshErr = fmt.Errorf("%w: status 503", domain.ErrTransientProvider)

	summary, err := h.service.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)

	conn := h.connections.mustGet(t, "user-1", "spotify")
	require.Equal(t, domain.StatusConnected, conn.Status)

	// Still a candidate for the next sweep, which now succeeds.
	h.provider.refreshErr = nil
	h.provider.grant = &provider.TokenGrant{AccessToken: "recovered", ExpiresIn: 3600}
	summary, err = h.service.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Refreshed)
}

func TestSweep_CorruptCiphertextDemotes(t *testing.T) {
	h := newRefresherHarness(t)
	h.connections.seed(domain.Connection{
		UserID:                 "user-1",
		Platform:               "spotify",
		Status:                 domain.StatusConnected,
		AccessTokenCiphertext:  "garbage",
		RefreshTokenCiphertext: "not-a-ciphertext",
		ExpiresAt:              timePtr(time.Now().Add(time.Minute)),
	})

	summary, err := h.service.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, domain.StatusNeedsReauth, h.connections.mustGet(t, "user-1", "spotify").Status)
}

func TestSweep_OnePlatformFailureDoesNotBlockOthers(t *testing.T) {
	h := newRefresherHarness(t)
	h.seedConnected(t, "user-1", "spotify", "a1", "r1", time.Minute)
	h.seedConnected(t, "user-2", "spotify", "a2", "r2", time.Minute)
	h.provider.failFor = "r1"
	h.provider.refreshErr = fmt.Errorf("%w: timeout", domain.ErrTransientProvider)
	h.provider.grant = &provider.TokenGrant{AccessToken: "fresh", ExpiresIn: 3600}

	summary, err := h.service.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Checked)
	require.Equal(t, 1, summary.Refreshed)
	require.Equal(t, 1, summary.Failed)
}

func TestValidAccessToken_ReturnsStoredTokenWhenFresh(t *testing.T) {
	h := newRefresherHarness(t)
	h.seedConnected(t, "user-1", "spotify", "still-good", "refresh", time.Hour)

	token, err := h.service.ValidAccessToken(context.Background(), "user-1", "spotify")
	require.NoError(t, err)
	require.Equal(t, "still-good", token)
	require.Empty(t, h.provider.refreshTokensSeen())
}

func TestValidAccessToken_RefreshesInlineNearExpiry(t *testing.T) {
	h := newRefresherHarness(t)
	h.seedConnected(t, "user-1", "spotify", "stale", "refresh", 10*time.Second)
	h.provider.grant = &provider.TokenGrant{AccessToken: "minted", ExpiresIn: 3600}

	token, err := h.service.ValidAccessToken(context.Background(), "user-1", "spotify")
	require.NoError(t, err)
	require.Equal(t, "minted", token)
	require.Equal(t, domain.StatusConnected, h.connections.mustGet(t, "user-1", "spotify").Status)
}

func TestValidAccessToken_RefreshingStatusStillServesFreshToken(t *testing.T) {
	h := newRefresherHarness(t)
	access, err := h.vault.Seal("mid-sweep")
	require.NoError(t, err)
	refresh, err := h.vault.Seal("refresh")
	require.NoError(t, err)
	// A sweep worker holds the row in refreshing; the stored token is
	// still good for an hour and callers keep getting it.
	h.connections.seed(domain.Connection{
		UserID:                 "user-1",
		Platform:               "spotify",
		Status:                 domain.StatusRefreshing,
		AccessTokenCiphertext:  access,
		RefreshTokenCiphertext: refresh,
		ExpiresAt:              timePtr(time.Now().Add(time.Hour)),
	})

	token, err := h.service.ValidAccessToken(context.Background(), "user-1", "spotify")
	require.NoError(t, err)
	require.Equal(t, "mid-sweep", token)
}

func TestValidAccessToken_NeedsReauthIsRejected(t *testing.T) {
	h := newRefresherHarness(t)
	h.connections.seed(domain.Connection{
		UserID:   "user-1",
		Platform: "spotify",
		Status:   domain.StatusNeedsReauth,
	})

	_, err := h.service.ValidAccessToken(context.Background(), "user-1", "spotify")
	require.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestValidAccessToken_MissingConnection(t *testing.T) {
	h := newRefresherHarness(t)

	_, err := h.service.ValidAccessToken(context.Background(), "user-1", "spotify")
	require.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestValidAccessToken_TransientFailureFallsBackToStoredToken(t *testing.T) {
	h := newRefresherHarness(t)
	// Expiring soon but not yet expired.
	h.seedConnected(t, "user-1", "spotify", "last-legs", "refresh", 30*time.Second)
	h.provider.refreshErr = fmt.Errorf("%w: status 502", domain.ErrTransientProvider)

	token, err := h.service.ValidAccessToken(context.Background(), "user-1", "spotify")
	require.NoError(t, err)
	require.Equal(t, "last-legs", token)
}

func TestValidAccessToken_NoRefreshTokenDemotes(t *testing.T) {
	h := newRefresherHarness(t)
	access, err := h.vault.Seal("short-lived")
	require.NoError(t, err)
	h.connections.seed(domain.Connection{
		UserID:                "user-1",
		Platform:              "spotify",
		Status:                domain.StatusConnected,
		AccessTokenCiphertext: access,
		ExpiresAt:             timePtr(time.Now().Add(10 * time.Second)),
	})

	_, err = h.service.ValidAccessToken(context.Background(), "user-1", "spotify")
	require.ErrorIs(t, err, domain.ErrNotConnected)
	require.Equal(t, domain.StatusNeedsReauth, h.connections.mustGet(t, "user-1", "spotify").Status)
}

type refresherHarness struct {
	service     Service
	connections *fakeConnectionRepo
	runs        *fakeRunsRepo
	provider    *fakeProviderClient
	vault       *vault.Vault
}

func newRefresherHarness(t *testing.T) *refresherHarness {
	t.Helper()
	t.Setenv("SPOTIFY_CLIENT_ID", "spotify-client")
	t.Setenv("SPOTIFY_CLIENT_SECRET", "spotify-secret")

	catalog, err := platform.Load("")
	require.NoError(t, err)

	v, err := vault.NewWithKey(bytes.Repeat([]byte{0x17}, vault.KeySize))
	require.NoError(t, err)

	cfg := config.Config{
		RefreshLookahead:   10 * time.Minute,
		RefreshConcurrency: 2,
		ProviderTimeout:    5 * time.Second,
		TokenExpirySkew:    time.Minute,
	}

	connections := newFakeConnectionRepo()
	runs := &fakeRunsRepo{}
	providerClient := &fakeProviderClient{}

	return &refresherHarness{
		service:     New(connections, runs, providerClient, v, catalog, cfg, zap.NewNop()),
		connections: connections,
		runs:        runs,
		provider:    providerClient,
		vault:       v,
	}
}

func (h *refresherHarness) seedConnected(t *testing.T, userID, platformName, accessToken, refreshToken string, expiresIn time.Duration) {
	t.Helper()
	access, err := h.vault.Seal(accessToken)
	require.NoError(t, err)
	refresh, err := h.vault.Seal(refreshToken)
	require.NoError(t, err)
	h.connections.seed(domain.Connection{
		UserID:                 userID,
		Platform:               platformName,
		Status:                 domain.StatusConnected,
		AccessTokenCiphertext:  access,
		RefreshTokenCiphertext: refresh,
		ExpiresAt:              timePtr(time.Now().Add(expiresIn)),
	})
}

func timePtr(t time.Time) *time.Time {
	utc := t.UTC()
	return &utc
}

type fakeRunsRepo struct {
	mu   sync.Mutex
	runs []domain.RefreshRun
}

func (f *fakeRunsRepo) Insert(_ context.Context, run domain.RefreshRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeRunsRepo) only(t *testing.T) domain.RefreshRun {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.runs, 1)
	return f.runs[0]
}

type fakeProviderClient struct {
	mu         sync.Mutex
	grant      *provider.TokenGrant
	refreshErr error
	// failFor limits refreshErr to one specific refresh token.
	failFor string
	seen    []string
}

func (f *fakeProviderClient) ExchangeCode(context.Context, platform.Platform, string, string) (*provider.TokenGrant, error) {
	return nil, fmt.Errorf("unexpected code exchange during refresh")
}

func (f *fakeProviderClient) RefreshGrant(_ context.Context, _ platform.Platform, refreshToken string) (*provider.TokenGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, refreshToken)
	if f.refreshErr != nil && (f.failFor == "" || f.failFor == refreshToken) {
		return nil, f.refreshErr
	}
	grant := *f.grant
	return &grant, nil
}

func (f *fakeProviderClient) FetchIdentity(context.Context, platform.Platform, string) (string, error) {
	return "", nil
}

func (f *fakeProviderClient) refreshTokensSeen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

type fakeConnectionRepo struct {
	mu   sync.Mutex
	rows map[string]domain.Connection
	seq  int64
}

func newFakeConnectionRepo() *fakeConnectionRepo {
	return &fakeConnectionRepo{rows: make(map[string]domain.Connection)}
}

func key(userID, platformName string) string {
	return userID + "|" + platformName
}

func (r *fakeConnectionRepo) seed(conn domain.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	conn.ID = r.seq
	r.rows[key(conn.UserID, conn.Platform)] = conn
}

func (r *fakeConnectionRepo) mustGet(t *testing.T, userID, platformName string) domain.Connection {
	t.Helper()
	conn, err := r.Get(context.Background(), userID, platformName)
	require.NoError(t, err)
	return conn
}

func (r *fakeConnectionRepo) Upsert(_ context.Context, conn domain.Connection) (domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(conn.UserID, conn.Platform)
	if existing, ok := r.rows[k]; ok {
		conn.ID = existing.ID
	} else {
		r.seq++
		conn.ID = r.seq
	}
	conn.UpdatedAt = time.Now().UTC()
	r.rows[k] = conn
	return conn, nil
}

func (r *fakeConnectionRepo) Get(_ context.Context, userID, platformName string) (domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.rows[key(userID, platformName)]
	if !ok {
		return domain.Connection{}, domain.ErrConnectionNotFound
	}
	return conn, nil
}

func (r *fakeConnectionRepo) ListByUser(_ context.Context, userID string) ([]domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Connection
	for _, conn := range r.rows {
		if conn.UserID == userID {
			out = append(out, conn)
		}
	}
	return out, nil
}

func (r *fakeConnectionRepo) ListExpiringBefore(_ context.Context, cutoff time.Time) ([]domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Connection
	for _, conn := range r.rows {
		if conn.Refreshable() && conn.ExpiresAt.Before(cutoff) {
			out = append(out, conn)
		}
	}
	return out, nil
}

func (r *fakeConnectionRepo) mutate(userID, platformName string, fn func(*domain.Connection)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(userID, platformName)
	conn, ok := r.rows[k]
	if !ok {
		return domain.ErrConnectionNotFound
	}
	fn(&conn)
	conn.UpdatedAt = time.Now().UTC()
	r.rows[k] = conn
	return nil
}

func (r *fakeConnectionRepo) MarkPending(_ context.Context, userID, platformName string) error {
	return r.mutate(userID, platformName, func(c *domain.Connection) {
		c.Status = domain.StatusPendingAuthorization
	})
}

func (r *fakeConnectionRepo) MarkRefreshing(_ context.Context, userID, platformName string) error {
	return r.mutate(userID, platformName, func(c *domain.Connection) {
		c.Status = domain.StatusRefreshing
	})
}

func (r *fakeConnectionRepo) MarkConnected(_ context.Context, userID, platformName, accessCiphertext, refreshCiphertext string, expiresAt *time.Time) error {
	return r.mutate(userID, platformName, func(c *domain.Connection) {
		c.Status = domain.StatusConnected
		c.AccessTokenCiphertext = accessCiphertext
		if refreshCiphertext != "" {
			c.RefreshTokenCiphertext = refreshCiphertext
		}
		c.ExpiresAt = expiresAt
		c.LastError = ""
	})
}

func (r *fakeConnectionRepo) ReleaseRefreshing(_ context.Context, userID, platformName, note string) error {
	return r.mutate(userID, platformName, func(c *domain.Connection) {
		c.Status = domain.StatusConnected
		c.LastError = note
	})
}

func (r *fakeConnectionRepo) MarkNeedsReauth(_ context.Context, userID, platformName, reason string) error {
	return r.mutate(userID, platformName, func(c *domain.Connection) {
		c.Status = domain.StatusNeedsReauth
		c.LastError = reason
	})
}

func (r *fakeConnectionRepo) MarkDisconnected(_ context.Context, userID, platformName string) error {
	return r.mutate(userID, platformName, func(c *domain.Connection) {
		now := time.Now().UTC()
		c.Status = domain.StatusDisconnected
		c.AccessTokenCiphertext = ""
		c.RefreshTokenCiphertext = ""
		c.ExpiresAt = nil
		c.DisconnectedAt = &now
	})
}

func (r *fakeConnectionRepo) FindByProviderUserID(_ context.Context, platformName, providerUserID string) (domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conn := range r.rows {
		if conn.Platform == platformName && conn.ProviderUserID == providerUserID &&
			conn.Status != domain.StatusDisconnected && conn.Status != domain.StatusRevoked {
			return conn, nil
		}
	}
	return domain.Connection{}, domain.ErrUnknownConnection
}
