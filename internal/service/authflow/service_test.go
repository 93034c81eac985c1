package authflow

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
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

func TestBegin_ReturnsAuthorizationURLAndPendingRow(t *testing.T) {
	h := newFlowHarness(t)
	ctx := context.Background()

	authorizeURL, err := h.service.Begin(ctx, "user-1", "spotify", "https://app.example.com/settings")
	require.NoError(t, err)

	parsed, err := url.Parse(authorizeURL)
	require.NoError(t, err)
	require.Equal(t, "accounts.spotify.com", parsed.Host)
	query := parsed.Query()
	require.Equal(t, "spotify-client", query.Get("client_id"))
	require.Equal(t, "code", query.Get("response_type"))
	require.Equal(t, h.cfg.OAuthRedirectURL, query.Get("redirect_uri"))
	require.NotEmpty(t, query.Get("state"))

	state := h.states.only(t)
	require.Equal(t, "user-1", state.UserID)
	require.Equal(t, "spotify", state.Platform)
	require.Equal(t, "https://app.example.com/settings", state.ReturnTarget)

	conn := h.connections.mustGet(t, "user-1", "spotify")
	require.Equal(t, domain.StatusPendingAuthorization, conn.Status)
}

func TestBegin_UnknownPlatform(t *testing.T) {
	h := newFlowHarness(t)

	_, err := h.service.Begin(context.Background(), "user-1", "myspace", "")
	require.ErrorIs(t, err, domain.ErrUnknownPlatform)
}

func TestBegin_PlatformMissingCredentials(t *testing.T) {
	h := newFlowHarness(t)

	// whoop is a built-in platform but the harness configures spotify only.
	_, err := h.service.Begin(context.Background(), "user-1", "whoop", "")
	require.ErrorIs(t, err, domain.ErrPlatformNotConfigured)
}

func TestBegin_ReauthorizationFromNeedsReauth(t *testing.T) {
	h := newFlowHarness(t)
	ctx := context.Background()
	h.connections.seed(domain.Connection{
		UserID:   "user-1",
		Platform: "spotify",
		Status:   domain.StatusNeedsReauth,
	})

	_, err := h.service.Begin(ctx, "user-1", "spotify", "")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPendingAuthorization, h.connections.mustGet(t, "user-1", "spotify").Status)
}

func TestComplete_StoresSealedTokens(t *testing.T) {
	h := newFlowHarness(t)
	ctx := context.Background()

	authorizeURL, err := h.service.Begin(ctx, "user-1", "spotify", "https://app.example.com/done")
	require.NoError(t, err)
	stateToken := stateParam(t, authorizeURL)

	h.provider.grant = &provider.TokenGrant{
		AccessToken:  "access-plain",
		RefreshToken: "refresh-plain",
		ExpiresIn:    3600,
		Scope:        "user-read-email user-read-private",
	}
	h.provider.identity = "spotify-user-9"

	result, err := h.service.Complete(ctx, "auth-code", stateToken)
	require.NoError(t, err)
	require.Equal(t, "spotify", result.Platform)
	require.Equal(t, "https://app.example.com/done", result.ReturnTarget)
	require.NotNil(t, result.Connection)

	conn := h.connections.mustGet(t, "user-1", "spotify")
	require.Equal(t, domain.StatusConnected, conn.Status)
	require.Equal(t, "spotify-user-9", conn.ProviderUserID)
	require.Equal(t, []string{"user-read-email", "user-read-private"}, conn.Scopes)
	require.NotNil(t, conn.ExpiresAt)

	// Plaintext never reaches the repository.
	require.NotEqual(t, "access-plain", conn.AccessTokenCiphertext)
	access, err := h.vault.Open(conn.AccessTokenCiphertext)
	require.NoError(t, err)
	require.Equal(t, "access-plain", access)
	refresh, err := h.vault.Open(conn.RefreshTokenCiphertext)
	require.NoError(t, err)
	require.Equal(t, "refresh-plain", refresh)
}

func TestComplete_StateIsSingleUse(t *testing.T) {
	h := newFlowHarness(t)
	ctx := context.Background()

	authorizeURL, err := h.service.Begin(ctx, "user-1", "spotify", "")
	require.NoError(t, err)
	stateToken := stateParam(t, authorizeURL)
	h.provider.grant = &provider.TokenGrant{AccessToken: "access", ExpiresIn: 60}

	_, err = h.service.Complete(ctx, "code-1", stateToken)
	require.NoError(t, err)

	_, err = h.service.Complete(ctx, "code-1", stateToken)
	require.ErrorIs(t, err, domain.ErrInvalidOrExpiredState)
}

func TestComplete_UnknownState(t *testing.T) {
	h := newFlowHarness(t)

	_, err := h.service.Complete(context.Background(), "code", "forged-state")
	require.ErrorIs(t, err, domain.ErrInvalidOrExpiredState)
}

func TestComplete_ExchangeFailureResetsConnection(t *testing.T) {
	h := newFlowHarness(t)
	ctx := context.Background()

	authorizeURL, err := h.service.Begin(ctx, "user-1", "spotify", "")
	require.NoError(t, err)
	stateToken := stateParam(t, authorizeURL)
	h.provider.exchangeErr = fmt.Errorf("%w: invalid_grant", domain.ErrCodeExchangeFailed)

	result, err := h.service.Complete(ctx, "bad-code", stateToken)
	require.ErrorIs(t, err, domain.ErrCodeExchangeFailed)
	require.Equal(t, "spotify", result.Platform)

	conn := h.connections.mustGet(t, "user-1", "spotify")
	require.Equal(t, domain.StatusDisconnected, conn.Status)
	require.Empty(t, conn.AccessTokenCiphertext)
}

func TestComplete_IdentityFetchFailureIsNotFatal(t *testing.T) {
	h := newFlowHarness(t)
	ctx := context.Background()

	authorizeURL, err := h.service.Begin(ctx, "user-1", "spotify", "")
	require.NoError(t, err)
	h.provider.grant = &provider.TokenGrant{AccessToken: "access", ExpiresIn: 60}
	h.provider.identityErr = fmt.Errorf("identity endpoint down")

	result, err := h.service.Complete(ctx, "code", stateParam(t, authorizeURL))
	require.NoError(t, err)
	require.Equal(t, domain.StatusConnected, result.Connection.Status)
	require.Empty(t, result.Connection.ProviderUserID)
}

type flowHarness struct {
	service     Service
	connections *fakeConnectionRepo
	states      *fakeStateStore
	provider    *fakeProviderClient
	vault       *vault.Vault
	cfg         config.Config
}

func newFlowHarness(t *testing.T) *flowHarness {
	t.Helper()
	t.Setenv("SPOTIFY_CLIENT_ID", "spotify-client")
	t.Setenv("SPOTIFY_CLIENT_SECRET", "spotify-secret")

	catalog, err := platform.Load("")
	require.NoError(t, err)

	v, err := vault.NewWithKey(bytes.Repeat([]byte{0x42}, vault.KeySize))
	require.NoError(t, err)

	cfg := config.Config{
		OAuthRedirectURL: "https://connect.example.com/auth/callback",
		DefaultReturnURL: "https://app.example.com/",
		StateTTL:         5 * time.Minute,
	}

	connections := newFakeConnectionRepo()
	states := newFakeStateStore()
	providerClient := &fakeProviderClient{}

	return &flowHarness{
		service:     New(catalog, states, connections, providerClient, v, cfg, zap.NewNop()),
		connections: connections,
		states:      states,
		provider:    providerClient,
		vault:       v,
		cfg:         cfg,
	}
}

func stateParam(t *testing.T, authorizeURL string) string {
	t.Helper()
	parsed, err := url.Parse(authorizeURL)
	require.NoError(t, err)
	state := parsed.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

type fakeStateStore struct {
	mu     sync.Mutex
	states map[string]domain.AuthorizationState
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{states: make(map[string]domain.AuthorizationState)}
}

func (s *fakeStateStore) Save(_ context.Context, state domain.AuthorizationState, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.State] = state
	return nil
}

func (s *fakeStateStore) Consume(_ context.Context, token string) (*domain.AuthorizationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[token]
	if !ok {
		return nil, nil
	}
	delete(s.states, token)
	return &state, nil
}

func (s *fakeStateStore) only(t *testing.T) domain.AuthorizationState {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.states, 1)
	for _, state := range s.states {
		return state
	}
	return domain.AuthorizationState{}
}

type fakeProviderClient struct {
	grant       *provider.TokenGrant
	exchangeErr error
	identity    string
	identityErr error
}

func (f *fakeProviderClient) ExchangeCode(context.Context, platform.Platform, string, string) (*provider.TokenGrant, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.grant, nil
}

func (f *fakeProviderClient) RefreshGrant(context.Context, platform.Platform, string) (*provider.TokenGrant, error) {
	return nil, fmt.Errorf("unexpected refresh during authorization")
}

func (f *fakeProviderClient) FetchIdentity(context.Context, platform.Platform, string) (string, error) {
	if f.identityErr != nil {
		return "", f.identityErr
	}
	return f.identity, nil
}

type fakeConnectionRepo struct {
	mu    sync.Mutex
	rows  map[string]domain.Connection
	seq   int64
	clock time.Time
}

func newFakeConnectionRepo() *fakeConnectionRepo {
	return &fakeConnectionRepo{rows: make(map[string]domain.Connection), clock: time.Now().UTC()}
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
		conn.CreatedAt = existing.CreatedAt
	} else {
		r.seq++
		conn.ID = r.seq
		conn.CreatedAt = r.clock
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
		c.LastError = ""
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
