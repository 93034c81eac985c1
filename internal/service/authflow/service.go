// Package authflow orchestrates the redirect-based authorization code grant
// that produces a platform connection's initial tokens.
package authflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/twinsight/connect/internal/adapter/provider"
	"github.com/twinsight/connect/internal/config"
	"github.com/twinsight/connect/internal/domain"
	"github.com/twinsight/connect/internal/platform"
	"github.com/twinsight/connect/internal/repository"
	"github.com/twinsight/connect/internal/vault"
)

// Service defines the authorization flow behaviors.
type Service interface {
	// Begin mints a single-use state, moves the registry row to
	// pending_authorization, and returns the provider authorization URL.
	Begin(ctx context.Context, userID, platformName, returnTarget string) (string, error)
	// Complete consumes the state, exchanges the code, seals the tokens,
	// and lands the row in connected. The result carries whatever is known
	// even on failure so the handler can redirect somewhere sensible.
	Complete(ctx context.Context, code, stateToken string) (CompleteResult, error)
}

// CompleteResult is the outcome of a callback.
type CompleteResult struct {
	Connection   *domain.Connection
	Platform     string
	ReturnTarget string
}

type service struct {
	catalog     *platform.Catalog
	states      repository.StateStore
	connections repository.ConnectionRepository
	provider    provider.Client
	vault       *vault.Vault
	cfg         config.Config
	logger      *zap.Logger
}

// New wires the authorization flow service.
func New(
	catalog *platform.Catalog,
	states repository.StateStore,
	connections repository.ConnectionRepository,
	providerClient provider.Client,
	tokenVault *vault.Vault,
	cfg config.Config,
	logger *zap.Logger,
) Service {
	return &service{
		catalog:     catalog,
		states:      states,
		connections: connections,
		provider:    providerClient,
		vault:       tokenVault,
		cfg:         cfg,
		logger:      logger,
	}
}

func (s *service) Begin(ctx context.Context, userID, platformName, returnTarget string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w: missing user id", domain.ErrInvalidOrExpiredState)
	}

	p, err := s.catalog.Get(platformName)
	if err != nil {
		return "", err
	}

	stateToken, err := secureRandomToken(32)
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}

	if returnTarget == "" {
		returnTarget = s.cfg.DefaultReturnURL
	}
	state := domain.AuthorizationState{
		State:        stateToken,
		UserID:       userID,
		Platform:     p.Name,
		ReturnTarget: returnTarget,
		IssuedAt:     time.Now().UTC(),
	}
	if err := s.states.Save(ctx, state, s.cfg.StateTTL); err != nil {
		return "", fmt.Errorf("persist state: %w", err)
	}

	if err := s.markPending(ctx, userID, p.Name); err != nil {
		return "", err
	}

	authorizeURL, err := s.composeAuthorizeURL(p, stateToken)
	if err != nil {
		return "", err
	}

	s.log().Info("authorization started",
		zap.String("user_id", userID),
		zap.String("platform", p.Name),
	)
	return authorizeURL, nil
}

func (s *service) composeAuthorizeURL(p platform.Platform, stateToken string) (string, error) {
	u, err := url.Parse(p.AuthURL)
	if err != nil {
		return "", fmt.Errorf("parse auth url: %w", err)
	}
	params := u.Query()
	params.Set("client_id", p.ClientID)
	params.Set("response_type", "code")
	params.Set("redirect_uri", s.cfg.OAuthRedirectURL)
	params.Set("scope", p.JoinScopes())
	params.Set("state", stateToken)
	for k, v := range p.ExtraAuthParams {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		params.Set(k, v)
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// markPending creates the registry row or moves an existing one (including a
// needs_reauth row being re-authorized) to pending_authorization.
func (s *service) markPending(ctx context.Context, userID, platformName string) error {
	err := s.connections.MarkPending(ctx, userID, platformName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrConnectionNotFound) {
		return fmt.Errorf("mark pending: %w", err)
	}
	_, err = s.connections.Upsert(ctx, domain.Connection{
		UserID:   userID,
		Platform: platformName,
		Status:   domain.StatusPendingAuthorization,
	})
	if err != nil {
		return fmt.Errorf("create pending connection: %w", err)
	}
	return nil
}

func (s *service) Complete(ctx context.Context, code, stateToken string) (CompleteResult, error) {
	var result CompleteResult

	if strings.TrimSpace(stateToken) == "" || strings.TrimSpace(code) == "" {
		return result, domain.ErrInvalidOrExpiredState
	}

	state, err := s.states.Consume(ctx, stateToken)
	if err != nil {
		return result, fmt.Errorf("consume state: %w", err)
	}
	if state == nil {
		return result, domain.ErrInvalidOrExpiredState
	}
	result.Platform = state.Platform
	result.ReturnTarget = state.ReturnTarget

	p, err := s.catalog.Get(state.Platform)
	if err != nil {
		return result, err
	}

	grant, err := s.provider.ExchangeCode(ctx, p, code, s.cfg.OAuthRedirectURL)
	if err != nil {
		s.failAuthorization(ctx, state.UserID, p.Name, err)
		return result, err
	}

	conn, err := s.storeGrant(ctx, state.UserID, p, grant)
	if err != nil {
		s.failAuthorization(ctx, state.UserID, p.Name, err)
		return result, err
	}
	result.Connection = conn

	s.log().Info("authorization completed",
		zap.String("user_id", state.UserID),
		zap.String("platform", p.Name),
		zap.Bool("has_refresh_token", conn.RefreshTokenCiphertext != ""),
	)
	return result, nil
}

func (s *service) storeGrant(ctx context.Context, userID string, p platform.Platform, grant *provider.TokenGrant) (*domain.Connection, error) {
	accessCiphertext, err := s.vault.Seal(grant.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("seal access token: %w", err)
	}
	refreshCiphertext := ""
	if grant.RefreshToken != "" {
		refreshCiphertext, err = s.vault.Seal(grant.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("seal refresh token: %w", err)
		}
	}

	providerUserID := s.fetchProviderIdentity(ctx, p, grant.AccessToken)

	now := time.Now().UTC()
	scopes := p.Scopes
	if grant.Scope != "" {
		scopes = strings.FieldsFunc(grant.Scope, func(r rune) bool { return r == ' ' || r == ',' })
	}
	conn, err := s.connections.Upsert(ctx, domain.Connection{
		UserID:                 userID,
		Platform:               p.Name,
		Status:                 domain.StatusConnected,
		AccessTokenCiphertext:  accessCiphertext,
		RefreshTokenCiphertext: refreshCiphertext,
		ExpiresAt:              grant.ExpiresAt(now),
		ProviderUserID:         providerUserID,
		Scopes:                 scopes,
		ConnectedAt:            &now,
	})
	if err != nil {
		return nil, fmt.Errorf("persist connection: %w", err)
	}
	return &conn, nil
}

// fetchProviderIdentity is best-effort: a connection without a provider-side
// id still works, it just cannot be resolved from webhook payloads.
func (s *service) fetchProviderIdentity(ctx context.Context, p platform.Platform, accessToken string) string {
	providerUserID, err := s.provider.FetchIdentity(ctx, p, accessToken)
	if err != nil {
		s.log().Warn("provider identity fetch failed",
			zap.String("platform", p.Name),
			zap.Error(err),
		)
		return ""
	}
	return providerUserID
}

// failAuthorization returns the row to disconnected so the pair can start a
// fresh cycle. A missing row here is fine.
func (s *service) failAuthorization(ctx context.Context, userID, platformName string, cause error) {
	if err := s.connections.MarkDisconnected(ctx, userID, platformName); err != nil &&
		!errors.Is(err, domain.ErrConnectionNotFound) {
		s.log().Warn("failed to reset connection after callback failure",
			zap.String("user_id", userID),
			zap.String("platform", platformName),
			zap.Error(err),
		)
	}
	s.log().Warn("authorization failed",
		zap.String("user_id", userID),
		zap.String("platform", platformName),
		zap.Error(cause),
	)
}

func (s *service) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}

func secureRandomToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
