// Package refresher keeps connected credentials valid: a periodically
// invoked sweep refreshes connections nearing expiry, and an on-demand path
// hands callers a currently valid access token.
package refresher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/twinsight/connect/internal/adapter/provider"
	"github.com/twinsight/connect/internal/config"
	"github.com/twinsight/connect/internal/domain"
	"github.com/twinsight/connect/internal/platform"
	"github.com/twinsight/connect/internal/repository"
	"github.com/twinsight/connect/internal/vault"
)

// Summary reports one sweep's outcome.
type Summary struct {
	Checked    int   `json:"checked"`
	Refreshed  int   `json:"refreshed"`
	Failed     int   `json:"failed"`
	DurationMS int64 `json:"duration_ms"`
}

// Service defines the refresh scheduler behaviors.
type Service interface {
	// Sweep refreshes every connection whose expiry falls inside the
	// lookahead window. Candidates are independent: one platform's outage
	// never blocks the rest, and the sweep always finishes and reports.
	Sweep(ctx context.Context) (Summary, error)
	// ValidAccessToken returns a decrypted, currently valid access token
	// for (user, platform), refreshing inline when the stored one is about
	// to expire. Plaintext is never cached.
	ValidAccessToken(ctx context.Context, userID, platformName string) (string, error)
}

type service struct {
	connections repository.ConnectionRepository
	runs        repository.RefreshRunRepository
	provider    provider.Client
	vault       *vault.Vault
	catalog     *platform.Catalog
	cfg         config.Config
	logger      *zap.Logger
}

// New wires the refresh scheduler.
func New(
	connections repository.ConnectionRepository,
	runs repository.RefreshRunRepository,
	providerClient provider.Client,
	tokenVault *vault.Vault,
	catalog *platform.Catalog,
	cfg config.Config,
	logger *zap.Logger,
) Service {
	return &service{
		connections: connections,
		runs:        runs,
		provider:    providerClient,
		vault:       tokenVault,
		catalog:     catalog,
		cfg:         cfg,
		logger:      logger,
	}
}

func (s *service) Sweep(ctx context.Context) (Summary, error) {
	started := time.Now()
	cutoff := started.Add(s.cfg.RefreshLookahead)

	candidates, err := s.connections.ListExpiringBefore(ctx, cutoff)
	if err != nil {
		return Summary{}, fmt.Errorf("list refresh candidates: %w", err)
	}

	var (
		mu        sync.Mutex
		refreshed int
		failed    int
		failures  []string
	)

	g := &errgroup.Group{}
	g.SetLimit(s.cfg.RefreshConcurrency)
	for _, candidate := range candidates {
		conn := candidate
		g.Go(func() error {
			err := s.refreshCandidate(ctx, conn)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				if len(failures) < 5 {
					failures = append(failures, fmt.Sprintf("%s/%s: %v", conn.UserID, conn.Platform, err))
				}
				return nil
			}
			refreshed++
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{
		Checked:    len(candidates),
		Refreshed:  refreshed,
		Failed:     failed,
		DurationMS: time.Since(started).Milliseconds(),
	}

	// Audit is best-effort: a logging failure must never fail the sweep.
	if err := s.runs.Insert(ctx, domain.RefreshRun{
		StartedAt:    started.UTC(),
		DurationMS:   summary.DurationMS,
		Checked:      summary.Checked,
		Refreshed:    summary.Refreshed,
		Failed:       summary.Failed,
		ErrorSummary: strings.Join(failures, "; "),
	}); err != nil {
		s.log().Warn("failed to record refresh run", zap.Error(err))
	}

	s.log().Info("refresh sweep finished",
		zap.Int("checked", summary.Checked),
		zap.Int("refreshed", summary.Refreshed),
		zap.Int("failed", summary.Failed),
		zap.Int64("duration_ms", summary.DurationMS),
	)
	return summary, nil
}

// refreshCandidate refreshes one connection. Terminal failures demote it to
// needs_reauth; transient failures leave it connected for the next sweep.
func (s *service) refreshCandidate(ctx context.Context, conn domain.Connection) error {
	refreshToken, err := s.vault.Open(conn.RefreshTokenCiphertext)
	if err != nil {
		// Corrupt or foreign ciphertext cannot recover on its own.
		if markErr := s.connections.MarkNeedsReauth(ctx, conn.UserID, conn.Platform, "corrupt credential"); markErr != nil {
			s.log().Warn("failed to demote connection", zap.Error(markErr))
		}
		return fmt.Errorf("open refresh token: %w", err)
	}

	p, err := s.catalog.Get(conn.Platform)
	if err != nil {
		// A catalog/config gap is an operator problem, not the grant's;
		// leave the row connected and retry once config is fixed.
		return fmt.Errorf("resolve platform: %w", err)
	}

	if err := s.connections.MarkRefreshing(ctx, conn.UserID, conn.Platform); err != nil {
		// Lost the race against a concurrent writer; skip this round.
		return fmt.Errorf("mark refreshing: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()

	grant, err := s.provider.RefreshGrant(attemptCtx, p, refreshToken)
	if err != nil {
		if errors.Is(err, domain.ErrTerminalGrant) {
			if markErr := s.connections.MarkNeedsReauth(ctx, conn.UserID, conn.Platform, err.Error()); markErr != nil {
				s.log().Warn("failed to demote connection", zap.Error(markErr))
			}
			return err
		}
		if markErr := s.connections.ReleaseRefreshing(ctx, conn.UserID, conn.Platform, err.Error()); markErr != nil {
			s.log().Warn("failed to release refreshing connection", zap.Error(markErr))
		}
		return err
	}

	if err := s.storeRefreshedGrant(ctx, conn, grant); err != nil {
		return err
	}

	s.log().Debug("connection refreshed",
		zap.String("user_id", conn.UserID),
		zap.String("platform", conn.Platform),
	)
	return nil
}

func (s *service) storeRefreshedGrant(ctx context.Context, conn domain.Connection, grant *provider.TokenGrant) error {
	accessCiphertext, err := s.vault.Seal(grant.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refreshCiphertext := ""
	if grant.RefreshToken != "" {
		// Provider rotated the refresh token; an empty value keeps the old one.
		refreshCiphertext, err = s.vault.Seal(grant.RefreshToken)
		if err != nil {
			return fmt.Errorf("seal refresh token: %w", err)
		}
	}
	if err := s.connections.MarkConnected(ctx, conn.UserID, conn.Platform, accessCiphertext, refreshCiphertext, grant.ExpiresAt(time.Now())); err != nil {
		return fmt.Errorf("persist refreshed tokens: %w", err)
	}
	return nil
}

func (s *service) ValidAccessToken(ctx context.Context, userID, platformName string) (string, error) {
	conn, err := s.connections.Get(ctx, userID, platformName)
	if err != nil {
		return "", err
	}
	if !conn.Status.Usable() {
		return "", fmt.Errorf("%w: status=%s", domain.ErrNotConnected, conn.Status)
	}

	if conn.ExpiresAt == nil || time.Until(*conn.ExpiresAt) > s.cfg.TokenExpirySkew {
		token, err := s.vault.Open(conn.AccessTokenCiphertext)
		if err != nil {
			if markErr := s.connections.MarkNeedsReauth(ctx, userID, platformName, "corrupt credential"); markErr != nil {
				s.log().Warn("failed to demote connection", zap.Error(markErr))
			}
			return "", fmt.Errorf("%w: corrupt credential", domain.ErrNotConnected)
		}
		return token, nil
	}

	if conn.RefreshTokenCiphertext == "" {
		// The provider never issued a refresh token; once the access token
		// expires only a fresh authorization cycle can recover.
		if markErr := s.connections.MarkNeedsReauth(ctx, userID, platformName, "refresh token unavailable"); markErr != nil {
			s.log().Warn("failed to demote connection", zap.Error(markErr))
		}
		return "", fmt.Errorf("%w: refresh token unavailable", domain.ErrNotConnected)
	}

	if err := s.refreshCandidate(ctx, conn); err != nil {
		if errors.Is(err, domain.ErrTransientProvider) {
			// The stored token may still have a sliver of lifetime left;
			// better to hand it out than to fail the extraction outright.
			if time.Now().Before(*conn.ExpiresAt) {
				if token, openErr := s.vault.Open(conn.AccessTokenCiphertext); openErr == nil {
					return token, nil
				}
			}
		}
		return "", err
	}

	refreshed, err := s.connections.Get(ctx, userID, platformName)
	if err != nil {
		return "", err
	}
	token, err := s.vault.Open(refreshed.AccessTokenCiphertext)
	if err != nil {
		return "", fmt.Errorf("%w: corrupt credential", domain.ErrNotConnected)
	}
	return token, nil
}

func (s *service) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
