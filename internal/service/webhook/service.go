// Package webhook verifies and ingests provider-pushed change notifications.
// Verification always runs against the untouched raw request body before any
// JSON parsing; no event is ever processed unverified.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/twinsight/connect/internal/config"
	"github.com/twinsight/connect/internal/domain"
	"github.com/twinsight/connect/internal/platform"
	"github.com/twinsight/connect/internal/repository"
)

// Result summarizes one delivery's processing.
type Result struct {
	Recorded     int `json:"recorded"`
	Duplicates   int `json:"duplicates"`
	Unmatched    int `json:"unmatched"`
	Deauthorized int `json:"deauthorized"`
}

// Service defines webhook ingress behaviors.
type Service interface {
	// Verify checks the delivery signature against the raw body. A failure
	// is an unconditional rejection; nothing is parsed or recorded.
	Verify(p platform.Platform, raw []byte, signature, timestamp string, now time.Time) error
	// Challenge answers the URL-ownership verification handshake for
	// platforms that require one. Protocol prerequisite, not a security
	// check on event content.
	Challenge(p platform.Platform, verifyToken, challenge string) (string, error)
	// Ingest resolves identities and records events idempotently.
	// pathUserID carries the internal user id for platforms whose payload
	// cannot embed identity.
	Ingest(ctx context.Context, p platform.Platform, raw []byte, pathUserID string) (Result, error)
}

type service struct {
	connections repository.ConnectionRepository
	events      repository.WebhookEventRepository
	cfg         config.Config
	logger      *zap.Logger
}

// New wires the webhook ingress service.
func New(
	connections repository.ConnectionRepository,
	events repository.WebhookEventRepository,
	cfg config.Config,
	logger *zap.Logger,
) Service {
	return &service{
		connections: connections,
		events:      events,
		cfg:         cfg,
		logger:      logger,
	}
}

func (s *service) Verify(p platform.Platform, raw []byte, signature, timestamp string, now time.Time) error {
	switch p.WebhookScheme {
	case platform.WebhookHMACSHA256Timestamped:
		return verifyHMACSHA256Timestamped(p.WebhookSecret, raw, signature, timestamp, now, s.cfg.WebhookReplayWindow)
	case platform.WebhookHMACSHA1:
		return verifyHMACSHA1(p.WebhookSecret, raw, signature)
	case platform.WebhookVerifyToken:
		// The payload itself is unsigned; trust was established by the
		// subscription handshake when the callback URL was registered.
		if p.WebhookSecret == "" {
			return domain.ErrSignatureVerification
		}
		return nil
	default:
		return domain.ErrSignatureVerification
	}
}

func (s *service) Challenge(p platform.Platform, verifyToken, challenge string) (string, error) {
	if p.WebhookScheme != platform.WebhookVerifyToken {
		return "", fmt.Errorf("%w: platform has no subscription handshake", domain.ErrSignatureVerification)
	}
	if err := verifyTokenMatch(p.WebhookSecret, verifyToken); err != nil {
		return "", err
	}
	return challenge, nil
}

func (s *service) Ingest(ctx context.Context, p platform.Platform, raw []byte, pathUserID string) (Result, error) {
	var result Result

	events, err := parseEvents(raw)
	if err != nil {
		return result, fmt.Errorf("parse webhook payload: %w", err)
	}

	for _, ev := range events {
		conn, err := s.resolveConnection(ctx, p, ev, pathUserID)
		if err != nil {
			// An unmatched identity predates or postdates a connection's
			// lifetime; acknowledge so the provider stops retrying.
			result.Unmatched++
			continue
		}

		inserted, err := s.events.Insert(ctx, domain.WebhookEvent{
			Platform:       p.Name,
			ProviderUserID: ev.ProviderUserID,
			ResourceID:     ev.ResourceID,
			EventType:      ev.EventType,
			Payload:        raw,
			ReceivedAt:     time.Now().UTC(),
		})
		if err != nil {
			return result, fmt.Errorf("record webhook event: %w", err)
		}
		if !inserted {
			result.Duplicates++
			continue
		}
		result.Recorded++

		switch ev.Deauth {
		case deauthRevoked:
			// The user withdrew consent on the provider side; the stored
			// grant is dead but the account still exists, so a fresh
			// authorization can restore it.
			if err := s.connections.MarkNeedsReauth(ctx, conn.UserID, p.Name, "access revoked by provider event "+ev.EventType); err != nil {
				s.log().Warn("failed to flag connection after revocation event",
					zap.String("user_id", conn.UserID),
					zap.String("platform", p.Name),
					zap.Error(err),
				)
				continue
			}
			result.Deauthorized++
			s.log().Info("connection revoked by provider",
				zap.String("user_id", conn.UserID),
				zap.String("platform", p.Name),
			)
		case deauthDeleted:
			if err := s.connections.MarkDisconnected(ctx, conn.UserID, p.Name); err != nil {
				s.log().Warn("failed to disconnect after account deletion event",
					zap.String("user_id", conn.UserID),
					zap.String("platform", p.Name),
					zap.Error(err),
				)
				continue
			}
			result.Deauthorized++
			s.log().Info("connection removed after provider account deletion",
				zap.String("user_id", conn.UserID),
				zap.String("platform", p.Name),
			)
		}
	}

	return result, nil
}

func (s *service) resolveConnection(ctx context.Context, p platform.Platform, ev inboundEvent, pathUserID string) (domain.Connection, error) {
	if p.IdentityInPath {
		if pathUserID == "" {
			return domain.Connection{}, domain.ErrUnknownConnection
		}
		conn, err := s.connections.Get(ctx, pathUserID, p.Name)
		if err != nil {
			return domain.Connection{}, domain.ErrUnknownConnection
		}
		return conn, nil
	}
	if ev.ProviderUserID == "" {
		return domain.Connection{}, domain.ErrUnknownConnection
	}
	conn, err := s.connections.FindByProviderUserID(ctx, p.Name, ev.ProviderUserID)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownConnection) {
			return domain.Connection{}, err
		}
		return domain.Connection{}, domain.ErrUnknownConnection
	}
	return conn, nil
}

func (s *service) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}

// deauthKind classifies how a provider withdrew access. Revocations mean the
// user can re-authorize; deletions mean the relationship is gone.
type deauthKind int

const (
	deauthNone deauthKind = iota
	deauthRevoked
	deauthDeleted
)

// inboundEvent is the normalized shape extracted from a provider payload.
type inboundEvent struct {
	ProviderUserID string
	ResourceID     string
	EventType      string
	Deauth         deauthKind
}

// parseEvents decodes a delivery into normalized events. Some providers POST
// a single object, others a batch array.
func parseEvents(raw []byte) ([]inboundEvent, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	if trimmed[0] == '[' {
		var items []map[string]any
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		events := make([]inboundEvent, 0, len(items))
		for _, item := range items {
			events = append(events, normalizeEvent(item))
		}
		return events, nil
	}

	var item map[string]any
	if err := json.Unmarshal(trimmed, &item); err != nil {
		return nil, err
	}
	return []inboundEvent{normalizeEvent(item)}, nil
}

// normalizeEvent maps the provider-specific field names onto one shape.
func normalizeEvent(item map[string]any) inboundEvent {
	ev := inboundEvent{
		ProviderUserID: firstString(item, "owner_id", "ownerId", "user_id", "athlete_id"),
		ResourceID:     firstString(item, "object_id", "resource_id", "subscriptionId", "id"),
		EventType:      firstString(item, "event_type", "collectionType", "type"),
	}

	// Strava-style events carry object_type/aspect_type instead of a
	// single event type field.
	if ev.EventType == "" {
		objectType := firstString(item, "object_type")
		aspectType := firstString(item, "aspect_type")
		if objectType != "" {
			ev.EventType = objectType
			if aspectType != "" {
				ev.EventType = objectType + "." + aspectType
			}
		}
	}

	// Fitbit-style batch items identify the change by subscription and day,
	// not by a per-event id. Fold the day in so notifications for different
	// dates never collapse into one idempotency key.
	if date := firstString(item, "date"); date != "" && ev.ResourceID != "" {
		ev.ResourceID = ev.ResourceID + ":" + date
	}

	switch ev.EventType {
	case "userRevokedAccess", "deauthorized", "user.deauthorized":
		ev.Deauth = deauthRevoked
	case "deleteUser":
		ev.Deauth = deauthDeleted
	}
	if updates, ok := item["updates"].(map[string]any); ok {
		if authorized := firstString(updates, "authorized"); authorized == "false" {
			ev.Deauth = deauthRevoked
		}
	}
	return ev
}

func firstString(item map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := item[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		case json.Number:
			return v.String()
		}
	}
	return ""
}
