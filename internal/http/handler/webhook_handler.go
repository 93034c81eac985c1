package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/twinsight/connect/internal/domain"
	"github.com/twinsight/connect/internal/platform"
	"github.com/twinsight/connect/internal/service/webhook"
)

const maxWebhookBody = 1 << 20

// Header names vary per provider; checked in order, first non-empty wins.
var (
	signatureHeaders = []string{"X-Signature", "X-Fitbit-Signature", "X-WHOOP-Signature", "X-Hub-Signature-256"}
	timestampHeaders = []string{"X-Signature-Timestamp", "X-WHOOP-Signature-Timestamp"}
)

// WebhookHandler terminates inbound provider notifications.
type WebhookHandler struct {
	Webhooks webhook.Service
	Catalog  *platform.Catalog
	Logger   *zap.Logger
}

// NewWebhookHandler creates the handler.
func NewWebhookHandler(webhooks webhook.Service, catalog *platform.Catalog, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{Webhooks: webhooks, Catalog: catalog, Logger: logger}
}

// Subscribe answers a provider's URL-ownership handshake.
func (h *WebhookHandler) Subscribe(c *gin.Context) {
	p, ok := h.resolvePlatform(c)
	if !ok {
		return
	}

	challenge, err := h.Webhooks.Challenge(p, c.Query("hub.verify_token"), c.Query("hub.challenge"))
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "verification_failed", "error_description": "Subscription could not be verified."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hub.challenge": challenge})
}

// Receive verifies and ingests a delivery.
func (h *WebhookHandler) Receive(c *gin.Context) {
	p, ok := h.resolvePlatform(c)
	if !ok {
		return
	}

	// The raw bytes must be captured before any parsing; signatures cover
	// the body exactly as transmitted.
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Unreadable body."})
		return
	}

	signature := firstHeader(c, signatureHeaders)
	timestamp := firstHeader(c, timestampHeaders)
	if err := h.Webhooks.Verify(p, raw, signature, timestamp, time.Now()); err != nil {
		h.log().Warn("webhook signature rejected",
			zap.String("platform", p.Name),
			zap.String("client_ip", c.ClientIP()),
		)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature_invalid", "error_description": "Delivery signature did not verify."})
		return
	}

	result, err := h.Webhooks.Ingest(c.Request.Context(), p, raw, c.Param("userId"))
	if err != nil {
		if errors.Is(err, domain.ErrSignatureVerification) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "signature_invalid", "error_description": "Delivery signature did not verify."})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "error_description": "Delivery could not be parsed."})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *WebhookHandler) resolvePlatform(c *gin.Context) (platform.Platform, bool) {
	p, ok := h.Catalog.Lookup(c.Param("platform"))
	if !ok || p.WebhookScheme == platform.WebhookNone {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_platform", "error_description": "No webhook endpoint for this platform."})
		return platform.Platform{}, false
	}
	return p, true
}

func firstHeader(c *gin.Context, names []string) string {
	for _, name := range names {
		if v := c.GetHeader(name); v != "" {
			return v
		}
	}
	return ""
}

func (h *WebhookHandler) log() *zap.Logger {
	if h != nil && h.Logger != nil {
		return h.Logger
	}
	return zap.L()
}
