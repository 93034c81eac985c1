package handler

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/twinsight/connect/internal/config"
	"github.com/twinsight/connect/internal/domain"
	"github.com/twinsight/connect/internal/repository"
	"github.com/twinsight/connect/internal/service/authflow"
	"github.com/twinsight/connect/internal/service/refresher"
)

// ConnectHandler exposes the authorization flow and connection registry
// endpoints.
type ConnectHandler struct {
	Flow        authflow.Service
	Refresher   refresher.Service
	Connections repository.ConnectionRepository
	Cfg         config.Config
	Logger      *zap.Logger
}

// NewConnectHandler creates the handler set.
func NewConnectHandler(
	flow authflow.Service,
	refresherSvc refresher.Service,
	connections repository.ConnectionRepository,
	cfg config.Config,
	logger *zap.Logger,
) *ConnectHandler {
	return &ConnectHandler{
		Flow:        flow,
		Refresher:   refresherSvc,
		Connections: connections,
		Cfg:         cfg,
		Logger:      logger,
	}
}

// connectionView is the outward shape of a connection. Ciphertext never
// leaves the service.
type connectionView struct {
	Platform       string     `json:"platform"`
	Status         string     `json:"status"`
	ProviderUserID string     `json:"provider_user_id,omitempty"`
	Scopes         []string   `json:"scopes,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func viewOf(conn domain.Connection) connectionView {
	return connectionView{
		Platform:       conn.Platform,
		Status:         string(conn.Status),
		ProviderUserID: conn.ProviderUserID,
		Scopes:         conn.Scopes,
		ExpiresAt:      conn.ExpiresAt,
		LastError:      conn.LastError,
		ConnectedAt:    conn.ConnectedAt,
		DisconnectedAt: conn.DisconnectedAt,
		UpdatedAt:      conn.UpdatedAt,
	}
}

// Start begins an authorization cycle and returns the provider URL the
// caller should redirect the user to.
func (h *ConnectHandler) Start(c *gin.Context) {
	platformName := c.Param("platform")
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "user_id is required."})
		return
	}

	authorizeURL, err := h.Flow.Begin(c.Request.Context(), userID, platformName, c.Query("return_to"))
	if err != nil {
		h.respondFlowError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"platform":          strings.ToLower(platformName),
		"authorization_url": authorizeURL,
	})
}

// Callback is the provider redirect target. It always answers with a
// browser redirect; errors travel as query parameters, never as JSON.
func (h *ConnectHandler) Callback(c *gin.Context) {
	if providerErr := c.Query("error"); providerErr != "" {
		// The user denied, or the provider refused, before any code was
		// issued. There is no state-bound return target worth trusting here.
		h.log().Warn("authorization rejected at provider",
			zap.String("provider_error", providerErr),
		)
		c.Redirect(http.StatusFound, appendQuery(h.Cfg.DefaultReturnURL, "error", sanitizeErrorCode(providerErr)))
		return
	}

	result, err := h.Flow.Complete(c.Request.Context(), c.Query("code"), c.Query("state"))
	target := result.ReturnTarget
	if target == "" {
		target = h.Cfg.DefaultReturnURL
	}
	if err != nil {
		c.Redirect(http.StatusFound, appendQuery(target, "error", flowErrorCode(err)))
		return
	}
	c.Redirect(http.StatusFound, appendQuery(target, "connected", result.Platform))
}

// List returns every connection the user has, regardless of status.
func (h *ConnectHandler) List(c *gin.Context) {
	userID := c.Param("userId")

	conns, err := h.Connections.ListByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Failed to list connections."})
		return
	}

	views := make([]connectionView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, viewOf(conn))
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "connections": views})
}

// Disconnect severs one connection and discards its stored credentials.
func (h *ConnectHandler) Disconnect(c *gin.Context) {
	userID := c.Param("userId")
	platformName := strings.ToLower(c.Param("platform"))

	err := h.Connections.MarkDisconnected(c.Request.Context(), userID, platformName)
	if err != nil {
		if errors.Is(err, domain.ErrConnectionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "error_description": "No such connection."})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Failed to disconnect."})
		return
	}

	h.log().Info("connection disconnected",
		zap.String("user_id", userID),
		zap.String("platform", platformName),
	)
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "platform": platformName, "status": string(domain.StatusDisconnected)})
}

// AccessToken hands a sibling service a currently valid plaintext access
// token, refreshing inline when needed. Internal surface only.
func (h *ConnectHandler) AccessToken(c *gin.Context) {
	userID := c.Param("userId")
	platformName := c.Param("platform")

	token, err := h.Refresher.ValidAccessToken(c.Request.Context(), userID, platformName)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrConnectionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "error_description": "No such connection."})
		case errors.Is(err, domain.ErrNotConnected), errors.Is(err, domain.ErrTerminalGrant):
			c.JSON(http.StatusConflict, gin.H{"error": "reauthorization_required", "error_description": "The connection needs a new authorization cycle."})
		case errors.Is(err, domain.ErrTransientProvider):
			c.JSON(http.StatusBadGateway, gin.H{"error": "provider_unavailable", "error_description": "The platform is temporarily unavailable."})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Failed to obtain an access token."})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"platform":     strings.ToLower(platformName),
		"access_token": token,
	})
}

func (h *ConnectHandler) respondFlowError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrUnknownPlatform):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_platform", "error_description": "No such platform."})
	case errors.Is(err, domain.ErrPlatformNotConfigured):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "platform_not_configured", "error_description": "The platform is missing credentials."})
	case errors.Is(err, domain.ErrInvalidOrExpiredState):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
	default:
		h.log().Error("authorization start failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Failed to start authorization."})
	}
}

// flowErrorCode maps a callback failure to the short code surfaced in the
// redirect query string.
func flowErrorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidOrExpiredState):
		return "invalid_state"
	case errors.Is(err, domain.ErrCodeExchangeFailed):
		return "exchange_failed"
	case errors.Is(err, domain.ErrUnknownPlatform), errors.Is(err, domain.ErrPlatformNotConfigured):
		return "unknown_platform"
	default:
		return "server_error"
	}
}

// sanitizeErrorCode keeps provider-supplied error strings from smuggling
// arbitrary content into the redirect.
func sanitizeErrorCode(code string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return -1
		}
	}, code)
	if cleaned == "" || len(cleaned) > 64 {
		return "provider_error"
	}
	return cleaned
}

func appendQuery(target, key, value string) string {
	u, err := url.Parse(target)
	if err != nil {
		u = &url.URL{Path: "/"}
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

func (h *ConnectHandler) log() *zap.Logger {
	if h != nil && h.Logger != nil {
		return h.Logger
	}
	return zap.L()
}
