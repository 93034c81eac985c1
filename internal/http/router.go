package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/twinsight/connect/internal/config"
	"github.com/twinsight/connect/internal/http/handler"
	"github.com/twinsight/connect/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(
	cfg config.Config,
	connectHandler *handler.ConnectHandler,
	refreshHandler *handler.RefreshHandler,
	webhookHandler *handler.WebhookHandler,
	rateLimit *middleware.RateLimit,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(nil))
	if rateLimit != nil {
		r.Use(rateLimit.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := r.Group("/auth")
	{
		auth.GET("/:platform/start", connectHandler.Start)
		auth.GET("/callback", connectHandler.Callback)
	}

	connections := r.Group("/connections")
	{
		connections.GET("/:userId", connectHandler.List)
		connections.DELETE("/:userId/:platform", connectHandler.Disconnect)
	}

	webhooks := r.Group("/webhooks")
	{
		webhooks.GET("/:platform", webhookHandler.Subscribe)
		webhooks.POST("/:platform", webhookHandler.Receive)
		webhooks.POST("/:platform/:userId", webhookHandler.Receive)
	}

	internal := r.Group("/internal", middleware.RequireServiceSecret(cfg.ServiceSecret))
	{
		internal.GET("/connections/:userId/:platform/token", connectHandler.AccessToken)
		internal.POST("/refresh/sweep", refreshHandler.Sweep)
	}

	return r
}
