package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lab-notification-service/internal/config"
	"lab-notification-service/internal/logging"
)

func NewRouter(h *Handler, logger *logging.Logger, cfg config.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLoggingMiddleware(logger))

	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws/:recipient_id", h.WebSocket)

	api := r.Group(cfg.API.BasePath)
	{
		// Events and acknowledgments
		api.POST("/events", h.IngestEvent)
		api.POST("/acknowledgments", h.Acknowledge)

		// Templates
		api.POST("/templates", h.CreateTemplate)
		api.GET("/templates", h.ListTemplates)
		api.GET("/templates/:id", h.GetTemplate)
		api.PUT("/templates/:id", h.UpdateTemplate)

		// Recipients
		api.POST("/recipients", h.CreateRecipient)
		api.GET("/recipients", h.ListRecipients)
		api.GET("/recipients/:id", h.GetRecipient)
		api.PUT("/recipients/:id", h.UpdateRecipient)
		api.DELETE("/recipients/:id", h.DeactivateRecipient)

		// Groups and memberships
		api.POST("/groups", h.CreateGroup)
		api.GET("/groups/:id", h.GetGroup)
		api.GET("/groups/:id/members", h.GetGroupMembers)
		api.POST("/groups/:id/members", h.AddGroupMember)

		// Rules
		api.POST("/rules", h.CreateRule)
		api.GET("/rules/:id", h.GetRule)
		api.PUT("/rules/:id", h.UpdateRule)

		// Channel configurations
		api.PUT("/channels/:channel", h.UpsertChannelConfig)
		api.GET("/channels", h.ListChannelConfigs)
		api.GET("/channels/:channel", h.GetChannelConfig)
		api.POST("/channels/:channel/health", h.RecordChannelHealth)

		// Escalation chains
		api.POST("/escalation-chains", h.CreateEscalationChain)
		api.GET("/escalation-chains/:id", h.GetEscalationChain)

		// Notifications
		api.GET("/notifications/recipient/:recipient_id", h.GetNotificationsByRecipient)
		api.GET("/notifications/correlation/:correlation_id", h.GetNotificationsByCorrelation)
		api.GET("/notifications/:id", h.GetNotification)
		api.GET("/notifications/:id/attempts", h.GetNotificationAttempts)
		api.POST("/notifications/:id/cancel", h.CancelNotification)
		api.POST("/notifications/:id/retry", h.RetryNotification)

		// Statistics
		api.GET("/stats", h.GetStats)
	}
	return r
}
