package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"lab-notification-service/internal/delivery"
	"lab-notification-service/internal/escalation"
	"lab-notification-service/internal/logging"
	"lab-notification-service/internal/models"
	"lab-notification-service/internal/pipeline"
	"lab-notification-service/internal/providers"
	"lab-notification-service/internal/ratelimit"
	"lab-notification-service/internal/stats"
	"lab-notification-service/internal/store"
)

type Handler struct {
	store     store.Store
	logger    *logging.Logger
	pipe      *pipeline.Pipeline
	tracker   *delivery.Tracker
	escalator *escalation.Manager
	stats     *stats.Aggregator
	limiter   *ratelimit.ChannelLimiter
	inApp     *providers.InAppSender
	upgrader  websocket.Upgrader
}

func NewHandler(st store.Store, logger *logging.Logger, pipe *pipeline.Pipeline, tracker *delivery.Tracker,
	escalator *escalation.Manager, agg *stats.Aggregator, limiter *ratelimit.ChannelLimiter, inApp *providers.InAppSender) *Handler {
	return &Handler{
		store:     st,
		logger:    logger,
		pipe:      pipe,
		tracker:   tracker,
		escalator: escalator,
		stats:     agg,
		limiter:   limiter,
		inApp:     inApp,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error, msg string) {
	var cfgErr *models.ConfigurationError
	var valErr *models.ValidationError
	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": msg + " not found"})
	case errors.Is(err, models.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &cfgErr), errors.As(err, &valErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Errorf("Failed request for %s: %v", msg, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process " + msg})
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) CreateTemplate(c *gin.Context) {
	var t models.Template
	if err := c.ShouldBindJSON(&t); err != nil {
		h.logger.Errorf("Invalid request body for template: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if t.Name == "" || t.BodyPattern == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and body_pattern are required"})
		return
	}
	if err := h.store.CreateTemplate(c.Request.Context(), &t); err != nil {
		h.writeError(c, err, "template")
		return
	}
	h.logger.Infof("Created template: %s", t.ID)
	c.JSON(http.StatusCreated, t)
}

func (h *Handler) UpdateTemplate(c *gin.Context) {
	var t models.Template
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	t.ID = c.Param("id")
	if err := h.store.UpdateTemplate(c.Request.Context(), &t); err != nil {
		h.writeError(c, err, "template")
		return
	}
	h.logger.Infof("Updated template: %s (version %d)", t.ID, t.Version)
	c.JSON(http.StatusOK, t)
}

func (h *Handler) GetTemplate(c *gin.Context) {
	t, err := h.store.GetTemplate(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "template")
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) ListTemplates(c *gin.Context) {
	templates, err := h.store.ListTemplates(c.Request.Context())
	if err != nil {
		h.writeError(c, err, "templates")
		return
	}
	c.JSON(http.StatusOK, templates)
}

func (h *Handler) CreateRecipient(c *gin.Context) {
	var r models.Recipient
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	for ch := range r.Addresses {
		if !ch.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown channel in addresses: " + string(ch)})
			return
		}
	}
	r.Active = true
	if err := h.store.CreateRecipient(c.Request.Context(), &r); err != nil {
		h.writeError(c, err, "recipient")
		return
	}
	h.logger.Infof("Created recipient: %s", r.ID)
	c.JSON(http.StatusCreated, r)
}

func (h *Handler) UpdateRecipient(c *gin.Context) {
	var r models.Recipient
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	r.ID = c.Param("id")
	if err := h.store.UpdateRecipient(c.Request.Context(), &r); err != nil {
		h.writeError(c, err, "recipient")
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) DeactivateRecipient(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.DeactivateRecipient(c.Request.Context(), id); err != nil {
		h.writeError(c, err, "recipient")
		return
	}
	h.logger.Infof("Deactivated recipient: %s", id)
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

func (h *Handler) GetRecipient(c *gin.Context) {
	r, err := h.store.GetRecipient(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "recipient")
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) ListRecipients(c *gin.Context) {
	recipients, err := h.store.ListRecipients(c.Request.Context())
	if err != nil {
		h.writeError(c, err, "recipients")
		return
	}
	c.JSON(http.StatusOK, recipients)
}

func (h *Handler) CreateGroup(c *gin.Context) {
	var g models.Group
	if err := c.ShouldBindJSON(&g); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	g.Active = true
	if err := h.store.CreateGroup(c.Request.Context(), &g); err != nil {
		h.writeError(c, err, "group")
		return
	}
	h.logger.Infof("Created group: %s", g.ID)
	c.JSON(http.StatusCreated, g)
}

func (h *Handler) GetGroup(c *gin.Context) {
	g, err := h.store.GetGroup(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "group")
		return
	}
	c.JSON(http.StatusOK, g)
}

func (h *Handler) GetGroupMembers(c *gin.Context) {
	members, err := h.store.ActiveMembers(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "group members")
		return
	}
	c.JSON(http.StatusOK, members)
}

func (h *Handler) AddGroupMember(c *gin.Context) {
	var m models.Membership
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	m.GroupID = c.Param("id")
	m.Active = true
	if _, err := h.store.GetRecipient(c.Request.Context(), m.RecipientID); err != nil {
		h.writeError(c, err, "recipient")
		return
	}
	if err := h.store.AddMembership(c.Request.Context(), &m); err != nil {
		h.writeError(c, err, "membership")
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (h *Handler) CreateRule(c *gin.Context) {
	var r models.Rule
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if err := r.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.CreateRule(c.Request.Context(), &r); err != nil {
		h.writeError(c, err, "rule")
		return
	}
	h.logger.Infof("Created rule: %s", r.ID)
	c.JSON(http.StatusCreated, r)
}

func (h *Handler) UpdateRule(c *gin.Context) {
	var r models.Rule
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	r.ID = c.Param("id")
	if err := r.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.UpdateRule(c.Request.Context(), &r); err != nil {
		h.writeError(c, err, "rule")
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) GetRule(c *gin.Context) {
	r, err := h.store.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "rule")
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) UpsertChannelConfig(c *gin.Context) {
	var cfg models.ChannelConfiguration
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	cfg.Channel = models.Channel(c.Param("channel"))
	if err := cfg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.UpsertChannelConfig(c.Request.Context(), &cfg); err != nil {
		h.writeError(c, err, "channel config")
		return
	}
	h.limiter.Configure(cfg.Channel, cfg.RateLimitPerMinute, cfg.RateLimitPerHour)
	h.logger.Infof("Updated channel config: %s", cfg.Channel)
	c.JSON(http.StatusOK, cfg)
}

func (h *Handler) GetChannelConfig(c *gin.Context) {
	cfg, err := h.store.GetChannelConfig(c.Request.Context(), models.Channel(c.Param("channel")))
	if err != nil {
		h.writeError(c, err, "channel config")
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *Handler) ListChannelConfigs(c *gin.Context) {
	configs, err := h.store.ListChannelConfigs(c.Request.Context())
	if err != nil {
		h.writeError(c, err, "channel configs")
		return
	}
	c.JSON(http.StatusOK, configs)
}

func (h *Handler) RecordChannelHealth(c *gin.Context) {
	var hc models.HealthCheck
	if err := c.ShouldBindJSON(&hc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if hc.At.IsZero() {
		hc.At = time.Now()
	}
	ch := models.Channel(c.Param("channel"))
	if err := h.store.RecordChannelHealth(c.Request.Context(), ch, hc); err != nil {
		h.writeError(c, err, "channel config")
		return
	}
	c.JSON(http.StatusOK, hc)
}

func (h *Handler) CreateEscalationChain(c *gin.Context) {
	var chain models.EscalationChain
	if err := c.ShouldBindJSON(&chain); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if err := chain.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.CreateEscalationChain(c.Request.Context(), &chain); err != nil {
		h.writeError(c, err, "escalation chain")
		return
	}
	h.logger.Infof("Created escalation chain: %s", chain.ID)
	c.JSON(http.StatusCreated, chain)
}

func (h *Handler) GetEscalationChain(c *gin.Context) {
	chain, err := h.store.GetEscalationChain(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "escalation chain")
		return
	}
	c.JSON(http.StatusOK, chain)
}
