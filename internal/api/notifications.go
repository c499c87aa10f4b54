package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"lab-notification-service/internal/models"
)

type eventRequest struct {
	EventType     string                 `json:"event_type"`
	Attributes    map[string]interface{} `json:"attributes"`
	SourceService string                 `json:"source_service"`
	SourceEventID string                 `json:"source_event_id"`
	CorrelationID string                 `json:"correlation_id"`
}

func (h *Handler) IngestEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.EventType == "" || req.SourceService == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event_type and source_service are required"})
		return
	}
	ev := models.Event{
		Type:          req.EventType,
		Attributes:    req.Attributes,
		SourceService: req.SourceService,
		SourceEventID: req.SourceEventID,
		CorrelationID: req.CorrelationID,
		ReceivedAt:    time.Now(),
	}
	if !h.pipe.Submit(ev) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Event queue is full"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "correlation_id": ev.CorrelationID})
}

type ackRequest struct {
	CorrelationID string `json:"correlation_id"`
}

func (h *Handler) Acknowledge(c *gin.Context) {
	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CorrelationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "correlation_id is required"})
		return
	}
	if err := h.escalator.Acknowledge(c.Request.Context(), req.CorrelationID); err != nil {
		h.writeError(c, err, "escalation context")
		return
	}
	h.logger.Infof("Acknowledged escalation context: %s", req.CorrelationID)
	c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
}

func (h *Handler) GetNotification(c *gin.Context) {
	n, err := h.store.GetNotification(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "notification")
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *Handler) GetNotificationsByRecipient(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = parsed
	}
	notifications, err := h.store.ListNotificationsByRecipient(c.Request.Context(), c.Param("recipient_id"), limit)
	if err != nil {
		h.writeError(c, err, "notifications")
		return
	}
	c.JSON(http.StatusOK, notifications)
}

func (h *Handler) GetNotificationsByCorrelation(c *gin.Context) {
	notifications, err := h.store.ListNotificationsByCorrelation(c.Request.Context(), c.Param("correlation_id"))
	if err != nil {
		h.writeError(c, err, "notifications")
		return
	}
	c.JSON(http.StatusOK, notifications)
}

func (h *Handler) GetNotificationAttempts(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.store.GetNotification(c.Request.Context(), id); err != nil {
		h.writeError(c, err, "notification")
		return
	}
	attempts, err := h.store.ListAttempts(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err, "delivery attempts")
		return
	}
	c.JSON(http.StatusOK, attempts)
}

func (h *Handler) CancelNotification(c *gin.Context) {
	id := c.Param("id")
	if err := h.tracker.Cancel(c.Request.Context(), id); err != nil {
		h.writeError(c, err, "notification")
		return
	}
	h.logger.Infof("Cancelled notification: %s", id)
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// RetryNotification forces an immediate delivery attempt for a pending or
// retrying notification, skipping the remaining backoff wait.
func (h *Handler) RetryNotification(c *gin.Context) {
	id := c.Param("id")
	if err := h.tracker.RetryNow(c.Request.Context(), id); err != nil {
		h.writeError(c, err, "notification")
		return
	}
	h.logger.Infof("Queued immediate retry for notification: %s", id)
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *Handler) GetStats(c *gin.Context) {
	to := time.Now()
	from := to.Add(-24 * time.Hour)
	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid from timestamp, want RFC3339"})
			return
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid to timestamp, want RFC3339"})
			return
		}
		to = parsed
	}
	buckets, err := h.stats.Aggregate(c.Request.Context(), from, to)
	if err != nil {
		h.writeError(c, err, "statistics")
		return
	}
	c.JSON(http.StatusOK, gin.H{"from": from, "to": to, "buckets": buckets})
}

// WebSocket upgrades the connection and parks it in the in-app fan-out set
// until the client goes away.
func (h *Handler) WebSocket(c *gin.Context) {
	recipientID := c.Param("recipient_id")
	if _, err := h.store.GetRecipient(c.Request.Context(), recipientID); err != nil {
		h.writeError(c, err, "recipient")
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("Failed to upgrade WebSocket for recipient %s: %v", recipientID, err)
		return
	}
	if !h.inApp.AddConnection(recipientID, conn) {
		conn.Close()
		return
	}
	defer func() {
		h.inApp.RemoveConnection(recipientID, conn)
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
