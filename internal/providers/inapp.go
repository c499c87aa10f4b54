package providers

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lab-notification-service/internal/logging"
	"lab-notification-service/internal/models"
)

const maxConnectionsPerRecipient = 10

// InAppSender fans notifications out over the WebSocket connections a
// recipient currently holds. Delivery succeeds even with zero open
// connections: the notification is persisted and shows up in the browse
// API the next time the client fetches.
type InAppSender struct {
	mu          sync.Mutex
	connections map[string]map[*websocket.Conn]bool // recipientID -> set of connections
	logger      *logging.Logger
}

func NewInAppSender(logger *logging.Logger) *InAppSender {
	return &InAppSender{
		connections: make(map[string]map[*websocket.Conn]bool),
		logger:      logger,
	}
}

// AddConnection registers a connection for a recipient, refusing once the
// per-recipient cap is reached. Returns false if the cap was hit.
func (s *InAppSender) AddConnection(recipientID string, conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.connections[recipientID]; !exists {
		s.connections[recipientID] = make(map[*websocket.Conn]bool)
	}
	if len(s.connections[recipientID]) >= maxConnectionsPerRecipient {
		s.logger.Warnf("Max connections reached for recipient %s", recipientID)
		return false
	}
	s.connections[recipientID][conn] = true
	s.logger.Infof("Added WebSocket connection for recipient %s (total: %d)", recipientID, len(s.connections[recipientID]))
	return true
}

// RemoveConnection deregisters a connection for a recipient.
func (s *InAppSender) RemoveConnection(recipientID string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conns, exists := s.connections[recipientID]; exists {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(s.connections, recipientID)
		}
		s.logger.Infof("Removed WebSocket connection for recipient %s (remaining: %d)", recipientID, len(conns))
	}
}

type inAppMessage struct {
	ID            string    `json:"id"`
	Subject       string    `json:"subject"`
	Body          string    `json:"body"`
	RichBody      string    `json:"rich_body,omitempty"`
	Priority      string    `json:"priority"`
	CorrelationID string    `json:"correlation_id"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *InAppSender) Send(_ context.Context, n models.Notification) (string, error) {
	message, err := json.Marshal(inAppMessage{
		ID:            n.ID,
		Subject:       n.Subject,
		Body:          n.Body,
		RichBody:      n.RichBody,
		Priority:      string(n.Priority),
		CorrelationID: n.CorrelationID,
		CreatedAt:     n.CreatedAt,
	})
	if err != nil {
		return "", &models.PermanentDeliveryFailure{Message: "marshal in-app payload failed"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if conns, exists := s.connections[n.RecipientID]; exists {
		for conn := range conns {
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Errorf("Failed to send WebSocket message to recipient %s: %v", n.RecipientID, err)
				delete(conns, conn)
			}
		}
		if len(conns) == 0 {
			delete(s.connections, n.RecipientID)
		}
	}
	return "", nil
}
