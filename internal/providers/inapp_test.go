package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab-notification-service/internal/logging"
	"lab-notification-service/internal/models"
)

// wsPipe returns a connected client/server WebSocket pair.
func wsPipe(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverCh <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	server := <-serverCh
	t.Cleanup(func() { server.Close() })
	return client, server
}

func TestInAppSendFansOutToAllConnections(t *testing.T) {
	s := NewInAppSender(logging.NewNop())
	client1, server1 := wsPipe(t)
	client2, server2 := wsPipe(t)
	require.True(t, s.AddConnection("rec-1", server1))
	require.True(t, s.AddConnection("rec-1", server2))

	n := models.Notification{
		ID:            "n-1",
		Subject:       "maintenance due",
		Body:          "centrifuge service overdue",
		Priority:      models.PriorityNormal,
		RecipientID:   "rec-1",
		CorrelationID: "corr-1",
	}
	providerID, err := s.Send(context.Background(), n)
	require.NoError(t, err)
	assert.Empty(t, providerID)

	for _, client := range []*websocket.Conn{client1, client2} {
		_, raw, err := client.ReadMessage()
		require.NoError(t, err)
		var msg inAppMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, "n-1", msg.ID)
		assert.Equal(t, "maintenance due", msg.Subject)
	}
}

func TestInAppSendWithoutConnectionsSucceeds(t *testing.T) {
	s := NewInAppSender(logging.NewNop())
	_, err := s.Send(context.Background(), models.Notification{ID: "n-2", RecipientID: "offline"})
	assert.NoError(t, err)
}

func TestInAppConnectionCap(t *testing.T) {
	s := NewInAppSender(logging.NewNop())
	for i := 0; i < maxConnectionsPerRecipient; i++ {
		require.True(t, s.AddConnection("rec-1", &websocket.Conn{}))
	}
	assert.False(t, s.AddConnection("rec-1", &websocket.Conn{}))

	// Other recipients are unaffected by the cap.
	assert.True(t, s.AddConnection("rec-2", &websocket.Conn{}))
}

func TestInAppRemoveConnection(t *testing.T) {
	s := NewInAppSender(logging.NewNop())
	_, server := wsPipe(t)
	require.True(t, s.AddConnection("rec-1", server))
	s.RemoveConnection("rec-1", server)

	// Removed connections receive nothing; the send still succeeds.
	_, err := s.Send(context.Background(), models.Notification{ID: "n-3", RecipientID: "rec-1"})
	assert.NoError(t, err)
}
