package adminws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/arbor"
)

func dialTestServer(t *testing.T, h *Handler) (*websocket.Conn, func()) {
	t.Helper()
	server := httptest.NewServer(h)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn, func() {
		conn.Close()
		server.Close()
	}
}

func TestClientReceivesSnapshotOnConnect(t *testing.T) {
	h := NewHandler(arbor.NewLogger(), func() []CrawlerStatus {
		return []CrawlerStatus{{CrawlerID: "crawler-1", State: "idle", Connected: true}}
	})

	conn, cleanup := dialTestServer(t, h)
	defer cleanup()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "statusSnapshot", msg.Type)
}

func TestBroadcastJobUpdateReachesConnectedClient(t *testing.T) {
	h := NewHandler(arbor.NewLogger(), nil)
	conn, cleanup := dialTestServer(t, h)
	defer cleanup()

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	h.BroadcastJobUpdate(JobUpdateEvent{JobID: "job-1", Status: "completed"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "jobUpdate", msg.Type)
}

func TestClientCountDropsOnDisconnect(t *testing.T) {
	h := NewHandler(arbor.NewLogger(), nil)
	conn, cleanup := dialTestServer(t, h)
	defer cleanup()

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}
