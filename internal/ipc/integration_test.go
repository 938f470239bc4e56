package ipc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlctl/internal/models"
)

func TestClientServerRegisterAndExchange(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "test.sock")

	logger := arbor.NewLogger()

	received := make(chan *models.Envelope, 1)
	server := NewServer(socketPath, testBusConfig(), logger, ServerCallbacks{
		OnMessage: func(env *models.Envelope) error {
			received <- env
			return nil
		},
	})
	require.NoError(t, server.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)

	client := NewClient(socketPath, "crawler-test", "crawler", testBusConfig(), logger, ClientCallbacks{})
	go client.Run(ctx)

	waitForConnected(t, client)

	client.Send(&models.Envelope{
		Origin:      "crawler-test",
		Destination: models.DestinationBackend,
		Type:        models.EnvelopeTypeMessage,
		Key:         models.KeyStatusUpdate,
		Payload:     models.StatusUpdatePayload{State: "idle", QueueSize: 0},
		Timestamp:   nowMillis(),
	}, false)

	select {
	case env := <-received:
		require.Equal(t, models.KeyStatusUpdate, env.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message to reach server")
	}

	_ = os.Remove(socketPath)
}

func waitForConnected(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Connected() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client never connected")
}

func testBusConfig() BusConfig {
	cfg := defaultBusConfig()
	cfg.ReconnectBaseDelay = 50 * time.Millisecond
	cfg.ReconnectMaxDelay = 200 * time.Millisecond
	cfg.HeartbeatInterval = 5 * time.Second
	cfg.HeartbeatTimeout = 5 * time.Second
	return cfg
}
