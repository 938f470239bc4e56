package admin

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ternarybob/crawlctl/internal/models"
)

type fakeBus struct {
	sent      map[string][]*models.Envelope
	broadcast []*models.Envelope
	connected []string
	sendOK    bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{sent: make(map[string][]*models.Envelope), sendOK: true}
}

func (b *fakeBus) SendTo(peerID string, env *models.Envelope) bool {
	if !b.sendOK {
		return false
	}
	b.sent[peerID] = append(b.sent[peerID], env)
	return true
}

func (b *fakeBus) Broadcast(env *models.Envelope) {
	b.broadcast = append(b.broadcast, env)
}

func (b *fakeBus) ConnectedPeers() []string { return b.connected }

type fakeReconciler struct{ reasons []string }

func (f *fakeReconciler) Reconcile(reason string) { f.reasons = append(f.reasons, reason) }

func TestPauseTargetedCrawler(t *testing.T) {
	bus := newFakeBus()
	s := New(bus, nil, "backend-1")

	err := s.Pause("crawler-1")
	require.NoError(t, err)
	require.Len(t, bus.sent["crawler-1"], 1)
	require.Equal(t, models.KeyPauseCrawler, bus.sent["crawler-1"][0].Key)
	require.Equal(t, models.DestinationCrawler, bus.sent["crawler-1"][0].Destination)
}

func TestResumeBroadcastsWhenNoCrawlerIDGiven(t *testing.T) {
	bus := newFakeBus()
	s := New(bus, nil, "backend-1")

	err := s.Resume("")
	require.NoError(t, err)
	require.Len(t, bus.broadcast, 1)
	require.Equal(t, models.KeyResumeCrawler, bus.broadcast[0].Key)
}

func TestDispatchFailsWhenCrawlerNotConnected(t *testing.T) {
	bus := newFakeBus()
	bus.sendOK = false
	s := New(bus, nil, "backend-1")

	err := s.GetStatus("crawler-offline")
	require.Error(t, err)
}

func TestShutdownTriggersLivenessReconcile(t *testing.T) {
	bus := newFakeBus()
	reconciler := &fakeReconciler{}
	s := New(bus, reconciler, "backend-1")

	err := s.Shutdown("crawler-1")
	require.NoError(t, err)
	require.Len(t, bus.sent["crawler-1"], 1)
	require.Equal(t, models.KeyShutdown, bus.sent["crawler-1"][0].Key)
	require.Equal(t, []string{"admin-shutdown"}, reconciler.reasons)
}

func TestConnectedCrawlersDelegatesToBus(t *testing.T) {
	bus := newFakeBus()
	bus.connected = []string{"crawler-1", "crawler-2"}
	s := New(bus, nil, "backend-1")

	require.ElementsMatch(t, []string{"crawler-1", "crawler-2"}, s.ConnectedCrawlers())
}
