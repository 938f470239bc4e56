package crawlerworker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ternarybob/crawlctl/internal/models"
)

type sentDiscoveryEnvelope struct {
	env      *models.Envelope
	priority bool
}

type fakeDiscoverySender struct {
	sent []sentDiscoveryEnvelope
}

func (f *fakeDiscoverySender) Send(env *models.Envelope, priority bool) {
	f.sent = append(f.sent, sentDiscoveryEnvelope{env: env, priority: priority})
}

func TestBusDiscoverySpawnerSendsAreaDiscoveredEnvelope(t *testing.T) {
	bus := &fakeDiscoverySender{}
	spawner := NewBusDiscoverySpawner("crawler-1", bus)

	area := models.Area{FullPath: "group/sub", Type: models.AreaTypeGroup}
	require.NoError(t, spawner.SpawnAreaJobs("job-1", area))

	require.Len(t, bus.sent, 1)
	sent := bus.sent[0]
	env := sent.env
	require.Equal(t, models.KeyAreaDiscovered, env.Key)
	require.Equal(t, models.DestinationBackend, env.Destination)
	payload := env.Payload.(models.AreaDiscoveredPayload)
	require.Equal(t, "job-1", payload.ParentJobID)
	require.Equal(t, area, payload.Area)

	// A discovered area has no persisted copy on the crawler side (no Job
	// Store access), so it must bypass outgoing-queue pruning, per spec §5.
	require.True(t, sent.priority, "AREA_DISCOVERED must be sent with priority=true so it bypasses outgoing-queue pruning")
}
