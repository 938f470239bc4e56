package crawlerworker

import (
	"time"

	"github.com/ternarybob/crawlctl/internal/models"
)

// BusDiscoverySpawner is the crawler-side DiscoverySpawner: it never talks
// to the job store directly (the backend owns it, spec §3), so it relays
// each discovered area to the Orchestrator as an AREA_DISCOVERED envelope
// and returns immediately. Per spec §4.6 step 3.e, failures here are never
// propagated to the job — send is fire-and-forget from the pagination
// loop's perspective.
type BusDiscoverySpawner struct {
	selfID string
	bus    Sender
}

// NewBusDiscoverySpawner constructs a BusDiscoverySpawner.
func NewBusDiscoverySpawner(selfID string, bus Sender) *BusDiscoverySpawner {
	return &BusDiscoverySpawner{selfID: selfID, bus: bus}
}

// SpawnAreaJobs implements DiscoverySpawner by enqueueing an AREA_DISCOVERED
// message envelope bound for the backend. Sent with priority=true: a
// discovered area is never persisted anywhere on the crawler side (the
// crawler has no Job Store access, spec §3 Ownership), so losing it to
// outgoing-queue pruning would be unrecoverable, per spec §5's backpressure
// rule that discovery and completion messages must bypass the pruning path.
func (s *BusDiscoverySpawner) SpawnAreaJobs(parentJobID string, area models.Area) error {
	s.bus.Send(&models.Envelope{
		Origin:      s.selfID,
		Destination: models.DestinationBackend,
		Type:        models.EnvelopeTypeMessage,
		Key:         models.KeyAreaDiscovered,
		Payload: models.AreaDiscoveredPayload{
			ParentJobID: parentJobID,
			Area:        area,
		},
		Timestamp: time.Now().UnixMilli(),
	}, true)
	return nil
}
