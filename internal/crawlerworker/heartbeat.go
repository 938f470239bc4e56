package crawlerworker

import (
	"context"
	"time"

	"github.com/ternarybob/crawlctl/internal/models"
)

// RunHeartbeatLoop emits a heartbeat and a statusUpdate envelope every
// HeartbeatInterval until ctx is cancelled, per spec §4.6/§6.
func (m *Manager) RunHeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			m.lastHeartbeat = time.Now()
			m.mu.Unlock()
			m.sendHeartbeat()
		}
	}
}

func (m *Manager) sendHeartbeat() {
	if m.bus == nil {
		return
	}
	now := time.Now().UnixMilli()
	state, jobID, queueSize, lastHeartbeat := m.Status()

	m.bus.Send(&models.Envelope{
		Origin:      m.selfID,
		Destination: models.DestinationBackend,
		Type:        models.EnvelopeTypeHeartbeat,
		Key:         models.KeyHeartbeat,
		Payload:     models.HeartbeatPayload{Timestamp: now},
		Timestamp:   now,
	}, false)

	m.bus.Send(&models.Envelope{
		Origin:      m.selfID,
		Destination: models.DestinationBackend,
		Type:        models.EnvelopeTypeMessage,
		Key:         models.KeyStatusUpdate,
		Payload: models.StatusUpdatePayload{
			State:         string(state),
			CurrentJobID:  jobID,
			QueueSize:     queueSize,
			LastHeartbeat: lastHeartbeat.UnixMilli(),
		},
		Timestamp: now,
	}, false)
}

// HandleCommand dispatches an inbound command envelope to the appropriate
// manager action, per spec §4.9 (Admin Command Surface flows through here).
func (m *Manager) HandleCommand(ctx context.Context, env *models.Envelope) error {
	switch env.Key {
	case models.KeyPauseCrawler:
		m.Pause()
	case models.KeyResumeCrawler:
		m.Resume(ctx)
	case models.KeyGetStatus:
		m.sendHeartbeat()
	case models.KeyShutdown:
		m.Shutdown()
	case models.KeyStartJob:
		descriptor, err := decodeTaskDescriptor(env.Payload)
		if err != nil {
			return err
		}
		m.Enqueue(descriptor)
		m.TryStartNextJob(ctx)
	}
	return nil
}

// HandleMessage is a no-op placeholder for message-type envelopes; the
// token refresh response is routed directly into the tokenbroker.Correlator
// by the caller rather than through this dispatcher.
func (m *Manager) HandleMessage(env *models.Envelope) error {
	return nil
}
