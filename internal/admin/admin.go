// Package admin implements the Admin Command Surface (C9): a thin adapter
// translating operator intent (pause/resume/shutdown/get-status) into IPC
// envelopes addressed at one or all connected crawlers, per spec §4.9.
package admin

import (
	"time"

	"github.com/ternarybob/crawlctl/internal/crawlerr"
	"github.com/ternarybob/crawlctl/internal/models"
)

// Bus is the subset of ipc.Server the admin surface needs: targeted and
// broadcast sends plus the list of currently connected crawlers.
type Bus interface {
	SendTo(peerID string, env *models.Envelope) bool
	Broadcast(env *models.Envelope)
	ConnectedPeers() []string
}

// Reconciler is the liveness reconciler's reset hook, invoked on an operator
// shutdown so in-flight running jobs don't wait for a heartbeat timeout.
type Reconciler interface {
	Reconcile(reason string)
}

// Surface is C9.
type Surface struct {
	bus        Bus
	reconciler Reconciler
	selfID     string
}

// New constructs a Surface. selfID is the backend's own origin id stamped
// onto every outgoing envelope.
func New(bus Bus, reconciler Reconciler, selfID string) *Surface {
	return &Surface{bus: bus, reconciler: reconciler, selfID: selfID}
}

func (s *Surface) envelope(destination models.Destination, key models.Key, payload interface{}) *models.Envelope {
	return &models.Envelope{
		Origin:      s.selfID,
		Destination: destination,
		Type:        models.EnvelopeTypeCommand,
		Key:         key,
		Payload:     payload,
		Timestamp:   time.Now().UnixMilli(),
	}
}

// Pause sends PAUSE_CRAWLER to crawlerID, or every connected crawler if
// crawlerID is empty.
func (s *Surface) Pause(crawlerID string) error {
	return s.dispatch(crawlerID, models.KeyPauseCrawler, nil)
}

// Resume sends RESUME_CRAWLER to crawlerID, or every connected crawler if
// crawlerID is empty.
func (s *Surface) Resume(crawlerID string) error {
	return s.dispatch(crawlerID, models.KeyResumeCrawler, nil)
}

// GetStatus sends GET_STATUS, prompting an immediate statusUpdate reply
// rather than waiting for the next heartbeat tick.
func (s *Surface) GetStatus(crawlerID string) error {
	return s.dispatch(crawlerID, models.KeyGetStatus, nil)
}

// Shutdown sends SHUTDOWN to crawlerID (or broadcasts it) and immediately
// triggers a liveness reconcile pass, since the crawler may disconnect
// before its own in-flight job reports paused, per spec §4.9/§4.8.
func (s *Surface) Shutdown(crawlerID string) error {
	err := s.dispatch(crawlerID, models.KeyShutdown, nil)
	if s.reconciler != nil {
		s.reconciler.Reconcile("admin-shutdown")
	}
	return err
}

func (s *Surface) dispatch(crawlerID string, key models.Key, payload interface{}) error {
	env := s.envelope(models.DestinationCrawler, key, payload)
	if crawlerID == "" {
		s.bus.Broadcast(env)
		return nil
	}
	if !s.bus.SendTo(crawlerID, env) {
		return crawlerr.New(crawlerr.KindConnection, crawlerr.SeverityLow, "crawler "+crawlerID+" is not currently connected")
	}
	return nil
}

// ConnectedCrawlers reports which crawlers are reachable for an admin
// command right now.
func (s *Surface) ConnectedCrawlers() []string {
	return s.bus.ConnectedPeers()
}
