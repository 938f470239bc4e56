package ipc

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlctl/internal/crawlerr"
	"github.com/ternarybob/crawlctl/internal/models"
)

// Handler processes one inbound envelope. Returning an error only logs;
// it never tears down the connection (message/command errors are protocol-
// level, not connection-level, per spec §4.2 failure semantics).
type Handler func(env *models.Envelope) error

// BusConfig tunes reconnection, heartbeat, and queue-pruning behavior.
// Mirrors common.BusConfig but kept local to avoid an import cycle between
// internal/common and internal/ipc.
type BusConfig struct {
	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	ReconnectBaseDelay    time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectJitter       float64
	MaxMessageSize        int
	OutgoingQueueSize     int
	OutgoingPruneFraction float64
}

// queuedEnvelope distinguishes messages that must never be pruned (discovery
// / completion / job-state transitions) from loss-tolerant ones (heartbeats,
// status snapshots), per spec §5 backpressure rules.
type queuedEnvelope struct {
	env      *models.Envelope
	priority bool
}

// outgoingQueue is a FIFO bounded queue that prunes the oldest 20% of
// low-priority entries when full, never dropping priority entries.
type outgoingQueue struct {
	mu            sync.Mutex
	items         []queuedEnvelope
	maxSize       int
	pruneFraction float64
	logger        arbor.ILogger
}

func newOutgoingQueue(maxSize int, pruneFraction float64, logger arbor.ILogger) *outgoingQueue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if pruneFraction <= 0 {
		pruneFraction = 0.2
	}
	return &outgoingQueue{maxSize: maxSize, pruneFraction: pruneFraction, logger: logger}
}

func (q *outgoingQueue) push(env *models.Envelope, priority bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.maxSize {
		q.pruneLocked()
	}
	q.items = append(q.items, queuedEnvelope{env: env, priority: priority})
}

// pruneLocked drops the oldest 20% of non-priority entries. Must be called
// with q.mu held.
func (q *outgoingQueue) pruneLocked() {
	dropCount := int(float64(len(q.items)) * q.pruneFraction)
	if dropCount < 1 {
		dropCount = 1
	}

	kept := make([]queuedEnvelope, 0, len(q.items))
	dropped := 0
	for _, item := range q.items {
		if !item.priority && dropped < dropCount {
			dropped++
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	if dropped > 0 && q.logger != nil {
		q.logger.Warn().Int("dropped", dropped).Msg("outgoing queue full, pruned oldest low-priority entries")
	}
}

func (q *outgoingQueue) drain() []queuedEnvelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// isPriority reports whether an envelope's key must bypass pruning: job
// updates, dispatched tasks and discovered areas are never dropped from the
// outgoing queue, since the crawler keeps no persisted copy of a discovered
// area or of a job-state transition it reports.
func isPriority(env *models.Envelope) bool {
	switch env.Key {
	case models.KeyJobUpdate, models.KeyStartJob, models.KeyAreaDiscovered:
		return true
	default:
		return false
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func nextBackoff(current, max time.Duration, factor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	delta := float64(d) * fraction
	offset := (rand.Float64()*2 - 1) * delta
	result := time.Duration(float64(d) + offset)
	if result < 0 {
		return 0
	}
	return result
}

func defaultBusConfig() BusConfig {
	return BusConfig{
		HeartbeatInterval:     30 * time.Second,
		HeartbeatTimeout:      30 * time.Second,
		ReconnectBaseDelay:    5 * time.Second,
		ReconnectMaxDelay:     30 * time.Second,
		ReconnectJitter:       0.2,
		MaxMessageSize:        1 << 20,
		OutgoingQueueSize:     1000,
		OutgoingPruneFraction: 0.2,
	}
}

func wrapConnError(err error) error {
	return crawlerr.Wrap(crawlerr.KindConnection, crawlerr.SeverityMedium, "connection error", err)
}
