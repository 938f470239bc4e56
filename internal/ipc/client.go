package ipc

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlctl/internal/common"
	"github.com/ternarybob/crawlctl/internal/crawlerr"
	"github.com/ternarybob/crawlctl/internal/models"
)

// ClientCallbacks are invoked by Client as connection lifecycle events
// occur. All are optional; a nil callback is simply skipped. This is the
// typed-callback-struct answer to the source's named-event emitter, per the
// REDESIGN FLAGS guidance.
type ClientCallbacks struct {
	OnMessage          Handler
	OnCommand          Handler
	OnDisconnected     func()
	OnHeartbeatTimeout func()
	OnConnected        func()
}

// Client is the crawler-side half of the IPC bus: it dials a Unix socket,
// registers its identity, drains an outgoing queue, monitors peer
// heartbeats, and reconnects with backoff + jitter on any failure.
type Client struct {
	socketPath string
	selfID     string
	pid        int
	clientType string
	cfg        BusConfig
	logger     arbor.ILogger
	callbacks  ClientCallbacks

	queue *outgoingQueue

	mu            sync.Mutex
	conn          net.Conn
	codec         *Codec
	connected     bool
	lastHeartbeat time.Time
}

// NewClient constructs a Client. selfID identifies this process for
// targeted routing (e.g. the crawler's connection id).
func NewClient(socketPath, selfID, clientType string, cfg BusConfig, logger arbor.ILogger, callbacks ClientCallbacks) *Client {
	return &Client{
		socketPath: socketPath,
		selfID:     selfID,
		pid:        os.Getpid(),
		clientType: clientType,
		cfg:        cfg,
		logger:     logger,
		callbacks:  callbacks,
		queue:      newOutgoingQueue(cfg.OutgoingQueueSize, cfg.OutgoingPruneFraction, logger),
	}
}

// Run dials, registers, and services the connection until ctx is cancelled,
// reconnecting with exponential backoff + jitter on every disconnect.
// Socket non-existence at dial time is not fatal — the loop simply retries.
func (c *Client) Run(ctx context.Context) {
	backoff := c.cfg.ReconnectBaseDelay

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("socket", c.socketPath).Msg("ipc client connection lost, reconnecting")
		}

		c.setConnected(false)
		if c.callbacks.OnDisconnected != nil {
			c.callbacks.OnDisconnected()
		}

		delay := withJitter(backoff, c.cfg.ReconnectJitter)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		backoff = nextBackoff(backoff, c.cfg.ReconnectMaxDelay, 1.5)
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return wrapConnError(err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.codec = NewCodec(conn, conn, c.cfg.MaxMessageSize)
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
	c.setConnected(true)

	if err := c.register(); err != nil {
		return err
	}
	if c.callbacks.OnConnected != nil {
		c.callbacks.OnConnected()
	}

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	common.SafeGoWithContext(childCtx, c.logger, "ipc-client-read", func() {
		errCh <- c.readLoop(childCtx)
	})
	common.SafeGoWithContext(childCtx, c.logger, "ipc-client-drain", func() {
		errCh <- c.drainLoop(childCtx)
	})
	common.SafeGoWithContext(childCtx, c.logger, "ipc-client-heartbeat-monitor", func() {
		errCh <- c.heartbeatMonitorLoop(childCtx)
	})

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (c *Client) register() error {
	env := &models.Envelope{
		Origin:      c.selfID,
		Destination: models.DestinationBackend,
		Type:        models.EnvelopeTypeCommand,
		Key:         models.KeyRegister,
		Payload: models.RegisterPayload{
			ID:   c.selfID,
			PID:  c.pid,
			Type: c.clientType,
		},
		Timestamp: nowMillis(),
	}
	return c.writeNow(env)
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		c.mu.Lock()
		codec := c.codec
		c.mu.Unlock()
		if codec == nil {
			return nil
		}

		env, err := codec.ReadEnvelope()
		if err != nil {
			if kind := crawlerr.KindOf(err); kind == crawlerr.KindMessageParsing || kind == crawlerr.KindMessageValidation {
				c.logger.Warn().Err(err).Msg("dropping bad inbound frame")
				continue
			}
			return wrapConnError(err)
		}
		c.dispatch(env)
	}
}

// dispatch routes by type. Unknown destination, or a destination that is
// neither self nor broadcast, is logged and dropped per spec §4.2.
func (c *Client) dispatch(env *models.Envelope) {
	if env.Destination != models.DestinationCrawler && env.Destination != models.DestinationBroadcast && env.Destination != c.selfID {
		c.logger.Debug().Str("destination", string(env.Destination)).Msg("dropping envelope addressed to a different peer")
		return
	}

	switch env.Type {
	case models.EnvelopeTypeHeartbeat:
		c.mu.Lock()
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()
	case models.EnvelopeTypeMessage:
		if c.callbacks.OnMessage != nil {
			if err := c.callbacks.OnMessage(env); err != nil {
				c.logger.Warn().Err(err).Str("key", string(env.Key)).Msg("message handler failed")
			}
		}
	case models.EnvelopeTypeCommand:
		if c.callbacks.OnCommand != nil {
			if err := c.callbacks.OnCommand(env); err != nil {
				c.logger.Warn().Err(err).Str("key", string(env.Key)).Msg("command handler failed")
			}
		}
	default:
		c.logger.Debug().Str("type", string(env.Type)).Msg("unhandled envelope type")
	}
}

func (c *Client) heartbeatMonitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	timeout := c.cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Send(&models.Envelope{
				Origin:      c.selfID,
				Destination: models.DestinationBackend,
				Type:        models.EnvelopeTypeHeartbeat,
				Key:         models.KeyHeartbeat,
				Payload:     models.HeartbeatPayload{Timestamp: nowMillis()},
				Timestamp:   nowMillis(),
			}, false)

			c.mu.Lock()
			last := c.lastHeartbeat
			c.mu.Unlock()
			if time.Since(last) > timeout {
				c.logger.Warn().Dur("timeout", timeout).Msg("peer heartbeat timeout, tearing down connection")
				if c.callbacks.OnHeartbeatTimeout != nil {
					c.callbacks.OnHeartbeatTimeout()
				}
				c.mu.Lock()
				if c.conn != nil {
					c.conn.Close()
				}
				c.mu.Unlock()
				return wrapConnError(context.DeadlineExceeded)
			}
		}
	}
}

// Send enqueues an envelope for delivery. priority envelopes (job-state
// transitions) are exempt from queue pruning.
func (c *Client) Send(env *models.Envelope, priority bool) {
	c.queue.push(env, priority || isPriority(env))
}

func (c *Client) drainLoop(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			items := c.queue.drain()
			for i, item := range items {
				if err := c.writeNow(item.env); err != nil {
					// put it, and everything drained after it, back at the
					// front on failure; the reconnect loop will retry once
					// connected again.
					c.queue.mu.Lock()
					c.queue.items = append(append([]queuedEnvelope{}, items[i:]...), c.queue.items...)
					c.queue.mu.Unlock()
					return err
				}
			}
		}
	}
}

func (c *Client) writeNow(env *models.Envelope) error {
	c.mu.Lock()
	codec := c.codec
	c.mu.Unlock()
	if codec == nil {
		c.queue.push(env, isPriority(env))
		return nil
	}
	if err := codec.WriteEnvelope(env); err != nil {
		return wrapConnError(err)
	}
	return nil
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Connected reports whether the client currently has an open connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
