package ipc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlctl/internal/common"
	"github.com/ternarybob/crawlctl/internal/crawlerr"
	"github.com/ternarybob/crawlctl/internal/models"
)

// ServerCallbacks mirrors ClientCallbacks for the backend side. OnDisconnect
// and OnHeartbeatTimeout receive the peer id so the liveness reconciler can
// target its reset.
type ServerCallbacks struct {
	OnMessage          Handler
	OnCommand          Handler
	OnConnect          func(peerID string)
	OnDisconnect       func(peerID string)
	OnHeartbeatTimeout func(peerID string)
}

type serverPeer struct {
	id            string
	conn          net.Conn
	codec         *Codec
	queue         *outgoingQueue
	lastHeartbeat time.Time
	mu            sync.Mutex
}

// Server is the backend-side half of the IPC bus: it owns the Unix domain
// socket, accepts one or more peer connections, and routes envelopes by
// destination id or broadcast.
type Server struct {
	socketPath string
	cfg        BusConfig
	logger     arbor.ILogger
	callbacks  ServerCallbacks

	mu       sync.RWMutex
	peers    map[string]*serverPeer
	listener net.Listener
}

// NewServer constructs a Server bound to socketPath. The socket and its
// parent directory are created (not required to pre-exist) with the
// permissions spec §6 documents (0750 dir, 0660 socket).
func NewServer(socketPath string, cfg BusConfig, logger arbor.ILogger, callbacks ServerCallbacks) *Server {
	return &Server{
		socketPath: socketPath,
		cfg:        cfg,
		logger:     logger,
		callbacks:  callbacks,
		peers:      make(map[string]*serverPeer),
	}
}

// Listen creates the socket directory and binds the listener. Call Serve
// afterward to accept connections.
func (s *Server) Listen() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return wrapConnError(err)
	}
	_ = os.Remove(s.socketPath) // stale socket from a prior crashed run

	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return wrapConnError(err)
	}
	if err := os.Chmod(s.socketPath, 0660); err != nil {
		s.logger.Warn().Err(err).Msg("failed to set socket permissions")
	}
	s.listener = l
	return nil
}

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	common.SafeGoWithContext(ctx, s.logger, "ipc-server-close-on-cancel", func() {
		<-ctx.Done()
		if s.listener != nil {
			s.listener.Close()
		}
	})

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		common.SafeGoWithContext(ctx, s.logger, "ipc-server-peer", func() {
			s.servePeer(ctx, conn)
		})
	}
}

func (s *Server) servePeer(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	codec := NewCodec(conn, conn, s.cfg.MaxMessageSize)
	peer := &serverPeer{
		conn:          conn,
		codec:         codec,
		queue:         newOutgoingQueue(s.cfg.OutgoingQueueSize, s.cfg.OutgoingPruneFraction, s.logger),
		lastHeartbeat: time.Now(),
	}

	// First frame must be a register command establishing the peer id.
	env, err := codec.ReadEnvelope()
	if err != nil || env.Key != models.KeyRegister {
		s.logger.Warn().Err(err).Msg("peer failed to register, dropping connection")
		return
	}
	peer.id = env.Origin

	s.mu.Lock()
	s.peers[peer.id] = peer
	s.mu.Unlock()
	if s.callbacks.OnConnect != nil {
		s.callbacks.OnConnect(peer.id)
	}

	defer func() {
		s.mu.Lock()
		delete(s.peers, peer.id)
		s.mu.Unlock()
		if s.callbacks.OnDisconnect != nil {
			s.callbacks.OnDisconnect(peer.id)
		}
	}()

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	common.SafeGoWithContext(childCtx, s.logger, "ipc-server-peer-read", func() {
		errCh <- s.peerReadLoop(childCtx, peer)
	})
	common.SafeGoWithContext(childCtx, s.logger, "ipc-server-peer-drain", func() {
		errCh <- s.peerDrainLoop(childCtx, peer)
	})
	common.SafeGoWithContext(childCtx, s.logger, "ipc-server-peer-heartbeat-monitor", func() {
		errCh <- s.peerHeartbeatMonitorLoop(childCtx, peer)
	})

	select {
	case <-ctx.Done():
	case <-errCh:
	}
}

func (s *Server) peerReadLoop(ctx context.Context, peer *serverPeer) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		env, err := peer.codec.ReadEnvelope()
		if err != nil {
			if kind := crawlerr.KindOf(err); kind == crawlerr.KindMessageParsing || kind == crawlerr.KindMessageValidation {
				s.logger.Warn().Err(err).Str("peer", peer.id).Msg("dropping bad inbound frame")
				continue
			}
			return wrapConnError(err)
		}
		s.dispatch(peer, env)
	}
}

func (s *Server) dispatch(peer *serverPeer, env *models.Envelope) {
	if env.Destination != models.DestinationBackend && env.Destination != models.DestinationBroadcast {
		s.logger.Debug().Str("destination", string(env.Destination)).Msg("dropping envelope addressed to a different peer")
		return
	}

	switch env.Type {
	case models.EnvelopeTypeHeartbeat:
		peer.mu.Lock()
		peer.lastHeartbeat = time.Now()
		peer.mu.Unlock()
		// answer so the client's heartbeat monitor sees this side alive
		peer.queue.push(&models.Envelope{
			Origin:      string(models.DestinationBackend),
			Destination: models.DestinationCrawler,
			Type:        models.EnvelopeTypeHeartbeat,
			Key:         models.KeyHeartbeat,
			Payload:     models.HeartbeatPayload{Timestamp: nowMillis()},
			Timestamp:   nowMillis(),
		}, false)
	case models.EnvelopeTypeMessage:
		if s.callbacks.OnMessage != nil {
			if err := s.callbacks.OnMessage(env); err != nil {
				s.logger.Warn().Err(err).Str("key", string(env.Key)).Msg("message handler failed")
			}
		}
	case models.EnvelopeTypeCommand:
		if s.callbacks.OnCommand != nil {
			if err := s.callbacks.OnCommand(env); err != nil {
				s.logger.Warn().Err(err).Str("key", string(env.Key)).Msg("command handler failed")
			}
		}
	default:
		s.logger.Debug().Str("type", string(env.Type)).Msg("unhandled envelope type")
	}
}

func (s *Server) peerHeartbeatMonitorLoop(ctx context.Context, peer *serverPeer) error {
	timeout := s.cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			peer.mu.Lock()
			last := peer.lastHeartbeat
			peer.mu.Unlock()
			if time.Since(last) > timeout {
				s.logger.Warn().Str("peer", peer.id).Dur("timeout", timeout).Msg("peer heartbeat timeout")
				if s.callbacks.OnHeartbeatTimeout != nil {
					s.callbacks.OnHeartbeatTimeout(peer.id)
				}
				peer.conn.Close()
				return wrapConnError(context.DeadlineExceeded)
			}
		}
	}
}

func (s *Server) peerDrainLoop(ctx context.Context, peer *serverPeer) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, item := range peer.queue.drain() {
				if err := peer.codec.WriteEnvelope(item.env); err != nil {
					peer.queue.push(item.env, item.priority)
					return wrapConnError(err)
				}
			}
		}
	}
}

// SendTo enqueues an envelope for a specific peer id. Returns false if the
// peer is not currently connected (the caller should persist state so a
// later reconnect/re-provision can retry).
func (s *Server) SendTo(peerID string, env *models.Envelope) bool {
	s.mu.RLock()
	peer, ok := s.peers[peerID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	peer.queue.push(env, isPriority(env))
	return true
}

// Broadcast enqueues an envelope for every currently connected peer.
func (s *Server) Broadcast(env *models.Envelope) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, peer := range s.peers {
		peer.queue.push(env, isPriority(env))
	}
}

// ConnectedPeers returns the ids of currently connected peers.
func (s *Server) ConnectedPeers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

// Close stops accepting connections and closes the listener.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
