// Package session owns the node⇄conductor bidirectional stream: one
// reader task and one writer task per connected node, translating wire
// frames to/from internal events and detecting disconnect (spec §4.1,
// §5).
package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"

	"github.com/cuemby/symphony/pkg/log"
	"github.com/cuemby/symphony/pkg/types"
	"github.com/cuemby/symphony/pkg/wire"
)

// inboundQueueSize bounds the reader's handoff channel. If the consumer
// (registry/reconciler) falls behind and this fills, the session is
// closed with reason slow-consumer rather than buffering without bound
// (spec §5).
const inboundQueueSize = 256

// outboundQueueSize bounds the writer's queue of conductor→node commands.
const outboundQueueSize = 64

// Inbound is one frame delivered from a node, paired with the session it
// arrived on so the consumer can reply or tear it down.
type Inbound struct {
	NodeID string
	Frame  wire.Frame
}

// Handler is invoked by a Session's reader loop for every decoded frame.
// It must not block: implementations hand work off to a bounded queue of
// their own.
type Handler func(Inbound)

// DisconnectFunc is called exactly once when a session terminates, for
// any reason (transport error, idle timeout, slow-consumer, explicit
// Close).
type DisconnectFunc func(nodeID, reason string)

// StaleFunc is called every time the watchdog transitions a session from
// Connected to Stale (spec §4.1: 3x heartbeat interval of silence). It is
// not called again until the session reconnects and goes stale a second
// time.
type StaleFunc func(nodeID string)

// Session wraps one node's yamux stream with a reader goroutine, a
// writer goroutine and an idle-timeout watchdog.
type Session struct {
	nodeID   string
	stream   net.Conn
	conn     *yamux.Session
	outbound chan wire.Frame
	inbound  chan Inbound
	handler  Handler
	onClose  DisconnectFunc
	onStale  StaleFunc
	logger   zerolog.Logger

	heartbeatInterval time.Duration

	mu         sync.Mutex
	state      types.NodeConnState
	lastFrame  time.Time
	closed     bool
	closeOnce  sync.Once
	closeCause string
}

// Accept performs the yamux server-side handshake over an already
// TLS-established connection and opens the single stream the node will
// use (spec §5.1: "the node opens a single yamux stream on connect").
func Accept(conn net.Conn) (*yamux.Session, net.Conn, error) {
	server, err := yamux.Server(conn, yamux.DefaultConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("session: yamux server handshake: %w", err)
	}
	stream, err := server.Accept()
	if err != nil {
		server.Close()
		return nil, nil, fmt.Errorf("session: accept stream: %w", err)
	}
	return server, stream, nil
}

// New constructs a session in AwaitingHello state. Callers must read the
// first frame themselves (via ReadHello) before calling Run, since the
// node_id isn't known until the handshake completes.
func New(conn *yamux.Session, stream net.Conn, handler Handler, onClose DisconnectFunc, onStale StaleFunc) *Session {
	return &Session{
		stream:    stream,
		conn:      conn,
		outbound:  make(chan wire.Frame, outboundQueueSize),
		inbound:   make(chan Inbound, inboundQueueSize),
		handler:   handler,
		onClose:   onClose,
		onStale:   onStale,
		logger:    log.WithComponent("session"),
		state:     types.NodeAwaitingHello,
		lastFrame: time.Now(),
	}
}

// ReadHello blocks for the mandatory first frame and decodes it as a
// NodeHello. It does not start the reader/writer loops.
func ReadHello(stream net.Conn) (wire.NodeHello, error) {
	f, err := wire.ReadFrame(stream)
	if err != nil {
		return wire.NodeHello{}, fmt.Errorf("session: read hello frame: %w", err)
	}
	if f.Kind != wire.KindNodeHello {
		return wire.NodeHello{}, fmt.Errorf("session: expected NodeHello, got %s", f.Kind)
	}
	var hello wire.NodeHello
	if err := wire.Decode(f, &hello); err != nil {
		return wire.NodeHello{}, err
	}
	return hello, nil
}

// Bind attaches the session to its now-known node identity and declared
// heartbeat cadence, and marks it Connected.
func (s *Session) Bind(nodeID string, heartbeatIntervalMS int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeID = nodeID
	s.heartbeatInterval = time.Duration(heartbeatIntervalMS) * time.Millisecond
	if s.heartbeatInterval <= 0 {
		s.heartbeatInterval = 3 * time.Second
	}
	s.state = types.NodeConnected
	s.logger = s.logger.With().Str("node_id", nodeID).Logger()
}

// Run starts the reader and writer loops and blocks until the session
// terminates (stream error, idle timeout, slow-consumer, or ctx
// cancellation). It always invokes onClose exactly once before
// returning.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readLoop()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx)
	}()

	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		s.watchdog(ctx)
	}()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		for {
			select {
			case <-ctx.Done():
				return
			case in := <-s.inbound:
				s.handler(in)
			}
		}
	}()

	select {
	case <-readerDone:
	case <-writerDone:
	case <-ctx.Done():
	}

	cancel()
	s.terminate("session-closed")
	<-readerDone
	<-writerDone
	<-watchdogDone
	<-dispatchDone
}

func (s *Session) readLoop() {
	for {
		f, err := wire.ReadFrame(s.stream)
		if err != nil {
			if err != io.EOF {
				s.logger.Warn().Err(err).Msg("session read error")
			}
			s.terminate("transport-error")
			return
		}

		s.mu.Lock()
		s.lastFrame = time.Now()
		if s.state == types.NodeStale {
			s.state = types.NodeConnected
		}
		s.mu.Unlock()

		select {
		case s.inbound <- Inbound{NodeID: s.nodeID, Frame: f}:
		default:
			s.logger.Warn().Msg("inbound queue full, closing slow-consumer session")
			s.terminate("slow-consumer")
			return
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := wire.WriteFrame(s.stream, f); err != nil {
				s.logger.Warn().Err(err).Msg("session write error")
				s.terminate("transport-error")
				return
			}
		}
	}
}

// watchdog marks the session Stale after 3x heartbeat interval of
// silence and Disconnected after 10x (spec §4.1 steady-state rule).
func (s *Session) watchdog(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			interval := s.heartbeatInterval
			last := s.lastFrame
			state := s.state
			s.mu.Unlock()

			if interval <= 0 {
				continue
			}
			silence := time.Since(last)

			switch {
			case silence >= 10*interval:
				s.terminate("heartbeat-timeout")
				return
			case silence >= 3*interval && state == types.NodeConnected:
				s.mu.Lock()
				s.state = types.NodeStale
				nodeID := s.nodeID
				s.mu.Unlock()
				if s.onStale != nil {
					s.onStale(nodeID)
				}
			}
		}
	}
}

// Send enqueues an outbound frame, non-blocking. Returns false if the
// outbound queue is full, signaling the caller to treat the session as a
// slow consumer.
func (s *Session) Send(f wire.Frame) bool {
	select {
	case s.outbound <- f:
		return true
	default:
		s.terminate("slow-consumer")
		return false
	}
}

// State returns the session's current connection state.
func (s *Session) State() types.NodeConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NodeID returns the bound node identity, empty until Bind is called.
func (s *Session) NodeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeID
}

func (s *Session) terminate(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.closeCause = reason
		s.state = types.NodeDisconnected
		nodeID := s.nodeID
		s.mu.Unlock()

		s.stream.Close()
		if s.conn != nil {
			s.conn.Close()
		}

		if s.onClose != nil {
			s.onClose(nodeID, reason)
		}
	})
}

// Close terminates the session with reason "closed" (administrative
// shutdown, spec §5 cancellation rules).
func (s *Session) Close() {
	s.terminate("closed")
}
