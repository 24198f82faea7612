package nodeclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"

	"github.com/cuemby/symphony/pkg/security"
	"github.com/cuemby/symphony/pkg/supervisor"
	"github.com/cuemby/symphony/pkg/types"
	"github.com/cuemby/symphony/pkg/wire"
)

// sharedNodeCertName mirrors pkg/conductor's sharedNodeCertName: every
// node authenticates with the one client certificate the conductor
// issued at bootstrap (spec §9 — identity comes from NodeHello.node_id,
// not the certificate subject).
const sharedNodeCertName = "shared"

// outboundQueueSize bounds the client's send queue; when it is full, the
// status report or log batch being queued is dropped rather than buffered
// without bound (spec §5's "no unbounded buffering").
const outboundQueueSize = 64

// Config configures a node's connection to its conductor.
type Config struct {
	ConductorAddr       string
	NodeID              string
	Groups              []string
	CapacitiesTotal     types.CapacityVector
	HeartbeatIntervalMS int64
	DataDir             string
}

// Client owns the single TLS+yamux connection a node keeps open to its
// conductor and drives both directions of the wire protocol.
type Client struct {
	cfg       Config
	logger    zerolog.Logger
	sup       *supervisor.Supervisor
	sampler   *resourceSampler
	tlsConn   *tls.Conn
	session   *yamux.Session
	stream    *yamux.Stream
	outbound  chan wire.Frame
	closeOnce sync.Once

	subsMu sync.Mutex
	subs   map[string]func()
}

// Dial establishes the mTLS connection, opens the session's one yamux
// stream, and sends the mandatory NodeHello (spec §4.1). The returned
// Client has not yet started its heartbeat/read loops — call Run for
// that.
func Dial(cfg Config, sup *supervisor.Supervisor, logger zerolog.Logger) (*Client, error) {
	nodeDir, err := security.GetCertDir("node", sharedNodeCertName)
	if err != nil {
		return nil, fmt.Errorf("nodeclient: resolve cert dir: %w", err)
	}
	cert, err := security.LoadCertFromFile(nodeDir)
	if err != nil {
		return nil, fmt.Errorf("nodeclient: load client certificate: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(nodeDir)
	if err != nil {
		return nil, fmt.Errorf("nodeclient: load CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	conn, err := tls.Dial("tcp", cfg.ConductorAddr, &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		ServerName:   "localhost",
		MinVersion:   tls.VersionTLS13,
	})
	if err != nil {
		return nil, fmt.Errorf("nodeclient: dial %s: %w", cfg.ConductorAddr, err)
	}

	sess, err := yamux.Client(conn, yamux.DefaultConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nodeclient: yamux handshake: %w", err)
	}

	stream, err := sess.Open()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("nodeclient: open stream: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		logger:   logger,
		sup:      sup,
		sampler:  newResourceSampler(cfg.DataDir),
		tlsConn:  conn,
		session:  sess,
		stream:   stream,
		outbound: make(chan wire.Frame, outboundQueueSize),
		subs:     make(map[string]func()),
	}

	hello, err := wire.Encode(wire.KindNodeHello, wire.NodeHello{
		NodeID:              cfg.NodeID,
		Groups:              cfg.Groups,
		CapacitiesTotal:     cfg.CapacitiesTotal,
		HeartbeatIntervalMS: cfg.HeartbeatIntervalMS,
		StaticResources:     c.sampler.sample(),
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("nodeclient: encode hello: %w", err)
	}
	if err := wire.WriteFrame(stream, hello); err != nil {
		c.Close()
		return nil, fmt.Errorf("nodeclient: send hello: %w", err)
	}

	return c, nil
}

// SendStatus pushes an immediate out-of-band status report (spec §4.7,
// "state changes ... are also pushed immediately"), used as the
// supervisor's StatusFunc. It never blocks: when the outbound queue is
// full the report is dropped rather than stalling the instance goroutine
// that reports it.
func (c *Client) SendStatus(st types.DeploymentStatus) {
	f, err := wire.Encode(wire.KindDeploymentStatusList, wire.DeploymentStatusList{
		NodeID:   c.cfg.NodeID,
		Statuses: []types.DeploymentStatus{st},
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("encode status report")
		return
	}
	select {
	case c.outbound <- f:
	default:
		c.logger.Warn().Str("deployment_id", st.DeploymentID).Msg("dropped status report: outbound queue full")
	}
}

// Run drives the connection until ctx is cancelled or the stream fails,
// whichever comes first. It always returns (never panics on a closed
// stream) so callers can reconnect in a loop.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	go func() { errCh <- c.readLoop(ctx) }()
	go func() { errCh <- c.writeLoop(ctx) }()

	select {
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	case err := <-errCh:
		c.Close()
		return err
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		f, err := wire.ReadFrame(c.stream)
		if err != nil {
			return fmt.Errorf("nodeclient: read frame: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f wire.Frame) {
	switch f.Kind {
	case wire.KindDeploymentReq:
		var req wire.DeploymentReq
		if err := wire.Decode(f, &req); err != nil {
			c.logger.Warn().Err(err).Msg("malformed deployment request")
			return
		}
		if err := c.sup.Handle(req); err != nil {
			c.logger.Error().Err(err).Str("deployment_id", req.DeploymentID).Msg("deployment request failed")
		}
	case wire.KindDeploymentCancel:
		var cancel wire.DeploymentCancel
		if err := wire.Decode(f, &cancel); err != nil {
			c.logger.Warn().Err(err).Msg("malformed cancel")
			return
		}
		c.sup.Cancel(cancel.DeploymentID)
	case wire.KindLogSubscribe:
		var sub wire.LogSubscribe
		if err := wire.Decode(f, &sub); err != nil {
			c.logger.Warn().Err(err).Msg("malformed log subscribe")
			return
		}
		c.startLogForward(sub.DeploymentID, sub.Tail)
	case wire.KindLogUnsubscribe:
		var unsub wire.LogUnsubscribe
		if err := wire.Decode(f, &unsub); err != nil {
			c.logger.Warn().Err(err).Msg("malformed log unsubscribe")
			return
		}
		c.stopLogForward(unsub.DeploymentID)
	case wire.KindPong:
		// liveness only; nothing to act on.
	default:
		c.logger.Warn().Str("kind", string(f.Kind)).Msg("unexpected frame from conductor")
	}
}

// startLogForward backfills up to tail retained lines, then streams every
// subsequent line for deploymentID as LogBatch frames until the
// subscription is cancelled or the connection closes.
func (c *Client) startLogForward(deploymentID string, tail int) {
	c.subsMu.Lock()
	if _, active := c.subs[deploymentID]; active {
		c.subsMu.Unlock()
		return
	}
	ch, unsub, ok := c.sup.SubscribeLogs(deploymentID)
	if !ok {
		c.subsMu.Unlock()
		return
	}
	done := make(chan struct{})
	c.subs[deploymentID] = func() { close(done); unsub() }
	c.subsMu.Unlock()

	if tail > 0 {
		c.sendLogBatch(deploymentID, c.sup.Logs(deploymentID, tail))
	}

	go func() {
		for {
			select {
			case <-done:
				return
			case entry, open := <-ch:
				if !open {
					return
				}
				c.sendLogBatch(deploymentID, []types.LogEntry{entry})
			}
		}
	}()
}

func (c *Client) stopLogForward(deploymentID string) {
	c.subsMu.Lock()
	cancel, ok := c.subs[deploymentID]
	if ok {
		delete(c.subs, deploymentID)
	}
	c.subsMu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Client) sendLogBatch(deploymentID string, entries []types.LogEntry) {
	if len(entries) == 0 {
		return
	}
	f, err := wire.Encode(wire.KindLogBatch, wire.LogBatch{DeploymentID: deploymentID, Entries: entries})
	if err != nil {
		c.logger.Error().Err(err).Msg("encode log batch")
		return
	}
	select {
	case c.outbound <- f:
	default:
		c.logger.Warn().Str("deployment_id", deploymentID).Msg("dropped log batch: outbound queue full")
	}
}

func (c *Client) writeLoop(ctx context.Context) error {
	interval := time.Duration(c.cfg.HeartbeatIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.sendHeartbeat(); err != nil {
				return err
			}
		case f := <-c.outbound:
			if err := wire.WriteFrame(c.stream, f); err != nil {
				return fmt.Errorf("nodeclient: write frame: %w", err)
			}
		}
	}
}

func (c *Client) sendHeartbeat() error {
	f, err := wire.Encode(wire.KindHeartbeat, wire.Heartbeat{
		NodeID:          c.cfg.NodeID,
		TimestampMS:     time.Now().UnixMilli(),
		Resources:       c.sampler.sample(),
		DeploymentStats: c.sup.Statuses(),
	})
	if err != nil {
		return fmt.Errorf("nodeclient: encode heartbeat: %w", err)
	}
	return wire.WriteFrame(c.stream, f)
}

// Close tears down the stream and session. Safe to call more than once
// and from Run's own error path.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.stream.Close()
		c.session.Close()
	})
}
