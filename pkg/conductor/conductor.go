package conductor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/symphony/pkg/capacity"
	"github.com/cuemby/symphony/pkg/events"
	"github.com/cuemby/symphony/pkg/log"
	"github.com/cuemby/symphony/pkg/metrics"
	"github.com/cuemby/symphony/pkg/reconciler"
	"github.com/cuemby/symphony/pkg/registry"
	"github.com/cuemby/symphony/pkg/security"
	"github.com/cuemby/symphony/pkg/session"
	"github.com/cuemby/symphony/pkg/store"
	"github.com/cuemby/symphony/pkg/types"
	"github.com/cuemby/symphony/pkg/wire"
)

// sharedNodeCertName is the stable identity the one client certificate
// shared by every node is issued and saved under (spec.md §9: node identity
// is asserted by NodeHello.node_id, not per-node certificate subject).
const sharedNodeCertName = "shared"

// Config configures a Conductor process.
type Config struct {
	NodeListenAddr string // default ":50051" (spec §6)
	DataDir        string
	ConductorID    string
	AdvertiseDNS   []string
	AdvertiseIPs   []net.IP
}

// Conductor owns every long-running conductor-side component and the node
// session listener.
type Conductor struct {
	cfg    Config
	logger zerolog.Logger

	store      *store.Store
	registry   *registry.Registry
	ledger     *capacity.Ledger
	broker     *events.Broker
	reconciler *reconciler.Reconciler
	collector  *metrics.Collector
	ca         *security.CertAuthority
	sessions   *sessionTable

	listener net.Listener
	stopCh   chan struct{}
	fatalCh  chan error
	ctx      context.Context
	cancel   context.CancelFunc
}

// New constructs a Conductor, opening the store and bootstrapping the CA,
// but does not yet bind the node listener (see Start).
func New(cfg Config) (*Conductor, error) {
	if cfg.NodeListenAddr == "" {
		cfg.NodeListenAddr = ":50051"
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("conductor: open store: %w", err)
	}

	broker := events.NewBroker()
	reg := registry.NewRegistry(broker)
	ledger := capacity.NewLedger()
	sessions := newSessionTable()
	fatalCh := make(chan error, 1)
	recon := reconciler.New(st, reg, ledger, sessions, broker, func(err error) {
		select {
		case fatalCh <- err:
		default:
		}
	})
	collector := metrics.NewCollector(reg, st, ledger)
	ctx, cancel := context.WithCancel(context.Background())

	c := &Conductor{
		cfg:        cfg,
		logger:     log.WithComponent("conductor"),
		store:      st,
		registry:   reg,
		ledger:     ledger,
		broker:     broker,
		reconciler: recon,
		collector:  collector,
		sessions:   sessions,
		stopCh:     make(chan struct{}),
		fatalCh:    fatalCh,
		ctx:        ctx,
		cancel:     cancel,
	}

	if err := c.bootstrapCA(); err != nil {
		st.Close()
		return nil, fmt.Errorf("conductor: bootstrap CA: %w", err)
	}

	metrics.RegisterComponent("store", true, "open")
	metrics.RegisterComponent("registry", true, "ready")

	return c, nil
}

// bootstrapCA loads the CA root from the store, generating and persisting
// one on first boot, then issues and saves the conductor's own server
// certificate and the one client certificate shared by every node
// (mirroring the teacher's initializeCA order: check → load → else
// initialize+save → issue this process's own leaf cert).
func (c *Conductor) bootstrapCA() error {
	ca := security.NewCertAuthority(c.store)

	if err := ca.LoadFromStore(); err != nil {
		if err := ca.Initialize(); err != nil {
			return fmt.Errorf("initialize root CA: %w", err)
		}
		if err := ca.SaveToStore(); err != nil {
			return fmt.Errorf("persist root CA: %w", err)
		}
	}
	c.ca = ca

	dnsNames := append([]string{"localhost"}, c.cfg.AdvertiseDNS...)
	ips := append([]net.IP{net.ParseIP("127.0.0.1")}, c.cfg.AdvertiseIPs...)

	serverCert, err := ca.IssueServerCertificate(dnsNames, ips)
	if err != nil {
		return fmt.Errorf("issue server certificate: %w", err)
	}
	serverDir, err := security.GetCertDir("conductor", c.cfg.ConductorID)
	if err != nil {
		return fmt.Errorf("resolve conductor cert dir: %w", err)
	}
	if err := security.SaveCertToFile(serverCert, serverDir); err != nil {
		return fmt.Errorf("save server certificate: %w", err)
	}
	if err := security.SaveCACertToFile(ca.GetRootCACert(), serverDir); err != nil {
		return fmt.Errorf("save CA certificate: %w", err)
	}

	nodeCert, err := ca.IssueNodeCertificate()
	if err != nil {
		return fmt.Errorf("issue shared node certificate: %w", err)
	}
	nodeDir, err := security.GetCertDir("node", sharedNodeCertName)
	if err != nil {
		return fmt.Errorf("resolve node cert dir: %w", err)
	}
	if err := security.SaveCertToFile(nodeCert, nodeDir); err != nil {
		return fmt.Errorf("save shared node certificate: %w", err)
	}
	return security.SaveCACertToFile(ca.GetRootCACert(), nodeDir)
}

// tlsConfig builds the mTLS listener configuration: the conductor's own
// server certificate, requiring and verifying a client certificate issued
// by the same root (spec §6: "both sides present X.509 certificates").
func (c *Conductor) tlsConfig() (*tls.Config, error) {
	serverDir, err := security.GetCertDir("conductor", c.cfg.ConductorID)
	if err != nil {
		return nil, err
	}
	cert, err := security.LoadCertFromFile(serverDir)
	if err != nil {
		return nil, fmt.Errorf("load conductor certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(c.ca.GetRootCACert())
	if err != nil {
		return nil, fmt.Errorf("parse root CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(rootCert)

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Start binds the node listener and launches the reconciler, broker, and
// metrics collector. It returns once the listener is bound; the accept
// loop runs in the background until Shutdown.
func (c *Conductor) Start() error {
	tlsCfg, err := c.tlsConfig()
	if err != nil {
		return fmt.Errorf("conductor: build tls config: %w", err)
	}

	lis, err := tls.Listen("tcp", c.cfg.NodeListenAddr, tlsCfg)
	if err != nil {
		return fmt.Errorf("conductor: listen on %s: %w", c.cfg.NodeListenAddr, err)
	}
	c.listener = lis

	c.broker.Start()
	c.reconciler.Start()
	c.collector.Start()
	metrics.RegisterComponent("session-listener", true, "listening on "+c.cfg.NodeListenAddr)

	go c.acceptLoop()

	c.logger.Info().Str("addr", c.cfg.NodeListenAddr).Msg("conductor node listener started")
	return nil
}

// Addr returns the bound listener address. Only valid after Start.
func (c *Conductor) Addr() string {
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Fatal yields a conductor-wide invariant violation (I1/I2, spec §6/§7
// exit code 2) the moment the reconciler's per-cycle audit finds one. The
// conductor keeps running after a send; it's on the caller (cmd/symphony)
// to drain this alongside its shutdown signal and decide when to stop.
func (c *Conductor) Fatal() <-chan error {
	return c.fatalCh
}

// Shutdown stops accepting new node connections, drains the reconciler,
// broker and metrics collector, closes every live session, then closes
// the store — the order the teacher's Manager.Shutdown uses.
func (c *Conductor) Shutdown() error {
	close(c.stopCh)
	c.cancel()
	if c.listener != nil {
		c.listener.Close()
	}

	c.reconciler.Stop()
	c.collector.Stop()
	c.broker.Stop()

	c.sessions.mu.Lock()
	for _, s := range c.sessions.sessions {
		s.Close()
	}
	c.sessions.mu.Unlock()

	return c.store.Close()
}

func (c *Conductor) acceptLoop() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
				c.logger.Warn().Err(err).Msg("accept error")
				continue
			}
		}
		go c.handleConn(conn)
	}
}

func (c *Conductor) handleConn(conn net.Conn) {
	yconn, stream, err := session.Accept(conn)
	if err != nil {
		c.logger.Warn().Err(err).Msg("yamux handshake failed")
		conn.Close()
		return
	}

	hello, err := session.ReadHello(stream)
	if err != nil {
		c.logger.Warn().Err(err).Msg("node hello failed")
		stream.Close()
		yconn.Close()
		return
	}

	node := &types.Node{
		ID:                  hello.NodeID,
		Groups:              hello.Groups,
		CapacitiesTotal:     hello.CapacitiesTotal,
		HeartbeatIntervalMS: hello.HeartbeatIntervalMS,
		Resources:           hello.StaticResources,
		CreatedAtMS:         time.Now().UnixMilli(),
	}

	if err := c.registry.Register(node); err != nil {
		c.logger.Warn().Err(err).Str("node_id", node.ID).Msg("node registration rejected")
		stream.Close()
		yconn.Close()
		return
	}
	c.ledger.RegisterNode(node.ID, node.CapacitiesTotal)

	sess := session.New(yconn, stream, c.handleInbound, c.onDisconnect, c.onStale)
	sess.Bind(node.ID, hello.HeartbeatIntervalMS)
	c.sessions.put(node.ID, sess)
	c.reconciler.Notify()

	c.logger.Info().Str("node_id", node.ID).Strs("groups", node.Groups).Msg("node session established")
	sess.Run(c.ctx)
}

func (c *Conductor) onDisconnect(nodeID, reason string) {
	if sess, ok := c.sessions.get(nodeID); ok {
		c.sessions.remove(nodeID, sess)
	}
	c.registry.Deregister(nodeID, reason)
	c.ledger.RemoveNode(nodeID)
	c.reconciler.Notify()
}

// onStale bridges a session's local silence detection to the registry so
// NodesInGroup (and therefore the scheduler) stops offering the node for
// new placements the moment it goes quiet, rather than waiting for the
// full disconnect threshold (spec §4.1, §4.2). The node rejoins the
// candidate pool automatically: registry.Touch restores Connected on its
// next heartbeat.
func (c *Conductor) onStale(nodeID string) {
	c.registry.MarkStale(nodeID)
	c.reconciler.Notify()
}

func (c *Conductor) handleInbound(in session.Inbound) {
	switch in.Frame.Kind {
	case wire.KindHeartbeat:
		c.handleHeartbeat(in.Frame)
	case wire.KindDeploymentStatusList:
		c.handleStatusList(in.Frame)
	case wire.KindLogBatch:
		c.handleLogBatch(in.Frame)
	default:
		c.logger.Warn().Str("kind", string(in.Frame.Kind)).Msg("unexpected frame from node")
	}
}

func (c *Conductor) handleHeartbeat(f wire.Frame) {
	var hb wire.Heartbeat
	if err := wire.Decode(f, &hb); err != nil {
		c.logger.Warn().Err(err).Msg("malformed heartbeat")
		return
	}

	c.registry.Touch(hb.NodeID, hb.TimestampMS, hb.Resources)
	for _, st := range hb.DeploymentStats {
		c.applyStatus(st)
	}

	if sess, ok := c.sessions.get(hb.NodeID); ok {
		pong, err := wire.Encode(wire.KindPong, wire.Pong{TimestampMS: hb.TimestampMS})
		if err == nil {
			sess.Send(pong)
		}
	}
}

func (c *Conductor) handleStatusList(f wire.Frame) {
	var list wire.DeploymentStatusList
	if err := wire.Decode(f, &list); err != nil {
		c.logger.Warn().Err(err).Msg("malformed status list")
		return
	}
	for _, st := range list.Statuses {
		c.applyStatus(st)
	}
	c.reconciler.Notify()
}

func (c *Conductor) applyStatus(st types.DeploymentStatus) {
	c.reconciler.AckCommand(st.DeploymentID, st.RevisionAcked)

	_, err := c.store.UpdateDeployment(st.DeploymentID, func(d *types.Deployment) error {
		d.CurrentState = st.CurrentState
		if st.RevisionAcked > d.RevisionAcked {
			d.RevisionAcked = st.RevisionAcked
		}
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Error().Err(err).Str("deployment_id", st.DeploymentID).Msg("failed to persist status report")
		return
	}
	if err == nil {
		evt := events.EventDeploymentUpdated
		if st.CurrentState == types.CurrentFailed {
			evt = events.EventDeploymentFailed
		}
		c.broker.Publish(&events.Event{Type: evt, Message: st.DeploymentID, Metadata: map[string]string{
			"deployment_id": st.DeploymentID,
			"current_state": string(st.CurrentState),
		}})
	}
}

func (c *Conductor) handleLogBatch(f wire.Frame) {
	var batch wire.LogBatch
	if err := wire.Decode(f, &batch); err != nil {
		c.logger.Warn().Err(err).Msg("malformed log batch")
		return
	}
	for _, entry := range batch.Entries {
		c.broker.Publish(&events.Event{
			Type:      events.EventLogLine,
			Timestamp: time.UnixMilli(entry.TimestampUnixMS),
			Message:   entry.Line,
			Metadata: map[string]string{
				"deployment_id": batch.DeploymentID,
				"stream":        string(entry.Stream),
			},
		})
	}
}

// Store, Registry, Ledger and Broker expose the narrow surface pkg/api
// needs without handing out the whole Conductor.
func (c *Conductor) Store() *store.Store {
	return c.store
}

func (c *Conductor) Registry() *registry.Registry {
	return c.registry
}

func (c *Conductor) Ledger() *capacity.Ledger {
	return c.ledger
}

func (c *Conductor) Broker() *events.Broker {
	return c.broker
}

func (c *Conductor) SendToNode(nodeID string, f wire.Frame) bool {
	return c.sessions.SendToNode(nodeID, f)
}

// Notify wakes the reconciler immediately instead of waiting for its next
// periodic sweep, for callers (pkg/api) that just changed desired state.
func (c *Conductor) Notify() {
	c.reconciler.Notify()
}
