package conductor

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/symphony/pkg/security"
	"github.com/cuemby/symphony/pkg/session"
	"github.com/cuemby/symphony/pkg/types"
	"github.com/cuemby/symphony/pkg/wire"
)

func TestSessionTablePutGetRemove(t *testing.T) {
	tbl := newSessionTable()

	_, ok := tbl.get("node-a")
	require.False(t, ok)
	require.False(t, tbl.SendToNode("node-a", wire.Frame{}))

	tbl.put("node-a", nil)
	_, ok = tbl.get("node-a")
	require.True(t, ok)

	tbl.remove("node-a", nil)
	_, ok = tbl.get("node-a")
	require.False(t, ok)
}

func TestSessionTableReplaceSurvivesStaleRemove(t *testing.T) {
	tbl := newSessionTable()
	first := &session.Session{}
	second := &session.Session{}

	tbl.put("node-a", first)
	tbl.put("node-a", second) // simulates a fast reconnect installing a newer session

	// The stale disconnect handler for the first session must not evict
	// the second, newer one.
	tbl.remove("node-a", first)
	got, ok := tbl.get("node-a")
	require.True(t, ok)
	require.Same(t, second, got)

	tbl.remove("node-a", second)
	_, ok = tbl.get("node-a")
	require.False(t, ok)
}

// newTestConductor builds a Conductor bound to a loopback port with its
// data directory under t.TempDir. Certificates are still bootstrapped
// under the real home directory, matching the cert-path tests already in
// this corpus (pkg/security/certs_test.go asserts on GetCertDir's shape
// without isolating $HOME); RemoveCerts cleans them up on test exit.
func newTestConductor(t *testing.T) *Conductor {
	t.Helper()

	conductorID := fmt.Sprintf("test-%d", time.Now().UnixNano())
	cfg := Config{
		NodeListenAddr: "127.0.0.1:0",
		DataDir:        t.TempDir(),
		ConductorID:    conductorID,
	}

	c, err := New(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		c.Shutdown()
		if dir, err := security.GetCertDir("conductor", conductorID); err == nil {
			security.RemoveCerts(dir)
		}
		if dir, err := security.GetCertDir("node", sharedNodeCertName); err == nil {
			security.RemoveCerts(dir)
		}
	})

	require.NoError(t, c.Start())
	return c
}

// dialNode opens a TLS+yamux client session against c using the shared
// node client certificate bootstrapCA already issued, and returns the
// single stream the real node-side code would use to send NodeHello.
func dialNode(t *testing.T, c *Conductor) (*yamux.Session, net.Conn) {
	t.Helper()

	nodeDir, err := security.GetCertDir("node", sharedNodeCertName)
	require.NoError(t, err)

	cert, err := security.LoadCertFromFile(nodeDir)
	require.NoError(t, err)

	caCert, err := security.LoadCACertFromFile(nodeDir)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	conn, err := tls.Dial("tcp", c.Addr(), &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		ServerName:   "localhost",
		MinVersion:   tls.VersionTLS13,
	})
	require.NoError(t, err)

	client, err := yamux.Client(conn, yamux.DefaultConfig())
	require.NoError(t, err)

	stream, err := client.Open()
	require.NoError(t, err)

	return client, stream
}

func sendHello(t *testing.T, stream net.Conn, nodeID string) {
	t.Helper()
	f, err := wire.Encode(wire.KindNodeHello, wire.NodeHello{
		NodeID:              nodeID,
		Groups:              []string{"default"},
		CapacitiesTotal:     types.CapacityVector{"cpu": 4, "memory": 8192},
		HeartbeatIntervalMS: 1000,
	})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(stream, f))
}

func TestConductorAcceptsNodeAndTracksHeartbeat(t *testing.T) {
	c := newTestConductor(t)

	client, stream := dialNode(t, c)
	defer client.Close()
	defer stream.Close()

	sendHello(t, stream, "node-1")

	require.Eventually(t, func() bool {
		n, ok := c.Registry().Get("node-1")
		return ok && n.ConnState == types.NodeConnected
	}, 2*time.Second, 10*time.Millisecond)

	hb, err := wire.Encode(wire.KindHeartbeat, wire.Heartbeat{
		NodeID:      "node-1",
		TimestampMS: time.Now().UnixMilli(),
		Resources:   types.ResourceSnapshot{CPUPercent: 12.5},
	})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(stream, hb))

	require.Eventually(t, func() bool {
		n, ok := c.Registry().Get("node-1")
		return ok && n.Resources.CPUPercent == 12.5
	}, 2*time.Second, 10*time.Millisecond)

	reply, err := wire.ReadFrame(stream)
	require.NoError(t, err)
	require.Equal(t, wire.KindPong, reply.Kind)
}

func TestConductorRejectsDuplicateNodeID(t *testing.T) {
	c := newTestConductor(t)

	client1, stream1 := dialNode(t, c)
	defer client1.Close()
	defer stream1.Close()
	sendHello(t, stream1, "dup-node")

	require.Eventually(t, func() bool {
		n, ok := c.Registry().Get("dup-node")
		return ok && n.ConnState == types.NodeConnected
	}, 2*time.Second, 10*time.Millisecond)

	client2, stream2 := dialNode(t, c)
	defer client2.Close()
	defer stream2.Close()
	sendHello(t, stream2, "dup-node")

	// The second session's stream must be closed by the conductor once
	// registry.Register rejects the conflicting id.
	stream2.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err := stream2.Read(buf)
	require.Error(t, err)
}

func TestConductorDisconnectReleasesRegistryAndLedger(t *testing.T) {
	c := newTestConductor(t)

	client, stream := dialNode(t, c)
	sendHello(t, stream, "node-gone")

	require.Eventually(t, func() bool {
		n, ok := c.Registry().Get("node-gone")
		return ok && n.ConnState == types.NodeConnected
	}, 2*time.Second, 10*time.Millisecond)

	client.Close()

	require.Eventually(t, func() bool {
		n, ok := c.Registry().Get("node-gone")
		return ok && n.ConnState == types.NodeDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	_, err := c.Ledger().Total("node-gone")
	require.Error(t, err, "ledger entry must be removed on node disconnect")
}

func TestConductorMarksRegistryStaleOnSilenceAndExcludesFromPlacement(t *testing.T) {
	c := newTestConductor(t)

	client, stream := dialNode(t, c)
	defer client.Close()
	defer stream.Close()

	f, err := wire.Encode(wire.KindNodeHello, wire.NodeHello{
		NodeID:              "quiet-node",
		Groups:              []string{"default"},
		CapacitiesTotal:     types.CapacityVector{"cpu": 4},
		HeartbeatIntervalMS: 100,
	})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(stream, f))

	require.Eventually(t, func() bool {
		n, ok := c.Registry().Get("quiet-node")
		return ok && n.ConnState == types.NodeConnected
	}, 2*time.Second, 10*time.Millisecond)

	initiallyPresent := false
	for _, n := range c.Registry().NodesInGroup("default") {
		if n.ID == "quiet-node" {
			initiallyPresent = true
		}
	}
	require.True(t, initiallyPresent, "a freshly connected node must be a placement candidate")

	// Send nothing further: after 3x the 100ms heartbeat interval the
	// watchdog must flip the session stale, and the conductor must bridge
	// that into the registry so the scheduler stops offering it.
	require.Eventually(t, func() bool {
		n, ok := c.Registry().Get("quiet-node")
		return ok && n.ConnState == types.NodeStale
	}, 2*time.Second, 10*time.Millisecond)

	for _, n := range c.Registry().NodesInGroup("default") {
		require.NotEqual(t, "quiet-node", n.ID, "a stale node must not be offered for new placements")
	}

	// A fresh heartbeat un-stales it.
	hb, err := wire.Encode(wire.KindHeartbeat, wire.Heartbeat{
		NodeID:      "quiet-node",
		TimestampMS: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(stream, hb))

	require.Eventually(t, func() bool {
		n, ok := c.Registry().Get("quiet-node")
		return ok && n.ConnState == types.NodeConnected
	}, 2*time.Second, 10*time.Millisecond)

	found := false
	for _, n := range c.Registry().NodesInGroup("default") {
		if n.ID == "quiet-node" {
			found = true
		}
	}
	require.True(t, found, "a re-heartbeated node must rejoin the candidate pool")
}

func TestApplyStatusPublishesFailedEvent(t *testing.T) {
	c := newTestConductor(t)

	d := &types.Deployment{
		ID:           "dep-1",
		Name:         "dep-1",
		DesiredState: types.DesiredRunning,
		CurrentState: types.CurrentRunning,
	}
	require.NoError(t, c.store.CreateDeployment(d))

	sub := c.broker.Subscribe()
	defer c.broker.Unsubscribe(sub)

	c.applyStatus(types.DeploymentStatus{
		DeploymentID:  "dep-1",
		CurrentState:  types.CurrentFailed,
		RevisionAcked: 1,
	})

	select {
	case evt := <-sub:
		require.Equal(t, "dep-1", evt.Metadata["deployment_id"])
		require.Equal(t, string(types.CurrentFailed), evt.Metadata["current_state"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected a deployment-failed event to be published")
	}

	got, err := c.store.GetDeployment("dep-1")
	require.NoError(t, err)
	require.Equal(t, types.CurrentFailed, got.CurrentState)
}

func TestApplyStatusIgnoresUnknownDeployment(t *testing.T) {
	c := newTestConductor(t)

	// Must not panic or block even though "missing" was never created —
	// a status report can race a reap that already removed the record.
	c.applyStatus(types.DeploymentStatus{DeploymentID: "missing", CurrentState: types.CurrentStopped})
}
