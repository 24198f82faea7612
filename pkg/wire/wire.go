// Package wire implements the framed message protocol carried over the
// node⇄conductor bidirectional stream (spec §4.1, §6). One TLS connection
// per node carries one yamux.Session; wire frames are length-delimited
// msgpack envelopes sent over the single stream that session opens.
//
// This is the semantic equivalent of the reference gRPC mapping named in
// spec §6 ("a single streaming RPC Connect(stream NodeToConductor) returns
// (stream ConductorToNode)"): same handshake, same ordering, same
// backpressure guarantees, built on hashicorp/yamux + hashicorp/go-msgpack
// instead of generated protobuf code.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/cuemby/symphony/pkg/types"
)

// Kind identifies the payload carried by a Frame.
type Kind string

const (
	KindNodeHello            Kind = "NodeHello"
	KindHeartbeat            Kind = "Heartbeat"
	KindDeploymentStatusList Kind = "DeploymentStatusList"
	KindLogBatch             Kind = "LogBatch"
	KindDeploymentReq        Kind = "DeploymentReq"
	KindDeploymentCancel     Kind = "DeploymentCancel"
	KindPong                 Kind = "Pong"
	KindLogSubscribe         Kind = "LogSubscribe"
	KindLogUnsubscribe       Kind = "LogUnsubscribe"
)

// Frame is the envelope exchanged in both directions over the stream.
// Payload is the msgpack encoding of one of the message types below,
// selected by Kind.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// maxFrameSize bounds a single frame's payload to guard against a
// malformed peer driving unbounded allocation (spec §5: "no unbounded
// in-memory buffering is permitted on any hot path").
const maxFrameSize = 16 << 20 // 16MiB, generous for a LogBatch

var handle = &codec.MsgpackHandle{}

// NodeHello is the mandatory first node→conductor frame (spec §4.1).
type NodeHello struct {
	NodeID              string
	Groups              []string
	CapacitiesTotal      types.CapacityVector
	HeartbeatIntervalMS int64
	StaticResources      types.ResourceSnapshot
}

// Heartbeat carries live resource state and per-deployment current state.
type Heartbeat struct {
	NodeID          string
	TimestampMS     int64
	Resources       types.ResourceSnapshot
	DeploymentStats []types.DeploymentStatus
}

// DeploymentStatusList reports out-of-band state changes between
// heartbeats ("State changes ... are also pushed immediately", spec §4.7).
type DeploymentStatusList struct {
	NodeID   string
	Statuses []types.DeploymentStatus
}

// LogBatch carries one or more ordered log lines for a single deployment.
type LogBatch struct {
	DeploymentID string
	Entries      []types.LogEntry
}

// DeploymentCommandKind selects the action a DeploymentReq carries.
type DeploymentCommandKind string

const (
	CommandStart  DeploymentCommandKind = "START"
	CommandUpdate DeploymentCommandKind = "UPDATE"
	CommandStop   DeploymentCommandKind = "STOP"
)

// DeploymentReq is a conductor→node placement/update/stop command (spec
// §4.1, §4.6). Revision gates node-side idempotence (spec §4.6: nodes
// ignore commands whose revision is <= the locally-acked one, except
// STOP which always applies).
type DeploymentReq struct {
	DeploymentID  string
	Command       DeploymentCommandKind
	SpecRevision  int64
	Specification types.Specification
}

// DeploymentCancel tells the node to tear down a deleted deployment
// unconditionally.
type DeploymentCancel struct {
	DeploymentID string
}

// Pong answers a node's Heartbeat as a liveness acknowledgement.
type Pong struct {
	TimestampMS int64
}

// LogSubscribe requests the node start forwarding log lines for a
// deployment, optionally backfilling the last N entries.
type LogSubscribe struct {
	DeploymentID string
	Tail         int
}

// LogUnsubscribe cancels a previously issued LogSubscribe.
type LogUnsubscribe struct {
	DeploymentID string
}

// Encode marshals v as msgpack and wraps it in a Frame of the given kind.
func Encode(kind Kind, v interface{}) (Frame, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, handle)
	if err := enc.Encode(v); err != nil {
		return Frame{}, fmt.Errorf("wire: encode %s: %w", kind, err)
	}
	return Frame{Kind: kind, Payload: buf}, nil
}

// Decode unmarshals a Frame's payload into v, which must be a pointer to
// the type matching the Frame's Kind.
func Decode(f Frame, v interface{}) error {
	dec := codec.NewDecoderBytes(f.Payload, handle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("wire: decode %s: %w", f.Kind, err)
	}
	return nil
}

// WriteFrame writes a length-delimited frame to w: a 4-byte big-endian
// kind-length, the kind string, a 4-byte big-endian payload length, then
// the payload bytes.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > maxFrameSize {
		return fmt.Errorf("wire: frame payload %d exceeds max %d", len(f.Payload), maxFrameSize)
	}

	kindBytes := []byte(f.Kind)
	var header [4]byte

	binary.BigEndian.PutUint32(header[:], uint32(len(kindBytes)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write kind length: %w", err)
	}
	if _, err := w.Write(kindBytes); err != nil {
		return fmt.Errorf("wire: write kind: %w", err)
	}

	binary.BigEndian.PutUint32(header[:], uint32(len(f.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write payload length: %w", err)
	}
	if _, err := w.Write(f.Payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-delimited frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [4]byte

	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("wire: read kind length: %w", err)
	}
	kindLen := binary.BigEndian.Uint32(header[:])
	if kindLen > 256 {
		return Frame{}, fmt.Errorf("wire: kind length %d exceeds sane bound", kindLen)
	}
	kindBytes := make([]byte, kindLen)
	if _, err := io.ReadFull(r, kindBytes); err != nil {
		return Frame{}, fmt.Errorf("wire: read kind: %w", err)
	}

	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("wire: read payload length: %w", err)
	}
	payloadLen := binary.BigEndian.Uint32(header[:])
	if payloadLen > maxFrameSize {
		return Frame{}, fmt.Errorf("wire: payload length %d exceeds max %d", payloadLen, maxFrameSize)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("wire: read payload: %w", err)
	}

	return Frame{Kind: Kind(kindBytes), Payload: payload}, nil
}
