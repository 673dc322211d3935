package rpc

import (
	"time"

	"github.com/keboola/osiris/internal/ir"
)

// ProtocolVersion is exchanged in session.start and its acknowledgement.
const ProtocolVersion = 1

// Type names a message kind.
type Type string

const (
	// Host -> worker.
	TypeSessionStart Type = "session.start"
	TypeStepDispatch Type = "step.dispatch"
	TypeArtifactPull Type = "artifact.pull"

	// Worker -> host.
	TypeSessionAck    Type = "session.ack"
	TypeEventEmit     Type = "event.emit"
	TypeMetricEmit    Type = "metric.emit"
	TypeStepResult    Type = "step.result"
	TypeArtifactChunk Type = "artifact.chunk"
	TypeArtifactDone  Type = "artifact.done"

	// Either direction.
	TypeSessionEnd Type = "session.end"
)

// Message is the envelope of every frame.
type Message struct {
	Type      Type       `cbor:"type"`
	SessionID string     `cbor:"session_id"`
	Seq       uint64     `cbor:"seq"`
	Payload   RawMessage `cbor:"payload,omitempty"`
}

// SessionStart opens a session. Secrets are listed by name only.
type SessionStart struct {
	ProtocolVersion    int         `cbor:"protocol_version"`
	RunID              string      `cbor:"run_id"`
	Manifest           ir.Manifest `cbor:"manifest"`
	SecretPlaceholders []string    `cbor:"secret_placeholders"`
	Compression        string      `cbor:"compression"`
	ChunkSize          int         `cbor:"chunk_size"`
}

// SessionAck answers SessionStart.
type SessionAck struct {
	ProtocolVersion int    `cbor:"protocol_version"`
	WorkerVersion   string `cbor:"worker_version"`
	Host            string `cbor:"host,omitempty"`
	PID             int    `cbor:"pid,omitempty"`
}

// StepDispatch asks the worker to run one step. Inputs are references to
// outputs the worker produced earlier in the session.
type StepDispatch struct {
	Step ir.ManifestStep `cbor:"step"`
}

// EventEmit relays one event. Seq and run id are assigned by the host.
type EventEmit struct {
	Timestamp time.Time      `cbor:"ts"`
	Type      string         `cbor:"event"`
	StepID    string         `cbor:"step_id,omitempty"`
	Fields    map[string]any `cbor:"fields,omitempty"`
}

// MetricEmit relays one metric.
type MetricEmit struct {
	Timestamp time.Time         `cbor:"ts"`
	Name      string            `cbor:"metric"`
	Value     float64           `cbor:"value"`
	StepID    string            `cbor:"step_id,omitempty"`
	Tags      map[string]string `cbor:"tags,omitempty"`
}

// StepResult ends a dispatched step.
type StepResult struct {
	StepID       string             `cbor:"step_id"`
	Status       string             `cbor:"status"`
	DurationMS   int64              `cbor:"duration_ms"`
	Metrics      map[string]float64 `cbor:"metrics,omitempty"`
	Outputs      []string           `cbor:"outputs,omitempty"`
	ErrorCode    string             `cbor:"error_code,omitempty"`
	ErrorMessage string             `cbor:"error_message,omitempty"`
}

// ArtifactPull asks the worker to stream its artifacts.
type ArtifactPull struct {
	// Files restricts the transfer; empty means every artifact.
	Files []string `cbor:"files,omitempty"`
	// Attempt is echoed on every chunk and on artifact.done, so frames
	// left over from an abandoned transfer can be told apart.
	Attempt int `cbor:"attempt,omitempty"`
}

// ArtifactChunk carries part of one file. Digest is the BLAKE3 hex digest
// of the uncompressed chunk.
type ArtifactChunk struct {
	Path        string `cbor:"path"`
	Offset      int64  `cbor:"offset"`
	Size        int    `cbor:"size"`
	Compression string `cbor:"compression"`
	Data        []byte `cbor:"data"`
	Digest      string `cbor:"digest"`
	Final       bool   `cbor:"final,omitempty"`
	Attempt     int    `cbor:"attempt,omitempty"`
}

// ArtifactDone ends an artifact transfer.
type ArtifactDone struct {
	Files   []string `cbor:"files"`
	Bytes   int64    `cbor:"bytes"`
	Attempt int      `cbor:"attempt,omitempty"`
}

// SessionEnd closes the session. A non-empty Code reports a worker-side
// failure outside any step.
type SessionEnd struct {
	Reason  string `cbor:"reason,omitempty"`
	Code    string `cbor:"code,omitempty"`
	Message string `cbor:"message,omitempty"`
}
