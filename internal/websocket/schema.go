package websocket

import "encoding/json"

// ─── Actions (Proctor → Server) ─────────────────────────────────────

type Action string

const (
	ActionPing    Action = "ping"
	ActionRefresh Action = "refresh"
)

// RequestEnvelope is every message a proctor may send.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Proctor) ──────────────────────────────────────

type Event string

const (
	EventError    Event = "error"
	EventSnapshot Event = "snapshot"
	EventAttempt  Event = "attempt_event"
	EventPong     Event = "pong"
)

// SnapshotResponse carries the full monitor state of a test.
type SnapshotResponse struct {
	Event Event       `json:"event"`
	Data  interface{} `json:"data"`
}

// AttemptEventResponse forwards one attempt event as published, without
// decoding it.
type AttemptEventResponse struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
