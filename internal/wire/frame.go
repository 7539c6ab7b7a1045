// Package wire defines the JSON frame shapes exchanged between clients and
// the gateway, per spec §6.
package wire

import "encoding/json"

// FrameType enumerates the inbound/outbound frame discriminators.
type FrameType string

const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FramePublish     FrameType = "publish"
	FrameHeartbeat   FrameType = "heartbeat"
	FramePing        FrameType = "ping"
	FramePong        FrameType = "pong"
	FrameAck         FrameType = "ack"
	FrameAuth        FrameType = "auth"
	FrameError       FrameType = "error"
	FrameEvent       FrameType = "event"
)

// Metadata carries optional client-supplied correlation data.
type Metadata struct {
	Timestamp     int64  `json:"timestamp,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// InboundFrame is the envelope a client sends to the gateway.
type InboundFrame struct {
	Type     FrameType       `json:"type"`
	Channel  string          `json:"channel,omitempty"`
	EventID  string          `json:"event_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Metadata *Metadata       `json:"metadata,omitempty"`
}

// EventFrame is the server-emitted event envelope delivered to subscribers.
// When ContentEncoding is non-empty, Payload carries a base64-encoded,
// compressed representation of the original JSON payload rather than the
// raw JSON itself; the gateway only does this for payloads above its
// configured compression threshold.
type EventFrame struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Channel         string          `json:"channel"`
	Payload         json.RawMessage `json:"payload"`
	ContentEncoding string          `json:"contentEncoding,omitempty"`
	Timestamp       string          `json:"timestamp"`
	OrganizationID  string          `json:"organizationId"`
}

// ErrorFrame is sent back to the client on recoverable, connection-preserving errors.
type ErrorFrame struct {
	Type   FrameType `json:"type"`
	Code   string    `json:"code"`
	Reason string    `json:"reason,omitempty"`
}

// NewErrorFrame constructs an ErrorFrame ready for marshaling.
func NewErrorFrame(code, reason string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Code: code, Reason: reason}
}

// PongFrame replies to a heartbeat/ping with the server's clock.
type PongFrame struct {
	Type      FrameType `json:"type"`
	Timestamp int64     `json:"timestamp"`
}

// CloseCode enumerates the WebSocket close codes defined by spec §6.
type CloseCode int

const (
	CloseNormal            CloseCode = 1000
	CloseUnauthorized      CloseCode = 4001
	CloseRateLimited       CloseCode = 4003
	CloseTenantSuspended   CloseCode = 4008
	CloseServerShutdown    CloseCode = 4011
	CloseTooManyParseErrors CloseCode = 4000
)
