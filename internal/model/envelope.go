package model

type MessageType string

const (
	MessageTypeNodeSample MessageType = "node_sample"
	MessageTypeResult     MessageType = "window_result"
)

// Envelope is transport-agnostic framing for websocket payloads.
type Envelope struct {
	Type          MessageType `json:"type"`
	NodeName      string      `json:"node_name,omitempty"`
	TimestampUnix int64       `json:"timestamp_unix"`
	Payload       any         `json:"payload"`
}
