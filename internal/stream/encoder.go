package stream

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc/encoding"

	"cluster-watchdog/internal/model"
)

// Sink ships node samples from the agent to the aggregator.
type Sink interface {
	SendNodeSample(ctx context.Context, s model.NodeSample) error
	Close(ctx context.Context) error
}

// NodeFrame is the unit sent on the ingest stream and inside websocket
// envelopes.
type NodeFrame struct {
	NodeName     string           `json:"node_name"`
	SentAtUnixMs int64            `json:"sent_at_unix_ms"`
	Sample       model.NodeSample `json:"sample"`
}

// Ack is the single reply the aggregator sends when an agent half-closes its
// ingest stream.
type Ack struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Codec returns the codec both ends of the ingest stream use.
func Codec() encoding.Codec { return jsonCodec{} }

func NewNodeFrame(s model.NodeSample) NodeFrame {
	return NodeFrame{NodeName: s.NodeName, SentAtUnixMs: time.Now().UTC().UnixMilli(), Sample: s}
}

func NewNodeEnvelope(s model.NodeSample) model.Envelope {
	return model.Envelope{
		Type:          model.MessageTypeNodeSample,
		NodeName:      s.NodeName,
		TimestampUnix: time.Now().UTC().Unix(),
		Payload:       NewNodeFrame(s),
	}
}

func EncodeEnvelope(e model.Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeNodeEnvelope is the inverse of EncodeEnvelope for node sample
// envelopes.
func DecodeNodeEnvelope(raw []byte) (NodeFrame, error) {
	var env struct {
		Type    model.MessageType `json:"type"`
		Payload json.RawMessage   `json:"payload"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return NodeFrame{}, err
	}
	if env.Type != model.MessageTypeNodeSample {
		return NodeFrame{}, &UnexpectedTypeError{Type: env.Type}
	}
	var frame NodeFrame
	if err := json.Unmarshal(env.Payload, &frame); err != nil {
		return NodeFrame{}, err
	}
	return frame, nil
}

type UnexpectedTypeError struct {
	Type model.MessageType
}

func (e *UnexpectedTypeError) Error() string {
	return "unexpected envelope type " + string(e.Type)
}
