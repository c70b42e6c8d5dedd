package ingest

import (
	"crypto/tls"
	"errors"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"cluster-watchdog/internal/stream"
)

const ServiceName = "watchdog.ingest.v1.IngestService"

// IngestServer is the handler type behind the hand-written service
// descriptor. Frames travel with the json codec registered by package stream.
type IngestServer interface {
	StreamNodeSamples(ss grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IngestServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamNodeSamples",
			Handler:       streamNodeSamplesHandler,
			ClientStreams: true,
		},
	},
	Metadata: "watchdog/ingest/v1/ingest.proto",
}

func streamNodeSamplesHandler(srv any, ss grpc.ServerStream) error {
	return srv.(IngestServer).StreamNodeSamples(ss)
}

type Server struct {
	guard  *Guard
	logger *slog.Logger
}

func NewServer(guard *Guard, logger *slog.Logger) *Server {
	return &Server{guard: guard, logger: logger}
}

// StreamNodeSamples reads frames until the agent half-closes, then replies
// with one Ack. A bad frame is counted as rejected and the stream carries on.
func (s *Server) StreamNodeSamples(ss grpc.ServerStream) error {
	var ack stream.Ack
	for {
		var frame stream.NodeFrame
		if err := ss.RecvMsg(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return ss.SendMsg(&ack)
			}
			s.logger.Debug("ingest stream ended", "accepted", ack.Accepted, "rejected", ack.Rejected, "error", err)
			return err
		}
		sample := frame.Sample
		if sample.NodeName == "" {
			sample.NodeName = frame.NodeName
		}
		if err := s.guard.Accept(TransportGRPC, sample); err != nil {
			ack.Rejected++
			continue
		}
		ack.Accepted++
	}
}

// NewGRPCServer builds a grpc.Server with the ingest service registered.
func NewGRPCServer(srv *Server, token string, tlsCfg *tls.Config) *grpc.Server {
	opts := []grpc.ServerOption{grpc.StreamInterceptor(TokenStreamInterceptor(token, srv.guard))}
	if tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	g := grpc.NewServer(opts...)
	g.RegisterService(&serviceDesc, srv)
	return g
}
