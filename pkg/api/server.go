package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/nacosd/nacosd/pkg/clock"
	"github.com/nacosd/nacosd/pkg/codec"
	"github.com/nacosd/nacosd/pkg/configsvc"
	"github.com/nacosd/nacosd/pkg/connmgr"
	"github.com/nacosd/nacosd/pkg/consensus"
	"github.com/nacosd/nacosd/pkg/lockservice"
	"github.com/nacosd/nacosd/pkg/log"
	"github.com/nacosd/nacosd/pkg/naming"
	"github.com/nacosd/nacosd/pkg/security"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/peer"
)

// frameCodec is a grpc/encoding.Codec carrying codec.Envelope/codec.Response
// values as JSON frames instead of protobuf. nacosd speaks a single
// bidirectional stream per connection, the same shape as Nacos's own
// gRPC remoting (one request/response/push multiplexed stream per client),
// without requiring a generated .proto/.pb.go pair.
type frameCodec struct{}

func (frameCodec) Name() string                              { return "nacosd-json" }
func (frameCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (frameCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func init() { encoding.RegisterCodec(frameCodec{}) }

// biStreamHandlerType is a permissive HandlerType for the hand-built
// ServiceDesc below: grpc only needs a type assertion that the registered
// server implements it, and every Go type implements the empty interface.
type biStreamHandlerType interface{}

var requestServiceDesc = grpc.ServiceDesc{
	ServiceName: "nacosd.RequestService",
	HandlerType: (*biStreamHandlerType)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "BiStream",
			Handler:       biStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "nacosd.proto",
}

func biStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(*Server).serveBiStream(stream)
}

// Deps bundles every component the server dispatches into. Built once at
// startup by cmd/nacosd and handed to NewServer.
type Deps struct {
	Node       *consensus.Node
	Conns      *connmgr.Manager
	Configs    *configsvc.Manager
	Naming     *naming.Registry
	FuzzyWatch *naming.FuzzyWatchManager
	Locks      *lockservice.Manager
	Clock      clock.Clock
}

// Server is the connection listener: it accepts gRPC bidirectional streams,
// registers each as a connmgr.Connection, and dispatches every inbound frame
// through a codec.Dispatcher built from the registered handlers.
type Server struct {
	deps       Deps
	grpcServer *grpc.Server
	dispatcher *codec.Dispatcher
	registry   *codec.Registry
	logger     zerolog.Logger
	connIDSeq  int64
}

// NewServer builds the handler registry (see handlers.go) and wraps it in a
// gRPC server. tlsConfig may be nil for a plaintext listener (local dev/test);
// production deployments load a mTLS config from pkg/security's CA.
func NewServer(deps Deps, tlsConfig *tls.Config) *Server {
	registry := codec.NewRegistry()
	registerHandlers(registry, deps)

	var opts []grpc.ServerOption
	opts = append(opts, grpc.ForceServerCodec(frameCodec{}))
	if tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	s := &Server{
		deps:       deps,
		grpcServer: grpc.NewServer(opts...),
		dispatcher: codec.NewDispatcher(registry, deps.Clock),
		registry:   registry,
		logger:     log.WithComponent("api-server"),
	}
	s.grpcServer.RegisterService(&requestServiceDesc, s)
	return s
}

// ServerTLSConfig loads a mTLS config for nodeID from the on-disk CA
// material managed by pkg/security, requesting (but not requiring) a client
// certificate. No handler inspects the client certificate: what an RPC may
// do is governed by AuthLevel, not certificate identity, so the certificate
// only secures the transport.
func ServerTLSConfig(nodeID string) (*tls.Config, error) {
	certDir, err := security.GetCertDir("server", nodeID)
	if err != nil {
		return nil, fmt.Errorf("cert dir: %w", err)
	}
	if !security.CertExists(certDir) {
		return nil, fmt.Errorf("server certificate not found at %s", certDir)
	}
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("load server cert: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("load ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &tls.Config{
		ClientAuth:   tls.RequestClientCert,
		Certificates: []tls.Certificate{*cert},
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Start listens on addr and blocks serving gRPC streams until Stop is called.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.logger.Info().Str("addr", addr).Msg("connection listener started")
	return s.grpcServer.Serve(lis)
}

// Stop gracefully drains in-flight streams.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

// connectionSetup is the body of the first frame a client sends on a new
// stream; everything is optional, since the registry also accepts anonymous
// connections that skip setup and issue a request directly.
type connectionSetup struct {
	ClientVersion string            `json:"clientVersion"`
	AppName       string            `json:"appName"`
	Namespace     string            `json:"namespace"`
	Labels        map[string]string `json:"labels"`
}

// serveBiStream owns one client connection end to end: register, pump
// inbound frames through the dispatcher, pump outbound frames (responses and
// pushes) back out, and cascade cleanup on exit (I3).
func (s *Server) serveBiStream(stream grpc.ServerStream) error {
	clientIP := peerIP(stream.Context())

	var first codec.Envelope
	if err := stream.RecvMsg(&first); err != nil {
		return err
	}

	meta := connmgr.RegisterMeta{ClientIP: clientIP, Labels: connmgr.Labels{Source: "sdk"}}
	var setup connectionSetup
	if first.Type == "ConnectionSetupRequest" {
		_ = json.Unmarshal(first.Body, &setup)
		meta.ClientVersion = setup.ClientVersion
		meta.AppName = setup.AppName
		meta.Namespace = setup.Namespace
		if setup.Labels != nil {
			meta.Labels.App = setup.Labels
			if src, ok := setup.Labels["source"]; ok {
				meta.Labels.Source = src
			}
		}
	}

	connID := s.newConnectionID()
	conn, err := s.deps.Conns.Register(connID, meta)
	if err != nil {
		return err
	}
	s.logger.Debug().Str("connection", connID).Str("clientIp", clientIP).Msg("connection registered")

	outCh := make(chan codec.Response, 64)
	done := make(chan struct{})
	go s.pumpOut(stream, outCh, done)
	go s.pumpPushes(connID, outCh, done)

	defer func() {
		close(done)
		s.deps.Conns.Unregister(connID)
	}()

	if first.Type != "ConnectionSetupRequest" {
		outCh <- s.dispatcher.Dispatch(stream.Context(), conn, first)
	}

	for {
		var env codec.Envelope
		if err := stream.RecvMsg(&env); err != nil {
			return nil // client closed the stream; teardown happens in defer
		}
		s.deps.Conns.Touch(connID)
		resp := s.dispatcher.Dispatch(stream.Context(), conn, env)
		select {
		case outCh <- resp:
		case <-done:
			return nil
		}
	}
}

func (s *Server) pumpOut(stream grpc.ServerStream, outCh <-chan codec.Response, done <-chan struct{}) {
	for {
		select {
		case resp := <-outCh:
			if err := stream.SendMsg(&resp); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// pumpPushes forwards component C/D/E change notifications (delivered via
// connmgr's per-connection push queue) onto the same multiplexed stream.
func (s *Server) pumpPushes(connID string, outCh chan<- codec.Response, done <-chan struct{}) {
	pushQueue, ok := s.deps.Conns.PushQueue(connID)
	if !ok {
		return
	}
	for {
		select {
		case resp, ok := <-pushQueue:
			if !ok {
				return
			}
			select {
			case outCh <- resp:
			case <-done:
				return
			}
		case <-done:
			return
		}
	}
}

func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}

// newConnectionID produces a process-unique id; connmgr only needs it to key
// a live map, not to sort or compare across restarts.
func (s *Server) newConnectionID() string {
	n := atomic.AddInt64(&s.connIDSeq, 1)
	return fmt.Sprintf("conn-%d-%d", s.deps.Clock.Now().UnixNano(), n)
}
