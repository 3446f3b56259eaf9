// Package grpc provides the console's gRPC health endpoint.
//
// The server exposes the standard grpc.health.v1 service so that load
// balancers and orchestrators can probe the console:
//
//   - the overall service ("") is SERVING from start until [Server.Shutdown];
//   - [PollerService] is SERVING while at least one session is listening.
//
// # mTLS
//
// When [Config] carries certificate paths the server requires every client to
// present a certificate signed by the configured CA. The Common Name of the
// verified client certificate is logged per RPC and injected into the request
// context; see [ClientCNFromContext]. With no paths configured the listener is
// plaintext.
package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// PollerService is the health service name reporting listener activity.
const PollerService = "monitor.poller"

// DefaultAddr is used when Config.Addr is empty.
const DefaultAddr = ":4443"

type contextKey int

const clientCNKey contextKey = 0

// ClientCNFromContext retrieves the client certificate Common Name injected by
// the CN interceptor. It returns ("", false) on plaintext listeners.
func ClientCNFromContext(ctx context.Context) (string, bool) {
	cn, ok := ctx.Value(clientCNKey).(string)
	return cn, ok && cn != ""
}

// Config holds the listener and optional mTLS configuration.
type Config struct {
	// Addr is the TCP address to listen on. Defaults to DefaultAddr.
	Addr string

	// CertPath, KeyPath and CAPath enable mTLS when all are set.
	CertPath string
	KeyPath  string
	CAPath   string
}

func (c Config) tlsEnabled() bool {
	return c.CertPath != "" || c.KeyPath != "" || c.CAPath != ""
}

// Server wraps a grpc.Server serving the health service.
type Server struct {
	cfg    Config
	logger *slog.Logger
	grpc   *grpc.Server
	health *health.Server
}

// New creates a Server. The overall status starts SERVING and PollerService
// starts NOT_SERVING. The returned Server is not yet listening; call
// [Server.Serve].
func New(cfg Config, logger *slog.Logger) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []grpc.ServerOption
	if cfg.tlsEnabled() {
		creds, err := loadTLSCredentials(cfg)
		if err != nil {
			return nil, fmt.Errorf("grpc server: load TLS credentials: %w", err)
		}
		opts = append(opts,
			grpc.Creds(creds),
			grpc.ChainUnaryInterceptor(cnUnaryInterceptor(logger)),
			grpc.ChainStreamInterceptor(cnStreamInterceptor(logger)),
		)
	}

	gs := grpc.NewServer(opts...)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(PollerService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{cfg: cfg, logger: logger, grpc: gs, health: hs}, nil
}

// ListenersChanged flips PollerService between SERVING and NOT_SERVING as the
// number of active listeners crosses zero.
func (s *Server) ListenersChanged(active int) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if active > 0 {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(PollerService, st)
}

// Shutdown marks every service NOT_SERVING. Later status updates are ignored.
func (s *Server) Shutdown() {
	s.health.Shutdown()
}

// Serve listens on cfg.Addr and blocks until ctx is cancelled or an error
// occurs. On cancellation it drains in-flight RPCs.
func (s *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("grpc server: listen %s: %w", s.cfg.Addr, err)
	}

	mode := "plaintext"
	if s.cfg.tlsEnabled() {
		mode = "mTLS"
	}
	s.logger.Info("gRPC health server listening",
		slog.String("addr", lis.Addr().String()),
		slog.String("tls", mode),
	)

	return s.ServeOnListener(ctx, lis)
}

// ServeOnListener accepts connections on lis until ctx is cancelled or a fatal
// error occurs. Tests pass a listener from net.Listen("tcp", "127.0.0.1:0").
func (s *Server) ServeOnListener(ctx context.Context, lis net.Listener) error {
	servErrCh := make(chan error, 1)
	go func() {
		if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			servErrCh <- err
		}
		close(servErrCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("gRPC server: context cancelled, initiating graceful stop")
		s.health.Shutdown()
		s.grpc.GracefulStop()
	case err := <-servErrCh:
		if err != nil {
			return fmt.Errorf("grpc server: serve: %w", err)
		}
		return nil
	}

	if err := <-servErrCh; err != nil {
		return fmt.Errorf("grpc server: serve after graceful stop: %w", err)
	}
	return nil
}

// GracefulStop stops accepting connections and waits for active RPCs.
func (s *Server) GracefulStop() {
	s.grpc.GracefulStop()
}

// Stop terminates all active RPCs and closes the listener.
func (s *Server) Stop() {
	s.grpc.Stop()
}

// ─── TLS helpers ─────────────────────────────────────────────────────────────

func loadTLSCredentials(cfg Config) (credentials.TransportCredentials, error) {
	if cfg.CertPath == "" || cfg.KeyPath == "" || cfg.CAPath == "" {
		return nil, errors.New("cert, key and CA paths must all be set")
	}

	serverCert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key (%s, %s): %w", cfg.CertPath, cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", cfg.CAPath)
	}

	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		MinVersion:   tls.VersionTLS12,
	}), nil
}

// ─── CN extraction interceptors ──────────────────────────────────────────────

func extractCN(ctx context.Context) (string, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return "", errors.New("no peer in context")
	}

	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return "", errors.New("peer auth info is not TLSInfo")
	}

	if len(tlsInfo.State.VerifiedChains) == 0 || len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return "", errors.New("no verified client certificate chain")
	}

	leaf := tlsInfo.State.VerifiedChains[0][0]
	if leaf.Subject.CommonName == "" {
		return "", errors.New("client certificate has empty Common Name")
	}

	return leaf.Subject.CommonName, nil
}

func cnUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		cn, err := extractCN(ctx)
		if err != nil {
			logger.Warn("gRPC: failed to extract client cert CN",
				slog.String("method", info.FullMethod),
				slog.String("error", err.Error()),
			)
			return nil, status.Errorf(codes.Unauthenticated, "client certificate CN extraction failed: %v", err)
		}

		logger.Debug("gRPC: health probe",
			slog.String("method", info.FullMethod),
			slog.String("client_cn", cn),
		)
		return handler(context.WithValue(ctx, clientCNKey, cn), req)
	}
}

// cnStreamInterceptor covers Health/Watch.
func cnStreamInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		cn, err := extractCN(ctx)
		if err != nil {
			logger.Warn("gRPC: failed to extract client cert CN",
				slog.String("method", info.FullMethod),
				slog.String("error", err.Error()),
			)
			return status.Errorf(codes.Unauthenticated, "client certificate CN extraction failed: %v", err)
		}

		logger.Debug("gRPC: health watch",
			slog.String("method", info.FullMethod),
			slog.String("client_cn", cn),
		)
		return handler(srv, &cnServerStream{ServerStream: ss, ctx: context.WithValue(ctx, clientCNKey, cn)})
	}
}

type cnServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *cnServerStream) Context() context.Context { return s.ctx }
