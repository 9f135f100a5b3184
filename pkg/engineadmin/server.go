package engineadmin

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/edgenode/xp/pkg/security"
)

// RegisterAdminServer attaches impl to s under the hand-built ServiceDesc.
// Mirrors the generated RegisterXxxServer function a real protoc-gen-go-grpc
// stub would provide.
func RegisterAdminServer(s *grpc.Server, impl AdminServer) {
	s.RegisterService(&serviceDesc, impl)
}

// Server is the mTLS-wrapped admin gRPC listener run on the loopback
// interface alongside the proxy engine. Grounded on pkg/api/server.go's
// NewServer: client certs are required and verified against the cluster CA,
// matching the supervisor and reconciler both dialling in as cluster peers
// rather than as anonymous callers.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
}

// NewServer builds a Server listening on addr, requiring and verifying
// client certificates against the cluster CA's root cert.
func NewServer(addr string, impl AdminServer, nodeCert tls.Certificate, ca *security.CertAuthority) (*Server, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca.RootCertPEM()) {
		return nil, fmt.Errorf("parse cluster CA root cert")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{nodeCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	creds := credentials.NewTLS(tlsConfig)
	grpcServer := grpc.NewServer(grpc.Creds(creds))
	RegisterAdminServer(grpcServer, impl)

	return &Server{grpcServer: grpcServer, listener: lis}, nil
}

// Serve blocks, accepting connections until Stop is called.
func (s *Server) Serve() error {
	return s.grpcServer.Serve(s.listener)
}

// Stop gracefully drains in-flight RPCs then shuts the listener down.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

// Addr returns the address the server is actually bound to, useful when
// addr was passed as "127.0.0.1:0" for tests.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}
