package rpcserver

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/spearworks/spearctl/pkg/security"
)

// Server is the Metadata Server's gRPC listener: an mTLS grpc.Server
// with Service registered under the hand-built ServiceDesc, the same
// shape api/server.go's Server wraps around proto.WarrenAPI.
type Server struct {
	grpc *grpc.Server
	svc  *Service
}

// NewServer loads the MS node certificate issued by ca (or already on
// disk under security.GetCertDir) and builds a grpc.Server requiring
// client certs signed by the same root, per pkg/security/doc.go's "MS
// side" wiring.
func NewServer(ca *security.CertAuthority, nodeID string, backend Backend) (*Server, error) {
	certDir, err := security.GetCertDir("ms", nodeID)
	if err != nil {
		return nil, fmt.Errorf("rpcserver: cert dir: %w", err)
	}

	var cert *tls.Certificate
	if security.CertExists(certDir) {
		cert, err = security.LoadCertFromFile(certDir)
	} else {
		cert, err = ca.IssueNodeCertificate(nodeID, "ms", nil, nil)
		if err == nil {
			err = security.SaveCertToFile(cert, certDir)
		}
		if err == nil {
			err = security.SaveCACertToFile(ca.GetRootCACert(), certDir)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("rpcserver: ms certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(ca.GetRootCACert())
	if err != nil {
		return nil, fmt.Errorf("rpcserver: parse root ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(rootCert)

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}

	creds := credentials.NewTLS(tlsConfig)
	grpcServer := grpc.NewServer(grpc.Creds(creds))

	svc := &Service{Backend: backend}
	grpcServer.RegisterService(&ServiceDesc, svc)

	return &Server{grpc: grpcServer, svc: svc}, nil
}

// Serve accepts connections on addr until the listener or server stops.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpcserver: listen %s: %w", addr, err)
	}
	logger.Info().Str("addr", addr).Msg("grpc server listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully drains in-flight RPCs before returning.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}
