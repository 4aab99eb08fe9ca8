package sds

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	tlsv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/transport_sockets/tls/v3"
	discoveryv3 "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	secretv3 "github.com/envoyproxy/go-control-plane/envoy/service/secret/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
)

const secretTypeURL = "type.googleapis.com/envoy.extensions.transport_sockets.tls.v3.Secret"

// Server answers the proxy's secret discovery subscriptions with
// per-SNI certificates from the issuer.
type Server struct {
	issuer *Issuer
}

var _ secretv3.SecretDiscoveryServiceServer = (*Server)(nil)

// NewServer wraps an issuer as a discovery service.
func NewServer(issuer *Issuer) *Server {
	return &Server{issuer: issuer}
}

// secretFor packs one issued certificate into the discovery payload.
func (s *Server) secretFor(sni string) (*anypb.Any, error) {
	cert, err := s.issuer.IssueFor(sni)
	if err != nil {
		return nil, fmt.Errorf("issue for %q: %w", sni, err)
	}
	secret := &tlsv3.Secret{
		Name: sni,
		Type: &tlsv3.Secret_TlsCertificate{
			TlsCertificate: &tlsv3.TlsCertificate{
				CertificateChain: &corev3.DataSource{
					Specifier: &corev3.DataSource_InlineBytes{InlineBytes: cert.ChainPEM},
				},
				PrivateKey: &corev3.DataSource{
					Specifier: &corev3.DataSource_InlineBytes{InlineBytes: cert.KeyPEM},
				},
			},
		},
	}
	return anypb.New(secret)
}

// StreamSecrets serves the state-of-the-world variant: every request gets
// the full set of certificates for its resource names.
func (s *Server) StreamSecrets(stream secretv3.SecretDiscoveryService_StreamSecretsServer) error {
	for {
		req, err := stream.Recv()
		if err != nil {
			return err
		}

		resources := make([]*anypb.Any, 0, len(req.ResourceNames))
		for _, sni := range req.ResourceNames {
			res, err := s.secretFor(sni)
			if err != nil {
				slog.Error("secret issue failed", "sni", sni, "error", err)
				return status.Errorf(codes.Internal, "issue secret for %q", sni)
			}
			resources = append(resources, res)
		}

		if err := stream.Send(&discoveryv3.DiscoveryResponse{
			VersionInfo: versionTag(),
			Resources:   resources,
			TypeUrl:     secretTypeURL,
			Nonce:       versionTag(),
		}); err != nil {
			return err
		}
	}
}

// DeltaSecrets serves the incremental variant: only newly subscribed names
// are issued, unsubscribed names are echoed as removed.
func (s *Server) DeltaSecrets(stream secretv3.SecretDiscoveryService_DeltaSecretsServer) error {
	for {
		req, err := stream.Recv()
		if err != nil {
			return err
		}
		if len(req.ResourceNamesSubscribe) == 0 && len(req.ResourceNamesUnsubscribe) == 0 {
			// Bare ACK.
			continue
		}

		resources := make([]*discoveryv3.Resource, 0, len(req.ResourceNamesSubscribe))
		for _, sni := range req.ResourceNamesSubscribe {
			res, err := s.secretFor(sni)
			if err != nil {
				slog.Error("secret issue failed", "sni", sni, "error", err)
				return status.Errorf(codes.Internal, "issue secret for %q", sni)
			}
			resources = append(resources, &discoveryv3.Resource{
				Name:     sni,
				Version:  "1",
				Resource: res,
			})
		}

		if err := stream.Send(&discoveryv3.DeltaDiscoveryResponse{
			SystemVersionInfo: versionTag(),
			Resources:         resources,
			RemovedResources:  req.ResourceNamesUnsubscribe,
			TypeUrl:           secretTypeURL,
			Nonce:             versionTag(),
		}); err != nil {
			return err
		}
	}
}

// FetchSecrets is not served; the proxy subscribes over a stream.
func (s *Server) FetchSecrets(ctx context.Context, req *discoveryv3.DiscoveryRequest) (*discoveryv3.DiscoveryResponse, error) {
	return nil, status.Error(codes.Unimplemented, "fetch is not supported, use a stream")
}

// versionTag returns a short random tag; discovery versions only need to
// differ between pushes.
func versionTag() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "0"
	}
	return hex.EncodeToString(b[:])
}
