package sds

import (
	"context"
	"io"
	"testing"
	"time"

	tlsv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/transport_sockets/tls/v3"
	discoveryv3 "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeDeltaStream struct {
	grpc.ServerStream
	reqs  []*discoveryv3.DeltaDiscoveryRequest
	sent  []*discoveryv3.DeltaDiscoveryResponse
	index int
}

func (f *fakeDeltaStream) Context() context.Context { return context.Background() }

func (f *fakeDeltaStream) Recv() (*discoveryv3.DeltaDiscoveryRequest, error) {
	if f.index >= len(f.reqs) {
		return nil, io.EOF
	}
	req := f.reqs[f.index]
	f.index++
	return req, nil
}

func (f *fakeDeltaStream) Send(resp *discoveryv3.DeltaDiscoveryResponse) error {
	f.sent = append(f.sent, resp)
	return nil
}

type fakeSotwStream struct {
	grpc.ServerStream
	reqs  []*discoveryv3.DiscoveryRequest
	sent  []*discoveryv3.DiscoveryResponse
	index int
}

func (f *fakeSotwStream) Context() context.Context { return context.Background() }

func (f *fakeSotwStream) Recv() (*discoveryv3.DiscoveryRequest, error) {
	if f.index >= len(f.reqs) {
		return nil, io.EOF
	}
	req := f.reqs[f.index]
	f.index++
	return req, nil
}

func (f *fakeSotwStream) Send(resp *discoveryv3.DiscoveryResponse) error {
	f.sent = append(f.sent, resp)
	return nil
}

func TestDeltaSecretsIssuesSubscriptions(t *testing.T) {
	srv := NewServer(newTestIssuer(t, 10, time.Hour))
	stream := &fakeDeltaStream{
		reqs: []*discoveryv3.DeltaDiscoveryRequest{
			{ResourceNamesSubscribe: []string{"example.com"}},
		},
	}

	err := srv.DeltaSecrets(stream)
	require.Equal(t, io.EOF, err)

	require.Len(t, stream.sent, 1)
	resp := stream.sent[0]
	assert.Equal(t, secretTypeURL, resp.TypeUrl)
	require.Len(t, resp.Resources, 1)
	assert.Equal(t, "example.com", resp.Resources[0].Name)

	secret := &tlsv3.Secret{}
	require.NoError(t, resp.Resources[0].Resource.UnmarshalTo(secret))
	assert.Equal(t, "example.com", secret.Name)
	tlsCert := secret.GetTlsCertificate()
	require.NotNil(t, tlsCert)
	assert.Contains(t, string(tlsCert.CertificateChain.GetInlineBytes()), "BEGIN CERTIFICATE")
	assert.Contains(t, string(tlsCert.PrivateKey.GetInlineBytes()), "BEGIN PRIVATE KEY")
}

func TestDeltaSecretsReuseAcrossSubscriptions(t *testing.T) {
	issuer := newTestIssuer(t, 10, time.Hour)
	srv := NewServer(issuer)
	stream := &fakeDeltaStream{
		reqs: []*discoveryv3.DeltaDiscoveryRequest{
			{ResourceNamesSubscribe: []string{"example.com"}},
			{ResourceNamesSubscribe: []string{"example.com"}},
		},
	}

	err := srv.DeltaSecrets(stream)
	require.Equal(t, io.EOF, err)
	require.Len(t, stream.sent, 2)

	// Cache hit: identical key material both times.
	first := &tlsv3.Secret{}
	second := &tlsv3.Secret{}
	require.NoError(t, stream.sent[0].Resources[0].Resource.UnmarshalTo(first))
	require.NoError(t, stream.sent[1].Resources[0].Resource.UnmarshalTo(second))
	assert.Equal(t,
		first.GetTlsCertificate().PrivateKey.GetInlineBytes(),
		second.GetTlsCertificate().PrivateKey.GetInlineBytes())
}

func TestDeltaSecretsEchoesUnsubscribes(t *testing.T) {
	srv := NewServer(newTestIssuer(t, 10, time.Hour))
	stream := &fakeDeltaStream{
		reqs: []*discoveryv3.DeltaDiscoveryRequest{
			{ResourceNamesUnsubscribe: []string{"gone.example.com"}},
		},
	}

	err := srv.DeltaSecrets(stream)
	require.Equal(t, io.EOF, err)
	require.Len(t, stream.sent, 1)
	assert.Empty(t, stream.sent[0].Resources)
	assert.Equal(t, []string{"gone.example.com"}, stream.sent[0].RemovedResources)
}

func TestDeltaSecretsSkipsBareACK(t *testing.T) {
	srv := NewServer(newTestIssuer(t, 10, time.Hour))
	stream := &fakeDeltaStream{
		reqs: []*discoveryv3.DeltaDiscoveryRequest{{}},
	}

	err := srv.DeltaSecrets(stream)
	require.Equal(t, io.EOF, err)
	assert.Empty(t, stream.sent)
}

func TestStreamSecrets(t *testing.T) {
	srv := NewServer(newTestIssuer(t, 10, time.Hour))
	stream := &fakeSotwStream{
		reqs: []*discoveryv3.DiscoveryRequest{
			{ResourceNames: []string{"a.example.com", "b.example.com"}},
		},
	}

	err := srv.StreamSecrets(stream)
	require.Equal(t, io.EOF, err)

	require.Len(t, stream.sent, 1)
	resp := stream.sent[0]
	assert.Equal(t, secretTypeURL, resp.TypeUrl)
	require.Len(t, resp.Resources, 2)

	secret := &tlsv3.Secret{}
	require.NoError(t, resp.Resources[0].UnmarshalTo(secret))
	assert.Equal(t, "a.example.com", secret.Name)
}

func TestFetchSecretsUnimplemented(t *testing.T) {
	srv := NewServer(newTestIssuer(t, 10, time.Hour))
	_, err := srv.FetchSecrets(context.Background(), &discoveryv3.DiscoveryRequest{})
	require.Error(t, err)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}
