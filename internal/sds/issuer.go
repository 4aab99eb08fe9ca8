// Package sds issues short-lived per-SNI certificates on demand and serves
// them to the proxy over the secret discovery protocol.
package sds

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	leafKeyBits = 2048
	// backdate absorbs clock skew between the issuer and the proxy.
	backdate     = 5 * time.Minute
	leafValidity = 24 * time.Hour
)

// Certificate is one issued leaf plus its chain, PEM encoded.
type Certificate struct {
	// ChainPEM holds the leaf followed by the intermediate CA.
	ChainPEM []byte
	KeyPEM   []byte
	Serial   *big.Int
	NotAfter time.Time
}

// Issuer mints leaf certificates signed by the intermediate CA and caches
// them per SNI. The cache bounds both entry count and entry age so a
// revoked intermediate rolls over within one TTL.
type Issuer struct {
	caCert *x509.Certificate
	caKey  crypto.Signer

	cache   *expirable.LRU[string, *Certificate]
	metrics *Metrics
}

// NewIssuer loads the intermediate CA material from disk. Missing or
// malformed material is fatal. metrics may be nil.
func NewIssuer(caCertPath, caKeyPath string, cacheSize int, ttl time.Duration, m *Metrics) (*Issuer, error) {
	certPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read ca certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ca key: %w", err)
	}
	return NewIssuerFromPEM(certPEM, keyPEM, cacheSize, ttl, m)
}

// NewIssuerFromPEM builds an issuer from in-memory CA material.
func NewIssuerFromPEM(certPEM, keyPEM []byte, cacheSize int, ttl time.Duration, m *Metrics) (*Issuer, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("ca certificate: no CERTIFICATE block")
	}
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse ca certificate: %w", err)
	}

	caKey, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}

	if cacheSize < 1 {
		cacheSize = 1
	}
	return &Issuer{
		caCert:  caCert,
		caKey:   caKey,
		cache:   expirable.NewLRU[string, *Certificate](cacheSize, nil, ttl),
		metrics: m,
	}, nil
}

func parsePrivateKey(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("ca key: no PEM block")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("ca key: unsupported key type %T", key)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("ca key: not PKCS1, PKCS8, or EC")
}

// IssueFor returns the cached certificate for sni, minting one on a miss.
// Generation runs outside the cache lock; concurrent misses for the same
// SNI may both mint, last insert wins.
func (i *Issuer) IssueFor(sni string) (*Certificate, error) {
	if cert, ok := i.cache.Get(sni); ok {
		if i.metrics != nil {
			i.metrics.CacheHits.Inc()
		}
		return cert, nil
	}

	cert, err := i.mint(sni)
	if err != nil {
		if i.metrics != nil {
			i.metrics.Errors.Inc()
		}
		return nil, err
	}
	if i.metrics != nil {
		i.metrics.Generated.Inc()
	}
	i.cache.Add(sni, cert)
	slog.Info("issued certificate", "sni", sni, "serial", cert.Serial.Text(16), "not_after", cert.NotAfter)
	return cert, nil
}

func (i *Issuer) mint(sni string) (*Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}

	// 128-bit random serial.
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: sni},
		DNSNames:     []string{sni},
		NotBefore:    now.Add(-backdate),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, i.caCert, &key.PublicKey, i.caKey)
	if err != nil {
		return nil, fmt.Errorf("sign leaf for %q: %w", sni, err)
	}

	var chain []byte
	chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: i.caCert.Raw})...)

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal leaf key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	return &Certificate{
		ChainPEM: chain,
		KeyPEM:   keyPEM,
		Serial:   serial,
		NotAfter: tmpl.NotAfter,
	}, nil
}
