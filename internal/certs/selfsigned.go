// Package certs generates throwaway self-signed certificates for the local
// PutMedia mock endpoint and for tests that need a real TLS handshake.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"
)

// DefaultValidity is used when Generate is given a non-positive validity.
const DefaultValidity = 24 * time.Hour

// Cert is a self-signed certificate and its key.
type Cert struct {
	TLSCert     tls.Certificate
	Leaf        *x509.Certificate
	Fingerprint [32]byte
}

// FingerprintHex returns the SHA-256 fingerprint of the DER certificate.
func (c *Cert) FingerprintHex() string {
	return hex.EncodeToString(c.Fingerprint[:])
}

// CertPEM returns the certificate in PEM form, for clients that load a CA
// bundle from disk.
func (c *Cert) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.TLSCert.Certificate[0]})
}

// Pool returns a pool trusting only this certificate.
func (c *Cert) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(c.Leaf)
	return pool
}

// ServerConfig returns a TLS server configuration presenting the certificate.
func (c *Cert) ServerConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.TLSCert},
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientConfig returns a TLS client configuration that trusts the
// certificate.
func (c *Cert) ClientConfig() *tls.Config {
	return &tls.Config{
		RootCAs:    c.Pool(),
		MinVersion: tls.VersionTLS12,
	}
}

// Generate creates an ECDSA P-256 certificate for localhost, the loopback
// addresses and any extra hosts (DNS names or IP literals).
func Generate(validity time.Duration, hosts ...string) (*Cert, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certs: generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("certs: generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-time.Minute)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "kvsaudio mock endpoint"},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("certs: create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("certs: parse certificate: %w", err)
	}

	return &Cert{
		TLSCert: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  key,
			Leaf:        leaf,
		},
		Leaf:        leaf,
		Fingerprint: sha256.Sum256(der),
	}, nil
}
