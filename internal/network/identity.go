package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"Kestrel/internal/types"
)

// identityCertificate builds the self-signed certificate a validator
// presents on both sides of the TLS handshake. The certificate only
// transports the ed25519 key; trust comes from matching that key against
// the validator set, never from a certificate chain.
func identityCertificate(key ed25519.PrivateKey) (tls.Certificate, error) {
	public := key.Public().(ed25519.PublicKey)
	author := types.AuthorFromBytes(public)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 120))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certificate serial:\n%w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: author.Short()},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(2 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, public, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate:\n%w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}

// peerIdentity recovers the remote validator identity from the TLS state.
func peerIdentity(state tls.ConnectionState) (types.Author, ed25519.PublicKey, error) {
	if len(state.PeerCertificates) == 0 {
		return types.Author{}, nil, fmt.Errorf("peer presented no certificate")
	}

	public, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return types.Author{}, nil, fmt.Errorf("peer certificate key is not ed25519")
	}

	return types.AuthorFromBytes(public), public, nil
}
