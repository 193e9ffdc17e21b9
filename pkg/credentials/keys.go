// Copyright (c) The Registry Proxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package credentials owns the proxy's secret lifecycle: the one-time
// decryption of the TLS private key via Cloud KMS at startup, and the
// continuously refreshed backend access token.
package credentials

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"

	"github.com/mamikk/nomulus/pkg/errors"
)

// Decrypter decrypts a ciphertext blob with a named key.
type Decrypter interface {
	Decrypt(ctx context.Context, keyName string, ciphertext []byte) ([]byte, error)
}

// KeyPath builds the fully-qualified Cloud KMS crypto key resource name.
func KeyPath(project, location, keyRing, cryptoKey string) string {
	return fmt.Sprintf("projects/%s/locations/%s/keyRings/%s/cryptoKeys/%s",
		project, location, keyRing, cryptoKey)
}

// KMSDecrypter decrypts using the Cloud KMS API.
type KMSDecrypter struct {
	client *kms.KeyManagementClient
}

var _ Decrypter = (*KMSDecrypter)(nil)

// NewKMSDecrypter creates a KMS client using application default credentials.
func NewKMSDecrypter(ctx context.Context) (*KMSDecrypter, error) {
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: create KMS client: %v", errors.ErrCredential, err)
	}
	return &KMSDecrypter{client: client}, nil
}

// Decrypt calls the KMS decrypt operation. Errors name the key only; the
// ciphertext never reaches logs.
func (d *KMSDecrypter) Decrypt(ctx context.Context, keyName string, ciphertext []byte) ([]byte, error) {
	resp, err := d.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:       keyName,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: KMS decrypt with key %s: %v", errors.ErrCredential, keyName, err)
	}
	return resp.GetPlaintext(), nil
}

// Close releases the underlying KMS client.
func (d *KMSDecrypter) Close() error {
	return d.client.Close()
}

// ServerCertificate is the decrypted TLS identity of the proxy. It is
// immutable after startup; every accepted connection reads it.
type ServerCertificate struct {
	cert tls.Certificate
}

// LoadServerCertificate decrypts the combined PEM blob (private key plus
// certificate chain) with the named KMS key and parses it. Any failure here
// is startup-fatal: the proxy must not accept connections it cannot serve.
func LoadServerCertificate(ctx context.Context, dec Decrypter, keyName string, encryptedPEM []byte) (*ServerCertificate, error) {
	plaintext, err := dec.Decrypt(ctx, keyName, encryptedPEM)
	if err != nil {
		return nil, err
	}
	return ParseServerCertificate(plaintext)
}

// ParseServerCertificate parses a PEM blob containing one private key and
// the certificate chain, leaf first.
func ParseServerCertificate(pemBytes []byte) (*ServerCertificate, error) {
	var cert tls.Certificate

	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			cert.Certificate = append(cert.Certificate, block.Bytes)
		default:
			key, err := parsePrivateKey(block)
			if err != nil {
				return nil, err
			}
			if cert.PrivateKey != nil {
				return nil, fmt.Errorf("%w: multiple private keys in PEM", errors.ErrCredential)
			}
			cert.PrivateKey = key
		}
	}

	if len(cert.Certificate) == 0 {
		return nil, fmt.Errorf("%w: no certificate in PEM", errors.ErrCredential)
	}
	if cert.PrivateKey == nil {
		return nil, fmt.Errorf("%w: no private key in PEM", errors.ErrCredential)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("%w: parse leaf certificate: %v", errors.ErrCredential, err)
	}
	cert.Leaf = leaf

	return &ServerCertificate{cert: cert}, nil
}

func parsePrivateKey(block *pem.Block) (any, error) {
	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse PKCS#8 key", errors.ErrCredential)
		}
		return key, nil
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse RSA key", errors.ErrCredential)
		}
		return key, nil
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse EC key", errors.ErrCredential)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unsupported PEM block %q", errors.ErrCredential, block.Type)
	}
}

// Certificate returns a copy of the parsed certificate. The internal value
// is never handed out for mutation.
func (s *ServerCertificate) Certificate() tls.Certificate {
	c := s.cert
	c.Certificate = append([][]byte(nil), s.cert.Certificate...)
	return c
}

// NotAfter returns the leaf certificate's expiry, for health checks.
func (s *ServerCertificate) NotAfter() (notAfter int64) {
	return s.cert.Leaf.NotAfter.Unix()
}

// TLSConfig builds a server-side TLS config for one protocol.
// When requestClientCert is set the handshake asks for a client certificate
// without requiring one; the backend decides what an absent cert means.
func (s *ServerCertificate) TLSConfig(requestClientCert bool) *tls.Config {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{s.Certificate()},
		MinVersion:   tls.VersionTLS12,
	}
	if requestClientCert {
		cfg.ClientAuth = tls.RequestClientCert
	}
	return cfg
}

// Fingerprint returns the base64-encoded SHA-256 digest of a client
// certificate, the form the backend expects for its access control.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}
