// Copyright (c) The Registry Proxy Authors
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mamikk/nomulus/pkg/errors"
)

// selfSignedPEM generates a fresh self-signed certificate and returns the
// combined PEM blob (key plus certificate) and the expiry used.
func selfSignedPEM(t *testing.T, notAfter time.Time) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "proxy.test"},
		DNSNames:     []string{"proxy.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	var buf []byte
	buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})...)
	buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	return buf
}

// fakeDecrypter returns a fixed plaintext or a fixed error.
type fakeDecrypter struct {
	plaintext []byte
	err       error
	gotKey    string
}

func (f *fakeDecrypter) Decrypt(ctx context.Context, keyName string, ciphertext []byte) ([]byte, error) {
	f.gotKey = keyName
	if f.err != nil {
		return nil, f.err
	}
	return f.plaintext, nil
}

func TestKeyPath(t *testing.T) {
	got := KeyPath("my-project", "global", "proxy-key-ring", "proxy-key")
	assert.Equal(t,
		"projects/my-project/locations/global/keyRings/proxy-key-ring/cryptoKeys/proxy-key",
		got)
}

func TestLoadServerCertificate(t *testing.T) {
	expiry := time.Now().Add(90 * 24 * time.Hour).Truncate(time.Second)
	dec := &fakeDecrypter{plaintext: selfSignedPEM(t, expiry)}

	cert, err := LoadServerCertificate(context.Background(), dec, "projects/p/locations/l/keyRings/r/cryptoKeys/k", []byte("ciphertext"))
	require.NoError(t, err)
	assert.Equal(t, "projects/p/locations/l/keyRings/r/cryptoKeys/k", dec.gotKey)
	assert.Equal(t, expiry.Unix(), cert.NotAfter())
}

func TestLoadServerCertificate_DecryptFails(t *testing.T) {
	dec := &fakeDecrypter{err: fmt.Errorf("%w: KMS decrypt with key k: permission denied", errors.ErrCredential)}

	_, err := LoadServerCertificate(context.Background(), dec, "k", []byte("ciphertext"))
	require.ErrorIs(t, err, errors.ErrCredential)
	// The ciphertext must never leak into the error chain.
	assert.NotContains(t, err.Error(), "ciphertext")
}

func TestParseServerCertificate_MissingKey(t *testing.T) {
	blob := selfSignedPEM(t, time.Now().Add(time.Hour))
	// Strip everything before the certificate block.
	var certOnly []byte
	rest := blob
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			certOnly = pem.EncodeToMemory(block)
		}
	}

	_, err := ParseServerCertificate(certOnly)
	require.ErrorIs(t, err, errors.ErrCredential)
	assert.Contains(t, err.Error(), "no private key")
}

func TestParseServerCertificate_MissingCertificate(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	keyOnly := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	_, err = ParseServerCertificate(keyOnly)
	require.ErrorIs(t, err, errors.ErrCredential)
	assert.Contains(t, err.Error(), "no certificate")
}

func TestParseServerCertificate_Garbage(t *testing.T) {
	_, err := ParseServerCertificate([]byte("not pem at all"))
	require.ErrorIs(t, err, errors.ErrCredential)
}

func TestCertificateCopy(t *testing.T) {
	cert, err := ParseServerCertificate(selfSignedPEM(t, time.Now().Add(time.Hour)))
	require.NoError(t, err)

	a := cert.Certificate()
	a.Certificate[0] = []byte("mutated")

	b := cert.Certificate()
	assert.NotEqual(t, []byte("mutated"), b.Certificate[0])
}

func TestTLSConfig(t *testing.T) {
	cert, err := ParseServerCertificate(selfSignedPEM(t, time.Now().Add(time.Hour)))
	require.NoError(t, err)

	cfg := cert.TLSConfig(false)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)

	cfg = cert.TLSConfig(true)
	assert.Equal(t, tls.RequestClientCert, cfg.ClientAuth)
}

func TestFingerprint(t *testing.T) {
	cert, err := ParseServerCertificate(selfSignedPEM(t, time.Now().Add(time.Hour)))
	require.NoError(t, err)

	fp := Fingerprint(cert.cert.Leaf)
	// base64(SHA-256) is always 44 characters.
	assert.Len(t, fp, 44)
	assert.Equal(t, fp, Fingerprint(cert.cert.Leaf))
}
