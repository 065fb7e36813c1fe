// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package verify

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/google/go-sgx-ias/verify/trust"
)

// Certificate is a parsed certificate owned by a Backend.
type Certificate interface{ Release() }

// Chain is an ordered certificate chain owned by a Backend. Releasing a chain does not release
// the certificates it was built from.
type Chain interface{ Release() }

// PublicKey is a certificate's public key owned by a Backend.
type PublicKey interface{ Release() }

// Signature is a decoded signature owned by a Backend.
type Signature interface{ Release() }

// Backend performs the cryptographic steps of report verification. Every handle a Backend
// returns must be released exactly once by the caller.
//
// Methods returning a bool distinguish a check that ran and failed (false, nil) from a check
// that could not be carried out (false, err).
type Backend interface {
	ParseCertificate(pemDoc string) (Certificate, error)
	NewChain(certs []Certificate) (Chain, error)
	VerifyChain(roots *trust.RootCerts, chain Chain) (bool, error)
	PublicKey(cert Certificate) (PublicKey, error)
	DecodeSignature(b64 string) (Signature, error)
	VerifySHA256(message []byte, sig Signature, key PublicKey) (bool, error)
}

// X509Backend implements Backend with crypto/x509.
type X509Backend struct {
	// Now is the time at which certificate validity is checked. If zero, uses time.Now().
	Now time.Time
}

var errWrongHandle = errors.New("handle was not created by X509Backend")

type x509Certificate struct{ cert *x509.Certificate }

func (c *x509Certificate) Release() { c.cert = nil }

// String returns the certificate subject.
func (c *x509Certificate) String() string {
	if c.cert == nil {
		return "<released>"
	}
	return c.cert.Subject.String()
}

type x509Chain struct{ certs []*x509.Certificate }

func (c *x509Chain) Release() { c.certs = nil }

type x509PublicKey struct{ key any }

func (k *x509PublicKey) Release() { k.key = nil }

type x509Signature struct{ sig []byte }

func (s *x509Signature) Release() {
	for i := range s.sig {
		s.sig[i] = 0
	}
	s.sig = nil
}

// ParseCertificate parses a single PEM CERTIFICATE block.
func (b *X509Backend) ParseCertificate(pemDoc string) (Certificate, error) {
	block, _ := pem.Decode([]byte(pemDoc))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("PEM block type is %q, want CERTIFICATE", block.Type)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	return &x509Certificate{cert: cert}, nil
}

func (b *X509Backend) certificate(c Certificate) (*x509.Certificate, error) {
	xc, ok := c.(*x509Certificate)
	if !ok || xc.cert == nil {
		return nil, errWrongHandle
	}
	return xc.cert, nil
}

// NewChain returns the chain of certs in order. The first certificate is the one verified.
func (b *X509Backend) NewChain(certs []Certificate) (Chain, error) {
	if len(certs) == 0 {
		return nil, errors.New("empty certificate chain")
	}
	chain := &x509Chain{certs: make([]*x509.Certificate, 0, len(certs))}
	for _, c := range certs {
		cert, err := b.certificate(c)
		if err != nil {
			return nil, err
		}
		chain.certs = append(chain.certs, cert)
	}
	return chain, nil
}

// VerifyChain checks that the first certificate of chain leads to one of roots, using the
// rest of chain as intermediates.
func (b *X509Backend) VerifyChain(roots *trust.RootCerts, chain Chain) (bool, error) {
	xc, ok := chain.(*x509Chain)
	if !ok || len(xc.certs) == 0 {
		return false, errWrongHandle
	}
	opts := roots.X509Options(b.Now, xc.certs[1:])
	if opts == nil {
		return false, nil
	}
	if _, err := xc.certs[0].Verify(*opts); err != nil {
		return false, nil
	}
	return true, nil
}

// PublicKey returns the public key of cert.
func (b *X509Backend) PublicKey(c Certificate) (PublicKey, error) {
	cert, err := b.certificate(c)
	if err != nil {
		return nil, err
	}
	switch cert.PublicKey.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return &x509PublicKey{key: cert.PublicKey}, nil
	}
	return nil, fmt.Errorf("unsupported public key algorithm %v", cert.PublicKeyAlgorithm)
}

// DecodeSignature decodes a standard base64 signature.
func (b *X509Backend) DecodeSignature(b64 string) (Signature, error) {
	sig, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	return &x509Signature{sig: sig}, nil
}

// VerifySHA256 checks an RSA PKCS #1 v1.5 or ASN.1 ECDSA signature over the SHA-256 digest of
// message.
func (b *X509Backend) VerifySHA256(message []byte, sig Signature, key PublicKey) (bool, error) {
	xs, ok := sig.(*x509Signature)
	if !ok {
		return false, errWrongHandle
	}
	xk, ok := key.(*x509PublicKey)
	if !ok || xk.key == nil {
		return false, errWrongHandle
	}
	digest := sha256.Sum256(message)
	switch pub := xk.key.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], xs.sig) == nil, nil
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(pub, digest[:], xs.sig), nil
	}
	return false, fmt.Errorf("unsupported public key type %T", xk.key)
}
