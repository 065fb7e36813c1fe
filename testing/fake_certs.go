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

// Package testing defines fakes for the Intel SGX Attestation Service and its report signing
// certificate chain.
package testing

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/url"
	"sync"
	"time"

	"github.com/google/go-sgx-ias/verify/trust"
	"go.uber.org/multierr"
)

const (
	rootExpirationYears         = 30
	intermediateExpirationYears = 10
	signingExpirationYears      = 5

	testKeyBits = 2048
)

// IasSigner encapsulates a key and certificate chain following the shape of the IAS report
// signing chain, with an extra intermediate CA between the signing certificate and the root.
type IasSigner struct {
	Root         *x509.Certificate
	Intermediate *x509.Certificate
	Signing      *x509.Certificate
	Keys         *IasKeys
	// OmitIntermediate leaves the intermediate CA out of ChainPEM, as IAS itself does.
	OmitIntermediate bool
}

// IasKeys encapsulates the key chain of the root CA through the intermediate CA down to the
// report signing key.
type IasKeys struct {
	Root         *rsa.PrivateKey
	Intermediate *rsa.PrivateKey
	// Signing is an *rsa.PrivateKey or *ecdsa.PrivateKey.
	Signing crypto.Signer
}

var (
	keysOnce    sync.Once
	defaultKeys *IasKeys
	keysErr     error
)

// NewIasKeys generates a fresh RSA key set for the root, intermediate and signing certificates.
func NewIasKeys() (*IasKeys, error) {
	var keys IasKeys
	var signing *rsa.PrivateKey
	for _, k := range []**rsa.PrivateKey{&keys.Root, &keys.Intermediate, &signing} {
		key, err := rsa.GenerateKey(rand.Reader, testKeyBits)
		if err != nil {
			return nil, fmt.Errorf("could not generate test key: %v", err)
		}
		*k = key
	}
	keys.Signing = signing
	return &keys, nil
}

// DefaultIasKeys returns an RSA key set for the root, intermediate and signing certificates.
// Keys are generated once per process and shared.
func DefaultIasKeys() (*IasKeys, error) {
	keysOnce.Do(func() { defaultKeys, keysErr = NewIasKeys() })
	if keysErr != nil {
		return nil, keysErr
	}
	k := *defaultKeys
	return &k, nil
}

// EcdsaSigningKey returns a fresh P-256 key for use as IasKeys.Signing.
func EcdsaSigningKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// CertOverride encapsulates certificate aspects that can be overridden when creating a
// certificate chain.
type CertOverride struct {
	SerialNumber *big.Int
	Issuer       *pkix.Name
	Subject      *pkix.Name
	NotBefore    time.Time
	NotAfter     time.Time
	KeyUsage     x509.KeyUsage
}

func (o CertOverride) override(cert *x509.Certificate) *x509.Certificate {
	if o.SerialNumber != nil {
		cert.SerialNumber = o.SerialNumber
	}
	if o.Issuer != nil {
		cert.Issuer = *o.Issuer
	}
	if o.Subject != nil {
		cert.Subject = *o.Subject
	}
	if !o.NotBefore.IsZero() {
		cert.NotBefore = o.NotBefore
	}
	if !o.NotAfter.IsZero() {
		cert.NotAfter = o.NotAfter
	}
	if o.KeyUsage != x509.KeyUsage(0) {
		cert.KeyUsage = o.KeyUsage
	}
	return cert
}

// IasSignerBuilder represents toggleable configurations of the report signing certificate chain.
type IasSignerBuilder struct {
	// Keys contains the private keys that will get a certificate chain structure.
	Keys                     *IasKeys
	RootCreationTime         time.Time
	IntermediateCreationTime time.Time
	SigningCreationTime      time.Time
	RootCustom               CertOverride
	IntermediateCustom       CertOverride
	SigningCustom            CertOverride
	// Intermediate built certificates
	Root         *x509.Certificate
	Intermediate *x509.Certificate
	Signing      *x509.Certificate
}

func intelPkixName(commonName string) pkix.Name {
	return pkix.Name{
		Organization: []string{"Intel Corporation"},
		Country:      []string{"US"},
		Locality:     []string{"Santa Clara"},
		Province:     []string{"CA"},
		CommonName:   commonName,
	}
}

func years(n int) time.Duration {
	return time.Duration(365*24*n) * time.Hour
}

func (b *IasSignerBuilder) certify(template, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) (*x509.Certificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	if err != nil {
		return nil, fmt.Errorf("could not create a certificate from %v: %v", template.Subject, err)
	}
	return x509.ParseCertificate(der)
}

func (b *IasSignerBuilder) certifyRoot() error {
	name := intelPkixName("Test Intel SGX Attestation Report Signing CA")
	cert := &x509.Certificate{
		SerialNumber:          big.NewInt(0xc0dec0de),
		Issuer:                name,
		Subject:               name,
		NotBefore:             b.RootCreationTime,
		NotAfter:              b.RootCreationTime.Add(years(rootExpirationYears)),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	b.RootCustom.override(cert)
	signed, err := b.certify(cert, cert, b.Keys.Root.Public(), b.Keys.Root)
	b.Root = signed
	return err
}

// must be called after certifyRoot
func (b *IasSignerBuilder) certifyIntermediate() error {
	cert := &x509.Certificate{
		SerialNumber:          big.NewInt(0xc0dec0df),
		Subject:               intelPkixName("Test Intel SGX Attestation Report Signing Intermediate CA"),
		NotBefore:             b.IntermediateCreationTime,
		NotAfter:              b.IntermediateCreationTime.Add(years(intermediateExpirationYears)),
		KeyUsage:              x509.KeyUsageCertSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	b.IntermediateCustom.override(cert)
	signed, err := b.certify(cert, b.Root, b.Keys.Intermediate.Public(), b.Keys.Root)
	b.Intermediate = signed
	return err
}

// must be called after certifyIntermediate
func (b *IasSignerBuilder) certifySigning() error {
	cert := &x509.Certificate{
		SerialNumber:          big.NewInt(0xc0dec0e0),
		Subject:               intelPkixName("Test Intel SGX Attestation Report Signing"),
		NotBefore:             b.SigningCreationTime,
		NotAfter:              b.SigningCreationTime.Add(years(signingExpirationYears)),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		BasicConstraintsValid: true,
	}
	b.SigningCustom.override(cert)
	signed, err := b.certify(cert, b.Intermediate, b.Keys.Signing.Public(), b.Keys.Intermediate)
	b.Signing = signed
	return err
}

// TestOnlyCertChain creates a test-only certificate chain from the keys and configurables in b.
func (b *IasSignerBuilder) TestOnlyCertChain() (*IasSigner, error) {
	if b.Keys == nil {
		keys, err := DefaultIasKeys()
		if err != nil {
			return nil, err
		}
		b.Keys = keys
	}
	if err := b.certifyRoot(); err != nil {
		return nil, fmt.Errorf("root creation error: %v", err)
	}
	if err := b.certifyIntermediate(); err != nil {
		return nil, fmt.Errorf("intermediate creation error: %v", err)
	}
	if err := b.certifySigning(); err != nil {
		return nil, fmt.Errorf("signing certificate creation error: %v", err)
	}
	return &IasSigner{
		Root:         b.Root,
		Intermediate: b.Intermediate,
		Signing:      b.Signing,
		Keys:         b.Keys,
	}, nil
}

// DefaultTestOnlyCertChain creates a test-only certificate chain for a fake IAS report signer.
func DefaultTestOnlyCertChain(creationTime time.Time) (*IasSigner, error) {
	b := &IasSignerBuilder{
		RootCreationTime:         creationTime,
		IntermediateCreationTime: creationTime,
		SigningCreationTime:      creationTime,
	}
	return b.TestOnlyCertChain()
}

// Sign signs the SHA-256 digest of body with the signing key. RSA keys produce PKCS #1 v1.5
// signatures and ECDSA keys ASN.1 signatures.
func (s *IasSigner) Sign(body []byte) ([]byte, error) {
	digest := sha256.Sum256(body)
	return s.Keys.Signing.Sign(rand.Reader, digest[:], crypto.SHA256)
}

// SignatureHeader returns the X-IASReport-Signature header value for body.
func (s *IasSigner) SignatureHeader(body []byte) (string, error) {
	sig, err := s.Sign(body)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func encodeCerts(certs ...*x509.Certificate) ([]byte, error) {
	var buf bytes.Buffer
	var errs error
	for _, cert := range certs {
		errs = multierr.Append(errs, pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
	}
	if errs != nil {
		return nil, errs
	}
	return buf.Bytes(), nil
}

// ChainPEM returns the signing certificate followed by its issuers up to the root.
func (s *IasSigner) ChainPEM() (string, error) {
	certs := []*x509.Certificate{s.Signing, s.Intermediate, s.Root}
	if s.OmitIntermediate {
		certs = []*x509.Certificate{s.Signing, s.Root}
	}
	chain, err := encodeCerts(certs...)
	if err != nil {
		return "", err
	}
	return string(chain), nil
}

// CertificateHeader returns the X-IASReport-Signing-Certificate header value.
func (s *IasSigner) CertificateHeader() (string, error) {
	chain, err := s.ChainPEM()
	if err != nil {
		return "", err
	}
	return url.QueryEscape(chain), nil
}

// RootPEM returns the root certificate as a PEM CA bundle.
func (s *IasSigner) RootPEM() ([]byte, error) {
	return encodeCerts(s.Root)
}

// RootCerts returns a trust store holding only the root certificate.
func (s *IasSigner) RootCerts() *trust.RootCerts {
	r := &trust.RootCerts{}
	r.AddCert(s.Root)
	return r
}
