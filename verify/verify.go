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

// Package verify authenticates IAS report responses: it checks the signing certificate chain
// delivered with a report against trusted roots and the report signature against the signing
// certificate.
package verify

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/go-sgx-ias/abi"
	"github.com/google/go-sgx-ias/ias"
	"github.com/google/go-sgx-ias/verify/trust"
	"github.com/google/logger"
)

// Level controls how much of the verification is logged.
type Level int

const (
	// LevelQuiet logs only warnings about failed checks.
	LevelQuiet Level = iota
	// LevelVerbose also logs the shape of the signing chain and the verification outcome.
	LevelVerbose
	// LevelDebug also logs certificate subjects, the decoded chain and the signature.
	LevelDebug
)

// Logger is the logging interface verification reports through. *logger.Logger implements it.
type Logger interface {
	Infof(format string, v ...any)
	Warningf(format string, v ...any)
	Errorf(format string, v ...any)
}

type defaultLogger struct{}

func (defaultLogger) Infof(format string, v ...any)    { logger.Infof(format, v...) }
func (defaultLogger) Warningf(format string, v ...any) { logger.Warningf(format, v...) }
func (defaultLogger) Errorf(format string, v ...any)   { logger.Errorf(format, v...) }

// Options represents verification options for an IAS report response.
type Options struct {
	// TrustedRoots are the CA certificates the report signing chain must lead to. If empty, no
	// chain verifies.
	TrustedRoots *trust.RootCerts
	// Backend performs the cryptographic operations. If nil, uses an X509Backend at Now.
	Backend Backend
	// Now is the time at which to verify the validity of certificates. If unset, uses time.Now().
	Now time.Time
	// Logger receives verification logs. If nil, logs go to the google/logger default logger.
	Logger Logger
	// Level is the verbosity of verification logs.
	Level Level
}

// DefaultOptions returns options that trust the given roots.
func DefaultOptions(roots *trust.RootCerts) *Options {
	return &Options{TrustedRoots: roots}
}

func (o *Options) backend() Backend {
	if o.Backend != nil {
		return o.Backend
	}
	return &X509Backend{Now: o.Now}
}

func (o *Options) logger() Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return defaultLogger{}
}

// VerifiedReport is an IAS report body together with the outcome of its authentication.
type VerifiedReport struct {
	// Body is the raw report as IAS delivered it. The signature covers exactly these bytes.
	Body []byte
	// ChainVerified is whether the signing certificate chain leads to a trusted root.
	ChainVerified bool
	// SignatureVerified is whether the report signature verifies with the first certificate of
	// the signing chain.
	SignatureVerified bool
	// RequestID is the IAS Request-ID header, if any.
	RequestID string
	// AdvisoryURL and AdvisoryIDs are from the Advisory-URL and Advisory-IDs headers, if any.
	AdvisoryURL string
	AdvisoryIDs []string

	once   sync.Once
	report *abi.Report
	err    error
}

// Trusted returns whether both the signing chain and the report signature verified. A report
// that is not trusted must not be acted on.
func (v *VerifiedReport) Trusted() bool {
	return v.ChainVerified && v.SignatureVerified
}

// Parse returns the decoded report body. Advisory fields missing from the body are filled in
// from the response headers. The result is computed once.
func (v *VerifiedReport) Parse() (*abi.Report, error) {
	v.once.Do(func() {
		v.report, v.err = abi.ParseReport(v.Body)
		if v.err != nil {
			return
		}
		if v.report.AdvisoryURL == "" {
			v.report.AdvisoryURL = v.AdvisoryURL
		}
		if len(v.report.AdvisoryIDs) == 0 {
			v.report.AdvisoryIDs = v.AdvisoryIDs
		}
	})
	return v.report, v.err
}

func splitAdvisoryIDs(header string) []string {
	var ids []string
	for _, id := range strings.Split(header, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func indeterminate(step string, err error) error {
	return fmt.Errorf("%w: %s: %v", ias.ErrVerificationIndeterminate, step, err)
}

// ReportResponse authenticates a successful response from the IAS report API.
//
// The chain in the X-IASReport-Signing-Certificate header is verified against
// options.TrustedRoots, and the X-IASReport-Signature header against the response body with the
// key of the chain's first certificate. A check that runs and fails is recorded in the result
// rather than returned as an error, so callers must consult Trusted(). Errors are returned for
// missing or undecodable headers, unparsable certificates, and checks the backend could not
// perform.
func ReportResponse(resp *trust.Response, options *Options) (*VerifiedReport, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}
	if options == nil {
		return nil, fmt.Errorf("options cannot be nil")
	}
	backend := options.backend()
	log := options.logger()

	certHeader := resp.Header.Get(ias.SigningCertificateHeader)
	if certHeader == "" {
		return nil, &ias.MissingHeaderError{Header: ias.SigningCertificateHeader}
	}
	chainText, err := ias.URLDecode(certHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ias.ErrMalformedHeader, ias.SigningCertificateHeader, err)
	}
	if options.Level >= LevelDebug {
		log.Infof("IAS signing chain:\n%s", chainText)
	}

	docs := ias.SplitPEMChain(chainText)
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: empty certificate chain", ias.ErrCertificateParse)
	}
	certs := make([]Certificate, 0, len(docs))
	defer func() {
		for _, cert := range certs {
			cert.Release()
		}
	}()
	for i, doc := range docs {
		cert, err := backend.ParseCertificate(doc)
		if err != nil {
			return nil, fmt.Errorf("%w: certificate %d: %v", ias.ErrCertificateParse, i, err)
		}
		certs = append(certs, cert)
		if options.Level >= LevelDebug {
			if s, ok := cert.(fmt.Stringer); ok {
				log.Infof("IAS signing chain certificate %d: %s", i, s)
			}
		}
	}
	if options.Level >= LevelVerbose {
		log.Infof("IAS signing chain has %d certificate(s)", len(certs))
	}

	chain, err := backend.NewChain(certs)
	if err != nil {
		return nil, indeterminate("could not build certificate chain", err)
	}
	defer chain.Release()
	chainVerified, err := backend.VerifyChain(options.TrustedRoots, chain)
	if err != nil {
		return nil, indeterminate("could not verify certificate chain", err)
	}
	if !chainVerified {
		log.Warningf("IAS signing certificate chain does not lead to a trusted root")
	}

	sigHeader := resp.Header.Get(ias.SignatureHeader)
	if sigHeader == "" {
		return nil, &ias.MissingHeaderError{Header: ias.SignatureHeader}
	}
	sig, err := backend.DecodeSignature(sigHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ias.ErrSignatureDecode, err)
	}
	defer sig.Release()
	if options.Level >= LevelDebug {
		log.Infof("IAS report signature: %s", sigHeader)
	}

	key, err := backend.PublicKey(certs[0])
	if err != nil {
		return nil, indeterminate("could not extract signing key", err)
	}
	defer key.Release()
	signatureVerified, err := backend.VerifySHA256(resp.Body, sig, key)
	if err != nil {
		return nil, indeterminate("could not verify report signature", err)
	}
	if !signatureVerified {
		log.Warningf("IAS report signature does not verify")
	}
	if options.Level >= LevelVerbose {
		log.Infof("IAS report: chain verified: %t, signature verified: %t", chainVerified, signatureVerified)
	}

	return &VerifiedReport{
		Body:              resp.Body,
		ChainVerified:     chainVerified,
		SignatureVerified: signatureVerified,
		RequestID:         resp.Header.Get(ias.RequestIDHeader),
		AdvisoryURL:       resp.Header.Get(ias.AdvisoryURLHeader),
		AdvisoryIDs:       splitAdvisoryIDs(resp.Header.Get(ias.AdvisoryIDsHeader)),
	}, nil
}
