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

// Package trust defines core trust types and values for IAS report verification.
package trust

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// RootCerts is the set of CA certificates that an IAS report signing chain must lead to.
type RootCerts struct {
	certs []*x509.Certificate
}

// FromPEMBytes returns the root certificates encoded as one or more PEM CERTIFICATE blocks in
// data. Blocks of any other type are ignored.
func FromPEMBytes(data []byte) (*RootCerts, error) {
	r := &RootCerts{}
	if err := r.AddPEM(data); err != nil {
		return nil, err
	}
	return r, nil
}

// FromPEMFile returns the root certificates in the PEM file at path.
func FromPEMFile(path string) (*RootCerts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read CA bundle: %v", err)
	}
	r, err := FromPEMBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// LoadRootCerts returns the union of the CA bundles at paths. Every bundle is attempted, and all
// failures are reported together.
func LoadRootCerts(paths ...string) (*RootCerts, error) {
	result := &RootCerts{}
	var errs error
	for _, path := range paths {
		r, err := FromPEMFile(path)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		result.certs = append(result.certs, r.certs...)
	}
	if errs != nil {
		return nil, errs
	}
	return result, nil
}

// AddPEM adds every certificate in the PEM-encoded data to r.
func (r *RootCerts) AddPEM(data []byte) error {
	var certs []*x509.Certificate
	var errs error
	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("could not parse certificate %d: %v", len(certs), err))
			continue
		}
		certs = append(certs, cert)
	}
	if errs != nil {
		return errs
	}
	if len(certs) == 0 {
		return fmt.Errorf("no PEM CERTIFICATE block found")
	}
	r.certs = append(r.certs, certs...)
	return nil
}

// AddCert adds a parsed certificate to r.
func (r *RootCerts) AddCert(cert *x509.Certificate) {
	r.certs = append(r.certs, cert)
}

// Len returns the number of root certificates in r.
func (r *RootCerts) Len() int {
	if r == nil {
		return 0
	}
	return len(r.certs)
}

// Certificates returns the root certificates in the order they were added.
func (r *RootCerts) Certificates() []*x509.Certificate {
	if r == nil {
		return nil
	}
	return append([]*x509.Certificate(nil), r.certs...)
}

// X509Options returns verification options that accept chains ending in one of r's
// certificates through the given intermediates, evaluated at time now. A zero now means the
// current time. Returns nil if r holds no certificates.
func (r *RootCerts) X509Options(now time.Time, intermediates []*x509.Certificate) *x509.VerifyOptions {
	if r.Len() == 0 {
		return nil
	}
	roots := x509.NewCertPool()
	for _, cert := range r.certs {
		roots.AddCert(cert)
	}
	inters := x509.NewCertPool()
	for _, cert := range intermediates {
		inters.AddCert(cert)
	}
	return &x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inters,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
}

// Request is a single HTTPS exchange to perform against IAS.
type Request struct {
	// Method is GET or POST.
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// Response is a complete HTTPS response. Header lookups through Header.Get are
// case-insensitive.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// HTTPSRequester represents the ability to perform an HTTPS exchange with IAS. A returned error
// means no response was received at all; any HTTP status is reported through the Response.
type HTTPSRequester interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// SimpleHTTPSRequester implements HTTPSRequester with an http.Client.
type SimpleHTTPSRequester struct {
	// Client performs the exchange. If nil, http.DefaultClient is used.
	Client *http.Client
}

// Do sends req and reads the full response body.
func (s *SimpleHTTPSRequester) Do(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, errors.Wrapf(err, "could not create %s request", req.Method)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", req.Method, req.URL)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "could not read response body")
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

// RetryHTTPSRequester is a meta-HTTPS requester that retries transient failures: transport
// errors, 429 Too Many Requests, and 5xx statuses. Other statuses are returned immediately.
type RetryHTTPSRequester struct {
	// Timeout is how long to retry before failure. A non-positive Timeout makes a single attempt.
	Timeout time.Duration
	// MaxRetryDelay is the maximum amount of time to wait between retries.
	MaxRetryDelay time.Duration
	// Requester is the non-retrying way of performing an exchange.
	Requester HTTPSRequester
}

func retryable(resp *Response) bool {
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
}

// Do performs req, retrying with exponential delay until it succeeds, fails permanently, or
// the timeout or ctx expires. When retries are exhausted the last response is returned if there
// was one, otherwise the last error.
func (n *RetryHTTPSRequester) Do(ctx context.Context, req *Request) (*Response, error) {
	delay := 2 * time.Second
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n.Timeout <= 0 {
		return n.Requester.Do(ctx, req)
	}
	ctx, cancel := context.WithTimeout(ctx, n.Timeout)
	defer cancel()
	for {
		resp, err := n.Requester.Do(ctx, req)
		if err == nil && !retryable(resp) {
			return resp, nil
		}
		delay = delay + delay
		if delay > n.MaxRetryDelay {
			delay = n.MaxRetryDelay
		}
		select {
		case <-ctx.Done():
			if err == nil {
				return resp, nil
			}
			return nil, errors.Wrapf(err, "gave up after %v", n.Timeout)
		case <-time.After(delay): // wait to retry
		}
	}
}

// DefaultHTTPSRequester returns a retrying requester over client, paced for IAS rate limits.
func DefaultHTTPSRequester(client *http.Client) HTTPSRequester {
	return &RetryHTTPSRequester{
		Timeout:       2 * time.Minute,
		MaxRetryDelay: 30 * time.Second,
		Requester:     &SimpleHTTPSRequester{Client: client},
	}
}
