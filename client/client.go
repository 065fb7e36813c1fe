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

package client

import (
	"context"
	"net/http"

	"github.com/google/go-sgx-ias/ias"
	"github.com/google/go-sgx-ias/verify"
	"github.com/google/go-sgx-ias/verify/trust"
	"github.com/google/logger"
)

// Client performs IAS API calls over a Connection.
type Client struct {
	Connection *Connection
	// Requester performs the HTTPS exchanges. NewClient sets it to a non-retrying requester over
	// Connection.HTTPClient().
	Requester trust.HTTPSRequester
	// Verify configures report authentication. If Verify.TrustedRoots is nil, the connection's
	// trusted roots are used.
	Verify verify.Options
}

// NewClient returns a client that sends requests over conn's HTTP transport.
func NewClient(conn *Connection) (*Client, error) {
	httpClient, err := conn.HTTPClient()
	if err != nil {
		return nil, err
	}
	return &Client{
		Connection: conn,
		Requester:  &trust.SimpleHTTPSRequester{Client: httpClient},
	}, nil
}

func (c *Client) infof(format string, v ...any) {
	if c.Verify.Level < verify.LevelVerbose {
		return
	}
	if c.Verify.Logger != nil {
		c.Verify.Logger.Infof(format, v...)
		return
	}
	logger.Infof(format, v...)
}

func (c *Client) do(ctx context.Context, req *trust.Request) (*trust.Response, error) {
	c.infof("%s %s", req.Method, req.URL)
	resp, err := c.Requester.Do(ctx, req)
	if err != nil {
		return nil, &ias.ServiceError{Err: err}
	}
	c.infof("IAS responded %d (Request-ID %q)", resp.StatusCode, resp.Header.Get(ias.RequestIDHeader))
	if resp.StatusCode != http.StatusOK {
		return nil, &ias.ServiceError{StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// SigRL returns the base64 signature revocation list of the EPID group gid. An empty list means
// no member of the group has been revoked.
func (c *Client) SigRL(ctx context.Context, gid uint32) (string, error) {
	resp, err := c.do(ctx, &trust.Request{
		Method: http.MethodGet,
		URL:    ias.SigRLURL(c.Connection.BaseURL(), c.Connection.APIVersion(), gid),
	})
	if err != nil {
		return "", err
	}
	return string(resp.Body), nil
}

// Report submits attestation evidence and returns the authenticated report. A nil error does
// not mean the report is trustworthy: callers must check VerifiedReport.Trusted.
func (c *Client) Report(ctx context.Context, payload ias.Payload) (*verify.VerifiedReport, error) {
	resp, err := c.do(ctx, &trust.Request{
		Method: http.MethodPost,
		URL:    ias.ReportURL(c.Connection.BaseURL(), c.Connection.APIVersion()),
		Body:   payload.Marshal(),
		Header: http.Header{"Content-Type": {"application/json"}},
	})
	if err != nil {
		return nil, err
	}
	opts := c.Verify
	if opts.TrustedRoots == nil {
		opts.TrustedRoots = c.Connection.TrustedRoots()
	}
	return verify.ReportResponse(resp, &opts)
}
