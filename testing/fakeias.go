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

package testing

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/go-sgx-ias/abi"
	"github.com/google/go-sgx-ias/ias"
	"github.com/google/go-sgx-ias/verify/trust"
	"github.com/google/uuid"
)

// FakeIAS implements trust.HTTPSRequester and http.Handler to answer sigrl and report requests
// like the Intel SGX Attestation Service, with reports signed by Signer.
type FakeIAS struct {
	Signer *IasSigner
	// SigRLs maps EPID group IDs to their revocation lists. Groups not present have an empty list.
	SigRLs map[uint32][]byte
	// QuoteStatus is the isvEnclaveQuoteStatus of every report. If empty, uses abi.QuoteOK.
	QuoteStatus abi.QuoteStatus
	// StatusCode, if nonzero, is returned for every request instead of a real answer.
	StatusCode int
	// AdvisoryURL and AdvisoryIDs are returned in the advisory headers when set.
	AdvisoryURL string
	AdvisoryIDs []string
	// DropHeaders are removed from every report response.
	DropHeaders []string
	// HeaderOverrides replace report response headers after signing.
	HeaderOverrides map[string]string
	// TamperBody changes the report body after it has been signed.
	TamperBody bool
	// Now is the report timestamp. If nil, uses time.Now.
	Now func() time.Time

	mu       sync.Mutex
	requests []*trust.Request
}

// Requests returns every request the fake has received, in order.
func (f *FakeIAS) Requests() []*trust.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*trust.Request(nil), f.requests...)
}

func (f *FakeIAS) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func fakeResponse(status int, body string) *trust.Response {
	return &trust.Response{StatusCode: status, Header: http.Header{}, Body: []byte(body)}
}

// parsePath splits an IAS API path into its version number and operation.
func parsePath(path string) (uint16, string, error) {
	const prefix = "/attestation/sgx/v"
	if !strings.HasPrefix(path, prefix) {
		return 0, "", fmt.Errorf("not an IAS API path: %q", path)
	}
	rest := path[len(prefix):]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return 0, "", fmt.Errorf("no API operation in %q", path)
	}
	version, err := strconv.ParseUint(rest[:slash], 10, 16)
	if err != nil {
		return 0, "", fmt.Errorf("bad API version in %q: %v", path, err)
	}
	return uint16(version), rest[slash:], nil
}

// Do answers req as IAS would.
func (f *FakeIAS) Do(_ context.Context, req *trust.Request) (*trust.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.StatusCode != 0 {
		return fakeResponse(f.StatusCode, ""), nil
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	version, op, err := parsePath(u.Path)
	if err != nil {
		return fakeResponse(http.StatusNotFound, err.Error()), nil
	}
	if ias.ValidAPIVersion(version) != nil {
		return fakeResponse(http.StatusNotFound, ""), nil
	}
	switch {
	case strings.HasPrefix(op, "/sigrl/"):
		if req.Method != http.MethodGet {
			return fakeResponse(http.StatusMethodNotAllowed, ""), nil
		}
		return f.sigrl(strings.TrimPrefix(op, "/sigrl/")), nil
	case op == "/report":
		if req.Method != http.MethodPost {
			return fakeResponse(http.StatusMethodNotAllowed, ""), nil
		}
		return f.report(version, req.Body)
	}
	return fakeResponse(http.StatusNotFound, ""), nil
}

func (f *FakeIAS) sigrl(gidHex string) *trust.Response {
	if len(gidHex) != 8 {
		return fakeResponse(http.StatusBadRequest, "")
	}
	gid, err := strconv.ParseUint(gidHex, 16, 32)
	if err != nil {
		return fakeResponse(http.StatusBadRequest, "")
	}
	resp := fakeResponse(http.StatusOK, "")
	resp.Header.Set(ias.RequestIDHeader, strings.ReplaceAll(uuid.NewString(), "-", ""))
	if sigrl, ok := f.SigRLs[uint32(gid)]; ok {
		resp.Body = []byte(base64.StdEncoding.EncodeToString(sigrl))
	}
	return resp
}

func (f *FakeIAS) report(version uint16, payload []byte) (*trust.Response, error) {
	evidence := map[string]string{}
	if err := json.Unmarshal(payload, &evidence); err != nil {
		return fakeResponse(http.StatusBadRequest, ""), nil
	}
	quote, err := base64.StdEncoding.DecodeString(evidence[ias.QuoteKey])
	if err != nil || len(quote) < abi.QuoteBodySize {
		return fakeResponse(http.StatusBadRequest, ""), nil
	}
	status := f.QuoteStatus
	if status == "" {
		status = abi.QuoteOK
	}
	report := &abi.Report{
		ID:                    strings.ReplaceAll(uuid.NewString(), "-", ""),
		Timestamp:             f.now().UTC().Format(abi.TimestampLayout),
		Version:               int(version),
		IsvEnclaveQuoteStatus: status,
		IsvEnclaveQuoteBody:   base64.StdEncoding.EncodeToString(quote[:abi.QuoteBodySize]),
		Nonce:                 evidence[ias.NonceKey],
	}
	if manifest, ok := evidence[ias.PseManifestKey]; ok {
		digest := sha256.Sum256([]byte(manifest))
		report.PseManifestStatus = "OK"
		report.PseManifestHash = strings.ToUpper(hex.EncodeToString(digest[:]))
	}
	if version >= 4 {
		report.AdvisoryURL = f.AdvisoryURL
		report.AdvisoryIDs = f.AdvisoryIDs
	}
	body, err := report.Marshal()
	if err != nil {
		return nil, err
	}
	certHeader, err := f.Signer.CertificateHeader()
	if err != nil {
		return nil, err
	}
	sigHeader, err := f.Signer.SignatureHeader(body)
	if err != nil {
		return nil, err
	}
	if f.TamperBody {
		body = bytes.Replace(body, []byte(report.ID), []byte(strings.Repeat("0", len(report.ID))), 1)
	}
	resp := fakeResponse(http.StatusOK, "")
	resp.Body = body
	resp.Header.Set("Content-Type", "application/json")
	resp.Header.Set(ias.RequestIDHeader, report.ID)
	resp.Header.Set(ias.SigningCertificateHeader, certHeader)
	resp.Header.Set(ias.SignatureHeader, sigHeader)
	if f.AdvisoryURL != "" {
		resp.Header.Set(ias.AdvisoryURLHeader, f.AdvisoryURL)
	}
	if len(f.AdvisoryIDs) > 0 {
		resp.Header.Set(ias.AdvisoryIDsHeader, strings.Join(f.AdvisoryIDs, ","))
	}
	for _, h := range f.DropHeaders {
		resp.Header.Del(h)
	}
	for h, v := range f.HeaderOverrides {
		resp.Header.Set(h, v)
	}
	return resp, nil
}

// ServeHTTP serves the fake over a real HTTP server, e.g., httptest.NewTLSServer.
func (f *FakeIAS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := f.Do(r.Context(), &trust.Request{
		Method: r.Method,
		URL:    r.URL.String(),
		Body:   body,
		Header: r.Header,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for h, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(h, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// FakeQuote returns an SGX quote with body q followed by a placeholder EPID signature.
func FakeQuote(q *abi.QuoteBody) []byte {
	sig := bytes.Repeat([]byte{0x5a}, 0x40)
	quote := q.Marshal()
	quote = binary.LittleEndian.AppendUint32(quote, uint32(len(sig)))
	return append(quote, sig...)
}
