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

package verify_test

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-sgx-ias/abi"
	"github.com/google/go-sgx-ias/ias"
	test "github.com/google/go-sgx-ias/testing"
	"github.com/google/go-sgx-ias/verify"
	"github.com/google/go-sgx-ias/verify/trust"
	"github.com/google/logger"
)

var signMu sync.Once
var signer *test.IasSigner

func initSigner() {
	newSigner, err := test.DefaultTestOnlyCertChain(time.Now())
	if err != nil { // Unexpected
		panic(err)
	}
	signer = newSigner
}

func TestMain(m *testing.M) {
	logger.Init("VerifyTestLog", false, false, os.Stderr)
	os.Exit(m.Run())
}

func testQuote() string {
	q := &abi.QuoteBody{Version: 2, SignType: abi.SignatureTypeLinkable, EpidGroupID: 0xb6c}
	q.ReportBody.MrEnclave[0] = 0x42
	return base64.StdEncoding.EncodeToString(test.FakeQuote(q))
}

// reportResponse returns a report response from fake for a fixed quote.
func reportResponse(t *testing.T, fake *test.FakeIAS) *trust.Response {
	t.Helper()
	payload := ias.NewPayload(map[string]string{ias.QuoteKey: testQuote(), ias.NonceKey: "n0nce"})
	resp, err := fake.Do(context.Background(), &trust.Request{
		Method: http.MethodPost,
		URL:    ias.ReportURL(ias.BaseURL(ias.DevelopmentHost, ias.DefaultPort), ias.DefaultAPIVersion),
		Body:   payload.Marshal(),
	})
	if err != nil {
		t.Fatalf("fake IAS failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fake IAS responded %d", resp.StatusCode)
	}
	return resp
}

type recordingLogger struct {
	infos    []string
	warnings []string
	errors   []string
}

func (l *recordingLogger) Infof(format string, v ...any) {
	l.infos = append(l.infos, fmt.Sprintf(format, v...))
}

func (l *recordingLogger) Warningf(format string, v ...any) {
	l.warnings = append(l.warnings, fmt.Sprintf(format, v...))
}

func (l *recordingLogger) Errorf(format string, v ...any) {
	l.errors = append(l.errors, fmt.Sprintf(format, v...))
}

func TestReportResponse(t *testing.T) {
	signMu.Do(initSigner)
	otherKeys, err := test.NewIasKeys()
	if err != nil {
		t.Fatal(err)
	}
	otherSigner, err := (&test.IasSignerBuilder{
		Keys:                     otherKeys,
		RootCreationTime:         time.Now(),
		IntermediateCreationTime: time.Now(),
		SigningCreationTime:      time.Now(),
	}).TestOnlyCertChain()
	if err != nil {
		t.Fatal(err)
	}
	ecdsaKey, err := test.EcdsaSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	keys, err := test.DefaultIasKeys()
	if err != nil {
		t.Fatal(err)
	}
	keys.Signing = ecdsaKey
	ecdsaSigner, err := (&test.IasSignerBuilder{
		Keys:                     keys,
		RootCreationTime:         time.Now(),
		IntermediateCreationTime: time.Now(),
		SigningCreationTime:      time.Now(),
	}).TestOnlyCertChain()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name          string
		fake          *test.FakeIAS
		roots         *trust.RootCerts
		now           time.Time
		wantChain     bool
		wantSignature bool
		wantWarnings  int
	}{
		{
			name:          "happy path",
			fake:          &test.FakeIAS{Signer: signer},
			roots:         signer.RootCerts(),
			wantChain:     true,
			wantSignature: true,
		},
		{
			name:          "untrusted root",
			fake:          &test.FakeIAS{Signer: signer},
			roots:         otherSigner.RootCerts(),
			wantSignature: true,
			wantWarnings:  1,
		},
		{
			name:          "no roots",
			fake:          &test.FakeIAS{Signer: signer},
			roots:         &trust.RootCerts{},
			wantSignature: true,
			wantWarnings:  1,
		},
		{
			name:          "expired chain",
			fake:          &test.FakeIAS{Signer: signer},
			roots:         signer.RootCerts(),
			now:           time.Now().Add(50 * 365 * 24 * time.Hour),
			wantSignature: true,
			wantWarnings:  1,
		},
		{
			name:         "tampered body",
			fake:         &test.FakeIAS{Signer: signer, TamperBody: true},
			roots:        signer.RootCerts(),
			wantChain:    true,
			wantWarnings: 1,
		},
		{
			name:          "ecdsa signing key",
			fake:          &test.FakeIAS{Signer: ecdsaSigner},
			roots:         ecdsaSigner.RootCerts(),
			wantChain:     true,
			wantSignature: true,
		},
		{
			name: "signature by another key",
			fake: &test.FakeIAS{
				Signer:          signer,
				HeaderOverrides: map[string]string{ias.SignatureHeader: mustSignatureHeader(t, otherSigner)},
			},
			roots:        signer.RootCerts(),
			wantChain:    true,
			wantWarnings: 1,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := reportResponse(t, tc.fake)
			log := &recordingLogger{}
			backend := &test.CountingBackend{Backend: &verify.X509Backend{Now: tc.now}}
			got, err := verify.ReportResponse(resp, &verify.Options{
				TrustedRoots: tc.roots,
				Backend:      backend,
				Logger:       log,
			})
			if err != nil {
				t.Fatalf("ReportResponse() = _, %v, want no error", err)
			}
			if got.ChainVerified != tc.wantChain || got.SignatureVerified != tc.wantSignature {
				t.Errorf("ReportResponse() = chain %t signature %t, want chain %t signature %t",
					got.ChainVerified, got.SignatureVerified, tc.wantChain, tc.wantSignature)
			}
			if got.Trusted() != (tc.wantChain && tc.wantSignature) {
				t.Errorf("Trusted() = %t, want %t", got.Trusted(), tc.wantChain && tc.wantSignature)
			}
			if string(got.Body) != string(resp.Body) {
				t.Errorf("Body = %q, want the raw response body %q", got.Body, resp.Body)
			}
			if len(log.warnings) != tc.wantWarnings {
				t.Errorf("logged warnings %v, want %d", log.warnings, tc.wantWarnings)
			}
			if len(log.infos) != 0 {
				t.Errorf("quiet verification logged %v", log.infos)
			}
			backend.CheckReleased(t)
		})
	}
}

func mustSignatureHeader(t *testing.T, s *test.IasSigner) string {
	t.Helper()
	h, err := s.SignatureHeader([]byte("something else entirely"))
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestReportResponseErrors(t *testing.T) {
	signMu.Do(initSigner)
	tests := []struct {
		name       string
		fake       *test.FakeIAS
		wantErr    error
		wantHeader string
		wantParses int
	}{
		{
			name:       "missing certificate header",
			fake:       &test.FakeIAS{Signer: signer, DropHeaders: []string{ias.SigningCertificateHeader}},
			wantHeader: ias.SigningCertificateHeader,
		},
		{
			name:       "missing signature header",
			fake:       &test.FakeIAS{Signer: signer, DropHeaders: []string{ias.SignatureHeader}},
			wantHeader: ias.SignatureHeader,
			wantParses: 3,
		},
		{
			name:    "invalid escape",
			fake:    &test.FakeIAS{Signer: signer, HeaderOverrides: map[string]string{ias.SigningCertificateHeader: "-----BEGIN%4g"}},
			wantErr: ias.ErrInvalidEscape,
		},
		{
			name:    "truncated escape",
			fake:    &test.FakeIAS{Signer: signer, HeaderOverrides: map[string]string{ias.SigningCertificateHeader: "-----BEGIN%2"}},
			wantErr: ias.ErrPrematureEnd,
		},
		{
			name:       "not a certificate",
			fake:       &test.FakeIAS{Signer: signer, HeaderOverrides: map[string]string{ias.SigningCertificateHeader: "garbage"}},
			wantErr:    ias.ErrCertificateParse,
			wantParses: 1,
		},
		{
			name:       "bad signature encoding",
			fake:       &test.FakeIAS{Signer: signer, HeaderOverrides: map[string]string{ias.SignatureHeader: "not*base64"}},
			wantErr:    ias.ErrSignatureDecode,
			wantParses: 3,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := reportResponse(t, tc.fake)
			backend := &test.CountingBackend{Backend: &verify.X509Backend{}}
			got, err := verify.ReportResponse(resp, &verify.Options{
				TrustedRoots: signer.RootCerts(),
				Backend:      backend,
				Logger:       &recordingLogger{},
			})
			if got != nil {
				t.Errorf("ReportResponse() = %v, want nil", got)
			}
			if tc.wantHeader != "" {
				var missing *ias.MissingHeaderError
				if !errors.As(err, &missing) || missing.Header != tc.wantHeader {
					t.Errorf("ReportResponse() = _, %v, want missing header %s", err, tc.wantHeader)
				}
			} else if !errors.Is(err, tc.wantErr) {
				t.Errorf("ReportResponse() = _, %v, want %v", err, tc.wantErr)
			}
			if tc.wantErr == ias.ErrInvalidEscape || tc.wantErr == ias.ErrPrematureEnd {
				if !errors.Is(err, ias.ErrMalformedHeader) {
					t.Errorf("ReportResponse() = _, %v, want %v", err, ias.ErrMalformedHeader)
				}
			}
			if got := backend.Calls(test.StepParseCertificate); got != tc.wantParses {
				t.Errorf("ParseCertificate called %d times, want %d", got, tc.wantParses)
			}
			backend.CheckReleased(t)
		})
	}
}

func TestReportResponseReleasesOnFailure(t *testing.T) {
	signMu.Do(initSigner)
	resp := reportResponse(t, &test.FakeIAS{Signer: signer})
	type failure struct {
		step    test.Step
		after   int
		wantErr error
	}
	failures := []failure{
		{step: test.StepParseCertificate, after: 1, wantErr: ias.ErrCertificateParse},
		{step: test.StepParseCertificate, after: 2, wantErr: ias.ErrCertificateParse},
	}
	for _, step := range test.AllSteps {
		wantErr := ias.ErrVerificationIndeterminate
		switch step {
		case test.StepParseCertificate:
			wantErr = ias.ErrCertificateParse
		case test.StepDecodeSignature:
			wantErr = ias.ErrSignatureDecode
		}
		failures = append(failures, failure{step: step, wantErr: wantErr})
	}
	for _, f := range failures {
		t.Run(fmt.Sprintf("%v after %d", f.step, f.after), func(t *testing.T) {
			backend := &test.CountingBackend{
				Backend:   &verify.X509Backend{},
				FailAt:    f.step,
				FailAfter: f.after,
			}
			_, err := verify.ReportResponse(resp, &verify.Options{
				TrustedRoots: signer.RootCerts(),
				Backend:      backend,
				Logger:       &recordingLogger{},
			})
			if !errors.Is(err, f.wantErr) {
				t.Errorf("ReportResponse() = _, %v, want %v", err, f.wantErr)
			}
			backend.CheckReleased(t)
		})
	}

	t.Run("success", func(t *testing.T) {
		backend := &test.CountingBackend{Backend: &verify.X509Backend{}}
		if _, err := verify.ReportResponse(resp, &verify.Options{TrustedRoots: signer.RootCerts(), Backend: backend}); err != nil {
			t.Fatal(err)
		}
		// Three certificates, the chain, the signature and the public key.
		if got := backend.Acquired(); got != 6 {
			t.Errorf("Acquired() = %d, want 6", got)
		}
		backend.CheckReleased(t)
	})
}

func TestReportResponseLogging(t *testing.T) {
	signMu.Do(initSigner)
	resp := reportResponse(t, &test.FakeIAS{Signer: signer})
	for _, tc := range []struct {
		level     verify.Level
		wantInfos []string
	}{
		{level: verify.LevelQuiet},
		{
			level: verify.LevelVerbose,
			wantInfos: []string{
				"IAS signing chain has 3 certificate(s)",
				"IAS report: chain verified: true, signature verified: true",
			},
		},
		{
			level: verify.LevelDebug,
			wantInfos: []string{
				"IAS signing chain:",
				"certificate 0: CN=Test Intel SGX Attestation Report Signing,",
				"certificate 2: CN=Test Intel SGX Attestation Report Signing CA,",
				"IAS signing chain has 3 certificate(s)",
				"IAS report signature: ",
				"IAS report: chain verified: true, signature verified: true",
			},
		},
	} {
		log := &recordingLogger{}
		if _, err := verify.ReportResponse(resp, &verify.Options{
			TrustedRoots: signer.RootCerts(),
			Logger:       log,
			Level:        tc.level,
		}); err != nil {
			t.Fatal(err)
		}
		if len(log.infos) < len(tc.wantInfos) {
			t.Errorf("level %d logged %d infos, want at least %d: %v", tc.level, len(log.infos), len(tc.wantInfos), log.infos)
			continue
		}
		all := strings.Join(log.infos, "\n")
		for _, want := range tc.wantInfos {
			if !strings.Contains(all, want) {
				t.Errorf("level %d logs %q do not contain %q", tc.level, all, want)
			}
		}
		if tc.level == verify.LevelQuiet && len(log.infos) != 0 {
			t.Errorf("quiet level logged %v", log.infos)
		}
	}
}

func TestVerifiedReportParse(t *testing.T) {
	signMu.Do(initSigner)
	fake := &test.FakeIAS{
		Signer:      signer,
		AdvisoryURL: "https://security-center.intel.com",
		AdvisoryIDs: []string{"INTEL-SA-00219", "INTEL-SA-00289"},
	}
	resp := reportResponse(t, fake)
	got, err := verify.ReportResponse(resp, verify.DefaultOptions(signer.RootCerts()))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Trusted() {
		t.Fatalf("Trusted() = false, want true")
	}
	if got.RequestID == "" {
		t.Errorf("RequestID is empty, want the Request-ID header")
	}
	report, err := got.Parse()
	if err != nil {
		t.Fatalf("Parse() = _, %v, want no error", err)
	}
	if report.Nonce != "n0nce" || report.ID != got.RequestID {
		t.Errorf("Parse() = %+v, want nonce n0nce and id %s", report, got.RequestID)
	}
	if diff := cmp.Diff(fake.AdvisoryIDs, report.AdvisoryIDs); diff != "" {
		t.Errorf("AdvisoryIDs returned unexpected diff (-want +got):\n%s", diff)
	}
	if report.AdvisoryURL != fake.AdvisoryURL {
		t.Errorf("AdvisoryURL = %q, want %q", report.AdvisoryURL, fake.AdvisoryURL)
	}
	body, err := report.QuoteBody()
	if err != nil {
		t.Fatal(err)
	}
	if body.ReportBody.MrEnclave[0] != 0x42 {
		t.Errorf("MRENCLAVE[0] = 0x%x, want 0x42", body.ReportBody.MrEnclave[0])
	}
	again, _ := got.Parse()
	if again != report {
		t.Errorf("Parse() is not cached")
	}
}

func TestReportResponseNilArguments(t *testing.T) {
	if _, err := verify.ReportResponse(nil, &verify.Options{}); err == nil {
		t.Errorf("ReportResponse(nil, _) = _, nil, want error")
	}
	if _, err := verify.ReportResponse(&trust.Response{}, nil); err == nil {
		t.Errorf("ReportResponse(_, nil) = _, nil, want error")
	}
}

// Ensure that the backends implement the expected interface.
var (
	_ = verify.Backend(&verify.X509Backend{})
	_ = verify.Backend(&test.CountingBackend{})
	_ = verify.Logger(&logger.Logger{})
)
