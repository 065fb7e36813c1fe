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
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/google/go-sgx-ias/abi"
	"github.com/google/go-sgx-ias/ias"
	test "github.com/google/go-sgx-ias/testing"
	"github.com/google/go-sgx-ias/verify"
	"github.com/google/go-sgx-ias/verify/trust"
	"github.com/google/logger"
	"github.com/stretchr/testify/require"
)

var signMu sync.Once
var signer *test.IasSigner

// Generating the signing chain is expensive. Just do it once for the test suite.
func initSigner() {
	newSigner, err := test.DefaultTestOnlyCertChain(time.Now())
	if err != nil { // Unexpected
		panic(err)
	}
	signer = newSigner
}

func TestMain(m *testing.M) {
	logger.Init("ClientTestLog", false, false, os.Stderr)
	os.Exit(m.Run())
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		name   string
		server ias.Server
		opts   []Option
		want   string
	}{
		{
			name:   "development",
			server: ias.DevelopmentServer,
			want:   "https://test-as.sgx.trustedservices.intel.com/attestation/sgx/v",
		},
		{
			name:   "production",
			server: ias.ProductionServer,
			want:   "https://as.sgx.trustedservices.intel.com/attestation/sgx/v",
		},
		{
			name: "custom port",
			opts: []Option{WithHost("ias.example.com", 8443)},
			want: "https://ias.example.com:8443/attestation/sgx/v",
		},
		{
			name: "default port",
			opts: []Option{WithHost("ias.example.com", 0)},
			want: "https://ias.example.com/attestation/sgx/v",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewConnection(tc.server, tc.opts...)
			if err != nil {
				t.Fatalf("NewConnection() = _, %v, want no error", err)
			}
			if got := c.BaseURL(); got != tc.want {
				t.Errorf("BaseURL() = %q, want %q", got, tc.want)
			}
			if got := c.APIVersion(); got != ias.DefaultAPIVersion {
				t.Errorf("APIVersion() = %d, want %d", got, ias.DefaultAPIVersion)
			}
		})
	}
}

func TestConnectionConfigErrors(t *testing.T) {
	for _, opt := range []Option{WithAPIVersion(1), WithAPIVersion(5), WithHost("", 443)} {
		if _, err := NewConnection(ias.DevelopmentServer, opt); !errors.Is(err, ias.ErrConfig) {
			t.Errorf("NewConnection() = _, %v, want %v", err, ias.ErrConfig)
		}
	}
	c, err := NewConnection(ias.DevelopmentServer, WithAPIVersion(4))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SetProxy("", 3128); !errors.Is(err, ias.ErrConfig) {
		t.Errorf("SetProxy(\"\", 3128) = %v, want %v", err, ias.ErrConfig)
	}
	if err := c.SetClientCertificate("cert.der", "DER"); !errors.Is(err, ias.ErrConfig) {
		t.Errorf("SetClientCertificate(_, DER) = %v, want %v", err, ias.ErrConfig)
	}
	if err := c.SetClientCertificate("cert.p12", "p12"); err != nil {
		t.Errorf("SetClientCertificate(_, p12) = %v, want nil", err)
	}
	if c.certFormat != FormatP12 {
		t.Errorf("certificate format = %q, want %q", c.certFormat, FormatP12)
	}
	if err := c.SetClientCertificate("cert.p12", ""); err != nil || c.certFormat != FormatP12 {
		t.Errorf("SetClientCertificate(_, \"\") = %v with format %q, want the format kept", err, c.certFormat)
	}
}

func TestParseProxyMode(t *testing.T) {
	for in, want := range map[string]ProxyMode{"": ProxyAuto, "auto": ProxyAuto, "ON": ProxyForceOn, "off": ProxyForceOff} {
		got, err := ParseProxyMode(in)
		if err != nil || got != want {
			t.Errorf("ParseProxyMode(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := ParseProxyMode("sometimes"); !errors.Is(err, ias.ErrConfig) {
		t.Errorf("ParseProxyMode(sometimes) = _, %v, want %v", err, ias.ErrConfig)
	}
}

func TestPassphrase(t *testing.T) {
	c, err := NewConnection(ias.DevelopmentServer)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Passphrase()
	if err != nil || len(got) != 0 {
		t.Errorf("Passphrase() without a key = %q, %v, want empty", got, err)
	}

	for _, pass := range []string{"secret", "a much longer passphrase than before", "x", ""} {
		if err := c.SetClientKey("key.pem", []byte(pass)); err != nil {
			t.Fatalf("SetClientKey(_, %q) = %v", pass, err)
		}
		if len(c.secret.xored) != len(pass) || len(c.secret.mask) != len(pass) {
			t.Errorf("masked secret lengths %d and %d, want %d", len(c.secret.xored), len(c.secret.mask), len(pass))
		}
		if len(pass) > 8 && bytes.Equal(c.secret.xored, []byte(pass)) {
			t.Errorf("passphrase %q stored unmasked", pass)
		}
		got, err := c.Passphrase()
		if err != nil {
			t.Fatalf("Passphrase() = _, %v", err)
		}
		if string(got) != pass {
			t.Errorf("Passphrase() = %q, want %q", got, pass)
		}
		Wipe(got)
		if !bytes.Equal(got, make([]byte, len(pass))) {
			t.Errorf("Wipe() left %q", got)
		}
	}

	if err := c.SetClientKey("key.pem", nil); err != nil {
		t.Fatal(err)
	}
	if c.secret != nil {
		t.Errorf("SetClientKey(_, nil) kept a passphrase")
	}
}

func TestSetClientKeyKeepsStateOnFailure(t *testing.T) {
	c, err := NewConnection(ias.DevelopmentServer)
	if err != nil {
		t.Fatal(err)
	}
	require.NoError(t, c.SetClientKey("old.pem", []byte("old secret")))
	old := c.secret

	c.rand = iotest.ErrReader(errors.New("no entropy"))
	err = c.SetClientKey("new.pem", []byte("new secret"))
	require.ErrorIs(t, err, ias.ErrConfig)
	require.NotContains(t, err.Error(), "new secret")
	require.Equal(t, "old.pem", c.keyPath)
	require.Same(t, old, c.secret)
	got, err := c.Passphrase()
	require.NoError(t, err)
	require.Equal(t, "old secret", string(got))
}

func TestCloseWipesPassphrase(t *testing.T) {
	c, err := NewConnection(ias.DevelopmentServer)
	require.NoError(t, err)
	require.NoError(t, c.SetClientKey("key.pem", []byte("secret")))
	xored, mask := c.secret.xored, c.secret.mask
	c.Close()
	require.Equal(t, make([]byte, 6), xored)
	require.Equal(t, make([]byte, 6), mask)
	_, err = c.Passphrase()
	require.ErrorIs(t, err, ias.ErrConfig)

	// Replacing a key also wipes the old buffers.
	require.NoError(t, c.SetClientKey("key.pem", []byte("first")))
	xored = c.secret.xored
	require.NoError(t, c.SetClientKey("key.pem", []byte("second")))
	require.Equal(t, make([]byte, 5), xored)

	// Clearing the key after Close leaves a usable connection without a passphrase.
	c.Close()
	require.NoError(t, c.SetClientKey("key.pem", nil))
	got, err := c.Passphrase()
	require.NoError(t, err)
	require.Empty(t, got)
}

func proxyFor(t *testing.T, c *Connection) *url.URL {
	t.Helper()
	hc, err := c.HTTPClient()
	require.NoError(t, err)
	transport := hc.Transport.(*http.Transport)
	if transport.Proxy == nil {
		return nil
	}
	req, err := http.NewRequest(http.MethodGet, ias.SigRLURL(c.BaseURL(), 3, 0), nil)
	require.NoError(t, err)
	u, err := transport.Proxy(req)
	require.NoError(t, err)
	return u
}

func TestProxyModes(t *testing.T) {
	c, err := NewConnection(ias.DevelopmentServer)
	require.NoError(t, err)

	c.SetProxyMode(ProxyForceOn)
	_, err = c.HTTPClient()
	require.ErrorIs(t, err, ias.ErrConfig)

	require.NoError(t, c.SetProxy("proxy.example.com", 3128))
	require.Equal(t, "http://proxy.example.com:3128", proxyFor(t, c).String())

	c.SetProxyMode(ProxyAuto)
	require.Equal(t, "http://proxy.example.com:3128", proxyFor(t, c).String())

	c.SetProxyMode(ProxyForceOff)
	require.Nil(t, proxyFor(t, c))
}

type clientCredentials struct {
	certPath         string
	keyPath          string
	encryptedKeyPath string
	cert             *x509.Certificate
}

func writeClientCredentials(t *testing.T, passphrase []byte) *clientCredentials {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "IAS subscriber"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	encrypted, err := x509.EncryptPEMBlock(rand.Reader, "EC PRIVATE KEY", keyDER, passphrase, x509.PEMCipherAES256)
	require.NoError(t, err)

	dir := t.TempDir()
	creds := &clientCredentials{
		certPath:         filepath.Join(dir, "client.crt"),
		keyPath:          filepath.Join(dir, "client.key"),
		encryptedKeyPath: filepath.Join(dir, "client-encrypted.key"),
		cert:             cert,
	}
	require.NoError(t, os.WriteFile(creds.certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.WriteFile(creds.keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))
	require.NoError(t, os.WriteFile(creds.encryptedKeyPath, pem.EncodeToMemory(encrypted), 0600))
	return creds
}

func TestClientCertificate(t *testing.T) {
	passphrase := []byte("hunter2")
	creds := writeClientCredentials(t, passphrase)
	tests := []struct {
		name       string
		keyPath    string
		passphrase []byte
		format     string
		wantErr    string
	}{
		{name: "plain key", keyPath: creds.keyPath},
		{name: "encrypted key", keyPath: creds.encryptedKeyPath, passphrase: passphrase},
		{name: "wrong passphrase", keyPath: creds.encryptedKeyPath, passphrase: []byte("hunter3"), wantErr: "client key"},
		{name: "missing key", keyPath: creds.keyPath + ".missing", wantErr: "could not read client key"},
		{name: "p12 of PEM data", keyPath: creds.keyPath, format: FormatP12, wantErr: "could not decode P12 client certificate"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewConnection(ias.DevelopmentServer)
			require.NoError(t, err)
			require.NoError(t, c.SetClientCertificate(creds.certPath, tc.format))
			require.NoError(t, c.SetClientKey(tc.keyPath, tc.passphrase))
			hc, err := c.HTTPClient()
			if tc.wantErr != "" {
				require.ErrorIs(t, err, ias.ErrConfig)
				require.ErrorContains(t, err, tc.wantErr)
				if tc.passphrase != nil {
					require.NotContains(t, err.Error(), string(tc.passphrase))
				}
				return
			}
			require.NoError(t, err)
			certs := hc.Transport.(*http.Transport).TLSClientConfig.Certificates
			require.Len(t, certs, 1)
			require.Equal(t, creds.cert.Raw, certs[0].Certificate[0])
		})
	}
}

func testPayload(t *testing.T) ias.Payload {
	t.Helper()
	q := &abi.QuoteBody{Version: 2, EpidGroupID: 0xb6c}
	return ias.NewPayload(map[string]string{
		ias.QuoteKey: base64.StdEncoding.EncodeToString(test.FakeQuote(q)),
		ias.NonceKey: "0123456789abcdef",
	})
}

func fakeClient(t *testing.T, requester trust.HTTPSRequester) *Client {
	t.Helper()
	signMu.Do(initSigner)
	conn, err := NewConnection(ias.DevelopmentServer, WithTrustedRoots(signer.RootCerts()))
	require.NoError(t, err)
	return &Client{Connection: conn, Requester: requester}
}

func TestSigRL(t *testing.T) {
	fake := &test.FakeIAS{SigRLs: map[uint32][]byte{0xdeadbeef: []byte("revoked")}}
	c := fakeClient(t, fake)
	got, err := c.SigRL(context.Background(), 0xdeadbeef)
	require.NoError(t, err)
	require.Equal(t, base64.StdEncoding.EncodeToString([]byte("revoked")), got)

	got, err = c.SigRL(context.Background(), 0xb6c)
	require.NoError(t, err)
	require.Empty(t, got)

	reqs := fake.Requests()
	require.Len(t, reqs, 2)
	require.True(t, strings.HasSuffix(reqs[0].URL, "/v3/sigrl/deadbeef"), reqs[0].URL)
	require.Equal(t, http.MethodGet, reqs[0].Method)
	require.Empty(t, reqs[0].Body)
}

func TestReport(t *testing.T) {
	signMu.Do(initSigner)
	c := fakeClient(t, &test.FakeIAS{Signer: signer})
	got, err := c.Report(context.Background(), testPayload(t))
	require.NoError(t, err)
	require.True(t, got.Trusted())
	report, err := got.Parse()
	require.NoError(t, err)
	require.Equal(t, abi.QuoteOK, report.IsvEnclaveQuoteStatus)
	require.Equal(t, "0123456789abcdef", report.Nonce)
}

func TestReportUntrustedRoot(t *testing.T) {
	signMu.Do(initSigner)
	c := fakeClient(t, &test.FakeIAS{Signer: signer})
	c.Connection.SetTrustedRoots(&trust.RootCerts{})
	c.Verify.Logger = &nopLogger{}
	got, err := c.Report(context.Background(), testPayload(t))
	require.NoError(t, err)
	require.False(t, got.ChainVerified)
	require.True(t, got.SignatureVerified)
	require.False(t, got.Trusted())
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...any)    {}
func (nopLogger) Warningf(string, ...any) {}
func (nopLogger) Errorf(string, ...any)   {}

func TestServiceErrors(t *testing.T) {
	signMu.Do(initSigner)
	base := ias.BaseURL(ias.DevelopmentHost, ias.DefaultPort)
	tests := []struct {
		name        string
		requester   trust.HTTPSRequester
		wantStatus  int
		unreachable bool
	}{
		{
			name:       "unauthorized",
			requester:  &test.FakeIAS{Signer: signer, StatusCode: http.StatusUnauthorized},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "bad evidence",
			requester:  &test.FakeIAS{Signer: signer, StatusCode: http.StatusBadRequest},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "transport failure",
			requester: &test.Requester{Responses: map[string][]test.RequesterResponse{
				ias.SigRLURL(base, 3, 0):  {{Occurrences: 1, Error: errors.New("connection refused")}},
				ias.ReportURL(base, 3): {{Occurrences: 1, Error: errors.New("connection refused")}},
			}},
			unreachable: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := fakeClient(t, tc.requester)
			backend := &test.CountingBackend{Backend: &verify.X509Backend{}}
			c.Verify.Backend = backend

			_, err := c.SigRL(context.Background(), 0)
			var serr *ias.ServiceError
			require.ErrorAs(t, err, &serr)
			require.Equal(t, tc.wantStatus, serr.StatusCode)
			require.Equal(t, tc.unreachable, errors.Is(err, ias.ErrUnreachable))

			got, err := c.Report(context.Background(), testPayload(t))
			require.Nil(t, got)
			require.ErrorAs(t, err, &serr)
			require.Equal(t, tc.wantStatus, serr.StatusCode)
			require.Equal(t, tc.unreachable, errors.Is(err, ias.ErrUnreachable))
			require.Zero(t, backend.Calls(test.StepParseCertificate), "verification ran on a failed exchange")
		})
	}
}

// TestRealTransport runs the client against a TLS server that requires a client certificate.
func TestRealTransport(t *testing.T) {
	signMu.Do(initSigner)
	passphrase := []byte("hunter2")
	creds := writeClientCredentials(t, passphrase)

	var mu sync.Mutex
	var clientCerts [][]byte
	fake := &test.FakeIAS{Signer: signer, SigRLs: map[uint32][]byte{7: []byte("list")}}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		for _, cert := range r.TLS.PeerCertificates {
			clientCerts = append(clientCerts, cert.Raw)
		}
		mu.Unlock()
		fake.ServeHTTP(w, r)
	}))
	srv.TLS = &tls.Config{ClientAuth: tls.RequireAnyClientCert}
	srv.StartTLS()
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.ParseUint(u.Port(), 10, 16)
	require.NoError(t, err)
	serverCAs := x509.NewCertPool()
	serverCAs.AddCert(srv.Certificate())

	conn, err := NewConnection(ias.DevelopmentServer,
		WithHost(u.Hostname(), uint16(port)),
		WithServerCAs(serverCAs),
		WithTrustedRoots(signer.RootCerts()),
		WithTimeout(10*time.Second))
	require.NoError(t, err)
	defer conn.Close()
	conn.SetProxyMode(ProxyForceOff)
	require.NoError(t, conn.SetClientCertificate(creds.certPath, FormatPEM))
	require.NoError(t, conn.SetClientKey(creds.encryptedKeyPath, passphrase))

	c, err := NewClient(conn)
	require.NoError(t, err)

	sigrl, err := c.SigRL(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, base64.StdEncoding.EncodeToString([]byte("list")), sigrl)

	got, err := c.Report(context.Background(), testPayload(t))
	require.NoError(t, err)
	require.True(t, got.Trusted())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, clientCerts)
	require.Equal(t, creds.cert.Raw, clientCerts[0])
}
