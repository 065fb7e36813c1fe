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

// Package client connects to the Intel SGX Attestation Service to retrieve signature revocation
// lists and authenticated attestation verification reports.
package client

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-sgx-ias/ias"
	"github.com/google/go-sgx-ias/verify/trust"
	"github.com/pkg/errors"
	"golang.org/x/crypto/pkcs12"
)

// ProxyMode decides whether requests to IAS go through an HTTP proxy.
type ProxyMode int

const (
	// ProxyAuto uses the proxy set with SetProxy, or else the proxy the environment names in
	// HTTPS_PROXY and NO_PROXY.
	ProxyAuto ProxyMode = iota
	// ProxyForceOn always uses the proxy set with SetProxy.
	ProxyForceOn
	// ProxyForceOff never uses a proxy, whatever the environment says.
	ProxyForceOff
)

func (m ProxyMode) String() string {
	switch m {
	case ProxyAuto:
		return "auto"
	case ProxyForceOn:
		return "on"
	case ProxyForceOff:
		return "off"
	}
	return fmt.Sprintf("ProxyMode(%d)", int(m))
}

// ParseProxyMode returns the ProxyMode named by s: auto, on, or off.
func ParseProxyMode(s string) (ProxyMode, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return ProxyAuto, nil
	case "on", "force":
		return ProxyForceOn, nil
	case "off", "none":
		return ProxyForceOff, nil
	}
	return ProxyAuto, fmt.Errorf("%w: unknown proxy mode %q", ias.ErrConfig, s)
}

// Client certificate formats.
const (
	FormatPEM = "PEM"
	FormatP12 = "P12"
)

// Connection holds the endpoint, proxy, and TLS client credentials for reaching IAS, and the
// roots report signing chains are verified against.
//
// A Connection is configured before use and read-only afterwards: setters must not be called
// concurrently with requests.
type Connection struct {
	host       string
	port       uint16
	apiVersion uint16
	timeout    time.Duration

	proxyHost string
	proxyPort uint16
	proxyMode ProxyMode

	certPath   string
	certFormat string
	keyPath    string
	secret     *maskedSecret
	closed     bool

	serverCAs *x509.CertPool
	roots     *trust.RootCerts
	rand      io.Reader
}

// Option configures a Connection.
type Option func(*Connection) error

// WithHost directs the connection at an IAS-compatible service on host:port instead of one of
// the Intel-hosted servers.
func WithHost(host string, port uint16) Option {
	return func(c *Connection) error {
		if host == "" {
			return fmt.Errorf("%w: empty host", ias.ErrConfig)
		}
		if port == 0 {
			port = ias.DefaultPort
		}
		c.host = host
		c.port = port
		return nil
	}
}

// WithAPIVersion selects the IAS API version. Defaults to ias.DefaultAPIVersion.
func WithAPIVersion(version uint16) Option {
	return func(c *Connection) error {
		if err := ias.ValidAPIVersion(version); err != nil {
			return err
		}
		c.apiVersion = version
		return nil
	}
}

// WithTrustedRoots sets the CA certificates that report signing chains must lead to.
func WithTrustedRoots(roots *trust.RootCerts) Option {
	return func(c *Connection) error {
		c.roots = roots
		return nil
	}
}

// WithServerCAs replaces the system roots used to authenticate the IAS TLS server.
func WithServerCAs(pool *x509.CertPool) Option {
	return func(c *Connection) error {
		c.serverCAs = pool
		return nil
	}
}

// WithTimeout bounds every HTTP exchange. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Connection) error {
		c.timeout = d
		return nil
	}
}

// NewConnection returns a connection to the given Intel-hosted IAS server.
func NewConnection(server ias.Server, opts ...Option) (*Connection, error) {
	c := &Connection{
		host:       server.Host(),
		port:       ias.DefaultPort,
		apiVersion: ias.DefaultAPIVersion,
		certFormat: FormatPEM,
		proxyMode:  ProxyAuto,
		rand:       rand.Reader,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Host returns the IAS hostname.
func (c *Connection) Host() string { return c.host }

// Port returns the IAS port.
func (c *Connection) Port() uint16 { return c.port }

// APIVersion returns the IAS API version requests are made with.
func (c *Connection) APIVersion() uint16 { return c.apiVersion }

// TrustedRoots returns the roots report signing chains are verified against.
func (c *Connection) TrustedRoots() *trust.RootCerts { return c.roots }

// SetTrustedRoots replaces the roots report signing chains are verified against.
func (c *Connection) SetTrustedRoots(roots *trust.RootCerts) { c.roots = roots }

// ProxyMode returns the proxy mode.
func (c *Connection) ProxyMode() ProxyMode { return c.proxyMode }

// SetProxy sets the HTTP proxy used in ProxyAuto and ProxyForceOn modes.
func (c *Connection) SetProxy(host string, port uint16) error {
	if host == "" {
		return fmt.Errorf("%w: empty proxy host", ias.ErrConfig)
	}
	c.proxyHost = host
	c.proxyPort = port
	return nil
}

// SetProxyMode sets the proxy mode.
func (c *Connection) SetProxyMode(mode ProxyMode) {
	c.proxyMode = mode
}

// SetClientCertificate sets the TLS client certificate file and its format, PEM or P12. An
// empty format keeps the current one, PEM by default.
func (c *Connection) SetClientCertificate(path, format string) error {
	if format != "" {
		format = strings.ToUpper(format)
		if format != FormatPEM && format != FormatP12 {
			return fmt.Errorf("%w: unknown client certificate format %q", ias.ErrConfig, format)
		}
		c.certFormat = format
	}
	c.certPath = path
	return nil
}

// SetClientKey sets the TLS client private key file and the passphrase that decrypts it, or
// that opens a P12 bundle. A nil passphrase clears any stored one. On error the previous
// passphrase is kept.
func (c *Connection) SetClientKey(path string, passphrase []byte) error {
	if passphrase == nil {
		c.keyPath = path
		c.releaseSecret()
		c.closed = false
		return nil
	}
	secret, err := newMaskedSecret(passphrase, c.rand)
	if err != nil {
		return err
	}
	c.keyPath = path
	c.releaseSecret()
	c.secret = secret
	c.closed = false
	return nil
}

func (c *Connection) releaseSecret() {
	if c.secret != nil {
		c.secret.release()
		c.secret = nil
	}
}

// Passphrase returns a new buffer holding the client key passphrase, empty if there is none.
// The caller should Wipe the buffer once done with it.
func (c *Connection) Passphrase() ([]byte, error) {
	if c.closed {
		return nil, fmt.Errorf("%w: connection closed", ias.ErrConfig)
	}
	if c.secret == nil {
		return []byte{}, nil
	}
	return c.secret.reveal(), nil
}

// Close releases the stored passphrase.
func (c *Connection) Close() {
	c.releaseSecret()
	c.closed = true
}

// BaseURL returns the URL prefix of every IAS API call, up to and excluding the API version.
func (c *Connection) BaseURL() string {
	return ias.BaseURL(c.host, c.port)
}

func (c *Connection) proxy() (func(*http.Request) (*url.URL, error), error) {
	configured := c.proxyHost != ""
	var proxyURL *url.URL
	if configured {
		hostport := c.proxyHost
		if c.proxyPort != 0 {
			hostport = net.JoinHostPort(c.proxyHost, strconv.Itoa(int(c.proxyPort)))
		}
		proxyURL = &url.URL{Scheme: "http", Host: hostport}
	}
	switch c.proxyMode {
	case ProxyForceOff:
		return nil, nil
	case ProxyForceOn:
		if !configured {
			return nil, fmt.Errorf("%w: proxy mode on without a proxy", ias.ErrConfig)
		}
		return http.ProxyURL(proxyURL), nil
	}
	if configured {
		return http.ProxyURL(proxyURL), nil
	}
	return http.ProxyFromEnvironment, nil
}

func decryptPEMKey(keyPEM, passphrase []byte) ([]byte, error) {
	var out []byte
	for rest := keyPEM; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if x509.IsEncryptedPEMBlock(block) {
			der, err := x509.DecryptPEMBlock(block, passphrase)
			if err != nil {
				return nil, errors.Wrap(err, "could not decrypt client key")
			}
			block = &pem.Block{Type: block.Type, Bytes: der}
		}
		out = append(out, pem.EncodeToMemory(block)...)
	}
	return out, nil
}

func (c *Connection) clientCertificate() (*tls.Certificate, error) {
	passphrase, err := c.Passphrase()
	if err != nil {
		return nil, err
	}
	defer Wipe(passphrase)
	data, err := os.ReadFile(c.certPath)
	if err != nil {
		return nil, errors.Wrap(err, "could not read client certificate")
	}
	if c.certFormat == FormatP12 {
		key, cert, err := pkcs12.Decode(data, string(passphrase))
		if err != nil {
			return nil, errors.Wrap(err, "could not decode P12 client certificate")
		}
		return &tls.Certificate{Certificate: [][]byte{cert.Raw}, PrivateKey: key, Leaf: cert}, nil
	}
	keyPEM := data
	if c.keyPath != "" {
		if keyPEM, err = os.ReadFile(c.keyPath); err != nil {
			return nil, errors.Wrap(err, "could not read client key")
		}
	}
	keyPEM, err = decryptPEMKey(keyPEM, passphrase)
	if err != nil {
		return nil, err
	}
	defer Wipe(keyPEM)
	cert, err := tls.X509KeyPair(data, keyPEM)
	if err != nil {
		return nil, errors.Wrap(err, "could not load client key pair")
	}
	return &cert, nil
}

// HTTPClient returns an HTTP client that reaches IAS through the configured proxy and presents
// the configured client certificate.
func (c *Connection) HTTPClient() (*http.Client, error) {
	proxy, err := c.proxy()
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    c.serverCAs,
	}
	if c.certPath != "" {
		cert, err := c.clientCertificate()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ias.ErrConfig, err)
		}
		tlsConfig.Certificates = []tls.Certificate{*cert}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = proxy
	transport.TLSClientConfig = tlsConfig
	return &http.Client{Transport: transport, Timeout: c.timeout}, nil
}
