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

// Package config loads IAS connection settings for tools from a YAML file and the environment.
package config

import (
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/go-sgx-ias/client"
	"github.com/google/go-sgx-ias/ias"
	"github.com/google/go-sgx-ias/verify/trust"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the settings read.
const EnvPrefix = "IAS_"

// Settings describes how to reach IAS and authenticate its reports.
type Settings struct {
	// Production selects the production IAS instance instead of the development one.
	Production bool `env:"PRODUCTION" yaml:"production"`
	// Host and Port override the Intel-hosted server, e.g., for a test double.
	Host string `env:"HOST" yaml:"host"`
	Port uint16 `env:"PORT" yaml:"port"`
	// APIVersion is the IAS API version. Zero means ias.DefaultAPIVersion.
	APIVersion uint16 `env:"API_VERSION" yaml:"apiVersion"`
	// Proxy is the host:port of an HTTP proxy.
	Proxy string `env:"PROXY" yaml:"proxy"`
	// ProxyMode is one of auto, on, or off.
	ProxyMode string `env:"PROXY_MODE" yaml:"proxyMode"`
	// CertFile and CertType locate the TLS client certificate. CertType is PEM or P12.
	CertFile string `env:"CERT_FILE" yaml:"certFile"`
	CertType string `env:"CERT_TYPE" yaml:"certType"`
	// KeyFile is the TLS client private key for PEM certificates.
	KeyFile string `env:"KEY_FILE" yaml:"keyFile"`
	// CABundles are PEM files of roots that report signing chains must lead to.
	CABundles []string `env:"CA_BUNDLES" yaml:"caBundles"`
	// ServerCAFile replaces the system roots for authenticating the IAS TLS server.
	ServerCAFile string `env:"SERVER_CA_FILE" yaml:"serverCaFile"`
	// Timeout bounds each HTTP exchange.
	Timeout time.Duration `env:"TIMEOUT" yaml:"timeout"`
	// Retries is how long to keep retrying unavailable responses. Zero disables retries.
	Retries time.Duration `env:"RETRIES" yaml:"retries"`
	// MetricsTextfile, if set, is where request metrics are written on exit.
	MetricsTextfile string `env:"METRICS_TEXTFILE" yaml:"metricsTextfile"`

	// Passphrase decrypts the client key. It is only read from the environment, which is
	// cleared of it once read.
	Passphrase string `env:"KEY_PASSPHRASE,unset" yaml:"-"`
}

// Load returns settings read from the YAML file at path, if path is non-empty, then overridden
// by IAS_* environment variables.
func Load(path string) (*Settings, error) {
	s := &Settings{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("could not open settings file: %v", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(s); err != nil {
			return nil, fmt.Errorf("could not parse settings file %q: %v", path, err)
		}
	}
	if err := env.ParseWithOptions(s, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("could not read settings from the environment: %v", err)
	}
	return s, nil
}

func splitHostPort(hostport string) (string, uint16, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, fmt.Errorf("%w: proxy %q: %v", ias.ErrConfig, hostport, err)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("%w: proxy port %q: %v", ias.ErrConfig, port, err)
	}
	return host, uint16(p), nil
}

func (s *Settings) options() ([]client.Option, error) {
	var opts []client.Option
	if s.Host != "" {
		opts = append(opts, client.WithHost(s.Host, s.Port))
	}
	if s.APIVersion != 0 {
		opts = append(opts, client.WithAPIVersion(s.APIVersion))
	}
	if s.Timeout != 0 {
		opts = append(opts, client.WithTimeout(s.Timeout))
	}
	if len(s.CABundles) > 0 {
		roots, err := trust.LoadRootCerts(s.CABundles...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithTrustedRoots(roots))
	}
	if s.ServerCAFile != "" {
		data, err := os.ReadFile(s.ServerCAFile)
		if err != nil {
			return nil, fmt.Errorf("%w: could not read server CA file: %v", ias.ErrConfig, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("%w: no certificates in server CA file %q", ias.ErrConfig, s.ServerCAFile)
		}
		opts = append(opts, client.WithServerCAs(pool))
	}
	return opts, nil
}

// Connection returns a connection configured by s. The passphrase is moved into the
// connection and cleared from s.
func (s *Settings) Connection() (*client.Connection, error) {
	server := ias.DevelopmentServer
	if s.Production {
		server = ias.ProductionServer
	}
	opts, err := s.options()
	if err != nil {
		return nil, err
	}
	conn, err := client.NewConnection(server, opts...)
	if err != nil {
		return nil, err
	}
	mode, err := client.ParseProxyMode(s.ProxyMode)
	if err != nil {
		return nil, err
	}
	conn.SetProxyMode(mode)
	var errs error
	if s.Proxy != "" {
		host, port, err := splitHostPort(s.Proxy)
		errs = multierr.Append(errs, err)
		if err == nil {
			errs = multierr.Append(errs, conn.SetProxy(host, port))
		}
	}
	if s.CertFile != "" {
		errs = multierr.Append(errs, conn.SetClientCertificate(s.CertFile, s.CertType))
	}
	if s.KeyFile != "" || s.Passphrase != "" {
		var passphrase []byte
		if s.Passphrase != "" {
			passphrase = []byte(s.Passphrase)
			s.Passphrase = ""
		}
		errs = multierr.Append(errs, conn.SetClientKey(s.KeyFile, passphrase))
		client.Wipe(passphrase)
	}
	if errs != nil {
		conn.Close()
		return nil, errs
	}
	return conn, nil
}
