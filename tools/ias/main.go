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

// Package main implements a CLI tool for querying the Intel SGX Attestation Service.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/go-sgx-ias/client"
	"github.com/google/go-sgx-ias/tools/lib/config"
	"github.com/google/go-sgx-ias/tools/lib/metrics"
	"github.com/google/go-sgx-ias/verify"
	"github.com/google/go-sgx-ias/verify/trust"
	"github.com/google/logger"
	"github.com/spf13/cobra"
)

// Process exit codes beyond the generic failure of 1.
const (
	exitUntrusted = 2
	exitPolicy    = 5
)

// exitError is an error that asks main to exit with a specific code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

const maxRetryDelay = 30 * time.Second

var (
	configFile      string
	production      bool
	host            string
	port            uint16
	apiVersion      uint16
	proxy           string
	proxyMode       string
	certFile        string
	certType        string
	keyFile         string
	caBundles       []string
	serverCAFile    string
	retries         time.Duration
	timeout         time.Duration
	verbosity       int
	metricsTextfile string
)

// RootCmd is the entrypoint of the ias tool.
var RootCmd = &cobra.Command{
	Use:   "ias",
	Short: "Query the Intel SGX Attestation Service",
	Long: `Query the Intel SGX Attestation Service (IAS) for EPID signature revocation
lists and attestation verification reports.

Settings are read from --config, then IAS_* environment variables, then flags,
each overriding the last. The client key passphrase is only read from the
IAS_KEY_PASSPHRASE environment variable.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		logger.Init("", verbosity > 0, false, os.Stderr)
	},
}

func init() {
	hideHelp(RootCmd)
	flags := RootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "YAML settings file")
	flags.BoolVar(&production, "production", false, "use the production IAS instead of the development one")
	flags.StringVar(&host, "host", "", "IAS-compatible host to use instead of an Intel-hosted server")
	flags.Uint16Var(&port, "port", 0, "port of --host (default 443)")
	flags.Uint16Var(&apiVersion, "api_version", 0, "IAS API version, 2 to 4 (default 3)")
	flags.StringVar(&proxy, "proxy", "", "HTTP proxy as host:port")
	flags.StringVar(&proxyMode, "proxy_mode", "", "proxy use: auto, on, or off (default auto)")
	flags.StringVar(&certFile, "cert", "", "TLS client certificate file")
	flags.StringVar(&certType, "cert_type", "", "format of --cert: PEM or P12 (default PEM)")
	flags.StringVar(&keyFile, "key", "", "TLS client private key file for a PEM --cert")
	flags.StringSliceVar(&caBundles, "ca_bundle", nil, "PEM file of report signing roots; repeatable")
	flags.StringVar(&serverCAFile, "server_ca", "", "PEM file of roots for the IAS TLS server instead of the system roots")
	flags.DurationVar(&retries, "retries", 0, "keep retrying unavailable responses for this long (default no retries)")
	flags.DurationVar(&timeout, "timeout", 0, "bound on each HTTP exchange (default none)")
	flags.CountVarP(&verbosity, "verbose", "v", "log requests; repeat to also log certificates and signatures")
	flags.StringVar(&metricsTextfile, "metrics_textfile", "", "write Prometheus metrics to this file on exit")
}

// Disable the "help" subcommand and just use the -h/--help flags.
func hideHelp(cmd *cobra.Command) {
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
}

// settings returns the configuration from file and environment, overridden by any flags given
// on the command line.
func settings(cmd *cobra.Command) (*config.Settings, error) {
	s, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	changed := cmd.Flags().Changed
	if changed("production") {
		s.Production = production
	}
	if changed("host") {
		s.Host = host
	}
	if changed("port") {
		s.Port = port
	}
	if changed("api_version") {
		s.APIVersion = apiVersion
	}
	if changed("proxy") {
		s.Proxy = proxy
	}
	if changed("proxy_mode") {
		s.ProxyMode = proxyMode
	}
	if changed("cert") {
		s.CertFile = certFile
	}
	if changed("cert_type") {
		s.CertType = certType
	}
	if changed("key") {
		s.KeyFile = keyFile
	}
	if changed("ca_bundle") {
		s.CABundles = caBundles
	}
	if changed("server_ca") {
		s.ServerCAFile = serverCAFile
	}
	if changed("retries") {
		s.Retries = retries
	}
	if changed("timeout") {
		s.Timeout = timeout
	}
	if changed("metrics_textfile") {
		s.MetricsTextfile = metricsTextfile
	}
	return s, nil
}

func verifyLevel() verify.Level {
	switch {
	case verbosity >= 2:
		return verify.LevelDebug
	case verbosity == 1:
		return verify.LevelVerbose
	}
	return verify.LevelQuiet
}

// session is the client and metrics of one command run.
type session struct {
	client   *client.Client
	metrics  *metrics.Metrics
	textfile string
}

func newSession(cmd *cobra.Command) (*session, error) {
	s, err := settings(cmd)
	if err != nil {
		return nil, err
	}
	conn, err := s.Connection()
	if err != nil {
		return nil, err
	}
	c, err := client.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if s.Retries > 0 {
		c.Requester = &trust.RetryHTTPSRequester{
			Timeout:       s.Retries,
			MaxRetryDelay: maxRetryDelay,
			Requester:     c.Requester,
		}
	}
	c.Verify.Level = verifyLevel()
	return &session{client: c, metrics: metrics.New(), textfile: s.MetricsTextfile}, nil
}

// close releases the connection secrets and writes metrics if requested.
func (s *session) close() {
	s.client.Connection.Close()
	if s.textfile == "" {
		return
	}
	if err := s.metrics.WriteTextfile(s.textfile); err != nil {
		logger.Errorf("could not write metrics to %q: %v", s.textfile, err)
	}
}

func exitCode(err error) int {
	var e *exitError
	if errors.As(err, &e) {
		return e.code
	}
	return 1
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
