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

package main

import (
	"bytes"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-sgx-ias/ias"
	"github.com/google/go-sgx-ias/tools/lib/cmdline"
	"github.com/google/go-sgx-ias/verify"
	"github.com/google/go-sgx-ias/verify/trust"
	"github.com/spf13/cobra"
)

var (
	checkIn        string
	signatureIn    string
	certificatesIn string
	checkNonce     string
)

var checkCmd = &cobra.Command{
	Use:   "check --signature=<base64|@file> --certificates=<header|@file>",
	Short: "Verify a saved IAS report offline",
	Long: `Verify a previously received IAS report without contacting IAS.

--in is the report body exactly as IAS returned it. --signature is the
X-IASReport-Signature header value. --certificates is either the
X-IASReport-Signing-Certificate header value or, with @path, a file holding
that value or the PEM chain itself. Output and exit codes are as for report.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := checkOutform(); err != nil {
			return err
		}
		policy, err := policyOptions(checkNonce)
		if err != nil {
			return err
		}
		resp, err := savedResponse()
		if err != nil {
			return err
		}
		s, err := settings(cmd)
		if err != nil {
			return err
		}
		if len(s.CABundles) == 0 {
			return errors.New("check needs --ca_bundle to know which roots to trust")
		}
		roots, err := trust.LoadRootCerts(s.CABundles...)
		if err != nil {
			return err
		}
		vr, err := verify.ReportResponse(resp, &verify.Options{TrustedRoots: roots, Level: verifyLevel()})
		if err != nil {
			return err
		}
		if err := writeReport(cmd, vr); err != nil {
			return err
		}
		return judge(vr, policy)
	},
}

func textFlag(name, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	b, err := cmdline.ReadBytes(name, -1, value, "bin")
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(b)), nil
}

// isRawPEM reports whether s is a PEM chain rather than its percent-encoded header form. Encoded
// headers start with "-----BEGIN" too, but never carry a raw space or newline.
func isRawPEM(s string) bool {
	return strings.HasPrefix(s, "-----BEGIN ") || strings.ContainsRune(s, '\n')
}

// savedResponse reassembles the report response from the check flags.
func savedResponse() (*trust.Response, error) {
	body, err := cmdline.ReadBytes("--in", -1, "@"+checkIn, "bin")
	if err != nil {
		return nil, err
	}
	signature, err := textFlag("--signature", signatureIn)
	if err != nil {
		return nil, err
	}
	certificates, err := textFlag("--certificates", certificatesIn)
	if err != nil {
		return nil, err
	}
	if isRawPEM(certificates) {
		certificates = url.QueryEscape(certificates)
	}
	header := http.Header{}
	if signature != "" {
		header.Set(ias.SignatureHeader, signature)
	}
	if certificates != "" {
		header.Set(ias.SigningCertificateHeader, certificates)
	}
	return &trust.Response{StatusCode: http.StatusOK, Header: header, Body: body}, nil
}

func init() {
	RootCmd.AddCommand(checkCmd)
	flags := checkCmd.Flags()
	flags.StringVar(&checkIn, "in", "-", "path to the saved report body; stdin is \"-\"")
	flags.StringVar(&signatureIn, "signature", "", "the report signature header, or @path to a file holding it")
	flags.StringVar(&certificatesIn, "certificates", "", "the signing certificate header, or @path to it or the PEM chain")
	flags.StringVar(&checkNonce, "nonce", "", "expected report nonce (default not checked)")
	addOutputFlags(checkCmd)
	addPolicyFlags(checkCmd)
}
