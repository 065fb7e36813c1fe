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
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-sgx-ias/abi"
	"github.com/google/go-sgx-ias/ias"
	"github.com/google/go-sgx-ias/tools/lib/cmdline"
	"github.com/google/go-sgx-ias/tools/lib/report"
	"github.com/google/logger"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// maxNonceLength is the longest nonce IAS accepts.
const maxNonceLength = 32

var (
	quote       string
	quoteInform string
	pseManifest string
	nonce       string
)

var reportCmd = &cobra.Command{
	Use:   "report --quote=<base64|@file>",
	Short: "Verify an EPID quote with IAS",
	Long: `Submit an EPID quote to IAS and print the authenticated verification report.

The first lines of output state whether the report's signing chain and signature
verified, followed by the report in --outform. The command exits with code 2 if
the report is not trusted and 5 if it is trusted but fails the policy given by
the --mrenclave, --mrsigner, and similar flags. The report nonce must always
match --nonce, which defaults to a fresh random value.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := checkOutform(); err != nil {
			return err
		}
		n := nonce
		if n == "" {
			n = strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		if len(n) > maxNonceLength {
			return fmt.Errorf("--nonce is %d characters long. Expect at most %d", len(n), maxNonceLength)
		}
		policy, err := policyOptions(n)
		if err != nil {
			return err
		}
		payload, err := evidence(n)
		if err != nil {
			return err
		}

		s, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		start := time.Now()
		vr, err := s.client.Report(cmd.Context(), payload)
		s.metrics.ObserveRequest("report", start, err)
		if err != nil {
			return err
		}
		parsed, err := vr.Parse()
		if err != nil {
			return err
		}
		s.metrics.ObserveReport(string(parsed.IsvEnclaveQuoteStatus), vr.Trusted())
		if verbosity > 0 {
			logger.Infof("IAS report %s: %s", parsed.ID, report.Describe(parsed))
		}
		if err := writeReport(cmd, vr); err != nil {
			return err
		}
		return judge(vr, policy)
	},
}

// quoteBytes reads a quote-like flag: base64 text, or @file holding binary unless --quote_inform
// says otherwise.
func quoteBytes(name, value string) ([]byte, error) {
	form := quoteInform
	if form == "" {
		form = "base64"
		if strings.HasPrefix(value, "@") {
			form = "bin"
		}
	}
	return cmdline.ReadBytes(name, -1, value, form)
}

func evidence(nonce string) (ias.Payload, error) {
	if quote == "" {
		return nil, errors.New("--quote is required")
	}
	q, err := quoteBytes("--quote", quote)
	if err != nil {
		return nil, err
	}
	if len(q) < abi.QuoteBodySize {
		return nil, fmt.Errorf("--quote is 0x%x bytes. Expect at least 0x%x", len(q), abi.QuoteBodySize)
	}
	fields := map[string]string{
		ias.QuoteKey: base64.StdEncoding.EncodeToString(q),
		ias.NonceKey: nonce,
	}
	if pseManifest != "" {
		m, err := quoteBytes("--pse_manifest", pseManifest)
		if err != nil {
			return nil, err
		}
		fields[ias.PseManifestKey] = base64.StdEncoding.EncodeToString(m)
	}
	return ias.NewPayload(fields), nil
}

func init() {
	RootCmd.AddCommand(reportCmd)
	flags := reportCmd.Flags()
	flags.StringVar(&quote, "quote", "", "the EPID quote as base64, or @path to a file (@- for stdin)")
	flags.StringVar(&quoteInform, "quote_inform", "",
		"format of --quote and --pse_manifest: bin, hex, base64, or auto (default base64 for strings, bin for files)")
	flags.StringVar(&pseManifest, "pse_manifest", "", "the platform service enclave manifest, in the form of --quote")
	flags.StringVar(&nonce, "nonce", "", "nonce of at most 32 characters for IAS to echo (default a random UUID)")
	addOutputFlags(reportCmd)
	addPolicyFlags(reportCmd)
}
