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
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/go-sgx-ias/abi"
	"github.com/google/go-sgx-ias/tools/lib/cmdline"
	"github.com/google/go-sgx-ias/tools/lib/report"
	"github.com/google/go-sgx-ias/validate"
	"github.com/google/go-sgx-ias/verify"
	"github.com/spf13/cobra"
)

var (
	outform       string
	out           string
	inform        string
	mrenclaveStr  string
	mrsignerStr   string
	reportDataStr string
	isvProdID     int
	minIsvSVN     uint16
	allowDebug    bool
	allowedStatus []string
	maxAge        time.Duration
)

// Lets this command write a report, for use with writeReport().
func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&outform, "outform", "json", "report output format: "+strings.Join(report.Outforms, ", "))
	cmd.Flags().StringVar(&out, "out", "", "file to write the report to (default stdout)")
}

// Lets this command check a report against expected values, for use with policyOptions().
func addPolicyFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&inform, "inform", "auto", "format of the policy byte flags: hex, base64, bin, or auto")
	flags.StringVar(&mrenclaveStr, "mrenclave", "", "expected 32 byte MRENCLAVE")
	flags.StringVar(&mrsignerStr, "mrsigner", "", "expected 32 byte MRSIGNER")
	flags.StringVar(&reportDataStr, "report_data", "", "expected 64 byte REPORTDATA")
	flags.IntVar(&isvProdID, "isv_prod_id", -1, "expected ISVPRODID (default not checked)")
	flags.Uint16Var(&minIsvSVN, "min_isv_svn", 0, "minimum ISVSVN")
	flags.BoolVar(&allowDebug, "allow_debug", false, "accept enclaves launched in debug mode")
	flags.StringSliceVar(&allowedStatus, "allowed_status", nil, "acceptable quote statuses (default OK only)")
	flags.DurationVar(&maxAge, "max_age", 0, "oldest acceptable report age (default not checked)")
}

func checkOutform() error {
	if !slices.Contains(report.Outforms, outform) {
		return fmt.Errorf("--outform is %s. Expect one of %s", outform, strings.Join(report.Outforms, ", "))
	}
	return nil
}

// policyOptions returns the validation options the policy flags denote. An empty nonce is not
// checked.
func policyOptions(nonce string) (*validate.Options, error) {
	var byteFlags cmdline.ByteFlags
	mrenclave := byteFlags.Bytes("--mrenclave", 32, &mrenclaveStr)
	mrsigner := byteFlags.Bytes("--mrsigner", 32, &mrsignerStr)
	reportData := byteFlags.Bytes("--report_data", 64, &reportDataStr)
	if err := byteFlags.Parse(inform); err != nil {
		return nil, err
	}
	opts := &validate.Options{
		Nonce:         nonce,
		MrEnclave:     *mrenclave,
		MrSigner:      *mrsigner,
		ReportData:    *reportData,
		MinimumIsvSVN: minIsvSVN,
		AllowDebug:    allowDebug,
		MaxAge:        maxAge,
	}
	for _, s := range allowedStatus {
		status := abi.QuoteStatus(strings.ToUpper(s))
		if !status.Known() {
			return nil, fmt.Errorf("--allowed_status %q is not a quote status", s)
		}
		opts.AllowedStatuses = append(opts.AllowedStatuses, status)
	}
	if isvProdID >= 0 {
		if isvProdID > 0xffff {
			return nil, fmt.Errorf("--isv_prod_id=%d does not fit in 16 bits", isvProdID)
		}
		id := uint16(isvProdID)
		opts.IsvProdID = &id
	}
	return opts, nil
}

func outWriter(cmd *cobra.Command) (io.Writer, func(), error) {
	if out == "" {
		return cmd.OutOrStdout(), func() {}, nil
	}
	file, err := os.Create(out)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { file.Close() }, nil
}

// writeReport writes the authentication outcome of vr followed by the report in --outform.
func writeReport(cmd *cobra.Command, vr *verify.VerifiedReport) error {
	w, closer, err := outWriter(cmd)
	if err != nil {
		return err
	}
	defer closer()
	if _, err := w.Write(report.Status(vr)); err != nil {
		return err
	}
	body, err := report.Transform(vr, outform)
	if err != nil {
		return err
	}
	_, err = w.Write(append(body, '\n'))
	return err
}

// judge returns an exitError if vr is not trusted or fails the policy.
func judge(vr *verify.VerifiedReport, policy *validate.Options) error {
	if !vr.Trusted() {
		return &exitError{code: exitUntrusted, err: validate.ErrUntrusted}
	}
	if err := validate.Report(vr, policy); err != nil {
		return &exitError{code: exitPolicy, err: fmt.Errorf("IAS report fails policy: %w", err)}
	}
	return nil
}
