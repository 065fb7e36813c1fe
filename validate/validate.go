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

// Package validate is for checking IAS report properties other than signature verification.
package validate

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/go-sgx-ias/abi"
	"github.com/google/go-sgx-ias/verify"
	"go.uber.org/multierr"
)

// ErrUntrusted is returned for a report whose signing chain or signature did not verify.
var ErrUntrusted = errors.New("IAS report is not trusted")

// Options represents validation options for an IAS attestation verification report.
type Options struct {
	// AllowedStatuses are the acceptable isvEnclaveQuoteStatus values. If empty, only OK is
	// accepted.
	AllowedStatuses []abi.QuoteStatus
	// Nonce is the expected report nonce. Not checked if empty.
	Nonce string
	// MrEnclave is the expected MRENCLAVE field. Must be nil or 32 bytes long. Not checked if nil.
	MrEnclave []byte
	// MrSigner is the expected MRSIGNER field. Must be nil or 32 bytes long. Not checked if nil.
	MrSigner []byte
	// ReportData is the expected REPORTDATA field. Must be nil or 64 bytes long. Not checked if nil.
	ReportData []byte
	// IsvProdID is the expected ISVPRODID field. Not checked if nil.
	IsvProdID *uint16
	// MinimumIsvSVN is the minimum ISVSVN of the enclave.
	MinimumIsvSVN uint16
	// AllowDebug if true, accepts enclaves launched in debug mode.
	AllowDebug bool
	// MaxAge is the oldest a report may be relative to Now. Not checked if zero.
	MaxAge time.Duration
	// Now is the time against which MaxAge is checked. If unset, uses time.Now().
	Now time.Time
}

// DefaultOptions returns options that accept only OK quotes from production enclaves.
func DefaultOptions() *Options {
	return &Options{AllowedStatuses: []abi.QuoteStatus{abi.QuoteOK}}
}

func validateStatus(status abi.QuoteStatus, allowed []abi.QuoteStatus) error {
	if len(allowed) == 0 {
		allowed = []abi.QuoteStatus{abi.QuoteOK}
	}
	for _, s := range allowed {
		if s == status {
			return nil
		}
	}
	return fmt.Errorf("quote status not allowed: %w", status)
}

func validateByteField(option, field string, size int, given, required []byte) error {
	if len(required) == 0 {
		return nil
	}
	if len(required) != size {
		return fmt.Errorf("option %s must be nil or %d bytes", option, size)
	}
	if !bytes.Equal(required, given) {
		return fmt.Errorf("report field %s is %s. Expect %s",
			field, hex.EncodeToString(given), hex.EncodeToString(required))
	}
	return nil
}

func validateNonce(given, required string) error {
	if required != "" && given != required {
		return fmt.Errorf("report nonce is %q. Expect %q", given, required)
	}
	return nil
}

func validateEnclave(body *abi.ReportBody, options *Options) error {
	var errs error
	if options.IsvProdID != nil && body.IsvProdID != *options.IsvProdID {
		errs = multierr.Append(errs, fmt.Errorf("report field ISVPRODID is %d. Expect %d", body.IsvProdID, *options.IsvProdID))
	}
	if body.IsvSVN < options.MinimumIsvSVN {
		errs = multierr.Append(errs, fmt.Errorf("report field ISVSVN %d is less than the minimum %d", body.IsvSVN, options.MinimumIsvSVN))
	}
	if !options.AllowDebug && body.Debug() {
		errs = multierr.Append(errs, errors.New("found unauthorized debug enclave"))
	}
	return errs
}

func validateAge(report *abi.Report, options *Options) error {
	if options.MaxAge == 0 {
		return nil
	}
	issued, err := report.Time()
	if err != nil {
		return err
	}
	now := options.Now
	if now.IsZero() {
		now = time.Now()
	}
	if age := now.Sub(issued); age > options.MaxAge {
		return fmt.Errorf("report issued at %v is older than %v", issued, options.MaxAge)
	}
	return nil
}

// ParsedReport validates fields of a decoded IAS report against expectations. Does not check
// the report signature.
func ParsedReport(report *abi.Report, options *Options) error {
	if options == nil {
		return fmt.Errorf("options cannot be nil")
	}
	quote, err := report.QuoteBody()
	if err != nil {
		return err
	}
	body := &quote.ReportBody
	return multierr.Combine(
		validateStatus(report.IsvEnclaveQuoteStatus, options.AllowedStatuses),
		validateNonce(report.Nonce, options.Nonce),
		validateByteField("MrEnclave", "MRENCLAVE", len(body.MrEnclave), body.MrEnclave[:], options.MrEnclave),
		validateByteField("MrSigner", "MRSIGNER", len(body.MrSigner), body.MrSigner[:], options.MrSigner),
		validateByteField("ReportData", "REPORTDATA", len(body.ReportData), body.ReportData[:], options.ReportData),
		validateEnclave(body, options),
		validateAge(report, options),
	)
}

// Report validates an authenticated IAS report against expectations. Reports that are not
// Trusted() are rejected with ErrUntrusted before any field is examined.
func Report(report *verify.VerifiedReport, options *Options) error {
	if report == nil {
		return fmt.Errorf("report cannot be nil")
	}
	if !report.Trusted() {
		return fmt.Errorf("%w: chain verified: %t, signature verified: %t",
			ErrUntrusted, report.ChainVerified, report.SignatureVerified)
	}
	parsed, err := report.Parse()
	if err != nil {
		return err
	}
	return ParsedReport(parsed, options)
}
