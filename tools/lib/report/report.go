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

// Package report provides functions for writing verified IAS reports in various formats.
package report

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/go-sgx-ias/abi"
	"github.com/google/go-sgx-ias/verify"
	"go.uber.org/multierr"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/types/known/structpb"
)

// Outforms lists the formats Transform accepts.
var Outforms = []string{"body", "json", "textproto", "quote"}

func asStruct(body []byte) (*structpb.Struct, error) {
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(body, s); err != nil {
		return nil, fmt.Errorf("could not parse IAS report as a JSON object: %v", err)
	}
	return s, nil
}

func quoteText(vr *verify.VerifiedReport) ([]byte, error) {
	report, err := vr.Parse()
	if err != nil {
		return nil, err
	}
	quote, err := report.QuoteBody()
	if err != nil {
		return nil, err
	}
	body := &quote.ReportBody
	var b strings.Builder
	line := func(key string, value any) { fmt.Fprintf(&b, "%s=%v\n", key, value) }
	line("status", string(report.IsvEnclaveQuoteStatus))
	line("epid_group_id", fmt.Sprintf("%08x", quote.EpidGroupID))
	line("qe_svn", quote.QeSVN)
	line("pce_svn", quote.PceSVN)
	line("mrenclave", hex.EncodeToString(body.MrEnclave[:]))
	line("mrsigner", hex.EncodeToString(body.MrSigner[:]))
	line("isv_prod_id", body.IsvProdID)
	line("isv_svn", body.IsvSVN)
	line("debug", body.Debug())
	line("report_data", hex.EncodeToString(body.ReportData[:]))
	if len(report.AdvisoryIDs) > 0 {
		line("advisory_ids", strings.Join(report.AdvisoryIDs, ","))
	}
	return []byte(b.String()), nil
}

// Status returns the authentication outcome of vr as key=value lines.
func Status(vr *verify.VerifiedReport) []byte {
	s := fmt.Sprintf("chain_verified=%t\nsignature_verified=%t\n", vr.ChainVerified, vr.SignatureVerified)
	if vr.RequestID != "" {
		s += fmt.Sprintf("request_id=%s\n", vr.RequestID)
	}
	return []byte(s)
}

// Transform returns the report in the outform marshalled format.
func Transform(vr *verify.VerifiedReport, outform string) ([]byte, error) {
	switch outform {
	case "body":
		return vr.Body, nil
	case "json":
		s, err := asStruct(vr.Body)
		if err != nil {
			return nil, err
		}
		return protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	case "textproto":
		s, err := asStruct(vr.Body)
		if err != nil {
			return nil, err
		}
		return prototext.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	case "quote":
		return quoteText(vr)
	default:
		return nil, fmt.Errorf("unknown outform: %q", outform)
	}
}

// Describe returns a human-readable explanation of a report's quote status and advisories.
func Describe(report *abi.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", string(report.IsvEnclaveQuoteStatus), report.IsvEnclaveQuoteStatus.Description())
	if report.AdvisoryURL != "" {
		fmt.Fprintf(&b, " (see %s", report.AdvisoryURL)
		if len(report.AdvisoryIDs) > 0 {
			fmt.Fprintf(&b, " for %s", strings.Join(report.AdvisoryIDs, ", "))
		}
		b.WriteString(")")
	}
	return b.String()
}

// TransformAll returns the report in each of the outforms, keyed by format.
func TransformAll(vr *verify.VerifiedReport, outforms ...string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(outforms))
	var errs error
	for _, outform := range outforms {
		out, err := Transform(vr, outform)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", outform, err))
			continue
		}
		result[outform] = out
	}
	return result, errs
}
