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

// Package abi encapsulates the data formats exchanged with the Intel SGX Attestation Service:
// the JSON attestation verification report and the binary SGX quote it attests to.
package abi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout is the layout of Report.Timestamp. Times are UTC without a zone suffix.
const TimestampLayout = "2006-01-02T15:04:05.999999"

// Report is the attestation verification report IAS returns from the report API.
type Report struct {
	ID                    string      `json:"id"`
	Timestamp             string      `json:"timestamp"`
	Version               int         `json:"version"`
	IsvEnclaveQuoteStatus QuoteStatus `json:"isvEnclaveQuoteStatus"`
	// IsvEnclaveQuoteBody is the base64 encoding of the first QuoteBodySize bytes of the quote.
	IsvEnclaveQuoteBody string `json:"isvEnclaveQuoteBody"`
	RevocationReason    *int   `json:"revocationReason,omitempty"`
	PseManifestStatus   string `json:"pseManifestStatus,omitempty"`
	PseManifestHash     string `json:"pseManifestHash,omitempty"`
	PlatformInfoBlob    string `json:"platformInfoBlob,omitempty"`
	Nonce               string `json:"nonce,omitempty"`
	EpidPseudonym       string `json:"epidPseudonym,omitempty"`
	// AdvisoryURL and AdvisoryIDs are in the body as of API version 4, and in the Advisory-URL
	// and Advisory-IDs headers before that.
	AdvisoryURL string   `json:"advisoryURL,omitempty"`
	AdvisoryIDs []string `json:"advisoryIDs,omitempty"`
}

// ParseReport unmarshals the JSON body of an IAS report response.
func ParseReport(data []byte) (*Report, error) {
	r := &Report{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("could not parse IAS report: %v", err)
	}
	if r.ID == "" {
		return nil, fmt.Errorf("IAS report has no id")
	}
	if r.IsvEnclaveQuoteBody == "" {
		return nil, fmt.Errorf("IAS report has no isvEnclaveQuoteBody")
	}
	return r, nil
}

// Marshal returns the JSON encoding of r.
func (r *Report) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Time returns the report timestamp.
func (r *Report) Time() (time.Time, error) {
	t, err := time.Parse(TimestampLayout, r.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("could not parse report timestamp %q: %v", r.Timestamp, err)
	}
	return t, nil
}

// QuoteBody decodes the attested quote body.
func (r *Report) QuoteBody() (*QuoteBody, error) {
	data, err := base64.StdEncoding.DecodeString(r.IsvEnclaveQuoteBody)
	if err != nil {
		return nil, fmt.Errorf("could not decode isvEnclaveQuoteBody: %v", err)
	}
	return ParseQuoteBody(data)
}
