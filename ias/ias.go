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

// Package ias defines values specified by the Intel SGX Attestation Service REST API.
package ias

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	// DevelopmentHost is the IAS host for development-mode (test) subscriptions.
	DevelopmentHost = "test-as.sgx.trustedservices.intel.com"
	// ProductionHost is the IAS host for production subscriptions.
	ProductionHost = "as.sgx.trustedservices.intel.com"
	// DefaultPort is the HTTPS port IAS listens on.
	DefaultPort = 443

	// MinAPIVersion is the oldest IAS API version this client speaks.
	MinAPIVersion = 2
	// MaxAPIVersion is the newest IAS API version this client speaks.
	MaxAPIVersion = 4
	// DefaultAPIVersion is the API version used when none is configured.
	DefaultAPIVersion = 3

	// SigningCertificateHeader carries the URL-encoded PEM chain of the report signing key.
	SigningCertificateHeader = "X-IASReport-Signing-Certificate"
	// SignatureHeader carries the base64 signature over the report body.
	SignatureHeader = "X-IASReport-Signature"
	// RequestIDHeader is the IAS request identifier, useful when contacting Intel support.
	RequestIDHeader = "Request-ID"
	// AdvisoryURLHeader links to Intel's security advisories for a report's quote status.
	AdvisoryURLHeader = "Advisory-URL"
	// AdvisoryIDsHeader lists the advisory IDs relevant to a report's quote status.
	AdvisoryIDsHeader = "Advisory-IDs"

	basePath   = "/attestation/sgx/v"
	sigrlPath  = "/sigrl/"
	reportPath = "/report"
)

// Server selects one of the two Intel-hosted attestation services.
type Server int

const (
	// DevelopmentServer is the IAS instance for development subscriptions.
	DevelopmentServer Server = iota
	// ProductionServer is the IAS instance for production subscriptions.
	ProductionServer
)

// Host returns the hostname of the server.
func (s Server) Host() string {
	if s == ProductionServer {
		return ProductionHost
	}
	return DevelopmentHost
}

func (s Server) String() string {
	switch s {
	case DevelopmentServer:
		return "development"
	case ProductionServer:
		return "production"
	}
	return fmt.Sprintf("Server(%d)", int(s))
}

// BaseURL returns the URL prefix of every IAS API call on host:port, up to and excluding the API
// version number. The port is omitted when it is the HTTPS default.
func BaseURL(host string, port uint16) string {
	url := "https://" + host
	if port != DefaultPort {
		url += ":" + strconv.Itoa(int(port))
	}
	return url + basePath
}

// SigRLURL returns the URL of the signature revocation list for the EPID group gid.
func SigRLURL(baseURL string, version uint16, gid uint32) string {
	return fmt.Sprintf("%s%d%s%08x", baseURL, version, sigrlPath, gid)
}

// ReportURL returns the URL that attestation evidence is posted to.
func ReportURL(baseURL string, version uint16) string {
	return fmt.Sprintf("%s%d%s", baseURL, version, reportPath)
}

// ValidAPIVersion returns an error if version is not an API version this client speaks.
func ValidAPIVersion(version uint16) error {
	if version < MinAPIVersion || version > MaxAPIVersion {
		return fmt.Errorf("%w: IAS API version %d not in [%d, %d]", ErrConfig, version, MinAPIVersion, MaxAPIVersion)
	}
	return nil
}

// ParseGroupID interprets a hexadecimal EPID group ID, with or without a 0x prefix.
func ParseGroupID(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	gid, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("could not parse EPID group ID %q: %v", s, err)
	}
	return uint32(gid), nil
}

// Field is one key/value member of an attestation evidence payload.
type Field struct {
	Key   string
	Value string
}

// Payload is the attestation evidence posted to the report API, in serialization order.
type Payload []Field

// Payload keys understood by the report API.
const (
	QuoteKey       = "isvEnclaveQuote"
	PseManifestKey = "pseManifest"
	NonceKey       = "nonce"
)

// NewPayload returns the fields of m ordered by key.
func NewPayload(m map[string]string) Payload {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	p := make(Payload, 0, len(keys))
	for _, k := range keys {
		p = append(p, Field{Key: k, Value: m[k]})
	}
	return p
}

// Get returns the value of the first field named key.
func (p Payload) Get(key string) (string, bool) {
	for _, f := range p {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Marshal serializes the payload as a flat JSON object. Values are copied verbatim, so producers
// must only supply values that need no JSON escaping (base64, hex, and nonce strings).
func (p Payload) Marshal() []byte {
	var b strings.Builder
	b.WriteString("{\n")
	for i, f := range p {
		if i != 0 {
			b.WriteString(",\n")
		}
		b.WriteString(`"`)
		b.WriteString(f.Key)
		b.WriteString(`":"`)
		b.WriteString(f.Value)
		b.WriteString(`"`)
	}
	b.WriteString("\n}")
	return []byte(b.String())
}
