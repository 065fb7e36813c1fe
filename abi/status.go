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

package abi

// QuoteStatus is the isvEnclaveQuoteStatus of an IAS report.
type QuoteStatus string

// Quote statuses as documented in the IAS API specification.
const (
	// QuoteOK means the EPID signature was verified and the platform is up to date.
	QuoteOK QuoteStatus = "OK"
	// QuoteSignatureInvalid means the EPID signature of the quote was invalid.
	QuoteSignatureInvalid QuoteStatus = "SIGNATURE_INVALID"
	// QuoteGroupRevoked means the EPID group was revoked. RevocationReason says why.
	QuoteGroupRevoked QuoteStatus = "GROUP_REVOKED"
	// QuoteSignatureRevoked means the EPID private key used to sign the quote was revoked by
	// signature.
	QuoteSignatureRevoked QuoteStatus = "SIGNATURE_REVOKED"
	// QuoteKeyRevoked means the EPID private key used to sign the quote was directly revoked.
	QuoteKeyRevoked QuoteStatus = "KEY_REVOKED"
	// QuoteSigRLVersionMismatch means the quote was produced against an outdated SigRL.
	QuoteSigRLVersionMismatch QuoteStatus = "SIGRL_VERSION_MISMATCH"
	// QuoteGroupOutOfDate means the platform TCB level is out of date.
	QuoteGroupOutOfDate QuoteStatus = "GROUP_OUT_OF_DATE"
	// QuoteConfigurationNeeded means the platform needs additional configuration.
	QuoteConfigurationNeeded QuoteStatus = "CONFIGURATION_NEEDED"
	// QuoteSWHardeningNeeded means the enclave needs software mitigations.
	QuoteSWHardeningNeeded QuoteStatus = "SW_HARDENING_NEEDED"
	// QuoteConfigurationAndSWHardeningNeeded combines the two previous statuses.
	QuoteConfigurationAndSWHardeningNeeded QuoteStatus = "CONFIGURATION_AND_SW_HARDENING_NEEDED"
)

var quoteStatusDescriptions = map[QuoteStatus]string{
	QuoteOK:                                "quote verified",
	QuoteSignatureInvalid:                  "quote signature invalid",
	QuoteGroupRevoked:                      "EPID group revoked",
	QuoteSignatureRevoked:                  "EPID private key revoked by signature",
	QuoteKeyRevoked:                        "EPID private key revoked",
	QuoteSigRLVersionMismatch:              "quote SigRL version mismatch",
	QuoteGroupOutOfDate:                    "platform TCB out of date",
	QuoteConfigurationNeeded:               "platform configuration needed",
	QuoteSWHardeningNeeded:                 "enclave software hardening needed",
	QuoteConfigurationAndSWHardeningNeeded: "platform configuration and enclave software hardening needed",
}

// Known returns whether s is a status this package has a description for.
func (s QuoteStatus) Known() bool {
	_, ok := quoteStatusDescriptions[s]
	return ok
}

// Description returns a human-readable explanation of s.
func (s QuoteStatus) Description() string {
	if d, ok := quoteStatusDescriptions[s]; ok {
		return d
	}
	return "unknown quote status " + string(s)
}

// Error lets a rejected status be returned as an error.
func (s QuoteStatus) Error() string {
	return string(s) + ": " + s.Description()
}
