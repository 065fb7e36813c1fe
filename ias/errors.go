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

package ias

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrConfig is returned for unusable local configuration.
	ErrConfig = errors.New("invalid IAS connection configuration")
	// ErrUnreachable matches a ServiceError for an exchange that never produced an HTTP status.
	ErrUnreachable = errors.New("IAS unreachable")
	// ErrMalformedHeader is returned when a response header cannot be URL-decoded.
	ErrMalformedHeader = errors.New("malformed IAS response header")
	// ErrPrematureEnd is returned when a '%' escape is cut short by the end of the input.
	ErrPrematureEnd = errors.New("premature end of string")
	// ErrInvalidEscape is returned when a '%' escape is not followed by two hex digits.
	ErrInvalidEscape = errors.New("invalid URL encoding")
	// ErrCertificateParse is returned when any certificate of the signing chain cannot be parsed.
	ErrCertificateParse = errors.New("could not parse IAS signing certificate")
	// ErrSignatureDecode is returned when the report signature is not valid base64.
	ErrSignatureDecode = errors.New("could not decode IAS report signature")
	// ErrVerificationIndeterminate is returned when a cryptographic check could not be carried
	// out at all, as opposed to having run and failed.
	ErrVerificationIndeterminate = errors.New("IAS report verification could not be performed")
)

// ServiceError represents an IAS exchange that failed at the transport or HTTP level.
// StatusCode is 0 when no response was received.
type ServiceError struct {
	StatusCode int
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode == 0 {
		if e.Err != nil {
			return fmt.Sprintf("could not query IAS: %v", e.Err)
		}
		return "could not query IAS"
	}
	return fmt.Sprintf("IAS responded %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is reports a status-less ServiceError as ErrUnreachable.
func (e *ServiceError) Is(target error) bool {
	return target == ErrUnreachable && e.StatusCode == 0
}

// MissingHeaderError is returned when a header required for report verification is absent.
type MissingHeaderError struct {
	Header string
}

func (e *MissingHeaderError) Error() string {
	return fmt.Sprintf("header %s not found", e.Header)
}
