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
	"strings"
)

const pemBoundary = "-----BEGIN"

// URLDecode decodes '+' as a space and each %XX escape as the byte 0xXX. Unlike
// url.QueryUnescape, every other byte is passed through untouched, including invalid UTF-8.
func URLDecode(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '+':
			b.WriteByte(' ')
		case '%':
			if i+3 > len(s) {
				return "", ErrPrematureEnd
			}
			hi, ok1 := unhex(s[i+1])
			lo, ok2 := unhex(s[i+2])
			if !ok1 || !ok2 {
				return "", ErrInvalidEscape
			}
			b.WriteByte(hi<<4 | lo)
			i += 2
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// SplitPEMChain splits a concatenation of PEM documents at each "-----BEGIN" marker. Every
// substring is returned unmodified and in order, so the first element is the first certificate
// the service sent. Bytes before the first marker, if any, form an element of their own.
func SplitPEMChain(chain string) []string {
	if chain == "" {
		return nil
	}
	var docs []string
	start := 0
	for {
		next := strings.Index(chain[start+1:], pemBoundary)
		if next < 0 {
			return append(docs, chain[start:])
		}
		end := start + 1 + next
		docs = append(docs, chain[start:end])
		start = end
	}
}
