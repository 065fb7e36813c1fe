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

package client

import (
	"fmt"
	"io"

	"github.com/google/go-sgx-ias/ias"
)

// maskedSecret holds a secret XORed with a random mask of the same length, so the plaintext is
// never at rest in memory. Both buffers are allocated and released together.
type maskedSecret struct {
	xored []byte
	mask  []byte
}

func newMaskedSecret(plain []byte, rand io.Reader) (*maskedSecret, error) {
	s := &maskedSecret{
		xored: make([]byte, len(plain)),
		mask:  make([]byte, len(plain)),
	}
	lockMemory(s.xored)
	lockMemory(s.mask)
	if _, err := io.ReadFull(rand, s.mask); err != nil {
		s.release()
		return nil, fmt.Errorf("%w: could not generate passphrase mask: %v", ias.ErrConfig, err)
	}
	for i := range plain {
		s.xored[i] = plain[i] ^ s.mask[i]
	}
	return s, nil
}

// reveal returns a new buffer holding the plaintext secret.
func (s *maskedSecret) reveal() []byte {
	plain := make([]byte, len(s.xored))
	for i := range plain {
		plain[i] = s.xored[i] ^ s.mask[i]
	}
	return plain
}

func (s *maskedSecret) release() {
	Wipe(s.xored)
	Wipe(s.mask)
	unlockMemory(s.xored)
	unlockMemory(s.mask)
	s.xored = nil
	s.mask = nil
}

// Wipe zeroes b. Callers of Connection.Passphrase use it to dispose of the plaintext.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
