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

package testing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-sgx-ias/verify"
	"github.com/google/go-sgx-ias/verify/trust"
)

// RequesterResponse represents a scripted answer to a request for a URL.
type RequesterResponse struct {
	// Occurrences is how many consecutive requests get this answer. Zero counts as one.
	Occurrences uint
	Response    *trust.Response
	Error       error
}

// Requester is a trust.HTTPSRequester with scripted answers per URL.
type Requester struct {
	Responses map[string][]RequesterResponse

	mu sync.Mutex
}

// Do returns the next scripted answer for req.URL.
func (r *Requester) Do(_ context.Context, req *trust.Request) (*trust.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	script, ok := r.Responses[req.URL]
	if !ok || len(script) == 0 {
		return nil, fmt.Errorf("404: %s", req.URL)
	}
	next := &script[0]
	if next.Occurrences > 0 {
		next.Occurrences--
	}
	if next.Occurrences == 0 {
		r.Responses[req.URL] = script[1:]
	}
	return next.Response, next.Error
}

// Done checks that every scripted answer was consumed.
func (r *Requester) Done(t testing.TB) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for url, script := range r.Responses {
		if len(script) != 0 {
			t.Errorf("Requester for %s has %d unconsumed responses", url, len(script))
		}
	}
}

// Step names a Backend operation.
type Step int

const (
	// StepNone injects no failure.
	StepNone Step = iota
	// StepParseCertificate is Backend.ParseCertificate.
	StepParseCertificate
	// StepNewChain is Backend.NewChain.
	StepNewChain
	// StepVerifyChain is Backend.VerifyChain.
	StepVerifyChain
	// StepDecodeSignature is Backend.DecodeSignature.
	StepDecodeSignature
	// StepPublicKey is Backend.PublicKey.
	StepPublicKey
	// StepVerifySHA256 is Backend.VerifySHA256.
	StepVerifySHA256
)

// AllSteps lists every Backend operation.
var AllSteps = []Step{
	StepParseCertificate,
	StepNewChain,
	StepVerifyChain,
	StepDecodeSignature,
	StepPublicKey,
	StepVerifySHA256,
}

func (s Step) String() string {
	switch s {
	case StepNone:
		return "none"
	case StepParseCertificate:
		return "ParseCertificate"
	case StepNewChain:
		return "NewChain"
	case StepVerifyChain:
		return "VerifyChain"
	case StepDecodeSignature:
		return "DecodeSignature"
	case StepPublicKey:
		return "PublicKey"
	case StepVerifySHA256:
		return "VerifySHA256"
	}
	return fmt.Sprintf("Step(%d)", int(s))
}

// ErrInjected is the error CountingBackend returns from a failing step.
var ErrInjected = errors.New("injected backend failure")

// CountingBackend wraps a verify.Backend to count handle acquisitions and releases, and to fail
// a chosen step.
type CountingBackend struct {
	Backend verify.Backend
	// FailAt is the step that fails.
	FailAt Step
	// FailAfter is how many calls of FailAt succeed before one fails.
	FailAfter int

	mu             sync.Mutex
	calls          map[Step]int
	acquired       int
	released       int
	doubleReleases int
}

type countedHandle struct {
	b        *CountingBackend
	inner    interface{ Release() }
	released bool
}

func (h *countedHandle) Release() {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	if h.released {
		h.b.doubleReleases++
		return
	}
	h.released = true
	h.b.released++
	h.inner.Release()
}

// String forwards to the wrapped handle so certificate subjects still reach logs.
func (h *countedHandle) String() string {
	if s, ok := h.inner.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", h.inner)
}

func (b *CountingBackend) call(step Step) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.calls == nil {
		b.calls = map[Step]int{}
	}
	n := b.calls[step]
	b.calls[step]++
	if step == b.FailAt && n >= b.FailAfter {
		return fmt.Errorf("%v: %w", step, ErrInjected)
	}
	return nil
}

func (b *CountingBackend) wrap(h interface{ Release() }) *countedHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acquired++
	return &countedHandle{b: b, inner: h}
}

func unwrap(h any) any {
	if c, ok := h.(*countedHandle); ok {
		return c.inner
	}
	return h
}

// ParseCertificate implements verify.Backend.
func (b *CountingBackend) ParseCertificate(pemDoc string) (verify.Certificate, error) {
	if err := b.call(StepParseCertificate); err != nil {
		return nil, err
	}
	cert, err := b.Backend.ParseCertificate(pemDoc)
	if err != nil {
		return nil, err
	}
	return b.wrap(cert), nil
}

// NewChain implements verify.Backend.
func (b *CountingBackend) NewChain(certs []verify.Certificate) (verify.Chain, error) {
	if err := b.call(StepNewChain); err != nil {
		return nil, err
	}
	inner := make([]verify.Certificate, len(certs))
	for i, c := range certs {
		inner[i] = unwrap(c).(verify.Certificate)
	}
	chain, err := b.Backend.NewChain(inner)
	if err != nil {
		return nil, err
	}
	return b.wrap(chain), nil
}

// VerifyChain implements verify.Backend.
func (b *CountingBackend) VerifyChain(roots *trust.RootCerts, chain verify.Chain) (bool, error) {
	if err := b.call(StepVerifyChain); err != nil {
		return false, err
	}
	return b.Backend.VerifyChain(roots, unwrap(chain).(verify.Chain))
}

// PublicKey implements verify.Backend.
func (b *CountingBackend) PublicKey(cert verify.Certificate) (verify.PublicKey, error) {
	if err := b.call(StepPublicKey); err != nil {
		return nil, err
	}
	key, err := b.Backend.PublicKey(unwrap(cert).(verify.Certificate))
	if err != nil {
		return nil, err
	}
	return b.wrap(key), nil
}

// DecodeSignature implements verify.Backend.
func (b *CountingBackend) DecodeSignature(b64 string) (verify.Signature, error) {
	if err := b.call(StepDecodeSignature); err != nil {
		return nil, err
	}
	sig, err := b.Backend.DecodeSignature(b64)
	if err != nil {
		return nil, err
	}
	return b.wrap(sig), nil
}

// VerifySHA256 implements verify.Backend.
func (b *CountingBackend) VerifySHA256(message []byte, sig verify.Signature, key verify.PublicKey) (bool, error) {
	if err := b.call(StepVerifySHA256); err != nil {
		return false, err
	}
	return b.Backend.VerifySHA256(message, unwrap(sig).(verify.Signature), unwrap(key).(verify.PublicKey))
}

// Calls returns how many times step was invoked.
func (b *CountingBackend) Calls(step Step) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[step]
}

// Acquired returns the number of handles handed out.
func (b *CountingBackend) Acquired() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acquired
}

// Released returns the number of handles released.
func (b *CountingBackend) Released() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// DoubleReleases returns the number of Release calls on already released handles.
func (b *CountingBackend) DoubleReleases() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.doubleReleases
}

// CheckReleased reports an error on t if any handle leaked or was released twice.
func (b *CountingBackend) CheckReleased(t testing.TB) {
	t.Helper()
	if acquired, released := b.Acquired(), b.Released(); acquired != released {
		t.Errorf("backend handles: %d acquired, %d released", acquired, released)
	}
	if n := b.DoubleReleases(); n != 0 {
		t.Errorf("backend handles: %d released more than once", n)
	}
}
