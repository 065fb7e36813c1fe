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
	"net/http"
	"testing"

	"github.com/google/go-sgx-ias/verify/trust"
)

func TestRequesterOccurrences(t *testing.T) {
	const u = "https://fetch.me"
	r := &Requester{Responses: map[string][]RequesterResponse{u: {
		{Response: &trust.Response{StatusCode: http.StatusOK}},
		{Occurrences: 2, Response: &trust.Response{StatusCode: http.StatusAccepted}},
	}}}
	for i, want := range []int{http.StatusOK, http.StatusAccepted, http.StatusAccepted} {
		resp, err := r.Do(context.Background(), &trust.Request{URL: u})
		if err != nil {
			t.Fatalf("Do() #%d = _, %v, want no error", i, err)
		}
		if resp.StatusCode != want {
			t.Errorf("Do() #%d status = %d, want %d", i, resp.StatusCode, want)
		}
	}
	r.Done(t)
	if _, err := r.Do(context.Background(), &trust.Request{URL: u}); err == nil {
		t.Error("Do() past the script = _, nil, want error")
	}
}
