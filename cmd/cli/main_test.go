// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"strconv"
	"testing"
	"time"

	apihttp "jobq-platform/internal/api/http"
)

func TestSignedHeadersWithKey(t *testing.T) {
	now := time.Unix(1770000000, 0)
	body := []byte(`{"queue":"emails"}`)
	headers := signedHeaders("acme", "secret", "POST", "/v1/jobs", body, now, "nonce-1")

	if headers[apihttp.HeaderTenantID] != "acme" {
		t.Fatalf("租户头: %q", headers[apihttp.HeaderTenantID])
	}
	if headers[apihttp.HeaderTimestamp] != strconv.FormatInt(now.Unix(), 10) {
		t.Fatalf("时间戳头: %q", headers[apihttp.HeaderTimestamp])
	}
	want := apihttp.Sign("secret", apihttp.SignPayload("POST", "/v1/jobs", body,
		headers[apihttp.HeaderTimestamp], "nonce-1"))
	if headers[apihttp.HeaderSignature] != want {
		t.Fatalf("签名不匹配: %q != %q", headers[apihttp.HeaderSignature], want)
	}
}

func TestSignedHeadersWithoutKey(t *testing.T) {
	headers := signedHeaders("acme", "", "GET", "/v1/jobs/j1", nil, time.Now(), "n")
	if len(headers) != 1 || headers[apihttp.HeaderTenantID] != "acme" {
		t.Fatalf("无密钥时应只带租户头: %v", headers)
	}
}
