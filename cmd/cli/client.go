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
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	apihttp "jobq-platform/internal/api/http"
)

func apiBaseURL() string {
	if u := os.Getenv("JOBQ_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

// Client 签名 HTTP 客户端；JOBQ_API_KEY 为空时只带 X-Tenant-ID（服务端认证关闭的开发模式）
type Client struct {
	rest     *resty.Client
	tenantID string
	apiKey   string
}

func newClient() (*Client, error) {
	tenantID := os.Getenv("JOBQ_TENANT_ID")
	if tenantID == "" {
		return nil, fmt.Errorf("环境变量 JOBQ_TENANT_ID 未设置")
	}
	return &Client{
		rest: resty.New().
			SetBaseURL(apiBaseURL()).
			SetTimeout(30 * time.Second).
			SetHeader("Content-Type", "application/json"),
		tenantID: tenantID,
		apiKey:   os.Getenv("JOBQ_API_KEY"),
	}, nil
}

// signedHeaders 按服务端约定生成签名请求头
func signedHeaders(tenantID, apiKey, method, path string, body []byte, now time.Time, nonce string) map[string]string {
	headers := map[string]string{apihttp.HeaderTenantID: tenantID}
	if apiKey == "" {
		return headers
	}
	timestamp := strconv.FormatInt(now.Unix(), 10)
	payload := apihttp.SignPayload(method, path, body, timestamp, nonce)
	headers[apihttp.HeaderTimestamp] = timestamp
	headers[apihttp.HeaderNonce] = nonce
	headers[apihttp.HeaderSignature] = apihttp.Sign(apiKey, payload)
	return headers
}

// do 发送请求并解析 JSON 响应；非 2xx 时返回服务端 error 字段
func (c *Client) do(method, path string, body interface{}, out interface{}) (int, error) {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return 0, err
		}
	}
	req := c.rest.R().
		SetHeaders(signedHeaders(c.tenantID, c.apiKey, method, path, raw, time.Now(), uuid.New().String()))
	if raw != nil {
		req.SetBody(raw)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(resp.Body(), &e) == nil && e.Error != "" {
			return resp.StatusCode(), fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode(), e.Error)
		}
		return resp.StatusCode(), fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode(), resp.String())
	}
	return resp.StatusCode(), nil
}

// printJSON 缩进输出响应
func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "序列化失败: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
