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
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	apihttp "jobq-platform/internal/api/http"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("jobq cli 0.1.0")
	case "submit":
		runSubmit(args)
	case "get":
		requireArg(args, "jobq get <job_id>")
		runGet(args[0])
	case "cancel":
		requireArg(args, "jobq cancel <job_id>")
		runCancel(args[0])
	case "lease":
		runLease(args)
	case "heartbeat":
		if len(args) < 2 {
			fatalUsage("jobq heartbeat <job_id> <lease_token>")
		}
		runHeartbeat(args[0], args[1])
	case "complete":
		runComplete(args)
	case "fail":
		runFail(args)
	case "reap":
		runReap(args)
	case "redrive":
		requireArg(args, "jobq redrive <job_id>")
		runRedrive(args[0])
	case "tenant":
		runTenant(args)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: jobq <command> [args]")
	fmt.Println("  version                     - 显示版本")
	fmt.Println("  submit <queue> <payload>    - 提交 Job（payload 为 JSON）")
	fmt.Println("  get <job_id>                - 查询 Job")
	fmt.Println("  cancel <job_id>             - 取消 Job")
	fmt.Println("  lease                       - 认领一条 Job")
	fmt.Println("  heartbeat <job_id> <token>  - 续约")
	fmt.Println("  complete <job_id> <token> <idempotency_key> [result] - 上报成功")
	fmt.Println("  fail <job_id> <token> <error>                        - 上报失败")
	fmt.Println("  reap                        - 回收过期租约（管理）")
	fmt.Println("  redrive <job_id>            - DLQ 重投（管理）")
	fmt.Println("  tenant <id>                 - 注册/更新租户（管理）")
	fmt.Println()
	fmt.Println("环境变量: JOBQ_API_URL JOBQ_TENANT_ID JOBQ_API_KEY")
}

func requireArg(args []string, usage string) {
	if len(args) < 1 {
		fatalUsage(usage)
	}
}

func fatalUsage(usage string) {
	fmt.Fprintf(os.Stderr, "Usage: %s\n", usage)
	os.Exit(1)
}

func mustClient() *Client {
	c, err := newClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return c
}

func fatalErr(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func runSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	priority := fs.Int("priority", 0, "优先级 [0,9]")
	maxAttempts := fs.Int("max-attempts", 0, "最大尝试次数，0 使用服务端默认")
	idemKey := fs.String("idempotency-key", "", "创建幂等键")
	_ = fs.Parse(args)
	rest := fs.Args()
	if len(rest) < 2 {
		fatalUsage("jobq submit [flags] <queue> <payload>")
	}
	req := apihttp.SubmitJobRequest{
		Queue:          rest[0],
		Payload:        json.RawMessage(rest[1]),
		Priority:       *priority,
		MaxAttempts:    *maxAttempts,
		IdempotencyKey: *idemKey,
	}
	var out apihttp.JobResponse
	if _, err := mustClient().do("POST", "/v1/jobs", req, &out); err != nil {
		fatalErr(err)
	}
	printJSON(out)
}

func runGet(jobID string) {
	var out apihttp.JobResponse
	if _, err := mustClient().do("GET", "/v1/jobs/"+jobID, nil, &out); err != nil {
		fatalErr(err)
	}
	printJSON(out)
}

func runCancel(jobID string) {
	var out apihttp.JobResponse
	if _, err := mustClient().do("POST", "/v1/jobs/"+jobID+"/cancel", nil, &out); err != nil {
		fatalErr(err)
	}
	printJSON(out)
}

func runLease(args []string) {
	fs := flag.NewFlagSet("lease", flag.ExitOnError)
	workerID := fs.String("worker", "jobq-cli", "Worker 标识")
	queues := fs.String("queues", "", "逗号分隔的队列过滤")
	leaseSeconds := fs.Int("lease-seconds", 0, "租约秒数，0 使用服务端默认")
	_ = fs.Parse(args)
	req := apihttp.LeaseRequest{
		WorkerID:     *workerID,
		LeaseSeconds: *leaseSeconds,
	}
	if *queues != "" {
		req.Queues = strings.Split(*queues, ",")
	}
	var out apihttp.JobResponse
	status, err := mustClient().do("POST", "/v1/workers/lease", req, &out)
	if err != nil {
		fatalErr(err)
	}
	if status == http.StatusNoContent {
		fmt.Println("no claimable job")
		return
	}
	printJSON(out)
}

func runHeartbeat(jobID, token string) {
	var out apihttp.HeartbeatResponse
	req := apihttp.HeartbeatRequest{JobID: jobID, LeaseToken: token}
	if _, err := mustClient().do("POST", "/v1/workers/heartbeat", req, &out); err != nil {
		fatalErr(err)
	}
	printJSON(out)
}

func runComplete(args []string) {
	if len(args) < 3 {
		fatalUsage("jobq complete <job_id> <lease_token> <idempotency_key> [result]")
	}
	req := apihttp.CompleteRequest{
		JobID:          args[0],
		LeaseToken:     args[1],
		IdempotencyKey: args[2],
	}
	if len(args) > 3 {
		req.Result = json.RawMessage(args[3])
	}
	var out apihttp.CompleteResponse
	if _, err := mustClient().do("POST", "/v1/workers/complete", req, &out); err != nil {
		fatalErr(err)
	}
	printJSON(out)
}

func runFail(args []string) {
	fs := flag.NewFlagSet("fail", flag.ExitOnError)
	permanent := fs.Bool("permanent", false, "不可重试，直接进入 DLQ")
	_ = fs.Parse(args)
	rest := fs.Args()
	if len(rest) < 3 {
		fatalUsage("jobq fail [flags] <job_id> <lease_token> <error>")
	}
	req := apihttp.FailRequest{
		JobID:      rest[0],
		LeaseToken: rest[1],
		Error:      rest[2],
		Retryable:  !*permanent,
	}
	var out apihttp.JobResponse
	if _, err := mustClient().do("POST", "/v1/workers/fail", req, &out); err != nil {
		fatalErr(err)
	}
	printJSON(out)
}

func runReap(args []string) {
	fs := flag.NewFlagSet("reap", flag.ExitOnError)
	limit := fs.Int("limit", 0, "单次回收上限，0 使用服务端默认")
	_ = fs.Parse(args)
	var out apihttp.ReapResponse
	if _, err := mustClient().do("POST", "/v1/admin/reap", apihttp.ReapRequest{Limit: *limit}, &out); err != nil {
		fatalErr(err)
	}
	printJSON(out)
}

func runRedrive(jobID string) {
	var out apihttp.JobResponse
	if _, err := mustClient().do("POST", "/v1/admin/redrive", apihttp.RedriveRequest{JobID: jobID}, &out); err != nil {
		fatalErr(err)
	}
	printJSON(out)
}

func runTenant(args []string) {
	fs := flag.NewFlagSet("tenant", flag.ExitOnError)
	name := fs.String("name", "", "展示名")
	weight := fs.Int("weight", 1, "公平调度权重")
	inflightCap := fs.Int("inflight-cap", 0, "同时 leased 上限，0 不限")
	maxPending := fs.Int("max-pending", 0, "pending 积压上限，0 不限")
	status := fs.String("status", "", "active | suspended")
	apiKey := fs.String("api-key", "", "换发该租户的签名密钥")
	_ = fs.Parse(args)
	rest := fs.Args()
	if len(rest) < 1 {
		fatalUsage("jobq tenant [flags] <id>")
	}
	req := apihttp.UpsertTenantRequest{
		ID:          rest[0],
		Name:        *name,
		Weight:      *weight,
		InflightCap: *inflightCap,
		MaxPending:  *maxPending,
		Status:      *status,
		APIKey:      *apiKey,
	}
	var out apihttp.TenantResponse
	if _, err := mustClient().do("PUT", "/v1/admin/tenants", req, &out); err != nil {
		fatalErr(err)
	}
	printJSON(out)
}
