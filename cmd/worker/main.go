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
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobq-platform/internal/app/worker"
	"jobq-platform/internal/job"
	"jobq-platform/pkg/config"
)

func main() {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	app, err := worker.NewApp(cfg)
	if err != nil {
		log.Printf("初始化应用失败: %v", err)
		os.Exit(2)
	}

	registerHandlers(app.Registry())

	if err := app.Start(); err != nil {
		log.Fatalf("启动应用失败: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		log.Printf("关闭应用失败: %v", err)
	}
	fmt.Println("应用已关闭")
}

// registerHandlers 注册内建队列处理函数；业务方按队列扩展
func registerHandlers(reg *worker.Registry) {
	// echo 将 payload 原样作为结果返回，供联调与压测使用
	reg.Register("echo", func(ctx context.Context, j *job.Job) ([]byte, error) {
		return j.Payload, nil
	})
	// sleep 按 payload 的 duration 字段休眠，供租约/回收演练使用
	reg.Register("sleep", func(ctx context.Context, j *job.Job) ([]byte, error) {
		var req struct {
			Duration string `json:"duration"`
		}
		if err := json.Unmarshal(j.Payload, &req); err != nil {
			return nil, job.Permanent(fmt.Errorf("invalid payload: %w", err))
		}
		d, err := time.ParseDuration(req.Duration)
		if err != nil {
			return nil, job.Permanent(fmt.Errorf("invalid duration: %w", err))
		}
		select {
		case <-time.After(d):
			return []byte(`{"slept":"` + req.Duration + `"}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}
