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

package job

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultWakeupKey = "jobq:wakeup"

// WakeupQueueRedis Redis list 实现：API 进程 LPUSH、Worker 进程 BRPOP，
// 跨进程部署时替代内存队列
type WakeupQueueRedis struct {
	client *redis.Client
	key    string
}

// NewWakeupQueueRedis 创建 Redis 唤醒队列；key 为空使用默认
func NewWakeupQueueRedis(client *redis.Client, key string) *WakeupQueueRedis {
	if key == "" {
		key = defaultWakeupKey
	}
	return &WakeupQueueRedis{client: client, key: key}
}

// NotifyReady 实现 WakeupQueue；失败不影响主流程，Worker 轮询兜底
func (q *WakeupQueueRedis) NotifyReady(ctx context.Context, jobID string) error {
	if jobID == "" {
		return nil
	}
	return q.client.LPush(ctx, q.key, jobID).Err()
}

// Receive 实现 WakeupQueue
func (q *WakeupQueueRedis) Receive(ctx context.Context, timeout time.Duration) (string, bool) {
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if err != nil || len(res) < 2 {
		return "", false
	}
	return res[1], true
}
