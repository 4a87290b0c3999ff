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

	"jobq-platform/pkg/log"
	"jobq-platform/pkg/metrics"
)

// Reaper 回收租约过期与越过 execution_deadline 的 leased Job。
// 依赖行锁跳过竞争行，多副本并发运行安全；建议周期小于 lease_duration/2。
type Reaper struct {
	store  Store
	batch  int
	policy ReapPolicy
	logger *log.Logger
}

// NewReaper 创建 Reaper；batch<=0 默认 256
func NewReaper(store Store, batch int, policy ReapPolicy, logger *log.Logger) *Reaper {
	if batch <= 0 {
		batch = 256
	}
	return &Reaper{store: store, batch: batch, policy: policy, logger: logger}
}

// RunOnce 执行一轮回收，返回处理条数
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	n, err := r.store.ReapExpired(ctx, r.batch, r.policy)
	if err != nil {
		metrics.LoopErrorTotal.WithLabelValues("reaper").Inc()
		return 0, err
	}
	if n > 0 {
		r.logger.Info("回收过期租约", "reaped", n)
	}
	return n, nil
}
