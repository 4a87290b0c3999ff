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
	"math/rand"
	"time"
)

// RetryPolicy 指数退避重试策略；jitter 只加不减，保证退避下界
type RetryPolicy struct {
	Base        time.Duration // 首次重试前的基础等待
	Cap         time.Duration // 退避上限
	JitterRatio float64       // 抖动比例 [0,1]，实际等待 ∈ [bound, bound*(1+ratio))
}

// DefaultRetryPolicy 默认策略：base 1s、cap 5min、jitter 0.1
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        time.Second,
		Cap:         5 * time.Minute,
		JitterRatio: 0.1,
	}
}

// Delay 第 attempts 次失败（attempts 已自增）后的等待时长；rng 可为 nil 表示无抖动
func (p RetryPolicy) Delay(attempts int, rng *rand.Rand) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	bound := p.Base
	for i := 1; i < attempts; i++ {
		bound *= 2
		if bound >= p.Cap {
			bound = p.Cap
			break
		}
	}
	if bound > p.Cap {
		bound = p.Cap
	}
	if p.JitterRatio > 0 && rng != nil {
		bound += time.Duration(rng.Float64() * p.JitterRatio * float64(bound))
	}
	return bound
}

// NextAvailableAt 重试后的下次可认领时刻
func (p RetryPolicy) NextAvailableAt(now time.Time, attempts int, rng *rand.Rand) time.Time {
	return now.Add(p.Delay(attempts, rng))
}
