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
	"testing"
	"time"
)

// TestRetryPolicyDelayNoJitter 无抖动时退避为 base*2^(n-1) 且受 cap 截断
func TestRetryPolicyDelayNoJitter(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Cap: 5 * time.Minute, JitterRatio: 0}
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{9, 256 * time.Second},
		{10, 5 * time.Minute},  // 512s 截断到 cap
		{100, 5 * time.Minute}, // 深度溢出也不得超过 cap
		{0, time.Second},       // 非法输入按 1 处理
	}
	for _, c := range cases {
		if got := p.Delay(c.attempts, nil); got != c.want {
			t.Errorf("attempts=%d: got %v, want %v", c.attempts, got, c.want)
		}
	}
}

// TestRetryPolicyJitterBounds 抖动只加不减：delay ∈ [bound, bound*(1+ratio))
func TestRetryPolicyJitterBounds(t *testing.T) {
	p := RetryPolicy{Base: 100 * time.Millisecond, Cap: time.Minute, JitterRatio: 0.1}
	rng := rand.New(rand.NewSource(42))
	for attempts := 1; attempts <= 8; attempts++ {
		bound := p.Delay(attempts, nil)
		for i := 0; i < 100; i++ {
			d := p.Delay(attempts, rng)
			if d < bound {
				t.Fatalf("attempts=%d: delay %v 低于下界 %v", attempts, d, bound)
			}
			max := bound + time.Duration(0.1*float64(bound))
			if d > max {
				t.Fatalf("attempts=%d: delay %v 超过上界 %v", attempts, d, max)
			}
		}
	}
}

// TestRetryPolicyDeterministicSeed 相同种子产生相同序列
func TestRetryPolicyDeterministicSeed(t *testing.T) {
	p := DefaultRetryPolicy()
	a := rand.New(rand.NewSource(7))
	b := rand.New(rand.NewSource(7))
	for i := 1; i <= 20; i++ {
		if da, db := p.Delay(i, a), p.Delay(i, b); da != db {
			t.Fatalf("attempts=%d: %v != %v", i, da, db)
		}
	}
}

// TestRetryPolicyNextAvailableAt 下次可认领时刻在 now 之后
func TestRetryPolicyNextAvailableAt(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Cap: time.Minute, JitterRatio: 0}
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	got := p.NextAvailableAt(now, 2, nil)
	if want := now.Add(2 * time.Second); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
