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

import "math/rand"

// TenantWeight 参与加权抽样的租户
type TenantWeight struct {
	ID     string
	Weight int
}

// PickWeighted 按权重随机选择一个租户；权重 <=0 按 1 处理，列表为空返回 false。
// 饱和负载下各租户被选中的频率收敛于权重比。
func PickWeighted(rng *rand.Rand, tenants []TenantWeight) (string, bool) {
	if len(tenants) == 0 {
		return "", false
	}
	total := 0
	for _, t := range tenants {
		w := t.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	n := rng.Intn(total)
	for _, t := range tenants {
		w := t.Weight
		if w <= 0 {
			w = 1
		}
		if n < w {
			return t.ID, true
		}
		n -= w
	}
	// 数值上不可达，兜底返回末位
	return tenants[len(tenants)-1].ID, true
}
