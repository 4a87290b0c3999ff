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

// Package tenant 租户登记：调度权重、配额与 API Key 校验材料。
// 真实密钥放在 secrets 后端，这里只存哈希用于完整性核对。
package tenant

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// 租户状态
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// Tenant 租户登记项
type Tenant struct {
	ID          string
	Name        string
	Weight      int // 调度权重，>=1
	InflightCap int // 同时 leased 上限，0 不限
	MaxPending  int // pending 积压上限，0 不限
	APIKeyHash  string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Active 是否允许提交与认领
func (t *Tenant) Active() bool {
	return t.Status == "" || t.Status == StatusActive
}

// HashAPIKey API Key 的存储形式；核对时与 secrets 后端取出的原始密钥对照
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
