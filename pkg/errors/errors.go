// Package errors 提供统一错误辅助与错误分类，不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// 错误分类哨兵：API 层据此映射 HTTP 状态码，internal 各包可按需包装
var (
	ErrTenantCapExceeded = errors.New("tenant cap exceeded")
	ErrTransient         = errors.New("transient store error")
)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// IsTransient 判断是否为可内部重试的瞬态错误；调用方收到后应整体重试请求
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
