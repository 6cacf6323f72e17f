package auction

import (
	"errors"
	"fmt"
)

// 錯誤種類，邊界層(api)依此轉換成 HTTP 狀態碼
var (
	ErrNotFound            = errors.New("not found")
	ErrBusinessRule        = errors.New("business rule violation")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrGatewayVerification = errors.New("gateway verification failed")
	ErrTransientStorage    = errors.New("transient storage error")

	// ErrConflict 表示樂觀鎖或唯一索引衝突，只在核心內部重試使用
	ErrConflict = errors.New("concurrent modification")
)

// RuleError 攜帶可以直接回傳給使用者的原因
type RuleError struct {
	Kind   error
	Reason string
}

func (e *RuleError) Error() string {
	return e.Reason
}

func (e *RuleError) Unwrap() error {
	return e.Kind
}

func newRuleError(kind error, format string, args ...any) error {
	return &RuleError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// BusinessRule 建立違反業務規則的錯誤
func BusinessRule(format string, args ...any) error {
	return newRuleError(ErrBusinessRule, format, args...)
}

// NotFound 建立找不到資源的錯誤
func NotFound(format string, args ...any) error {
	return newRuleError(ErrNotFound, format, args...)
}

// Unauthorized 建立沒有權限的錯誤
func Unauthorized(format string, args ...any) error {
	return newRuleError(ErrUnauthorized, format, args...)
}

// Reason 取出錯誤鏈中第一個 RuleError 的原因，沒有則回傳空字串
func Reason(err error) string {
	var ruleErr *RuleError
	if errors.As(err, &ruleErr) {
		return ruleErr.Reason
	}
	return ""
}
