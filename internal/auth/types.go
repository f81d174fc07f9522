package auth

import (
	"errors"
)

// HeaderAPIKey 是携带 API Key 的请求头。
const HeaderAPIKey = "X-API-Key"

// 认证失败时返回给调用方的错误。
var (
	ErrMissingKey = errors.New("API key is required. Please provide X-API-Key header.")
	ErrInvalidKey = errors.New("Invalid API key")
)

// Mode 表示认证模式。
type Mode string

const (
	// ModeDisabled 未配置 API Key，所有请求放行。
	ModeDisabled Mode = "disabled"
	// ModeAPIKey 要求请求携带正确的 X-API-Key。
	ModeAPIKey Mode = "api_key"
)

// Principal 是通过校验的调用方，KeyID 为 API Key 的摘要前缀，可安全写入日志。
type Principal struct {
	KeyID string
}
