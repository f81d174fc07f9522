package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"strings"

	"DataPilot/pkg/logger"
)

// Service 负责校验请求携带的 API Key。
type Service struct {
	mode   Mode
	digest [sha256.Size]byte
	keyID  string
	audit  *slog.Logger
}

// NewService 构造认证服务，apiKey 为空时关闭校验并输出一次告警。
func NewService(apiKey string) *Service {
	svc := &Service{mode: ModeDisabled, audit: logger.Audit()}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		logger.Named("auth").Warn("未配置 API Key，接口将不做认证")
		return svc
	}
	svc.mode = ModeAPIKey
	svc.digest = sha256.Sum256([]byte(apiKey))
	svc.keyID = fingerprint(svc.digest)
	return svc
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Authenticate 校验 API Key。关闭校验时返回空 Principal。
func (s *Service) Authenticate(key string) (*Principal, error) {
	if s.Mode() == ModeDisabled {
		return &Principal{}, nil
	}
	if key == "" {
		return nil, ErrMissingKey
	}
	// 比较摘要，使耗时与输入长度无关。
	got := sha256.Sum256([]byte(key))
	if subtle.ConstantTimeCompare(got[:], s.digest[:]) != 1 {
		return nil, ErrInvalidKey
	}
	return &Principal{KeyID: s.keyID}, nil
}

func fingerprint(digest [sha256.Size]byte) string {
	return hex.EncodeToString(digest[:4])
}
