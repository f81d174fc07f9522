package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	xerrors "DataPilot/internal/errors"
	"DataPilot/pkg/logger"
)

var validate = validator.New()

// GenerateStructured 要求模型返回 JSON，解码到 out 并按 validate 标签校验；
// 失败时携带错误信息重新请求，超过重试次数返回 STRUCTURED_OUTPUT_INVALID。
func (m *Model) GenerateStructured(ctx context.Context, system, user string, out any) error {
	target := reflect.ValueOf(out)
	if target.Kind() != reflect.Pointer || target.IsNil() {
		return xerrors.New(xerrors.CodeInvalidArgument, "structured output target must be a non-nil pointer")
	}

	messages := []Message{UserMessage(user)}
	var lastErr error
	for attempt := 0; attempt <= m.retries; attempt++ {
		resp, err := m.Generate(ctx, system, messages, true)
		if err != nil {
			return err
		}

		target.Elem().Set(reflect.Zero(target.Elem().Type()))
		lastErr = Decode(resp.Content, out)
		if lastErr == nil {
			return nil
		}

		logger.Named("llm").Warn("结构化输出校验失败",
			slog.String("model", m.String()),
			slog.String("role", string(m.Role)),
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()),
		)
		messages = append(messages,
			Message{Role: "assistant", Content: resp.Content},
			UserMessage(fmt.Sprintf("Your previous response could not be used: %v. Reply again with only the corrected JSON object.", lastErr)),
		)
	}
	return xerrors.Wrap(xerrors.CodeStructuredOutputInvalid, lastErr,
		fmt.Sprintf("%s returned an invalid %s response", m.String(), m.Role))
}

// Decode 从模型回复中提取 JSON 对象并校验。
func Decode(content string, out any) error {
	raw, err := ExtractJSON(content)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return nil
}

// ExtractJSON 去除 markdown 代码块并返回第一个完整的 JSON 对象。
func ExtractJSON(content string) (string, error) {
	text := StripFences(content)
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", fmt.Errorf("no json object found in response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unterminated json object in response")
}

// StripFences 去除首尾的 ``` 代码块标记。
func StripFences(content string) string {
	text := strings.TrimSpace(content)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[idx+1:]
	} else {
		text = ""
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
