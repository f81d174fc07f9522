package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
	"net/http"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message    string
	Severity   Severity
	Retryable  bool
	Alert      bool
	HTTPStatus int
}

const (
	CodeUnknown                 Code = "UNKNOWN"
	CodeInvalidArgument         Code = "INVALID_ARGUMENT"
	CodeUnauthorized            Code = "UNAUTHORIZED"
	CodeNotFound                Code = "NOT_FOUND"
	CodeConflict                Code = "CONFLICT"
	CodePayloadTooLarge         Code = "PAYLOAD_TOO_LARGE"
	CodeRetriesExhausted        Code = "RETRIES_EXHAUSTED"
	CodeInitializationFailure   Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure          Code = "STORAGE_FAILURE"
	CodeObjectStoreFailure      Code = "OBJECT_STORE_FAILURE"
	CodeQueueFailure            Code = "QUEUE_FAILURE"
	CodeExecutorFailure         Code = "EXECUTOR_FAILURE"
	CodeSandboxFailure          Code = "SANDBOX_FAILURE"
	CodeLLMFailure              Code = "LLM_FAILURE"
	CodeStructuredOutputInvalid Code = "STRUCTURED_OUTPUT_INVALID"
	CodeRecursionLimit          Code = "RECURSION_LIMIT"
	CodeTimeout                 Code = "TIMEOUT"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:                 {Message: "unknown error", Severity: SeverityCritical, Alert: true, HTTPStatus: http.StatusInternalServerError},
		CodeInvalidArgument:         {Message: "invalid argument", Severity: SeverityInfo, HTTPStatus: http.StatusBadRequest},
		CodeUnauthorized:            {Message: "unauthorized", Severity: SeverityInfo, HTTPStatus: http.StatusUnauthorized},
		CodeNotFound:                {Message: "resource not found", Severity: SeverityInfo, HTTPStatus: http.StatusNotFound},
		CodeConflict:                {Message: "resource conflict", Severity: SeverityWarning, HTTPStatus: http.StatusConflict},
		CodePayloadTooLarge:         {Message: "payload too large", Severity: SeverityInfo, HTTPStatus: http.StatusRequestEntityTooLarge},
		CodeRetriesExhausted:        {Message: "retries exhausted", Severity: SeverityWarning, Alert: true, HTTPStatus: http.StatusUnprocessableEntity},
		CodeInitializationFailure:   {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true, HTTPStatus: http.StatusServiceUnavailable},
		CodeStorageFailure:          {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true, HTTPStatus: http.StatusInternalServerError},
		CodeObjectStoreFailure:      {Message: "object storage failure", Severity: SeverityWarning, Retryable: true, Alert: true, HTTPStatus: http.StatusBadGateway},
		CodeQueueFailure:            {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true, HTTPStatus: http.StatusServiceUnavailable},
		CodeExecutorFailure:         {Message: "executor failure", Severity: SeverityWarning, Alert: true, HTTPStatus: http.StatusUnprocessableEntity},
		CodeSandboxFailure:          {Message: "sandbox failure", Severity: SeverityWarning, Retryable: true, Alert: true, HTTPStatus: http.StatusBadGateway},
		CodeLLMFailure:              {Message: "llm provider failure", Severity: SeverityWarning, Retryable: true, Alert: true, HTTPStatus: http.StatusBadGateway},
		CodeStructuredOutputInvalid: {Message: "llm returned an invalid structured output", Severity: SeverityWarning, HTTPStatus: http.StatusUnprocessableEntity},
		CodeRecursionLimit:          {Message: "agent graph recursion limit reached", Severity: SeverityWarning, Alert: true, HTTPStatus: http.StatusUnprocessableEntity},
		CodeTimeout:                 {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true, HTTPStatus: http.StatusGatewayTimeout},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。未显式覆盖的行为在读取时按错误码从注册表解析，
// 因此包级变量中创建的错误也能使用之后 Register 的属性。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	overrides []func(*Attributes)
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息，随告警一起发送。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖错误码默认的可重试属性。
func WithRetryable(retryable bool) Option {
	return override(func(a *Attributes) { a.Retryable = retryable })
}

// WithAlert 覆盖错误码默认的告警属性。
func WithAlert(alert bool) Option {
	return override(func(a *Attributes) { a.Alert = alert })
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return override(func(a *Attributes) { a.Severity = sev })
}

func override(apply func(*Attributes)) Option {
	return func(e *Error) { e.overrides = append(e.overrides, apply) }
}

// New 创建错误，message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Newf 使用格式化信息创建错误。
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 在 cause 外包裹错误码与可展示信息。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Ensure 保留已有的错误码，未分类的错误使用 code 包裹。
func Ensure(code Code, err error, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := From(err); ok {
		return err
	}
	return Wrap(code, err, message)
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause == nil {
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 使 errors.Is 按错误码匹配。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码，nil 视为 UNKNOWN。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含错误码前缀的信息，可直接展示给调用方。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// Attributes 返回应用覆盖项之后的行为属性。
func (e *Error) Attributes() Attributes {
	attrs := AttributesOf(e.Code())
	if e != nil {
		for _, apply := range e.overrides {
			apply(&attrs)
		}
	}
	return attrs
}

func (e *Error) Retryable() bool    { return e != nil && e.Attributes().Retryable }
func (e *Error) ShouldAlert() bool  { return e != nil && e.Attributes().Alert }
func (e *Error) Severity() Severity { return e.Attributes().Severity }

// From 沿错误链查找 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// attributesOf 解析任意 error 的行为属性，未分类的错误按 UNKNOWN 处理。
func attributesOf(err error) Attributes {
	if e, ok := From(err); ok {
		return e.Attributes()
	}
	return AttributesOf(CodeUnknown)
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// MessageOf 返回可展示的错误信息。
func MessageOf(err error) string {
	if e, ok := From(err); ok {
		return e.Message()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// HTTPStatus 返回错误对应的 HTTP 状态码，未设置时为 500。
func HTTPStatus(err error) int {
	if status := attributesOf(err).HTTPStatus; status != 0 {
		return status
	}
	return http.StatusInternalServerError
}

// RetryableError 判断任意 error 是否可重试，未分类的错误不重试。
func RetryableError(err error) bool {
	_, ok := From(err)
	return ok && attributesOf(err).Retryable
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	_, ok := From(err)
	return ok && attributesOf(err).Alert
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	return attributesOf(err).Severity
}
