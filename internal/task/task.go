package task

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	xerrors "DataPilot/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// 面向调用方的固定答复。
const (
	FailedAnswer     = "Task processing failed. Please check your task description and data files, then try again."
	InProgressAnswer = "Task is still processing. Please check back later for results."
	DefaultFilename  = "unnamed_file"
)

// Request 描述一次数据分析任务的输入。
type Request struct {
	TaskDescription      string   `json:"task_description" validate:"required,notblank"`
	DataFilesDescription string   `json:"data_files_description,omitempty"`
	FilePaths            []string `json:"file_paths,omitempty"`
	BasePath             string   `json:"base_path,omitempty"`
}

// DataFile 是随任务上传的数据文件。
type DataFile struct {
	Filename    string `json:"filename"`
	Content     []byte `json:"content"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// Artifact 是任务执行产生并返回给调用方的文件。
type Artifact struct {
	ID          string `json:"id,omitempty"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Name        string `json:"name,omitempty"`
	Path        string `json:"path,omitempty"`
	Content     string `json:"content,omitempty"`
}

// Response 是任务的最终结果。
type Response struct {
	ID        string     `json:"id,omitempty"`
	Status    Status     `json:"status,omitempty"`
	Answer    string     `json:"answer"`
	Artifacts []Artifact `json:"artifacts"`
	Success   bool       `json:"success"`
}

// StatusResponse 是异步提交后的回执。
type StatusResponse struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// Task 记录一次任务的状态与结果。
type Task struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Response    *Response `json:"response,omitempty"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	CreatedAt   int64     `json:"created_at"`
	UpdatedAt   int64     `json:"updated_at"`
}

// Job 是投递到队列中的处理单元。
type Job struct {
	TaskID    string     `json:"task_id"`
	Request   Request    `json:"request"`
	DataFiles []DataFile `json:"data_files,omitempty"`
}

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

var (
	// ErrTaskConflict 表示任务 ID 已存在。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示任务已进入终态，不再处理。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:    "task not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:    "task conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:    "task already completed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:    "task validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:    "failed to publish task",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:    "task execution failed",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
}

// ErrTaskNotFound 返回任务不存在的错误。
func ErrTaskNotFound(id string) error {
	return xerrors.Newf(CodeTaskNotFound, "Task %s not found", id)
}

// IsNotFound 判断错误是否表示任务不存在。
func IsNotFound(err error) bool {
	return xerrors.CodeOf(err) == CodeTaskNotFound
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
	})
	return validate
}

// Normalize 校验请求并去除描述两端空白。
func (r *Request) Normalize() error {
	if err := requestValidator().Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if stdErrors.As(err, &verrs) {
			return xerrors.New(CodeTaskValidation, "task_description cannot be empty or whitespace")
		}
		return xerrors.Wrap(CodeTaskValidation, err, "任务请求校验失败")
	}
	r.TaskDescription = strings.TrimSpace(r.TaskDescription)
	r.BasePath = strings.TrimSpace(r.BasePath)
	paths := r.FilePaths[:0]
	for _, p := range r.FilePaths {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	r.FilePaths = paths
	return nil
}

// NewDataFile 构造数据文件并校验大小，maxSize 不大于 0 时不限制。
func NewDataFile(filename string, content []byte, contentType string, maxSize int64) (DataFile, error) {
	size := int64(len(content))
	if err := ValidateFileSize(size, maxSize); err != nil {
		return DataFile{}, err
	}
	if strings.TrimSpace(filename) == "" {
		filename = DefaultFilename
	}
	return DataFile{Filename: filename, Content: content, Size: size, ContentType: contentType}, nil
}

// ValidateFileSize 检查文件大小是否超过上限。
func ValidateFileSize(size, maxSize int64) error {
	if maxSize <= 0 || size <= maxSize {
		return nil
	}
	const mb = 1024 * 1024
	return xerrors.New(xerrors.CodePayloadTooLarge, fmt.Sprintf(
		"File size %.2fMB exceeds maximum allowed size of %.2fMB",
		float64(size)/mb, float64(maxSize)/mb,
	))
}

// ErrorResponse 构造任务失败时的统一答复。
func ErrorResponse(id string) *Response {
	return &Response{
		ID:        id,
		Status:    StatusFailed,
		Answer:    FailedAnswer,
		Artifacts: []Artifact{},
		Success:   false,
	}
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusInProgress, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal 判断状态是否为终态。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// cloneResponse 复制结果，Artifacts 始终非 nil，序列化后为 JSON 数组。
func cloneResponse(resp *Response) *Response {
	if resp == nil {
		return nil
	}
	clone := *resp
	clone.Artifacts = append(make([]Artifact, 0, len(resp.Artifacts)), resp.Artifacts...)
	return &clone
}

func cloneTask(task *Task) *Task {
	clone := *task
	clone.Response = cloneResponse(task.Response)
	return &clone
}
