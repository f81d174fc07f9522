package sandbox

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
)

// EntryType 表示沙箱文件系统中条目的类型。
type EntryType string

const (
	EntryFile EntryType = "file"
	EntryDir  EntryType = "dir"
)

// Entry 是目录列表中的一项。
type Entry struct {
	Name string
	Path string
	Type EntryType
}

// Logs 收集一次执行期间输出的 stdout 与 stderr 片段。
type Logs struct {
	Stdout []string `json:"stdout"`
	Stderr []string `json:"stderr"`
}

// ExecutionError 描述 Python 内核抛出的异常。
type ExecutionError struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	Traceback string `json:"traceback"`
}

// Result 是一次执行产生的富文本结果，每个字段对应一种 MIME 表示。
type Result struct {
	Text         string         `json:"text,omitempty"`
	HTML         string         `json:"html,omitempty"`
	Markdown     string         `json:"markdown,omitempty"`
	SVG          string         `json:"svg,omitempty"`
	PNG          string         `json:"png,omitempty"`
	JPEG         string         `json:"jpeg,omitempty"`
	PDF          string         `json:"pdf,omitempty"`
	LaTeX        string         `json:"latex,omitempty"`
	JSON         map[string]any `json:"json,omitempty"`
	JavaScript   string         `json:"javascript,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
	IsMainResult bool           `json:"is_main_result,omitempty"`
}

// String 返回结果的首选文本表示。
func (r Result) String() string {
	switch {
	case r.Text != "":
		return r.Text
	case r.Markdown != "":
		return r.Markdown
	case r.HTML != "":
		return r.HTML
	case r.LaTeX != "":
		return r.LaTeX
	case len(r.JSON) > 0:
		encoded, err := json.Marshal(r.JSON)
		if err == nil {
			return string(encoded)
		}
	}
	formats := r.Formats()
	if len(formats) == 0 {
		return ""
	}
	return "Result(" + strings.Join(formats, ", ") + ")"
}

// Formats 列出结果中包含的表示形式。
func (r Result) Formats() []string {
	var formats []string
	add := func(name, value string) {
		if value != "" {
			formats = append(formats, name)
		}
	}
	add("text", r.Text)
	add("html", r.HTML)
	add("markdown", r.Markdown)
	add("svg", r.SVG)
	add("png", r.PNG)
	add("jpeg", r.JPEG)
	add("pdf", r.PDF)
	add("latex", r.LaTeX)
	if len(r.JSON) > 0 {
		formats = append(formats, "json")
	}
	add("javascript", r.JavaScript)
	extra := make([]string, 0, len(r.Extra))
	for key := range r.Extra {
		extra = append(extra, key)
	}
	sort.Strings(extra)
	return append(formats, extra...)
}

// Execution 是一次代码单元执行的完整结果。
type Execution struct {
	Results        []Result        `json:"results"`
	Logs           Logs            `json:"logs"`
	Error          *ExecutionError `json:"error,omitempty"`
	ExecutionCount int             `json:"execution_count,omitempty"`
}

// Text 返回主结果的文本。
func (e *Execution) Text() string {
	if e == nil {
		return ""
	}
	for _, r := range e.Results {
		if r.IsMainResult {
			return r.Text
		}
	}
	return ""
}

// File 是待上传到沙箱的文件。
type File struct {
	Name    string
	Content []byte
}

// Sandbox 抽象了远程代码执行环境，每个沙箱持有一个持久化的 Python 上下文。
type Sandbox interface {
	Create(ctx context.Context) (string, error)
	Destroy(ctx context.Context, id string) error
	MakeDir(ctx context.Context, id, path string) error
	WriteFile(ctx context.Context, id, path string, content []byte) error
	ReadFile(ctx context.Context, id, path string) ([]byte, error)
	Exists(ctx context.Context, id, path string) (bool, error)
	List(ctx context.Context, id, path string, depth int) ([]Entry, error)
	RunCode(ctx context.Context, id, code string) (*Execution, error)
}
