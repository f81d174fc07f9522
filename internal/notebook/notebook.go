// Package notebook 以 nbformat v4 格式组装 Jupyter Notebook。
package notebook

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"DataPilot/internal/sandbox"
)

const (
	CellCode     = "code"
	CellMarkdown = "markdown"
)

var (
	ErrNoCells     = errors.New("Cannot add output: no cells in the notebook")
	ErrLastNotCode = errors.New("Cannot add output: last cell is not a code cell")
)

// Output 是代码单元的一条输出。
type Output struct {
	OutputType     string
	Name           string
	Text           string
	Data           map[string]any
	Metadata       map[string]any
	ExecutionCount int
	Ename          string
	Evalue         string
	Traceback      []string
}

// MarshalJSON 按 output_type 输出 nbformat 要求的字段。
func (o Output) MarshalJSON() ([]byte, error) {
	out := map[string]any{"output_type": o.OutputType}
	switch o.OutputType {
	case "stream":
		out["name"] = o.Name
		out["text"] = o.Text
	case "error":
		out["ename"] = o.Ename
		out["evalue"] = o.Evalue
		traceback := o.Traceback
		if traceback == nil {
			traceback = []string{}
		}
		out["traceback"] = traceback
	default:
		out["data"] = nonNil(o.Data)
		out["metadata"] = nonNil(o.Metadata)
		if o.OutputType == "execute_result" {
			var count any
			if o.ExecutionCount > 0 {
				count = o.ExecutionCount
			}
			out["execution_count"] = count
		}
	}
	return json.Marshal(out)
}

// Cell 是 Notebook 中的一个单元。
type Cell struct {
	CellType       string
	ID             string
	Source         string
	ExecutionCount int
	Metadata       map[string]any
	Outputs        []Output
}

// MarshalJSON 按 cell_type 输出字段，代码单元包含 execution_count 与 outputs。
func (c Cell) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"cell_type": c.CellType,
		"id":        c.ID,
		"metadata":  nonNil(c.Metadata),
		"source":    c.Source,
	}
	if c.CellType == CellCode {
		var count any
		if c.ExecutionCount > 0 {
			count = c.ExecutionCount
		}
		out["execution_count"] = count
		outputs := c.Outputs
		if outputs == nil {
			outputs = []Output{}
		}
		out["outputs"] = outputs
	}
	return json.Marshal(out)
}

// Notebook 是完整的 nbformat v4 文档。
type Notebook struct {
	Cells         []Cell         `json:"cells"`
	Metadata      map[string]any `json:"metadata"`
	NBFormat      int            `json:"nbformat"`
	NBFormatMinor int            `json:"nbformat_minor"`
}

// Marshal 生成 .ipynb 文件内容。
func (n *Notebook) Marshal() ([]byte, error) {
	return json.MarshalIndent(n, "", " ")
}

// DefaultMetadata 返回 Python 3 内核的元数据。
func DefaultMetadata() map[string]any {
	return map[string]any{
		"kernelspec": map[string]any{
			"display_name": "Python 3",
			"language":     "python",
			"name":         "python3",
		},
		"language_info": map[string]any{
			"name":    "python",
			"version": "3.10.0",
		},
	}
}

// Builder 按顺序收集单元，代码单元的执行序号从 1 自增。
type Builder struct {
	cells     []Cell
	nextCount int
}

// NewBuilder 创建空的 Builder。
func NewBuilder() *Builder {
	return &Builder{nextCount: 1}
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// AddCode 追加代码单元并自动分配执行序号。
func (b *Builder) AddCode(source string) *Builder {
	count := b.nextCount
	b.nextCount++
	return b.AddCodeWithCount(source, count)
}

// AddCodeWithCount 追加指定执行序号的代码单元。
func (b *Builder) AddCodeWithCount(source string, count int) *Builder {
	b.cells = append(b.cells, Cell{CellType: CellCode, ID: newID(), Source: source, ExecutionCount: count})
	return b
}

// AddMarkdown 追加 markdown 单元。
func (b *Builder) AddMarkdown(source string) *Builder {
	b.cells = append(b.cells, Cell{CellType: CellMarkdown, ID: newID(), Source: source})
	return b
}

func (b *Builder) lastCode() (*Cell, error) {
	if len(b.cells) == 0 {
		return nil, ErrNoCells
	}
	last := &b.cells[len(b.cells)-1]
	if last.CellType != CellCode {
		return nil, ErrLastNotCode
	}
	return last, nil
}

// AddOutput 将执行结果转换为 display_data 或 execute_result 追加到最后一个代码单元。
func (b *Builder) AddOutput(result sandbox.Result, executionCount int) error {
	last, err := b.lastCode()
	if err != nil {
		return err
	}
	last.Outputs = append(last.Outputs, resultOutput(result, executionCount))
	return nil
}

func resultOutput(result sandbox.Result, executionCount int) Output {
	data := map[string]any{}
	set := func(mime, value string) {
		if value != "" {
			data[mime] = value
		}
	}
	set("text/plain", result.Text)
	set("text/html", result.HTML)
	set("text/markdown", result.Markdown)
	set("image/svg+xml", result.SVG)
	set("image/png", result.PNG)
	set("image/jpeg", result.JPEG)
	set("application/pdf", result.PDF)
	set("text/latex", result.LaTeX)
	if len(result.JSON) > 0 {
		data["application/json"] = result.JSON
	}
	set("application/javascript", result.JavaScript)
	for key, value := range result.Extra {
		data[key] = value
	}

	out := Output{OutputType: "display_data", Data: data}
	if result.IsMainResult {
		out.OutputType = "execute_result"
		out.ExecutionCount = executionCount
	}
	return out
}

// AddExecution 将一次执行的日志、结果与异常全部追加到最后一个代码单元。
func (b *Builder) AddExecution(exec *sandbox.Execution) error {
	last, err := b.lastCode()
	if err != nil {
		return err
	}
	if exec == nil {
		return nil
	}
	for _, line := range exec.Logs.Stdout {
		if line != "" {
			last.Outputs = append(last.Outputs, Output{OutputType: "stream", Name: "stdout", Text: line})
		}
	}
	for _, line := range exec.Logs.Stderr {
		if line != "" {
			last.Outputs = append(last.Outputs, Output{OutputType: "stream", Name: "stderr", Text: line})
		}
	}
	for _, result := range exec.Results {
		last.Outputs = append(last.Outputs, resultOutput(result, exec.ExecutionCount))
	}
	if exec.Error != nil {
		last.Outputs = append(last.Outputs, Output{
			OutputType: "error",
			Ename:      exec.Error.Name,
			Evalue:     exec.Error.Value,
			Traceback:  strings.Split(exec.Error.Traceback, "\n"),
		})
	}
	if exec.ExecutionCount > 0 {
		last.ExecutionCount = exec.ExecutionCount
	}
	return nil
}

// Cells 返回当前单元的副本。
func (b *Builder) Cells() []Cell {
	return append([]Cell(nil), b.cells...)
}

// Len 返回单元数量。
func (b *Builder) Len() int {
	return len(b.cells)
}

// Clear 清空所有单元并重置执行序号。
func (b *Builder) Clear() *Builder {
	b.cells = nil
	b.nextCount = 1
	return b
}

// Build 生成 Notebook，metadata 为空时使用 DefaultMetadata。
func (b *Builder) Build(metadata map[string]any) *Notebook {
	if metadata == nil {
		metadata = DefaultMetadata()
	}
	cells := b.Cells()
	if cells == nil {
		cells = []Cell{}
	}
	return &Notebook{Cells: cells, Metadata: metadata, NBFormat: 4, NBFormatMinor: 5}
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
