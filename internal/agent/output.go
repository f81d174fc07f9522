package agent

import (
	"fmt"
	"strings"

	"DataPilot/internal/sandbox"
)

const (
	// DefaultMaxOutput 是写入状态的执行输出的最大字符数。
	DefaultMaxOutput = 1500
	// DefaultHeadRatio 是截断时保留在头部的比例。
	DefaultHeadRatio = 0.6
)

// TruncateOutput 保留文本的头部与尾部，中间替换为截断标记。
func TruncateOutput(text string, max int, headRatio float64) string {
	runes := []rune(text)
	if max <= 0 || len(runes) <= max {
		return text
	}
	if headRatio < 0 {
		headRatio = 0
	}
	if headRatio > 1 {
		headRatio = 1
	}
	head := int(float64(max) * headRatio)
	tail := max - head
	marker := fmt.Sprintf("\n[--- OUTPUT TRUNCATED | middle omitted | original length=%d chars ---]\n", len(runes))
	return string(runes[:head]) + marker + string(runes[len(runes)-tail:])
}

func truncate(text string) string {
	return TruncateOutput(text, DefaultMaxOutput, DefaultHeadRatio)
}

func (a *Agent) truncate(text string) string {
	return TruncateOutput(text, a.maxOutput, a.headRatio)
}

// SplitObservations 按 kind 拆分为规则与数据观察，保持原有顺序。
func SplitObservations(observations []StepObservation) (rules, data []StepObservation) {
	for _, obs := range observations {
		if obs.Kind == KindRule {
			rules = append(rules, obs)
		} else {
			data = append(data, obs)
		}
	}
	return rules, data
}

// executionOutput 汇总成功执行的 stdout、stderr 与富结果。
func executionOutput(exec *sandbox.Execution) string {
	var b strings.Builder
	b.WriteString(strings.Join(exec.Logs.Stdout, "\n"))
	if len(exec.Logs.Stderr) > 0 {
		b.WriteString("\n[stderr]\n")
		b.WriteString(strings.Join(exec.Logs.Stderr, "\n"))
	}
	if len(exec.Results) > 0 {
		results := make([]string, 0, len(exec.Results))
		for _, r := range exec.Results {
			results = append(results, r.String())
		}
		b.WriteString("\n[results]\n")
		b.WriteString(strings.Join(results, "\n"))
	}
	return b.String()
}

// executionErrorText 返回失败执行的错误描述，stderr 为空时使用异常名与值。
func executionErrorText(exec *sandbox.Execution) string {
	if len(exec.Logs.Stderr) > 0 {
		return strings.Join(exec.Logs.Stderr, "\n")
	}
	return fmt.Sprintf("%s: %s", exec.Error.Name, exec.Error.Value)
}
