package e2b

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	xerrors "DataPilot/internal/errors"
	"DataPilot/internal/sandbox"
	"DataPilot/pkg/logger"
)

// event 是代码解释器 /execute 接口以 NDJSON 流返回的一行。
type event struct {
	Type           string         `json:"type"`
	Text           string         `json:"text"`
	Name           string         `json:"name"`
	Value          string         `json:"value"`
	Traceback      string         `json:"traceback"`
	ExecutionCount int            `json:"execution_count"`
	HTML           string         `json:"html"`
	Markdown       string         `json:"markdown"`
	SVG            string         `json:"svg"`
	PNG            string         `json:"png"`
	JPEG           string         `json:"jpeg"`
	PDF            string         `json:"pdf"`
	LaTeX          string         `json:"latex"`
	JSON           map[string]any `json:"json"`
	JavaScript     string         `json:"javascript"`
	Extra          map[string]any `json:"extra"`
	IsMainResult   bool           `json:"is_main_result"`
}

// RunCode 在沙箱的持久上下文中执行一段 Python 代码。
func (c *Client) RunCode(ctx context.Context, id, code string) (*sandbox.Execution, error) {
	s, err := c.session(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ExecutionTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"code": code, "context_id": s.contextID})
	req, err := c.sandboxRequest(ctx, http.MethodPost, interpreterPort, id, "/execute", s, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "代码执行超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeSandboxFailure, err, "请求代码解释器失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, statusError(resp)
	}

	exec, err := ParseStream(resp.Body)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "代码执行超时")
		}
		return nil, err
	}
	logger.Named("sandbox").Debug("代码执行完成",
		slog.String("sandbox_id", id),
		slog.Int("execution_count", exec.ExecutionCount),
		slog.Bool("error", exec.Error != nil),
	)
	return exec, nil
}

// ParseStream 将 NDJSON 事件流组装为 Execution。
func ParseStream(r io.Reader) (*sandbox.Execution, error) {
	exec := &sandbox.Execution{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeSandboxFailure, err, fmt.Sprintf("无法解析执行事件: %.120s", line))
		}
		switch ev.Type {
		case "stdout":
			exec.Logs.Stdout = append(exec.Logs.Stdout, ev.Text)
		case "stderr":
			exec.Logs.Stderr = append(exec.Logs.Stderr, ev.Text)
		case "result":
			exec.Results = append(exec.Results, sandbox.Result{
				Text:         ev.Text,
				HTML:         ev.HTML,
				Markdown:     ev.Markdown,
				SVG:          ev.SVG,
				PNG:          ev.PNG,
				JPEG:         ev.JPEG,
				PDF:          ev.PDF,
				LaTeX:        ev.LaTeX,
				JSON:         ev.JSON,
				JavaScript:   ev.JavaScript,
				Extra:        ev.Extra,
				IsMainResult: ev.IsMainResult,
			})
		case "error":
			exec.Error = &sandbox.ExecutionError{Name: ev.Name, Value: ev.Value, Traceback: ev.Traceback}
		case "number_of_executions":
			exec.ExecutionCount = ev.ExecutionCount
		case "end_of_execution":
			return exec, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSandboxFailure, err, "读取执行事件流失败")
	}
	return exec, nil
}
