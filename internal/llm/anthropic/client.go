package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	xerrors "DataPilot/internal/errors"
	"DataPilot/internal/llm"
)

const (
	defaultTimeout   = 300 * time.Second
	defaultMaxTokens = 4096
	jsonOnlyReminder = "Respond with a single JSON object only, without prose or markdown fences."
)

// Config 描述了调用 Anthropic Messages API 所需的信息。MaxRetries 为 SDK 层的重试次数，默认不重试。
type Config struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// Client 基于 anthropic-sdk-go 调用 Messages API。
type Client struct {
	api sdk.Client
}

// NewClient 根据配置创建 Anthropic 客户端。
func NewClient(cfg Config, extra ...option.RequestOption) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Anthropic API Key")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(max(cfg.MaxRetries, 0)),
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	opts = append(opts, extra...)
	return &Client{api: sdk.NewClient(opts...)}, nil
}

// Generate 调用 Messages API 生成回复。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp, err := c.api.Messages.New(ctx, buildParams(req))
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return nil, xerrors.Wrap(xerrors.CodeLLMFailure, err, fmt.Sprintf("Anthropic 返回错误状态 %d", apiErr.StatusCode))
		}
		return nil, xerrors.Wrap(xerrors.CodeLLMFailure, err, "请求 Anthropic 失败")
	}

	var builder strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			builder.WriteString(block.Text)
		}
	}
	content := strings.TrimSpace(builder.String())
	if content == "" {
		return nil, xerrors.New(xerrors.CodeLLMFailure, "Anthropic 响应内容为空")
	}

	return &llm.Response{
		Content:      content,
		Model:        string(resp.Model),
		FinishReason: string(resp.StopReason),
	}, nil
}

// buildParams 把 system 角色的消息并入 system 提示词，其余按 user/assistant 传递。
func buildParams(req llm.Request) sdk.MessageNewParams {
	system := strings.TrimSpace(req.System)
	if req.JSON {
		system = strings.TrimSpace(system + "\n\n" + jsonOnlyReminder)
	}

	messages := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		block := sdk.NewTextBlock(msg.Content)
		switch msg.Role {
		case "system":
			system = strings.TrimSpace(system + "\n\n" + msg.Content)
		case "assistant":
			messages = append(messages, sdk.NewAssistantMessage(block))
		default:
			messages = append(messages, sdk.NewUserMessage(block))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	return params
}
