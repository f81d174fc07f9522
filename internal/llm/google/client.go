package google

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/genai"

	xerrors "DataPilot/internal/errors"
	"DataPilot/internal/llm"
)

const defaultTimeout = 300 * time.Second

// Config 描述了调用 Gemini API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Client 基于 google.golang.org/genai 调用 Gemini 模型。
type Client struct {
	api *genai.Client
}

// NewClient 根据配置创建 Gemini 客户端。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Google API Key")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	api, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: strings.TrimSpace(cfg.BaseURL),
			Timeout: &timeout,
		},
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 Gemini 客户端失败")
	}
	return &Client{api: api}, nil
}

// Generate 调用 GenerateContent 生成回复。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	system := strings.TrimSpace(req.System)
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = strings.TrimSpace(system + "\n\n" + msg.Content)
		case "assistant", genai.RoleModel:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}

	conf := &genai.GenerateContentConfig{}
	if system != "" {
		conf.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		conf.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.JSON {
		conf.ResponseMIMEType = "application/json"
	}

	resp, err := c.api.Models.GenerateContent(ctx, req.Model, contents, conf)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLLMFailure, err, "请求 Gemini 失败")
	}

	content := strings.TrimSpace(resp.Text())
	if content == "" {
		return nil, xerrors.New(xerrors.CodeLLMFailure, "Gemini 响应内容为空")
	}

	out := &llm.Response{Content: content, Model: resp.ModelVersion}
	if len(resp.Candidates) > 0 {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	return out, nil
}
