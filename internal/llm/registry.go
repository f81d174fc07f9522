package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	xerrors "DataPilot/internal/errors"
	"DataPilot/internal/observability/metrics"
	"DataPilot/pkg/logger"
)

// 支持的供应商。
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
)

type providerInfo struct {
	display  string
	keyName  string
	patterns []string
}

var providers = map[string]providerInfo{
	ProviderOpenAI:    {display: "OpenAI", keyName: "OPENAI_API_KEY", patterns: []string{"gpt", "openai", "o1", "o3", "text-davinci"}},
	ProviderAnthropic: {display: "Anthropic", keyName: "ANTHROPIC_API_KEY", patterns: []string{"claude", "anthropic"}},
	ProviderGoogle:    {display: "Google", keyName: "GOOGLE_API_KEY", patterns: []string{"google", "gemini"}},
}

// MatchesProvider 判断模型名称是否符合供应商的命名规则。
func MatchesProvider(provider, model string) bool {
	info, ok := providers[strings.ToLower(provider)]
	if !ok {
		return false
	}
	model = strings.ToLower(model)
	for _, pattern := range info.patterns {
		if strings.Contains(model, pattern) {
			return true
		}
	}
	return false
}

// ModelSpec 指定某个角色使用的供应商与模型。
type ModelSpec struct {
	Provider  string
	ModelName string
	MaxTokens int
}

// Factory 延迟创建供应商客户端。
type Factory func() (Client, error)

type providerEntry struct {
	apiKey  string
	factory Factory
}

// Registry 按角色解析模型，同一供应商只创建一个客户端。
type Registry struct {
	mu        sync.Mutex
	providers map[string]providerEntry
	clients   map[string]Client
	roles     map[Role]ModelSpec
	retries   int
}

// Option 配置 Registry。
type Option func(*Registry)

// WithProvider 注册一个供应商，apiKey 为空表示未配置。
func WithProvider(name, apiKey string, factory Factory) Option {
	return func(r *Registry) {
		r.providers[strings.ToLower(name)] = providerEntry{apiKey: strings.TrimSpace(apiKey), factory: factory}
	}
}

// WithClient 直接注册一个已构建的客户端，常用于测试。
func WithClient(name string, client Client) Option {
	return func(r *Registry) {
		name = strings.ToLower(name)
		r.providers[name] = providerEntry{apiKey: "static", factory: func() (Client, error) { return client, nil }}
	}
}

// WithRole 设置角色对应的模型。
func WithRole(role Role, spec ModelSpec) Option {
	return func(r *Registry) {
		r.roles[role] = spec
	}
}

// WithStructuredRetries 设置结构化输出校验失败后的重试次数。
func WithStructuredRetries(n int) Option {
	return func(r *Registry) {
		if n >= 0 {
			r.retries = n
		}
	}
}

// NewRegistry 创建模型注册表。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		providers: make(map[string]providerEntry),
		clients:   make(map[string]Client),
		roles:     make(map[Role]ModelSpec),
		retries:   2,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Supports 判断供应商已配置且模型名称匹配。
func (r *Registry) Supports(provider, model string) bool {
	entry, ok := r.providers[strings.ToLower(provider)]
	if !ok || entry.apiKey == "" {
		return false
	}
	return MatchesProvider(provider, model)
}

// Model 返回角色对应的模型，未单独配置的角色使用 default。
func (r *Registry) Model(role Role) (*Model, error) {
	spec, ok := r.roles[role]
	if !ok || spec.ModelName == "" {
		spec, ok = r.roles[RoleDefault]
	}
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeInitializationFailure, "no model configured for role %s", role)
	}
	provider := strings.ToLower(strings.TrimSpace(spec.Provider))
	info, known := providers[provider]
	if !known {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument,
			"Unsupported provider: %s. Supported providers: openai, anthropic, google", provider)
	}
	if !r.Supports(provider, spec.ModelName) {
		return nil, xerrors.Newf(xerrors.CodeInitializationFailure,
			"%s provider is not properly configured. Please ensure %s is set and correct model name is used.",
			info.display, info.keyName)
	}

	client, err := r.client(provider)
	if err != nil {
		return nil, err
	}
	return &Model{
		Client:    client,
		Provider:  provider,
		Name:      spec.ModelName,
		MaxTokens: spec.MaxTokens,
		Role:      role,
		retries:   r.retries,
	}, nil
}

func (r *Registry) client(provider string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[provider]; ok {
		return client, nil
	}
	entry := r.providers[provider]
	if entry.factory == nil {
		return nil, xerrors.Newf(xerrors.CodeInitializationFailure, "provider %s has no client factory", provider)
	}
	client, err := entry.factory()
	if err != nil {
		return nil, xerrors.Ensure(xerrors.CodeInitializationFailure, err, "创建大模型客户端失败")
	}
	logger.Named("llm").Info("大模型客户端已创建", slog.String("provider", provider))
	r.clients[provider] = client
	return client, nil
}

// Model 绑定了客户端、模型名称与角色。
type Model struct {
	Client    Client
	Provider  string
	Name      string
	MaxTokens int
	Role      Role
	retries   int
}

// String 返回 provider/model 形式的名称。
func (m *Model) String() string {
	return fmt.Sprintf("%s/%s", m.Provider, m.Name)
}

// Generate 发送一轮对话并记录调用耗时。
func (m *Model) Generate(ctx context.Context, system string, messages []Message, json bool) (*Response, error) {
	start := time.Now()
	resp, err := m.Client.Generate(ctx, Request{
		Model:     m.Name,
		System:    system,
		Messages:  messages,
		MaxTokens: m.MaxTokens,
		JSON:      json,
	})
	metrics.ObserveLLMRequest(m.Provider, string(m.Role), err, time.Since(start))
	if err != nil {
		return nil, xerrors.Ensure(xerrors.CodeLLMFailure, err, "大模型调用失败")
	}
	return resp, nil
}
