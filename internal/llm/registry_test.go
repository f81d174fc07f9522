package llm

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "DataPilot/internal/errors"
)

type decision struct {
	Signal    string `json:"signal" validate:"required"`
	Rationale string `json:"rationale"`
	Score     int    `json:"score" validate:"min=1,max=5"`
}

func TestMatchesProvider(t *testing.T) {
	cases := []struct {
		provider string
		model    string
		want     bool
	}{
		{ProviderOpenAI, "gpt-5", true},
		{ProviderOpenAI, "o3-mini", true},
		{ProviderOpenAI, "claude-sonnet-4", false},
		{ProviderAnthropic, "Claude-Opus-4", true},
		{ProviderGoogle, "gemini-2.5-pro", true},
		{ProviderGoogle, "gpt-4o", false},
		{"mistral", "mistral-large", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchesProvider(tc.provider, tc.model), "%s/%s", tc.provider, tc.model)
	}
}

func TestRegistryResolvesRolesAndSharesClients(t *testing.T) {
	var created atomic.Int32
	factory := func() (Client, error) {
		created.Add(1)
		return ClientFunc(func(context.Context, Request) (*Response, error) {
			return &Response{Content: "ok"}, nil
		}), nil
	}
	reg := NewRegistry(
		WithProvider(ProviderOpenAI, "sk-test", factory),
		WithRole(RoleDefault, ModelSpec{Provider: "OpenAI", ModelName: "gpt-5", MaxTokens: 4096}),
		WithRole(RoleCodeGeneration, ModelSpec{Provider: "openai", ModelName: "gpt-4.1", MaxTokens: 8192}),
	)

	planning, err := reg.Model(RolePlanning)
	require.NoError(t, err)
	assert.Equal(t, "gpt-5", planning.Name)
	assert.Equal(t, "openai/gpt-5", planning.String())

	codegen, err := reg.Model(RoleCodeGeneration)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4.1", codegen.Name)
	assert.Equal(t, 8192, codegen.MaxTokens)
	assert.Equal(t, int32(1), created.Load())
}

func TestRegistryErrors(t *testing.T) {
	reg := NewRegistry(
		WithProvider(ProviderAnthropic, "", nil),
		WithRole(RoleDefault, ModelSpec{Provider: "mistral", ModelName: "mistral-large"}),
		WithRole(RolePlanning, ModelSpec{Provider: "anthropic", ModelName: "claude-sonnet-4"}),
	)

	_, err := reg.Model(RoleDefault)
	require.Error(t, err)
	assert.Equal(t, "Unsupported provider: mistral. Supported providers: openai, anthropic, google", xerrors.MessageOf(err))

	_, err = reg.Model(RolePlanning)
	require.Error(t, err)
	assert.Equal(t, "Anthropic provider is not properly configured. Please ensure ANTHROPIC_API_KEY is set and correct model name is used.", xerrors.MessageOf(err))
}

func TestGenerateStructuredRetriesOnInvalidOutput(t *testing.T) {
	replies := []string{
		"I think the answer is yes",
		"```json\n{\"signal\":\"CODE_PLANNING\",\"score\":9}\n```",
		"Sure! {\"signal\":\"CODE_PLANNING\",\"rationale\":\"use {braces} inside\",\"score\":3} done",
	}
	var calls int
	var lastReq Request
	client := ClientFunc(func(_ context.Context, req Request) (*Response, error) {
		lastReq = req
		reply := replies[calls]
		calls++
		return &Response{Content: reply}, nil
	})
	reg := NewRegistry(
		WithClient(ProviderOpenAI, client),
		WithRole(RoleDefault, ModelSpec{Provider: ProviderOpenAI, ModelName: "gpt-5"}),
		WithStructuredRetries(2),
	)
	model, err := reg.Model(RolePlanning)
	require.NoError(t, err)

	var out decision
	require.NoError(t, model.GenerateStructured(context.Background(), "system", "user", &out))
	assert.Equal(t, 3, calls)
	assert.Equal(t, "CODE_PLANNING", out.Signal)
	assert.Equal(t, "use {braces} inside", out.Rationale)
	assert.True(t, lastReq.JSON)
	require.Len(t, lastReq.Messages, 5)
	assert.True(t, strings.Contains(lastReq.Messages[4].Content, "corrected JSON"))
}

func TestGenerateStructuredGivesUp(t *testing.T) {
	client := ClientFunc(func(context.Context, Request) (*Response, error) {
		return &Response{Content: "{}"}, nil
	})
	reg := NewRegistry(
		WithClient(ProviderOpenAI, client),
		WithRole(RoleDefault, ModelSpec{Provider: ProviderOpenAI, ModelName: "gpt-5"}),
		WithStructuredRetries(1),
	)
	model, err := reg.Model(RoleAnswering)
	require.NoError(t, err)

	var out decision
	err = model.GenerateStructured(context.Background(), "system", "user", &out)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeStructuredOutputInvalid, xerrors.CodeOf(err))
}

func TestGenerateWrapsProviderErrors(t *testing.T) {
	client := ClientFunc(func(context.Context, Request) (*Response, error) {
		return nil, errors.New("connection reset")
	})
	reg := NewRegistry(
		WithClient(ProviderGoogle, client),
		WithRole(RoleDefault, ModelSpec{Provider: ProviderGoogle, ModelName: "gemini-2.5-flash"}),
	)
	model, err := reg.Model(RoleReflection)
	require.NoError(t, err)

	_, err = model.Generate(context.Background(), "", []Message{UserMessage("hi")}, false)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeLLMFailure, xerrors.CodeOf(err))
	assert.True(t, xerrors.RetryableError(err))
}

func TestExtractJSON(t *testing.T) {
	raw, err := ExtractJSON("```\n{\"a\":\"}\\\"\",\"b\":{\"c\":1}}\n```")
	require.NoError(t, err)
	assert.Equal(t, `{"a":"}\"","b":{"c":1}}`, raw)

	_, err = ExtractJSON("no json here")
	assert.Error(t, err)
	_, err = ExtractJSON(`{"open": true`)
	assert.Error(t, err)
}
