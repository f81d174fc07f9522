package llm

import "context"

// Role 标识 Agent 中调用大模型的节点角色。
type Role string

const (
	RoleDefault           Role = "default"
	RolePlanning          Role = "planning"
	RoleCodePlanning      Role = "code_planning"
	RoleCodeGeneration    Role = "code_generation"
	RoleExecutionObserver Role = "execution_observer"
	RoleReflection        Role = "reflection"
	RoleAnswering         Role = "answering"
)

// Message 是对话中的单条消息。
type Message struct {
	Role    string
	Content string
}

// Request 描述发送给大模型的一次调用。
type Request struct {
	Model     string
	System    string
	Messages  []Message
	MaxTokens int
	// JSON 要求供应商以 JSON 对象返回结果。
	JSON bool
}

// Response 是大模型返回的文本结果。
type Response struct {
	Content      string
	Model        string
	FinishReason string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 允许使用函数实现 Client，主要用于测试。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Generate 实现 Client 接口。
func (f ClientFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// UserMessage 构造一条 user 消息。
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}
