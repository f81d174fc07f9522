package agent

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	xerrors "DataPilot/internal/errors"
	"DataPilot/internal/knowledge"
	"DataPilot/internal/llm"
	"DataPilot/internal/notebook"
	"DataPilot/internal/sandbox"
	"DataPilot/pkg/logger"
)

// Models 按节点角色解析大模型，*llm.Registry 实现了该接口。
type Models interface {
	Model(role llm.Role) (*llm.Model, error)
}

// Input 描述一次 Agent 执行的输入。
type Input struct {
	TaskDescription      string
	DataFilesDescription string
	UploadedFiles        []string
	SandboxID            string
}

// Result 汇总最终回答、生成的 notebook 与结束时的状态。
type Result struct {
	Answer   TaskAnswer
	Notebook *notebook.Notebook
	State    *State
}

// Agent 驱动规划、代码生成、执行与回答组成的状态图，是系统的业务核心。
type Agent struct {
	models          Models
	sandbox         sandbox.Sandbox
	knowledge       knowledge.Provider
	llmTimeout      time.Duration
	maxStepRetries  int
	maxCodeAttempts int
	recursionLimit  int
	maxOutput       int
	headRatio       float64
	observe         bool
	workingDir      string
	dataDir         string
	log             *slog.Logger
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

const (
	defaultMaxStepRetries  = 5
	defaultMaxCodeAttempts = 3
	defaultWorkingDir      = "/home/user"
	defaultDataDir         = "/home/user/data"
)

// WithKnowledgeProvider 配置知识库，用于在规划前补充参考资料。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(a *Agent) {
		a.knowledge = provider
	}
}

// WithLLMTimeout 设置单次调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// WithMaxStepRetries 设置单个步骤允许重新规划的次数。
func WithMaxStepRetries(n int) Option {
	return func(a *Agent) {
		a.maxStepRetries = n
	}
}

// WithMaxCodeAttempts 设置单次规划内代码生成的最大次数。
func WithMaxCodeAttempts(n int) Option {
	return func(a *Agent) {
		a.maxCodeAttempts = n
	}
}

// WithRecursionLimit 设置状态图的节点访问上限。
func WithRecursionLimit(n int) Option {
	return func(a *Agent) {
		a.recursionLimit = n
	}
}

// WithOutputLimit 设置执行输出写入状态前的截断长度与头部保留比例。
func WithOutputLimit(maxChars int, headRatio float64) Option {
	return func(a *Agent) {
		if maxChars > 0 {
			a.maxOutput = maxChars
		}
		if headRatio > 0 && headRatio < 1 {
			a.headRatio = headRatio
		}
	}
}

// WithObserve 控制是否在执行后运行观察与反思节点。
func WithObserve(enabled bool) Option {
	return func(a *Agent) {
		a.observe = enabled
	}
}

// WithDirectories 设置沙箱中的工作目录与数据目录。
func WithDirectories(workingDir, dataDir string) Option {
	return func(a *Agent) {
		if workingDir != "" {
			a.workingDir = workingDir
		}
		if dataDir != "" {
			a.dataDir = dataDir
		}
	}
}

// New 创建一个 Agent。
func New(models Models, sb sandbox.Sandbox, opts ...Option) *Agent {
	ag := &Agent{
		models:          models,
		sandbox:         sb,
		maxStepRetries:  defaultMaxStepRetries,
		maxCodeAttempts: defaultMaxCodeAttempts,
		recursionLimit:  DefaultRecursionLimit,
		maxOutput:       DefaultMaxOutput,
		headRatio:       DefaultHeadRatio,
		observe:         true,
		workingDir:      defaultWorkingDir,
		dataDir:         defaultDataDir,
		log:             logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.maxStepRetries < 0 {
		ag.maxStepRetries = defaultMaxStepRetries
	}
	if ag.maxCodeAttempts <= 0 {
		ag.maxCodeAttempts = defaultMaxCodeAttempts
	}
	if ag.recursionLimit <= 0 {
		ag.recursionLimit = DefaultRecursionLimit
	}
	return ag
}

// Execute 在指定沙箱中完成一个数据分析任务并返回最终回答。
func (a *Agent) Execute(ctx context.Context, in Input) (*Result, error) {
	if a.models == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型")
	}
	if a.sandbox == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置沙箱")
	}
	if strings.TrimSpace(in.TaskDescription) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务描述不能为空")
	}

	state := &State{
		TaskDescription:      in.TaskDescription,
		DataFilesDescription: in.DataFilesDescription,
		UploadedFiles:        append([]string(nil), in.UploadedFiles...),
		SandboxID:            in.SandboxID,
		StepNumber:           1,
	}
	if a.knowledge != nil {
		state.Knowledge = a.knowledge.Query(in.TaskDescription, in.DataFilesDescription)
	}

	start := time.Now()
	if err := a.run(ctx, state); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "任务执行超时")
		}
		return nil, xerrors.Ensure(xerrors.CodeExecutorFailure, err, "任务执行失败")
	}

	a.log.Info("任务执行完成",
		slog.String("sandbox_id", in.SandboxID),
		slog.Int("visits", state.visits),
		slog.Int("steps", len(state.CompletedSteps)),
		slog.Duration("elapsed", time.Since(start)),
	)

	result := &Result{Notebook: state.Notebook, State: state}
	if state.Answer != nil {
		result.Answer = *state.Answer
	}
	return result, nil
}
