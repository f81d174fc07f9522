package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "DataPilot/internal/errors"
	"DataPilot/internal/knowledge"
	"DataPilot/internal/llm"
	"DataPilot/internal/sandbox"
)

// scriptedLLM 按系统提示词区分节点，依次返回预先准备的回复。
type scriptedLLM struct {
	mu      sync.Mutex
	replies map[string][]string
	calls   map[string]int
	prompts map[string][]string
	wait    time.Duration
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{
		replies: make(map[string][]string),
		calls:   make(map[string]int),
		prompts: make(map[string][]string),
	}
}

func (s *scriptedLLM) on(system string, replies ...any) *scriptedLLM {
	for _, r := range replies {
		encoded, err := json.Marshal(r)
		if err != nil {
			panic(err)
		}
		s.replies[system] = append(s.replies[system], string(encoded))
	}
	return s
}

func (s *scriptedLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	replies := s.replies[req.System]
	if len(replies) == 0 {
		return nil, errors.New("unexpected llm call")
	}
	idx := s.calls[req.System]
	if idx >= len(replies) {
		idx = len(replies) - 1
	}
	s.calls[req.System]++
	s.prompts[req.System] = append(s.prompts[req.System], req.Messages[len(req.Messages)-1].Content)
	return &llm.Response{Content: replies[idx], Model: req.Model}, nil
}

func (s *scriptedLLM) count(system string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[system]
}

func (s *scriptedLLM) lastPrompt(system string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prompts := s.prompts[system]
	if len(prompts) == 0 {
		return ""
	}
	return prompts[len(prompts)-1]
}

func newRegistry(client llm.Client) *llm.Registry {
	return llm.NewRegistry(
		llm.WithClient(llm.ProviderOpenAI, client),
		llm.WithRole(llm.RoleDefault, llm.ModelSpec{Provider: llm.ProviderOpenAI, ModelName: "gpt-4o"}),
		llm.WithStructuredRetries(0),
	)
}

func newSandbox(t *testing.T, interpreter sandbox.Interpreter) (*sandbox.Memory, string) {
	t.Helper()
	sb := sandbox.NewMemory(interpreter)
	id, err := sb.Create(context.Background())
	require.NoError(t, err)
	return sb, id
}

func TestAgentExecuteGeneralAnswer(t *testing.T) {
	client := newScriptedLLM().
		on(planningSystemPrompt, PlanningDecision{Signal: "general_answer", Rationale: "definition question"}).
		on(generalAnswerSystemPrompt, GeneralAnswerResponse{Answer: "A p-value is a probability."})
	sb, id := newSandbox(t, nil)
	ag := New(newRegistry(client), sb)

	result, err := ag.Execute(context.Background(), Input{TaskDescription: "What is a p-value?", SandboxID: id})
	require.NoError(t, err)
	assert.True(t, result.Answer.Success)
	assert.Equal(t, "A p-value is a probability.", result.Answer.Answer)
	assert.Equal(t, 2, result.State.Visits())
	assert.Nil(t, result.Notebook)
	assert.Contains(t, client.lastPrompt(planningSystemPrompt), "NONE - No files have been uploaded.")
}

func TestAgentExecuteClarification(t *testing.T) {
	client := newScriptedLLM().
		on(planningSystemPrompt, PlanningDecision{Signal: "not-a-signal"}).
		on(clarificationSystemPrompt, ClarificationResponse{Questions: []string{"Which column?", "Which period?"}})
	sb, id := newSandbox(t, nil)
	ag := New(newRegistry(client), sb)

	result, err := ag.Execute(context.Background(), Input{TaskDescription: "analyse it", SandboxID: id})
	require.NoError(t, err)
	assert.False(t, result.Answer.Success)
	assert.Equal(t, "1. Which column?\n2. Which period?", result.Answer.Answer)
	assert.Equal(t, SignalFinalAnswer, result.State.ActionSignal)
	assert.Equal(t, "analyse it", result.State.TaskRationale)
}

func TestAgentExecuteCodePathWithObservation(t *testing.T) {
	client := newScriptedLLM().
		on(planningSystemPrompt, PlanningDecision{Signal: "CODE_PLANNING", Rationale: "needs pandas"}).
		on(codePlanningSystemPrompt,
			CodePlanningDecision{Signal: "ITERATE_CURRENT_STEP", StepGoal: "Load sales.csv", StepDescription: "Read the file"},
			CodePlanningDecision{Signal: "TASK_COMPLETED", Reasoning: "done"},
		).
		on(codeGenerationSystemPrompt, PythonCode{Code: "```python\nprint(42)\n```"}).
		on(executionObserverSystemPrompt, ExecutionObserverDecision{
			ExecutionSuccess: true,
			Observations:     []StepObservation{{Title: "answer", Summary: "value is 42", Importance: 5, Relevance: 5}},
		}).
		on(reflectionSystemPrompt, ReflectionDecision{
			Rules:            []StepObservation{{Title: "ids", Summary: "ids are case-insensitive", Kind: KindRule, Source: SourceSpec, Importance: 3, Relevance: 3}},
			DataObservations: []StepObservation{{StepNumber: 1, Title: "answer", Summary: "value is 42", Importance: 5, Relevance: 5}},
		}).
		on(taskResponseSystemPrompt, TaskResponseAnswer{
			NotebookDescription: "Loads sales data",
			Answer:              "The value is 42.",
			Artifacts:           []ArtifactDecision{{Type: ArtifactFile, Description: "chart", FullPath: "/home/user/chart.png"}},
		})

	var executed []string
	sb, id := newSandbox(t, func(_ context.Context, _ string, code string) (*sandbox.Execution, error) {
		executed = append(executed, code)
		return &sandbox.Execution{Logs: sandbox.Logs{Stdout: []string{"42\n"}}}, nil
	})
	provider := knowledge.NewStaticProvider([]knowledge.Snippet{
		{Title: "CSV 读取", Content: "use pandas.read_csv", Keywords: []string{"csv"}},
	}, 3)
	ag := New(newRegistry(client), sb, WithKnowledgeProvider(provider))

	result, err := ag.Execute(context.Background(), Input{
		TaskDescription: "Summarise sales.csv",
		UploadedFiles:   []string{"sales.csv"},
		SandboxID:       id,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"print(42)"}, executed)
	assert.Equal(t, 8, result.State.Visits())
	assert.True(t, result.Answer.Success)
	assert.Equal(t, "The value is 42.", result.Answer.Answer)

	require.Len(t, result.State.CompletedSteps, 1)
	step := result.State.CompletedSteps[0]
	assert.Equal(t, 1, step.StepNumber)
	assert.Equal(t, "Load sales.csv", step.Goal)
	assert.Equal(t, "print(42)", step.Code)
	assert.True(t, step.Success)
	require.NotNil(t, step.Execution)

	require.Len(t, result.State.WorldObservations, 2)
	assert.Equal(t, KindRule, result.State.WorldObservations[0].Kind)
	assert.Equal(t, SourceData, result.State.WorldObservations[1].Source)
	require.Len(t, result.State.CurrentStepObservations, 1)
	assert.Equal(t, 1, result.State.CurrentStepObservations[0].StepNumber)
	assert.Equal(t, KindObservation, result.State.CurrentStepObservations[0].Kind)

	require.Len(t, result.Answer.Artifacts, 2)
	nbArtifact := result.Answer.Artifacts[1]
	assert.Equal(t, ArtifactFile, nbArtifact.Type)
	assert.Equal(t, "/home/user/notebook.ipynb", nbArtifact.FullPath)
	assert.Equal(t, "Loads sales data", nbArtifact.Description)

	data, err := sb.ReadFile(context.Background(), id, "/home/user/notebook.ipynb")
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Task: Summarise sales.csv")
	assert.Contains(t, string(data), "print(42)")
	require.NotNil(t, result.Notebook)

	assert.Contains(t, client.lastPrompt(planningSystemPrompt), "use pandas.read_csv")
	assert.Contains(t, client.lastPrompt(codePlanningSystemPrompt), "=== RULES ===")
	assert.Contains(t, client.lastPrompt(codePlanningSystemPrompt), "Step completed successfully!")
}

func TestAgentExecuteExceedsStepRetries(t *testing.T) {
	client := newScriptedLLM().
		on(planningSystemPrompt, PlanningDecision{Signal: "CODE_PLANNING", Rationale: "compute"}).
		on(codePlanningSystemPrompt,
			CodePlanningDecision{Signal: "ITERATE_CURRENT_STEP", StepGoal: "Approach A"},
			CodePlanningDecision{Signal: "ITERATE_CURRENT_STEP", StepGoal: "Approach B"},
		).
		on(codeGenerationSystemPrompt, PythonCode{Code: "1/0"}).
		on(taskResponseSystemPrompt, TaskResponseAnswer{Answer: "Could not compute.", Success: boolPtr(false)})

	sb, id := newSandbox(t, func(context.Context, string, string) (*sandbox.Execution, error) {
		return &sandbox.Execution{Error: &sandbox.ExecutionError{Name: "ZeroDivisionError", Value: "division by zero"}}, nil
	})
	ag := New(newRegistry(client), sb, WithObserve(false), WithMaxStepRetries(1))

	result, err := ag.Execute(context.Background(), Input{TaskDescription: "divide", SandboxID: id})
	require.NoError(t, err)

	assert.Equal(t, 2, client.count(codePlanningSystemPrompt))
	assert.Equal(t, 6, client.count(codeGenerationSystemPrompt))
	assert.Equal(t, SignalFinalAnswer, result.State.ActionSignal)
	assert.Equal(t,
		"Exceeded maximum attempts for Approach B. Try simplifying the task or breaking it into smaller steps.",
		result.State.FailureReason)
	assert.Equal(t, []string{"Approach A"}, result.State.CurrentStepGoalHistory)
	assert.Equal(t, "ZeroDivisionError: division by zero", result.State.LastExecutionError)
	assert.False(t, result.Answer.Success)
	assert.Contains(t, client.lastPrompt(taskResponseSystemPrompt), "WARNING - THE TASK FAILED: Exceeded maximum attempts")
	assert.Contains(t, client.lastPrompt(codeGenerationSystemPrompt), "=== PREVIOUS ATTEMPT ===")
}

func TestAgentExecuteRecursionLimit(t *testing.T) {
	client := newScriptedLLM().
		on(planningSystemPrompt, PlanningDecision{Signal: "CODE_PLANNING"}).
		on(codePlanningSystemPrompt, CodePlanningDecision{Signal: "ITERATE_CURRENT_STEP", StepGoal: "loop"}).
		on(codeGenerationSystemPrompt, PythonCode{Code: "pass"})
	sb, id := newSandbox(t, nil)
	ag := New(newRegistry(client), sb, WithRecursionLimit(3))

	_, err := ag.Execute(context.Background(), Input{TaskDescription: "loop", SandboxID: id})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeRecursionLimit, xerrors.CodeOf(err))
}

func TestAgentExecuteTimeout(t *testing.T) {
	client := newScriptedLLM().on(planningSystemPrompt, PlanningDecision{Signal: "GENERAL_ANSWER"})
	client.wait = 50 * time.Millisecond
	sb, id := newSandbox(t, nil)
	ag := New(newRegistry(client), sb, WithLLMTimeout(10*time.Millisecond))

	_, err := ag.Execute(context.Background(), Input{TaskDescription: "测试", SandboxID: id})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline exceeded, got %v", err)
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeTimeout {
		t.Fatalf("expected TIMEOUT code, got %s", code)
	}
}

func TestAgentExecuteValidatesInput(t *testing.T) {
	sb, id := newSandbox(t, nil)
	ag := New(newRegistry(newScriptedLLM()), sb)

	_, err := ag.Execute(context.Background(), Input{TaskDescription: "   ", SandboxID: id})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = New(nil, sb).Execute(context.Background(), Input{TaskDescription: "x"})
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}

func TestAgentExecuteWrapsLLMErrors(t *testing.T) {
	client := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return nil, errors.New("boom")
	})
	sb, id := newSandbox(t, nil)
	ag := New(newRegistry(client), sb)

	_, err := ag.Execute(context.Background(), Input{TaskDescription: "x", SandboxID: id})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeLLMFailure, xerrors.CodeOf(err))
	assert.True(t, strings.Contains(err.Error(), "boom"))
}

func boolPtr(v bool) *bool { return &v }
