package agent

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	xerrors "DataPilot/internal/errors"
	"DataPilot/internal/llm"
	"DataPilot/internal/notebook"
	"DataPilot/internal/observability/metrics"
)

const (
	invalidSignalAnswer = "Error: ANSWERING_NODE reached with invalid action signal."
	notebookFileName    = "notebook.ipynb"
	notebookDefaultDesc = "Notebook with the executed analysis steps"
	workdirListDepth    = 2
)

// structured 调用指定角色的模型并解码结构化输出。
func (a *Agent) structured(ctx context.Context, role llm.Role, system, user string, out any) error {
	model, err := a.models.Model(role)
	if err != nil {
		return err
	}
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}
	return model.GenerateStructured(ctx, system, user, out)
}

func (a *Agent) planningNode(ctx context.Context, s *State) error {
	var decision PlanningDecision
	if err := a.structured(ctx, llm.RolePlanning, planningSystemPrompt, buildPlanningPrompt(s), &decision); err != nil {
		return err
	}
	signal := ParseSignal(decision.Signal, SignalClarification)
	switch signal {
	case SignalCodePlanning, SignalGeneralAnswer, SignalClarification:
	default:
		signal = SignalClarification
	}
	s.ActionSignal = signal
	s.TaskRationale = strings.TrimSpace(decision.Rationale)
	if s.TaskRationale == "" {
		s.TaskRationale = s.TaskDescription
	}
	a.log.Info("规划完成", slog.String("signal", string(signal)))
	return nil
}

func (a *Agent) codePlanningNode(ctx context.Context, s *State) error {
	if s.StepAttempts > a.maxStepRetries {
		a.log.Warn("步骤尝试次数超过上限", slog.String("goal", s.CurrentStepGoal), slog.Int("attempts", s.StepAttempts))
		s.ActionSignal = SignalTaskFailed
		s.FailureReason = fmt.Sprintf("Exceeded maximum attempts for %s. Try simplifying the task or breaking it into smaller steps.", s.CurrentStepGoal)
		return nil
	}

	var decision CodePlanningDecision
	if err := a.structured(ctx, llm.RoleCodePlanning, codePlanningSystemPrompt, buildCodePlanningPrompt(s), &decision); err != nil {
		return err
	}
	signal := ParseSignal(decision.Signal, SignalIterateCurrentStep)
	switch signal {
	case SignalIterateCurrentStep, SignalProceedToNextStep, SignalTaskCompleted, SignalTaskFailed:
	default:
		signal = SignalIterateCurrentStep
	}
	goal := strings.TrimSpace(decision.StepGoal)
	if goal == "" {
		goal = s.CurrentStepGoal
	}

	if signal != SignalIterateCurrentStep {
		s.completeCurrentStep()
	}
	switch signal {
	case SignalIterateCurrentStep:
		if s.CurrentStepGoal != "" {
			s.CurrentStepGoalHistory = append(s.CurrentStepGoalHistory, s.CurrentStepGoal)
		}
		s.CurrentStepGoal = goal
		s.CurrentStepDescription = decision.StepDescription
		s.StepAttempts++
	case SignalProceedToNextStep:
		s.StepNumber++
		s.CurrentStepGoal = goal
		s.CurrentStepDescription = decision.StepDescription
		s.CurrentStepGoalHistory = []string{goal}
		s.StepAttempts = 0
	case SignalTaskFailed:
		s.FailureReason = decision.Reasoning
	}
	s.ActionSignal = signal
	s.resetAttempt()

	a.log.Info("代码规划完成",
		slog.String("signal", string(signal)),
		slog.Int("step", s.StepNumber),
		slog.String("goal", s.CurrentStepGoal),
		slog.Int("completed_steps", len(s.CompletedSteps)),
	)
	return nil
}

func (a *Agent) codeGenerationNode(ctx context.Context, s *State) error {
	var notebookCode strings.Builder
	for _, step := range s.CompletedSteps {
		fmt.Fprintf(&notebookCode, "\n\n# Step %d: %s\n%s", step.StepNumber, step.Goal, step.Code)
	}

	var out PythonCode
	prompt := buildCodeGenerationPrompt(s, notebookCode.String(), a.workingDir, a.dataDir)
	if err := a.structured(ctx, llm.RoleCodeGeneration, codeGenerationSystemPrompt, prompt, &out); err != nil {
		return err
	}
	s.GeneratedCode = llm.StripFences(out.Code)
	s.CodeGenerationAttempts++
	s.ActionSignal = SignalExecuteCode
	a.log.Debug("代码已生成", slog.Int("attempt", s.CodeGenerationAttempts), slog.Int("length", len(s.GeneratedCode)))
	return nil
}

func (a *Agent) codeExecutionNode(ctx context.Context, s *State) error {
	exec, err := a.sandbox.RunCode(ctx, s.SandboxID, s.GeneratedCode)
	if err != nil {
		a.log.Error("代码执行异常", slog.String("sandbox_id", s.SandboxID), slog.String("error", err.Error()))
		metrics.IncSandboxExecution(false)
		s.Execution = nil
		s.LastExecutionError = a.truncate(err.Error())
		s.LastExecutionOutput = ""
		s.ActionSignal = SignalCodeExecutionFailed
		return nil
	}

	s.Execution = exec
	if exec.Error != nil {
		metrics.IncSandboxExecution(false)
		s.LastExecutionError = a.truncate(executionErrorText(exec))
		s.LastExecutionOutput = a.truncate(strings.Join(exec.Logs.Stdout, "\n"))
		s.ActionSignal = SignalCodeExecutionFailed
		a.log.Warn("代码执行失败", slog.String("error", exec.Error.Name), slog.Int("attempt", s.CodeGenerationAttempts))
		return nil
	}

	metrics.IncSandboxExecution(true)
	output := a.truncate(executionOutput(exec))
	if output == "" {
		output = "(no output)"
	}
	s.LastExecutionOutput = output
	s.LastExecutionError = ""
	s.ActionSignal = SignalCodeExecutionSuccess
	a.log.Info("代码执行成功", slog.Int("step", s.StepNumber))
	return nil
}

func (a *Agent) executionObserverNode(ctx context.Context, s *State) error {
	var decision ExecutionObserverDecision
	if err := a.structured(ctx, llm.RoleExecutionObserver, executionObserverSystemPrompt, buildObserverPrompt(s), &decision); err != nil {
		return err
	}
	observations := make([]StepObservation, 0, len(decision.Observations))
	for _, obs := range decision.Observations {
		obs.normalize()
		obs.StepNumber = s.StepNumber
		observations = append(observations, obs)
	}
	s.CurrentStepObservations = observations
	s.CurrentStepSuccess = decision.ExecutionSuccess
	a.log.Debug("执行观察完成", slog.Int("observations", len(observations)), slog.Bool("success", decision.ExecutionSuccess))
	return nil
}

func (a *Agent) reflectionNode(ctx context.Context, s *State) error {
	var decision ReflectionDecision
	if err := a.structured(ctx, llm.RoleReflection, reflectionSystemPrompt, buildReflectionPrompt(s), &decision); err != nil {
		return err
	}
	world := make([]StepObservation, 0, len(decision.Rules)+len(decision.DataObservations))
	for _, group := range [][]StepObservation{decision.Rules, decision.DataObservations} {
		for _, obs := range group {
			obs.normalize()
			world = append(world, obs)
		}
	}
	s.WorldObservations = world
	a.log.Debug("世界观察已更新", slog.Int("rules", len(decision.Rules)), slog.Int("data", len(decision.DataObservations)))
	return nil
}

func (a *Agent) answeringNode(ctx context.Context, s *State) error {
	switch s.ActionSignal {
	case SignalClarification:
		var out ClarificationResponse
		if err := a.structured(ctx, llm.RoleAnswering, clarificationSystemPrompt, buildClarificationPrompt(s), &out); err != nil {
			return err
		}
		s.Answer = &TaskAnswer{Answer: formatQuestions(out.Questions), Success: false}
	case SignalGeneralAnswer:
		var out GeneralAnswerResponse
		if err := a.structured(ctx, llm.RoleAnswering, generalAnswerSystemPrompt, buildGeneralAnswerPrompt(s), &out); err != nil {
			return err
		}
		s.Answer = &TaskAnswer{Answer: out.Answer, Success: true}
	case SignalTaskCompleted, SignalTaskFailed:
		if err := a.answerTask(ctx, s); err != nil {
			return err
		}
	default:
		a.log.Error("回答节点收到非法信号", slog.String("signal", string(s.ActionSignal)))
		s.Answer = &TaskAnswer{Answer: invalidSignalAnswer, Success: false}
	}
	s.ActionSignal = SignalFinalAnswer
	return nil
}

// answerTask 生成代码路径下的最终回答，并把执行记录写成 notebook 保存到沙箱。
func (a *Agent) answerTask(ctx context.Context, s *State) error {
	nb, err := buildNotebook(s)
	if err != nil {
		return err
	}

	entries, err := a.sandbox.List(ctx, s.SandboxID, a.workingDir, workdirListDepth)
	if err != nil {
		a.log.Warn("列出工作目录失败", slog.String("error", err.Error()))
	}

	var out TaskResponseAnswer
	prompt := buildTaskResponsePrompt(s, entries, a.workingDir)
	if err := a.structured(ctx, llm.RoleAnswering, taskResponseSystemPrompt, prompt, &out); err != nil {
		return err
	}

	answer := &TaskAnswer{
		Answer:              out.Answer,
		Success:             out.Succeeded(),
		NotebookDescription: out.NotebookDescription,
		Artifacts:           out.Artifacts,
	}

	s.Notebook = nb.Build(notebook.DefaultMetadata())
	data, err := s.Notebook.Marshal()
	if err == nil {
		notebookPath := path.Join(a.workingDir, notebookFileName)
		err = a.sandbox.WriteFile(ctx, s.SandboxID, notebookPath, data)
		if err == nil {
			desc := out.NotebookDescription
			if strings.TrimSpace(desc) == "" {
				desc = notebookDefaultDesc
			}
			answer.Artifacts = append(answer.Artifacts, ArtifactDecision{
				Type:        ArtifactFile,
				Description: desc,
				FullPath:    notebookPath,
			})
		}
	}
	if err != nil {
		a.log.Warn("保存 notebook 失败", slog.String("error", err.Error()))
	}

	s.Answer = answer
	a.log.Info("最终回答已生成", slog.Bool("success", answer.Success), slog.Int("artifacts", len(answer.Artifacts)))
	return nil
}

func buildNotebook(s *State) (*notebook.Builder, error) {
	nb := notebook.NewBuilder()
	nb.AddMarkdown(fmt.Sprintf("# Task: %s\n\n%s", s.TaskDescription, s.TaskRationale))
	for _, step := range s.CompletedSteps {
		nb.AddMarkdown(fmt.Sprintf("## Step %d: %s", step.StepNumber, step.Goal))
		if step.Description != "" {
			nb.AddMarkdown(step.Description)
		}
		if step.Code == "" {
			continue
		}
		nb.AddCode(step.Code)
		if err := nb.AddExecution(step.Execution); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, fmt.Sprintf("写入第 %d 步执行输出失败", step.StepNumber))
		}
	}
	return nb, nil
}

func formatQuestions(questions []string) string {
	lines := make([]string, 0, len(questions))
	for i, q := range questions {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, strings.TrimSpace(q)))
	}
	return strings.Join(lines, "\n")
}
