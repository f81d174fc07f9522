package agent

import (
	"DataPilot/internal/knowledge"
	"DataPilot/internal/notebook"
	"DataPilot/internal/sandbox"
)

// CompletedStep 记录一个已结束的步骤及其最后一次执行结果。
type CompletedStep struct {
	StepNumber  int                `json:"step_number"`
	Goal        string             `json:"goal"`
	Description string             `json:"description"`
	Code        string             `json:"code"`
	Execution   *sandbox.Execution `json:"execution,omitempty"`
	Success     bool               `json:"success"`
}

// TaskAnswer 是 Agent 的最终回答。
type TaskAnswer struct {
	Answer              string             `json:"answer"`
	Success             bool               `json:"success"`
	NotebookDescription string             `json:"notebook_description,omitempty"`
	Artifacts           []ArtifactDecision `json:"artifacts,omitempty"`
}

// State 是状态图在节点间传递的全部上下文。
type State struct {
	TaskDescription      string
	DataFilesDescription string
	UploadedFiles        []string
	SandboxID            string
	Knowledge            []knowledge.Snippet

	ActionSignal  Signal
	TaskRationale string

	CurrentStepGoal        string
	CurrentStepDescription string
	CurrentStepGoalHistory []string
	StepNumber             int
	StepAttempts           int
	CompletedSteps         []CompletedStep

	GeneratedCode          string
	CodeGenerationAttempts int
	Execution              *sandbox.Execution
	LastExecutionOutput    string
	LastExecutionError     string

	CurrentStepObservations []StepObservation
	CurrentStepSuccess      bool
	WorldObservations       []StepObservation
	FailureReason           string

	Answer   *TaskAnswer
	Notebook *notebook.Notebook

	visits int
}

// Visits 返回执行过程中访问过的节点数。
func (s *State) Visits() int {
	return s.visits
}

// resetAttempt 清空当前尝试相关的字段。
func (s *State) resetAttempt() {
	s.CodeGenerationAttempts = 0
	s.GeneratedCode = ""
	s.Execution = nil
	s.LastExecutionError = ""
	s.LastExecutionOutput = ""
}

// completeCurrentStep 将当前步骤追加到已完成列表，尚未开始任何步骤时不做处理。
func (s *State) completeCurrentStep() {
	if s.CurrentStepGoal == "" {
		return
	}
	s.CompletedSteps = append(s.CompletedSteps, CompletedStep{
		StepNumber:  s.StepNumber,
		Goal:        s.CurrentStepGoal,
		Description: s.CurrentStepDescription,
		Code:        s.GeneratedCode,
		Execution:   s.Execution,
		Success:     s.LastExecutionError == "",
	})
}
