package agent

import "strings"

// Signal 是每个节点执行后输出的动作信号，用于决定下一跳。
type Signal string

const (
	SignalNone                 Signal = ""
	SignalCodePlanning         Signal = "CODE_PLANNING"
	SignalGeneralAnswer        Signal = "GENERAL_ANSWER"
	SignalClarification        Signal = "CLARIFICATION"
	SignalIterateCurrentStep   Signal = "ITERATE_CURRENT_STEP"
	SignalProceedToNextStep    Signal = "PROCEED_TO_NEXT_STEP"
	SignalTaskCompleted        Signal = "TASK_COMPLETED"
	SignalTaskFailed           Signal = "TASK_FAILED"
	SignalExecuteCode          Signal = "EXECUTE_CODE"
	SignalCodeExecutionSuccess Signal = "CODE_EXECUTION_SUCCESS"
	SignalCodeExecutionFailed  Signal = "CODE_EXECUTION_FAILED"
	SignalFinalAnswer          Signal = "FINAL_ANSWER"
)

var knownSignals = map[Signal]struct{}{
	SignalCodePlanning:         {},
	SignalGeneralAnswer:        {},
	SignalClarification:        {},
	SignalIterateCurrentStep:   {},
	SignalProceedToNextStep:    {},
	SignalTaskCompleted:        {},
	SignalTaskFailed:           {},
	SignalExecuteCode:          {},
	SignalCodeExecutionSuccess: {},
	SignalCodeExecutionFailed:  {},
	SignalFinalAnswer:          {},
}

// ParseSignal 忽略大小写解析信号，无法识别时返回 fallback。
func ParseSignal(value string, fallback Signal) Signal {
	s := Signal(strings.ToUpper(strings.TrimSpace(value)))
	if _, ok := knownSignals[s]; ok {
		return s
	}
	return fallback
}

// Node 标识状态图中的节点。
type Node string

const (
	NodePlanning          Node = "PLANNING_NODE"
	NodeCodePlanning      Node = "CODE_PLANNING_NODE"
	NodeCodeGeneration    Node = "CODE_GENERATION_NODE"
	NodeCodeExecution     Node = "CODE_EXECUTION_NODE"
	NodeExecutionObserver Node = "EXECUTION_OBSERVER_NODE"
	NodeReflection        Node = "REFLECTION_NODE"
	NodeAnswering         Node = "ANSWERING_NODE"
	nodeEnd               Node = "END"
)
