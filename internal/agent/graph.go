package agent

import (
	"context"
	"log/slog"

	xerrors "DataPilot/internal/errors"
	"DataPilot/internal/observability/metrics"
)

// DefaultRecursionLimit 是单次执行允许访问的最大节点数。
const DefaultRecursionLimit = 250

type nodeFunc func(*Agent, context.Context, *State) error

var nodes = map[Node]nodeFunc{
	NodePlanning:          (*Agent).planningNode,
	NodeCodePlanning:      (*Agent).codePlanningNode,
	NodeCodeGeneration:    (*Agent).codeGenerationNode,
	NodeCodeExecution:     (*Agent).codeExecutionNode,
	NodeExecutionObserver: (*Agent).executionObserverNode,
	NodeReflection:        (*Agent).reflectionNode,
	NodeAnswering:         (*Agent).answeringNode,
}

// route 根据当前节点与状态中的信号决定下一跳。
func (a *Agent) route(node Node, s *State) Node {
	switch node {
	case NodePlanning:
		if s.ActionSignal == SignalGeneralAnswer || s.ActionSignal == SignalClarification {
			return NodeAnswering
		}
		return NodeCodePlanning
	case NodeCodePlanning:
		if s.ActionSignal == SignalTaskCompleted || s.ActionSignal == SignalTaskFailed {
			return NodeAnswering
		}
		return NodeCodeGeneration
	case NodeCodeGeneration:
		return NodeCodeExecution
	case NodeCodeExecution:
		if s.ActionSignal == SignalCodeExecutionSuccess || s.CodeGenerationAttempts >= a.maxCodeAttempts {
			if a.observe {
				return NodeExecutionObserver
			}
			return NodeCodePlanning
		}
		return NodeCodeGeneration
	case NodeExecutionObserver:
		return NodeReflection
	case NodeReflection:
		return NodeCodePlanning
	default:
		return nodeEnd
	}
}

// run 从规划节点开始驱动状态图直到结束或超过访问上限。
func (a *Agent) run(ctx context.Context, s *State) error {
	node := NodePlanning
	for node != nodeEnd {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.visits >= a.recursionLimit {
			return xerrors.Newf(xerrors.CodeRecursionLimit,
				"Recursion limit of %d reached without hitting a stop condition", a.recursionLimit)
		}
		s.visits++
		metrics.IncNodeVisit(string(node))
		a.log.Debug("进入节点", slog.String("node", string(node)), slog.Int("visit", s.visits))

		if err := nodes[node](a, ctx, s); err != nil {
			a.log.Error("节点执行失败", slog.String("node", string(node)), slog.String("error", err.Error()))
			return err
		}
		node = a.route(node, s)
	}
	return nil
}
