package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "datapilot"

// Registry 是 DataPilot 专用的指标注册表。
var Registry = prometheus.NewRegistry()

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120, 600},
	}, []string{"handler", "method"})

	llmDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "llm_request_duration_seconds",
		Help:      "LLM provider call duration in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"provider", "role", "outcome"})

	nodeVisits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_node_visits_total",
		Help:      "Number of times each agent node was executed.",
	}, []string{"node"})

	sandboxExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sandbox_executions_total",
		Help:      "Code cells executed in sandboxes, by outcome.",
	}, []string{"outcome"})

	tasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_total",
		Help:      "Tasks that reached a terminal status.",
	}, []string{"status"})

	tasksInProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks_in_progress",
		Help:      "Tasks currently being processed.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpDuration, llmDuration, nodeVisits,
		sandboxExecutions, tasksTotal, tasksInProgress,
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, statusLabel(status)).Inc()
	httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveLLMRequest 记录一次大模型调用。
func ObserveLLMRequest(provider, role string, err error, duration time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	llmDuration.WithLabelValues(provider, role, outcome).Observe(duration.Seconds())
}

// IncNodeVisit 记录一次 Agent 节点执行。
func IncNodeVisit(node string) {
	nodeVisits.WithLabelValues(node).Inc()
}

// IncSandboxExecution 记录一次沙箱代码执行的结果。
func IncSandboxExecution(success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	sandboxExecutions.WithLabelValues(outcome).Inc()
}

// TaskStarted 在一次执行开始时调用，必须与 TaskStopped 成对出现。
func TaskStarted() {
	tasksInProgress.Inc()
}

// TaskStopped 在一次执行结束时调用，无论任务是完成、失败、重新排队还是被中断。
func TaskStopped() {
	tasksInProgress.Dec()
}

// TaskFinished 记录任务进入终态。
func TaskFinished(status string) {
	tasksTotal.WithLabelValues(status).Inc()
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
