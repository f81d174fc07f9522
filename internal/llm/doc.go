// Package llm 屏蔽 OpenAI、Anthropic 与 Google 三家供应商的差异，按 Agent 节点
// 角色解析模型，并提供带校验与重试的结构化 JSON 输出。
package llm
