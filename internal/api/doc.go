// Package api 提供 DataPilot 的 REST 接口：同步与异步提交分析任务、查询任务结果以及运维视图。
package api
