// Package runner 把一次任务请求变成完整的处理流程：准备沙箱与输入文件、驱动 Agent、
// 收集产物并销毁沙箱。
package runner
