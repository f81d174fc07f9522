// Package agent implements the data analysis state machine. A planning node
// decides whether a request needs code; the code path then loops through
// planning, generation, sandbox execution and optional observation and
// reflection until the task is completed or abandoned, and the answering node
// turns the executed steps into a final answer and a notebook.
package agent
