package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"DataPilot/internal/knowledge"
	"DataPilot/internal/sandbox"
)

const planningSystemPrompt = `You are a data science planning agent. Read the user request and choose how it should be handled.

Choose exactly one signal:
1. CODE_PLANNING - the request needs Python execution: analysing, cleaning or visualising data, statistics,
   machine learning, reading or writing files, processing uploaded data.
2. GENERAL_ANSWER - the request can be answered without running code: definitions, explanations, advice,
   general knowledge.
3. CLARIFICATION - the request is ambiguous, too broad, or lacks details needed to act, even when files are present.

For CODE_PLANNING, the rationale explains what has to be done, the key considerations and likely challenges.
Do not write a step by step plan. For GENERAL_ANSWER or CLARIFICATION, the rationale explains the choice.

Respond with a single JSON object and nothing else:
{"signal": "CODE_PLANNING|GENERAL_ANSWER|CLARIFICATION", "rationale": "..."}`

const codePlanningSystemPrompt = `You are a data science agent that drives a task to completion one code cell at a time.
Each step is executed in a persistent Jupyter kernel. Steps may fail for reasons outside your control; use the
result of each execution to decide the next action.

Signals:
1. ITERATE_CURRENT_STEP - write or rewrite the goal of the current step. Use it for the first step and after a
   failed attempt. A retried goal must take a new and distinct approach.
2. PROCEED_TO_NEXT_STEP - the current step succeeded; define the next step toward the overall goal.
3. TASK_COMPLETED - every requirement of the user request has been met.
4. TASK_FAILED - progress is impossible: an unrecoverable error, missing or unusable data, or every reasonable
   approach has been exhausted. Put the explanation in reasoning.

Rules:
- A step is small and atomic and fits in one code cell: installing or importing libraries, loading, cleaning,
  analysing, visualising.
- Steps build on the variables and files produced by earlier steps.
- When a library is missing, install it in the next step instead of working around it.
- Never repeat an approach that already failed.
- Only CPU is available, with 2 threads and 4GB of RAM. Every step must finish within 2 minutes.
- Items listed as RULES must be respected by every step.

Respond with a single JSON object and nothing else. Markdown is allowed only inside step_description:
{"signal": "ITERATE_CURRENT_STEP|PROCEED_TO_NEXT_STEP|TASK_COMPLETED|TASK_FAILED",
 "step_goal": "specific goal of the step", "step_description": "what the step does and how success is judged",
 "reasoning": "why this decision was taken"}`

const codeGenerationSystemPrompt = `You are a data science code generator. Write the Python code for exactly one notebook cell that
accomplishes the current step.

Guidelines:
- The kernel is persistent: variables and imports from earlier cells are still defined.
- Use pandas, numpy, matplotlib, seaborn and similar libraries; install missing ones with pip from the cell.
- Print the values that show whether the step succeeded and what it found.
- Save produced files under the working directory and print their full paths.
- When fixing a failed attempt, address the reported error directly.

Respond with a single JSON object and nothing else:
{"code": "python source of the cell"}`

const executionObserverSystemPrompt = `You are a data science observer. Examine the result of an executed code cell and record the findings
that matter for the original task.

Each observation has:
- title: short summary, e.g. "30% of income values are missing".
- summary: the finding with concrete values.
- raw_output: the exact value or content that answers the user, only when the user asked for specific values or
  formats; otherwise leave it empty.
- kind: "observation" for facts discovered by execution, "rule" for constraints that later code must obey
  (null semantics, join keys, filters, resource limits).
- source: "data" for execution results, "spec" for documentation or metadata, "user" for explicit user
  instructions. On conflict spec > user > data.
- importance (1-5): strength of the finding on its own.
- relevance (1-5): how directly it helps answer the original task, not the current step.

Record data quirks such as sentinel values (-1 meaning unknown), null semantics, mixed formats and placeholder
dates, with how often they occur and what they mean. Do not explain the code or speculate beyond the output.
Return an empty list when nothing useful was found.

Respond with a single JSON object and nothing else:
{"execution_success": true, "observations": [{"title": "...", "summary": "...", "raw_output": "",
 "kind": "observation|rule", "source": "data|spec|user", "importance": 3, "relevance": 4}]}`

const reflectionSystemPrompt = `You maintain the refined, deduplicated set of world observations for a data science task.
Merge the new observations of the current step into the existing set:
- Remove exact duplicates.
- Replace observations superseded by newer, more precise ones and keep the current step_number on merged items.
- Merge complementary observations when that gives a richer finding.
- Keep rules unless explicitly contradicted. Never turn a rule into a data observation.
- Preserve the context of spec and user observations when merging them.
- Drop low relevance observations that add no context for the original task.
- Importance and relevance are distinct; keep everything that is high on both.
Conflicts are resolved by source (spec > user > data), then by newer step, then by importance.

Respond with a single JSON object and nothing else:
{"rules": [observation, ...], "data_observations": [observation, ...]}
where each observation has step_number, title, summary, raw_output, kind, source, importance and relevance.`

const clarificationSystemPrompt = `You are a data science agent helping the user refine an ambiguous request. Identify the missing details,
assumptions to validate, constraints and technical requirements, and ask between 1 and 5 clear, concise questions.

Respond with a single JSON object and nothing else:
{"questions": ["...", "..."]}`

const generalAnswerSystemPrompt = `You are a data science assistant answering questions that need no code execution. Give a clear and
accurate answer, organised with markdown lists and sections when it helps, explaining any jargon. Plain text is fine for
simple general knowledge questions. If the question is out of scope or cannot be answered accurately, say so instead
of guessing.

Respond with a single JSON object and nothing else:
{"answer": "..."}`

const taskResponseSystemPrompt = `You are a data analyst writing the final answer of a data science task that was executed step by step
in a notebook.

Guidelines:
- Answer the user's request directly and concisely using the step results and world observations.
- Lead with the key results and metrics; mention rules and assumptions that affect interpretation.
- Leave out execution details such as "the script ran without errors" and irrelevant library warnings.
- If the task failed, state clearly what was achieved and why it could not be finished.
- Set success to false when the request was not fulfilled.

Artifacts:
- List only files or folders that exist in the working directory listing and were produced for the user.
- Use the exact full_path from the listing; never invent paths. Do not list the uploaded input data.
- type is FILE or FOLDER.

notebook_description is one sentence describing the notebook that records the executed steps.

Respond with a single JSON object and nothing else:
{"notebook_description": "...", "answer": "...", "success": true,
 "artifacts": [{"type": "FILE|FOLDER", "description": "...", "full_path": "/home/user/..."}]}`

func appendKnowledge(parts []string, snippets []knowledge.Snippet) []string {
	if len(snippets) == 0 {
		return parts
	}
	parts = append(parts, "\n=== REFERENCE NOTES ===")
	for _, s := range snippets {
		if s.Title != "" {
			parts = append(parts, fmt.Sprintf("- %s: %s", s.Title, s.Content))
		} else {
			parts = append(parts, "- "+s.Content)
		}
	}
	return parts
}

func buildPlanningPrompt(s *State) string {
	parts := []string{"User Request: " + s.TaskDescription}
	if len(s.UploadedFiles) > 0 {
		parts = append(parts, "\nAvailable Data Files: "+strings.Join(s.UploadedFiles, ", "))
		if s.DataFilesDescription != "" {
			parts = append(parts, "\nData Files Description: "+s.DataFilesDescription)
		}
	} else {
		parts = append(parts, "\nAvailable Data Files: NONE - No files have been uploaded.")
	}
	parts = appendKnowledge(parts, s.Knowledge)
	parts = append(parts,
		"\n\nAnalyze this request and determine the appropriate path (CODE_PLANNING, GENERAL_ANSWER or CLARIFICATION).",
		"Return your decision as a JSON object following the specified structure.",
	)
	return strings.Join(parts, "\n")
}

func buildCodePlanningPrompt(s *State) string {
	parts := []string{
		"=== OVERALL TASK ===",
		"Task: " + s.TaskDescription,
		"\nTask Rationale: " + s.TaskRationale,
	}
	if len(s.UploadedFiles) > 0 {
		parts = append(parts, "\nAvailable Data Files: "+strings.Join(s.UploadedFiles, ", "))
		if s.DataFilesDescription != "" {
			parts = append(parts, "Data Files Description: "+s.DataFilesDescription)
		}
	}
	parts = appendKnowledge(parts, s.Knowledge)

	if len(s.WorldObservations) > 0 {
		rules, data := SplitObservations(s.WorldObservations)
		if len(rules) > 0 {
			parts = append(parts, "\n=== RULES ===", observationsJSON(rules))
		}
		if len(data) > 0 {
			parts = append(parts, "\n=== DATA OBSERVATIONS ===", observationsJSON(data))
		}
	}

	if len(s.CompletedSteps) > 0 {
		parts = append(parts, "\n=== COMPLETED STEPS ===")
		for i, step := range s.CompletedSteps {
			status := "FAILED"
			if step.Success {
				status = "SUCCESS"
			}
			parts = append(parts, fmt.Sprintf("\nStep %d: %s", i+1, step.Goal), "  Status: "+status)
		}
	}

	parts = append(parts, "\n=== CURRENT STEP ===")
	if s.CurrentStepGoal == "" {
		parts = append(parts, "No current step - this is the first iteration.")
	} else {
		parts = append(parts, "Goal: "+s.CurrentStepGoal)
		if len(s.CurrentStepGoalHistory) > 0 {
			parts = append(parts, "Previous Approaches Tried: "+strings.Join(s.CurrentStepGoalHistory, ", "))
		}
		if s.LastExecutionError != "" {
			parts = append(parts,
				"\nCURRENT ATTEMPT FAILED!",
				"Error: "+s.LastExecutionError,
			)
		} else if s.LastExecutionOutput != "" {
			parts = append(parts,
				"\nCurrent step Execution Output: "+headRunes(s.LastExecutionOutput, 1000),
				"\nStep completed successfully!",
			)
		}
		if !s.CurrentStepSuccess && len(s.CurrentStepObservations) > 0 {
			parts = append(parts, "\nObserver findings from the failed attempt:")
			parts = appendObservationGroups(parts, s.CurrentStepObservations, "Current Step", "")
		}
	}

	parts = append(parts, "\n=== DECISION REQUIRED ===")
	switch {
	case s.CurrentStepGoal == "":
		parts = append(parts, "Since no step has been started, you should ITERATE_CURRENT_STEP with the first step goal.")
	case s.LastExecutionError != "":
		parts = append(parts, "Previous attempt failed. Analyze the error and decide:\n"+
			"  - ITERATE_CURRENT_STEP: Try a NEW, DISTINCT approach (only if you have a viable alternative)\n"+
			"  - TASK_FAILED: If the error is unrecoverable or you've exhausted approaches")
	default:
		parts = append(parts, "Previous step succeeded. Decide if you should PROCEED_TO_NEXT_STEP or TASK_COMPLETED if the task is complete.")
	}
	parts = append(parts, "\nAnalyze the situation and return your decision as a JSON object.")
	return strings.Join(parts, "\n")
}

func buildCodeGenerationPrompt(s *State, notebookCode, workingDir, dataDir string) string {
	parts := []string{
		"=== ENVIRONMENT ===",
		"Working directory: " + workingDir,
		"Data directory: " + dataDir,
	}
	if len(s.UploadedFiles) > 0 {
		parts = append(parts, "Available Data Files: "+strings.Join(s.UploadedFiles, ", "))
	}
	if s.DataFilesDescription != "" {
		parts = append(parts, "Data Files Description: "+s.DataFilesDescription)
	}
	if rules, _ := SplitObservations(s.WorldObservations); len(rules) > 0 {
		parts = append(parts, "\n=== RULES ===", observationsJSON(rules))
	}
	if notebookCode != "" {
		parts = append(parts, "\n=== NOTEBOOK CODE SO FAR ===", notebookCode)
	}
	parts = append(parts, "\n=== CURRENT STEP ===", "Goal: "+s.CurrentStepGoal)
	if s.CurrentStepDescription != "" {
		parts = append(parts, "Description: "+s.CurrentStepDescription)
	}
	if s.GeneratedCode != "" && s.LastExecutionError != "" {
		parts = append(parts,
			"\n=== PREVIOUS ATTEMPT ===",
			"Code:\n"+s.GeneratedCode,
			"Error: "+s.LastExecutionError,
		)
		if s.LastExecutionOutput != "" {
			parts = append(parts, "Output before the error: "+s.LastExecutionOutput)
		}
	}
	parts = append(parts, "\nGenerate the code for the current step and return it as a JSON object.")
	return strings.Join(parts, "\n")
}

func buildObserverPrompt(s *State) string {
	parts := []string{
		"=== ORIGINAL TASK ===",
		"Task: " + s.TaskDescription,
		"\n=== CURRENT STEP TO ANALYZE ===",
		"Goal: " + s.CurrentStepGoal,
	}
	if s.CurrentStepDescription != "" {
		parts = append(parts, "Description: "+s.CurrentStepDescription)
	}
	parts = append(parts, "\n=== EXECUTION RESULTS ===")
	switch {
	case s.LastExecutionError != "":
		parts = append(parts, "Status: FAILED")
		if s.LastExecutionOutput != "" {
			parts = append(parts, "Output (before error): "+s.LastExecutionOutput)
		}
		parts = append(parts, "Error: "+s.LastExecutionError)
	case s.LastExecutionOutput != "":
		parts = append(parts, "Status: SUCCESS", "Output: "+s.LastExecutionOutput)
	default:
		parts = append(parts, "Status: SUCCESS (no output)")
	}
	parts = append(parts,
		"\n=== INSTRUCTIONS ===",
		"Analyze the execution results and extract meaningful observations. "+
			"Return a JSON object with an 'observations' array containing any new findings. "+
			"If there are no meaningful observations, return an empty array.",
	)
	return strings.Join(parts, "\n")
}

func buildReflectionPrompt(s *State) string {
	parts := []string{
		"=== ORIGINAL TASK ===",
		"Task: " + s.TaskDescription,
		"\n=== NEW OBSERVATIONS ===",
	}
	parts = appendObservationGroups(parts, s.CurrentStepObservations, "New", "(No new observations from current step)")
	parts = append(parts, "\n=== EXISTING WORLD OBSERVATIONS ===")
	parts = appendObservationGroups(parts, s.WorldObservations, "Existing", "(No existing world observations - this is the first step)")
	parts = append(parts,
		"\n=== INSTRUCTIONS ===",
		"Merge the new observations into the existing world observations, applying deduplication, "+
			"conflict resolution and refinement.\nReturn a JSON object with two arrays: 'rules' and 'data_observations'.",
	)
	if !s.CurrentStepSuccess {
		parts = append(parts, "\nCURRENT STEP FAILED - keep the observations describing the failure; "+
			"the planner needs them to decide the next action.")
	}
	return strings.Join(parts, "\n")
}

func appendObservationGroups(parts []string, observations []StepObservation, label, empty string) []string {
	rules, data := SplitObservations(observations)
	if len(rules) == 0 && len(data) == 0 {
		return append(parts, empty)
	}
	if len(rules) > 0 {
		parts = append(parts, label+" RULES:", observationsJSON(rules))
	}
	if len(data) > 0 {
		parts = append(parts, label+" DATA_OBSERVATIONS:", observationsJSON(data))
	}
	return parts
}

func buildClarificationPrompt(s *State) string {
	return "User Request: " + s.TaskDescription + "\n\n" +
		"The task rationale is as follows:\n" + s.TaskRationale + "\n\n" +
		"Based on the above, provide the clarification questions that must be answered to proceed with the task."
}

func buildGeneralAnswerPrompt(s *State) string {
	return "User Request: " + s.TaskDescription + "\n\n" +
		"The task rationale is as follows:\n" + s.TaskRationale + "\n\n" +
		"Based on the above, provide a detailed and accurate answer to the user's question."
}

func buildTaskResponsePrompt(s *State, workdir []sandbox.Entry, workingDir string) string {
	parts := []string{"=== ORIGINAL TASK ===", "Task: " + s.TaskDescription}
	if s.TaskRationale != "" {
		parts = append(parts, "Task Rationale: "+s.TaskRationale)
	}
	if s.ActionSignal == SignalTaskFailed {
		reason := s.FailureReason
		if reason == "" {
			reason = "unknown"
		}
		parts = append(parts, "\nWARNING - THE TASK FAILED: "+reason)
	}

	parts = append(parts, "\n=== EXECUTED STEPS ===")
	if len(s.CompletedSteps) == 0 {
		parts = append(parts, "(No steps were executed)")
	}
	for _, step := range s.CompletedSteps {
		status := "FAILED"
		if step.Success {
			status = "SUCCESS"
		}
		parts = append(parts, fmt.Sprintf("\nStep %d: %s [%s]", step.StepNumber, step.Goal, status))
		if step.Code != "" {
			parts = append(parts, "Code:\n```python\n"+step.Code+"\n```")
		}
		if step.Execution != nil {
			out := executionOutput(step.Execution)
			if step.Execution.Error != nil {
				out = executionErrorText(step.Execution)
			}
			if out != "" {
				parts = append(parts, "Output:\n"+truncate(out))
			}
		}
	}

	if len(s.WorldObservations) > 0 {
		rules, data := SplitObservations(s.WorldObservations)
		if len(rules) > 0 {
			parts = append(parts, "\n=== RULES ===", observationsJSON(rules))
		}
		if len(data) > 0 {
			parts = append(parts, "\n=== DATA OBSERVATIONS ===", observationsJSON(data))
		}
	}

	parts = append(parts, "\n=== WORKING DIRECTORY "+workingDir+" ===")
	if len(workdir) == 0 {
		parts = append(parts, "(empty)")
	}
	for _, entry := range workdir {
		parts = append(parts, fmt.Sprintf("%s (%s)", entry.Path, entry.Type))
	}
	parts = append(parts, "\nWrite the final answer and return it as a JSON object.")
	return strings.Join(parts, "\n")
}

func observationsJSON(observations []StepObservation) string {
	encoded, err := json.MarshalIndent(observations, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(encoded)
}

func headRunes(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}
