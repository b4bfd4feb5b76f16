package batch

import "strings"

// defaultPromptTemplate constrains the agent's answer to the structured
// call report the scorer parses. The {DOC_INSTRUCTION} and {TASK} slots
// are filled per run.
const defaultPromptTemplate = `You are an API integration assistant. A user has given you API documentation and a task.

Your job: solve the task using ONLY the provided documentation. Do not make up endpoints, fields, or parameters that aren't in the docs.

## Output Format (MANDATORY)

Your response MUST follow this exact structure:

### Plan
Brief description of what API calls are needed and in what order.

### API Calls
For each API call, provide:

` + "```" + `
CALL {n}:
  Method: {method}
  Endpoint: {path}
  Parameters: {required params with example values}
  Body: {request body if applicable}
  Expected Response: {key fields from response}
` + "```" + `

### Code Example
Complete, runnable code example that implements the full task.

### Notes
Any important caveats, rate limits, auth requirements, or edge cases from the docs.

---
IMPORTANT: Only use endpoints/operations that exist in the provided documentation. If the task requires something not in the docs, say so explicitly.

## Documentation

{DOC_INSTRUCTION}

## Task

{TASK}

Solve this task now. Follow the output format exactly. When done, output BENCHMARK_COMPLETE as the last line.`

// Doc delivery instruction variants.
const (
	docInstructionNone  = "No documentation is provided. Use your best knowledge of this API to complete the task."
	docInstructionLocal = "The API documentation is available as a local file in your workspace: api_docs.txt\nRead it using the Read tool."
)

// RenderPrompt fills the template for one run. template may be "" to use
// the default. The documentation instruction depends on the delivery mode:
// a URL to fetch, a local workspace file, or the no-doc baseline.
func RenderPrompt(template, docURL string, localDoc bool, taskDescription string) string {
	if template == "" {
		template = defaultPromptTemplate
	}

	var instruction string
	switch {
	case docURL == "" && !localDoc:
		instruction = docInstructionNone
	case localDoc:
		instruction = docInstructionLocal
	default:
		instruction = "Fetch the API documentation from this URL: " + docURL
	}

	out := strings.ReplaceAll(template, "{DOC_INSTRUCTION}", instruction)
	return strings.ReplaceAll(out, "{TASK}", taskDescription)
}
