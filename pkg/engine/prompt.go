package engine

import (
	"strings"

	"personad/pkg/persona"
)

// cliArgs are the fixed arguments passed to the persona CLI. The prompt
// goes over stdin and the output comes back as one JSON object per line.
func cliArgs() []string {
	return []string{"-p", "--verbose", "--output-format", "stream-json"}
}

// buildPrompt assembles the subprocess prompt: persona instructions, the
// request input, then the protocol instructions the router understands.
func buildPrompt(def persona.Definition, input string) string {
	var b strings.Builder
	b.WriteString("# Persona: ")
	b.WriteString(def.Name)
	b.WriteString("\n\n")
	b.WriteString(strings.TrimSpace(def.Prompt))
	b.WriteString("\n")

	if input != "" && input != "{}" {
		b.WriteString("\n## Input\n```json\n")
		b.WriteString(input)
		b.WriteString("\n```\n")
	}

	b.WriteString("\n## Output Protocol\n\n")
	b.WriteString(protocolUserMessage)
	b.WriteString(protocolPersonaAction)
	b.WriteString(protocolEmitEvent)
	b.WriteString(protocolAgentMemory)
	b.WriteString(protocolManualReview)
	b.WriteString(protocolExecutionFlow)
	return b.String()
}

const protocolUserMessage = `### User Message
To send a message to the user, output a JSON object on its own line:
{"user_message": {"title": "Optional Title", "content": "Message content", "content_type": "info", "priority": "normal"}}
content is required; content_type is one of info, warning, error, success; priority is one of low, normal, high, urgent.

`

const protocolPersonaAction = `### Persona Action
To trigger another persona, output a JSON object on its own line:
{"persona_action": {"target": "target-persona-id", "action": "run", "input": {"key": "value"}}}
target is required; input is optional JSON passed to the target.

`

const protocolEmitEvent = `### Emit Event
To emit an event on the system event bus, output a JSON object on its own line:
{"emit_event": {"type": "task_completed", "data": {"result": "success"}}}
type is required; data is an optional JSON payload.

`

const protocolAgentMemory = `### Agent Memory
To store a memory for future runs, output a JSON object on its own line:
{"agent_memory": {"title": "Memory Title", "content": "What to remember", "category": "learning", "importance": 5, "tags": ["tag1"]}}
title and content are required; importance is 1-10.

`

const protocolManualReview = `### Manual Review
To flag something for human review, output a JSON object on its own line:
{"manual_review": {"title": "Review Title", "description": "What needs review", "severity": "medium", "suggested_actions": ["action1"]}}
title is required; severity is one of low, medium, high, critical.

`

const protocolExecutionFlow = `### Execution Flow
To report the structured flow of this run, output a JSON object on its own line:
{"execution_flow": {"flows": [{"step": 1, "action": "analyze", "status": "completed"}]}}

`
