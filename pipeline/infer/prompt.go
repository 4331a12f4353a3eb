package infer

import (
	"fmt"
	"strings"

	"github.com/hachiko-io/waflow/ai/llm"
	"github.com/hachiko-io/waflow/pipeline/stage"
)

// maxHistoryEntries caps how much chat tail reaches the prompt. The
// retrieve stage already trims, so this is a second guard against oversized
// replayed payloads.
const maxHistoryEntries = 20

const contextInstruction = "Prefer the information above when it is relevant to the user's question."

// buildSystemPrompt appends the retrieved knowledge to the agent's system
// prompt as a numbered, delimited block.
func buildSystemPrompt(agentPrompt string, chunks []stage.ContextChunk) string {
	if len(chunks) == 0 {
		return agentPrompt
	}

	var b strings.Builder
	b.WriteString(agentPrompt)
	b.WriteString("\n\n--- Relevant Information ---\n")
	n := 0
	for _, c := range chunks {
		content := strings.TrimSpace(c.Content)
		if content == "" {
			continue
		}
		n++
		fmt.Fprintf(&b, "[%d] %s\n", n, content)
	}
	b.WriteString("--- End of Relevant Information ---\n")
	b.WriteString(contextInstruction)
	return b.String()
}

// promptMessages assembles the full completion request for one turn.
func promptMessages(req *stage.InferRequest) []llm.Message {
	history := req.ChatHistory
	if len(history) > maxHistoryEntries {
		history = history[len(history)-maxHistoryEntries:]
	}
	converted := make([]llm.Message, 0, len(history))
	for _, h := range history {
		converted = append(converted, llm.Message{Role: h.Role, Content: h.Content})
	}
	system := buildSystemPrompt(req.Agent.SystemPrompt, req.Context)
	return llm.FormatMessages(system, req.UserMessage, converted)
}
