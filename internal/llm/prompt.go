// Package llm generates responses to customer queries.
//
// The OpenAI client talks to any chat-completions-compatible endpoint; the
// static generator serves strategy-appropriate templates when no model is
// configured or the model call fails. Both honor the strategy the decision
// engine selected.
package llm

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/kaiwa/internal/model"
)

// strategyGuidance tells the model how to realize each response strategy.
var strategyGuidance = map[model.Strategy]string{
	model.StrategyStandard:   "Provide a helpful, accurate response. Be concise but thorough.",
	model.StrategyConcise:    "Keep the response short and direct. Lead with the answer; skip pleasantries.",
	model.StrategyEmpathetic: "Use empathetic language, acknowledge emotions, show understanding.",
	model.StrategyTechnical:  "Provide detailed technical information, use precise terminology.",
	model.StrategyEscalate:   "Prepare the customer for escalation: gather relevant details and reassure them a specialist will take over.",
}

// BuildSystemPrompt assembles the system prompt for a pipeline run: persona,
// customer attributes, the selected strategy's guidance, and retrieved
// context.
func BuildSystemPrompt(state *model.SessionState) string {
	parts := []string{
		"You are a helpful customer support agent.",
		fmt.Sprintf("Customer communication style: %s", state.Profile.Style),
		fmt.Sprintf("Customer tier: %s", state.Profile.Tier),
		fmt.Sprintf("Query urgency: %s", state.Urgency),
		fmt.Sprintf("Customer sentiment: %.1f (-1=negative, +1=positive)", state.Sentiment),
	}

	if g, ok := strategyGuidance[state.Strategy]; ok {
		parts = append(parts, "GUIDANCE: "+g)
	}

	if state.Context != "" {
		parts = append(parts, "Relevant information:", state.Context)
	}

	parts = append(parts,
		"Provide a helpful, accurate response following the guidance above.",
		"Match the customer's communication style.",
	)

	return strings.Join(parts, "\n")
}

// historyLimit bounds how many prior turns are replayed into the chat.
const historyLimit = 10

// chatMessage is one entry in a chat-completions request.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// buildMessages converts session state into the chat transcript sent to the
// model: system prompt, recent history, then the current message.
func buildMessages(state *model.SessionState) []chatMessage {
	msgs := []chatMessage{{Role: "system", Content: BuildSystemPrompt(state)}}

	history := state.History
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	for _, turn := range history {
		role := "user"
		if turn.Role == model.RoleAssistant {
			role = "assistant"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: turn.Content})
	}

	msgs = append(msgs, chatMessage{Role: "user", Content: state.Message})
	return msgs
}
