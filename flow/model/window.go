package model

import (
	"strings"

	"github.com/theuselessai/pipelit/flow/state"
)

// defaultContextWindow is used for models not in the table. Conservative on
// purpose: trimming too early is harmless, overflowing the provider is not.
const defaultContextWindow = 8192

// contextWindows maps model-name prefixes to context window sizes in
// tokens. Longest matching prefix wins.
var contextWindows = map[string]int{
	"gpt-4o":           128000,
	"gpt-4.1":          1000000,
	"o3":               200000,
	"claude-3-5":       200000,
	"claude-sonnet-4":  200000,
	"claude-opus-4":    200000,
	"gemini-1.5-flash": 1000000,
	"gemini-1.5-pro":   2000000,
	"gemini-2.0-flash": 1000000,
}

// ContextWindow resolves a model's window by longest prefix match.
func ContextWindow(model string) int {
	best := ""
	window := defaultContextWindow
	for prefix, w := range contextWindows {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
			window = w
		}
	}
	return window
}

// EstimateTokens approximates the token count of a message list using the
// chars/4 heuristic. Good enough for trimming decisions; never used for
// billing.
func EstimateTokens(messages []state.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)/4 + 4
		for _, tc := range m.ToolCalls {
			total += len(tc.Name)/4 + 16
		}
	}
	return total
}

// TrimMessages drops the oldest non-system messages until the estimated
// token count fits within budget. The leading system message (if any) and
// the most recent message always survive. Trimming never splits a
// tool-call/tool-result pair: a tool message whose call was dropped is
// dropped too. A trimmed history opens on a user turn so providers never
// see a conversation starting mid-exchange.
func TrimMessages(messages []state.Message, budget int) []state.Message {
	if budget <= 0 || EstimateTokens(messages) <= budget {
		return messages
	}

	var system []state.Message
	rest := messages
	if len(messages) > 0 && messages[0].Role == state.RoleSystem {
		system = messages[:1]
		rest = messages[1:]
	}

	for len(rest) > 1 {
		candidate := append(append([]state.Message{}, system...), rest...)
		if EstimateTokens(candidate) <= budget {
			break
		}
		drop := 1
		// Keep tool results adjacent to their call.
		for drop < len(rest) && rest[drop].Role == state.RoleTool {
			drop++
		}
		rest = rest[drop:]
	}
	for len(rest) > 1 && rest[0].Role != state.RoleUser {
		rest = rest[1:]
	}
	return append(append([]state.Message{}, system...), rest...)
}

// Completion reservation bounds: at most completionReserveCap tokens (or a
// quarter of the window for small models), plus a fixed safety margin for
// estimation error.
const (
	completionReserveCap = 16000
	budgetSafetyMargin   = 512
)

// FitBudget returns the message token budget for a model: the context
// window minus the completion reservation (the node's max_tokens when set,
// otherwise min(16k, window/4)) minus the safety margin.
func FitBudget(model string, maxTokens *int) int {
	window := ContextWindow(model)
	reserve := window / 4
	if reserve > completionReserveCap {
		reserve = completionReserveCap
	}
	if maxTokens != nil && *maxTokens > 0 {
		reserve = *maxTokens
	}
	budget := window - reserve - budgetSafetyMargin
	if budget < 1024 {
		budget = 1024
	}
	return budget
}
