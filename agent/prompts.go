package agent

import (
	"fmt"
	"strings"

	"github.com/Imro-iitr6394/E-commerce-Customer-Support/storage"
)

const (
	classifyWindow = 5
	respondWindow  = 10
)

// EscalationMessage is the reply when the backend reported an error.
const EscalationMessage = "I couldn't retrieve the requested data from the backend. " +
	"I'm escalating this issue to a human agent. Please provide more details."

// MissingIDResult is stored as the tool result when no id was extracted.
const MissingIDResult = "Error: Missing required ID."

// ReturnReason is sent with every chat-initiated return request.
const ReturnReason = "User requested via chat"

// AskForInfo returns the prompt asking the user for an identifier.
func AskForInfo(intent Intent) string {
	return fmt.Sprintf("I understand you're asking about %s, but I need an ID (like an Order ID or Product ID) "+
		"to help you. Could you please provide it?", strings.ReplaceAll(string(intent), "_", " "))
}

// speaker names a role in rendered conversations.
func speaker(r storage.Role) string {
	switch r {
	case storage.RoleUser:
		return "Human"
	case storage.RoleAssistant:
		return "AI"
	default:
		return "System"
	}
}

// renderConversation renders the last n messages one per line.
func renderConversation(msgs []Message, n int) string {
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	lines := make([]string, len(msgs))
	for i, m := range msgs {
		lines[i] = speaker(m.Role) + ": " + m.Content
	}
	return strings.Join(lines, "\n")
}

func classifyPrompt(msgs []Message) string {
	return "Given this conversation context:\n" +
		renderConversation(msgs, classifyWindow) +
		"\n\nAnalyze the current user query and extract intent and any IDs mentioned in the conversation."
}

func respondPrompt(msgs []Message, toolResult string) string {
	conversation := renderConversation(msgs, respondWindow)
	if toolResult != "" {
		return "Based on the conversation history and system data, provide a helpful response:\n\n" +
			"CONVERSATION:\n" + conversation + "\n\n" +
			"SYSTEM DATA FROM MCP SERVER:\n" + toolResult + "\n\n" +
			"Provide a natural, conversational response that directly answers the user's question " +
			"and refers back to the conversation context when relevant."
	}
	return "Based on the conversation, provide a helpful response:\n\n" +
		"CONVERSATION:\n" + conversation + "\n\n" +
		"Please provide a natural, conversational response that directly addresses the user's question " +
		"and refers to previous context when relevant."
}

// toolCall maps an intent and id onto a tool name and arguments.
func toolCall(intent Intent, id string) (string, map[string]any, bool) {
	switch intent {
	case IntentProductInquiry:
		return "product_info", map[string]any{"product_id": id}, true
	case IntentOrderStatus:
		return "order_status", map[string]any{"order_id": id}, true
	case IntentReturns:
		return "return_request", map[string]any{"order_id": id, "reason": ReturnReason}, true
	case IntentCustomerHistory:
		return "customer_history", map[string]any{"customer_id": id}, true
	}
	return "", nil, false
}

// isBackendError reports whether raw is an error payload.
func isBackendError(raw any) bool {
	m, ok := raw.(map[string]any)
	return ok && m["status"] == "error"
}
