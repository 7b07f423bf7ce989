package council

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/conarylabs/mira/internal/merrors"
	"github.com/conarylabs/mira/internal/toolbridge"
)

// maxToolLoopIterations bounds how many tool calls a single provider may
// make within one Complete-and-respond cycle, independent of the shared
// tool budget (which caps calls across an entire deliberation).
const maxToolLoopIterations = 4

// toolCallRequest is the shape a provider emits when it wants to invoke a
// tool instead of answering directly, per the convention
// toolCallingInstructions describes.
type toolCallRequest struct {
	ToolCall *struct {
		Name      toolbridge.ToolName `json:"name"`
		Arguments json.RawMessage     `json:"arguments"`
	} `json:"tool_call"`
}

// toolCallingInstructions describes the available tools and the JSON
// convention a provider must follow to call one. Appended to the system
// prompt whenever a deliberation or AskWithTools call runs with tools
// enabled.
//
// Claude, GPT, and Bedrock each expose native function-calling through a
// different wire shape; a prompted JSON convention lets one loop drive
// all three instead of three separate tool-calling integrations.
func toolCallingInstructions() string {
	var b strings.Builder
	b.WriteString("You may call any of the following read-only tools by responding with ONLY a JSON object of the shape ")
	b.WriteString(`{"tool_call": {"name": "<tool>", "arguments": {...}}}. `)
	b.WriteString("To give your final answer instead, respond with plain text containing no such object.\n\nAvailable tools:\n")
	for _, d := range toolbridge.Definitions() {
		fmt.Fprintf(&b, "- %s: %s (arguments schema: %s)\n", d.Name, d.Description, string(d.Schema))
	}
	return b.String()
}

// runProviderWithTools drives provider through a bounded tool-call loop:
// each response is checked for a tool_call JSON envelope; if present, the
// call is dispatched through bridge and its result fed back as history
// for the next turn. The loop ends when the provider gives a plain-text
// answer, maxToolLoopIterations is reached, or the shared tool budget is
// exhausted.
func (s *Service) runProviderWithTools(ctx context.Context, provider Provider, req Request, bridge *toolbridge.Bridge) (Response, error) {
	history := append([]Message(nil), req.History...)
	system := strings.TrimSpace(req.System + "\n\n" + toolCallingInstructions())
	message := req.Message

	var last Response
	for i := 0; i < maxToolLoopIterations; i++ {
		resp, err := provider.Complete(ctx, Request{Message: message, System: system, History: history, ProjectID: req.ProjectID})
		if err != nil {
			return Response{}, err
		}
		last = resp

		var call toolCallRequest
		if jerr := json.Unmarshal([]byte(strings.TrimSpace(resp.Text)), &call); jerr != nil || call.ToolCall == nil {
			return resp, nil
		}

		history = append(history, Message{Role: "assistant", Content: resp.Text})

		result, callErr := bridge.Call(ctx, req.ProjectID, call.ToolCall.Name, call.ToolCall.Arguments)
		if callErr != nil {
			if merrors.Is(callErr, merrors.Conflict) {
				// Shared tool budget exhausted; stop looping and hand
				// back the provider's last (tool-requesting) response
				// rather than failing the whole call.
				return resp, nil
			}
			history = append(history, Message{Role: "user", Content: fmt.Sprintf("Tool call failed: %v", callErr)})
		} else {
			encoded, _ := json.Marshal(result)
			history = append(history, Message{Role: "user", Content: string(encoded)})
		}
		message = "Continue using the tool result above, or give your final answer."
	}
	return last, nil
}
