package reasoner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/flitsinc/go-hostagent/internal/a2a"
	"github.com/flitsinc/go-hostagent/internal/remote"
)

const maxToolIterations = 8

// Delegator hands delegation requests from the reasoning loop to the remote
// agent layer.
type Delegator interface {
	ListAgents(ctx context.Context) ([]remote.AgentSummary, error)
	Delegate(ctx context.Context, agentName, text string) (string, error)
}

// Result is one completed reasoning run. Failures carries per-delegate errors
// that did not abort the run.
type Result struct {
	Text               string
	DelegatesAttempted int
	DelegatesFailed    int
	Failures           []error
}

// Reasoner drives the engine until it produces a final text answer, resolving
// any tool calls it emits along the way.
type Reasoner struct {
	engine Engine
	log    *slog.Logger
}

func New(engine Engine, log *slog.Logger) *Reasoner {
	if log == nil {
		log = slog.Default()
	}
	return &Reasoner{engine: engine, log: log}
}

func tools() []Tool {
	return []Tool{
		{
			Name:        "list_remote_agents",
			Description: "List the remote agents currently available for delegation, with their names and what they can do.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        "send_message",
			Description: "Delegate work to a named remote agent and return its answer.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"agent": map[string]any{
						"type":        "string",
						"description": "Name of the remote agent to delegate to.",
					},
					"message": map[string]any{
						"type":        "string",
						"description": "The instruction or question to send.",
					},
				},
				"required": []string{"agent", "message"},
			},
		},
	}
}

func systemPrompt(agents []remote.AgentSummary) string {
	var b strings.Builder
	b.WriteString("You are a host agent coordinating a user conversation. ")
	b.WriteString("You may answer directly, or delegate work to remote agents with the send_message tool.\n")
	if len(agents) == 0 {
		b.WriteString("No remote agents are currently available; answer directly.\n")
		return b.String()
	}
	b.WriteString("Available remote agents:\n")
	for _, a := range agents {
		b.WriteString("- ")
		b.WriteString(a.Name)
		if a.Description != "" {
			b.WriteString(": ")
			b.WriteString(a.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Respond runs the reasoning loop over the conversation history. Tool calls
// within one engine turn run concurrently; a single delegate failure degrades
// to an error-bearing tool result instead of aborting siblings.
func (r *Reasoner) Respond(ctx context.Context, history []a2a.Message, agents []remote.AgentSummary, delegator Delegator) (Result, error) {
	msgs := []ChatMessage{{Role: "system", Content: systemPrompt(agents)}}
	for _, m := range history {
		if !m.HasText() {
			continue
		}
		role := "user"
		if m.Role == a2a.RoleAgent {
			role = "assistant"
		}
		msgs = append(msgs, ChatMessage{Role: role, Content: m.Text()})
	}

	result := Result{}
	for iteration := 0; iteration < maxToolIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		resp, err := r.engine.Chat(ctx, Request{Messages: msgs, Tools: tools()})
		if err != nil {
			return result, err
		}
		if len(resp.ToolCalls) == 0 {
			result.Text = resp.Content
			return result, nil
		}

		msgs = append(msgs, ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		msgs = append(msgs, r.runToolCalls(ctx, resp.ToolCalls, delegator, &result)...)
	}
	return result, &ReasoningError{Err: fmt.Errorf("no final answer after %d tool iterations", maxToolIterations)}
}

func (r *Reasoner) runToolCalls(ctx context.Context, calls []ToolCall, delegator Delegator, result *Result) []ChatMessage {
	out := make([]ChatMessage, len(calls))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call ToolCall) {
			defer wg.Done()
			content, isDelegate, err := r.runTool(ctx, call, delegator)
			mu.Lock()
			if isDelegate {
				result.DelegatesAttempted++
			}
			if err != nil {
				if isDelegate {
					result.DelegatesFailed++
					result.Failures = append(result.Failures, err)
				}
				r.log.Warn("tool call failed", "tool", call.Name, "error", err)
				content = fmt.Sprintf("Error: %v", err)
			}
			mu.Unlock()
			out[i] = ChatMessage{
				Role:       "tool",
				Content:    content,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			}
		}(i, call)
	}
	wg.Wait()
	return out
}

func (r *Reasoner) runTool(ctx context.Context, call ToolCall, delegator Delegator) (content string, isDelegate bool, err error) {
	switch call.Name {
	case "list_remote_agents":
		agents, err := delegator.ListAgents(ctx)
		if err != nil {
			return "", false, err
		}
		if len(agents) == 0 {
			return "No remote agents are available.", false, nil
		}
		var b strings.Builder
		for _, a := range agents {
			fmt.Fprintf(&b, "%s: %s\n", a.Name, a.Description)
		}
		return b.String(), false, nil
	case "send_message":
		agent, _ := call.Arguments["agent"].(string)
		message, _ := call.Arguments["message"].(string)
		if agent == "" || message == "" {
			return "", false, fmt.Errorf("send_message requires agent and message")
		}
		answer, err := delegator.Delegate(ctx, agent, message)
		if err != nil {
			return "", true, err
		}
		return answer, true, nil
	default:
		return "", false, fmt.Errorf("unknown tool %q", call.Name)
	}
}
