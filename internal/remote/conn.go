package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/flitsinc/go-hostagent/internal/a2a"
	"github.com/flitsinc/go-hostagent/internal/idgen"
)

// Reply is the outcome of one delegation: exactly one of Task and Message is
// set.
type Reply struct {
	Task    *a2a.Task
	Message *a2a.Message
}

// Text extracts the delegate's answer regardless of reply shape.
func (r Reply) Text() string {
	if r.Message != nil {
		return r.Message.Text()
	}
	if r.Task != nil && r.Task.Status.Message != nil {
		return r.Task.Status.Message.Text()
	}
	return ""
}

// Conn talks to one remote agent over its JSON-RPC endpoint.
type Conn struct {
	card   a2a.AgentCard
	client *http.Client
}

func NewConn(card a2a.AgentCard, client *http.Client) *Conn {
	if client == nil {
		client = http.DefaultClient
	}
	return &Conn{card: card, client: client}
}

func (c *Conn) Name() string {
	return c.card.Name
}

// SendMessage delegates one message. When the agent streams, frames are
// consumed in order: task frames become the running candidate, and a final
// status update is authoritative and ends the stream. Otherwise a single
// non-streaming call is made.
func (c *Conn) SendMessage(ctx context.Context, msg a2a.Message) (Reply, error) {
	if c.card.Capabilities.Streaming {
		reply, err := c.sendStreaming(ctx, msg)
		if err != nil {
			return Reply{}, delegationErr(c.card.Name, err)
		}
		if reply.Task != nil || reply.Message != nil {
			return reply, nil
		}
		// Stream produced nothing usable; fall through to a plain send.
	}
	reply, err := c.sendOnce(ctx, msg)
	if err != nil {
		return Reply{}, delegationErr(c.card.Name, err)
	}
	return reply, nil
}

func (c *Conn) sendOnce(ctx context.Context, msg a2a.Message) (Reply, error) {
	raw, err := c.rpc(ctx, a2a.MethodMessageSend, a2a.MessageSendParams{Message: msg})
	if err != nil {
		return Reply{}, err
	}
	return decodeReply(raw)
}

func (c *Conn) sendStreaming(ctx context.Context, msg a2a.Message) (Reply, error) {
	body, err := json.Marshal(a2a.RPCRequest{
		JSONRPC: "2.0",
		ID:      idgen.New(),
		Method:  a2a.MethodMessageStream,
		Params:  mustMarshal(a2a.MessageSendParams{Message: msg}),
	})
	if err != nil {
		return Reply{}, fmt.Errorf("encode stream request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.card.URL, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Reply{}, fmt.Errorf("stream request: status %d", resp.StatusCode)
	}

	var lastTask *a2a.Task
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return Reply{}, err
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		var rpcResp a2a.RPCResponse
		if err := json.Unmarshal([]byte(data), &rpcResp); err != nil {
			continue
		}
		if rpcResp.Error != nil {
			return Reply{}, rpcResp.Error
		}
		if len(rpcResp.Result) == 0 {
			continue
		}
		switch a2a.ResultKind(rpcResp.Result) {
		case a2a.KindTask:
			var task a2a.Task
			if err := json.Unmarshal(rpcResp.Result, &task); err == nil {
				lastTask = &task
			}
		case a2a.KindStatusUpdate:
			var update a2a.StatusUpdate
			if err := json.Unmarshal(rpcResp.Result, &update); err != nil {
				continue
			}
			if update.Final {
				return Reply{Task: synthesizeTask(lastTask, update)}, nil
			}
		case a2a.KindMessage:
			var reply a2a.Message
			if err := json.Unmarshal(rpcResp.Result, &reply); err == nil {
				return Reply{Message: &reply}, nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Reply{}, fmt.Errorf("read stream: %w", err)
	}
	if lastTask != nil {
		return Reply{Task: lastTask}, nil
	}
	return Reply{}, nil
}

// synthesizeTask builds the authoritative result from a final status update,
// reusing the last task snapshot's artifacts and history when one was seen.
func synthesizeTask(last *a2a.Task, update a2a.StatusUpdate) *a2a.Task {
	task := a2a.Task{
		Kind:      a2a.KindTask,
		ID:        update.TaskID,
		ContextID: update.ContextID,
		Status:    update.Status,
	}
	if last != nil {
		if task.ID == "" {
			task.ID = last.ID
		}
		if task.ContextID == "" {
			task.ContextID = last.ContextID
		}
		task.History = last.History
		task.Artifacts = last.Artifacts
		task.Metadata = last.Metadata
	}
	return &task
}

func (c *Conn) rpc(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(a2a.RPCRequest{
		JSONRPC: "2.0",
		ID:      idgen.New(),
		Method:  method,
		Params:  mustMarshal(params),
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.card.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rpc %s: status %d", method, resp.StatusCode)
	}
	var rpcResp a2a.RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

func decodeReply(raw json.RawMessage) (Reply, error) {
	if len(raw) == 0 {
		return Reply{}, fmt.Errorf("empty rpc result")
	}
	switch a2a.ResultKind(raw) {
	case a2a.KindTask:
		var task a2a.Task
		if err := json.Unmarshal(raw, &task); err != nil {
			return Reply{}, fmt.Errorf("decode task result: %w", err)
		}
		return Reply{Task: &task}, nil
	case a2a.KindMessage:
		var msg a2a.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return Reply{}, fmt.Errorf("decode message result: %w", err)
		}
		return Reply{Message: &msg}, nil
	default:
		return Reply{}, fmt.Errorf("unexpected result kind")
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return json.RawMessage(data)
}
