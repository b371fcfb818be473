package a2a

import "encoding/json"

// JSON-RPC 2.0 envelope used when talking to remote agents.

const (
	MethodMessageSend   = "message/send"
	MethodMessageStream = "message/stream"
)

type RPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type MessageSendParams struct {
	Message Message `json:"message"`
}

// ResultKind peeks at the "kind" discriminator of a result payload.
func ResultKind(raw json.RawMessage) Kind {
	var peek struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return ""
	}
	return peek.Kind
}
