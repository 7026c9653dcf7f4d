// Package proxy implements the payment-transparent MCP proxy: a session
// registry fronting per-session bridges that pair a buyer-facing transport
// with an upstream-facing transport, with x402 payment middleware between
// them.
package proxy

import (
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// syntheticIDPrefix marks JSON-RPC ids minted by the bridge for payment
// retries. A well-behaved client never produces ids with this prefix.
const syntheticIDPrefix = "retry_with_payment__"

// ErrorDetail is the error member of a JSON-RPC response.
type ErrorDetail struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Message is a generic JSON-RPC 2.0 envelope. The proxy never interprets
// params or result beyond the _meta fields it owns, so both stay raw.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      mcp.RequestId   `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

// MarshalJSON omits the id member entirely for notifications; a zero
// RequestId would otherwise serialize as null, which is not the same thing.
func (m Message) MarshalJSON() ([]byte, error) {
	type wire struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      *mcp.RequestId  `json:"id,omitempty"`
		Method  string          `json:"method,omitempty"`
		Params  json.RawMessage `json:"params,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *ErrorDetail    `json:"error,omitempty"`
	}
	w := wire{
		JSONRPC: m.JSONRPC,
		Method:  m.Method,
		Params:  m.Params,
		Result:  m.Result,
		Error:   m.Error,
	}
	if !m.ID.IsNil() {
		id := m.ID
		w.ID = &id
	}
	return json.Marshal(w)
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && !m.ID.IsNil()
}

// IsNotification reports whether the message is a fire-and-forget call.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID.IsNil()
}

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && !m.ID.IsNil()
}

// Clone returns a shallow copy with its own copies of params and error.
func (m *Message) Clone() *Message {
	clone := *m
	if m.Params != nil {
		clone.Params = append(json.RawMessage(nil), m.Params...)
	}
	if m.Error != nil {
		errCopy := *m.Error
		clone.Error = &errCopy
	}
	return &clone
}

// idKey renders a JSON-RPC id into its canonical map-key form: the JSON
// encoding with string quotes stripped, so the number 7 and the string "7"
// both key as "7" the way they print on the wire.
func idKey(id mcp.RequestId) string {
	raw, err := json.Marshal(id)
	if err != nil {
		return ""
	}
	return strings.Trim(string(raw), `"`)
}

// syntheticID mints the retry id for an original request id.
func syntheticID(original mcp.RequestId) mcp.RequestId {
	return mcp.NewRequestId(syntheticIDPrefix + idKey(original))
}

// newErrorResponse builds a JSON-RPC error response for the given id.
func newErrorResponse(id mcp.RequestId, code int, message string) *Message {
	return &Message{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &ErrorDetail{Code: code, Message: message},
	}
}
