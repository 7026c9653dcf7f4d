package proxy

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/ampersend/x402-mcp-proxy/treasurer"
	"github.com/ampersend/x402-mcp-proxy/x402"
)

// fakeTransport is an in-memory Transport for bridge tests. Tests inject
// incoming traffic with deliver and observe outgoing traffic via sent.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []*Message
	sendCh    chan *Message
	onMessage func(*Message)
	onClose   func()
	onError   func(error)
	closed    bool
	sendErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sendCh: make(chan *Message, 64)}
}

func (f *fakeTransport) Start(ctx context.Context) error { return nil }

func (f *fakeTransport) Send(ctx context.Context, msg *Message) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrTransportClosed
	}
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, msg)
	f.mu.Unlock()

	select {
	case f.sendCh <- msg:
	default:
	}
	return nil
}

func (f *fakeTransport) SetMessageHandler(handler func(*Message)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = handler
}

func (f *fakeTransport) SetCloseHandler(handler func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = handler
}

func (f *fakeTransport) SetErrorHandler(handler func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onError = handler
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	handler := f.onClose
	f.mu.Unlock()

	if handler != nil {
		handler()
	}
	return nil
}

// deliver feeds an incoming message to the bridge, the way the wire would.
func (f *fakeTransport) deliver(msg *Message) {
	f.mu.Lock()
	handler := f.onMessage
	f.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

func (f *fakeTransport) sentMessages() []*Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// waitSent blocks until the transport has transmitted another message.
func (f *fakeTransport) waitSent(t *testing.T) *Message {
	t.Helper()
	select {
	case msg := <-f.sendCh:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a sent message")
		return nil
	}
}

// Message constructors shared across bridge and middleware tests.

func makeRequest(id any, method, params string) *Message {
	return &Message{
		JSONRPC: "2.0",
		ID:      mcp.NewRequestId(id),
		Method:  method,
		Params:  json.RawMessage(params),
	}
}

func makeRequirements() x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: "10000",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		Resource:          "mcp://tools/x",
		Description:       "d",
		MimeType:          "application/json",
		MaxTimeoutSeconds: 300,
	}
}

func make402(t *testing.T, id any, accepts ...x402.PaymentRequirements) *Message {
	t.Helper()
	if accepts == nil {
		accepts = []x402.PaymentRequirements{}
	}
	data, err := json.Marshal(x402.PaymentRequiredResponse{
		X402Version: 1,
		Error:       "Payment required",
		Accepts:     accepts,
	})
	require.NoError(t, err)
	return &Message{
		JSONRPC: "2.0",
		ID:      mcp.NewRequestId(id),
		Error:   &ErrorDetail{Code: 402, Message: "Payment Required", Data: data},
	}
}

func makeSettleSuccess(id any) *Message {
	return &Message{
		JSONRPC: "2.0",
		ID:      mcp.NewRequestId(id),
		Result:  json.RawMessage(`{"content":[{"type":"text","text":"ok"}],"_meta":{"x402/payment-response":{"success":true,"transaction":"0xTX"}}}`),
	}
}

func makeSettleFailure(id any) *Message {
	return &Message{
		JSONRPC: "2.0",
		ID:      mcp.NewRequestId(id),
		Result:  json.RawMessage(`{"content":[],"_meta":{"x402/payment-response":{"success":false,"errorReason":"insufficient_funds"}}}`),
	}
}

func makePlainResult(id any) *Message {
	return &Message{
		JSONRPC: "2.0",
		ID:      mcp.NewRequestId(id),
		Result:  json.RawMessage(`{"content":[]}`),
	}
}

// stubTreasurer scripts OnPaymentRequired and records status updates.
type stubTreasurer struct {
	mu       sync.Mutex
	auth     *x402.Authorization
	err      error
	calls    int
	statuses []string
}

func (s *stubTreasurer) OnPaymentRequired(ctx context.Context, requirements []x402.PaymentRequirements, reqContext treasurer.Context) (*x402.Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.auth, s.err
}

func (s *stubTreasurer) OnStatus(ctx context.Context, status treasurer.Status, authorization *x402.Authorization, reqContext treasurer.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, string(status))
}

func (s *stubTreasurer) recordedStatuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.statuses))
	copy(out, s.statuses)
	return out
}

func (s *stubTreasurer) paymentCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
