package proxy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ampersend/x402-mcp-proxy/x402"
)

// newTestBridge wires a bridge between two fake transports.
func newTestBridge(t *testing.T, ts *stubTreasurer, opts ...BridgeOption) (*Bridge, *fakeTransport, *fakeTransport, *Middleware) {
	t.Helper()
	serverT := newFakeTransport()
	upstreamT := newFakeTransport()
	mw := NewMiddleware(ts, nil)
	b := NewBridge(serverT, upstreamT, mw, opts...)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b, serverT, upstreamT, mw
}

func TestBridgeHappyPaymentFlow(t *testing.T) {
	ts := &stubTreasurer{auth: testAuthorization()}
	b, serverT, upstreamT, mw := newTestBridge(t, ts)

	// Buyer sends a tool call.
	serverT.deliver(makeRequest(int64(7), "tools/call", `{"name":"x","arguments":{}}`))

	forwarded := upstreamT.waitSent(t)
	assert.Equal(t, "7", idKey(forwarded.ID))
	assert.Equal(t, 1, b.PendingCount())

	// Upstream demands payment; the buyer must not see this.
	upstreamT.deliver(make402(t, int64(7), makeRequirements()))

	retry := upstreamT.waitSent(t)
	assert.Equal(t, "retry_with_payment__7", idKey(retry.ID))
	assert.True(t, x402.HasMetaField(retry.Params, x402.MetaPayment))
	assert.True(t, x402.HasMetaField(retry.Params, x402.MetaPaymentID))
	assert.True(t, x402.HasMetaField(retry.Params, x402.MetaOriginalID))
	assert.Empty(t, serverT.sentMessages())
	assert.Equal(t, 1, b.PendingCount())

	// Upstream settles under the synthetic id.
	upstreamT.deliver(makeSettleSuccess("retry_with_payment__7"))

	response := serverT.waitSent(t)
	assert.Equal(t, "7", idKey(response.ID))
	raw, ok := x402.ResultMetaField(response.Result, x402.MetaPaymentResponse)
	require.True(t, ok)
	assert.Contains(t, string(raw), "0xTX")

	assert.Zero(t, b.PendingCount())
	assert.Zero(t, mw.PendingAuthorizations())
	assert.Equal(t, []string{"sending", "accepted"}, ts.recordedStatuses())
}

func TestBridgeDecline(t *testing.T) {
	ts := &stubTreasurer{auth: nil}
	b, serverT, upstreamT, _ := newTestBridge(t, ts)

	serverT.deliver(makeRequest(int64(7), "tools/call", `{"name":"x"}`))
	upstreamT.waitSent(t)

	upstreamT.deliver(make402(t, int64(7), makeRequirements()))

	// The buyer receives the original 402 verbatim.
	response := serverT.waitSent(t)
	assert.Equal(t, "7", idKey(response.ID))
	require.NotNil(t, response.Error)
	assert.Equal(t, 402, response.Error.Code)
	assert.Zero(t, b.PendingCount())
}

func TestBridgeRetryItself402s(t *testing.T) {
	ts := &stubTreasurer{auth: testAuthorization()}
	b, serverT, upstreamT, _ := newTestBridge(t, ts)

	serverT.deliver(makeRequest(int64(7), "tools/call", `{"name":"x"}`))
	upstreamT.waitSent(t)

	upstreamT.deliver(make402(t, int64(7), makeRequirements()))
	upstreamT.waitSent(t) // the retry

	// The retry is rejected again; the double-pay guard forwards it.
	upstreamT.deliver(make402(t, "retry_with_payment__7", makeRequirements()))

	response := serverT.waitSent(t)
	assert.Equal(t, "7", idKey(response.ID))
	require.NotNil(t, response.Error)
	assert.Equal(t, 402, response.Error.Code)

	assert.Zero(t, b.PendingCount())
	assert.Equal(t, 1, ts.paymentCalls())
}

func TestBridgeEmptyRequirements(t *testing.T) {
	// Zero offered requirements still reach the treasurer, which declines;
	// the buyer gets the 402.
	ts := &stubTreasurer{auth: nil}
	_, serverT, upstreamT, _ := newTestBridge(t, ts)

	serverT.deliver(makeRequest(int64(7), "tools/call", `{"name":"x"}`))
	upstreamT.waitSent(t)
	upstreamT.deliver(make402(t, int64(7)))

	response := serverT.waitSent(t)
	require.NotNil(t, response.Error)
	assert.Equal(t, 402, response.Error.Code)
	assert.Equal(t, 1, ts.paymentCalls())
}

func TestBridgeBackpressure(t *testing.T) {
	ts := &stubTreasurer{}
	b, serverT, upstreamT, _ := newTestBridge(t, ts, WithMaxPending(2))

	serverT.deliver(makeRequest(int64(1), "tools/call", `{}`))
	serverT.deliver(makeRequest(int64(2), "tools/call", `{}`))
	upstreamT.waitSent(t)
	upstreamT.waitSent(t)
	require.Equal(t, 2, b.PendingCount())

	// The third concurrent request fails without reaching the upstream.
	serverT.deliver(makeRequest(int64(3), "tools/call", `{}`))

	rejection := serverT.waitSent(t)
	assert.Equal(t, "3", idKey(rejection.ID))
	require.NotNil(t, rejection.Error)
	assert.Equal(t, backpressureErrorCode, rejection.Error.Code)
	assert.Contains(t, rejection.Error.Message, "max pending")
	assert.Len(t, upstreamT.sentMessages(), 2)

	// The bridge stays usable once pending drains.
	upstreamT.deliver(makePlainResult(int64(1)))
	serverT.waitSent(t)
	serverT.deliver(makeRequest(int64(4), "tools/call", `{}`))
	forwarded := upstreamT.waitSent(t)
	assert.Equal(t, "4", idKey(forwarded.ID))
}

func TestBridgePassthrough(t *testing.T) {
	ts := &stubTreasurer{}
	_, serverT, upstreamT, _ := newTestBridge(t, ts)

	t.Run("ClientNotification", func(t *testing.T) {
		serverT.deliver(&Message{JSONRPC: "2.0", Method: "notifications/initialized"})
		sent := upstreamT.waitSent(t)
		assert.Equal(t, "notifications/initialized", sent.Method)
	})

	t.Run("UpstreamNotification", func(t *testing.T) {
		upstreamT.deliver(&Message{JSONRPC: "2.0", Method: "notifications/progress"})
		sent := serverT.waitSent(t)
		assert.Equal(t, "notifications/progress", sent.Method)
	})

	t.Run("ResponseWithoutPendingEntry", func(t *testing.T) {
		upstreamT.deliver(makePlainResult(int64(99)))
		sent := serverT.waitSent(t)
		assert.Equal(t, "99", idKey(sent.ID))
	})
}

func TestBridgeUpstreamSendFailure(t *testing.T) {
	ts := &stubTreasurer{}
	b, serverT, upstreamT, _ := newTestBridge(t, ts)
	upstreamT.sendErr = errors.New("connection refused")

	serverT.deliver(makeRequest(int64(7), "tools/call", `{}`))

	response := serverT.waitSent(t)
	assert.Equal(t, "7", idKey(response.ID))
	require.NotNil(t, response.Error)
	assert.Zero(t, b.PendingCount())
}

func TestBridgeClose(t *testing.T) {
	t.Run("ClosesBothTransportsOnce", func(t *testing.T) {
		ts := &stubTreasurer{}
		closeCount := 0
		b, serverT, upstreamT, _ := newTestBridge(t, ts,
			WithCloseHandler(func() { closeCount++ }))

		require.NoError(t, b.Close())
		require.NoError(t, b.Close())

		assert.True(t, serverT.isClosed())
		assert.True(t, upstreamT.isClosed())
		assert.Equal(t, 1, closeCount)
	})

	t.Run("TransportCloseClosesBridge", func(t *testing.T) {
		ts := &stubTreasurer{}
		closed := false
		_, serverT, upstreamT, _ := newTestBridge(t, ts,
			WithCloseHandler(func() { closed = true }))

		require.NoError(t, serverT.Close())
		assert.True(t, closed)
		assert.True(t, upstreamT.isClosed())
	})

	t.Run("TeardownMidFlight", func(t *testing.T) {
		ts := &stubTreasurer{auth: testAuthorization()}
		b, serverT, upstreamT, mw := newTestBridge(t, ts)

		serverT.deliver(makeRequest(int64(7), "tools/call", `{"name":"x"}`))
		upstreamT.waitSent(t)
		require.Equal(t, 1, b.PendingCount())

		require.NoError(t, b.Close())
		assert.Zero(t, b.PendingCount())
		assert.Zero(t, mw.PendingAuthorizations())

		// A late upstream reply is dropped without a crash.
		upstreamT.deliver(makePlainResult(int64(7)))
		assert.Empty(t, serverT.sentMessages())
	})

	t.Run("ErrorsDoNotClose", func(t *testing.T) {
		ts := &stubTreasurer{}
		var reported []error
		b, serverT, upstreamT, _ := newTestBridge(t, ts,
			WithErrorHandler(func(err error) { reported = append(reported, err) }))

		upstreamT.sendErr = errors.New("flaky")
		serverT.deliver(&Message{JSONRPC: "2.0", Method: "notifications/initialized"})

		assert.NotEmpty(t, reported)
		assert.False(t, serverT.isClosed())
		assert.False(t, upstreamT.isClosed())
		assert.Zero(t, b.PendingCount())
	})
}
