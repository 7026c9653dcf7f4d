package treasurer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ampersend/x402-mcp-proxy/wallet"
	"github.com/ampersend/x402-mcp-proxy/x402"
)

const testSessionKey = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

// policyServer is a scripted Ampersend policy API for tests.
type policyServer struct {
	t *testing.T

	mu         sync.Mutex
	loginCount int32
	events     []map[string]any

	authorize   func() AuthorizeResponse
	eventStatus int
}

func (p *policyServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/nonce", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"nonce":     "test-nonce",
			"sessionId": "login-session",
		})
	})
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&p.loginCount, 1)

		var req map[string]any
		require.NoError(p.t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(p.t, "login-session", req["sessionId"])
		assert.NotEmpty(p.t, req["message"])
		assert.NotEmpty(p.t, req["signature"])

		_ = json.NewEncoder(w).Encode(map[string]string{
			"token":        "test-token",
			"agentAddress": "0x0000000000000000000000000000000000000001",
			"expiresAt":    time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/payments/authorize", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(p.t, "Bearer test-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(p.authorize())
	})
	mux.HandleFunc("/payments/events", func(w http.ResponseWriter, r *http.Request) {
		if p.eventStatus != 0 {
			w.WriteHeader(p.eventStatus)
			return
		}
		var event map[string]any
		_ = json.NewDecoder(r.Body).Decode(&event)
		p.mu.Lock()
		p.events = append(p.events, event)
		p.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"received": true})
	})
	return mux
}

func (p *policyServer) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var types []string
	for _, e := range p.events {
		if inner, ok := e["event"].(map[string]any); ok {
			if typ, ok := inner["type"].(string); ok {
				types = append(types, typ)
			}
		}
	}
	return types
}

func newAmpersendUnderTest(t *testing.T, p *policyServer) (*Ampersend, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(p.handler())
	t.Cleanup(server.Close)

	client, err := NewAPIClient(ClientOptions{
		BaseURL:       server.URL,
		SessionKeyHex: testSessionKey,
	})
	require.NoError(t, err)

	w := wallet.NewMockWallet("0x209693Bc6afc0C5328bA36FaF03C514EF312287C")
	return NewAmpersend(client, w, nil), server
}

func authorizedAll(reqs []x402.PaymentRequirements, recommended *int) AuthorizeResponse {
	resp := AuthorizeResponse{}
	resp.Authorized.Recommended = recommended
	for _, r := range reqs {
		resp.Authorized.Requirements = append(resp.Authorized.Requirements, AuthorizedRequirement{Requirement: r})
	}
	return resp
}

func intPtr(i int) *int { return &i }

func TestAmpersendOnPaymentRequired(t *testing.T) {
	t.Run("PaysRecommendedRequirement", func(t *testing.T) {
		reqs := []x402.PaymentRequirements{testRequirements("1000"), testRequirements("10")}
		p := &policyServer{t: t, authorize: func() AuthorizeResponse {
			return authorizedAll(reqs, intPtr(1))
		}}
		a, _ := newAmpersendUnderTest(t, p)

		auth, err := a.OnPaymentRequired(context.Background(), reqs, Context{"method": "tools/call"})
		require.NoError(t, err)
		require.NotNil(t, auth)
		assert.Equal(t, "10", auth.Payment.Payload.Authorization.Value)

		// The sending event was reported immediately.
		assert.Equal(t, []string{"sending"}, p.eventTypes())
	})

	t.Run("NoRecommendationUsesFirst", func(t *testing.T) {
		reqs := []x402.PaymentRequirements{testRequirements("1000"), testRequirements("10")}
		p := &policyServer{t: t, authorize: func() AuthorizeResponse {
			return authorizedAll(reqs, nil)
		}}
		a, _ := newAmpersendUnderTest(t, p)

		auth, err := a.OnPaymentRequired(context.Background(), reqs, nil)
		require.NoError(t, err)
		require.NotNil(t, auth)
		assert.Equal(t, "1000", auth.Payment.Payload.Authorization.Value)
	})

	t.Run("RecommendedOutOfBoundsDeclines", func(t *testing.T) {
		reqs := []x402.PaymentRequirements{testRequirements("1000")}
		p := &policyServer{t: t, authorize: func() AuthorizeResponse {
			return authorizedAll(reqs, intPtr(3))
		}}
		a, _ := newAmpersendUnderTest(t, p)

		auth, err := a.OnPaymentRequired(context.Background(), reqs, nil)
		require.NoError(t, err)
		assert.Nil(t, auth)
	})

	t.Run("AllRejectedDeclines", func(t *testing.T) {
		reqs := []x402.PaymentRequirements{testRequirements("1000")}
		p := &policyServer{t: t, authorize: func() AuthorizeResponse {
			return AuthorizeResponse{
				Rejected: []RejectedRequirement{{Requirement: reqs[0], Reason: "over daily limit"}},
			}
		}}
		a, _ := newAmpersendUnderTest(t, p)

		auth, err := a.OnPaymentRequired(context.Background(), reqs, nil)
		require.NoError(t, err)
		assert.Nil(t, auth)
	})

	t.Run("TransportFailureDeclines", func(t *testing.T) {
		p := &policyServer{t: t, authorize: func() AuthorizeResponse { return AuthorizeResponse{} }}
		a, server := newAmpersendUnderTest(t, p)
		server.Close()

		auth, err := a.OnPaymentRequired(context.Background(), []x402.PaymentRequirements{testRequirements("1")}, nil)
		require.NoError(t, err)
		assert.Nil(t, auth)
	})

	t.Run("LoginSharedAcrossCalls", func(t *testing.T) {
		reqs := []x402.PaymentRequirements{testRequirements("1")}
		p := &policyServer{t: t, authorize: func() AuthorizeResponse {
			return authorizedAll(reqs, intPtr(0))
		}}
		a, _ := newAmpersendUnderTest(t, p)

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := a.OnPaymentRequired(context.Background(), reqs, nil)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), atomic.LoadInt32(&p.loginCount))
	})
}

func TestAmpersendOnStatus(t *testing.T) {
	auth := &x402.Authorization{
		AuthorizationID: "auth-1",
		Payment:         &x402.PaymentPayload{X402Version: 1, Scheme: "exact", Network: "base-sepolia"},
	}

	t.Run("ReportsMappedEvents", func(t *testing.T) {
		p := &policyServer{t: t, authorize: func() AuthorizeResponse { return AuthorizeResponse{} }}
		a, _ := newAmpersendUnderTest(t, p)

		a.OnStatus(context.Background(), StatusAccepted, auth, nil)
		a.OnStatus(context.Background(), StatusRejected, auth, Context{"reason": "expired"})
		a.OnStatus(context.Background(), StatusError, auth, nil)
		a.OnStatus(context.Background(), StatusDeclined, auth, nil)

		assert.Equal(t, []string{"accepted", "rejected", "error", "error"}, p.eventTypes())
	})

	t.Run("NilAuthorizationIgnored", func(t *testing.T) {
		p := &policyServer{t: t, authorize: func() AuthorizeResponse { return AuthorizeResponse{} }}
		a, _ := newAmpersendUnderTest(t, p)

		a.OnStatus(context.Background(), StatusAccepted, nil, nil)
		assert.Empty(t, p.eventTypes())
	})

	t.Run("ReportingFailureSwallowed", func(t *testing.T) {
		p := &policyServer{t: t, eventStatus: http.StatusInternalServerError,
			authorize: func() AuthorizeResponse { return AuthorizeResponse{} }}
		a, _ := newAmpersendUnderTest(t, p)

		// Must not panic or surface the failure.
		a.OnStatus(context.Background(), StatusAccepted, auth, nil)
	})
}
