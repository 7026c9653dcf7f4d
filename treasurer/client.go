package treasurer

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ampersend/x402-mcp-proxy/x402"
)

const (
	defaultClientTimeout = 30 * time.Second

	// tokenExpirySkew renews the bearer token slightly before the service
	// would reject it.
	tokenExpirySkew = 30 * time.Second
)

// APIError is a non-2xx reply from the policy service.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("policy api error (status %d): %s", e.Status, e.Body)
}

// ClientOptions configures an APIClient.
type ClientOptions struct {
	// BaseURL of the policy service.
	BaseURL string

	// SessionKeyHex signs the sign-in message identifying this agent.
	SessionKeyHex string

	// Timeout bounds every HTTP round-trip. Defaults to 30s.
	Timeout time.Duration

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// APIClient talks to the Ampersend policy service. Authentication happens
// lazily on first use; concurrent callers share a single login round-trip.
type APIClient struct {
	baseURL    *url.URL
	httpClient *http.Client
	sessionKey *ecdsa.PrivateKey
	agentAddr  common.Address
	logger     *slog.Logger

	// authMu serializes the sign-in handshake so concurrent callers share a
	// single round-trip; tokenMu guards the cached token itself.
	authMu      sync.Mutex
	tokenMu     sync.RWMutex
	token       string
	tokenExpiry time.Time
}

// NewAPIClient creates a policy API client.
func NewAPIClient(opts ClientOptions) (*APIClient, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("invalid policy api url %q: %v", opts.BaseURL, err)
	}

	keyBytes, err := hex.DecodeString(strings.TrimPrefix(opts.SessionKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid session key: %w", err)
	}
	sessionKey, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid session key: %w", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultClientTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &APIClient{
		baseURL:    base,
		httpClient: httpClient,
		sessionKey: sessionKey,
		agentAddr:  crypto.PubkeyToAddress(sessionKey.PublicKey),
		logger:     logger,
	}, nil
}

// AgentAddress returns the address the client signs in with.
func (c *APIClient) AgentAddress() common.Address {
	return c.agentAddr
}

// AuthorizePayment asks the policy service which requirements may be paid.
func (c *APIClient) AuthorizePayment(ctx context.Context, requirements []x402.PaymentRequirements, reqContext Context) (*AuthorizeResponse, error) {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}

	var resp AuthorizeResponse
	err := c.post(ctx, "/payments/authorize", authorizeRequest{
		Requirements: requirements,
		Context:      reqContext,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportPaymentEvent reports a lifecycle event. Failures are returned so the
// caller can log them; they must never propagate beyond that.
func (c *APIClient) ReportPaymentEvent(ctx context.Context, authorizationID string, payment *x402.PaymentPayload, eventType, reason string) error {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return err
	}

	var resp eventResponse
	return c.post(ctx, "/payments/events", eventRequest{
		ID:      authorizationID,
		Payment: payment,
		Event:   paymentEvent{Type: eventType, Reason: reason},
	}, &resp)
}

// ensureAuthenticated performs the sign-in handshake once and caches the
// bearer token until shortly before expiry.
func (c *APIClient) ensureAuthenticated(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	if token, expiry := c.bearerToken(); token != "" && time.Now().Before(expiry.Add(-tokenExpirySkew)) {
		return nil
	}

	var nonce nonceResponse
	if err := c.get(ctx, "/auth/nonce", &nonce); err != nil {
		return fmt.Errorf("failed to fetch login nonce: %w", err)
	}

	message := c.signInMessage(nonce.Nonce)
	signature, err := crypto.Sign(accounts.TextHash([]byte(message)), c.sessionKey)
	if err != nil {
		return fmt.Errorf("failed to sign login message: %w", err)
	}
	signature[64] += 27

	var login loginResponse
	err = c.post(ctx, "/auth/login", loginRequest{
		Message:   message,
		Signature: "0x" + hex.EncodeToString(signature),
		SessionID: nonce.SessionID,
	}, &login)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	expiry, err := time.Parse(time.RFC3339, login.ExpiresAt)
	if err != nil {
		// Token still works; renew conservatively.
		expiry = time.Now().Add(5 * time.Minute)
	}

	c.tokenMu.Lock()
	c.token = login.Token
	c.tokenExpiry = expiry
	c.tokenMu.Unlock()
	c.logger.Debug("authenticated with policy service",
		"agentAddress", login.AgentAddress, "expiresAt", login.ExpiresAt)
	return nil
}

// signInMessage builds the Sign-In-With-Ethereum style message the service
// verifies against the agent address.
func (c *APIClient) signInMessage(nonce string) string {
	return fmt.Sprintf(
		"%s wants you to sign in with your Ethereum account:\n%s\n\nURI: %s\nVersion: 1\nNonce: %s\nIssued At: %s",
		c.baseURL.Host,
		c.agentAddr.Hex(),
		c.baseURL.String(),
		nonce,
		time.Now().UTC().Format(time.RFC3339),
	)
}

func (c *APIClient) bearerToken() (string, time.Time) {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token, c.tokenExpiry
}

func (c *APIClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *APIClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *APIClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimSuffix(endpoint.Path, "/") + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token, _ := c.bearerToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: string(raw)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
	}
	return nil
}
