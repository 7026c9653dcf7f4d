package treasurer

import (
	"context"
	"sync"

	"github.com/ampersend/x402-mcp-proxy/x402"
)

// StatusUpdate is one recorded OnStatus call.
type StatusUpdate struct {
	Status          Status
	AuthorizationID string
}

// Recorder wraps a Treasurer and records every status update. Testing
// support.
type Recorder struct {
	Inner Treasurer

	mu      sync.RWMutex
	updates []StatusUpdate
}

// NewRecorder wraps a treasurer with status recording.
func NewRecorder(inner Treasurer) *Recorder {
	return &Recorder{Inner: inner}
}

func (r *Recorder) OnPaymentRequired(ctx context.Context, requirements []x402.PaymentRequirements, reqContext Context) (*x402.Authorization, error) {
	return r.Inner.OnPaymentRequired(ctx, requirements, reqContext)
}

func (r *Recorder) OnStatus(ctx context.Context, status Status, authorization *x402.Authorization, reqContext Context) {
	r.mu.Lock()
	update := StatusUpdate{Status: status}
	if authorization != nil {
		update.AuthorizationID = authorization.AuthorizationID
	}
	r.updates = append(r.updates, update)
	r.mu.Unlock()

	r.Inner.OnStatus(ctx, status, authorization, reqContext)
}

// Updates returns a copy of all recorded status updates.
func (r *Recorder) Updates() []StatusUpdate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StatusUpdate, len(r.updates))
	copy(out, r.updates)
	return out
}

// Count returns the number of recorded updates.
func (r *Recorder) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.updates)
}

// Last returns the most recent update, or nil.
func (r *Recorder) Last() *StatusUpdate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.updates) == 0 {
		return nil
	}
	last := r.updates[len(r.updates)-1]
	return &last
}
