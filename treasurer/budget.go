package treasurer

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

var (
	ErrAmountExceedsLimit = errors.New("payment amount exceeds per-payment limit")
	ErrRateLimitExceeded  = errors.New("payment rate limit exceeded")
	ErrBudgetExceeded     = errors.New("hourly spending budget exceeded")
)

// SpendingLimits bounds what the naive treasurer will approve without a
// remote policy service. Zero values disable the corresponding check.
type SpendingLimits struct {
	// MaxAmountPerPayment is the largest single payment, in atomic units.
	MaxAmountPerPayment string

	// MaxPaymentsPerMinute caps payment frequency.
	MaxPaymentsPerMinute int

	// MaxAmountPerHour caps total spend per hour, in atomic units.
	MaxAmountPerHour string
}

// budgetTracker enforces SpendingLimits across concurrent payments.
type budgetTracker struct {
	mu         sync.Mutex
	maxPayment *big.Int
	maxHourly  *big.Int
	maxPerMin  int

	hourlySpent     *big.Int
	hourlyResetTime time.Time
	minuteCount     int
	minuteResetTime time.Time
}

func newBudgetTracker(limits SpendingLimits) (*budgetTracker, error) {
	t := &budgetTracker{
		maxPerMin:       limits.MaxPaymentsPerMinute,
		hourlySpent:     big.NewInt(0),
		hourlyResetTime: time.Now().Add(time.Hour),
		minuteResetTime: time.Now().Add(time.Minute),
	}

	if limits.MaxAmountPerPayment != "" {
		t.maxPayment = new(big.Int)
		if _, ok := t.maxPayment.SetString(limits.MaxAmountPerPayment, 10); !ok || t.maxPayment.Sign() <= 0 {
			return nil, fmt.Errorf("invalid max payment amount: %s", limits.MaxAmountPerPayment)
		}
	}
	if limits.MaxAmountPerHour != "" {
		t.maxHourly = new(big.Int)
		if _, ok := t.maxHourly.SetString(limits.MaxAmountPerHour, 10); !ok || t.maxHourly.Sign() <= 0 {
			return nil, fmt.Errorf("invalid max hourly amount: %s", limits.MaxAmountPerHour)
		}
	}

	return t, nil
}

// canSpend checks a prospective payment against the configured limits.
func (t *budgetTracker) canSpend(amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if !now.Before(t.hourlyResetTime) {
		t.hourlySpent = big.NewInt(0)
		t.hourlyResetTime = now.Add(time.Hour)
	}
	if !now.Before(t.minuteResetTime) {
		t.minuteCount = 0
		t.minuteResetTime = now.Add(time.Minute)
	}

	if t.maxPayment != nil && amount.Cmp(t.maxPayment) > 0 {
		return ErrAmountExceedsLimit
	}
	if t.maxPerMin > 0 && t.minuteCount >= t.maxPerMin {
		return ErrRateLimitExceeded
	}
	if t.maxHourly != nil {
		newTotal := new(big.Int).Add(t.hourlySpent, amount)
		if newTotal.Cmp(t.maxHourly) > 0 {
			return ErrBudgetExceeded
		}
	}

	return nil
}

// record registers an approved payment against the running counters.
func (t *budgetTracker) record(amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.minuteCount++
	t.hourlySpent.Add(t.hourlySpent, amount)
}
