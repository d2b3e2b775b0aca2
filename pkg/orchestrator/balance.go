package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/psantana5/meshgen/pkg/metrics"
	"github.com/psantana5/meshgen/pkg/retry"
)

// BalanceSync keeps the last known account balance. The value is advisory:
// refresh failures are logged and never reach the caller.
type BalanceSync struct {
	client  RemoteJobClient
	policy  retry.Policy
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	value   float64
	display string
	updated time.Time
}

func NewBalanceSync(client RemoteJobClient, policy retry.Policy, logger *zap.Logger, m *metrics.Metrics) *BalanceSync {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BalanceSync{
		client:  client,
		policy:  policy,
		logger:  logger.Named("balance"),
		metrics: m,
	}
}

// Refresh fetches the balance and stores it
func (b *BalanceSync) Refresh(ctx context.Context) {
	value, err := retry.Do(ctx, b.policy, b.logger, b.client.GetBalance)
	if err != nil {
		b.logger.Warn("Failed to refresh balance", zap.Error(err))
		return
	}

	b.mu.Lock()
	b.value = value
	b.display = fmt.Sprintf("%.2f", value)
	b.updated = time.Now()
	b.mu.Unlock()

	b.metrics.SetBalance(value)
	b.logger.Debug("Balance refreshed", zap.Float64("balance", value))
}

// Balance returns the last value, its display form and when it was fetched.
// Before the first successful refresh the display is empty.
func (b *BalanceSync) Balance() (float64, string, time.Time) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.value, b.display, b.updated
}
