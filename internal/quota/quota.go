// Package quota meters per-user query tokens.
package quota

import (
	"context"
	"fmt"
)

// Counter is the storage primitive the meter relies on.
type Counter interface {
	ConsumeQueryToken(ctx context.Context, userID int64) (bool, error)
}

type Meter struct {
	counter Counter
}

func NewMeter(counter Counter) *Meter {
	return &Meter{counter: counter}
}

// TryConsume takes one token from userID's balance. It reports false, with no
// mutation, when the balance is zero or the user does not exist. Any storage
// failure is returned and must be treated as a denial.
func (m *Meter) TryConsume(ctx context.Context, userID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := m.counter.ConsumeQueryToken(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("consume token for user %d: %w", userID, err)
	}
	return ok, nil
}
