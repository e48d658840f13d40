package domain

import "context"

// CreditLedger tracks per-user credit balances and billing exemptions.
type CreditLedger interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Deduct(ctx context.Context, userID string, amount int64, plugin string) error
	Add(ctx context.Context, userID string, amount int64, plugin string) error

	IsExempt(ctx context.Context, userID string) (bool, error)
	AddExempt(ctx context.Context, userID string) error
	RemoveExempt(ctx context.Context, userID string) error

	Close() error
}
