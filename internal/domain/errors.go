package domain

import "fmt"

// ConfigurationError means a plugin's manifest or credentials are
// unusable. The loader disables the plugin and logs a warning; it never
// brings the runtime down.
type ConfigurationError struct {
	Plugin string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("plugin %s: %s", e.Plugin, e.Reason)
}

// ProviderError carries the upstream status and message of a failed
// adapter call. The gate turns it into a generic failure reply and
// skips the credit deduction.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// InsufficientCreditError means the sender's balance is below the
// plugin's price. No API call is made.
type InsufficientCreditError struct {
	UserID  string
	Balance int64
	Price   int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("user %s has %d credits, needs %d", e.UserID, e.Balance, e.Price)
}
