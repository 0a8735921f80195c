package common

import "fmt"

// OperationResult represents the outcome of one unpack strategy with detailed information
type OperationResult struct {
	Applied  bool
	Strategy string
	Message  string
	Count    int // Number of files written
}

// NewSkipped creates a result for a strategy that did not apply
func NewSkipped(strategy, reason string) *OperationResult {
	return &OperationResult{
		Applied:  false,
		Strategy: strategy,
		Message:  reason,
		Count:    0,
	}
}

// NewApplied creates a result for a strategy that produced output
func NewApplied(strategy, message string, count int) *OperationResult {
	return &OperationResult{
		Applied:  true,
		Strategy: strategy,
		Message:  message,
		Count:    count,
	}
}

// String returns a human-readable representation
func (r *OperationResult) String() string {
	if r.Applied {
		if r.Count > 0 {
			return fmt.Sprintf("APPLIED %s (%s, %d files)", r.Strategy, r.Message, r.Count)
		}
		return fmt.Sprintf("APPLIED %s (%s)", r.Strategy, r.Message)
	}
	return fmt.Sprintf("SKIPPED %s (%s)", r.Strategy, r.Message)
}
