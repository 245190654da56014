package platform

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen fast-fails a call without a network attempt.
	ErrCircuitOpen = errors.New("platform: circuit open")
	// ErrUnavailable is surfaced when neither upstream nor cache can serve.
	ErrUnavailable = errors.New("platform: upstream unavailable")
	// ErrLedgerWrite marks a failed audit append. Callers must abort the
	// request rather than return unaudited output.
	ErrLedgerWrite = errors.New("platform: ledger write failed")
)

// UpstreamError reports a failed upstream call with sanitized detail.
type UpstreamError struct {
	Endpoint string
	Status   int
	Timeout  bool
	Message  string
}

func (e *UpstreamError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("platform: %s timed out", e.Endpoint)
	}
	if e.Status != 0 {
		return fmt.Sprintf("platform: %s returned %d: %s", e.Endpoint, e.Status, e.Message)
	}
	return fmt.Sprintf("platform: %s failed: %s", e.Endpoint, e.Message)
}
