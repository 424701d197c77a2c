package transfer

import (
	"strings"
	"time"
)

// Outcome labels a result for logs and metrics.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailure = "failure"
)

// Result is the outcome of one continuation.
type Result struct {
	Success      bool          `json:"success"`
	StoragePath  string        `json:"storagePath,omitempty"`
	TransferPath string        `json:"transferPath,omitempty"`
	ErrorDetail  string        `json:"errorDetail,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`

	// SourceRemoved is set once a collected remote file has been deleted.
	// It is not a delivery destination.
	SourceRemoved bool `json:"sourceRemoved,omitempty"`
}

// Failure returns a failed result with no destination reached.
func Failure(detail string, elapsed time.Duration) Result {
	return Result{ErrorDetail: detail, Elapsed: elapsed}
}

// Partial reports whether some destination was reached although the
// operation failed.
func (r Result) Partial() bool {
	return !r.Success && (r.StoragePath != "" || r.TransferPath != "")
}

// Outcome returns success, partial or failure.
func (r Result) Outcome() string {
	switch {
	case r.Success:
		return OutcomeSuccess
	case r.Partial():
		return OutcomePartial
	default:
		return OutcomeFailure
	}
}

type details []string

func (d *details) add(s string) {
	*d = append(*d, s)
}

func (d details) String() string {
	return strings.Join(d, "; ")
}
