package spider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Outcome is the fine-grained result of processing one fetch target.
type Outcome string

// Outcomes recorded per target. The audit log stores both the fine outcome
// and the coarse three-valued status derived from it.
const (
	OutcomeFound       Outcome = "SUCCESS_FOUND"
	OutcomeEmpty       Outcome = "SUCCESS_NONE"
	OutcomeNoContent   Outcome = "FAIL_NO_CONTENT"
	OutcomeFetchFailed Outcome = "FAIL_FETCH"
	OutcomeParseFailed Outcome = "FAIL_PARSE"
	OutcomeSkipDup     Outcome = "SKIP_DUP"
	OutcomeAbort       Outcome = "ABORT"
)

// CoarseStatus is the three-valued status the log store recognizes.
type CoarseStatus string

// Coarse status values.
const (
	StatusSuccess CoarseStatus = "success"
	StatusFail    CoarseStatus = "fail"
	StatusSkip    CoarseStatus = "skip"
)

// Coarse maps a fine-grained outcome to the log store's three-valued status.
// A clean fetch with zero findings is a success; an abort is a failure.
func (o Outcome) Coarse() CoarseStatus {
	switch o {
	case OutcomeFound, OutcomeEmpty:
		return StatusSuccess
	case OutcomeSkipDup:
		return StatusSkip
	default:
		return StatusFail
	}
}

// IsFailure reports whether the outcome counts against the forced-target
// gate. Empty success and duplicate skips do not.
func (o Outcome) IsFailure() bool {
	switch o {
	case OutcomeNoContent, OutcomeFetchFailed, OutcomeParseFailed, OutcomeAbort:
		return true
	default:
		return false
	}
}

// ErrNoTask is returned by the task store when no pending task matches.
var ErrNoTask = errors.New("no pending task")

// Classify converts an error from the fetch/parse path into an outcome and a
// log message. Errors never cross the single-target boundary unclassified.
func Classify(err error) (Outcome, string) {
	if err == nil {
		return OutcomeEmpty, "none"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeFetchFailed, fmt.Sprintf("timeout: %v", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return OutcomeFetchFailed, fmt.Sprintf("timeout: %v", err)
		}
		return OutcomeFetchFailed, fmt.Sprintf("connection_error: %v", err)
	}
	return OutcomeParseFailed, fmt.Sprintf("parse_error: %v", err)
}
