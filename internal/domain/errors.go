package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by registry and storage lookups that match nothing.
var ErrNotFound = errors.New("not found")

// FailureKind classifies an error for retry policy decisions.
type FailureKind string

const (
	// FailureTransient covers network timeouts and rate limits: retry with backoff.
	FailureTransient FailureKind = "transient"
	// FailurePermanent covers removed or unreachable sources: deactivate after a threshold.
	FailurePermanent FailureKind = "permanent"
	// FailureCapability covers extraction/summarization errors: bounded retry, then mark failed.
	FailureCapability FailureKind = "capability"
	// FailureDelivery covers channel-specific delivery errors: bounded retry, then record failed.
	FailureDelivery FailureKind = "delivery"
)

// Failure wraps an error with its retry classification.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	return &Failure{Kind: FailureTransient, Err: err}
}

// Permanent wraps err as a non-retryable source failure.
func Permanent(err error) error {
	return &Failure{Kind: FailurePermanent, Err: err}
}

// Capability wraps err as an extraction/summarization failure.
func Capability(err error) error {
	return &Failure{Kind: FailureCapability, Err: err}
}

// Delivery wraps err as a channel delivery failure.
func Delivery(err error) error {
	return &Failure{Kind: FailureDelivery, Err: err}
}

// KindOf extracts the classification from err. Unclassified errors are
// treated as transient so they stay retryable.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return FailureTransient
}
