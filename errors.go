package chatquota

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrDeliveryFailed      = errors.New("chatquota: reply delivery failed")
	ErrFragmentTimeout     = errors.New("chatquota: timed out waiting for reply fragment")
	ErrReservationNotFound = errors.New("chatquota: reservation not found")
	ErrUpstreamUnavailable = errors.New("chatquota: upstream unavailable")
	ErrRateLimited         = errors.New("chatquota: rate limited by upstream")
	ErrAuthFailed          = errors.New("chatquota: upstream authentication failed")
	ErrInvalidRequest      = errors.New("chatquota: invalid request")
	ErrQuotaExceeded       = errors.New("chatquota: daily quota exceeded")
)

// DeliveryError reports why the reply for a turn could not be delivered.
// It matches ErrDeliveryFailed with errors.Is and unwraps to the cause.
type DeliveryError struct {
	TurnID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("chatquota: turn=%s: reply delivery failed: %v", e.TurnID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func (e *DeliveryError) Is(target error) bool {
	return target == ErrDeliveryFailed
}

// DeniedError reports a chat turn refused by the quota manager.
// It matches ErrQuotaExceeded with errors.Is.
type DeniedError struct {
	Denial Denial
}

func (e *DeniedError) Error() string {
	return "chatquota: turn denied: " + e.Denial.Message
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// IsFatal returns true if an upstream error will not go away on retry.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrInvalidRequest)
}

// IsRetryable returns true if the caller may offer the user a retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUpstreamUnavailable) ||
		errors.Is(err, ErrDeliveryFailed)
}
