package chatquota_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	cq "github.com/ineyio/chatquota"
	"github.com/stretchr/testify/assert"
)

func TestErrorHelpers(t *testing.T) {
	assert.True(t, cq.IsFatal(cq.ErrAuthFailed))
	assert.True(t, cq.IsFatal(fmt.Errorf("openai: %w", cq.ErrInvalidRequest)))
	assert.False(t, cq.IsFatal(cq.ErrRateLimited))

	assert.True(t, cq.IsRetryable(cq.ErrRateLimited))
	assert.True(t, cq.IsRetryable(cq.ErrUpstreamUnavailable))
	assert.False(t, cq.IsRetryable(cq.ErrAuthFailed))
	assert.False(t, cq.IsRetryable(cq.ErrQuotaExceeded))
}

func TestDeliveryError(t *testing.T) {
	cause := errors.New("connection reset")
	err := error(&cq.DeliveryError{TurnID: "t1", Err: cause})

	assert.ErrorIs(t, err, cq.ErrDeliveryFailed)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "turn=t1")
	assert.Contains(t, err.Error(), "connection reset")
	assert.True(t, cq.IsRetryable(err))
}

func TestDeniedError(t *testing.T) {
	err := error(&cq.DeniedError{Denial: cq.Denial{Message: "Daily token limit reached"}})

	assert.ErrorIs(t, err, cq.ErrQuotaExceeded)
	assert.NotErrorIs(t, err, cq.ErrDeliveryFailed)
	assert.Equal(t, "chatquota: turn denied: Daily token limit reached", err.Error())

	var de *cq.DeniedError
	assert.ErrorAs(t, fmt.Errorf("chat: %w", err), &de)
}

func TestNewDenial(t *testing.T) {
	reset := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)

	d := cq.NewDenial(cq.Decision{
		Limit:             cq.LimitMessages,
		RemainingTokens:   40,
		RemainingMessages: 0,
		ResetTime:         reset,
	})
	assert.Equal(t, cq.LimitMessages, d.Limit)
	assert.Equal(t, reset, d.ResetTime)
	assert.Equal(t,
		"Daily message limit reached: 0 messages / 40 tokens remaining today. Resets at Mar 11 00:00 UTC.",
		d.Message)

	d = cq.NewDenial(cq.Decision{Limit: cq.LimitTokens, RemainingTokens: 2, RemainingMessages: 3, ResetTime: reset})
	assert.Equal(t,
		"Daily token limit reached: 3 messages / 2 tokens remaining today. Resets at Mar 11 00:00 UTC.",
		d.Message)

	d = cq.NewDenial(cq.Decision{RemainingTokens: 50, RemainingMessages: 2, ResetTime: reset})
	assert.Equal(t, cq.LimitNone, d.Limit)
	assert.Equal(t,
		"Daily quota: 2 messages / 50 tokens remaining today. Resets at Mar 11 00:00 UTC.",
		d.Message)
}

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		text string
		want int64
	}{
		{"", 0},
		{"hi", 1},
		{"four", 1},
		{"hello", 2},
		{"Hello, how are you?", 5},
		{"привет", 2}, // counted in runes, not bytes
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cq.EstimateCost(tt.text), tt.text)
	}
}
