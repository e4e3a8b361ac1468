package chatquota_test

import (
	"testing"
	"time"
	_ "time/tzdata"

	cq "github.com/ineyio/chatquota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// zoneClock is frozen at now with days bounded by midnight in its zone.
type zoneClock struct {
	cq.SystemClock
	now time.Time
}

func (c zoneClock) Now() time.Time { return c.now }

func TestSystemClock_StartOfDay(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	c := cq.NewSystemClock(loc)

	// 20:00 UTC is already the next day in Tokyo.
	got := c.StartOfDay(time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC))
	assert.True(t, got.Equal(time.Date(2026, 3, 11, 0, 0, 0, 0, loc)))
	assert.Equal(t, loc, c.Now().Location())
}

func TestSystemClock_NilLocationIsLocal(t *testing.T) {
	assert.Equal(t, time.Local, cq.NewSystemClock(nil).Location)

	var zero cq.SystemClock
	now := time.Now()
	assert.True(t, zero.StartOfDay(now).Equal(
		time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)))
}

func TestResetTime_AcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"ordinary day", time.Date(2026, 3, 7, 12, 0, 0, 0, loc), time.Date(2026, 3, 8, 0, 0, 0, 0, loc)},
		{"23h day", time.Date(2026, 3, 8, 12, 0, 0, 0, loc), time.Date(2026, 3, 9, 0, 0, 0, 0, loc)},
		{"25h day", time.Date(2026, 11, 1, 12, 0, 0, 0, loc), time.Date(2026, 11, 2, 0, 0, 0, 0, loc)},
		{"just before midnight", time.Date(2026, 11, 1, 23, 59, 0, 0, loc), time.Date(2026, 11, 2, 0, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := cq.NewManager(cq.WithClock(zoneClock{SystemClock: cq.NewSystemClock(loc), now: tt.now}))
			got := m.GetUsageInfo("s1").ResetTime
			assert.True(t, got.Equal(tt.want), "got %s, want %s", got, tt.want)
		})
	}
}
