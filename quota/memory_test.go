package quota_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/chatquota"
	"github.com/ineyio/chatquota/quota"
)

func TestMemoryStore_OrderFollowsPut(t *testing.T) {
	s := quota.NewMemoryStore(10)

	s.Put(&chatquota.Session{ID: "a"})
	s.Put(&chatquota.Session{ID: "b"})
	s.Put(&chatquota.Session{ID: "c"})
	assert.Equal(t, []string{"a", "b", "c"}, s.IDs())

	// Re-putting moves a session to the newest end.
	a, ok := s.Get("a")
	require.True(t, ok)
	s.Put(a)
	assert.Equal(t, []string{"b", "c", "a"}, s.IDs())

	oldest, ok := s.Oldest()
	require.True(t, ok)
	assert.Equal(t, "b", oldest.ID)
}

func TestMemoryStore_GetDoesNotRefresh(t *testing.T) {
	s := quota.NewMemoryStore(10)
	s.Put(&chatquota.Session{ID: "a"})
	s.Put(&chatquota.Session{ID: "b"})

	_, ok := s.Get("a")
	require.True(t, ok)

	oldest, ok := s.Oldest()
	require.True(t, ok)
	assert.Equal(t, "a", oldest.ID)
}

func TestMemoryStore_Delete(t *testing.T) {
	s := quota.NewMemoryStore(10)
	s.Put(&chatquota.Session{ID: "a"})
	s.Delete("a")
	s.Delete("missing")

	_, ok := s.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())

	_, ok = s.Oldest()
	assert.False(t, ok)
}

func TestMemoryStore_NonPositiveCapacity(t *testing.T) {
	s := quota.NewMemoryStore(0)
	s.Put(&chatquota.Session{ID: "a"})
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_WithManagerCapacityEviction(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &stepClock{now: now}

	store := quota.NewMemoryStore(3)
	m := chatquota.NewManager(
		chatquota.WithLimits(chatquota.Limits{
			DailyTokens:   100,
			DailyMessages: 10,
			IdleTimeout:   time.Hour,
			MaxSessions:   3,
		}),
		chatquota.WithClock(clock),
		chatquota.WithStore(store),
	)

	for _, id := range []string{"s1", "s2", "s3"} {
		require.True(t, m.CheckAndReserve(id, 1).Allowed)
		clock.now = clock.now.Add(time.Minute)
	}

	// s1 becomes the most recently active; s2 is now the eviction candidate.
	require.True(t, m.CheckAndReserve("s1", 1).Allowed)
	require.True(t, m.CheckAndReserve("s4", 1).Allowed)

	assert.Equal(t, 3, store.Len())
	assert.Equal(t, []string{"s3", "s1", "s4"}, store.IDs())
}

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time { return c.now }

func (c *stepClock) StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
