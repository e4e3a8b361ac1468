package chatquota_test

import (
	"context"
	"errors"
	"testing"
	"time"

	cq "github.com/ineyio/chatquota"
	"github.com/ineyio/chatquota/source"
	"github.com/ineyio/chatquota/upstream/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reserveTurn(t *testing.T, m *cq.Manager, sessionID, prompt string) cq.Reservation {
	t.Helper()
	d := m.CheckAndReserve(sessionID, cq.EstimateCost(prompt))
	require.True(t, d.Allowed)
	return d.Reservation
}

func drain(t *testing.T, src cq.ChunkSource) cq.Snapshot {
	t.Helper()
	var last cq.Snapshot
	for snap := range cq.NewAssembler().Consume(context.Background(), "t1", src) {
		last = snap
	}
	return last
}

func TestAccountedSource_CompletedReplyCommitsPromptAndReply(t *testing.T) {
	m, _ := newTestManager(t, cq.Limits{DailyTokens: 100, DailyMessages: 5})
	res := reserveTurn(t, m, "s1", "hello there") // 3 tokens

	src := cq.NewAccountedSource(source.Slice("Hello, ", "world"), m, res)
	last := drain(t, src)

	assert.Equal(t, cq.StateCompleted, last.State)
	assert.Equal(t, "Hello, world", src.Reply())
	assert.NoError(t, src.Err())

	u := m.GetUsageInfo("s1")
	assert.Equal(t, int64(3+3), u.TokensUsed)
	assert.Equal(t, int64(1), u.MessagesUsed)
}

func TestAccountedSource_PartialReplyCommitsDelivered(t *testing.T) {
	boom := errors.New("connection reset")
	m, _ := newTestManager(t, cq.Limits{DailyTokens: 100, DailyMessages: 5})
	res := reserveTurn(t, m, "s1", "hello there")

	src := cq.NewAccountedSource(source.Failing(boom, "Hel"), m, res)
	last := drain(t, src)

	assert.Equal(t, cq.StateFailed, last.State)
	assert.ErrorIs(t, src.Err(), boom)

	u := m.GetUsageInfo("s1")
	assert.Equal(t, int64(3+1), u.TokensUsed)
	assert.Equal(t, int64(1), u.MessagesUsed)
}

func TestAccountedSource_NothingDeliveredRollsBack(t *testing.T) {
	rec := &recordingMeter{}
	m, _ := newTestManager(t, cq.Limits{DailyTokens: 100, DailyMessages: 5}, cq.WithMeter(rec))
	res := reserveTurn(t, m, "s1", "hello there")

	src := cq.NewAccountedSource(source.Failing(errors.New("refused")), m, res)
	drain(t, src)

	u := m.GetUsageInfo("s1")
	assert.Equal(t, int64(0), u.TokensUsed)
	assert.Equal(t, int64(0), u.MessagesUsed)

	require.Len(t, rec.settles, 1)
	assert.True(t, rec.settles[0].RolledBack)
	assert.Equal(t, int64(3), rec.settles[0].Reserved)
}

func TestAccountedSource_EmptyCompletedReplyIsCharged(t *testing.T) {
	m, _ := newTestManager(t, cq.Limits{DailyTokens: 100, DailyMessages: 5})
	res := reserveTurn(t, m, "s1", "hello there")

	drain(t, cq.NewAccountedSource(source.Slice(), m, res))

	u := m.GetUsageInfo("s1")
	assert.Equal(t, int64(3), u.TokensUsed)
	assert.Equal(t, int64(1), u.MessagesUsed)
}

func TestAccountedSource_CancelledBeforeFirstFragmentRollsBack(t *testing.T) {
	m, _ := newTestManager(t, cq.Limits{DailyTokens: 100, DailyMessages: 5})
	res := reserveTurn(t, m, "s1", "hello there")

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan string)
	src := cq.NewAccountedSource(source.FromChan(ch), m, res)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	for range cq.NewAssembler().Consume(ctx, "t1", src) {
	}

	u := m.GetUsageInfo("s1")
	assert.Equal(t, int64(0), u.TokensUsed)
	assert.Equal(t, int64(0), u.MessagesUsed)
}

func TestAccountedSource_UpstreamUsageWins(t *testing.T) {
	m, _ := newTestManager(t, cq.Limits{DailyTokens: 100, DailyMessages: 5})
	res := reserveTurn(t, m, "s1", "hello there")

	up := mock.New(mock.WithFragments("Hi"), mock.WithUsage(42))
	inner, err := up.Stream(context.Background(), nil)
	require.NoError(t, err)

	drain(t, cq.NewAccountedSource(inner, m, res))

	assert.Equal(t, int64(42), m.GetUsageInfo("s1").TokensUsed)
}

func TestAccountedSource_UpstreamUsageIgnoredOnFailure(t *testing.T) {
	m, _ := newTestManager(t, cq.Limits{DailyTokens: 100, DailyMessages: 5})
	res := reserveTurn(t, m, "s1", "hello there")

	up := mock.New(
		mock.WithFragments("Hell"),
		mock.WithStreamError(cq.ErrUpstreamUnavailable),
		mock.WithUsage(42),
	)
	inner, err := up.Stream(context.Background(), nil)
	require.NoError(t, err)

	drain(t, cq.NewAccountedSource(inner, m, res))

	assert.Equal(t, int64(3+1), m.GetUsageInfo("s1").TokensUsed)
}

func TestAccountedSource_CommitClampedToBudget(t *testing.T) {
	m, _ := newTestManager(t, cq.Limits{DailyTokens: 50, DailyMessages: 5})
	res := reserveTurn(t, m, "s1", "hello there")

	up := mock.New(mock.WithUsage(1000))
	inner, err := up.Stream(context.Background(), nil)
	require.NoError(t, err)

	drain(t, cq.NewAccountedSource(inner, m, res))

	u := m.GetUsageInfo("s1")
	assert.Equal(t, int64(50), u.TokensUsed)
	assert.Equal(t, int64(0), u.TokensRemaining)
}

func TestAccountedSource_CloseIsIdempotent(t *testing.T) {
	rec := &recordingMeter{}
	m, _ := newTestManager(t, cq.Limits{DailyTokens: 100, DailyMessages: 5}, cq.WithMeter(rec))
	res := reserveTurn(t, m, "s1", "hello there")

	inner := source.Slice("Hello")
	src := cq.NewAccountedSource(inner, m, res)
	drain(t, src)
	require.True(t, inner.Closed())

	require.NoError(t, src.Close())
	assert.Len(t, rec.settles, 1)
	assert.Equal(t, int64(3+2), m.GetUsageInfo("s1").TokensUsed)
}

func TestAccountedSource_SettleErrorReported(t *testing.T) {
	rec := &recordingMeter{}
	m, clock := newTestManager(t,
		cq.Limits{DailyTokens: 100, DailyMessages: 5, IdleTimeout: time.Minute},
		cq.WithMeter(rec),
	)
	res := reserveTurn(t, m, "s1", "hello there")

	src := cq.NewAccountedSource(source.Slice("Hello"), m, res)
	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, m.EvictIdle())

	drain(t, src)

	require.Len(t, rec.settles, 1)
	assert.ErrorIs(t, rec.settles[0].Error, cq.ErrReservationNotFound)
	assert.Equal(t, "s1", rec.settles[0].SessionID)
	assert.False(t, rec.settles[0].RolledBack)
}
