package revalidate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRefresher struct {
	mock.Mock
}

func (m *mockRefresher) Revalidate(ctx context.Context, showLoading bool) error {
	args := m.Called(ctx, showLoading)
	return args.Error(0)
}

type countingSweeper struct {
	calls atomic.Int32
}

func (s *countingSweeper) Sweep(context.Context) (int, error) {
	s.calls.Add(1)
	return 2, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunOnce_RefreshesSilentlyAndSwallowsErrors(t *testing.T) {
	ok := &mockRefresher{}
	ok.On("Revalidate", mock.Anything, false).Return(nil).Once()
	failing := &mockRefresher{}
	failing.On("Revalidate", mock.Anything, false).Return(errors.New("offline")).Once()

	s := NewScheduler(Config{Logger: discardLogger()})
	s.Register("matches", ok)
	s.Register("conversations", failing)

	assert.Equal(t, 1, s.RunOnce(context.Background()))
	ok.AssertExpectations(t)
	failing.AssertExpectations(t)
	assert.EqualValues(t, 1, s.Passes())
}

func TestRegister_ReplacesByName(t *testing.T) {
	first := &mockRefresher{}
	second := &mockRefresher{}
	second.On("Revalidate", mock.Anything, false).Return(nil).Once()

	s := NewScheduler(Config{Logger: discardLogger()})
	s.Register("matches", first)
	s.Register("matches", second)
	s.RunOnce(context.Background())

	first.AssertNotCalled(t, "Revalidate", mock.Anything, mock.Anything)
	second.AssertExpectations(t)

	s.Unregister("matches")
	s.RunOnce(context.Background())
	second.AssertNumberOfCalls(t, "Revalidate", 1)
}

func TestScheduler_TimerDrivesRefreshAndSweep(t *testing.T) {
	clk := clock.NewMock()
	r := &mockRefresher{}
	r.On("Revalidate", mock.Anything, false).Return(nil)
	sweeper := &countingSweeper{}

	s := NewScheduler(Config{Clock: clk, Logger: discardLogger(), Sweeper: sweeper})
	s.Register("current_user", r)
	s.Start(context.Background())

	clk.Add(DefaultInterval)
	require.Eventually(t, func() bool { return s.Passes() == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, sweeper.calls.Load())

	clk.Add(DefaultSweepInterval - DefaultInterval)
	require.Eventually(t, func() bool { return sweeper.calls.Load() == 1 }, time.Second, time.Millisecond)

	s.Stop()
	clk.Add(DefaultInterval)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 1, s.Passes(), "no pass after Stop")
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	s := NewScheduler(Config{Clock: clock.NewMock(), Logger: discardLogger()})
	s.Stop()
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

func TestScheduler_RestartsAfterContextEnds(t *testing.T) {
	clk := clock.NewMock()
	r := &mockRefresher{}
	r.On("Revalidate", mock.Anything, false).Return(nil)

	s := NewScheduler(Config{Clock: clk, Logger: discardLogger()})
	s.Register("matches", r)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	assert.True(t, s.Running())
	cancel()
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, time.Millisecond)

	s.Start(context.Background())
	t.Cleanup(s.Stop)
	assert.True(t, s.Running())

	clk.Add(DefaultInterval)
	require.Eventually(t, func() bool { return s.Passes() == 1 }, time.Second, time.Millisecond)
	r.AssertCalled(t, "Revalidate", mock.Anything, false)
}

func TestFocusTracker_FirstLoadShowsIndicator(t *testing.T) {
	ctx := context.Background()
	r := &mockRefresher{}
	r.On("Revalidate", mock.Anything, true).Return(nil).Once()
	r.On("Revalidate", mock.Anything, false).Return(nil).Once()

	f := NewFocusTracker(discardLogger())
	require.NoError(t, f.Focus(ctx, "matches-screen", r))
	require.NoError(t, f.Focus(ctx, "matches-screen", r))
	r.AssertExpectations(t)
}

func TestFocusTracker_FlagIsPerConsumer(t *testing.T) {
	ctx := context.Background()
	r := &mockRefresher{}
	r.On("Revalidate", mock.Anything, true).Return(nil).Twice()

	f := NewFocusTracker(discardLogger())
	require.NoError(t, f.Focus(ctx, "chat-list", r))
	require.NoError(t, f.Focus(ctx, "chat-badge", r))
	r.AssertExpectations(t)
	assert.True(t, f.Loaded("chat-list"))
	assert.True(t, f.Loaded("chat-badge"))
}

func TestFocusTracker_FailedFirstLoadStaysFirst(t *testing.T) {
	ctx := context.Background()
	r := &mockRefresher{}
	r.On("Revalidate", mock.Anything, true).Return(errors.New("offline")).Once()
	r.On("Revalidate", mock.Anything, true).Return(nil).Once()
	r.On("Revalidate", mock.Anything, false).Return(errors.New("offline")).Once()

	f := NewFocusTracker(discardLogger())
	assert.Error(t, f.Focus(ctx, "profile", r))
	assert.False(t, f.Loaded("profile"))
	require.NoError(t, f.Focus(ctx, "profile", r))
	assert.NoError(t, f.Focus(ctx, "profile", r), "silent revalidation errors are swallowed")
	r.AssertExpectations(t)

	f.Forget("profile")
	assert.False(t, f.Loaded("profile"))
}
