package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(h, m, s int) time.Time { return time.Date(2025, 4, 10, h, m, s, 0, time.UTC) }

func TestHourlyNext(t *testing.T) {
	assert.Equal(t, at(11, 0, 0), Hourly().Next(at(10, 0, 0)))
	assert.Equal(t, at(11, 0, 0), Hourly().Next(at(10, 59, 59)))
	assert.Equal(t, time.Date(2025, 4, 11, 0, 0, 0, 0, time.UTC), Hourly().Next(at(23, 30, 0)))
}

func TestDailyAtNext(t *testing.T) {
	d := DailyAt(3, 0)
	assert.Equal(t, at(3, 0, 0), d.Next(at(2, 59, 0)))
	assert.Equal(t, time.Date(2025, 4, 11, 3, 0, 0, 0, time.UTC), d.Next(at(3, 0, 0)))
	assert.Equal(t, time.Date(2025, 4, 11, 3, 0, 0, 0, time.UTC), d.Next(at(12, 0, 0)))
}

func startScheduler(t *testing.T, clock *clockwork.FakeClock, jobs ...Job) {
	t.Helper()
	s := New(nil, WithClock(clock))
	for _, j := range jobs {
		s.Add(j)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitTimers(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, n))
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
		return ""
	}
}

func TestJobsFireOnTheirCadence(t *testing.T) {
	clock := clockwork.NewFakeClockAt(at(2, 30, 0))
	ran := make(chan string, 8)
	job := func(name string) func(context.Context) (int64, error) {
		return func(context.Context) (int64, error) {
			ran <- name
			return 1, nil
		}
	}
	startScheduler(t, clock,
		Job{Name: "otp", Schedule: Hourly(), Run: job("otp")},
		Job{Name: "refresh", Schedule: DailyAt(3, 0), Run: job("refresh")},
	)

	waitTimers(t, clock, 2)
	clock.Advance(30 * time.Minute)
	got := []string{recv(t, ran), recv(t, ran)}
	assert.ElementsMatch(t, []string{"otp", "refresh"}, got)

	waitTimers(t, clock, 2)
	clock.Advance(time.Hour)
	assert.Equal(t, "otp", recv(t, ran))
	assert.Empty(t, ran)
}

func TestFailingJobKeepsSchedule(t *testing.T) {
	clock := clockwork.NewFakeClockAt(at(9, 59, 0))
	ran := make(chan string, 8)
	calls := 0
	startScheduler(t, clock, Job{Name: "flaky", Schedule: Hourly(), Run: func(context.Context) (int64, error) {
		calls++
		ran <- "flaky"
		switch calls {
		case 1:
			panic("boom")
		case 2:
			return 0, errors.New("db down")
		}
		return 3, nil
	}})

	for i := 0; i < 3; i++ {
		waitTimers(t, clock, 1)
		clock.Advance(time.Hour)
		assert.Equal(t, "flaky", recv(t, ran))
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	clock := clockwork.NewFakeClockAt(at(0, 0, 0))
	s := New(nil, WithClock(clock))
	s.Add(Job{Name: "idle", Schedule: DailyAt(3, 0), Run: func(context.Context) (int64, error) { return 0, nil }})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	waitTimers(t, clock, 1)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
