package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/mail.v2"
)

type fakeDialer struct {
	failures int
	calls    int
}

func (d *fakeDialer) DialAndSend(m ...*mail.Message) error {
	d.calls++
	if d.calls <= d.failures {
		return errors.New("421 try later")
	}
	return nil
}

func newTestSMTP(d dialer) *SMTPSender {
	return &SMTPSender{dialer: d, from: "no-reply@shop.test", attempts: 3, backoff: time.Millisecond, logger: zap.NewNop().Sugar()}
}

func TestSMTPSender_RetriesThenSucceeds(t *testing.T) {
	d := &fakeDialer{failures: 2}
	err := newTestSMTP(d).Send(context.Background(), OTPEmail("a@b.com", "123456", 5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, d.calls)
}

func TestSMTPSender_GivesUp(t *testing.T) {
	d := &fakeDialer{failures: 10}
	err := newTestSMTP(d).Send(context.Background(), OTPEmail("a@b.com", "123456", 5*time.Minute))
	require.Error(t, err)
	assert.Equal(t, 3, d.calls)
}

func TestSMTPSender_RejectsPhoneDestination(t *testing.T) {
	d := &fakeDialer{}
	err := newTestSMTP(d).Send(context.Background(), Message{To: "0912345678", Text: "x"})
	require.ErrorIs(t, err, ErrUnsupportedDestination)
	assert.Zero(t, d.calls)
}

func TestOTPEmail(t *testing.T) {
	m := OTPEmail("a@b.com", "042917", 5*time.Minute)
	assert.Equal(t, "a@b.com", m.To)
	assert.Contains(t, m.Text, "042917")
	assert.Contains(t, m.Text, "5 minutes")
	assert.Contains(t, m.HTML, "042917")
}

type senderFunc func(ctx context.Context, msg Message) error

func (f senderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

func TestAsyncSender_ReturnsDeliveryResult(t *testing.T) {
	boom := errors.New("smtp down")
	a := NewAsyncSender(senderFunc(func(ctx context.Context, msg Message) error {
		if msg.To == "fail@b.com" {
			return boom
		}
		return nil
	}), 2, zap.NewNop().Sugar())
	a.Start(context.Background())
	defer a.Close()

	require.NoError(t, a.Send(context.Background(), Message{To: "ok@b.com"}))
	require.ErrorIs(t, a.Send(context.Background(), Message{To: "fail@b.com"}), boom)
}

func TestAsyncSender_RunsConcurrently(t *testing.T) {
	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	a := NewAsyncSender(senderFunc(func(ctx context.Context, msg Message) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return nil
	}), 3, zap.NewNop().Sugar())
	a.Start(context.Background())
	defer a.Close()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Send(context.Background(), Message{To: "a@b.com"}))
		}()
	}
	require.Eventually(t, func() bool { return peak.Load() == 3 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
}

func TestAsyncSender_RecoversPanics(t *testing.T) {
	a := NewAsyncSender(senderFunc(func(ctx context.Context, msg Message) error {
		panic("template exploded")
	}), 1, zap.NewNop().Sugar())
	a.Start(context.Background())
	defer a.Close()

	err := a.Send(context.Background(), Message{To: "a@b.com"})
	require.Error(t, err)
	// the worker survived
	err = a.Send(context.Background(), Message{To: "a@b.com"})
	require.Error(t, err)
}

func TestAsyncSender_HonoursCallerContext(t *testing.T) {
	block := make(chan struct{})
	a := NewAsyncSender(senderFunc(func(ctx context.Context, msg Message) error {
		<-block
		return nil
	}), 1, zap.NewNop().Sugar())
	a.Start(context.Background())
	defer func() { close(block); a.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, a.Send(ctx, Message{To: "a@b.com"}), context.DeadlineExceeded)
}

func TestAsyncSender_Closed(t *testing.T) {
	a := NewAsyncSender(senderFunc(func(ctx context.Context, msg Message) error { return nil }), 1, zap.NewNop().Sugar())
	a.Start(context.Background())
	a.Close()
	err := a.Send(context.Background(), Message{To: "a@b.com"})
	// the buffered queue may still accept the job; either way it never succeeds silently
	require.ErrorIs(t, err, ErrClosed)
}

func TestAsyncSender_WorkersStoppedFailsFast(t *testing.T) {
	a := NewAsyncSender(senderFunc(func(ctx context.Context, msg Message) error { return nil }), 2, zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	a.Start(ctx)
	cancel()
	<-a.stopped

	done := make(chan error, 1)
	go func() { done <- a.Send(context.Background(), Message{To: "a@b.com"}) }()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Send blocked after the workers exited")
	}
	a.Close()
}

func TestAsyncSender_CloseDrainsInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	a := NewAsyncSender(senderFunc(func(ctx context.Context, msg Message) error {
		close(started)
		<-release
		return nil
	}), 1, zap.NewNop().Sugar())
	a.Start(context.Background())

	done := make(chan error, 1)
	go func() { done <- a.Send(context.Background(), Message{To: "a@b.com"}) }()
	<-started
	closed := make(chan struct{})
	go func() {
		a.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a delivery was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-closed
	<-done
}
