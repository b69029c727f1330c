package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("notification dispatcher closed")

type job struct {
	ctx  context.Context
	msg  Message
	done chan error
}

// AsyncSender runs deliveries on a fixed pool of workers. Send blocks until
// its job finished, so the request path gets the delivery error back.
type AsyncSender struct {
	next    Sender
	workers int
	jobs    chan job
	quit    chan struct{}
	// stopped is closed once every worker has returned.
	stopped chan struct{}
	logger  *zap.SugaredLogger

	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

func NewAsyncSender(next Sender, workers int, logger *zap.SugaredLogger) *AsyncSender {
	if workers <= 0 {
		workers = 1
	}
	return &AsyncSender{
		next:    next,
		workers: workers,
		jobs:    make(chan job, workers*4),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger,
	}
}

// Start launches the workers. They stop when ctx is done or Close is called.
// Pending and later Send calls then fail with ErrClosed.
func (a *AsyncSender) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		for i := 0; i < a.workers; i++ {
			a.wg.Add(1)
			go a.work(ctx)
		}
		go func() {
			a.wg.Wait()
			close(a.stopped)
		}()
	})
}

// Close stops the workers and waits for in-flight deliveries.
func (a *AsyncSender) Close() {
	a.closeOnce.Do(func() { close(a.quit) })
	a.wg.Wait()
}

func (a *AsyncSender) Send(ctx context.Context, msg Message) error {
	j := job{ctx: ctx, msg: msg, done: make(chan error, 1)}
	select {
	case a.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.quit:
		return ErrClosed
	case <-a.stopped:
		return ErrClosed
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-a.quit:
		return ErrClosed
	case <-a.stopped:
		return ErrClosed
	}
}

func (a *AsyncSender) work(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case j := <-a.jobs:
			j.done <- a.deliver(j)
		case <-a.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *AsyncSender) deliver(j job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			a.logger.Errorw("notification worker panic", "panic", p)
			err = fmt.Errorf("notification worker panic: %v", p)
		}
	}()
	if err := j.ctx.Err(); err != nil {
		return err
	}
	return a.next.Send(j.ctx, j.msg)
}
