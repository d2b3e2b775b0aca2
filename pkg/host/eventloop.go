package host

import (
	"context"
	"errors"
	"sync"
)

var errAlreadyRunning = errors.New("event loop is already running")

// EventLoop is a FIFO mailbox drained by a single goroutine, the "main
// thread" of a headless host. Callbacks posted from any goroutine run one at
// a time in posting order.
type EventLoop struct {
	mu      sync.Mutex
	queue   []func()
	notify  chan struct{}
	running bool
}

func NewEventLoop() *EventLoop {
	return &EventLoop{notify: make(chan struct{}, 1)}
}

// Post enqueues fn. It never blocks.
func (l *EventLoop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued callbacks
func (l *EventLoop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Run executes callbacks on the calling goroutine until ctx is done. Callbacks
// already queued when ctx ends still run, since their posters wait on them.
func (l *EventLoop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return errAlreadyRunning
	}
	l.running = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	for {
		l.drain()
		select {
		case <-ctx.Done():
			l.drain()
			return ctx.Err()
		case <-l.notify:
		}
	}
}

func (l *EventLoop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}
