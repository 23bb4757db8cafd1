// Package taskmanager implements the task supervisor described by the
// client core: a single cancellation token broadcast to every long-lived
// task, fan-out shutdown, and a bounded wait for drain completion.
//
// The shape mirrors the teacher's worker.Worker/HaltCh() convention (see
// session/session.go and session/arq.go: every task loop selects on
// s.HaltCh() and terminates gracefully), generalized into a reusable,
// explicit supervisor instead of an implicit embedded type, since the
// client core treats shutdown fan-out as a first-class component.
package taskmanager

import (
	"context"
	"sync"
	"time"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("taskmanager")

// Client is the handle a single long-lived task holds. It is obtained via
// Manager.Subscribe and must be included in every select loop's case set.
type Client struct {
	name    string
	m       *Manager
	haltCh  chan struct{}
	once    sync.Once
	success bool
}

// HaltCh yields the shutdown token. A task observes it in its select set
// alongside its work channels and timers.
func (c *Client) HaltCh() <-chan struct{} {
	return c.haltCh
}

// MarkSuccess records that this task's early exit (e.g. a disabled
// refresher never starting its loop) should not be treated as a fatal
// error by the supervisor.
func (c *Client) MarkSuccess() {
	c.success = true
}

// Done signals that the task has finished draining and may be counted as
// complete. err is nil for a clean exit; a non-nil err is fatal and
// triggers a broadcast shutdown of every other task.
func (c *Client) Done(err error) {
	c.m.taskDone(c, err)
}

// Manager is the task supervisor (spec §4.8). One Manager is created per
// running client; every component subscribes for a Client handle before
// its goroutine is spawned.
type Manager struct {
	mu       sync.Mutex
	clients  []*Client
	pending  int
	firstErr error
	closed   bool
	doneCh   chan struct{}
	doneOnce sync.Once
}

// New creates a Manager with no subscribers.
func New() *Manager {
	return &Manager{
		doneCh: make(chan struct{}),
	}
}

// Subscribe registers a new task under the given name and returns its
// Client handle. Call this before spawning the task's goroutine.
func (m *Manager) Subscribe(name string) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := &Client{
		name:   name,
		m:      m,
		haltCh: make(chan struct{}),
	}
	m.clients = append(m.clients, c)
	m.pending++
	return c
}

// Go spawns fn in its own goroutine and arranges for its return value to
// be reported back to the supervisor via Client.Done.
func (m *Manager) Go(c *Client, fn func(*Client) error) {
	go func() {
		err := fn(c)
		c.Done(err)
	}()
}

func (m *Manager) taskDone(c *Client, err error) {
	m.mu.Lock()
	log.Debugf("task %q completed, err=%v", c.name, err)
	if err != nil && m.firstErr == nil {
		m.firstErr = err
	}
	fatal := err != nil
	m.pending--
	remaining := m.pending
	m.mu.Unlock()

	if fatal {
		m.Shutdown()
	}
	if remaining <= 0 {
		m.doneOnce.Do(func() { close(m.doneCh) })
	}
}

// Shutdown broadcasts the cancellation token to every subscribed task.
// Safe to call multiple times and from any goroutine.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, c := range m.clients {
		close(c.haltCh)
	}
}

// Wait blocks until every subscribed task has called Done, or until
// deadline elapses, whichever comes first. It returns the first fatal
// error encountered by any task, or a deadline-exceeded error.
func (m *Manager) Wait(ctx context.Context, deadline time.Duration) error {
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-m.doneCh:
	case <-timer.C:
		return ErrSupervisorDeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firstErr
}
