package taskmanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShutdownBroadcastsToAllSubscribers(t *testing.T) {
	m := New()
	a := m.Subscribe("a")
	b := m.Subscribe("b")

	m.Go(a, func(c *Client) error {
		<-c.HaltCh()
		return nil
	})
	m.Go(b, func(c *Client) error {
		<-c.HaltCh()
		return nil
	})

	m.Shutdown()
	err := m.Wait(context.Background(), time.Second)
	require.NoError(t, err)
}

func TestFatalErrorTriggersGlobalShutdown(t *testing.T) {
	m := New()
	a := m.Subscribe("a")
	b := m.Subscribe("b")

	boom := errors.New("boom")
	m.Go(a, func(c *Client) error {
		return boom
	})
	m.Go(b, func(c *Client) error {
		<-c.HaltCh()
		return nil
	})

	err := m.Wait(context.Background(), time.Second)
	require.ErrorIs(t, err, boom)
}

func TestWaitDeadlineExceeded(t *testing.T) {
	m := New()
	a := m.Subscribe("stuck")
	m.Go(a, func(c *Client) error {
		<-c.HaltCh()
		time.Sleep(time.Hour)
		return nil
	})

	err := m.Wait(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, ErrSupervisorDeadlineExceeded)
	m.Shutdown()
}
