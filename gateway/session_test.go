package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mixclientcore/config"
	"mixclientcore/taskmanager"
)

// TestSessionCloseUnblocksParkedReadPump regression-tests the shutdown
// ordering spec §4.1 requires: readPump's blocking transport.Receive()
// call only notices tc.HaltCh() between reads, so a session idling on an
// empty connection must be unblocked by Close() itself, not by
// HaltCh alone, or a clean shutdown would stall until the supervisor
// deadline.
func TestSessionCloseUnblocksParkedReadPump(t *testing.T) {
	clientSide, _ := newPipe()

	s := NewSession(Endpoint{}, config.CredentialsDisabled, nil, time.Second)
	s.transport = clientSide

	mgr := taskmanager.New()
	tc := mgr.Subscribe("gateway-session")
	s.Start(tc)

	// Give readPump a chance to park inside the blocking Receive() call
	// on the still-open pipe before Close() is exercised.
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, s.Close())

	mgr.Shutdown()
	require.NoError(t, mgr.Wait(context.Background(), time.Second))
}
