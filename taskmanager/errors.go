package taskmanager

import "errors"

// ErrSupervisorDeadlineExceeded is returned by Manager.Wait when not every
// subscribed task completed draining before the global shutdown deadline.
var ErrSupervisorDeadlineExceeded = errors.New("taskmanager: supervisor deadline exceeded waiting for task drain")
