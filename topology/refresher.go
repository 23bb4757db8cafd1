package topology

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/op/go-logging"

	"mixclientcore/taskmanager"
)

var log = logging.MustGetLogger("topology")

// ErrInsufficientNetworkTopology is returned when the initial synchronous
// refresh produces a snapshot that is not routable (spec §4.2: "fail
// startup with InsufficientNetworkTopology").
var ErrInsufficientNetworkTopology = errors.New("topology: insufficient network topology to route any packets")

// RefresherConfig bounds the refresher's polling loop.
type RefresherConfig struct {
	RefreshRate       time.Duration
	DisableRefreshing bool
}

// Refresher implements the topology accessor's refresh algorithm
// (spec §4.2): one synchronous refresh at startup that must produce a
// routable snapshot, then periodic background refreshes thereafter
// unless disabled.
type Refresher struct {
	cfg      RefresherConfig
	accessor *Accessor
	provider Provider
	clock    clockwork.Clock
}

// NewRefresher constructs a Refresher publishing into accessor via
// provider.
func NewRefresher(cfg RefresherConfig, accessor *Accessor, provider Provider) *Refresher {
	return &Refresher{cfg: cfg, accessor: accessor, provider: provider, clock: clockwork.NewRealClock()}
}

// WithClock overrides the refresher's clock source, letting tests drive
// the periodic refresh loop without a real sleep (grounded on the
// teacher's session/arq.go ARQ, which takes the same clockwork.Clock
// injection for its own retry timer).
func (r *Refresher) WithClock(clock clockwork.Clock) *Refresher {
	r.clock = clock
	return r
}

// TryRefresh performs one fetch-and-publish cycle, logging but not
// returning fetch errors (mirrors the teacher's "try_refresh" which never
// fails startup on transient fetch errors — only non-routability does).
func (r *Refresher) TryRefresh(ctx context.Context) {
	snap, err := r.provider.GetTopology(ctx)
	if err != nil {
		log.Errorf("topology refresh failed: %v", err)
		return
	}
	r.accessor.Publish(snap)
}

// EnsureRoutable performs an initial synchronous refresh and returns
// ErrInsufficientNetworkTopology if the resulting snapshot is not
// routable.
func (r *Refresher) EnsureRoutable(ctx context.Context) error {
	log.Info("obtaining initial network topology")
	r.TryRefresh(ctx)
	if !r.accessor.Routable() {
		return ErrInsufficientNetworkTopology
	}
	return nil
}

// Start runs the periodic refresh loop under the task supervisor. If
// refreshing is disabled, it marks the task client as a clean success
// immediately instead of looping, matching the teacher's
// "shutdown.mark_as_success()" behavior for a refresher that never starts.
func (r *Refresher) Start(tc *taskmanager.Client) {
	if r.cfg.DisableRefreshing {
		log.Info("topology refresher is not going to be started")
		tc.MarkSuccess()
		tc.Done(nil)
		return
	}

	go func() {
		ticker := r.clock.NewTicker(r.cfg.RefreshRate)
		defer ticker.Stop()
		for {
			select {
			case <-tc.HaltCh():
				tc.Done(nil)
				return
			case <-ticker.Chan():
				r.TryRefresh(context.Background())
			}
		}
	}()
}
