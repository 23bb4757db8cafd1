package topology

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"mixclientcore/identity"
	"mixclientcore/taskmanager"
)

type fakeFetcher struct {
	layers   [][]Node
	gateways []Node
	err      error
}

func (f *fakeFetcher) FetchNodes(ctx context.Context) ([][]Node, []Node, error) {
	return f.layers, f.gateways, f.err
}

func routableFixture() ([][]Node, []Node) {
	var id identity.NodeIdentity
	id[0] = 1
	node := Node{Identity: id, Address: "mix1:1789", Layer: 0}
	gw := Node{Identity: id, Address: "gateway1:1789", Layer: -1}
	return [][]Node{{node}}, []Node{gw}
}

func TestEnsureRoutableFailsOnEmptyTopology(t *testing.T) {
	accessor := NewAccessor()
	provider := NewGlobalProvider(&fakeFetcher{})
	r := NewRefresher(RefresherConfig{RefreshRate: time.Second}, accessor, provider)

	err := r.EnsureRoutable(context.Background())
	require.ErrorIs(t, err, ErrInsufficientNetworkTopology)
}

func TestEnsureRoutableSucceedsAndPublishes(t *testing.T) {
	layers, gateways := routableFixture()
	accessor := NewAccessor()
	provider := NewGlobalProvider(&fakeFetcher{layers: layers, gateways: gateways})
	r := NewRefresher(RefresherConfig{RefreshRate: time.Second}, accessor, provider)

	require.NoError(t, r.EnsureRoutable(context.Background()))
	require.True(t, accessor.Routable())
	require.Equal(t, uint64(1), accessor.Current().Version)
}

func TestDisabledRefresherMarksSuccessAndExitsImmediately(t *testing.T) {
	accessor := NewAccessor()
	provider := NewGlobalProvider(&fakeFetcher{})
	r := NewRefresher(RefresherConfig{DisableRefreshing: true}, accessor, provider)

	mgr := taskmanager.New()
	tc := mgr.Subscribe("topology-refresher")
	r.Start(tc)

	require.NoError(t, mgr.Wait(context.Background(), time.Second))
}

func TestPeriodicRefreshHonorsHalt(t *testing.T) {
	layers, gateways := routableFixture()
	accessor := NewAccessor()
	provider := NewGlobalProvider(&fakeFetcher{layers: layers, gateways: gateways})
	r := NewRefresher(RefresherConfig{RefreshRate: 10 * time.Millisecond}, accessor, provider)

	mgr := taskmanager.New()
	tc := mgr.Subscribe("topology-refresher")
	r.Start(tc)

	time.Sleep(50 * time.Millisecond)
	mgr.Shutdown()

	require.NoError(t, mgr.Wait(context.Background(), time.Second))
	require.True(t, accessor.Current().Version >= 1)
}

func TestPeriodicRefreshAdvancesOnFakeClock(t *testing.T) {
	layers, gateways := routableFixture()
	accessor := NewAccessor()
	provider := NewGlobalProvider(&fakeFetcher{layers: layers, gateways: gateways})
	fake := clockwork.NewFakeClock()
	r := NewRefresher(RefresherConfig{RefreshRate: time.Minute}, accessor, provider).WithClock(fake)

	mgr := taskmanager.New()
	tc := mgr.Subscribe("topology-refresher")
	r.Start(tc)

	fake.BlockUntil(1)
	fake.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return accessor.Current() != nil && accessor.Current().Version >= 1
	}, time.Second, time.Millisecond)

	mgr.Shutdown()
	require.NoError(t, mgr.Wait(context.Background(), time.Second))
}
