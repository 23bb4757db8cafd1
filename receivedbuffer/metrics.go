package receivedbuffer

import "github.com/prometheus/client_golang/prometheus"

var (
	undecryptableInbound = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mixclient_received_buffer_undecryptable_inbound_total",
		Help: "Inbound Sphinx packets that opened under neither the client's encryption key nor any pending reply key.",
	})
	fragmentUndeliverable = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mixclient_received_buffer_fragment_set_undeliverable_total",
		Help: "Fragment sets evicted from the reassembly table before completing.",
	})
	pendingDeliveriesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mixclient_received_buffer_pending_deliveries_dropped_total",
		Help: "Reassembled messages dropped because the pending-delivery buffer (no consumer registered) or the registered consumer's channel was full.",
	})
)

func init() {
	prometheus.MustRegister(undecryptableInbound, fragmentUndeliverable, pendingDeliveriesDropped)
}
