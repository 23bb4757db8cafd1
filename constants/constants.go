// Package constants contains the client-wide constants for the mixnet
// client core: wire sizes, timing defaults, and key-material lengths.
package constants

import "time"

const (
	// MessageIDLength is the length in bytes of a fragment set's shared
	// message identifier.
	MessageIDLength = 5

	// FragmentIDLength is the length in bytes of a single fragment's
	// identifier (used as the ack-matching key).
	FragmentIDLength = 5

	// SURBIDLength is the length in bytes of a SURB identifier.
	SURBIDLength = 16

	// SenderTagLength is the length in bytes of the anonymous sender tag
	// attached to a SURB-bearing message.
	SenderTagLength = 16

	// NodeIdentityLength is the length in bytes of a mix/gateway identity
	// public key.
	NodeIdentityLength = 32

	// EncryptionKeyLength is the length in bytes of an X25519 public key.
	EncryptionKeyLength = 32

	// RecipientLength is the wire length of a serialized Recipient: the
	// concatenation of an identity key, an encryption key, and a gateway
	// identity key.
	RecipientLength = NodeIdentityLength + EncryptionKeyLength + NodeIdentityLength

	// FragmentPayloadLength is the fixed plaintext size of one Sphinx
	// packet's payload fragment, excluding the ack reply block.
	FragmentPayloadLength = 1024

	// DefaultNumberOfHops is the number of mix hops a packet route
	// traverses, excluding the gateway.
	DefaultNumberOfHops = 3

	// DefaultAverageAckDelay is the default for
	// AcknowledgementsConfig.AverageAckDelay. No code in this module reads
	// that setting; packets built by sphinxpacket carry no per-hop delays.
	DefaultAverageAckDelay = 50 * time.Millisecond

	// DefaultAveragePacketDelay is the mean packet-emission interarrival
	// time used by the real traffic controller.
	DefaultAveragePacketDelay = 100 * time.Millisecond

	// DefaultAverageCoverDelay is the mean interarrival time of loop cover
	// traffic.
	DefaultAverageCoverDelay = 200 * time.Millisecond

	// DefaultTopologyRefreshRate is how often the topology refresher polls
	// the TopologyProvider.
	DefaultTopologyRefreshRate = 1 * time.Minute

	// DefaultRetransmitBaseDelay is the initial retransmit deadline used by
	// the real traffic controller's retransmitter.
	DefaultRetransmitBaseDelay = 3 * time.Second

	// DefaultRetransmitMaxDelay caps the exponential retransmit backoff.
	DefaultRetransmitMaxDelay = 2 * time.Minute

	// DefaultRetransmitJitter is the uniform jitter fraction (+/-) applied
	// to each retransmit deadline.
	DefaultRetransmitJitter = 0.1

	// DefaultMaxRetransmissions bounds the number of times a single
	// fragment may be retransmitted before it is declared undeliverable.
	DefaultMaxRetransmissions = 5

	// DefaultReassemblyWindow is the bounded size of the received-buffer
	// reassembly table (fragment sets awaiting completion).
	DefaultReassemblyWindow = 256

	// DefaultDedupeWindow is the bounded size of the recently-delivered
	// message_id LRU used for dedupe.
	DefaultDedupeWindow = 512

	// MaxPendingDeliveries bounds the buffer of reconstructed messages
	// held while no consumer is registered.
	MaxPendingDeliveries = 128

	// DefaultReplyKeyTTL is how long a sent reply key is retained before
	// garbage collection, absent a matching reply.
	DefaultReplyKeyTTL = 10 * time.Minute

	// DefaultGatewayResponseTimeout bounds how long the gateway session
	// waits for a handshake or framed response.
	DefaultGatewayResponseTimeout = 10 * time.Second

	// InputQueueCapacity is the bounded capacity of the real traffic
	// controller's public input channel (producers block when full).
	InputQueueCapacity = 1

	// DefaultShutdownDrainDeadline is a per-task drain bound for shutdown.
	// Nothing in this module reads it; the only shutdown bound applied is
	// DefaultSupervisorDeadline, in BaseClient.Shutdown.
	DefaultShutdownDrainDeadline = 5 * time.Second

	// DefaultSupervisorDeadline bounds how long the task supervisor waits
	// for every task to report completion during shutdown.
	DefaultSupervisorDeadline = 10 * time.Second
)
