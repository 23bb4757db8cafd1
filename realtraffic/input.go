// Package realtraffic implements the Real Traffic Controller (spec
// §4.3): the input processor, packet builder, ack listener, and
// retransmitter subtasks that turn application messages into tracked
// Sphinx packets. Grounded on the teacher's session/send.go and
// session/arq.go (Message.expiry/timeLeft, sendNext/send loop, ARQ
// retry bookkeeping), generalized from a single send queue into the
// four-subtask pipeline spec.md describes.
package realtraffic

import (
	"mixclientcore/constants"
	"mixclientcore/identity"
)

// Lane is a logical stream identifier used for fair queueing among
// concurrent senders (spec GLOSSARY).
type Lane uint32

// InputMessage is the controller's public input (spec §4.3): one of
// three variants, modeled in Go as a tagged struct rather than an
// interface so the caller can construct a literal without an
// unexported marker method.
type InputMessage struct {
	Kind InputKind

	// Regular
	Recipient identity.Recipient
	Payload   []byte
	Lane      Lane

	// Reply
	SenderTag [constants.SenderTagLength]byte

	// WithReplySurb
	NumSurbs int
}

// InputKind tags which InputMessage variant is populated.
type InputKind int

const (
	// Regular sends payload to Recipient with no expectation of reply.
	Regular InputKind = iota
	// Reply sends payload back to the peer identified by SenderTag,
	// consuming one of their previously granted SURBs.
	Reply
	// WithReplySurb sends payload to Recipient and additionally grants
	// NumSurbs reply blocks the recipient can use to write back.
	WithReplySurb
	// Cover tags a loop cover packet (spec §4.4): built and sent directly
	// by the cover-traffic stream rather than through this controller's
	// input channel, and filtered out by the received-buffer controller
	// instead of being handed to the application consumer.
	Cover
)
