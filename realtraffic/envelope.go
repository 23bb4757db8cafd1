package realtraffic

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"mixclientcore/constants"
	"mixclientcore/sphinxpacket"
)

// messageEnvelope is the plaintext the packet builder fragments: the
// caller's application payload, plus any reply SURBs this message grants
// its recipient and the anonymous tag the recipient should attach to
// them (spec §4.3 "WithReplySurb" variant). SURBs ride along inside the
// fragmented payload itself rather than over a separate channel,
// mirroring how a real Sphinx client packs reply blocks alongside
// message data for its recipient to unpack.
type messageEnvelope struct {
	Kind      InputKind
	Payload   []byte
	SenderTag [constants.SenderTagLength]byte
	Surbs     []sphinxpacket.SURB
}

func encodeEnvelope(env messageEnvelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, fmt.Errorf("realtraffic: encoding message envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeCoverEnvelope builds the plaintext for a loop cover packet (spec
// §4.4), tagged Cover so the received-buffer controller can filter it
// instead of delivering it to the application consumer. Exported for the
// cover-traffic stream, which builds its packets directly rather than
// through this controller's input channel.
func EncodeCoverEnvelope() ([]byte, error) {
	return encodeEnvelope(messageEnvelope{Kind: Cover})
}

// Envelope is a reassembled message's parsed contents, returned by
// DecodeEnvelope for the received-buffer controller to deliver.
type Envelope struct {
	Kind      InputKind
	Payload   []byte
	SenderTag [constants.SenderTagLength]byte
	Surbs     []sphinxpacket.SURB
}

// DecodeEnvelope parses a reassembled message back into its application
// payload, sender tag, and any attached reply SURBs. Exported for the
// received-buffer controller, which reassembles fragments into exactly
// this wire shape.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env messageEnvelope
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("realtraffic: decoding message envelope: %w", err)
	}
	return Envelope{Kind: env.Kind, Payload: env.Payload, SenderTag: env.SenderTag, Surbs: env.Surbs}, nil
}
