// Package sphinxpacket is the "packet library" boundary spec.md §1
// assumes is provided externally: real Sphinx onion-routing cryptography,
// wire-exact packet formats, and low-level symmetric primitives are out
// of scope for the client core. This package gives the operations the
// core calls (§4.1, §4.3, §4.6) a self-contained, spec-level
// implementation built on the domain-stack crypto primitives
// (golang.org/x/crypto/curve25519, golang.org/x/crypto/nacl/secretbox),
// grounded on the teacher's path_selection.go delay sampling and its
// crypto/vault sealing idiom.
package sphinxpacket

import (
	"encoding/binary"
	"fmt"

	"mixclientcore/constants"
)

// FragmentHeader is the per-fragment metadata prefixed to every fixed-size
// fragment payload (spec §3 "Fragment set").
type FragmentHeader struct {
	MessageID [constants.MessageIDLength]byte
	Index     uint8
	Count     uint8
}

const fragmentHeaderLength = constants.MessageIDLength + 2

// Encode serializes the header to its fixed wire length.
func (h FragmentHeader) Encode() []byte {
	buf := make([]byte, fragmentHeaderLength)
	copy(buf, h.MessageID[:])
	buf[constants.MessageIDLength] = h.Index
	buf[constants.MessageIDLength+1] = h.Count
	return buf
}

// DecodeFragmentHeader parses a FragmentHeader from its fixed wire
// encoding.
func DecodeFragmentHeader(b []byte) (FragmentHeader, error) {
	var h FragmentHeader
	if len(b) < fragmentHeaderLength {
		return h, fmt.Errorf("sphinxpacket: short fragment header: %d bytes", len(b))
	}
	copy(h.MessageID[:], b[:constants.MessageIDLength])
	h.Index = b[constants.MessageIDLength]
	h.Count = b[constants.MessageIDLength+1]
	return h, nil
}

// FragmentPayload is one fixed-size fragment's wire plaintext: the header,
// the data padded to constants.FragmentPayloadLength, and the true
// (pre-padding) data length so the receiver can strip padding.
type FragmentPayload struct {
	Header FragmentHeader
	Data   []byte
}

// Encode serializes the fragment to its fixed wire size: header ++
// 2-byte true length ++ data padded with zeroes to
// constants.FragmentPayloadLength.
func (f FragmentPayload) Encode() []byte {
	buf := make([]byte, 0, fragmentHeaderLength+2+constants.FragmentPayloadLength)
	buf = append(buf, f.Header.Encode()...)

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(f.Data)))
	buf = append(buf, lenBuf[:]...)

	padded := make([]byte, constants.FragmentPayloadLength)
	copy(padded, f.Data)
	buf = append(buf, padded...)
	return buf
}

// DecodeFragmentPayload parses a FragmentPayload from its fixed wire
// encoding, stripping padding back to the true data length.
func DecodeFragmentPayload(b []byte) (FragmentPayload, error) {
	var f FragmentPayload
	if len(b) != fragmentHeaderLength+2+constants.FragmentPayloadLength {
		return f, fmt.Errorf("sphinxpacket: malformed fragment payload: %d bytes", len(b))
	}
	hdr, err := DecodeFragmentHeader(b[:fragmentHeaderLength])
	if err != nil {
		return f, err
	}
	trueLen := binary.BigEndian.Uint16(b[fragmentHeaderLength : fragmentHeaderLength+2])
	padded := b[fragmentHeaderLength+2:]
	if int(trueLen) > len(padded) {
		return f, fmt.Errorf("sphinxpacket: fragment true length %d exceeds padded size", trueLen)
	}
	f.Header = hdr
	f.Data = append([]byte(nil), padded[:trueLen]...)
	return f, nil
}

// Fragment splits payload into a set of fixed-size fragments sharing a
// random message ID (spec §3 "Fragment set"). The last fragment is padded
// by Encode, not here.
func Fragment(messageID [constants.MessageIDLength]byte, payload []byte) ([]FragmentPayload, error) {
	if len(payload) == 0 {
		return []FragmentPayload{{
			Header: FragmentHeader{MessageID: messageID, Index: 0, Count: 1},
			Data:   nil,
		}}, nil
	}

	count := (len(payload) + constants.FragmentPayloadLength - 1) / constants.FragmentPayloadLength
	if count > 255 {
		return nil, fmt.Errorf("sphinxpacket: payload requires %d fragments, exceeds 255", count)
	}

	frags := make([]FragmentPayload, 0, count)
	for i := 0; i < count; i++ {
		start := i * constants.FragmentPayloadLength
		end := start + constants.FragmentPayloadLength
		if end > len(payload) {
			end = len(payload)
		}
		frags = append(frags, FragmentPayload{
			Header: FragmentHeader{MessageID: messageID, Index: uint8(i), Count: uint8(count)},
			Data:   append([]byte(nil), payload[start:end]...),
		})
	}
	return frags, nil
}

// Reassemble concatenates a complete, index-sorted set of fragments back
// into the original payload. Callers must ensure the set is complete (one
// entry per index in [0, Count)) before calling.
func Reassemble(fragments []FragmentPayload) []byte {
	byIndex := make(map[uint8][]byte, len(fragments))
	var count uint8
	for _, f := range fragments {
		byIndex[f.Header.Index] = f.Data
		count = f.Header.Count
	}
	out := make([]byte, 0, int(count)*constants.FragmentPayloadLength)
	for i := uint8(0); i < count; i++ {
		out = append(out, byIndex[i]...)
	}
	return out
}
