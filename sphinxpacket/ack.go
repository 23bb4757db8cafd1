package sphinxpacket

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"mixclientcore/identity"
)

// DeriveAckKey computes the per-packet ack key deterministically from the
// acknowledgement master key and the fragment id (spec §4.3 packet
// builder: "ack key = PRF(ack_master, fragment_id)"). The PRF is
// HMAC-SHA256 truncated to the ack key size, grounded on the teacher's
// vault.stretch use of a keyed digest for deterministic sub-key
// derivation (crypto/vault/vault.go).
func DeriveAckKey(ackMaster identity.AckKey, fragmentID []byte) identity.AckKey {
	mac := hmac.New(sha256.New, ackMaster[:])
	mac.Write(fragmentID)
	sum := mac.Sum(nil)

	var key identity.AckKey
	copy(key[:], sum[:len(key)])
	return key
}

// AckMAC computes the MAC over an ack frame's fragment id under the
// derived per-packet ack key, used by the ack listener to match inbound
// ack frames to pending ack entries without a shared fragment id
// namespace across the whole client.
func AckMAC(ackKey identity.AckKey, fragmentID []byte) []byte {
	mac := hmac.New(sha256.New, ackKey[:])
	mac.Write(fragmentID)
	return mac.Sum(nil)
}

// EncodeAckFrame serializes the fragment id and its MAC as the raw
// payload of an inbound ack frame (spec §6 "Ack(raw_ack)").
func EncodeAckFrame(fragmentID, mac []byte) []byte {
	out := make([]byte, 0, 1+len(fragmentID)+len(mac))
	out = append(out, byte(len(fragmentID)))
	out = append(out, fragmentID...)
	out = append(out, mac...)
	return out
}

// DecodeAckFrame parses an ack frame's raw payload back into its
// fragment id and MAC.
func DecodeAckFrame(raw []byte) (fragmentID, mac []byte, err error) {
	if len(raw) < 1 {
		return nil, nil, fmt.Errorf("sphinxpacket: empty ack frame")
	}
	n := int(raw[0])
	if len(raw) < 1+n {
		return nil, nil, fmt.Errorf("sphinxpacket: truncated ack frame")
	}
	return raw[1 : 1+n], raw[1+n:], nil
}
