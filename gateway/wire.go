// Package gateway implements the authenticated session with the entry
// gateway (spec §4.1): the four-message handshake, the framed WebSocket
// transport, and the packet/ack/control frame sources and sinks the rest
// of the client core depends on. Grounded on the teacher's minclient
// wiring in session/session.go (OnConnFn/OnMessageFn/OnACKFn callback
// shape, generalized into channel sources) and on the pack's
// gorilla/websocket usage in
// Generativebots-ocx-backend-go-svc/internal/fabric/websocket.go.
package gateway

import (
	"encoding/binary"
	"fmt"

	"github.com/gorilla/websocket"
)

// Transport is the minimal framed duplex a handshake or session needs:
// send one frame, receive one frame. websocketTransport is the only
// production implementation; tests substitute an in-memory pipe.
type Transport interface {
	Send(f frame) error
	Receive() (frame, error)
	Close() error
}

// websocketTransport frames every message over a single *websocket.Conn
// as one binary WebSocket message (spec §6).
type websocketTransport struct {
	conn *websocket.Conn
}

// NewWebsocketTransport wraps an already-dialed WebSocket connection to
// the gateway.
func NewWebsocketTransport(conn *websocket.Conn) Transport {
	return &websocketTransport{conn: conn}
}

func (t *websocketTransport) Send(f frame) error {
	return writeFrame(t.conn, f)
}

func (t *websocketTransport) Receive() (frame, error) {
	return readFrame(t.conn)
}

func (t *websocketTransport) Close() error {
	return t.conn.Close()
}

// frameKind tags every message exchanged over the gateway's single
// WebSocket connection (spec §6 "Gateway wire frames").
type frameKind uint8

const (
	frameHandshake frameKind = iota + 1
	frameMixnetPacket
	frameAck
	frameControlRequest
	frameControlResponse
)

// frame is the on-wire envelope: a one-byte kind tag followed by the
// frame's raw payload. Every frame is sent as one WebSocket binary
// message, per spec §6.
type frame struct {
	kind    frameKind
	payload []byte
}

func encodeFrame(f frame) []byte {
	buf := make([]byte, 1+len(f.payload))
	buf[0] = byte(f.kind)
	copy(buf[1:], f.payload)
	return buf
}

func decodeFrame(raw []byte) (frame, error) {
	if len(raw) < 1 {
		return frame{}, fmt.Errorf("gateway: empty frame")
	}
	return frame{kind: frameKind(raw[0]), payload: raw[1:]}, nil
}

func writeFrame(conn *websocket.Conn, f frame) error {
	return conn.WriteMessage(websocket.BinaryMessage, encodeFrame(f))
}

func readFrame(conn *websocket.Conn) (frame, error) {
	kind, raw, err := conn.ReadMessage()
	if err != nil {
		return frame{}, fmt.Errorf("gateway: reading frame: %w", err)
	}
	if kind != websocket.BinaryMessage {
		return frame{}, fmt.Errorf("gateway: unexpected WebSocket message kind %d", kind)
	}
	return decodeFrame(raw)
}

// macFrame prefixes payload with a big-endian uint16 MAC length and the
// MAC itself, computed by the caller; splitMacFrame reverses it. Session
// calls neither, so post-handshake frames are sent and read without a MAC.
func macFrame(payload, mac []byte) []byte {
	out := make([]byte, 2+len(mac)+len(payload))
	binary.BigEndian.PutUint16(out[:2], uint16(len(mac)))
	n := copy(out[2:], mac)
	copy(out[2+n:], payload)
	return out
}

func splitMacFrame(raw []byte) (payload, mac []byte, err error) {
	if len(raw) < 2 {
		return nil, nil, fmt.Errorf("gateway: truncated MAC frame")
	}
	macLen := int(binary.BigEndian.Uint16(raw[:2]))
	if len(raw) < 2+macLen {
		return nil, nil, fmt.Errorf("gateway: truncated MAC frame")
	}
	mac = raw[2 : 2+macLen]
	payload = raw[2+macLen:]
	return payload, mac, nil
}
