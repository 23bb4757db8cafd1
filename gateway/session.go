package gateway

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/op/go-logging"

	"mixclientcore/config"
	"mixclientcore/identity"
	"mixclientcore/taskmanager"
)

var log = logging.MustGetLogger("gatewaySession")

// Endpoint identifies the gateway a Session connects to and the key
// material needed to complete and authenticate the handshake.
type Endpoint struct {
	ListenerURL     string
	GatewayIdentity ed25519.PublicKey
}

// Session is the contract of spec §4.1: one duplex framed connection to
// the gateway, exposing authenticate_and_start, a sink for outgoing
// Sphinx packets, and sources for inbound mixnet frames and acks.
// Grounded on the teacher's session/session.go, which plays the same
// role over minclient instead of a raw WebSocket.
type Session struct {
	endpoint    Endpoint
	credentials config.CredentialsToggle
	credStore   CredentialStore
	timeout     time.Duration

	transport Transport

	packetSink   chan outgoingPacket
	inboundFrame chan []byte
	ackFrame     chan []byte
	closed       chan struct{}
	closeOnce    sync.Once
	closeErr     error
}

type outgoingPacket struct {
	raw []byte
}

// NewSession constructs a Session that will dial endpoint on Start.
func NewSession(endpoint Endpoint, credentials config.CredentialsToggle, credStore CredentialStore, timeout time.Duration) *Session {
	return &Session{
		endpoint:     endpoint,
		credentials:  credentials,
		credStore:    credStore,
		timeout:      timeout,
		packetSink:   make(chan outgoingPacket, 64),
		inboundFrame: make(chan []byte, 64),
		ackFrame:     make(chan []byte, 64),
		closed:       make(chan struct{}),
	}
}

// Send enqueues a framed, ready-to-send Sphinx packet for delivery to the
// gateway (spec §4.5 mix-traffic controller's sink). It blocks while the
// sink is full — the session's own back-pressure signal — and only
// refuses once the session has closed.
func (s *Session) Send(raw []byte) error {
	select {
	case s.packetSink <- outgoingPacket{raw: raw}:
		return nil
	case <-s.closed:
		return ErrGatewaySessionClosed
	}
}

// InboundFrames returns the source of unwrapped inbound Sphinx frames.
func (s *Session) InboundFrames() <-chan []byte {
	return s.inboundFrame
}

// AckFrames returns the source of acknowledgement frames.
func (s *Session) AckFrames() <-chan []byte {
	return s.ackFrame
}

// AuthenticateAndStart dials the gateway, performs the handshake (spec
// §4.1), optionally spends a bandwidth credential when the credentials
// toggle is enabled, and returns the established gateway-shared key. It
// does not start the read/write pump loop; call Start for that once
// authentication succeeds.
func (s *Session) AuthenticateAndStart(clientIdentity identity.IdentityKeyPair) ([identity.GatewaySharedKeyLength]byte, error) {
	var sharedKey [identity.GatewaySharedKeyLength]byte

	dialer := gorillaws.Dialer{HandshakeTimeout: s.timeout}
	conn, _, err := dialer.Dial(s.endpoint.ListenerURL, nil)
	if err != nil {
		return sharedKey, fmt.Errorf("gateway: dialing %q: %w", s.endpoint.ListenerURL, err)
	}
	s.transport = NewWebsocketTransport(conn)

	if s.credentials.Enabled() {
		if err := s.credStore.Spend(1); err != nil {
			s.transport.Close()
			return sharedKey, fmt.Errorf("gateway: spending bandwidth credential: %w", err)
		}
		log.Debug("spent one bandwidth credential for authentication")
	}

	sharedKey, err = ClientHandshake(s.transport, clientIdentity, s.endpoint.GatewayIdentity)
	if err != nil {
		s.transport.Close()
		return sharedKey, err
	}
	log.Info("gateway handshake completed")
	return sharedKey, nil
}

// Start runs the session's read and write pumps under the task
// supervisor. Transport errors are fatal to the session (spec §4.1
// "Failure model"): whichever pump hits one reports it through Done,
// which the supervisor treats as fatal and broadcasts shutdown. Both
// pumps share one Client subscription, so only the first of the two to
// finish determines the reported error; the other exits silently once
// s.closed fires.
func (s *Session) Start(tc *taskmanager.Client) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.writePump(tc) }()
	go func() { defer wg.Done(); s.readPump(tc) }()

	go func() {
		wg.Wait()
		tc.Done(s.closeErr)
	}()
}

func (s *Session) fail(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.closed)
	})
}

func (s *Session) writePump(tc *taskmanager.Client) {
	for {
		select {
		case <-tc.HaltCh():
			s.fail(nil)
			return
		case <-s.closed:
			return
		case pkt := <-s.packetSink:
			if err := s.transport.Send(frame{kind: frameMixnetPacket, payload: pkt.raw}); err != nil {
				log.Errorf("gateway write failed, session closing: %v", err)
				s.fail(fmt.Errorf("%w: %v", ErrGatewaySessionClosed, err))
				return
			}
		}
	}
}

func (s *Session) readPump(tc *taskmanager.Client) {
	for {
		select {
		case <-tc.HaltCh():
			s.fail(nil)
			return
		case <-s.closed:
			return
		default:
		}

		f, err := s.transport.Receive()
		if err != nil {
			log.Errorf("gateway read failed, session closing: %v", err)
			s.fail(fmt.Errorf("%w: %v", ErrGatewaySessionClosed, err))
			return
		}
		switch f.kind {
		case frameMixnetPacket:
			select {
			case s.inboundFrame <- f.payload:
			case <-tc.HaltCh():
				s.fail(nil)
				return
			}
		case frameAck:
			select {
			case s.ackFrame <- f.payload:
			case <-tc.HaltCh():
				s.fail(nil)
				return
			}
		default:
			log.Debugf("dropping unexpected frame kind %d from gateway", f.kind)
		}
	}
}

// Close shuts down the underlying transport.
func (s *Session) Close() error {
	s.fail(nil)
	if s.transport == nil {
		return nil
	}
	return s.transport.Close()
}
