package gateway

import (
	"fmt"
	"sync"
)

// pipeTransport is an in-memory Transport pair used to test the
// handshake, and Session's use of a Transport, without a real network
// connection.
type pipeTransport struct {
	out chan frame
	in  chan frame

	closeOnce sync.Once
}

func newPipe() (a, b *pipeTransport) {
	c1 := make(chan frame, 8)
	c2 := make(chan frame, 8)
	return &pipeTransport{out: c1, in: c2}, &pipeTransport{out: c2, in: c1}
}

func (p *pipeTransport) Send(f frame) error {
	p.out <- f
	return nil
}

func (p *pipeTransport) Receive() (frame, error) {
	f, ok := <-p.in
	if !ok {
		return frame{}, fmt.Errorf("pipe closed")
	}
	return f, nil
}

// Close closes this end's read side, the same way websocketTransport.Close
// unblocks a parked Receive by closing the underlying connection.
func (p *pipeTransport) Close() error {
	p.closeOnce.Do(func() { close(p.in) })
	return nil
}
