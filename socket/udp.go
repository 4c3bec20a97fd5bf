package socket

import (
	"context"
	"net/netip"

	"github.com/pkg/errors"
)

// ErrPayloadTooLarge indicates a UDP datagram exceeds the vendor MTU.
var ErrPayloadTooLarge = errors.New("socket: payload exceeds MTU")

// UDPSocket records the last-connected peer and issues datagrams through a
// vendor Transport. Connect performs no wire traffic; it only records peer
// in the entry's Peer field. Send still takes its destination explicitly.
type UDPSocket struct {
	*Entry
	t Transport
}

// NewUDPSocket wraps an allocated Entry with its vendor Transport.
func NewUDPSocket(e *Entry, t Transport) *UDPSocket {
	return &UDPSocket{Entry: e, t: t}
}

// Connect records peer with no wire traffic.
func (s *UDPSocket) Connect(peer netip.AddrPort) {
	s.Peer = peer
}

// Send rejects oversized payloads and issues the vendor UDP send verb with
// the inline destination address.
func (s *UDPSocket) Send(ctx context.Context, peer netip.AddrPort, b []byte) error {
	if len(b) > s.t.UDPMTU() {
		return ErrPayloadTooLarge
	}
	return s.t.SendUDP(ctx, s.ID, peer, b)
}

// Receive waits for a datagram or closure, and returns the payload of one
// transport ReceiveUDP call with the source address that transport reports
// (the zero AddrPort if it reports none). Chunks are not reassembled across
// calls.
func (s *UDPSocket) Receive(ctx context.Context) ([]byte, netip.AddrPort, error) {
	got, err := s.WaitFor(ctx, Readable|Closed)
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	if got&Readable == 0 {
		return nil, netip.AddrPort{}, ErrClosed
	}
	b, from, err := s.t.ReceiveUDP(ctx, s.ID)
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	if len(b) == 0 {
		s.Clear(Readable)
	}
	return b, from, nil
}

// Close marks CLOSED and removes the entry from mux. UDP has no open wire
// session to tear down beyond that, matching the TCP close contract at the
// multiplexer level.
func (s *UDPSocket) Close(mux *Mux) {
	s.SetState(Closed)
	mux.Remove(s.ID)
}
