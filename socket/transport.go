package socket

import (
	"context"
	"net/netip"
)

// Transport is the vendor-specific AT wire operations a socket needs. A
// vendor profile implements this (structurally — no import of this
// package's Transport type is required, only matching method signatures) so
// TCPSocket/UDPSocket stay vendor-agnostic.
type Transport interface {
	TCPMTU() int
	UDPMTU() int

	Connect(ctx context.Context, id ID, peer netip.AddrPort) error
	Read(ctx context.Context, id ID, max int) ([]byte, error)
	Write(ctx context.Context, id ID, b []byte) (int, error)
	Close(ctx context.Context, id ID) error

	SendUDP(ctx context.Context, id ID, peer netip.AddrPort, b []byte) error
	ReceiveUDP(ctx context.Context, id ID) ([]byte, netip.AddrPort, error)

	// BufferedBytes reports the outbound queue depth for back-pressure
	// (u-blox's +USOCTL). ok is false for vendors with no such query.
	BufferedBytes(ctx context.Context, id ID) (n int, ok bool)
}
