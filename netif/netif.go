// Package netif implements the network-interface facade (C8): resolve,
// tcp_connect, and udp_open glue between application callers and the
// socket multiplexer and session machine underneath.
package netif

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"github.com/gocellular/modem/at"
	"github.com/gocellular/modem/session"
	"github.com/gocellular/modem/socket"
	"github.com/pkg/errors"
)

// ErrUnimplemented indicates a facade operation this family of modems does
// not support: listening TCP sockets or broadcast UDP (spec.md Non-goals).
var ErrUnimplemented = errors.New("netif: not implemented")

// Interface is the host-application-facing entry point: resolve/tcp_connect/
// udp_open, serialized against the underlying cellular session machine.
type Interface struct {
	m *session.Machine

	dnsMu     sync.Mutex // only one async DNS resolution in flight at a time
	connectMu sync.Mutex // u-blox: the chip permits only one connecting TCP socket at a time
}

// New builds a facade over an already-opened session.Machine.
func New(m *session.Machine) *Interface {
	return &Interface{m: m}
}

// Resolve parses host as an IP literal, falling back to the vendor's AT DNS
// verb. Concurrent resolutions are serialized so only one async lookup is
// ever in flight, per spec.md's DNS race scenario.
func (i *Interface) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	i.dnsMu.Lock()
	defer i.dnsMu.Unlock()

	var ips []net.IP
	err := i.m.Locker().Do(ctx, func(ctx context.Context, s *at.Session) error {
		var rerr error
		ips, rerr = i.m.Profile().Resolve(ctx, s, host)
		return rerr
	})
	return ips, err
}

// TCPConnect allocates a socket id, issues the vendor connect verb, and
// waits for the connect URC. On failure the allocated id is released before
// returning, so a failed connect never leaves an entry in the multiplexer.
func (i *Interface) TCPConnect(ctx context.Context, peer netip.AddrPort) (*socket.TCPSocket, error) {
	if i.m.Profile().Name() == "ublox" {
		i.connectMu.Lock()
		defer i.connectMu.Unlock()
	}

	e, err := i.m.Mux().Alloc(socket.TCP)
	if err != nil {
		return nil, err
	}
	sock := socket.NewTCPSocket(e, i.m.Profile())

	err = i.m.Locker().Do(ctx, func(ctx context.Context, s *at.Session) error {
		return sock.Connect(ctx, peer)
	})
	if err != nil {
		i.m.Mux().Remove(e.ID)
		return nil, err
	}
	return sock, nil
}

// UDPOpen allocates a socket id for a UDP entry. UDP has no wire-level
// connect, so nothing is issued to the modem until Send/Receive.
func (i *Interface) UDPOpen(ctx context.Context) (*socket.UDPSocket, error) {
	e, err := i.m.Mux().Alloc(socket.UDP)
	if err != nil {
		return nil, err
	}
	return socket.NewUDPSocket(e, i.m.Profile()), nil
}

// TCPListen is unsupported: no family member's AT socket API exposes a
// listening TCP socket.
func (i *Interface) TCPListen(ctx context.Context) error {
	return ErrUnimplemented
}
