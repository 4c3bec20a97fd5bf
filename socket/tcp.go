package socket

import (
	"context"
	"io"
	"net/netip"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// backpressureQueueLimit is the u-blox outbound-queue threshold above which
// TryWrite returns 0 rather than attempting the send.
const backpressureQueueLimit = 10240

// backpressureSleep is how long TryWrite waits before telling the caller to
// retry when the outbound queue is over the limit.
const backpressureSleep = 100 * time.Millisecond

// TCPSocket is a connected (or connecting) TCP entry multiplexed over one
// vendor connection.
type TCPSocket struct {
	*Entry
	t Transport
}

// NewTCPSocket wraps an allocated Entry with the vendor Transport that
// actually issues AT commands on its behalf.
func NewTCPSocket(e *Entry, t Transport) *TCPSocket {
	return &TCPSocket{Entry: e, t: t}
}

// Connect issues the vendor connect verb and waits for CONNECTED or CLOSED
// (a `+...CO` URC with a nonzero code sets ErrorCode and CLOSED before this
// returns).
func (s *TCPSocket) Connect(ctx context.Context, peer netip.AddrPort) error {
	s.Peer = peer
	if err := s.t.Connect(ctx, s.ID, peer); err != nil {
		s.SetState(Closed)
		return err
	}
	got, err := s.WaitFor(ctx, Connected|Closed)
	if err != nil {
		return err
	}
	if got&Closed != 0 {
		return errors.Errorf("socket: connect refused, code %d", s.ErrorCode)
	}
	return nil
}

// Read waits for data and returns the next chunk, or io.EOF once CLOSED and
// drained.
func (s *TCPSocket) Read(ctx context.Context) ([]byte, error) {
	for {
		got, err := s.WaitFor(ctx, Readable|Closed)
		if err != nil {
			return nil, err
		}
		if got&Readable != 0 {
			b, err := s.t.Read(ctx, s.ID, s.t.TCPMTU())
			if err != nil {
				return nil, err
			}
			if len(b) == 0 {
				s.Clear(Readable)
				continue
			}
			return b, nil
		}
		return nil, io.EOF
	}
}

// TryWrite caps the payload to the vendor MTU, applies u-blox-style
// back-pressure, and issues the send. A 0, nil return means the caller
// should retry (buffer pressure, not an error). Any write error marks this
// socket CLOSED; the AT session itself is not closed.
func (s *TCPSocket) TryWrite(ctx context.Context, b []byte) (int, error) {
	if len(b) > s.t.TCPMTU() {
		b = b[:s.t.TCPMTU()]
	}
	if n, ok := s.t.BufferedBytes(ctx, s.ID); ok && n+len(b) > backpressureQueueLimit {
		select {
		case <-time.After(backpressureSleep):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		return 0, nil
	}
	n, err := s.t.Write(ctx, s.ID, b)
	if err != nil {
		s.SetState(Closed)
		return 0, err
	}
	// Yield cooperatively after a write so one socket's writer doesn't
	// starve other sockets' readers on the same session.
	runtime.Gosched()
	return n, nil
}

// Close tears the socket down: marks CLOSED, removes it from mux, and
// issues the vendor close verb, tolerating the benign "not allowed" race
// with an in-flight CLOSED URC. The PDP context is not deactivated: the
// entry's ShouldPDPDeact flag is not consulted here or by any profile's Close.
func (s *TCPSocket) Close(ctx context.Context, mux *Mux) error {
	s.SetState(Closed)
	mux.Remove(s.ID)
	err := s.t.Close(ctx, s.ID)
	if isBenignCloseError(err) {
		return nil
	}
	return err
}

func isBenignCloseError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "not allowed")
}
