package netif_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gocellular/modem/at"
	"github.com/gocellular/modem/gpio"
	"github.com/gocellular/modem/netif"
	"github.com/gocellular/modem/session"
	"github.com/gocellular/modem/socket"
	"github.com/gocellular/modem/store"
	"github.com/gocellular/modem/vendor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockModem mirrors at's test double: a synchronous in-memory transport
// that matches writes against a canned command table.
type mockModem struct {
	mu      sync.Mutex
	cmdSet  map[string][]string
	pending bytes.Buffer
	rx      chan []byte
	closed  bool
}

func newMockModem(cmdSet map[string][]string) *mockModem {
	return &mockModem{cmdSet: cmdSet, rx: make(chan []byte, 64)}
}

func (m *mockModem) Write(p []byte) (int, error) {
	m.mu.Lock()
	m.pending.Write(p)
	line := m.pending.String()
	if !strings.HasSuffix(line, "\r") {
		m.mu.Unlock()
		return len(p), nil
	}
	m.pending.Reset()
	cmd := strings.TrimSuffix(line, "\r")
	resp := m.cmdSet[cmd]
	m.mu.Unlock()

	m.rx <- []byte(cmd + "\r\n")
	for _, r := range resp {
		m.rx <- []byte(r + "\r\n")
	}
	return len(p), nil
}

func (m *mockModem) inject(line string) {
	m.rx <- []byte(line + "\r\n")
}

func (m *mockModem) Read(p []byte) (int, error) {
	b, ok := <-m.rx
	if !ok {
		return 0, io.EOF
	}
	return copy(p, b), nil
}

func (m *mockModem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.rx)
	}
	return nil
}

type fakeDialer struct{ *mockModem }

func (d *fakeDialer) SetBaud(int) error { return nil }

type fakeGPIO struct{}

func (fakeGPIO) Power(ctx context.Context, high bool, hold time.Duration) error { return nil }
func (fakeGPIO) Reset(ctx context.Context, high bool, hold time.Duration) error { return nil }
func (fakeGPIO) AwaitQuiescent(ctx context.Context, pin gpio.Pin, settle time.Duration) error {
	return nil
}
func (fakeGPIO) Release() error { return nil }

// fakeProfile issues no real AT traffic for socket verbs; Connect/Resolve
// synthesize results directly so these tests exercise netif's allocation,
// locking, and DNS-serialization logic rather than vendor wire parsing
// (covered by the vendor subpackages' own tests).
type fakeProfile struct {
	connectErr error
	resolveIPs []net.IP
}

func (p *fakeProfile) Name() string                  { return "quectel" }
func (p *fakeProfile) SocketIDRange() (int, int)     { return 0, 1 }
func (p *fakeProfile) TCPMTU() int                   { return 1460 }
func (p *fakeProfile) UDPMTU() int                   { return 1460 }
func (p *fakeProfile) PowerPulse() vendor.PowerPulse { return vendor.PowerPulse{} }
func (p *fakeProfile) RegisterParsers(s *at.Session) {}
func (p *fakeProfile) Connect(ctx context.Context, id socket.ID, peer netip.AddrPort) error {
	return p.connectErr
}
func (p *fakeProfile) Read(ctx context.Context, id socket.ID, max int) ([]byte, error) {
	return nil, nil
}
func (p *fakeProfile) Write(ctx context.Context, id socket.ID, b []byte) (int, error) {
	return len(b), nil
}
func (p *fakeProfile) Close(ctx context.Context, id socket.ID) error { return nil }
func (p *fakeProfile) SendUDP(ctx context.Context, id socket.ID, peer netip.AddrPort, b []byte) error {
	return nil
}
func (p *fakeProfile) ReceiveUDP(ctx context.Context, id socket.ID) ([]byte, netip.AddrPort, error) {
	return nil, netip.AddrPort{}, nil
}
func (p *fakeProfile) BufferedBytes(ctx context.Context, id socket.ID) (int, bool) { return 0, false }
func (p *fakeProfile) Resolve(ctx context.Context, s *at.Session, host string) ([]net.IP, error) {
	return p.resolveIPs, nil
}
func (p *fakeProfile) ConfigureRadio(ctx context.Context, s *at.Session, cfg vendor.RadioConfig) (bool, error) {
	return false, nil
}
func (p *fakeProfile) PSMParamsFor(cfg vendor.RadioConfig) vendor.PSMParams { return vendor.PSMParams{} }
func (p *fakeProfile) PowerOff(ctx context.Context, s *at.Session) error    { return nil }
func (p *fakeProfile) IsPoweredOff(ctx context.Context) bool               { return true }

func newInterface(profile *fakeProfile) *netif.Interface {
	dialer := &fakeDialer{mockModem: newMockModem(nil)}
	sess := at.New(dialer, dialer)
	mux := socket.NewMux(profile.SocketIDRange())
	m := session.NewMachine(dialer, sess, mux, profile, fakeGPIO{}, store.NewMemCounter(0), session.Config{BaudRates: []int{115200}}, nil)
	return netif.New(m)
}

func TestResolveIPLiteral(t *testing.T) {
	i := newInterface(&fakeProfile{})
	ips, err := i.Resolve(context.Background(), "192.0.2.1")
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.Equal(t, "192.0.2.1", ips[0].String())
}

func TestResolveViaVendorDNS(t *testing.T) {
	want := net.ParseIP("203.0.113.9")
	i := newInterface(&fakeProfile{resolveIPs: []net.IP{want}})
	ips, err := i.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.Equal(t, want, ips[0])
}

func TestConcurrentResolveSerialized(t *testing.T) {
	i := newInterface(&fakeProfile{resolveIPs: []net.IP{net.ParseIP("203.0.113.9")}})
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for n := 0; n < 2; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := i.Resolve(context.Background(), "a.example")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestTCPConnectRemovesEntryOnFailure(t *testing.T) {
	profile := &fakeProfile{connectErr: assertErr{"refused"}}
	i := newInterface(profile)
	_, err := i.TCPConnect(context.Background(), netip.MustParseAddrPort("93.184.216.34:80"))
	require.Error(t, err)

	// The failed connect's id 0 is free again, so the next allocation gets it.
	sock, err := i.UDPOpen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, socket.ID(0), sock.ID)
}

func TestTCPListenUnimplemented(t *testing.T) {
	i := newInterface(&fakeProfile{})
	err := i.TCPListen(context.Background())
	assert.ErrorIs(t, err, netif.ErrUnimplemented)
}

func TestUDPOpenAllocatesID(t *testing.T) {
	i := newInterface(&fakeProfile{})
	sock, err := i.UDPOpen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, socket.ID(0), sock.ID)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
