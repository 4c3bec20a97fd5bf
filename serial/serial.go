// Package serial provides a serial port, which provides the io.ReadWriter
// interface, that provides the connection between the at or gsm packages
// and the physical modem. It also implements session.Dialer: SetBaud lets
// the cellular session machine reopen the port at a different rate during
// baud-rate discovery (spec.md §4.5 step 2).
package serial

import (
	"sync"

	"github.com/tarm/serial"
)

// Config is a serial port configuration. defaultConfig supplies the
// platform-appropriate device path (see serial_linux.go, serial_darwin.go,
// serial_windows.go).
type Config struct {
	port string
	baud int
}

// Option configures a Port created by New.
type Option func(*Config)

// WithPort overrides the device path.
func WithPort(p string) Option { return func(c *Config) { c.port = p } }

// WithBaud overrides the initial baud rate.
func WithBaud(b int) Option { return func(c *Config) { c.baud = b } }

// Port wraps a tarm/serial.Port, adding the mutex-guarded reopen-at-a-new-
// baud operation the session machine needs during baud discovery.
type Port struct {
	mu   sync.RWMutex
	port *serial.Port
	cfg  Config
}

// New opens a serial port with the given options applied over defaultConfig.
func New(opts ...Option) (*Port, error) {
	cfg := defaultConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	p, err := serial.OpenPort(&serial.Config{Name: cfg.port, Baud: cfg.baud})
	if err != nil {
		return nil, err
	}
	return &Port{port: p, cfg: cfg}, nil
}

// Read implements io.Reader.
func (p *Port) Read(b []byte) (int, error) {
	p.mu.RLock()
	port := p.port
	p.mu.RUnlock()
	return port.Read(b)
}

// Write implements io.Writer.
func (p *Port) Write(b []byte) (int, error) {
	p.mu.RLock()
	port := p.port
	p.mu.RUnlock()
	return port.Write(b)
}

// Close closes the underlying port.
func (p *Port) Close() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.port.Close()
}

// SetBaud closes and reopens the port at a new baud rate, for the session
// machine's baud-rate sweep. Callers must not have a Read/Write in flight
// when switching, matching the AT session invariant that baud probing
// happens with no command outstanding.
func (p *Port) SetBaud(baud int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.port.Close(); err != nil {
		return err
	}
	cfg := p.cfg
	cfg.baud = baud
	np, err := serial.OpenPort(&serial.Config{Name: cfg.port, Baud: baud})
	if err != nil {
		return err
	}
	p.port = np
	p.cfg = cfg
	return nil
}
