// Package session implements the cellular session state machine (C6): power
// sequencing, baud-rate discovery, SIM wait, radio enable, registration,
// attach, configuration, PSM, and the failure-counter-driven auto-reset
// policy described in spec.md §4.5.
package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gocellular/modem/at"
	"github.com/gocellular/modem/gpio"
	"github.com/gocellular/modem/socket"
	"github.com/gocellular/modem/store"
	"github.com/gocellular/modem/vendor"
	"go.uber.org/zap"
)

// Dialer is the UART byte pipe the machine drives during baud discovery: a
// plain io.Reader/io.Writer pair plus the settable baud rate spec.md's
// out-of-scope UART collaborator exposes.
type Dialer interface {
	io.Reader
	io.Writer
	SetBaud(baud int) error
}

// onConnectedHook is an optional extension a vendor.Profile may implement
// for the "run the vendor on_connected hook" step in spec.md §4.5 (e.g.
// Quectel's +QIACT). Not every vendor needs one: u-blox/Sequans PDP
// activation happens implicitly during connect.
type onConnectedHook interface {
	OnConnected(ctx context.Context, s *at.Session) error
}

// Machine orchestrates one modem's power-on-to-attached-to-power-off
// lifecycle. It does not own UART/GPIO construction or vendor.Profile
// wiring — those are assembled by the caller (matching the teacher's
// pattern of composing a gsm.GSM over an already-constructed at.AT) and
// handed in fully wired.
type Machine struct {
	mu    sync.Mutex
	state State

	dialer    Dialer
	sess      *at.Session
	locker    *at.Locker
	mux       *socket.Mux
	profile   vendor.Profile
	gpioLines gpio.Lines
	counter   store.Counter
	cfg       Config
	log       *zap.SugaredLogger

	isLTE  bool
	usePSM bool
}

// NewMachine assembles a Machine over an already-constructed at.Session
// (whose parsers/URCs the caller has registered via profile.RegisterParsers
// and the vendor package's AttachURCs), socket.Mux, and vendor.Profile. log
// may be nil, in which case nothing is logged.
func NewMachine(dialer Dialer, sess *at.Session, mux *socket.Mux, profile vendor.Profile, gpioLines gpio.Lines, counter store.Counter, cfg Config, log *zap.SugaredLogger) *Machine {
	return &Machine{
		dialer:    dialer,
		sess:      sess,
		locker:    at.NewLocker(sess),
		mux:       mux,
		profile:   profile,
		gpioLines: gpioLines,
		counter:   counter,
		cfg:       cfg,
		log:       log,
		state:     Off,
		usePSM:    cfg.UsePSM,
	}
}

// Session returns the underlying AT session, for callers (netif) that need
// to issue commands directly under the machine's Locker.
func (m *Machine) Session() *at.Session { return m.sess }

// Locker returns the AT locker guarding the session, for coarse-grained
// multi-command exclusive access (socket connect, DNS resolve).
func (m *Machine) Locker() *at.Locker { return m.locker }

// Mux returns the socket multiplexer.
func (m *Machine) Mux() *socket.Mux { return m.mux }

// Profile returns the bound vendor shim.
func (m *Machine) Profile() vendor.Profile { return m.profile }

// State returns the machine's current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if m.log != nil {
		m.log.Debugw("session state transition", "from", prev, "to", s)
	}
}

// Open drives the modem from Off to Attached: power-on, baud discovery,
// SIM wait, radio configuration, radio enable, and registration, applying
// the failure-counter auto-reset policy from spec.md §4.5 before each
// attempt.
func (m *Machine) Open(ctx context.Context) error {
	m.cfg.setDefaults()
	if err := m.cfg.validate(); err != nil {
		return err
	}

	attempts, err := store.Incr(m.counter)
	if err != nil {
		return err
	}
	switch {
	case attempts > 0 && attempts%16 == 0:
		if m.log != nil {
			m.log.Warnw("auto-reset: power-off threshold reached", "attempts", attempts)
		}
		if err := m.forcePowerOff(ctx); err != nil && m.log != nil {
			m.log.Errorw("forced power-off failed", "error", err)
		}
	case attempts > 0 && attempts%8 == 0:
		if m.log != nil {
			m.log.Warnw("auto-reset: soft-reset threshold reached", "attempts", attempts)
		}
		if err := m.softReset(ctx); err != nil && m.log != nil {
			m.log.Errorw("soft reset failed", "error", err)
		}
	}

	if err := m.openOnce(ctx); err != nil {
		return err
	}
	if err := store.Reset(m.counter); err != nil && m.log != nil {
		m.log.Errorw("attempts counter reset failed", "error", err)
	}
	return nil
}

func (m *Machine) openOnce(ctx context.Context) error {
	if err := m.powerOn(ctx); err != nil {
		return err
	}
	if err := m.probeBaud(ctx); err != nil {
		return err
	}
	if err := m.ready(ctx); err != nil {
		return err
	}
	if err := m.configure(ctx); err != nil {
		return err
	}
	if err := m.radioOn(ctx); err != nil {
		return err
	}
	if err := m.register(ctx); err != nil {
		return err
	}
	return m.onConnected(ctx)
}

func (m *Machine) powerOn(ctx context.Context) error {
	m.setState(Powering)
	pulse := m.profile.PowerPulse()
	return m.gpioLines.Power(ctx, true, pulse.OnWidth)
}

// probeBaud iterates the configured candidate baud rates, pinging an empty
// Action command at each, up to MaxBaudSweeps sweeps. On success at a
// non-preferred rate it issues +IPR to switch (and persist, where the chip
// supports it) back to the preferred rate.
func (m *Machine) probeBaud(ctx context.Context) error {
	m.setState(BaudProbing)
	preferred := m.cfg.BaudRates[0]

	for sweep := 0; sweep < m.cfg.MaxBaudSweeps; sweep++ {
		for _, baud := range m.cfg.BaudRates {
			if err := m.dialer.SetBaud(baud); err != nil {
				continue
			}
			ping := at.NewAction("").WithTimeout(250 * time.Millisecond)
			if _, err := m.sess.Send(ctx, ping); err != nil {
				continue
			}
			if baud != preferred {
				if _, err := m.sess.Set(ctx, "+IPR", []at.Param{at.IntParam(int64(preferred))}, nil); err == nil {
					_ = m.dialer.SetBaud(preferred)
				}
			}
			return nil
		}
	}
	return ErrBaudProbeFailed
}

// ready disables echo, enables verbose CME errors, and waits for SIM
// readiness via +CPIN polling.
func (m *Machine) ready(ctx context.Context) error {
	m.setState(Ready)
	if _, err := m.sess.Action(ctx, "E0"); err != nil {
		return err
	}
	if _, err := m.sess.Set(ctx, "+CMEE", []at.Param{at.IntParam(2)}, nil); err != nil {
		return err
	}
	for i := 0; i < m.cfg.SIMWaitPolls; i++ {
		if res, err := m.sess.Read(ctx, "+CPIN"); err == nil {
			if last, lerr := res.Single(); lerr == nil && len(last) > 0 {
				if status, ok := last[0].AsString(); ok && status == "READY" {
					return nil
				}
			}
		}
		select {
		case <-time.After(m.cfg.SIMWaitInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ErrSIMNotReady
}

// configure places the radio offline and runs the vendor's ConfigureRadio
// loop until a pass changes nothing, soft-resetting and re-syncing baud
// between passes that require a reboot (APN change on Quectel, RAT change
// on u-blox).
func (m *Machine) configure(ctx context.Context) error {
	m.setState(Configuring)
	if _, err := m.sess.Set(ctx, "+CFUN", []at.Param{at.IntParam(0)}, nil); err != nil {
		return err
	}

	radioCfg := vendor.RadioConfig{APN: m.cfg.APN, Bands: m.cfg.Bands, RATs: m.cfg.RATs, UsePSM: m.usePSM}
	for {
		changed, err := m.profile.ConfigureRadio(ctx, m.sess, radioCfg)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		if err := m.softReset(ctx); err != nil {
			return err
		}
		if err := m.probeBaud(ctx); err != nil {
			return err
		}
	}
}

func (m *Machine) radioOn(ctx context.Context) error {
	m.setState(RadioOn)
	_, err := m.sess.Set(ctx, "+CFUN", []at.Param{at.IntParam(1)}, nil)
	return err
}

// register issues +COPS and waits for either +CEREG or +CGREG to report
// state 1 (home) or 5 (roaming). A +CGREG arrival records a GSM attach and
// forces PSM off, per spec.md §4.5 step 6.
func (m *Machine) register(ctx context.Context) error {
	m.setState(Registering)

	type regResult struct {
		lte   bool
		state int64
	}
	ch := make(chan regResult, 2)
	makeHandler := func(lte bool) at.URCHandler {
		return func(verb string, params []at.Param) {
			st, ok := regState(params)
			if !ok {
				return
			}
			select {
			case ch <- regResult{lte: lte, state: st}:
			default:
			}
		}
	}

	m.sess.RegisterURC("+CEREG", "session-cereg", makeHandler(true))
	defer m.sess.UnregisterURC("+CEREG", "session-cereg")
	if m.cfg.supportsGSM() {
		m.sess.RegisterURC("+CGREG", "session-cgreg", makeHandler(false))
		defer m.sess.UnregisterURC("+CGREG", "session-cgreg")
	}

	if m.cfg.Operator != "" {
		if _, err := m.sess.Set(ctx, "+COPS", []at.Param{at.IntParam(1), at.IntParam(2), at.StrParam(m.cfg.Operator)}, nil); err != nil {
			return err
		}
	} else {
		if _, err := m.sess.Set(ctx, "+COPS", []at.Param{at.IntParam(0)}, nil); err != nil {
			return err
		}
	}

	for {
		select {
		case r := <-ch:
			switch r.state {
			case 1, 5:
				m.isLTE = r.lte
				if !r.lte {
					m.usePSM = false
				}
				return nil
			case 3:
				return ErrRegistrationDenied
			case 80:
				return ErrConnectionLost
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ConnectPSM re-attaches after a PSM wake: it registers the +QPSMTIMER URC
// handler (idempotently — a second registration under the same id replaces
// rather than duplicates, per at.Session.RegisterURC) and re-runs the
// normal registration-latch path.
func (m *Machine) ConnectPSM(ctx context.Context) error {
	m.sess.RegisterURC("+QPSMTIMER", "session-psmtimer", m.onPSMTimer)
	return m.register(ctx)
}

func (m *Machine) onPSMTimer(verb string, params []at.Param) {
	if m.log != nil {
		m.log.Debugw("psm timer urc", "params", params)
	}
}

func (m *Machine) onConnected(ctx context.Context) error {
	m.setState(Attached)
	if hook, ok := m.profile.(onConnectedHook); ok {
		return hook.OnConnected(ctx, m.sess)
	}
	return nil
}

// Close tears the session down: closes every live socket, then either
// powers the modem off or leaves it to sleep in PSM (when PSM is active and
// registration succeeded over LTE), then releases the GPIO lines once the
// RX line has held quiescent for 100ms.
func (m *Machine) Close(ctx context.Context) error {
	m.setState(Closing)

	for _, id := range m.mux.IDs() {
		if e, ok := m.mux.Get(id); ok {
			e.SetState(socket.Closed)
		}
		m.mux.Remove(id)
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	sleepInPSM := m.usePSM && m.isLTE
	if !sleepInPSM {
		record(m.locker.Do(ctx, func(ctx context.Context, s *at.Session) error {
			return m.profile.PowerOff(ctx, s)
		}))
	}

	if !m.profile.IsPoweredOff(ctx) {
		record(m.forcePowerOff(ctx))
	}

	record(m.gpioLines.AwaitQuiescent(ctx, gpio.RX, 100*time.Millisecond))
	record(m.gpioLines.Release())

	m.setState(Off)
	return firstErr
}

func (m *Machine) forcePowerOff(ctx context.Context) error {
	pulse := m.profile.PowerPulse()
	return m.gpioLines.Power(ctx, false, pulse.OffWidth)
}

func (m *Machine) softReset(ctx context.Context) error {
	pulse := m.profile.PowerPulse()
	return m.gpioLines.Reset(ctx, true, pulse.OffWidth)
}

// regState reads the <stat> field from a +CEREG/+CGREG URC. The bare form
// is "+CEREG: <stat>"; the extended form adds trailing <tac>/<ci>/<AcT>
// fields, so <stat> is always index 0, never the last parameter.
func regState(params []at.Param) (int64, bool) {
	if len(params) == 0 {
		return 0, false
	}
	return params[0].AsInt()
}
