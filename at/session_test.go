package at_test

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gocellular/modem/at"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockModem is a synchronous, in-memory io.ReadWriter standing in for a
// modem's UART: writes are matched against a canned command set and the
// corresponding response lines are queued for the reader side.
type mockModem struct {
	mu      sync.Mutex
	cmdSet  map[string][]string
	pending bytes.Buffer
	rx      chan []byte
	closed  bool

	errOnWrite   bool
	closeOnWrite bool
}

func newMockModem(cmdSet map[string][]string) *mockModem {
	return &mockModem{cmdSet: cmdSet, rx: make(chan []byte, 64)}
}

func (m *mockModem) Write(p []byte) (int, error) {
	m.mu.Lock()
	if m.errOnWrite {
		m.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if m.closeOnWrite {
		m.closed = true
		close(m.rx)
		m.mu.Unlock()
		return len(p), nil
	}
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

// inject pushes a raw line (already caller-formatted) as if the modem sent
// it unprompted, for URC testing.
func (m *mockModem) inject(line string) {
	m.rx <- []byte(line + "\r\n")
}

func (m *mockModem) Read(p []byte) (int, error) {
	b, ok := <-m.rx
	if !ok {
		return 0, io.EOF
	}
	n := copy(p, b)
	return n, nil
}

// Close lets Session.Close unblock a Read parked on an empty rx channel.
func (m *mockModem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.rx)
	}
	return nil
}

func setup(cmdSet map[string][]string) (*at.Session, *mockModem) {
	m := newMockModem(cmdSet)
	s := at.New(m, m)
	return s, m
}

func TestActionOK(t *testing.T) {
	s, _ := setup(map[string][]string{
		"ATI": {"OK"},
	})
	defer s.Close()
	res, err := s.Action(context.Background(), "I")
	require.NoError(t, err)
	assert.Equal(t, "OK", res.Code)
}

func TestReadWithInfoLine(t *testing.T) {
	s, _ := setup(map[string][]string{
		"AT+CPIN?": {"+CPIN: READY", "OK"},
	})
	defer s.Close()
	res, err := s.Read(context.Background(), "+CPIN")
	require.NoError(t, err)
	last, err := res.Single()
	require.NoError(t, err)
	str, ok := last[0].AsString()
	require.True(t, ok)
	assert.Equal(t, "READY", str)
}

func TestSetWithParams(t *testing.T) {
	s, _ := setup(map[string][]string{
		`AT+CGDCONT=1,"IP","apn"`: {"OK"},
	})
	defer s.Close()
	res, err := s.Set(context.Background(), "+CGDCONT",
		[]at.Param{at.IntParam(1), at.StrParam("IP"), at.StrParam("apn")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "OK", res.Code)
}

func TestCMEError(t *testing.T) {
	s, _ := setup(map[string][]string{
		"AT+COPS?": {"+CME ERROR: 30"},
	})
	defer s.Close()
	_, err := s.Read(context.Background(), "+COPS")
	require.Error(t, err)
	var cme at.CMEError
	assert.ErrorAs(t, err, &cme)
}

func TestPlainError(t *testing.T) {
	s, _ := setup(map[string][]string{
		"ATZ": {"ERROR"},
	})
	defer s.Close()
	_, err := s.Action(context.Background(), "Z")
	require.Error(t, err)
}

func TestCommandTimeout(t *testing.T) {
	s, _ := setup(map[string][]string{})
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	cmd := at.NewAction("+CFUN").WithTimeout(20 * time.Millisecond)
	_, err := s.Send(ctx, cmd)
	require.Error(t, err)
}

func TestURCDispatch(t *testing.T) {
	s, m := setup(map[string][]string{})
	defer s.Close()

	got := make(chan []at.Param, 1)
	s.RegisterURC("+CREG", "", func(verb string, params []at.Param) {
		got <- params
	})
	m.inject("+CREG: 1,5")

	select {
	case params := <-got:
		n, ok := params[0].AsInt()
		require.True(t, ok)
		assert.Equal(t, int64(1), n)
	case <-time.After(time.Second):
		t.Fatal("URC not delivered")
	}
}

func TestURCDuplicateIDReplaces(t *testing.T) {
	s, m := setup(map[string][]string{})
	defer s.Close()

	var calls int
	var mu sync.Mutex
	s.RegisterURC("+QPSMTIMER", "wake", func(verb string, params []at.Param) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	s.RegisterURC("+QPSMTIMER", "wake", func(verb string, params []at.Param) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	m.inject("+QPSMTIMER: 1")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "re-registering the same id must replace, not append")
}

func TestURCAnonymousDuplicatesBothFire(t *testing.T) {
	s, m := setup(map[string][]string{})
	defer s.Close()

	var calls int
	var mu sync.Mutex
	h := func(verb string, params []at.Param) {
		mu.Lock()
		calls++
		mu.Unlock()
	}
	s.RegisterURC("+CREG", "", h)
	s.RegisterURC("+CREG", "", h)
	m.inject("+CREG: 1")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestUnregisterURC(t *testing.T) {
	s, m := setup(map[string][]string{})
	defer s.Close()

	called := false
	s.RegisterURC("+CREG", "x", func(verb string, params []at.Param) { called = true })
	s.UnregisterURC("+CREG", "x")
	m.inject("+CREG: 1")
	time.Sleep(50 * time.Millisecond)
	assert.False(t, called)
}

func TestAddOKTermination(t *testing.T) {
	s, _ := setup(map[string][]string{
		"AT+CIPSEND": {"SEND OK"},
	})
	defer s.Close()
	s.AddOKTermination("SEND OK")
	res, err := s.Action(context.Background(), "+CIPSEND")
	require.NoError(t, err)
	assert.Equal(t, "SEND OK", res.Code)
}

func TestAddErrorTermination(t *testing.T) {
	s, _ := setup(map[string][]string{
		"ATD123;": {"NO CARRIER"},
	})
	defer s.Close()
	s.AddErrorTermination("NO CARRIER")
	_, err := s.Send(context.Background(), at.NewRaw("D123;"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NO CARRIER")
}

func TestAddResponseParserDuplicateRejected(t *testing.T) {
	s, _ := setup(map[string][]string{})
	defer s.Close()
	noop := func(verb, rest string, br *bufio.Reader) ([]at.Param, error) {
		return nil, nil
	}
	require.NoError(t, s.AddResponseParser("+QIRD", noop))
	err := s.AddResponseParser("+QIRD", noop)
	assert.ErrorIs(t, err, at.ErrParserExists)
}

func TestCommandClosedOnWrite(t *testing.T) {
	m := newMockModem(nil)
	m.closeOnWrite = true
	s := at.New(m, m)
	_, err := s.Action(context.Background(), "I")
	require.Error(t, err)
}

func TestClosedSessionRejectsSend(t *testing.T) {
	m := newMockModem(map[string][]string{"ATI": {"OK"}})
	s := at.New(m, m)
	s.Close()
	_, err := s.Action(context.Background(), "I")
	assert.ErrorIs(t, err, at.ErrClosed)
}
