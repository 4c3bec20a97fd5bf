package at

import "context"

// lockKey is the context sentinel used to detect reentrant Locker.Do calls.
// Go has no goroutine-local storage, so reentrancy is tracked by checking
// whether the context passed in already carries this session's key, rather
// than by a thread-local flag.
type lockKey struct{}

// Locker serializes exclusive access to a Session for callers that need to
// issue more than one command as an atomic unit (e.g. socket open: select
// profile then issue connect). Unlike Session.Send, which only serializes a
// single command, Locker.Do holds its caller's exclusive turn across the
// whole callback.
type Locker struct {
	session *Session
	ch      chan struct{} // 1-buffered, acts as a non-reentrant mutex
}

// NewLocker creates a Locker guarding s. s itself still serializes individual
// Send calls; Locker adds a coarser exclusive-access scope on top.
func NewLocker(s *Session) *Locker {
	l := &Locker{session: s, ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

// Do runs fn with exclusive access to the locker's session. A Do call made
// with a context derived from another, still-in-progress Do on the same
// Locker returns ErrReentrant immediately rather than deadlocking.
func (l *Locker) Do(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	if ctx.Value(lockKey{}) == l {
		return ErrReentrant
	}
	select {
	case <-l.session.Closed():
		return ErrClosed
	default:
	}

	select {
	case <-l.ch:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.session.Closed():
		return ErrClosed
	}
	defer func() { l.ch <- struct{}{} }()

	select {
	case <-l.session.Closed():
		return ErrClosed
	default:
	}

	inner := context.WithValue(ctx, lockKey{}, l)
	return fn(inner, l.session)
}
