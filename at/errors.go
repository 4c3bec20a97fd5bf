package at

import "github.com/pkg/errors"

// CMEError is a terminating "+CME ERROR: <detail>" line.
type CMEError string

func (e CMEError) Error() string { return "CME Error: " + string(e) }

// CMSError is a terminating "+CMS ERROR: <detail>" line.
type CMSError string

func (e CMSError) Error() string { return "CMS Error: " + string(e) }

// ATError is any other terminating error line: bare ERROR, or a
// vendor-registered error termination such as NO CARRIER or SEND FAIL.
type ATError string

func (e ATError) Error() string { return string(e) }

var (
	// ErrClosed indicates an operation cannot proceed because the session
	// has been torn down.
	ErrClosed = errors.New("at: session closed")
	// ErrReentrant indicates a Locker.Do call was made from within another
	// Locker.Do invocation on the same session.
	ErrReentrant = errors.New("at: reentrant session access")
	// ErrMalformedResponse indicates the modem's response didn't match the
	// shape the caller expected (e.g. Result.Single on a multi-line result).
	ErrMalformedResponse = errors.New("at: malformed response")
	// ErrCommandTimeout indicates no terminating line arrived before the
	// command's deadline.
	ErrCommandTimeout = errors.New("at: command timeout")
	// ErrParserExists indicates a response parser is already registered for
	// a verb; AddResponseParser does not allow silent replacement.
	ErrParserExists = errors.New("at: response parser already registered for verb")
)
