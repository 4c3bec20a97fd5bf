package trace

import (
	"io"

	"go.uber.org/zap"
)

// ZapTrace is a trace log on an io.ReadWriter that emits structured log
// entries through a *zap.Logger instead of the standard library's log.Logger,
// for callers already wired into zap for their process-wide logging.
type ZapTrace struct {
	rw  io.ReadWriter
	log *zap.Logger
}

// NewZap creates a ZapTrace on the io.ReadWriter. Every Read/Write that
// transfers bytes is logged at debug level under the "at.io" logger name,
// with the message "rx" or "tx" and the bytes in a "data" field.
func NewZap(rw io.ReadWriter, l *zap.Logger) *ZapTrace {
	return &ZapTrace{rw: rw, log: l.Named("at.io")}
}

func (t *ZapTrace) Read(p []byte) (n int, err error) {
	n, err = t.rw.Read(p)
	if n > 0 {
		t.log.Debug("rx", zap.ByteString("data", p[:n]))
	}
	if err != nil {
		t.log.Debug("rx error", zap.Error(err))
	}
	return n, err
}

func (t *ZapTrace) Write(p []byte) (n int, err error) {
	n, err = t.rw.Write(p)
	if n > 0 {
		t.log.Debug("tx", zap.ByteString("data", p[:n]))
	}
	if err != nil {
		t.log.Debug("tx error", zap.Error(err))
	}
	return n, err
}
