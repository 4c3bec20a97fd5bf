package session

import (
	"time"

	"github.com/gocellular/modem/vendor"
)

// Config is the session machine's configuration surface: the keys
// enumerated in spec.md's external-interfaces section that govern the
// machine's own orchestration (APN/bands/RATs/PSM/baud). Pin descriptors
// are the caller's concern when constructing a gpio.Lines and are not
// repeated here; log level is the caller's *zap.SugaredLogger setup.
type Config struct {
	APN      string
	Bands    []int
	RATs     []vendor.RAT
	Operator string // empty selects automatic operator selection (+COPS=0)
	UsePSM   bool

	BaudRates       []int // candidate baud rates, first entry preferred
	MaxBaudSweeps   int
	SIMWaitPolls    int
	SIMWaitInterval time.Duration
}

// setDefaults fills the fields a caller may reasonably leave zero, mirroring
// the teacher pack's Config.setDefaults()/validate() pair.
func (c *Config) setDefaults() {
	if len(c.BaudRates) == 0 {
		c.BaudRates = []int{921_600, 115_200}
	}
	if c.MaxBaudSweeps == 0 {
		c.MaxBaudSweeps = 5
	}
	if c.SIMWaitPolls == 0 {
		c.SIMWaitPolls = 40
	}
	if c.SIMWaitInterval == 0 {
		c.SIMWaitInterval = 250 * time.Millisecond
	}
}

func (c Config) validate() error {
	if len(c.BaudRates) == 0 {
		return ErrInvalidConfig
	}
	return nil
}

func (c Config) supportsGSM() bool {
	for _, r := range c.RATs {
		if r == vendor.RATGSM {
			return true
		}
	}
	return false
}
