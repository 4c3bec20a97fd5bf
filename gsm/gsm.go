// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package gsm provides a driver for the GSM-era SMS command set, layered
// over a session's AT engine. It predates the cellular session machine and
// talks directly to an at.Session rather than going through a vendor
// Profile, matching how the teacher's GSM decorator worked directly on the
// bare AT layer.
package gsm

import (
	"context"
	"errors"
	"fmt"

	"github.com/gocellular/modem/at"
	"github.com/warthog618/sms/encoding/pdumode"
)

const ctrlZ = 0x1a

// GSM decorates an at.Session with GSM SMS functionality.
type GSM struct {
	s       *at.Session
	sca     pdumode.SMSCAddress
	pduMode bool
}

// New creates a new GSM decorator over an already-constructed session.
func New(s *at.Session) *GSM {
	return &GSM{s: s}
}

// SetSCA sets the SCA used when transmitting SMSs.
//
// This overrides the default set in the SIM.
func (g *GSM) SetSCA(sca pdumode.SMSCAddress) {
	g.sca = sca
}

// SetPDUMode sets the GSM to use PDU mode when transmitting SMSs.
//
// This must be called before Init.
func (g *GSM) SetPDUMode() {
	g.pduMode = true
}

// Init initialises the GSM modem: it checks +GCAP for GSM SMS support and
// configures text or PDU mode and verbose error reporting.
func (g *GSM) Init(ctx context.Context) error {
	res, err := g.s.Action(ctx, "+GCAP")
	if err != nil {
		return err
	}
	capabilities := make(map[string]bool)
	for _, params := range res.Responses {
		for _, p := range params {
			if str, ok := p.AsString(); ok {
				capabilities[str] = true
			}
		}
	}
	if !capabilities["+CGSM"] {
		return ErrNotGSMCapable
	}

	mode := at.IntParam(1) // text mode
	if g.pduMode {
		mode = at.IntParam(0)
	}
	if _, err := g.s.Set(ctx, "+CMGF", []at.Param{mode}, nil); err != nil {
		return err
	}
	if _, err := g.s.Set(ctx, "+CMEE", []at.Param{at.IntParam(2)}, nil); err != nil {
		return err
	}
	return nil
}

// SendSMS sends an SMS message to the number, in text mode.
//
// The mr is returned on success, else an error.
func (g *GSM) SendSMS(ctx context.Context, number string, message string) (string, error) {
	if g.pduMode {
		return "", ErrWrongMode
	}
	cmd := at.NewSet("+CMGS", at.StrParam(number)).WithData(append([]byte(message), ctrlZ))
	res, err := g.s.Send(ctx, cmd)
	if err != nil {
		return "", err
	}
	return parseCMGS(res)
}

// SendSMSPDU sends an SMS PDU, in PDU mode.
//
// tpdu is the binary TPDU to be sent.
// The mr is returned on success, else an error.
func (g *GSM) SendSMSPDU(ctx context.Context, tpdu []byte) (string, error) {
	if !g.pduMode {
		return "", ErrWrongMode
	}
	pdu := pdumode.PDU{SMSC: g.sca, TPDU: tpdu}
	s, err := pdu.MarshalHexString()
	if err != nil {
		return "", err
	}
	cmd := at.NewSet("+CMGS", at.IntParam(int64(len(tpdu)))).WithData(append([]byte(s), ctrlZ))
	res, sendErr := g.s.Send(ctx, cmd)
	if sendErr != nil {
		return "", sendErr
	}
	return parseCMGS(res)
}

func parseCMGS(res at.Result) (string, error) {
	for _, params := range res.Responses {
		if len(params) > 0 {
			if str, ok := params[0].AsString(); ok {
				return str, nil
			}
			if n, ok := params[0].AsInt(); ok {
				return fmt.Sprint(n), nil
			}
		}
	}
	return "", ErrMalformedResponse
}

var (
	// ErrNotGSMCapable indicates that the modem does not support the GSM
	// command set, as determined from the GCAP response.
	ErrNotGSMCapable = errors.New("modem is not GSM capable")

	// ErrNotPINReady indicates the modem SIM card is not ready to perform operations.
	ErrNotPINReady = errors.New("modem is not PIN Ready")

	// ErrMalformedResponse indicates the modem returned a badly formed
	// response.
	ErrMalformedResponse = errors.New("modem returned malformed response")

	// ErrWrongMode indicates the GSM modem is operating in the wrong mode and so cannot support the command.
	ErrWrongMode = errors.New("modem is in the wrong mode")
)
