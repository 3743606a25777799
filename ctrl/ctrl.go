// SPDX-License-Identifier: MIT

// Package ctrl provides the control plane driver for a cellular modem:
// network registration and attach, identity and radio information, the
// network clock, and SMS send and delivery hooks.
//
// All operations are command exchanges on a shared at.Channel and may be
// called from any goroutine.  Radio parameters are sampled as a set by
// RefreshRadioParameters and read back with the getters, so all of the
// values relate to the same point in time.
package ctrl

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/umodem/cellular/at"
)

const (
	// DefaultConnectTimeout bounds the operator selection exchange, which
	// can run for minutes while the modem scans bands.
	DefaultConnectTimeout = 3 * time.Minute

	// registration is polled at this period while connecting
	registrationPollPeriod = time.Second

	smsSendTimeout = 30 * time.Second

	// Ctrl-Z terminates the SMS text entry
	smsEOM = 0x1a
)

var (
	// ErrMalformedResponse indicates the modem returned a response that
	// could not be parsed.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrUnavailable indicates the requested measurement has not been
	// reported by the network, typically as the modem is not registered.
	ErrUnavailable = errors.New("not available")
)

// NetworkStatus is the registration state reported by +CREG and friends.
type NetworkStatus int

const (
	// NotRegistered indicates the modem is idle and not searching.
	NotRegistered NetworkStatus = 0

	// RegisteredHome indicates registration on the home network.
	RegisteredHome NetworkStatus = 1

	// Searching indicates a registration attempt is in progress.
	Searching NetworkStatus = 2

	// RegistrationDenied indicates the network refused registration.
	RegistrationDenied NetworkStatus = 3

	// StatusUnknown indicates the state is not known, e.g. out of coverage.
	StatusUnknown NetworkStatus = 4

	// RegisteredRoaming indicates registration on a visited network.
	RegisteredRoaming NetworkStatus = 5
)

// Registered returns true if the status indicates service is available.
func (s NetworkStatus) Registered() bool {
	return s == RegisteredHome || s == RegisteredRoaming
}

// Rat is a radio access technology, using the +COPS AcT numbering.
type Rat int

const (
	// RatUnknown indicates the technology in use is not known.
	RatUnknown Rat = -1

	// RatGSM is 2G GSM.
	RatGSM Rat = 0

	// RatUTRAN is 3G UMTS.
	RatUTRAN Rat = 2

	// RatLTE is LTE cat-M1.
	RatLTE Rat = 7

	// RatECGSM is EC-GSM-IoT.
	RatECGSM Rat = 8

	// RatNBIoT is NB-IoT (LTE cat-NB1).
	RatNBIoT Rat = 9
)

func (r Rat) String() string {
	switch r {
	case RatGSM:
		return "GSM"
	case RatUTRAN:
		return "UTRAN"
	case RatLTE:
		return "LTE"
	case RatECGSM:
		return "EC-GSM"
	case RatNBIoT:
		return "NB-IoT"
	default:
		return "unknown"
	}
}

// MessageHandler is called, on the callback goroutine, with the raw hex
// encoded PDU of each delivered SMS.
type MessageHandler func(pdu string)

// the registration commands whose URCs and query forms are tracked
var regCommands = []string{"+CEREG", "+CGREG", "+CREG"}

// Ctrl is the control plane driver.
type Ctrl struct {
	ch *at.Channel

	connectTimeout time.Duration

	mu     sync.Mutex
	status map[string]NetworkStatus

	// radio parameters, sampled by RefreshRadioParameters
	rssi   int // dBm, 0 when unavailable
	rsrp   int // dBm, 0 when unavailable
	rsrq   int // dB, 0 when unavailable
	rxqual int // 0-7, -1 when unavailable
	cellID int // -1 when unavailable
	earfcn int // -1 when unavailable

	msgHandler MessageHandler
}

// Option is a construction option for the driver.
type Option func(*Ctrl)

// WithConnectTimeout overrides the operator selection timeout used by
// Connect.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Ctrl) {
		c.connectTimeout = d
	}
}

// New creates a control driver on the channel.
func New(ch *at.Channel, options ...Option) *Ctrl {
	c := &Ctrl{
		ch:             ch,
		connectTimeout: DefaultConnectTimeout,
		status:         map[string]NetworkStatus{},
		rxqual:         -1,
		cellID:         -1,
		earfcn:         -1,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Init brings the modem to a known state: echo off, numeric CME errors,
// and registration URCs enabled and hooked.
func (c *Ctrl) Init() error {
	if err := c.ch.Init("ATE0", "AT+CMEE=1"); err != nil {
		return err
	}
	for _, cmd := range regCommands {
		cmd := cmd
		err := c.ch.SetURCHandler(cmd+":", func(ch *at.Channel) {
			c.setStatus(cmd, NetworkStatus(ch.ReadInt()))
		})
		if err != nil && err != at.ErrURCExists {
			return err
		}
		if err = c.run("AT" + cmd + "=1"); err != nil {
			return err
		}
	}
	return nil
}

// Deinit removes the driver's URC handlers.  It may be called repeatedly.
func (c *Ctrl) Deinit() {
	for _, cmd := range regCommands {
		c.ch.RemoveURCHandler(cmd + ":")
	}
	c.ch.RemoveURCHandler("+CMT:")
}

// Connect turns the radio on, configures the APN if one is given, starts
// automatic operator selection and then waits for registration.  The wait
// is polled in one second slices so the context can cancel it.
func (c *Ctrl) Connect(ctx context.Context, apn string) error {
	if err := c.run("AT+CFUN=1"); err != nil {
		return err
	}
	if apn != "" {
		c.ch.Lock()
		c.ch.CmdStart("AT+CGDCONT=")
		c.ch.WriteInt(1)
		c.ch.WriteString("IP", true)
		c.ch.WriteString(apn, true)
		c.ch.CmdStopReadResp()
		if err := c.ch.UnlockReturnError(); err != nil {
			return errors.WithMessage(err, "set apn")
		}
	}
	c.ch.Lock()
	c.ch.SetTimeout(c.connectTimeout, false)
	c.ch.CmdStart("AT+COPS=")
	c.ch.WriteInt(0)
	c.ch.CmdStopReadResp()
	c.ch.RestoreTimeout()
	if err := c.ch.UnlockReturnError(); err != nil {
		return errors.WithMessage(err, "operator selection")
	}
	for {
		if c.IsRegistered() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ch.Closed():
			return at.ErrClosed
		case <-time.After(registrationPollPeriod):
		}
	}
}

// Disconnect deregisters from the network.  The cached radio parameters
// are cleared.
func (c *Ctrl) Disconnect() error {
	err := c.run("AT+COPS=2")
	c.mu.Lock()
	c.status = map[string]NetworkStatus{}
	c.rssi = 0
	c.rsrp = 0
	c.rsrq = 0
	c.rxqual = -1
	c.cellID = -1
	c.earfcn = -1
	c.mu.Unlock()
	return err
}

// IsRegistered returns true if the modem is registered with a network,
// on any of the tracked radio access networks.
func (c *Ctrl) IsRegistered() bool {
	if s, err := c.queryRegistration("+CEREG"); err == nil && s.Registered() {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.status {
		if s.Registered() {
			return true
		}
	}
	return false
}

// NetworkStatus returns the latest registration state seen for the
// registration command, e.g. "+CEREG".
func (c *Ctrl) NetworkStatus(cmd string) NetworkStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.status[cmd]; ok {
		return s
	}
	return StatusUnknown
}

// ActiveRat returns the radio access technology currently in use.
func (c *Ctrl) ActiveRat() (Rat, error) {
	c.ch.Lock()
	c.ch.CmdStart("AT+COPS?")
	c.ch.CmdStop()
	c.ch.RespStart("+COPS:", false)
	c.ch.SkipParam(3)
	rat := c.ch.ReadInt()
	c.ch.RespStop()
	if err := c.ch.UnlockReturnError(); err != nil {
		return RatUnknown, err
	}
	if rat < 0 {
		return RatUnknown, ErrUnavailable
	}
	return Rat(rat), nil
}

// Operator returns the name of the operator the modem is registered with.
func (c *Ctrl) Operator() (string, error) {
	c.ch.Lock()
	c.ch.CmdStart("AT+COPS?")
	c.ch.CmdStop()
	c.ch.RespStart("+COPS:", false)
	c.ch.SkipParam(2)
	oper, rerr := c.ch.ReadString(64, true)
	c.ch.RespStop()
	if err := c.ch.UnlockReturnError(); err != nil {
		return "", err
	}
	if rerr != nil {
		return "", ErrUnavailable
	}
	return oper, nil
}

// MccMnc returns the MCC and MNC of the registered network.  The operator
// format is switched to numeric for the read and restored afterwards.
func (c *Ctrl) MccMnc() (int, int, error) {
	if err := c.run("AT+COPS=3,2"); err != nil {
		return 0, 0, err
	}
	oper, err := c.Operator()
	if rerr := c.run("AT+COPS=3,0"); err == nil {
		err = rerr
	}
	if err != nil {
		return 0, 0, err
	}
	if len(oper) < 5 {
		return 0, 0, ErrMalformedResponse
	}
	mcc, merr := strconv.Atoi(oper[:3])
	mnc, nerr := strconv.Atoi(oper[3:])
	if merr != nil || nerr != nil {
		return 0, 0, ErrMalformedResponse
	}
	return mcc, mnc, nil
}

// IPAddress returns the address assigned to the data context.
func (c *Ctrl) IPAddress() (string, error) {
	c.ch.Lock()
	c.ch.CmdStart("AT+CGPADDR=")
	c.ch.WriteInt(1)
	c.ch.CmdStop()
	c.ch.RespStart("+CGPADDR:", false)
	c.ch.SkipParam(1)
	ip, rerr := c.ch.ReadString(64, true)
	c.ch.RespStop()
	if err := c.ch.UnlockReturnError(); err != nil {
		return "", err
	}
	if rerr != nil {
		return "", ErrUnavailable
	}
	return ip, nil
}

// APN returns the APN of the data context.
func (c *Ctrl) APN() (string, error) {
	c.ch.Lock()
	c.ch.CmdStart("AT+CGDCONT?")
	c.ch.CmdStop()
	c.ch.RespStart("+CGDCONT:", false)
	c.ch.SkipParam(2)
	apn, rerr := c.ch.ReadString(64, true)
	c.ch.RespStop()
	if err := c.ch.UnlockReturnError(); err != nil {
		return "", err
	}
	if rerr != nil {
		return "", ErrUnavailable
	}
	return apn, nil
}

// IMEI returns the IMEI of the modem.
func (c *Ctrl) IMEI() (string, error) {
	return c.ident("AT+CGSN", 16)
}

// IMSI returns the IMSI of the SIM.
func (c *Ctrl) IMSI() (string, error) {
	return c.ident("AT+CIMI", 16)
}

// ICCID returns the ICCID of the SIM.
func (c *Ctrl) ICCID() (string, error) {
	c.ch.Lock()
	c.ch.CmdStart("AT+CCID")
	c.ch.CmdStop()
	c.ch.RespStart("+CCID:", false)
	iccid, rerr := c.ch.ReadString(24, false)
	c.ch.RespStop()
	if err := c.ch.UnlockReturnError(); err != nil {
		return "", err
	}
	if rerr != nil {
		return "", rerr
	}
	return iccid, nil
}

// Manufacturer returns the modem manufacturer string.
func (c *Ctrl) Manufacturer() (string, error) {
	return c.ident("AT+CGMI", 64)
}

// Model returns the modem model string.
func (c *Ctrl) Model() (string, error) {
	return c.ident("AT+CGMM", 64)
}

// FirmwareVersion returns the modem firmware version string.
func (c *Ctrl) FirmwareVersion() (string, error) {
	return c.ident("AT+CGMR", 64)
}

// TimeUTC returns the network time from the modem clock.
func (c *Ctrl) TimeUTC() (time.Time, error) {
	c.ch.Lock()
	c.ch.CmdStart("AT+CCLK?")
	c.ch.CmdStop()
	c.ch.RespStart("+CCLK:", false)
	clk, rerr := c.ch.ReadString(32, true)
	c.ch.RespStop()
	if err := c.ch.UnlockReturnError(); err != nil {
		return time.Time{}, err
	}
	if rerr != nil {
		return time.Time{}, rerr
	}
	return parseClock(clk)
}

// RefreshRadioParameters samples RSSI, RxQual, RSRP, RSRQ, cell ID and
// EARFCN as a set.  RSRP, RSRQ, cell ID and EARFCN are only available on
// EUTRAN; elsewhere they remain at their unavailable values.
func (c *Ctrl) RefreshRadioParameters() error {
	c.ch.Lock()
	c.ch.CmdStart("AT+CSQ")
	c.ch.CmdStop()
	c.ch.RespStart("+CSQ:", false)
	n := c.ch.ReadInt()
	q := c.ch.ReadInt()
	c.ch.RespStop()
	if err := c.ch.UnlockReturnError(); err != nil {
		return err
	}
	rssi := 0
	if n >= 0 && n <= 31 {
		rssi = -113 + 2*n
	}
	rxqual := -1
	if q >= 0 && q <= 7 {
		rxqual = q
	}
	rsrp, rsrq, cellID, earfcn := c.readCellEnvironment()
	c.mu.Lock()
	c.rssi = rssi
	c.rxqual = rxqual
	c.rsrp = rsrp
	c.rsrq = rsrq
	c.cellID = cellID
	c.earfcn = earfcn
	c.mu.Unlock()
	return nil
}

// readCellEnvironment reads the serving cell detail from +UCGED.  The
// response is the mode on the response line followed by two plain lines,
// the second carrying the EUTRAN serving cell fields.
func (c *Ctrl) readCellEnvironment() (rsrp, rsrq, cellID, earfcn int) {
	rsrp, rsrq, cellID, earfcn = 0, 0, -1, -1
	c.ch.Lock()
	c.ch.CmdStart("AT+UCGED?")
	c.ch.CmdStop()
	c.ch.RespStart("+UCGED:", false)
	mode := c.ch.ReadInt()
	summary, _ := c.ch.ReadLine(64)
	cell, rerr := c.ch.ReadLine(256)
	c.ch.RespStop()
	if err := c.ch.UnlockReturnError(); err != nil || rerr != nil {
		return
	}
	if mode != 2 || !strings.HasPrefix(summary, "6,") {
		// not EUTRAN
		return
	}
	f := strings.Split(cell, ",")
	if len(f) < 12 {
		return
	}
	if v, err := strconv.Atoi(f[0]); err == nil {
		earfcn = v
	}
	if v, err := strconv.ParseInt(f[5], 16, 32); err == nil {
		cellID = int(v)
	}
	if v, err := strconv.ParseFloat(strings.Trim(f[10], "\""), 64); err == nil {
		rsrp = int(math.Round(v))
	}
	if v, err := strconv.ParseFloat(strings.Trim(f[11], "\""), 64); err == nil {
		rsrq = int(math.Round(v))
	}
	return
}

// RSSI returns the received signal strength in dBm, or zero if no
// measurement is available.
func (c *Ctrl) RSSI() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rssi
}

// RSRP returns the reference signal received power in dBm, or zero if no
// measurement is available.
func (c *Ctrl) RSRP() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rsrp
}

// RSRQ returns the reference signal received quality in dB, or zero if no
// measurement is available.
func (c *Ctrl) RSRQ() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rsrq
}

// RxQual returns the RxQual, 0 to 7, or -1 if not available.
func (c *Ctrl) RxQual() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rxqual
}

// CellID returns the serving cell ID, or -1 if not registered.
func (c *Ctrl) CellID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cellID
}

// EARFCN returns the serving cell EARFCN, or -1 if not registered.
func (c *Ctrl) EARFCN() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.earfcn
}

// SNR returns RSRP / (RSSI - RSRP), from the last sampled set.  If the
// two are equal the maximal value is returned.
func (c *Ctrl) SNR() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rssi == 0 || c.rsrp == 0 {
		return 0, ErrUnavailable
	}
	den := c.rssi - c.rsrp
	if den == 0 {
		return math.MaxInt32, nil
	}
	return c.rsrp / den, nil
}

// ConsecutiveTimeouts returns the number of consecutive command exchanges
// that have timed out on the underlying channel.
func (c *Ctrl) ConsecutiveTimeouts() int {
	return c.ch.ConsecutiveTimeouts()
}

// SendSMS sends message to number as a text mode SMS and returns the
// message reference.
func (c *Ctrl) SendSMS(number, message string) (int, error) {
	if err := c.run("AT+CMGF=1"); err != nil {
		return -1, err
	}
	c.ch.Lock()
	c.ch.SetTimeout(smsSendTimeout, false)
	c.ch.CmdStart("AT+CMGS=")
	c.ch.WriteString(number, true)
	c.ch.CmdStop()
	if err := c.ch.WaitChar('>'); err == nil {
		c.ch.WriteBytes([]byte(message))
		c.ch.WriteBytes([]byte{smsEOM})
	}
	c.ch.RespStart("+CMGS:", false)
	mr := c.ch.ReadInt()
	c.ch.RespStop()
	c.ch.RestoreTimeout()
	if err := c.ch.UnlockReturnError(); err != nil {
		return -1, errors.WithMessage(err, "send sms")
	}
	return mr, nil
}

// OnMessage switches the modem to PDU mode with direct delivery and hooks
// delivered messages.  Each message is acknowledged to the modem and the
// handler called with its raw PDU, on the callback goroutine.
func (c *Ctrl) OnMessage(handler MessageHandler) error {
	c.mu.Lock()
	c.msgHandler = handler
	c.mu.Unlock()
	err := c.ch.SetURCHandler("+CMT:", c.cmtHandler)
	if err != nil && err != at.ErrURCExists {
		return err
	}
	for _, cmd := range []string{"AT+CMGF=0", "AT+CNMI=2,2"} {
		if err := c.run(cmd); err != nil {
			return err
		}
	}
	return nil
}

// OffMessage unhooks message delivery.
func (c *Ctrl) OffMessage() {
	c.ch.RemoveURCHandler("+CMT:")
	c.mu.Lock()
	c.msgHandler = nil
	c.mu.Unlock()
}

// cmtHandler parses a +CMT delivery, a parameter line followed by the PDU
// on a line of its own.
func (c *Ctrl) cmtHandler(ch *at.Channel) {
	ch.SkipParam(1)
	n := ch.ReadInt()
	pdu, err := ch.ReadLine(512)
	if err != nil || n < 0 {
		return
	}
	c.mu.Lock()
	h := c.msgHandler
	c.mu.Unlock()
	ch.Callback(func() {
		// ack before handing off, or the modem retries the delivery
		c.run("AT+CNMA")
		if h != nil {
			h(pdu)
		}
	})
}

func (c *Ctrl) setStatus(cmd string, s NetworkStatus) {
	c.mu.Lock()
	c.status[cmd] = s
	c.mu.Unlock()
}

// queryRegistration polls the solicited form of a registration command.
func (c *Ctrl) queryRegistration(cmd string) (NetworkStatus, error) {
	c.ch.Lock()
	c.ch.CmdStart("AT" + cmd + "?")
	c.ch.CmdStop()
	c.ch.RespStart(cmd+":", false)
	c.ch.SkipParam(1)
	stat := c.ch.ReadInt()
	c.ch.RespStop()
	if err := c.ch.UnlockReturnError(); err != nil {
		return StatusUnknown, err
	}
	if stat < 0 {
		return StatusUnknown, ErrMalformedResponse
	}
	s := NetworkStatus(stat)
	c.setStatus(cmd, s)
	return s, nil
}

// ident reads the response to an identity command, a plain line with no
// prefix followed by the final result.
func (c *Ctrl) ident(cmd string, max int) (string, error) {
	c.ch.Lock()
	c.ch.CmdStart(cmd)
	c.ch.CmdStop()
	line, rerr := c.ch.ReadLine(max)
	switch {
	case rerr != nil:
	case line == "OK":
		c.ch.Unlock()
		return "", ErrMalformedResponse
	case line == "ERROR",
		strings.HasPrefix(line, "+CME ERROR:"),
		strings.HasPrefix(line, "+CMS ERROR:"):
		c.ch.Unlock()
		return "", errors.Errorf("%s: %s", cmd, line)
	}
	c.ch.RespStart("", false)
	if err := c.ch.UnlockReturnError(); err != nil {
		return "", errors.WithMessage(err, cmd)
	}
	return line, nil
}

// run performs a simple command exchange with no information response.
func (c *Ctrl) run(cmd string) error {
	c.ch.Lock()
	c.ch.CmdStart(cmd)
	c.ch.CmdStopReadResp()
	return errors.WithMessage(c.ch.UnlockReturnError(), cmd)
}

// parseClock parses the +CCLK "yy/MM/dd,hh:mm:ss±zz" form, where zz is
// the local timezone offset in quarter hours, into UTC.
func parseClock(s string) (time.Time, error) {
	if len(s) < 17 {
		return time.Time{}, ErrMalformedResponse
	}
	t, err := time.Parse("06/01/02,15:04:05", s[:17])
	if err != nil {
		return time.Time{}, ErrMalformedResponse
	}
	if len(s) >= 20 {
		q, err := strconv.Atoi(s[18:20])
		if err != nil {
			return time.Time{}, ErrMalformedResponse
		}
		offset := time.Duration(q) * 15 * time.Minute
		switch s[17] {
		case '+':
			t = t.Add(-offset)
		case '-':
			t = t.Add(offset)
		default:
			return time.Time{}, ErrMalformedResponse
		}
	}
	return t, nil
}
