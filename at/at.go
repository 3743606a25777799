// SPDX-License-Identifier: MIT

// Package at implements the AT command engine used to drive a cellular
// modem over a shared byte stream.
//
// The engine serializes command exchanges through a single channel lock,
// frames the byte stream into responses and unsolicited result codes
// (URCs), and exposes blocking read and write primitives with which client
// drivers compose commands and parse responses in place.  URCs are
// demultiplexed from the same stream and dispatched to registered handlers
// whether or not a command is in flight.
//
// A command exchange has the shape:
//
//	ch.Lock()
//	ch.CmdStart("AT+USOCR=")
//	ch.WriteInt(6)
//	ch.CmdStop()
//	ch.RespStart("+USOCR:", false)
//	sock := ch.ReadInt()
//	ch.RespStop()
//	err := ch.UnlockReturnError()
//
// Errors occurring anywhere in the exchange are sticky: once one is
// recorded the remaining primitives become no-ops and the first error is
// returned by UnlockReturnError.
//
// The Channel closes the Closed channel when the connection to the
// underlying modem is broken (Read returns an error).  Once closed it
// cannot be reopened - it must be recreated.
package at

import (
	"bytes"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultTimeout is the default AT response timeout.
	//
	// Commands known to take longer, such as network registration, should
	// raise it for the duration of the exchange with SetTimeout and
	// RestoreTimeout.
	DefaultTimeout = 8 * time.Second

	// DefaultDelimiter separates parameters within a response line.
	DefaultDelimiter = ','

	// size of the callback trampoline queue
	callbackQueueLen = 10
)

var crlf = []byte("\r\n")

// Logger is the interface used for engine diagnostics, satisfied by
// *log.Logger.
type Logger interface {
	Printf(format string, v ...interface{})
}

// parse scopes - which terminator the read primitives look for.
type scope int

const (
	scopeNone scope = iota
	scopeInfo
)

// Channel is the per-port AT engine state.
//
// All command exchange methods (CmdStart through UnlockReturnError) must
// be called between Lock and Unlock; the lock is the single serialization
// point for the modem, which cannot multiplex commands on one AT channel.
type Channel struct {
	modem io.ReadWriter

	// the reentrancy lock serializing command exchanges
	mu sync.Mutex

	rx *rxBuffer

	// closed when the connection to the modem is broken
	closed chan struct{}

	// wakes the receive task when port data arrives
	urcKick chan struct{}

	// callback trampoline queue, consumed in order by its own goroutine
	cbq chan func()

	// URC registry, longest prefix first
	urcMu sync.Mutex
	urcs  []urc

	logger Logger

	initCmds []string

	// consecutive timeout count, written under mu, read anywhere
	nTimeouts int32

	timeoutHandler func(int)

	// exchange state below is guarded by mu
	timeout    time.Duration
	defTimeout time.Duration
	delim      byte
	stopTag    []byte
	tagFound   bool
	scope      scope
	respPrefix string
	final      bool
	lastErr    error
	devErr     DeviceError
	cmd        string
	nParams    int
}

// Option is a construction option for a Channel.
type Option func(*Channel)

// WithTimeout sets the default AT response timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.timeout = d
		c.defTimeout = d
	}
}

// WithLogger sets the logger used for engine diagnostics, such as lines
// that could not be attributed to a response or a URC.
//
// By default diagnostics are discarded.
func WithLogger(l Logger) Option {
	return func(c *Channel) {
		c.logger = l
	}
}

// WithInitCmds specifies the commands issued by Init.
//
// The default is ATE0, which disables command echo.
func WithInitCmds(cmds ...string) Option {
	return func(c *Channel) {
		c.initCmds = cmds
	}
}

// WithURC registers a URC handler during construction.
func WithURC(prefix string, handler Handler) Option {
	return func(c *Channel) {
		c.SetURCHandler(prefix, handler)
	}
}

// WithTimeoutHandler sets a callback invoked, via the callback trampoline,
// with the consecutive timeout count each time a command exchange times
// out.
//
// The count is a coarse liveness signal: a supervising layer may decide
// the modem is unresponsive and power-cycle it.  The engine itself never
// resets hardware.
func WithTimeoutHandler(handler func(int)) Option {
	return func(c *Channel) {
		c.timeoutHandler = handler
	}
}

// New creates a new AT channel on the modem byte stream.
func New(modem io.ReadWriter, options ...Option) *Channel {
	c := &Channel{
		modem:      modem,
		rx:         newRxBuffer(),
		closed:     make(chan struct{}),
		urcKick:    make(chan struct{}, 1),
		cbq:        make(chan func(), callbackQueueLen),
		timeout:    DefaultTimeout,
		defTimeout: DefaultTimeout,
		delim:      DefaultDelimiter,
	}
	for _, option := range options {
		option(c)
	}
	if c.initCmds == nil {
		c.initCmds = []string{"ATE0"}
	}
	go c.portReader()
	go c.receiveTask()
	go c.callbackTask()
	return c
}

// Closed returns a channel which is closed when the connection to the
// modem is broken.
func (c *Channel) Closed() <-chan struct{} {
	return c.closed
}

// Lock acquires the channel for one command exchange, blocking until it is
// available.  Exchange state, including the sticky error, is reset.
func (c *Channel) Lock() {
	c.mu.Lock()
	c.lastErr = nil
	c.devErr = DeviceError{}
	c.final = false
	c.scope = scopeNone
	c.stopTag = nil
	c.tagFound = false
	c.delim = DefaultDelimiter
	c.respPrefix = ""
	c.cmd = ""
	select {
	case <-c.closed:
		c.lastErr = ErrClosed
	default:
	}
}

// Unlock releases the channel.  Exactly one Unlock (or UnlockReturnError)
// must follow each Lock, on all paths.
func (c *Channel) Unlock() {
	c.mu.Unlock()
	c.kick()
}

// UnlockReturnError releases the channel and returns the first error
// recorded during the exchange, or nil if it completed cleanly.
func (c *Channel) UnlockReturnError() error {
	err := c.lastErr
	c.mu.Unlock()
	c.kick()
	return err
}

// LastError returns the sticky error for the current exchange.  Valid only
// while the channel lock is held.
func (c *Channel) LastError() error {
	return c.lastErr
}

// LastDeviceError returns the last error reported by the modem itself
// during the current exchange.  Valid only while the channel lock is held.
func (c *Channel) LastDeviceError() DeviceError {
	return c.devErr
}

// ClearError clears the sticky error, allowing the exchange to continue.
// Normally the error is cleared only by Lock.
func (c *Channel) ClearError() {
	c.lastErr = nil
	c.devErr = DeviceError{}
}

// ConsecutiveTimeouts returns the number of consecutive command exchanges
// that have timed out.  The count resets to zero whenever a final result
// is received from the modem.
func (c *Channel) ConsecutiveTimeouts() int {
	return int(atomic.LoadInt32(&c.nTimeouts))
}

// SetTimeout sets the AT response timeout for subsequent blocking reads.
//
// If asDefault is false the previous default remains in place and a
// paired RestoreTimeout must follow before the channel is unlocked.
func (c *Channel) SetTimeout(d time.Duration, asDefault bool) {
	c.timeout = d
	if asDefault {
		c.defTimeout = d
	}
}

// RestoreTimeout restores the AT response timeout to the default.
func (c *Channel) RestoreTimeout() {
	c.timeout = c.defTimeout
}

// CmdStart begins a command exchange by writing cmd, which should include
// the AT prefix (e.g. "AT+USOCR=") but not the terminator, to the modem.
func (c *Channel) CmdStart(cmd string) {
	if c.lastErr != nil {
		return
	}
	c.cmd = cmd
	c.nParams = 0
	c.final = false
	c.write([]byte(cmd))
}

// WriteInt writes an integer command parameter, preceded by the delimiter
// if it is not the first parameter.
func (c *Channel) WriteInt(n int) {
	c.writeParam([]byte(strconv.Itoa(n)))
}

// WriteUint64 writes an unsigned integer command parameter, preceded by
// the delimiter if it is not the first parameter.
func (c *Channel) WriteUint64(n uint64) {
	c.writeParam([]byte(strconv.FormatUint(n, 10)))
}

// WriteString writes a string command parameter, preceded by the delimiter
// if it is not the first parameter, and surrounded by double quotes if
// quote is set.
func (c *Channel) WriteString(s string, quote bool) {
	if quote {
		c.writeParam([]byte("\"" + s + "\""))
		return
	}
	c.writeParam([]byte(s))
}

// WriteBytes writes raw bytes to the modem with no delimiter bookkeeping,
// for binary payload phases.  It returns the number of bytes written, or
// -1 if the exchange has already failed.
func (c *Channel) WriteBytes(b []byte) int {
	if c.lastErr != nil {
		return -1
	}
	c.write(b)
	if c.lastErr != nil {
		return -1
	}
	return len(b)
}

// CmdStop terminates the command line.
func (c *Channel) CmdStop() {
	if c.lastErr != nil {
		return
	}
	c.write([]byte("\r"))
}

// CmdStopReadResp terminates the command line and consumes the final
// OK/ERROR result, for commands with no information response.
func (c *Channel) CmdStopReadResp() {
	c.CmdStop()
	c.RespStart("", false)
	c.RespStop()
}

// RespStart consumes the stream until the expected information response
// prefix arrives, entering the information response scope, or until a
// final result or the AT timeout ends the exchange.
//
// With an empty prefix only the final result is awaited.  URCs interleaved
// with the response are dispatched; unattributable lines are logged and
// dropped.  If stop is set nothing further is expected after the prefix
// and the information response scope is not entered.
func (c *Channel) RespStart(prefix string, stop bool) {
	if c.lastErr != nil {
		return
	}
	c.respPrefix = prefix
	c.tagFound = false
	c.scanResp(prefix, c.deadline())
	if stop && c.scope == scopeInfo {
		c.scope = scopeNone
		c.stopTag = nil
		c.tagFound = true
	}
}

// InfoResp moves to the next information response with the prefix given to
// RespStart, consuming the remainder of the current one.  It returns true
// if another information response was found, and false once the final
// result has been consumed.
func (c *Channel) InfoResp() bool {
	if c.lastErr != nil || c.final {
		return false
	}
	deadline := c.deadline()
	if c.scope == scopeInfo {
		c.consumeToStopTag(deadline)
		c.scope = scopeNone
	}
	c.scanResp(c.respPrefix, deadline)
	return c.scope == scopeInfo
}

// RespStop ends the response, consuming anything left of the current
// information response and then the final result.
func (c *Channel) RespStop() {
	deadline := c.deadline()
	if c.scope == scopeInfo {
		if c.lastErr == nil {
			c.consumeToStopTag(deadline)
		}
		c.scope = scopeNone
		c.stopTag = nil
	}
	c.respPrefix = ""
	if c.lastErr != nil || c.final {
		return
	}
	c.scanResp("", deadline)
}

// Flush discards any bytes received but not yet consumed.
func (c *Channel) Flush() {
	if n := c.rx.drain(); n > 0 {
		c.logf("at: flushed %d bytes", n)
	}
}

// Sync pings the modem with AT, using a one second timeout, until it
// answers or retries are exhausted.  It locks the channel itself and is
// used to bring the exchange state and the modem into step.
func (c *Channel) Sync(retries int) error {
	err := ErrTimeout
	for i := 0; i < retries; i++ {
		c.Lock()
		c.SetTimeout(time.Second, false)
		c.CmdStart("AT")
		c.CmdStopReadResp()
		c.RestoreTimeout()
		if err = c.UnlockReturnError(); err == nil {
			return nil
		}
		if err == ErrClosed {
			return err
		}
	}
	return errors.WithMessage(err, "sync")
}

// Init synchronizes with the modem and issues the init commands, given
// here or at construction, to bring it to a known state.
func (c *Channel) Init(cmds ...string) error {
	if err := c.Sync(3); err != nil {
		return err
	}
	if cmds == nil {
		cmds = c.initCmds
	}
	for _, cmd := range cmds {
		c.Lock()
		c.CmdStart(cmd)
		c.CmdStopReadResp()
		if err := c.UnlockReturnError(); err != nil {
			return errors.WithMessage(err, cmd)
		}
	}
	return nil
}

// Callback queues f for execution on the callback goroutine.
//
// URC handlers run on the receiving goroutine and must not block or issue
// commands; any follow-up AT work is handed off here instead.  Callbacks
// run in the order queued.  The queue is bounded and Callback never
// blocks: a callback may itself take the channel lock, so waiting here
// with the lock held would wedge the receive task.
func (c *Channel) Callback(f func()) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.cbq <- f:
		return nil
	default:
		// URC handlers discard the error, so the drop must be visible
		// to a supervising layer through the log
		c.logf("at: callback dropped: queue full")
		return ErrOverflow
	}
}

// portReader pulls bytes from the modem into the receive buffer and wakes
// the receive task.  It owns the read side of the port.
func (c *Channel) portReader() {
	buf := make([]byte, 4096)
	for {
		n, err := c.modem.Read(buf)
		if n > 0 {
			p := make([]byte, n)
			copy(p, buf[:n])
			c.rx.put(p)
			c.kick()
		}
		if err != nil {
			c.rx.close()
			close(c.closed)
			return
		}
	}
}

func (c *Channel) kick() {
	select {
	case c.urcKick <- struct{}{}:
	default:
	}
}

// receiveTask frames and dispatches traffic arriving while no command
// exchange owns the stream.  During an exchange the lock holder consumes
// the stream itself, dispatching interleaved URCs inline, and the receive
// task picks up anything left over once the channel is unlocked.
func (c *Channel) receiveTask() {
	for {
		select {
		case <-c.closed:
			return
		case <-c.urcKick:
			c.mu.Lock()
			c.processUnsolicited()
			c.mu.Unlock()
		}
	}
}

// callbackTask executes trampoline callbacks in queue order.
func (c *Channel) callbackTask() {
	for {
		select {
		case <-c.closed:
			return
		case f := <-c.cbq:
			f()
		}
	}
}

// processUnsolicited consumes complete lines from the receive buffer,
// dispatching URCs and dropping anything else.  It never blocks waiting
// for more data; partial lines stay buffered.
func (c *Channel) processUnsolicited() {
	for {
		c.skipBlanks()
		snap := c.rx.snapshot()
		i := bytes.Index(snap, crlf)
		if i < 0 {
			return
		}
		body := snap[:i]
		if u, ok := c.matchURC(body); ok {
			c.dispatchURC(u)
			continue
		}
		c.logf("at: dropped %q", body)
		c.rx.discard(i + len(crlf))
	}
}

// scanResp consumes the stream line by line until the expected prefix (if
// any) or a final result is found.  URCs are dispatched on the way;
// anything else is dropped with a diagnostic, never treated as fatal.
func (c *Channel) scanResp(prefix string, deadline time.Time) {
	for {
		c.skipBlanks()
		line, err := c.waitLine(deadline)
		if err != nil {
			c.fail(err)
			return
		}
		body := line[:len(line)-len(crlf)]
		switch {
		case prefix != "" && bytes.HasPrefix(body, []byte(prefix)):
			c.rx.discard(len(prefix))
			c.scope = scopeInfo
			c.stopTag = crlf
			c.tagFound = false
			return
		case bytes.Equal(body, []byte("OK")):
			c.rx.discard(len(line))
			c.finish(nil, DeviceError{})
			return
		case bytes.HasPrefix(body, []byte("+CME ERROR:")):
			c.rx.discard(len(line))
			err, de := newDeviceError(DeviceErrorCME, string(body[len("+CME ERROR:"):]))
			c.finish(err, de)
			return
		case bytes.HasPrefix(body, []byte("+CMS ERROR:")):
			c.rx.discard(len(line))
			err, de := newDeviceError(DeviceErrorCMS, string(body[len("+CMS ERROR:"):]))
			c.finish(err, de)
			return
		case bytes.HasPrefix(body, []byte("ERROR")):
			c.rx.discard(len(line))
			c.finish(ErrError, DeviceError{Type: DeviceErrorError, Code: -1})
			return
		case c.cmd != "" && bytes.HasPrefix(body, []byte(c.cmd)):
			// command echo
			c.rx.discard(len(line))
		default:
			if u, ok := c.matchURC(body); ok {
				c.dispatchURC(u)
				continue
			}
			c.logf("at: dropped %q", body)
			c.rx.discard(len(line))
		}
	}
}

// finish records the final result of an exchange.  Any final result,
// including an error, proves the modem alive, so the consecutive timeout
// count resets.
func (c *Channel) finish(err error, de DeviceError) {
	c.final = true
	atomic.StoreInt32(&c.nTimeouts, 0)
	if err != nil && c.lastErr == nil {
		c.lastErr = err
		c.devErr = de
	}
}

// fail records a non-final error, bumping the consecutive timeout count
// for timeouts.
func (c *Channel) fail(err error) {
	if err == ErrTimeout {
		n := atomic.AddInt32(&c.nTimeouts, 1)
		if h := c.timeoutHandler; h != nil {
			c.Callback(func() { h(int(n)) })
		}
	}
	if c.lastErr == nil {
		c.lastErr = err
	}
}

// write sends bytes to the modem, recording any transport error.
func (c *Channel) write(p []byte) {
	if c.lastErr != nil {
		return
	}
	if _, err := c.modem.Write(p); err != nil {
		c.lastErr = err
	}
}

// writeParam writes one command parameter with delimiter bookkeeping.
func (c *Channel) writeParam(p []byte) {
	if c.lastErr != nil {
		return
	}
	if c.nParams > 0 && c.delim != 0 {
		c.write([]byte{c.delim})
	}
	c.nParams++
	c.write(p)
}

func (c *Channel) deadline() time.Time {
	return time.Now().Add(c.timeout)
}

func (c *Channel) logf(format string, v ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, v...)
	}
}
