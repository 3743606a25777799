// SPDX-License-Identifier: MIT

// Package sock provides the socket driver for a cellular modem, over the
// +USOxx command set.  TCP and UDP sockets are created and terminated
// inside the modem; this driver moves data and events between them and
// the host.
//
// Sockets are identified by the integer handle assigned by the modem.
// The driver keeps a fixed capacity table of socket state indexed by the
// handle: readable byte counts reported by +UUSORD/+UUSORF, remote
// closure from +UUSOCL, and the notification callbacks.
package sock

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/umodem/cellular/at"
)

const (
	// MaxSockets is the number of concurrent sockets the modem supports.
	MaxSockets = 7

	// maxSegment is the most the modem accepts in one write or returns in
	// one read.
	maxSegment = 1024

	// the modem needs a moment between raising the binary prompt and
	// being able to accept the data
	promptGuard = 50 * time.Millisecond

	// polling yield while waiting for readable data
	readYield = 10 * time.Millisecond

	// DefaultReadTimeout bounds Read and ReceiveFrom waits for data.
	DefaultReadTimeout = 10 * time.Second

	connectTimeout = 30 * time.Second
	dnsTimeout     = 70 * time.Second
)

var (
	// ErrInvalidSocket indicates the handle does not refer to an open
	// socket.
	ErrInvalidSocket = errors.New("invalid socket")

	// ErrTooBig indicates a datagram larger than the modem accepts.
	ErrTooBig = errors.New("datagram too big")

	// ErrMalformedResponse indicates the modem returned a response that
	// could not be parsed.
	ErrMalformedResponse = errors.New("malformed response")
)

// Protocol is the IP protocol of a socket, as passed to +USOCR.
type Protocol int

const (
	// TCP is a stream socket.
	TCP Protocol = 6

	// UDP is a datagram socket.
	UDP Protocol = 17
)

// socket is one slot in the socket table.
type socket struct {
	open     bool
	proto    Protocol
	hungup   bool // remote closed or PDP context lost
	pending  int  // bytes the modem has reported readable
	deadline time.Duration
	onData   func(available int)
	onClosed func()
}

// Sockets is the socket driver.
type Sockets struct {
	ch *at.Channel

	mu    sync.Mutex
	slots [MaxSockets]socket
}

// New creates the socket driver on the channel and hooks its URCs.
func New(ch *at.Channel) (*Sockets, error) {
	s := &Sockets{ch: ch}
	handlers := []struct {
		prefix  string
		handler at.Handler
	}{
		{"+UUSORD:", s.dataHandler},
		{"+UUSORF:", s.dataHandler},
		{"+UUSOCL:", s.closedHandler},
		{"+UUPSDD:", s.pdpLostHandler},
	}
	for _, h := range handlers {
		if err := ch.SetURCHandler(h.prefix, h.handler); err != nil {
			for _, hh := range handlers {
				ch.RemoveURCHandler(hh.prefix)
			}
			return nil, err
		}
	}
	return s, nil
}

// Close unhooks the driver's URCs.  It may be called repeatedly.  Sockets
// left open in the modem are not touched.
func (s *Sockets) Close() {
	for _, prefix := range []string{"+UUSORD:", "+UUSORF:", "+UUSOCL:", "+UUPSDD:"} {
		s.ch.RemoveURCHandler(prefix)
	}
}

// Create creates a socket in the modem and returns its handle.
func (s *Sockets) Create(proto Protocol) (int, error) {
	s.ch.Lock()
	s.ch.CmdStart("AT+USOCR=")
	s.ch.WriteInt(int(proto))
	s.ch.CmdStop()
	s.ch.RespStart("+USOCR:", false)
	handle := s.ch.ReadInt()
	s.ch.RespStop()
	if err := s.ch.UnlockReturnError(); err != nil {
		return -1, errors.WithMessage(err, "create")
	}
	if handle < 0 || handle >= MaxSockets {
		return -1, ErrMalformedResponse
	}
	s.mu.Lock()
	s.slots[handle] = socket{open: true, proto: proto, deadline: DefaultReadTimeout}
	s.mu.Unlock()
	return handle, nil
}

// Connect connects a stream socket to the remote address.
func (s *Sockets) Connect(handle int, addr string, port int) error {
	if _, err := s.slot(handle); err != nil {
		return err
	}
	s.ch.Lock()
	s.ch.SetTimeout(connectTimeout, false)
	s.ch.CmdStart("AT+USOCO=")
	s.ch.WriteInt(handle)
	s.ch.WriteString(addr, true)
	s.ch.WriteInt(port)
	s.ch.CmdStopReadResp()
	s.ch.RestoreTimeout()
	return errors.WithMessage(s.ch.UnlockReturnError(), "connect")
}

// Write sends p on a connected socket, in segments of at most the modem's
// limit, and returns the number of bytes accepted.
func (s *Sockets) Write(handle int, p []byte) (int, error) {
	if _, err := s.slot(handle); err != nil {
		return 0, err
	}
	written := 0
	for written < len(p) {
		seg := len(p) - written
		if seg > maxSegment {
			seg = maxSegment
		}
		s.ch.Lock()
		s.ch.CmdStart("AT+USOWR=")
		s.ch.WriteInt(handle)
		s.ch.WriteInt(seg)
		s.ch.CmdStop()
		if err := s.ch.WaitChar('@'); err == nil {
			time.Sleep(promptGuard)
			s.ch.WriteBytes(p[written : written+seg])
		}
		s.ch.RespStart("+USOWR:", false)
		s.ch.SkipParam(1)
		sent := s.ch.ReadInt()
		s.ch.RespStop()
		if err := s.ch.UnlockReturnError(); err != nil {
			return written, errors.WithMessage(err, "write")
		}
		if sent <= 0 {
			return written, ErrMalformedResponse
		}
		written += sent
	}
	return written, nil
}

// SendTo sends a single datagram to the remote address.
func (s *Sockets) SendTo(handle int, addr string, port int, p []byte) (int, error) {
	if _, err := s.slot(handle); err != nil {
		return 0, err
	}
	if len(p) > maxSegment {
		return 0, ErrTooBig
	}
	s.ch.Lock()
	s.ch.CmdStart("AT+USOST=")
	s.ch.WriteInt(handle)
	s.ch.WriteString(addr, true)
	s.ch.WriteInt(port)
	s.ch.WriteInt(len(p))
	s.ch.CmdStop()
	if err := s.ch.WaitChar('@'); err == nil {
		time.Sleep(promptGuard)
		s.ch.WriteBytes(p)
	}
	s.ch.RespStart("+USOST:", false)
	s.ch.SkipParam(1)
	sent := s.ch.ReadInt()
	s.ch.RespStop()
	if err := s.ch.UnlockReturnError(); err != nil {
		return 0, errors.WithMessage(err, "sendto")
	}
	if sent < 0 {
		return 0, ErrMalformedResponse
	}
	return sent, nil
}

// Read reads up to len(p) bytes from a connected socket into p.  It waits
// up to the socket read timeout for the modem to report readable data,
// returning io.EOF once the remote has closed and the data is drained.
func (s *Sockets) Read(handle int, p []byte) (int, error) {
	n, err := s.waitReadable(handle, len(p))
	if err != nil || n == 0 {
		return 0, err
	}
	s.ch.Lock()
	s.ch.CmdStart("AT+USORD=")
	s.ch.WriteInt(handle)
	s.ch.WriteInt(n)
	s.ch.CmdStop()
	s.ch.RespStart("+USORD:", false)
	s.ch.SkipParam(1)
	count := s.ch.ReadInt()
	if count > 0 && count <= len(p) {
		s.readBinary(p[:count])
	}
	s.ch.RespStop()
	if err := s.ch.UnlockReturnError(); err != nil {
		return 0, errors.WithMessage(err, "read")
	}
	if count < 0 || count > len(p) {
		return 0, ErrMalformedResponse
	}
	s.consumePending(handle, count)
	return count, nil
}

// ReceiveFrom reads a single datagram, returning its payload length and
// source address.  Any part of the datagram that does not fit in p is
// discarded by the modem.
func (s *Sockets) ReceiveFrom(handle int, p []byte) (int, string, int, error) {
	n, err := s.waitReadable(handle, len(p))
	if err != nil || n == 0 {
		return 0, "", 0, err
	}
	s.ch.Lock()
	s.ch.CmdStart("AT+USORF=")
	s.ch.WriteInt(handle)
	s.ch.WriteInt(n)
	s.ch.CmdStop()
	s.ch.RespStart("+USORF:", false)
	s.ch.SkipParam(1)
	addr, _ := s.ch.ReadString(64, true)
	port := s.ch.ReadInt()
	count := s.ch.ReadInt()
	if count > 0 && count <= len(p) {
		s.readBinary(p[:count])
	}
	s.ch.RespStop()
	if err := s.ch.UnlockReturnError(); err != nil {
		return 0, "", 0, errors.WithMessage(err, "receivefrom")
	}
	if count < 0 || count > len(p) {
		return 0, "", 0, ErrMalformedResponse
	}
	s.consumePending(handle, count)
	return count, addr, port, nil
}

// CloseSocket closes the socket in the modem and frees its slot.
func (s *Sockets) CloseSocket(handle int) error {
	if _, err := s.slot(handle); err != nil {
		return err
	}
	s.ch.Lock()
	s.ch.CmdStart("AT+USOCL=")
	s.ch.WriteInt(handle)
	s.ch.CmdStopReadResp()
	err := errors.WithMessage(s.ch.UnlockReturnError(), "close")
	s.mu.Lock()
	s.slots[handle] = socket{}
	s.mu.Unlock()
	return err
}

// GetHostByName resolves a host name to an address using the network's
// DNS.
func (s *Sockets) GetHostByName(name string) (string, error) {
	s.ch.Lock()
	s.ch.SetTimeout(dnsTimeout, false)
	s.ch.CmdStart("AT+UDNSRN=")
	s.ch.WriteInt(0)
	s.ch.WriteString(name, true)
	s.ch.CmdStop()
	s.ch.RespStart("+UDNSRN:", false)
	addr, rerr := s.ch.ReadString(64, true)
	s.ch.RespStop()
	s.ch.RestoreTimeout()
	if err := s.ch.UnlockReturnError(); err != nil {
		return "", errors.WithMessage(err, "dns")
	}
	if rerr != nil {
		return "", rerr
	}
	return addr, nil
}

// Pending returns the number of bytes the modem has reported readable on
// the socket.
func (s *Sockets) Pending(handle int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle < 0 || handle >= MaxSockets || !s.slots[handle].open {
		return 0
	}
	return s.slots[handle].pending
}

// SetReadTimeout sets how long Read and ReceiveFrom wait for data on the
// socket.
func (s *Sockets) SetReadTimeout(handle int, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle < 0 || handle >= MaxSockets || !s.slots[handle].open {
		return ErrInvalidSocket
	}
	s.slots[handle].deadline = d
	return nil
}

// NotifyData hooks a callback invoked, on the callback goroutine, when
// the modem reports newly readable bytes on the socket.
func (s *Sockets) NotifyData(handle int, f func(available int)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle < 0 || handle >= MaxSockets || !s.slots[handle].open {
		return ErrInvalidSocket
	}
	s.slots[handle].onData = f
	return nil
}

// NotifyClosed hooks a callback invoked, on the callback goroutine, when
// the remote end closes the socket or the data connection is lost.
func (s *Sockets) NotifyClosed(handle int, f func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle < 0 || handle >= MaxSockets || !s.slots[handle].open {
		return ErrInvalidSocket
	}
	s.slots[handle].onClosed = f
	return nil
}

// readBinary extracts a quoted binary payload in place: delimiter and
// stop tag interpretation are disabled so the payload may contain any
// byte values.
func (s *Sockets) readBinary(p []byte) {
	s.ch.SetDelimiter(0)
	s.ch.SetStopTag("")
	s.ch.SkipBytes(1) // opening quote
	s.ch.ReadBytes(p)
	s.ch.SkipBytes(1) // closing quote
	s.ch.SetDefaultDelimiter()
}

// waitReadable waits until the modem reports readable bytes, the remote
// hangs up, or the socket read timeout expires.  It returns the number of
// bytes to request, bounded by the modem segment limit.
func (s *Sockets) waitReadable(handle, max int) (int, error) {
	if max > maxSegment {
		max = maxSegment
	}
	deadline := time.Now()
	first := true
	for {
		s.mu.Lock()
		if handle < 0 || handle >= MaxSockets || !s.slots[handle].open {
			s.mu.Unlock()
			return 0, ErrInvalidSocket
		}
		slot := s.slots[handle]
		s.mu.Unlock()
		if first {
			deadline = deadline.Add(slot.deadline)
			first = false
		}
		if slot.pending > 0 {
			if slot.pending < max {
				return slot.pending, nil
			}
			return max, nil
		}
		if slot.hungup {
			return 0, io.EOF
		}
		if !time.Now().Before(deadline) {
			return 0, at.ErrTimeout
		}
		select {
		case <-s.ch.Closed():
			return 0, at.ErrClosed
		case <-time.After(readYield):
		}
	}
}

// consumePending re-syncs the readable count after a read.  A URC may
// have raised it meanwhile, so it only ever decreases by the amount read.
func (s *Sockets) consumePending(handle, n int) {
	s.mu.Lock()
	if s.slots[handle].open {
		s.slots[handle].pending -= n
		if s.slots[handle].pending < 0 {
			s.slots[handle].pending = 0
		}
	}
	s.mu.Unlock()
}

// dataHandler services +UUSORD/+UUSORF, recording the readable count.
func (s *Sockets) dataHandler(ch *at.Channel) {
	handle := ch.ReadInt()
	n := ch.ReadInt()
	if handle < 0 || handle >= MaxSockets || n < 0 {
		return
	}
	s.mu.Lock()
	open := s.slots[handle].open
	s.slots[handle].pending = n
	f := s.slots[handle].onData
	s.mu.Unlock()
	if open && f != nil {
		ch.Callback(func() { f(n) })
	}
}

// closedHandler services +UUSOCL, the remote end closing a socket.
func (s *Sockets) closedHandler(ch *at.Channel) {
	handle := ch.ReadInt()
	if handle < 0 || handle >= MaxSockets {
		return
	}
	s.mu.Lock()
	open := s.slots[handle].open
	s.slots[handle].hungup = true
	f := s.slots[handle].onClosed
	s.mu.Unlock()
	if open && f != nil {
		ch.Callback(func() { f() })
	}
}

// pdpLostHandler services +UUPSDD, loss of the data connection, which
// takes every open socket with it.
func (s *Sockets) pdpLostHandler(ch *at.Channel) {
	ch.ReadInt() // profile id
	var fs []func()
	s.mu.Lock()
	for i := range s.slots {
		if !s.slots[i].open || s.slots[i].hungup {
			continue
		}
		s.slots[i].hungup = true
		if f := s.slots[i].onClosed; f != nil {
			fs = append(fs, f)
		}
	}
	s.mu.Unlock()
	for _, f := range fs {
		ch.Callback(f)
	}
}

// slot validates a handle against the socket table.
func (s *Sockets) slot(handle int) (socket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle < 0 || handle >= MaxSockets || !s.slots[handle].open {
		return socket{}, ErrInvalidSocket
	}
	return s.slots[handle], nil
}
