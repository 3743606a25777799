// SPDX-License-Identifier: MIT

package at

import (
	"bytes"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Read primitives.
//
// All reads are blocking with timeout: they suspend the calling goroutine
// until the bytes arrive or the AT timeout elapses, at which point the
// timeout is recorded as the exchange's sticky error and a sentinel is
// returned.  Parameter reads stop at the current delimiter (consumed) or
// the current stop tag (consumed, and no further parameters are returned
// until the next response scope begins).

// SetDelimiter sets the character separating parameters within a response
// line.  A zero delimiter disables parameter splitting, for binary
// payloads.  Calls must be paired with SetDefaultDelimiter before the
// channel is unlocked.
func (c *Channel) SetDelimiter(delim byte) {
	c.delim = delim
}

// SetDefaultDelimiter restores the parameter delimiter to the default
// comma.
func (c *Channel) SetDefaultDelimiter() {
	c.delim = DefaultDelimiter
}

// SetStopTag sets the string terminating the current response capture.
// An empty tag clears it, so that only byte-exact reads (ReadBytes) bound
// the capture - required for binary payloads that may contain delimiter
// or terminator characters.
func (c *Channel) SetStopTag(tag string) {
	c.stopTag = []byte(tag)
	c.tagFound = false
}

// ReadInt reads a decimal, optionally signed, integer parameter.  It
// returns -1 if no digits are found before the delimiter or stop tag, or
// if the exchange has failed.
func (c *Channel) ReadInt() int {
	tok, ok := c.param(true)
	if !ok {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(tok)))
	if err != nil {
		return -1
	}
	return n
}

// ReadUint64 reads a decimal unsigned integer parameter.
func (c *Channel) ReadUint64() (uint64, error) {
	tok, ok := c.param(true)
	if !ok {
		return 0, c.readErr()
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(tok)), 10, 64)
	if err != nil {
		return 0, ErrParse
	}
	return n, nil
}

// ReadString reads a string parameter of at most max bytes, stripping a
// surrounding pair of double quotes if stripQuotes is set.
//
// If the parameter is longer than max it is consumed in its entirety but
// nothing is returned: the result is empty and the error is ErrOverflow.
// A parameter is never partially returned.
func (c *Channel) ReadString(max int, stripQuotes bool) (string, error) {
	tok, ok := c.param(stripQuotes)
	if !ok {
		return "", c.readErr()
	}
	if len(tok) > max {
		return "", ErrOverflow
	}
	return string(tok), nil
}

// ReadHexString reads a parameter of hex character pairs and returns the
// decoded bytes, of at most max, as a string.
func (c *Channel) ReadHexString(max int) (string, error) {
	tok, ok := c.param(true)
	if !ok {
		return "", c.readErr()
	}
	decoded, err := hex.DecodeString(string(tok))
	if err != nil {
		return "", ErrParse
	}
	if len(decoded) > max {
		return "", ErrOverflow
	}
	return string(decoded), nil
}

// ReadBytes reads exactly len(buf) raw bytes with no delimiter or stop
// tag interpretation, returning the number read or -1 on timeout.  Used
// for binary-safe extraction.
func (c *Channel) ReadBytes(buf []byte) int {
	if c.lastErr != nil {
		return -1
	}
	p, err := c.rx.peek(len(buf), c.deadline())
	if err != nil {
		c.fail(err)
		return -1
	}
	copy(buf, p)
	c.rx.discard(len(buf))
	return len(buf)
}

// SkipBytes discards exactly n raw bytes, the counterpart of ReadBytes
// for unwanted binary payload.
func (c *Channel) SkipBytes(n int) {
	if c.lastErr != nil {
		return
	}
	if _, err := c.rx.peek(n, c.deadline()); err != nil {
		c.fail(err)
		return
	}
	c.rx.discard(n)
}

// SkipParam advances past count delimiter-separated parameters without
// capturing them.
func (c *Channel) SkipParam(count int) {
	for i := 0; i < count; i++ {
		if _, ok := c.param(true); !ok {
			return
		}
	}
}

// WaitChar consumes the stream until the given byte arrives, used for
// interactive prompts such as the "@" preceding a binary upload.  It can
// be used without starting a response.
func (c *Channel) WaitChar(chr byte) error {
	if c.lastErr != nil {
		return c.lastErr
	}
	deadline := c.deadline()
	for {
		p, err := c.rx.peek(1, deadline)
		if err != nil {
			c.fail(err)
			return err
		}
		c.rx.discard(1)
		if p[0] == chr {
			return nil
		}
	}
}

// ReadLine reads the next complete line, of at most max bytes excluding
// the terminator.  Used for payloads which arrive on a line of their own
// trailing a URC, such as SMS PDUs.
func (c *Channel) ReadLine(max int) (string, error) {
	if c.lastErr != nil {
		return "", c.lastErr
	}
	deadline := c.deadline()
	for {
		c.skipBlanks()
		line, err := c.waitLine(deadline)
		if err != nil {
			c.fail(err)
			return "", err
		}
		c.rx.discard(len(line))
		body := line[:len(line)-len(crlf)]
		if len(body) == 0 {
			// blank separator that arrived after the initial skipBlanks;
			// never meaningful AT payload, so re-scan for the real line
			continue
		}
		if len(body) > max {
			return "", ErrOverflow
		}
		return string(body), nil
	}
}

// ConsumeToStopTag consumes the received content until the current stop
// tag is found, returning true on success.
func (c *Channel) ConsumeToStopTag() bool {
	return c.consumeToStopTag(c.deadline())
}

// param returns the raw bytes of the next parameter in the information
// response scope.
func (c *Channel) param(respectQuotes bool) ([]byte, bool) {
	if c.lastErr != nil || c.scope != scopeInfo || c.tagFound {
		return nil, false
	}
	tok, err := c.readParam(c.deadline(), respectQuotes)
	if err != nil {
		c.fail(err)
		return nil, false
	}
	return tok, true
}

// readErr maps a failed parameter read to the error seen by the caller.
func (c *Channel) readErr() error {
	if c.lastErr != nil {
		return c.lastErr
	}
	return ErrMissingParam
}

// readParam accumulates bytes until the delimiter or stop tag, consuming
// the terminator.  Leading spaces are skipped; with respectQuotes set,
// delimiters and stop tags within a quoted section do not terminate the
// parameter and the quotes themselves are dropped.
func (c *Channel) readParam(deadline time.Time, respectQuotes bool) ([]byte, error) {
	tok := []byte{}
	inQuotes := false
	leading := true
	for {
		p, err := c.rx.peek(1, deadline)
		if err != nil {
			return nil, err
		}
		b := p[0]
		if inQuotes {
			c.rx.discard(1)
			if b == '"' {
				inQuotes = false
				continue
			}
			tok = append(tok, b)
			continue
		}
		if leading && b == ' ' {
			c.rx.discard(1)
			continue
		}
		if respectQuotes && b == '"' {
			c.rx.discard(1)
			inQuotes = true
			leading = false
			continue
		}
		if c.delim != 0 && b == c.delim {
			c.rx.discard(1)
			return tok, nil
		}
		if len(c.stopTag) > 0 && b == c.stopTag[0] {
			q, err := c.rx.peek(len(c.stopTag), deadline)
			if err != nil {
				return nil, err
			}
			if bytes.Equal(q, c.stopTag) {
				c.rx.discard(len(c.stopTag))
				c.tagFound = true
				return tok, nil
			}
		}
		c.rx.discard(1)
		tok = append(tok, b)
		leading = false
	}
}

// skipBlanks discards any buffered line terminator characters separating
// responses.  It does not block.
func (c *Channel) skipBlanks() {
	snap := c.rx.snapshot()
	i := 0
	for i < len(snap) && (snap[i] == '\r' || snap[i] == '\n') {
		i++
	}
	if i > 0 {
		c.rx.discard(i)
	}
}

// waitLine waits until a complete terminated line is buffered and returns
// it, terminator included, without consuming it.
func (c *Channel) waitLine(deadline time.Time) ([]byte, error) {
	for {
		snap := c.rx.snapshot()
		if i := bytes.Index(snap, crlf); i >= 0 {
			return snap[:i+len(crlf)], nil
		}
		if c.rx.isClosed() {
			return nil, ErrClosed
		}
		if err := c.rx.wait(deadline); err != nil {
			return nil, err
		}
	}
}

// consumeToStopTag discards the stream through the current stop tag,
// recording failure as the exchange's sticky error.
func (c *Channel) consumeToStopTag(deadline time.Time) bool {
	if err := c.discardToTag(deadline); err != nil {
		c.fail(err)
		return false
	}
	return true
}

// discardToTag discards the stream through the current stop tag without
// touching the exchange error state.
func (c *Channel) discardToTag(deadline time.Time) error {
	if c.tagFound || len(c.stopTag) == 0 {
		return nil
	}
	for {
		snap := c.rx.snapshot()
		if i := bytes.Index(snap, c.stopTag); i >= 0 {
			c.rx.discard(i + len(c.stopTag))
			c.tagFound = true
			return nil
		}
		// keep the tail in case the tag straddles a read boundary
		if n := len(snap) - (len(c.stopTag) - 1); n > 0 {
			c.rx.discard(n)
		}
		if c.rx.isClosed() {
			return ErrClosed
		}
		if err := c.rx.wait(deadline); err != nil {
			return err
		}
	}
}
