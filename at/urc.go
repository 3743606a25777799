// SPDX-License-Identifier: MIT

package at

import (
	"bytes"
	"sort"
	"strings"
	"time"
)

// how long dispatch waits for the terminator of a URC line after its
// handler returns
const urcMopUpTimeout = time.Second

// Handler is called when a line beginning with its registered prefix
// arrives.
//
// The handler runs on the goroutine that frames the stream - the receive
// task, or a command caller when the URC interleaves with a response -
// with the channel positioned just after the prefix, so it may use the
// read primitives to parse the URC's parameters.  It must return quickly
// and must not block or issue commands; follow-up AT work is queued with
// Callback instead.  Any delimiter or stop tag changes it makes must be
// restored before it returns.
type Handler func(ch *Channel)

// urc is one registration entry in the URC table.
type urc struct {
	prefix  string
	handler Handler
}

// SetURCHandler registers a handler for lines beginning with prefix, for
// example "+UUSORD:".
//
// Registration of a prefix that already has a handler is rejected with
// ErrURCExists rather than silently replacing it.  Where one registered
// prefix is a strict prefix of another, the longest registered match wins.
func (c *Channel) SetURCHandler(prefix string, handler Handler) error {
	if prefix == "" || handler == nil {
		return ErrParse
	}
	c.urcMu.Lock()
	defer c.urcMu.Unlock()
	for _, u := range c.urcs {
		if u.prefix == prefix {
			return ErrURCExists
		}
	}
	c.urcs = append(c.urcs, urc{prefix: prefix, handler: handler})
	// longest first so "+UUMQTTC:" beats "+UUMQTT"
	sort.SliceStable(c.urcs, func(i, j int) bool {
		return len(c.urcs[i].prefix) > len(c.urcs[j].prefix)
	})
	return nil
}

// RemoveURCHandler removes the handler for the prefix.  Removing a prefix
// that is not registered is a no-op, so teardown paths may be repeated
// safely.
func (c *Channel) RemoveURCHandler(prefix string) {
	c.urcMu.Lock()
	defer c.urcMu.Unlock()
	for i, u := range c.urcs {
		if u.prefix == prefix {
			c.urcs = append(c.urcs[:i], c.urcs[i+1:]...)
			return
		}
	}
}

// matchURC returns the registration for the longest registered prefix of
// the line, if any.
func (c *Channel) matchURC(body []byte) (urc, bool) {
	c.urcMu.Lock()
	defer c.urcMu.Unlock()
	for _, u := range c.urcs {
		if bytes.HasPrefix(body, []byte(u.prefix)) {
			return u, true
		}
	}
	return urc{}, false
}

// dispatchURC consumes the prefix and runs the handler with the channel
// positioned at the URC's parameters.  The surrounding exchange state,
// including any sticky error belonging to a command in flight, is
// preserved across the dispatch, and the remainder of the URC line is
// consumed if the handler left any.
func (c *Channel) dispatchURC(u urc) {
	c.rx.discard(len(u.prefix))

	savedErr := c.lastErr
	savedDevErr := c.devErr
	savedScope := c.scope
	savedTag := c.stopTag
	savedTagFound := c.tagFound
	savedDelim := c.delim

	c.lastErr = nil
	c.scope = scopeInfo
	c.stopTag = crlf
	c.tagFound = false
	c.delim = DefaultDelimiter

	u.handler(c)

	if c.lastErr != nil {
		c.logf("at: URC %s handler: %v", strings.TrimSuffix(u.prefix, ":"), c.lastErr)
		c.lastErr = nil
	}
	// mop up anything the handler did not consume; bounded so a handler
	// that overran its line cannot stall the stream for a full AT timeout
	c.stopTag = crlf
	if err := c.discardToTag(time.Now().Add(urcMopUpTimeout)); err != nil {
		c.logf("at: URC %s left unterminated line: %v", strings.TrimSuffix(u.prefix, ":"), err)
	}

	c.lastErr = savedErr
	c.devErr = savedDevErr
	c.scope = savedScope
	c.stopTag = savedTag
	c.tagFound = savedTagFound
	c.delim = savedDelim
}
