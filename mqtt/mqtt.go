// SPDX-License-Identifier: MIT

// Package mqtt provides a driver for the MQTT client embedded in the
// modem, spoken over +UMQTT and +UMQTTC.  The modem terminates the MQTT
// protocol itself, so the driver only configures the session, starts and
// stops it, and moves messages in and out.
//
// The broker acknowledges most operations asynchronously, through +UUMQTTC
// URCs, so those operations are two-phase: the command exchange starts the
// operation and the driver then waits for the URC to report the outcome.
// The waits are polled in one second slices so a context can cancel them.
package mqtt

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/umodem/cellular/at"
)

const (
	// DefaultResponseTimeout bounds the wait for the broker to acknowledge
	// an operation.
	DefaultResponseTimeout = 30 * time.Second

	// DefaultPort is the registered port for unsecured MQTT.
	DefaultPort = 1883

	// DefaultPortSecured is the registered port for MQTT over TLS.
	DefaultPortSecured = 8883

	// broker acknowledgements are polled at this period
	responsePollPeriod = time.Second

	// configuration reads are answered by local URCs, polled much faster
	statusTimeout    = 2 * time.Second
	statusPollPeriod = 100 * time.Millisecond

	maxTopicLength   = 256
	maxMessageLength = 1024
)

var (
	// ErrRejected indicates the modem refused the operation.
	ErrRejected = errors.New("rejected by modem")

	// ErrNoServer indicates no broker address was configured.
	ErrNoServer = errors.New("no server")

	// ErrUnavailable indicates the modem did not report the requested
	// configuration value.
	ErrUnavailable = errors.New("not available")
)

// QoS is an MQTT quality of service level.
type QoS int

const (
	// AtMostOnce is delivery at most once, with no acknowledgement.
	AtMostOnce QoS = 0

	// AtLeastOnce is acknowledged delivery, possibly duplicated.
	AtLeastOnce QoS = 1

	// ExactlyOnce is assured single delivery.
	ExactlyOnce QoS = 2
)

// Config identifies the broker and the client.  Server is required; the
// other fields are sent to the modem only when set.
type Config struct {
	ClientID string
	Server   string
	Port     int
	User     string
	Password string
}

// Message is a received MQTT message.
type Message struct {
	Topic   string
	Payload []byte
	QoS     QoS
}

// MessageHandler is called, on the callback goroutine, with the number of
// messages waiting in the modem whenever the broker delivers more.
type MessageHandler func(unread int)

// urcStatus holds the session state captured from URCs.  -1 marks the
// integer fields as not reported.
type urcStatus struct {
	connected       bool
	publishDone     bool
	subscribeDone   bool
	grantedQoS      QoS
	unsubscribeDone bool
	unread          int
	memoryFull      bool
	clientID        string
	clientIDSet     bool
	localPort       int
	inactivitySecs  int
	secured         int
	profileID       int
	sessionRetained int
}

// Client is the driver for the modem's MQTT client.
type Client struct {
	ch *at.Channel

	responseTimeout time.Duration

	// serializes the two-phase operations so each waits on its own URC
	opMu sync.Mutex

	mu        sync.Mutex
	urc       urcStatus
	keptAlive bool
	handler   MessageHandler
	msg       *Message
}

// Option is a construction option for the driver.
type Option func(*Client)

// WithResponseTimeout overrides the time allowed for the broker to
// acknowledge an operation.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.responseTimeout = d
	}
}

// New creates a driver on the channel and writes the session
// configuration to the modem.  The modem is switched to verbose message
// reads so messages are delivered complete through +UUMQTTCM.
func New(ch *at.Channel, cfg Config, options ...Option) (*Client, error) {
	c := &Client{
		ch:              ch,
		responseTimeout: DefaultResponseTimeout,
	}
	for _, option := range options {
		option(c)
	}
	if cfg.Server == "" {
		return nil, ErrNoServer
	}
	err := c.set(2, func() {
		c.ch.WriteString(cfg.Server, true)
		if cfg.Port > 0 {
			c.ch.WriteInt(cfg.Port)
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "set server")
	}
	if cfg.ClientID != "" {
		err = c.set(0, func() {
			c.ch.WriteString(cfg.ClientID, true)
		})
		if err != nil {
			return nil, errors.WithMessage(err, "set client id")
		}
	}
	if cfg.User != "" {
		err = c.set(4, func() {
			c.ch.WriteString(cfg.User, true)
			if cfg.Password != "" {
				c.ch.WriteString(cfg.Password, true)
			}
		})
		if err != nil {
			return nil, errors.WithMessage(err, "set credentials")
		}
	}
	// message read format: verbose
	if err = c.op(7, func() { c.ch.WriteInt(2) }); err != nil {
		return nil, errors.WithMessage(err, "set read format")
	}
	handlers := []struct {
		prefix string
		h      at.Handler
	}{
		// registered shortest first so the longer prefixes take
		// precedence for their own lines
		{"+UUMQTT", c.statusHandler},
		{"+UUMQTTC:", c.eventHandler},
		{"+UUMQTTCM:", c.deliveryHandler},
	}
	for i, h := range handlers {
		if err = ch.SetURCHandler(h.prefix, h.h); err != nil {
			for _, r := range handlers[:i] {
				ch.RemoveURCHandler(r.prefix)
			}
			return nil, err
		}
	}
	return c, nil
}

// Close removes the driver's URC handlers.  The modem side session is
// left as is.
func (c *Client) Close() {
	c.ch.RemoveURCHandler("+UUMQTTCM:")
	c.ch.RemoveURCHandler("+UUMQTTC:")
	c.ch.RemoveURCHandler("+UUMQTT")
}

// Connect starts the MQTT session and waits for the broker to accept the
// login.  It is sent even if the driver believes the session is already
// up, in case it is out of sync with the modem.
func (c *Client) Connect(ctx context.Context) error {
	return c.connect(ctx, true)
}

// Disconnect stops the MQTT session and waits for the logout to complete.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.connect(ctx, false)
}

func (c *Client) connect(ctx context.Context, on bool) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.op(onOff(on), nil); err != nil {
		return err
	}
	return c.waitFor(ctx, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.urc.connected == on
	})
}

// IsConnected returns the session state last reported by the modem.
// There is no way to query the modem for this.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.urc.connected
}

// Publish sends a message to the broker and waits for it to be accepted.
// The payload is hex encoded on the wire so it may contain any byte
// values.
func (c *Client) Publish(ctx context.Context, topic string, qos QoS, retain bool, payload []byte) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	c.urc.publishDone = false
	c.mu.Unlock()
	err := c.op(2, func() {
		c.ch.WriteInt(int(qos))
		c.ch.WriteInt(onOff(retain))
		c.ch.WriteInt(1) // hex mode
		c.ch.WriteString(topic, true)
		c.ch.WriteString(hex.EncodeToString(payload), true)
	})
	if err != nil {
		return errors.WithMessage(err, "publish")
	}
	return c.waitFor(ctx, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.urc.publishDone
	})
}

// Subscribe subscribes to a topic filter and returns the QoS granted by
// the broker, which may be lower than the maximum requested.
func (c *Client) Subscribe(ctx context.Context, topic string, max QoS) (QoS, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	c.urc.subscribeDone = false
	c.urc.grantedQoS = -1
	c.mu.Unlock()
	err := c.op(4, func() {
		c.ch.WriteInt(int(max))
		c.ch.WriteString(topic, true)
	})
	if err != nil {
		return -1, errors.WithMessage(err, "subscribe")
	}
	err = c.waitFor(ctx, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.urc.subscribeDone
	})
	if err != nil {
		return -1, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.urc.grantedQoS, nil
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	c.urc.unsubscribeDone = false
	c.mu.Unlock()
	err := c.op(5, func() {
		c.ch.WriteString(topic, true)
	})
	if err != nil {
		return errors.WithMessage(err, "unsubscribe")
	}
	return c.waitFor(ctx, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.urc.unsubscribeDone
	})
}

// Unread returns the number of messages waiting in the modem, as last
// reported by the modem.
func (c *Client) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.urc.unread
}

// MemoryFull returns true if the modem has reported its message store
// full, in which case further deliveries are being dropped.
func (c *Client) MemoryFull() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.urc.memoryFull
}

// SetMessageHandler sets the handler notified when the broker delivers
// messages.  A nil handler removes it.
func (c *Client) SetMessageHandler(h MessageHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// ReadMessage asks the modem for the oldest unread message and waits for
// it to be delivered.
func (c *Client) ReadMessage(ctx context.Context) (*Message, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	c.msg = nil
	c.mu.Unlock()
	if err := c.op(6, nil); err != nil {
		return nil, errors.WithMessage(err, "read message")
	}
	var m *Message
	err := c.waitFor(ctx, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		m = c.msg
		return m != nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SetWill configures the will message published by the broker should the
// session drop without a clean disconnect.
func (c *Client) SetWill(topic string, qos QoS, retain bool, message []byte) error {
	if err := c.set(6, func() { c.ch.WriteInt(int(qos)) }); err != nil {
		return errors.WithMessage(err, "set will qos")
	}
	if err := c.set(7, func() { c.ch.WriteInt(onOff(retain)) }); err != nil {
		return errors.WithMessage(err, "set will retention")
	}
	if err := c.set(8, func() { c.ch.WriteString(topic, true) }); err != nil {
		return errors.WithMessage(err, "set will topic")
	}
	err := c.set(9, func() { c.ch.WriteString(string(message), true) })
	return errors.WithMessage(err, "set will message")
}

// SetKeepAlive switches MQTT pings within the inactivity timeout on or
// off.
func (c *Client) SetKeepAlive(on bool) error {
	err := c.op(8, func() { c.ch.WriteInt(onOff(on)) })
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.keptAlive = on
	c.mu.Unlock()
	return nil
}

// IsKeptAlive returns true if MQTT pings are on.
func (c *Client) IsKeptAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keptAlive
}

// SetSessionRetention switches retention of subscriptions and undelivered
// messages across sessions on or off.  The modem works in terms of the
// inverse, the clean session flag.
func (c *Client) SetSessionRetention(on bool) error {
	return c.set(12, func() { c.ch.WriteInt(onOff(!on)) })
}

// SessionRetained reads back the session retention setting.
func (c *Client) SessionRetained() (bool, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	c.urc.sessionRetained = -1
	c.mu.Unlock()
	if err := c.refresh(); err != nil {
		return false, err
	}
	ok := c.waitStatus(func(u *urcStatus) bool { return u.sessionRetained >= 0 })
	if !ok {
		return false, ErrUnavailable
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.urc.sessionRetained == 1, nil
}

// SetSecurity switches TLS on, using the given security profile, or off.
// The profile is ignored when switching off, and the default profile is
// used when a negative one is given.
func (c *Client) SetSecurity(on bool, profileID int) error {
	return c.set(11, func() {
		c.ch.WriteInt(onOff(on))
		if on && profileID >= 0 {
			c.ch.WriteInt(profileID)
		}
	})
}

// Security reads back the TLS setting and, when secured, the security
// profile in use.  The modem does not report the setting at all when it
// is the unsecured default.
func (c *Client) Security() (bool, int, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.security()
}

func (c *Client) security() (bool, int, error) {
	c.mu.Lock()
	c.urc.secured = -1
	c.urc.profileID = -1
	c.mu.Unlock()
	if err := c.refresh(); err != nil {
		return false, -1, err
	}
	c.waitStatus(func(u *urcStatus) bool { return u.secured >= 0 })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.urc.secured == 1 {
		return true, c.urc.profileID, nil
	}
	return false, -1, nil
}

// SetLocalPort sets the local port for the MQTT connection.
func (c *Client) SetLocalPort(port int) error {
	return c.set(1, func() { c.ch.WriteInt(port) })
}

// LocalPort reads back the local port.  The modem does not report the
// port when it is at the default, so in that case the registered port for
// the security setting is returned.
func (c *Client) LocalPort() (int, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	c.urc.localPort = -1
	c.mu.Unlock()
	if err := c.refresh(); err != nil {
		return -1, err
	}
	if c.waitStatus(func(u *urcStatus) bool { return u.localPort >= 0 }) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.urc.localPort, nil
	}
	secured, _, err := c.security()
	if err != nil {
		return -1, err
	}
	if secured {
		return DefaultPortSecured, nil
	}
	return DefaultPort, nil
}

// SetInactivityTimeout sets the inactivity timeout after which the broker
// may drop the session.  Zero disables the timeout.
func (c *Client) SetInactivityTimeout(d time.Duration) error {
	return c.set(10, func() { c.ch.WriteInt(int(d / time.Second)) })
}

// InactivityTimeout reads back the inactivity timeout.
func (c *Client) InactivityTimeout() (time.Duration, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	c.urc.inactivitySecs = -1
	c.mu.Unlock()
	if err := c.refresh(); err != nil {
		return 0, err
	}
	if !c.waitStatus(func(u *urcStatus) bool { return u.inactivitySecs >= 0 }) {
		return 0, ErrUnavailable
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.urc.inactivitySecs) * time.Second, nil
}

// ClientID reads back the client ID.
func (c *Client) ClientID() (string, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	c.urc.clientIDSet = false
	c.mu.Unlock()
	if err := c.refresh(); err != nil {
		return "", err
	}
	if !c.waitStatus(func(u *urcStatus) bool { return u.clientIDSet }) {
		return "", ErrUnavailable
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.urc.clientID, nil
}

// statusHandler captures +UUMQTT<x> status lines, issued in response to
// the configuration query.  The operation number, one or two digits,
// precedes the colon; the values follow it, the last ending the line.
func (c *Client) statusHandler(ch *at.Channel) {
	ch.SetDelimiter(':')
	op := ch.ReadInt()
	ch.SetDefaultDelimiter()
	if op < 0 {
		return
	}
	switch op {
	case 0:
		id, err := ch.ReadString(64, true)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.urc.clientID = id
		c.urc.clientIDSet = true
		c.mu.Unlock()
	case 1:
		if port := ch.ReadInt(); port >= 0 {
			c.mu.Lock()
			c.urc.localPort = port
			c.mu.Unlock()
		}
	case 10:
		if secs := ch.ReadInt(); secs >= 0 {
			c.mu.Lock()
			c.urc.inactivitySecs = secs
			c.mu.Unlock()
		}
	case 11:
		on := ch.ReadInt()
		profile := -1
		if on == 1 {
			profile = ch.ReadInt()
		}
		if on >= 0 {
			c.mu.Lock()
			c.urc.secured = onOff(on == 1)
			c.urc.profileID = profile
			c.mu.Unlock()
		}
	case 12:
		// reported as the clean session flag
		if clean := ch.ReadInt(); clean >= 0 {
			c.mu.Lock()
			c.urc.sessionRetained = onOff(clean == 0)
			c.mu.Unlock()
		}
	}
}

// eventHandler captures +UUMQTTC operation outcomes from the broker.
func (c *Client) eventHandler(ch *at.Channel) {
	op := ch.ReadInt()
	p1 := ch.ReadInt()
	switch op {
	case 0: // logout, also reported on inactivity and connection loss
		if p1 == 1 || p1 == 100 || p1 == 101 {
			c.mu.Lock()
			c.urc.connected = false
			c.mu.Unlock()
		}
	case 1: // login, 0 means success
		if p1 == 0 {
			c.mu.Lock()
			c.urc.connected = true
			c.mu.Unlock()
		}
	case 2: // publish, 1 means success
		if p1 == 1 {
			c.mu.Lock()
			c.urc.publishDone = true
			c.mu.Unlock()
		}
	case 4: // subscribe: success flag, granted QoS, topic
		p2 := ch.ReadInt()
		ch.SkipParam(1)
		if p1 == 1 && p2 >= 0 {
			c.mu.Lock()
			c.urc.grantedQoS = QoS(p2)
			c.urc.subscribeDone = true
			c.mu.Unlock()
		}
	case 5: // unsubscribe, 1 means success
		if p1 == 1 {
			c.mu.Lock()
			c.urc.unsubscribeDone = true
			c.mu.Unlock()
		}
	case 6: // unread message count and memory full flag
		p2 := ch.ReadInt()
		if p1 < 0 || p2 < 0 {
			return
		}
		c.mu.Lock()
		c.urc.unread = p1
		c.urc.memoryFull = p2 == 1
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			// run off the URC goroutine so the handler cannot stall
			// the receiver
			ch.Callback(func() { h(p1) })
		}
	}
}

// deliveryHandler captures a message delivered through +UUMQTTCM in
// response to a read: the new unread count, the topic, the payload
// length, the QoS and then the payload itself, which may be binary.
func (c *Client) deliveryHandler(ch *at.Channel) {
	ch.SkipParam(1) // op code, echoing the read
	unread := ch.ReadInt()
	topic, terr := ch.ReadString(maxTopicLength, true)
	n := ch.ReadInt()
	if n > maxMessageLength {
		n = maxMessageLength
	}
	qos := ch.ReadInt()
	if terr != nil || n < 0 || qos < 0 || qos > int(ExactlyOnce) {
		return
	}
	payload := make([]byte, n)
	ch.SetDelimiter(0)
	ch.SetStopTag("")
	ch.SkipBytes(1) // opening quote
	read := ch.ReadBytes(payload)
	ch.SkipBytes(1) // closing quote
	ch.SetDefaultDelimiter()
	if read < 0 {
		return
	}
	c.mu.Lock()
	if unread >= 0 {
		c.urc.unread = unread
	}
	c.msg = &Message{Topic: topic, Payload: payload[:read], QoS: QoS(qos)}
	c.mu.Unlock()
}

// set performs a +UMQTT configuration exchange, which answers with the
// operation number echoed back and a status.
func (c *Client) set(op int, params func()) error {
	c.ch.Lock()
	c.ch.CmdStart("AT+UMQTT=")
	c.ch.WriteInt(op)
	if params != nil {
		params()
	}
	c.ch.CmdStop()
	c.ch.RespStart("+UMQTT:", false)
	c.ch.SkipParam(1)
	status := c.ch.ReadInt()
	c.ch.RespStop()
	if err := c.ch.UnlockReturnError(); err != nil {
		return err
	}
	if status != 1 {
		return ErrRejected
	}
	return nil
}

// op performs a +UMQTTC operation exchange, which answers like +UMQTT.
// The operation itself completes later, through a URC.
func (c *Client) op(op int, params func()) error {
	c.ch.Lock()
	c.ch.SetTimeout(c.responseTimeout, false)
	c.ch.CmdStart("AT+UMQTTC=")
	c.ch.WriteInt(op)
	if params != nil {
		params()
	}
	c.ch.CmdStop()
	c.ch.RespStart("+UMQTTC:", false)
	c.ch.SkipParam(1)
	status := c.ch.ReadInt()
	c.ch.RespStop()
	c.ch.RestoreTimeout()
	if err := c.ch.UnlockReturnError(); err != nil {
		return err
	}
	if status != 1 {
		return ErrRejected
	}
	return nil
}

// refresh issues the configuration query, repeating it while the modem
// reports more to come.  The values arrive as +UUMQTT URCs and are
// captured by statusHandler.
func (c *Client) refresh() error {
	for {
		c.ch.Lock()
		c.ch.CmdStart("AT+UMQTT?")
		c.ch.CmdStop()
		c.ch.RespStart("+UMQTT:", false)
		more, rerr := c.ch.ReadString(16, false)
		c.ch.RespStop()
		if err := c.ch.UnlockReturnError(); err != nil {
			return errors.WithMessage(err, "query")
		}
		if rerr != nil || !strings.Contains(more, "(more)") {
			return nil
		}
	}
}

// waitFor waits for a broker acknowledgement, reported through a URC,
// polling in slices so the context can cancel the wait.
func (c *Client) waitFor(ctx context.Context, cond func() bool) error {
	expired := time.After(c.responseTimeout)
	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ch.Closed():
			return at.ErrClosed
		case <-expired:
			return at.ErrTimeout
		case <-time.After(responsePollPeriod):
		}
	}
}

// waitStatus waits for a configuration value to be captured from a local
// URC.  These are not subject to broker round trips so the wait is short.
func (c *Client) waitStatus(cond func(*urcStatus) bool) bool {
	check := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return cond(&c.urc)
	}
	expired := time.After(statusTimeout)
	for {
		if check() {
			return true
		}
		select {
		case <-c.ch.Closed():
			return false
		case <-expired:
			return check()
		case <-time.After(statusPollPeriod):
		}
	}
}

func onOff(on bool) int {
	if on {
		return 1
	}
	return 0
}
