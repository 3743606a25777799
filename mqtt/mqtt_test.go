// SPDX-License-Identifier: MIT

package mqtt_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/umodem/cellular/at"
	"github.com/umodem/cellular/mqtt"
	"github.com/umodem/cellular/trace"
)

var debug = false // set to trace mock modem exchanges

func TestNew(t *testing.T) {
	c, _, m := setupClient(t, nil)
	defer teardownModem(m)
	assert.NotNil(t, c)
	c.Close()
	// idempotent
	c.Close()
}

func TestNewNoServer(t *testing.T) {
	m := &mockModem{r: make(chan []byte, 16)}
	defer teardownModem(m)
	a := at.New(m)
	c, err := mqtt.New(a, mqtt.Config{ClientID: "client"})
	assert.Equal(t, mqtt.ErrNoServer, err)
	assert.Nil(t, c)
}

func TestNewCredentials(t *testing.T) {
	cmdSet := mergeCmdSets(initCmdSet(), map[string][]string{
		"AT+UMQTT=4,\"user\",\"pass\"\r": {"\r\n+UMQTT: 4,1\r\n", "\r\nOK\r\n"},
	})
	m := &mockModem{cmdSet: cmdSet, r: make(chan []byte, 16)}
	defer teardownModem(m)
	a := at.New(m)
	cfg := mqtt.Config{
		ClientID: "client",
		Server:   "broker",
		Port:     1883,
		User:     "user",
		Password: "pass",
	}
	c, err := mqtt.New(a, cfg)
	assert.Nil(t, err)
	require.NotNil(t, c)
	c.Close()
}

func TestNewRejected(t *testing.T) {
	cmdSet := mergeCmdSets(initCmdSet(), map[string][]string{
		"AT+UMQTT=0,\"client\"\r": {"\r\n+UMQTT: 0,0\r\n", "\r\nOK\r\n"},
	})
	m := &mockModem{cmdSet: cmdSet, r: make(chan []byte, 16)}
	defer teardownModem(m)
	a := at.New(m)
	cfg := mqtt.Config{ClientID: "client", Server: "broker", Port: 1883}
	c, err := mqtt.New(a, cfg)
	assert.Equal(t, mqtt.ErrRejected, errors.Cause(err))
	assert.Nil(t, c)
}

func TestConnect(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+UMQTTC=1\r": {
			"\r\n+UUMQTTC: 1,0\r\n", "\r\n+UMQTTC: 1,1\r\n", "\r\nOK\r\n",
		},
	}
	c, _, m := setupClient(t, cmdSet)
	defer teardownModem(m)
	assert.False(t, c.IsConnected())
	assert.Nil(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
}

func TestConnectRejected(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+UMQTTC=1\r": {"\r\n+UMQTTC: 1,0\r\n", "\r\nOK\r\n"},
	}
	c, _, m := setupClient(t, cmdSet)
	defer teardownModem(m)
	assert.Equal(t, mqtt.ErrRejected, c.Connect(context.Background()))
	assert.False(t, c.IsConnected())
}

func TestConnectTimeout(t *testing.T) {
	// broker accepts the command but the login URC never arrives
	cmdSet := map[string][]string{
		"AT+UMQTTC=1\r": {"\r\n+UMQTTC: 1,1\r\n", "\r\nOK\r\n"},
	}
	c, _, m := setupClient(t, cmdSet,
		mqtt.WithResponseTimeout(100*time.Millisecond))
	defer teardownModem(m)
	assert.Equal(t, at.ErrTimeout, c.Connect(context.Background()))
}

func TestConnectCancelled(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+UMQTTC=1\r": {"\r\n+UMQTTC: 1,1\r\n", "\r\nOK\r\n"},
	}
	c, _, m := setupClient(t, cmdSet)
	defer teardownModem(m)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, c.Connect(ctx))
}

func TestDisconnect(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+UMQTTC=1\r": {
			"\r\n+UUMQTTC: 1,0\r\n", "\r\n+UMQTTC: 1,1\r\n", "\r\nOK\r\n",
		},
		"AT+UMQTTC=0\r": {
			"\r\n+UUMQTTC: 0,1\r\n", "\r\n+UMQTTC: 0,1\r\n", "\r\nOK\r\n",
		},
	}
	c, _, m := setupClient(t, cmdSet)
	defer teardownModem(m)
	require.Nil(t, c.Connect(context.Background()))
	assert.Nil(t, c.Disconnect(context.Background()))
	assert.False(t, c.IsConnected())
}

func TestConnectionLost(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+UMQTTC=1\r": {
			"\r\n+UUMQTTC: 1,0\r\n", "\r\n+UMQTTC: 1,1\r\n", "\r\nOK\r\n",
		},
	}
	c, _, m := setupClient(t, cmdSet)
	defer teardownModem(m)
	require.Nil(t, c.Connect(context.Background()))

	m.r <- []byte("\r\n+UUMQTTC: 0,101\r\n")
	time.Sleep(50 * time.Millisecond)
	assert.False(t, c.IsConnected())
}

func TestPublish(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+UMQTTC=2,1,0,1,\"t/up\",\"68656c6c6f\"\r": {
			"\r\n+UUMQTTC: 2,1\r\n", "\r\n+UMQTTC: 2,1\r\n", "\r\nOK\r\n",
		},
	}
	c, _, m := setupClient(t, cmdSet)
	defer teardownModem(m)
	err := c.Publish(context.Background(), "t/up", mqtt.AtLeastOnce, false,
		[]byte("hello"))
	assert.Nil(t, err)
}

func TestPublishRejected(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+UMQTTC=2,0,1,1,\"t/up\",\"ff00\"\r": {
			"\r\n+UMQTTC: 2,0\r\n", "\r\nOK\r\n",
		},
	}
	c, _, m := setupClient(t, cmdSet)
	defer teardownModem(m)
	err := c.Publish(context.Background(), "t/up", mqtt.AtMostOnce, true,
		[]byte{0xff, 0x00})
	assert.Equal(t, mqtt.ErrRejected, errors.Cause(err))
}

func TestSubscribe(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+UMQTTC=4,2,\"t/#\"\r": {
			"\r\n+UUMQTTC: 4,1,1,\"t/#\"\r\n", "\r\n+UMQTTC: 4,1\r\n",
			"\r\nOK\r\n",
		},
	}
	c, _, m := setupClient(t, cmdSet)
	defer teardownModem(m)
	granted, err := c.Subscribe(context.Background(), "t/#", mqtt.ExactlyOnce)
	assert.Nil(t, err)
	assert.Equal(t, mqtt.AtLeastOnce, granted)
}

func TestUnsubscribe(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+UMQTTC=5,\"t/#\"\r": {
			"\r\n+UUMQTTC: 5,1\r\n", "\r\n+UMQTTC: 5,1\r\n", "\r\nOK\r\n",
		},
	}
	c, _, m := setupClient(t, cmdSet)
	defer teardownModem(m)
	assert.Nil(t, c.Unsubscribe(context.Background(), "t/#"))
}

func TestMessageIndication(t *testing.T) {
	c, _, m := setupClient(t, nil)
	defer teardownModem(m)
	unread := make(chan int, 4)
	c.SetMessageHandler(func(n int) { unread <- n })

	m.r <- []byte("\r\n+UUMQTTC: 6,3,0\r\n")
	select {
	case n := <-unread:
		assert.Equal(t, 3, n)
	case <-time.After(time.Second):
		t.Fatal("no message indication")
	}
	assert.Equal(t, 3, c.Unread())
	assert.False(t, c.MemoryFull())

	m.r <- []byte("\r\n+UUMQTTC: 6,5,1\r\n")
	select {
	case n := <-unread:
		assert.Equal(t, 5, n)
	case <-time.After(time.Second):
		t.Fatal("no message indication")
	}
	assert.True(t, c.MemoryFull())
}

func TestReadMessage(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+UMQTTC=6\r": {
			"\r\n+UUMQTTCM: 6,0,\"t/dn\",5,1,\"hello\"\r\n",
			"\r\n+UMQTTC: 6,1\r\n", "\r\nOK\r\n",
		},
	}
	c, _, m := setupClient(t, cmdSet)
	defer teardownModem(m)
	msg, err := c.ReadMessage(context.Background())
	assert.Nil(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "t/dn", msg.Topic)
	assert.Equal(t, []byte("hello"), msg.Payload)
	assert.Equal(t, mqtt.AtLeastOnce, msg.QoS)
	assert.Equal(t, 0, c.Unread())
}

func TestReadMessageBinary(t *testing.T) {
	// payload containing the delimiter, quotes and line terminators
	payload := "pa,y\r\n\"!"
	cmdSet := map[string][]string{
		"AT+UMQTTC=6\r": {
			"\r\n+UUMQTTCM: 6,1,\"t/dn\",8,2,\"" + payload + "\"\r\n",
			"\r\n+UMQTTC: 6,1\r\n", "\r\nOK\r\n",
		},
	}
	c, _, m := setupClient(t, cmdSet)
	defer teardownModem(m)
	msg, err := c.ReadMessage(context.Background())
	assert.Nil(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "t/dn", msg.Topic)
	assert.Equal(t, []byte(payload), msg.Payload)
	assert.Equal(t, mqtt.ExactlyOnce, msg.QoS)
	assert.Equal(t, 1, c.Unread())
}

func TestReadMessageTimeout(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+UMQTTC=6\r": {"\r\n+UMQTTC: 6,1\r\n", "\r\nOK\r\n"},
	}
	c, _, m := setupClient(t, cmdSet,
		mqtt.WithResponseTimeout(100*time.Millisecond))
	defer teardownModem(m)
	msg, err := c.ReadMessage(context.Background())
	assert.Equal(t, at.ErrTimeout, err)
	assert.Nil(t, msg)
}

func TestSetWill(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+UMQTT=6,1\r":          {"\r\n+UMQTT: 6,1\r\n", "\r\nOK\r\n"},
		"AT+UMQTT=7,1\r":          {"\r\n+UMQTT: 7,1\r\n", "\r\nOK\r\n"},
		"AT+UMQTT=8,\"t/will\"\r": {"\r\n+UMQTT: 8,1\r\n", "\r\nOK\r\n"},
		"AT+UMQTT=9,\"gone\"\r":   {"\r\n+UMQTT: 9,1\r\n", "\r\nOK\r\n"},
	}
	c, _, m := setupClient(t, cmdSet)
	defer teardownModem(m)
	err := c.SetWill("t/will", mqtt.AtLeastOnce, true, []byte("gone"))
	assert.Nil(t, err)
}

func TestKeepAlive(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+UMQTTC=8,1\r": {"\r\n+UMQTTC: 8,1\r\n", "\r\nOK\r\n"},
		"AT+UMQTTC=8,0\r": {"\r\n+UMQTTC: 8,1\r\n", "\r\nOK\r\n"},
	}
	c, _, m := setupClient(t, cmdSet)
	defer teardownModem(m)
	assert.False(t, c.IsKeptAlive())
	assert.Nil(t, c.SetKeepAlive(true))
	assert.True(t, c.IsKeptAlive())
	assert.Nil(t, c.SetKeepAlive(false))
	assert.False(t, c.IsKeptAlive())
}

func TestSessionRetention(t *testing.T) {
	cmdSet := map[string][]string{
		// retention on is clean session off
		"AT+UMQTT=12,0\r": {"\r\n+UMQTT: 12,1\r\n", "\r\nOK\r\n"},
		"AT+UMQTT?\r": {
			"\r\n+UUMQTT12: 0\r\n", "\r\n+UMQTT: 0\r\n", "\r\nOK\r\n",
		},
	}
	c, _, m := setupClient(t, cmdSet)
	defer teardownModem(m)
	assert.Nil(t, c.SetSessionRetention(true))
	retained, err := c.SessionRetained()
	assert.Nil(t, err)
	assert.True(t, retained)
}

func TestSecurity(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+UMQTT=11,1,3\r": {"\r\n+UMQTT: 11,1\r\n", "\r\nOK\r\n"},
		"AT+UMQTT?\r": {
			"\r\n+UUMQTT11: 1,3\r\n", "\r\n+UMQTT: 0\r\n", "\r\nOK\r\n",
		},
	}
	c, _, m := setupClient(t, cmdSet)
	defer teardownModem(m)
	assert.Nil(t, c.SetSecurity(true, 3))
	secured, profile, err := c.Security()
	assert.Nil(t, err)
	assert.True(t, secured)
	assert.Equal(t, 3, profile)
}

func TestLocalPort(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+UMQTT=1,5000\r": {"\r\n+UMQTT: 1,1\r\n", "\r\nOK\r\n"},
		"AT+UMQTT?\r": {
			"\r\n+UUMQTT1: 5000\r\n", "\r\n+UMQTT: 0\r\n", "\r\nOK\r\n",
		},
	}
	c, _, m := setupClient(t, cmdSet)
	defer teardownModem(m)
	assert.Nil(t, c.SetLocalPort(5000))
	port, err := c.LocalPort()
	assert.Nil(t, err)
	assert.Equal(t, 5000, port)
}

func TestInactivityTimeout(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+UMQTT=10,120\r": {"\r\n+UMQTT: 10,1\r\n", "\r\nOK\r\n"},
		"AT+UMQTT?\r": {
			"\r\n+UUMQTT10: 120\r\n", "\r\n+UMQTT: 0\r\n", "\r\nOK\r\n",
		},
	}
	c, _, m := setupClient(t, cmdSet)
	defer teardownModem(m)
	assert.Nil(t, c.SetInactivityTimeout(2*time.Minute))
	d, err := c.InactivityTimeout()
	assert.Nil(t, err)
	assert.Equal(t, 2*time.Minute, d)
}

func TestClientID(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+UMQTT?\r": {
			"\r\n+UUMQTT0: \"client\"\r\n", "\r\n+UMQTT: 0\r\n", "\r\nOK\r\n",
		},
	}
	c, _, m := setupClient(t, cmdSet)
	defer teardownModem(m)
	id, err := c.ClientID()
	assert.Nil(t, err)
	assert.Equal(t, "client", id)
}

func initCmdSet() map[string][]string {
	return map[string][]string{
		"AT+UMQTT=2,\"broker\",1883\r": {"\r\n+UMQTT: 2,1\r\n", "\r\nOK\r\n"},
		"AT+UMQTT=0,\"client\"\r":      {"\r\n+UMQTT: 0,1\r\n", "\r\nOK\r\n"},
		"AT+UMQTTC=7,2\r":              {"\r\n+UMQTTC: 7,1\r\n", "\r\nOK\r\n"},
	}
}

func mergeCmdSets(base, extra map[string][]string) map[string][]string {
	for k, v := range extra {
		base[k] = v
	}
	return base
}

func setupClient(t *testing.T, cmdSet map[string][]string, options ...mqtt.Option) (*mqtt.Client, *at.Channel, *mockModem) {
	m := &mockModem{cmdSet: mergeCmdSets(initCmdSet(), cmdSet), r: make(chan []byte, 16)}
	var mio io.ReadWriter = m
	if debug {
		mio = trace.New(m, log.New(os.Stdout, "", log.LstdFlags))
	}
	a := at.New(mio)
	require.NotNil(t, a)
	cfg := mqtt.Config{ClientID: "client", Server: "broker", Port: 1883}
	c, err := mqtt.New(a, cfg, options...)
	require.Nil(t, err)
	require.NotNil(t, c)
	return c, a, m
}

func teardownModem(m *mockModem) {
	m.Close()
}

type mockModem struct {
	cmdSet map[string][]string
	closed bool
	wbuf   []byte
	// channel carrying modem responses to the reader
	r chan []byte
}

func (m *mockModem) Read(p []byte) (n int, err error) {
	data, ok := <-m.r
	if !ok {
		return 0, fmt.Errorf("closed")
	}
	copy(p, data)
	return len(data), nil
}

func (m *mockModem) Write(p []byte) (n int, err error) {
	if m.closed {
		return 0, fmt.Errorf("closed")
	}
	m.wbuf = append(m.wbuf, p...)
	i := bytes.IndexByte(m.wbuf, '\r')
	if i < 0 {
		return len(p), nil
	}
	cmd := string(m.wbuf[:i+1])
	m.wbuf = m.wbuf[i+1:]
	for _, l := range m.cmdSet[cmd] {
		if l != "" {
			m.r <- []byte(l)
		}
	}
	return len(p), nil
}

func (m *mockModem) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.r)
	return nil
}
