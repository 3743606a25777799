// SPDX-License-Identifier: MIT

// Package serial provides the byte stream port to the modem - a thin
// opener over tarm serial with platform appropriate defaults.
//
// Hardware flow control, where available, is handled below this layer and
// is opaque to the AT engine.
package serial

import (
	"github.com/tarm/serial"
)

// Config contains the port configuration.
type Config struct {
	port string
	baud int
}

// Option modifies the Config used to open the port.
type Option func(*Config)

// WithPort sets the path of the port device file.
func WithPort(port string) Option {
	return func(c *Config) {
		c.port = port
	}
}

// WithBaud sets the baud rate of the port.
func WithBaud(baud int) Option {
	return func(c *Config) {
		c.baud = baud
	}
}

// New opens the serial port to the modem.
func New(options ...Option) (*serial.Port, error) {
	c := defaultConfig
	for _, option := range options {
		option(&c)
	}
	p, err := serial.OpenPort(&serial.Config{Name: c.port, Baud: c.baud})
	if err != nil {
		return nil, err
	}
	return p, nil
}
