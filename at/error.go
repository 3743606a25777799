// SPDX-License-Identifier: MIT

package at

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrClosed indicates an operation cannot be performed as the channel
	// has been closed.
	ErrClosed = errors.New("closed")

	// ErrTimeout indicates the modem did not produce the expected bytes
	// within the AT timeout.
	ErrTimeout = errors.New("timeout")

	// ErrError indicates the modem returned a generic AT ERROR in response
	// to an operation.
	ErrError = errors.New("ERROR")

	// ErrOverflow indicates a response parameter was larger than the space
	// the caller allowed for it.  The parameter is consumed but nothing is
	// returned.
	ErrOverflow = errors.New("parameter overflow")

	// ErrURCExists indicates there is already a handler registered for a
	// prefix.
	ErrURCExists = errors.New("URC handler exists")

	// ErrParse indicates a response parameter could not be converted to the
	// requested type.
	ErrParse = errors.New("parse error")

	// ErrMissingParam indicates an expected response parameter was absent.
	ErrMissingParam = errors.New("missing parameter")
)

// CMEError indicates a CME Error was returned by the modem.
//
// The value is the error value, in string form, which may be numeric or
// textual depending on the modem configuration.
type CMEError string

// CMSError indicates a CMS Error was returned by the modem.
//
// The value is the error value, in string form, which may be numeric or
// textual depending on the modem configuration.
type CMSError string

func (e CMEError) Error() string {
	return string("CME Error: " + e)
}

func (e CMSError) Error() string {
	return string("CMS Error: " + e)
}

// DeviceErrorType classifies an error reported by the modem itself.
type DeviceErrorType int

const (
	// DeviceErrorNone indicates the modem has not reported an error.
	DeviceErrorNone DeviceErrorType = iota

	// DeviceErrorError indicates a plain ERROR final result.
	DeviceErrorError

	// DeviceErrorCME indicates a +CME ERROR final result.
	DeviceErrorCME

	// DeviceErrorCMS indicates a +CMS ERROR final result.
	DeviceErrorCMS
)

// DeviceError is the last error reported by the modem, with the numeric
// code where one was given.
type DeviceError struct {
	Type DeviceErrorType
	Code int
}

// newDeviceError parses the value portion of a CME/CMS error line into a
// typed error and a numeric record.
func newDeviceError(t DeviceErrorType, value string) (error, DeviceError) {
	de := DeviceError{Type: t, Code: -1}
	if code, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		de.Code = code
	}
	switch t {
	case DeviceErrorCME:
		return CMEError(strings.TrimSpace(value)), de
	case DeviceErrorCMS:
		return CMSError(strings.TrimSpace(value)), de
	default:
		return ErrError, de
	}
}
