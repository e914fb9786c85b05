package modbus

import (
	"errors"
	"fmt"

	gmodbus "github.com/goburrow/modbus"
	legacy "github.com/wz2b/modbus"
)

var ErrClosed = errors.New("modbus transport closed")
var ErrIncorrectResultSize = errors.New("Incorrect number of results returned")

// ConnectionError reports a failure to open, or a failure of, the TCP session.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("modbus connection %s: %s", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ReadError reports a read the device rejected or answered badly.
// Err carries the raw fault description from the driver.
type ReadError struct {
	Op       string
	Address  uint16
	Quantity uint16
	Err      error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("modbus %s at %d (x%d): %s", e.Op, e.Address, e.Quantity, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// WriteError reports a write the device rejected or answered badly.
type WriteError struct {
	Op      string
	Address uint16
	Value   uint16
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("modbus %s at %d (value %d): %s", e.Op, e.Address, e.Value, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// DecodeError reports a response holding fewer values than requested.
type DecodeError struct {
	Op   string
	Want int
	Got  int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("modbus %s: expected %d values, got %d", e.Op, e.Want, e.Got)
}

func (e *DecodeError) Unwrap() error { return ErrIncorrectResultSize }

// IsException tells whether err carries a Modbus exception response from
// either driver.
func IsException(err error) bool {
	var mbErr *gmodbus.ModbusError
	if errors.As(err, &mbErr) {
		return true
	}
	var legacyErr *legacy.ModbusError
	return errors.As(err, &legacyErr)
}
