package modbus

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const DefaultPort = 502
const DefaultTimeout = 5 * time.Second

type Config struct {
	Address       string // host:port
	UnitID        byte
	Timeout       time.Duration
	DriverVersion string
	Logger        *zap.Logger
}

// Modbus owns a single Modbus TCP session to one device. Every operation is
// a blocking call; a failed socket is reopened before the next operation, but
// operations themselves are never retried.
type Modbus struct {
	Config
	dialect   Dialect
	session   session
	lock      sync.Mutex
	connected bool
	closed    bool
}

func New(config *Config) *Modbus {
	mb := &Modbus{Config: *config}
	if mb.Timeout <= 0 {
		mb.Timeout = DefaultTimeout
	}
	if mb.Logger == nil {
		mb.Logger = zap.NewNop()
	}
	dialect, err := DialectFor(mb.DriverVersion)
	if err != nil {
		mb.Logger.Warn("unrecognised driver version, using legacy dialect",
			zap.String("version", mb.DriverVersion), zap.Error(err))
	}
	mb.dialect = dialect
	mb.session = newSession(dialect, mb.Address, mb.UnitID, mb.Timeout)
	mb.Logger.Debug("modbus transport created",
		zap.String("address", mb.Address),
		zap.Uint8("unit", mb.UnitID),
		zap.Stringer("dialect", dialect))
	return mb
}

// Dialect reports the driver call shape selected at construction.
func (mb *Modbus) Dialect() Dialect {
	return mb.dialect
}

// Connect opens the session if it is not open already.
func (mb *Modbus) Connect() error {
	mb.lock.Lock()
	defer mb.lock.Unlock()
	if mb.closed {
		return ErrClosed
	}
	return mb.connect()
}

func (mb *Modbus) connect() error {
	if mb.connected {
		return nil
	}
	if err := mb.session.Connect(); err != nil {
		return &ConnectionError{Address: mb.Address, Err: err}
	}
	mb.connected = true
	mb.Logger.Info("connected to modbus device", zap.String("address", mb.Address))
	return nil
}

func (mb *Modbus) Close() error {
	mb.lock.Lock()
	defer mb.lock.Unlock()
	if mb.closed {
		return nil
	}
	mb.closed = true
	mb.connected = false
	return mb.session.Close()
}

func parseResults(op string, r []byte, quantity uint16) ([]uint16, error) {
	if len(r) < int(quantity)*2 {
		return nil, &DecodeError{Op: op, Want: int(quantity), Got: len(r) / 2}
	}
	results := make([]uint16, quantity)
	for n := uint16(0); n < quantity; n++ {
		results[n] = binary.BigEndian.Uint16(r[n*2 : n*2+2])
	}
	return results, nil
}

func parseBits(op string, r []byte, quantity uint16) ([]bool, error) {
	if len(r)*8 < int(quantity) {
		return nil, &DecodeError{Op: op, Want: int(quantity), Got: len(r) * 8}
	}
	results := make([]bool, quantity)
	for n := 0; n < int(quantity); n++ {
		results[n] = r[n/8]&(1<<uint(n%8)) != 0
	}
	return results, nil
}

func (mb *Modbus) ReadWords(address uint16, quantity uint16) (results []uint16, err error) {
	const op = "read holding registers"
	err = mb.try(func(s session) error {
		r, err := s.ReadHoldingRegisters(address, quantity)
		if err != nil {
			return mb.classify(err, &ReadError{Op: op, Address: address, Quantity: quantity, Err: err})
		}
		results, err = parseResults(op, r, quantity)
		return err
	})
	return results, err
}

func (mb *Modbus) ReadBits(address uint16, quantity uint16) (results []bool, err error) {
	const op = "read coils"
	err = mb.try(func(s session) error {
		r, err := s.ReadCoils(address, quantity)
		if err != nil {
			return mb.classify(err, &ReadError{Op: op, Address: address, Quantity: quantity, Err: err})
		}
		results, err = parseBits(op, r, quantity)
		return err
	})
	return results, err
}

func (mb *Modbus) WriteWord(address uint16, value uint16) error {
	return mb.try(func(s session) error {
		if _, err := s.WriteSingleRegister(address, value); err != nil {
			return mb.classify(err, &WriteError{Op: "write register", Address: address, Value: value, Err: err})
		}
		return nil
	})
}

func (mb *Modbus) WriteBit(address uint16, value bool) error {
	var v uint16
	if value {
		v = 0xFF00
	}
	return mb.try(func(s session) error {
		if _, err := s.WriteSingleCoil(address, v); err != nil {
			return mb.classify(err, &WriteError{Op: "write coil", Address: address, Value: v, Err: err})
		}
		return nil
	})
}

// classify turns socket-level failures into a ConnectionError and drops the
// session so the next operation reconnects. Anything else is returned as the
// protocol error built by the caller.
func (mb *Modbus) classify(err error, protocolErr error) error {
	if IsException(err) || !isConnectionFailure(err) {
		return protocolErr
	}
	mb.Logger.Warn("modbus session lost", zap.String("address", mb.Address), zap.Error(err))
	mb.session.Close()
	mb.connected = false
	return &ConnectionError{Address: mb.Address, Err: err}
}

func isConnectionFailure(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func (mb *Modbus) try(f func(s session) error) error {
	mb.lock.Lock()
	defer mb.lock.Unlock()
	if mb.closed {
		return ErrClosed
	}
	if err := mb.connect(); err != nil {
		return err
	}
	return f(mb.session)
}
