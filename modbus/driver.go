package modbus

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	gmodbus "github.com/goburrow/modbus"
	legacy "github.com/wz2b/modbus"
)

// Dialect is the call shape the installed protocol driver expects for the
// unit identifier.
type Dialect int

const (
	// DialectUnitPerCall assigns the unit id before every request.
	DialectUnitPerCall Dialect = iota
	// DialectUnitOnHandler fixes the unit id once on the connection handler.
	DialectUnitOnHandler
)

func (d Dialect) String() string {
	switch d {
	case DialectUnitPerCall:
		return "unit-per-call"
	case DialectUnitOnHandler:
		return "unit-on-handler"
	default:
		return "unknown"
	}
}

// DialectFor picks the dialect matching a driver version string of the form
// major.minor[.patch]. Versions from 3.10 on use DialectUnitOnHandler.
// An empty version means the current driver. A version that cannot be
// parsed falls back to DialectUnitPerCall and is reported as an error.
func DialectFor(version string) (Dialect, error) {
	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	if version == "" {
		return DialectUnitOnHandler, nil
	}
	parts := strings.Split(version, ".")
	if len(parts) < 2 {
		return DialectUnitPerCall, fmt.Errorf("driver version %q: expected major.minor", version)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return DialectUnitPerCall, fmt.Errorf("driver version %q: bad major: %w", version, err)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return DialectUnitPerCall, fmt.Errorf("driver version %q: bad minor: %w", version, err)
	}
	if major >= 4 || (major == 3 && minor >= 10) {
		return DialectUnitOnHandler, nil
	}
	return DialectUnitPerCall, nil
}

// session is one driver connection. Implementations are not safe for
// concurrent use; Modbus serialises access.
type session interface {
	Connect() error
	Close() error
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadCoils(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
}

func newSession(d Dialect, address string, unitID byte, timeout time.Duration) session {
	if d == DialectUnitOnHandler {
		handler := gmodbus.NewTCPClientHandler(address)
		handler.Timeout = timeout
		handler.SlaveId = unitID
		return &handlerSession{
			handler: handler,
			Client:  gmodbus.NewClient(handler),
		}
	}
	handler := legacy.NewTCPClientHandler(address)
	handler.Timeout = timeout
	return &perCallSession{
		handler: handler,
		client:  legacy.NewClient(handler),
		unitID:  unitID,
	}
}

type handlerSession struct {
	gmodbus.Client
	handler *gmodbus.TCPClientHandler
}

func (s *handlerSession) Connect() error { return s.handler.Connect() }
func (s *handlerSession) Close() error   { return s.handler.Close() }

type perCallSession struct {
	handler *legacy.TCPClientHandler
	client  legacy.Client
	unitID  byte
}

func (s *perCallSession) Connect() error { return s.handler.Connect() }
func (s *perCallSession) Close() error   { return s.handler.Close() }

func (s *perCallSession) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	s.handler.SlaveId = s.unitID
	return s.client.ReadHoldingRegisters(address, quantity)
}

func (s *perCallSession) ReadCoils(address, quantity uint16) ([]byte, error) {
	s.handler.SlaveId = s.unitID
	return s.client.ReadCoils(address, quantity)
}

func (s *perCallSession) WriteSingleRegister(address, value uint16) ([]byte, error) {
	s.handler.SlaveId = s.unitID
	return s.client.WriteSingleRegister(address, value)
}

func (s *perCallSession) WriteSingleCoil(address, value uint16) ([]byte, error) {
	s.handler.SlaveId = s.unitID
	return s.client.WriteSingleCoil(address, value)
}
