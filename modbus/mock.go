package modbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrIllegalAddress = errors.New("Illegal data address")

// Mock is an in-memory device answering the same calls as Modbus.
// Addresses are physical and start at 1, like the sauna controller.
type Mock struct {
	mu    sync.Mutex
	Words []uint16
	Bits  []bool

	// Injected failures, returned by the matching operation while set.
	WordsErr error
	BitsErr  error
	WriteErr error

	// BeforeOp runs at the start of every operation, outside the lock.
	BeforeOp func(op string)
	// Delay is slept inside every operation.
	Delay time.Duration

	inflight int32
	overlaps int32
	calls    []string
	closed   bool
}

func NewMock(words, bits int) *Mock {
	return &Mock{
		Words: make([]uint16, words),
		Bits:  make([]bool, bits),
	}
}

func (ms *Mock) enter(op string) func() {
	if atomic.AddInt32(&ms.inflight, 1) > 1 {
		atomic.AddInt32(&ms.overlaps, 1)
	}
	if ms.BeforeOp != nil {
		ms.BeforeOp(op)
	}
	if ms.Delay > 0 {
		time.Sleep(ms.Delay)
	}
	ms.mu.Lock()
	ms.calls = append(ms.calls, op)
	ms.mu.Unlock()
	return func() { atomic.AddInt32(&ms.inflight, -1) }
}

// Overlaps counts operations that started while another was still running.
func (ms *Mock) Overlaps() int {
	return int(atomic.LoadInt32(&ms.overlaps))
}

// Calls returns the operations seen so far, in order.
func (ms *Mock) Calls() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]string(nil), ms.calls...)
}

func (ms *Mock) ResetCalls() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.calls = nil
}

func (ms *Mock) SetWord(address uint16, value uint16) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.Words[address-1] = value
}

func (ms *Mock) SetBit(address uint16, value bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.Bits[address-1] = value
}

func (ms *Mock) Connect() error { return nil }

func (ms *Mock) ReadWords(address uint16, quantity uint16) (results []uint16, err error) {
	defer ms.enter("read words")()
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, ErrClosed
	}
	if ms.WordsErr != nil {
		return nil, ms.WordsErr
	}
	if address == 0 || int(address-1)+int(quantity) > len(ms.Words) {
		return nil, &ReadError{Op: "read holding registers", Address: address, Quantity: quantity, Err: ErrIllegalAddress}
	}
	address--
	for a := address; a < address+quantity; a++ {
		results = append(results, ms.Words[a])
	}
	return results, nil
}

func (ms *Mock) ReadBits(address uint16, quantity uint16) (results []bool, err error) {
	defer ms.enter("read bits")()
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, ErrClosed
	}
	if ms.BitsErr != nil {
		return nil, ms.BitsErr
	}
	if address == 0 || int(address-1)+int(quantity) > len(ms.Bits) {
		return nil, &ReadError{Op: "read coils", Address: address, Quantity: quantity, Err: ErrIllegalAddress}
	}
	return append(results, ms.Bits[address-1:address-1+quantity]...), nil
}

func (ms *Mock) WriteWord(address uint16, value uint16) error {
	defer ms.enter("write word")()
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrClosed
	}
	if ms.WriteErr != nil {
		return ms.WriteErr
	}
	if address == 0 || int(address) > len(ms.Words) {
		return &WriteError{Op: "write register", Address: address, Value: value, Err: ErrIllegalAddress}
	}
	ms.Words[address-1] = value
	return nil
}

func (ms *Mock) WriteBit(address uint16, value bool) error {
	defer ms.enter("write bit")()
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrClosed
	}
	if ms.WriteErr != nil {
		return ms.WriteErr
	}
	if address == 0 || int(address) > len(ms.Bits) {
		return &WriteError{Op: "write coil", Address: address, Err: ErrIllegalAddress}
	}
	ms.Bits[address-1] = value
	return nil
}

func (ms *Mock) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.closed = true
	return nil
}

func (ms *Mock) Closed() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.closed
}
