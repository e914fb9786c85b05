// Package watcher polls the sauna controller, keeps the last decoded snapshot
// and serialises writes against the polls on the shared connection.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ffes2mqtt/ffes"
	"ffes2mqtt/modbus"

	"go.uber.org/zap"
)

const DefaultInterval = 10 * time.Second
const MinInterval = 5 * time.Second
const MaxInterval = 120 * time.Second

// Modbus is the transport used by the watcher. Addresses are physical.
type Modbus interface {
	ReadWords(address uint16, quantity uint16) ([]uint16, error)
	ReadBits(address uint16, quantity uint16) ([]bool, error)
	WriteWord(address uint16, value uint16) error
	WriteBit(address uint16, value bool) error
	Close() error
}

// Recorder receives poll and write outcomes, typically to export them as metrics.
type Recorder interface {
	PollDone(success bool, duration time.Duration)
	CoilsDegraded()
	WriteDone(space string, success bool)
	Observe(s ffes.Snapshot, available bool)
}

// Config contains the configuration parameters for a new Watcher instance
type Config struct {
	Modbus   Modbus
	Interval time.Duration
	Logger   *zap.Logger
	Recorder Recorder
	Now      func() time.Time
}

var ErrAddressOutOfRange = errors.New("Register address out of range")
var ErrClosed = modbus.ErrClosed

// round is one poll execution. Everyone waiting on the same round shares its result.
type round struct {
	done    chan struct{}
	err     error
	started bool // holds the io slot; guarded by Watcher.lock
}

func newRound() *round {
	return &round{done: make(chan struct{})}
}

// Watcher owns the connection to one controller.
// At most one wire operation runs at a time and at most one poll is in flight.
type Watcher struct {
	Config
	store store
	io    chan struct{} // holds a token while a wire operation runs

	lock    sync.Mutex
	current *round // poll in flight
	next    *round // follow-up poll shared by refreshes that arrived during current
	closed  bool
	quit    chan struct{}
}

// New returns a new Watcher instance. Call Run to start periodic polling.
func New(config *Config) *Watcher {
	w := &Watcher{
		Config: *config,
		io:     make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
	if w.Interval <= 0 {
		w.Interval = DefaultInterval
	}
	if w.Logger == nil {
		w.Logger = zap.NewNop()
	}
	if w.Recorder == nil {
		w.Recorder = nopRecorder{}
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	return w
}

// Snapshot returns the last good snapshot. ok is false until the first successful poll.
func (w *Watcher) Snapshot() (s ffes.Snapshot, ok bool) {
	return w.store.get()
}

// Available reports whether the last poll succeeded.
func (w *Watcher) Available() bool {
	return w.store.getState().Available
}

func (w *Watcher) State() State {
	return w.store.getState()
}

// OnUpdate registers a callback fired after every poll cycle, successful or not.
// Callbacks run on the polling goroutine, outside any lock, and must not
// wait on Refresh, a write or Close themselves.
func (w *Watcher) OnUpdate(callback func(s ffes.Snapshot, available bool)) {
	w.store.register(callback)
}

// Run polls immediately and then on every tick until ctx is done or the watcher is closed.
// Ticks that fire while a poll is in flight are dropped.
func (w *Watcher) Run(ctx context.Context) error {
	w.Logger.Info("watcher started", zap.Duration("interval", w.Interval))
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	w.tick()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.quit:
			return ErrClosed
		case <-ticker.C:
			go w.tick()
		}
	}
}

func (w *Watcher) tick() {
	r, start, err := w.request(false)
	if err != nil || !start {
		if err == nil {
			w.Logger.Debug("poll in flight, tick dropped")
		}
		return
	}
	w.runRounds(r)
}

// Refresh polls out of band and waits for the result. If a poll is already
// in flight, a single follow-up poll is queued and shared by every caller
// arriving before it starts, so the snapshot observed is never older than
// the request. ctx bounds the wait only; the poll itself runs to completion.
func (w *Watcher) Refresh(ctx context.Context) error {
	r, start, err := w.request(true)
	if err != nil {
		return err
	}
	return w.wait(ctx, r, start)
}

func (w *Watcher) wait(ctx context.Context, r *round, start bool) error {
	if start {
		go w.runRounds(r)
	}
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// request claims the poll slot. start is true when the caller must run the returned round.
// With queue unset, nothing is returned if a poll is in flight. With queue set, a round
// that has not reached the wire yet is joined, otherwise a single follow-up is shared.
func (w *Watcher) request(queue bool) (r *round, start bool, err error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.closed {
		return nil, false, ErrClosed
	}
	if w.current == nil {
		w.current = newRound()
		return w.current, true, nil
	}
	if !queue {
		return nil, false, nil
	}
	if !w.current.started {
		return w.current, false, nil
	}
	if w.next == nil {
		w.next = newRound()
	}
	return w.next, false, nil
}

func (w *Watcher) runRounds(r *round) {
	for r != nil {
		r.err = w.poll(r)
		close(r.done)

		w.lock.Lock()
		r = w.next
		w.next = nil
		w.current = r
		w.lock.Unlock()
	}
}

func (w *Watcher) acquire(ctx context.Context) error {
	select {
	case w.io <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if w.isClosed() {
		w.release()
		return ErrClosed
	}
	return nil
}

func (w *Watcher) release() {
	<-w.io
}

func (w *Watcher) isClosed() bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.closed
}

// poll runs one cycle: read words, read coils, decode, publish.
// A word block failure fails the cycle and keeps the previous snapshot.
// A coil block failure only degrades the coil derived fields.
func (w *Watcher) poll(r *round) error {
	if err := w.acquire(context.Background()); err != nil {
		return err
	}
	w.lock.Lock()
	r.started = true
	w.lock.Unlock()
	started := time.Now()
	words, err := w.Modbus.ReadWords(ffes.Physical(0), ffes.REGISTER_COUNT)
	var bits []bool
	var bitsErr error
	if err == nil {
		bits, bitsErr = w.Modbus.ReadBits(ffes.Physical(0), ffes.COIL_COUNT)
	}
	w.release()

	if err == nil && bitsErr == nil && len(bits) < ffes.COIL_COUNT {
		bitsErr = &modbus.DecodeError{Op: "read coils", Want: ffes.COIL_COUNT, Got: len(bits)}
	}
	if err == nil && bitsErr != nil {
		w.Logger.Warn("coil block unavailable, coil fields degraded to false", zap.Error(bitsErr))
		w.Recorder.CoilsDegraded()
		bits = nil
	}

	var s ffes.Snapshot
	if err == nil {
		s, err = ffes.Decode(words, bits, w.Now())
		if err != nil {
			err = &modbus.DecodeError{Op: "read holding registers", Want: ffes.REGISTER_COUNT, Got: len(words)}
		}
	}
	w.Recorder.PollDone(err == nil, time.Since(started))

	if err != nil {
		w.Logger.Error("poll failed, keeping last snapshot", zap.Error(err),
			zap.Int("consecutiveFailures", w.store.getState().ConsecutiveFailures+1))
		w.store.fail(err, w.Now())
		last, _ := w.Snapshot()
		w.Recorder.Observe(last, false)
		return err
	}
	w.Logger.Debug("poll succeeded",
		zap.Uint16("temperature", s.TemperatureActual),
		zap.String("status", s.StatusName),
		zap.Bool("coilsValid", s.CoilsValid))
	w.store.publish(s)
	w.Recorder.Observe(s, true)
	return nil
}

// WriteRegister writes one holding register at a logical offset, then refreshes the snapshot.
func (w *Watcher) WriteRegister(ctx context.Context, logical uint16, value uint16) error {
	return w.write(ctx, ffes.Word, logical, func(address uint16) error {
		return w.Modbus.WriteWord(address, value)
	}, zap.Uint16("value", value))
}

// WriteCoil writes one coil at a logical offset, then refreshes the snapshot.
func (w *Watcher) WriteCoil(ctx context.Context, logical uint16, value bool) error {
	return w.write(ctx, ffes.Bit, logical, func(address uint16) error {
		return w.Modbus.WriteBit(address, value)
	}, zap.Bool("value", value))
}

// write issues exactly one wire write. A failed write is returned and does not refresh.
// A failed refresh after a good write is logged only: the write itself went through.
// The refresh is requested before the io slot is released, so a poll already waiting
// for the slot is joined instead of followed by another one.
func (w *Watcher) write(ctx context.Context, width ffes.Width, logical uint16, f func(address uint16) error, value zap.Field) error {
	if logical >= ffes.BlockSize(width) {
		return fmt.Errorf("%w: %s %d", ErrAddressOutOfRange, width, logical)
	}
	if err := w.acquire(ctx); err != nil {
		return err
	}
	address := ffes.Physical(logical)
	err := f(address)
	var r *round
	var start bool
	var refreshErr error
	if err == nil {
		r, start, refreshErr = w.request(true)
	}
	w.release()
	w.Recorder.WriteDone(width.String(), err == nil)

	log := w.Logger.With(zap.Stringer("space", width), zap.Uint16("logical", logical), zap.Uint16("address", address), value)
	if err != nil {
		log.Error("write failed", zap.Error(err))
		return err
	}
	log.Debug("write done")

	if refreshErr == nil {
		refreshErr = w.wait(ctx, r, start)
	}
	if refreshErr != nil {
		log.Warn("refresh after write failed", zap.Error(refreshErr))
	}
	return nil
}

// Close stops polling, waits for the poll in flight (subscribers included) and
// the wire operation in flight, then closes the transport.
// Every later call fails with ErrClosed.
func (w *Watcher) Close() error {
	w.lock.Lock()
	if w.closed {
		w.lock.Unlock()
		return nil
	}
	w.closed = true
	close(w.quit)
	pending := w.current
	w.lock.Unlock()

	if pending != nil {
		<-pending.done
	}

	w.io <- struct{}{}
	defer w.release()
	w.Logger.Info("watcher closed")
	return w.Modbus.Close()
}

type nopRecorder struct{}

func (nopRecorder) PollDone(bool, time.Duration) {}
func (nopRecorder) CoilsDegraded()               {}
func (nopRecorder) WriteDone(string, bool)       {}
func (nopRecorder) Observe(ffes.Snapshot, bool)  {}
