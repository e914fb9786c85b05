package watcher_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ffes2mqtt/ffes"
	"ffes2mqtt/modbus"
	"ffes2mqtt/watcher"

	"github.com/epiclabs-io/ut"
)

type recorder struct {
	lock     sync.Mutex
	polls    map[bool]int
	degraded int
	writes   map[string]int
	observed []bool
}

func newRecorder() *recorder {
	return &recorder{polls: map[bool]int{}, writes: map[string]int{}}
}

func (r *recorder) PollDone(success bool, duration time.Duration) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.polls[success]++
}

func (r *recorder) CoilsDegraded() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.degraded++
}

func (r *recorder) WriteDone(space string, success bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if success {
		r.writes[space]++
	} else {
		r.writes[space+" failed"]++
	}
}

func (r *recorder) Observe(s ffes.Snapshot, available bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.observed = append(r.observed, available)
}

func newDevice() *modbus.Mock {
	mock := modbus.NewMock(ffes.REGISTER_COUNT, ffes.COIL_COUNT)
	mock.SetWord(ffes.Physical(ffes.REG_TEMPERATURE_SET), 90)
	mock.SetWord(ffes.Physical(ffes.REG_TEMPERATURE_ACTUAL), 64)
	mock.SetWord(ffes.Physical(ffes.REG_SAUNA_PROFILE), uint16(ffes.PROFILE_DRY_SAUNA))
	mock.SetWord(ffes.Physical(ffes.REG_CONTROLLER_STATUS), uint16(ffes.STATUS_HEAT))
	mock.SetBit(ffes.Physical(ffes.COIL_WIFI_CONNECTION), true)
	mock.SetBit(ffes.Physical(ffes.COIL_FROST_PROTECTION), true)
	return mock
}

// gate blocks the first call to op until the returned release function is called.
func gate(mock *modbus.Mock, op string) (entered chan struct{}, release func()) {
	entered = make(chan struct{})
	open := make(chan struct{})
	var n int32
	mock.BeforeOp = func(name string) {
		if name == op && atomic.AddInt32(&n, 1) == 1 {
			close(entered)
			<-open
		}
	}
	return entered, func() { close(open) }
}

func count(calls []string, op string) int {
	n := 0
	for _, c := range calls {
		if c == op {
			n++
		}
	}
	return n
}

func TestPoll(tx *testing.T) {
	t := ut.BeginTest(tx, false)
	defer t.FinishTest()

	mock := newDevice()
	rec := newRecorder()
	at := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	w := watcher.New(&watcher.Config{Modbus: mock, Recorder: rec, Now: func() time.Time { return at }})

	_, ok := w.Snapshot()
	t.Assert(!ok, "no snapshot before the first poll")
	t.Assert(!w.Available(), "unavailable before the first poll")

	t.Ok(w.Refresh(context.Background()))
	s, ok := w.Snapshot()
	t.Assert(ok, "snapshot expected")
	t.Assert(w.Available(), "available after a good poll")
	t.Equals(at, s.At)
	t.Equals(uint16(90), s.TemperatureSet)
	t.Equals(uint16(64), s.TemperatureActual)
	t.Equals("dry_sauna", s.Profile)
	t.Assert(s.IsHeating, "status heat")
	t.Assert(s.CoilsValid && s.WifiConnected && s.FrostProtection, "coils decoded")
	t.Equals([]string{"read words", "read bits"}, mock.Calls())
	t.Equals(1, rec.polls[true])
	t.Equals(at, w.State().LastSuccess)
}

func TestPollWordFailureKeepsSnapshot(tx *testing.T) {
	t := ut.BeginTest(tx, false)
	defer t.FinishTest()

	mock := newDevice()
	rec := newRecorder()
	w := watcher.New(&watcher.Config{Modbus: mock, Recorder: rec})
	t.Ok(w.Refresh(context.Background()))
	before, _ := w.Snapshot()

	mock.SetWord(ffes.Physical(ffes.REG_TEMPERATURE_ACTUAL), 70)
	failure := &modbus.ConnectionError{Address: "sauna:502", Err: errors.New("connection refused")}
	mock.WordsErr = failure
	err := w.Refresh(context.Background())
	t.MustFailWith(err, failure)

	after, ok := w.Snapshot()
	t.Assert(ok, "snapshot retained")
	t.Equals(before, after)
	t.Assert(!w.Available(), "unavailable after a failed poll")
	state := w.State()
	t.Equals(1, state.ConsecutiveFailures)
	t.MustFailWith(state.LastError, failure)
	t.Equals(1, count(mock.Calls(), "read bits"))

	err = w.Refresh(context.Background())
	t.MustFail(err, "still failing")
	t.Equals(2, w.State().ConsecutiveFailures)

	mock.WordsErr = nil
	t.Ok(w.Refresh(context.Background()))
	s, _ := w.Snapshot()
	t.Equals(uint16(70), s.TemperatureActual)
	t.Equals(0, w.State().ConsecutiveFailures)
	t.Equals(2, rec.polls[false])
	t.Equals([]bool{true, false, false, true}, rec.observed)
}

func TestPollCoilFailureDegrades(tx *testing.T) {
	t := ut.BeginTest(tx, false)
	defer t.FinishTest()

	mock := newDevice()
	rec := newRecorder()
	w := watcher.New(&watcher.Config{Modbus: mock, Recorder: rec})

	mock.BitsErr = &modbus.ReadError{Op: "read coils", Address: 1, Quantity: ffes.COIL_COUNT, Err: errors.New("exception 2")}
	t.Ok(w.Refresh(context.Background()))

	s, ok := w.Snapshot()
	t.Assert(ok, "snapshot published")
	t.Assert(w.Available(), "coil failure does not make the device unavailable")
	t.Assert(!s.CoilsValid, "coils flagged invalid")
	t.Assert(!s.WifiConnected && !s.FrostProtection, "coil fields degraded to false")
	t.Equals(uint16(64), s.TemperatureActual)
	t.Equals(1, rec.degraded)
	t.Equals(1, rec.polls[true])

	mock.BitsErr = &modbus.DecodeError{Op: "read coils", Want: ffes.COIL_COUNT, Got: 8}
	t.Ok(w.Refresh(context.Background()))
	t.Equals(2, rec.degraded)

	mock.BitsErr = nil
	t.Ok(w.Refresh(context.Background()))
	s, _ = w.Snapshot()
	t.Assert(s.CoilsValid && s.WifiConnected, "coils recovered")
}

func TestWriteRegister(tx *testing.T) {
	t := ut.BeginTest(tx, false)
	defer t.FinishTest()

	mock := newDevice()
	rec := newRecorder()
	w := watcher.New(&watcher.Config{Modbus: mock, Recorder: rec})
	ctx := context.Background()

	t.Ok(w.WriteRegister(ctx, ffes.REG_TEMPERATURE_SET, 75))
	t.Equals(uint16(75), mock.Words[ffes.Physical(ffes.REG_TEMPERATURE_SET)-1])
	s, ok := w.Snapshot()
	t.Assert(ok, "write refreshes the snapshot")
	t.Equals(uint16(75), s.TemperatureSet)
	t.Equals([]string{"write word", "read words", "read bits"}, mock.Calls())

	t.Ok(w.WriteCoil(ctx, ffes.COIL_VENTILATION_STATE, true))
	t.Assert(mock.Bits[ffes.Physical(ffes.COIL_VENTILATION_STATE)-1], "coil written at the physical address")
	s, _ = w.Snapshot()
	t.Assert(s.VentilationState, "snapshot reflects the coil")
	t.Equals(1, rec.writes["register"])
	t.Equals(1, rec.writes["coil"])
}

func TestWriteFailureDoesNotRefresh(tx *testing.T) {
	t := ut.BeginTest(tx, false)
	defer t.FinishTest()

	mock := newDevice()
	rec := newRecorder()
	w := watcher.New(&watcher.Config{Modbus: mock, Recorder: rec})

	failure := &modbus.WriteError{Op: "write register", Address: 1, Value: 75, Err: errors.New("exception 4")}
	mock.WriteErr = failure
	err := w.WriteRegister(context.Background(), ffes.REG_TEMPERATURE_SET, 75)
	t.MustFailWith(err, failure)
	t.Equals([]string{"write word"}, mock.Calls())
	_, ok := w.Snapshot()
	t.Assert(!ok, "no refresh after a failed write")
	t.Equals(1, rec.writes["register failed"])

	err = w.WriteCoil(context.Background(), ffes.COIL_FROST_PROTECTION, false)
	t.MustFailWith(err, failure)
	t.Equals([]string{"write word", "write bit"}, mock.Calls())
}

func TestWriteOutOfRange(tx *testing.T) {
	t := ut.BeginTest(tx, false)
	defer t.FinishTest()

	mock := newDevice()
	w := watcher.New(&watcher.Config{Modbus: mock})

	err := w.WriteRegister(context.Background(), ffes.REGISTER_COUNT, 1)
	t.Assert(errors.Is(err, watcher.ErrAddressOutOfRange), "unexpected error %v", err)
	err = w.WriteCoil(context.Background(), ffes.COIL_COUNT, true)
	t.Assert(errors.Is(err, watcher.ErrAddressOutOfRange), "unexpected error %v", err)
	t.Equals(0, len(mock.Calls()))
}

func TestWriteSucceedsWhenRefreshFails(tx *testing.T) {
	t := ut.BeginTest(tx, false)
	defer t.FinishTest()

	mock := newDevice()
	w := watcher.New(&watcher.Config{Modbus: mock})
	t.Ok(w.Refresh(context.Background()))

	mock.WordsErr = &modbus.ConnectionError{Address: "sauna:502", Err: errors.New("reset")}
	t.Ok(w.WriteRegister(context.Background(), ffes.REG_SESSION_TIME, 45))
	t.Equals(uint16(45), mock.Words[ffes.Physical(ffes.REG_SESSION_TIME)-1])
	t.Assert(!w.Available(), "failed refresh is recorded")
	s, _ := w.Snapshot()
	t.Equals(uint16(0), s.SessionTime)
}

func TestConcurrentRefreshesCoalesce(tx *testing.T) {
	t := ut.BeginTest(tx, false)
	defer t.FinishTest()

	mock := newDevice()
	entered, release := gate(mock, "read words")
	w := watcher.New(&watcher.Config{Modbus: mock})
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- w.Refresh(ctx) }()
	<-entered

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- w.Refresh(ctx)
		}()
	}
	time.Sleep(100 * time.Millisecond)
	mock.SetWord(ffes.Physical(ffes.REG_TEMPERATURE_ACTUAL), 81)
	release()

	t.Ok(<-first)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Ok(err)
	}
	s, _ := w.Snapshot()
	t.Equals(uint16(81), s.TemperatureActual)
	t.Equals(2, count(mock.Calls(), "read words"))
	t.Equals(0, mock.Overlaps())
}

func TestWriteWaitsForPoll(tx *testing.T) {
	t := ut.BeginTest(tx, false)
	defer t.FinishTest()

	mock := newDevice()
	entered, release := gate(mock, "read words")
	w := watcher.New(&watcher.Config{Modbus: mock})
	ctx := context.Background()

	polled := make(chan error, 1)
	go func() { polled <- w.Refresh(ctx) }()
	<-entered

	written := make(chan error, 1)
	go func() { written <- w.WriteRegister(ctx, ffes.REG_AROMA_SET_VALUE, 30) }()
	time.Sleep(50 * time.Millisecond)
	t.Equals(0, count(mock.Calls(), "write word"))

	release()
	t.Ok(<-polled)
	t.Ok(<-written)
	t.Equals([]string{"read words", "read bits", "write word", "read words", "read bits"}, mock.Calls())
	t.Equals(0, mock.Overlaps())
	s, _ := w.Snapshot()
	t.Equals(uint16(30), s.Aromatherapy)
}

func TestWriteJoinsWaitingPoll(tx *testing.T) {
	t := ut.BeginTest(tx, false)
	defer t.FinishTest()

	mock := newDevice()
	entered, release := gate(mock, "write word")
	w := watcher.New(&watcher.Config{Modbus: mock})
	ctx := context.Background()

	written := make(chan error, 1)
	go func() { written <- w.WriteRegister(ctx, ffes.REG_AROMA_SET_VALUE, 30) }()
	<-entered

	// this poll waits for the write to leave the wire, so it already sees it
	polled := make(chan error, 1)
	go func() { polled <- w.Refresh(ctx) }()
	time.Sleep(50 * time.Millisecond)
	release()

	t.Ok(<-written)
	t.Ok(<-polled)
	t.Equals([]string{"write word", "read words", "read bits"}, mock.Calls())
	t.Equals(0, mock.Overlaps())
	s, _ := w.Snapshot()
	t.Equals(uint16(30), s.Aromatherapy)
}

func TestWriteHonoursContextWhileQueued(tx *testing.T) {
	t := ut.BeginTest(tx, false)
	defer t.FinishTest()

	mock := newDevice()
	entered, release := gate(mock, "read words")
	defer release()
	w := watcher.New(&watcher.Config{Modbus: mock})

	go w.Refresh(context.Background())
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.WriteRegister(ctx, ffes.REG_AROMA_SET_VALUE, 30)
	t.MustFailWith(err, context.DeadlineExceeded)
	t.Equals(0, count(mock.Calls(), "write word"))
}

func TestClose(tx *testing.T) {
	t := ut.BeginTest(tx, false)
	defer t.FinishTest()

	mock := newDevice()
	entered, release := gate(mock, "read words")
	w := watcher.New(&watcher.Config{Modbus: mock})
	ctx := context.Background()
	var updates int32
	w.OnUpdate(func(s ffes.Snapshot, available bool) {
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&updates, 1)
	})

	polled := make(chan error, 1)
	go func() { polled <- w.Refresh(ctx) }()
	<-entered

	closed := make(chan error, 1)
	go func() { closed <- w.Close() }()
	time.Sleep(50 * time.Millisecond)
	t.Assert(!mock.Closed(), "transport closed while a poll was in flight")

	release()
	t.Ok(<-closed)
	// nothing is published by the watcher once Close returned
	t.Equals(int32(1), atomic.LoadInt32(&updates))
	t.Ok(<-polled)
	t.Assert(mock.Closed(), "transport closed")

	t.MustFailWith(w.Refresh(ctx), watcher.ErrClosed)
	t.MustFailWith(w.WriteRegister(ctx, ffes.REG_TEMPERATURE_SET, 60), watcher.ErrClosed)
	t.MustFailWith(w.WriteCoil(ctx, ffes.COIL_FROST_PROTECTION, true), watcher.ErrClosed)
	t.Ok(w.Close())
}

func TestOnUpdate(tx *testing.T) {
	t := ut.BeginTest(tx, false)
	defer t.FinishTest()

	mock := newDevice()
	w := watcher.New(&watcher.Config{Modbus: mock})

	var temps []uint16
	var availability []bool
	w.OnUpdate(func(s ffes.Snapshot, available bool) {
		temps = append(temps, s.TemperatureActual)
		availability = append(availability, available)
	})

	t.Ok(w.Refresh(context.Background()))
	mock.WordsErr = errors.New("timeout")
	t.MustFail(w.Refresh(context.Background()), "poll should fail")

	t.Equals([]uint16{64, 64}, temps)
	t.Equals([]bool{true, false}, availability)
}

func TestRun(tx *testing.T) {
	t := ut.BeginTest(tx, false)
	defer t.FinishTest()

	mock := newDevice()
	rec := newRecorder()
	w := watcher.New(&watcher.Config{Modbus: mock, Recorder: rec, Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	err := w.Run(ctx)
	t.MustFailWith(err, context.DeadlineExceeded)

	rec.lock.Lock()
	polls := rec.polls[true]
	rec.lock.Unlock()
	t.Assert(polls >= 2, "expected periodic polls, got %d", polls)
	t.Assert(w.Available(), "available after polling")

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	t.Ok(w.Close())
	t.MustFailWith(<-done, watcher.ErrClosed)
}
