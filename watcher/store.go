package watcher

import (
	"sync"
	"time"

	"ffes2mqtt/ffes"
)

// State describes the outcome of the latest poll cycles.
type State struct {
	Available           bool
	LastError           error
	LastSuccess         time.Time
	LastFailure         time.Time
	ConsecutiveFailures int
}

// store keeps the last good snapshot. A failed poll never touches it.
type store struct {
	lock      sync.RWMutex
	snapshot  *ffes.Snapshot
	state     State
	callbacks []func(s ffes.Snapshot, available bool)
}

func (st *store) get() (ffes.Snapshot, bool) {
	st.lock.RLock()
	defer st.lock.RUnlock()
	if st.snapshot == nil {
		return ffes.Snapshot{}, false
	}
	return *st.snapshot, true
}

func (st *store) getState() State {
	st.lock.RLock()
	defer st.lock.RUnlock()
	return st.state
}

func (st *store) publish(s ffes.Snapshot) {
	st.lock.Lock()
	st.snapshot = &s
	st.state.Available = true
	st.state.LastError = nil
	st.state.LastSuccess = s.At
	st.state.ConsecutiveFailures = 0
	callbacks := st.callbacks
	st.lock.Unlock()
	notify(callbacks, s, true)
}

func (st *store) fail(err error, at time.Time) {
	st.lock.Lock()
	st.state.Available = false
	st.state.LastError = err
	st.state.LastFailure = at
	st.state.ConsecutiveFailures++
	callbacks := st.callbacks
	var s ffes.Snapshot
	if st.snapshot != nil {
		s = *st.snapshot
	}
	st.lock.Unlock()
	notify(callbacks, s, false)
}

func notify(callbacks []func(s ffes.Snapshot, available bool), s ffes.Snapshot, available bool) {
	for _, callback := range callbacks {
		callback(s, available)
	}
}

func (st *store) register(callback func(s ffes.Snapshot, available bool)) {
	st.lock.Lock()
	defer st.lock.Unlock()
	st.callbacks = append(st.callbacks, callback)
}
