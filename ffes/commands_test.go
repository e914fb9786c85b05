package ffes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/epiclabs-io/ut"
)

type write struct {
	coil   bool
	offset uint16
	value  uint16
}

type fakeDevice struct {
	writes   []write
	failAt   int // 1-based write number that fails, 0 never
	snapshot *Snapshot
}

var errWrite = errors.New("write refused")

func (d *fakeDevice) record(w write) error {
	d.writes = append(d.writes, w)
	if d.failAt == len(d.writes) {
		return errWrite
	}
	return nil
}

func (d *fakeDevice) WriteRegister(ctx context.Context, logical uint16, value uint16) error {
	return d.record(write{offset: logical, value: value})
}

func (d *fakeDevice) WriteCoil(ctx context.Context, logical uint16, value bool) error {
	var v uint16
	if value {
		v = 1
	}
	return d.record(write{coil: true, offset: logical, value: v})
}

func (d *fakeDevice) Snapshot() (Snapshot, bool) {
	if d.snapshot == nil {
		return Snapshot{}, false
	}
	return *d.snapshot, true
}

func withProfile(p Profile) *fakeDevice {
	words, bits := blocks()
	words[REG_SAUNA_PROFILE] = uint16(p)
	s, _ := Decode(words, bits, time.Time{})
	return &fakeDevice{snapshot: &s}
}

func TestSetTemperature(tx *testing.T) {
	t := ut.BeginTest(tx, false)
	defer t.FinishTest()
	ctx := context.Background()

	cases := []struct {
		profile Profile
		request int
		applied uint16
	}{
		{PROFILE_DRY_SAUNA, 90, 90},
		{PROFILE_DRY_SAUNA, 150, 110},
		{PROFILE_INFRARED, 80, 60},
		{PROFILE_WET_SAUNA, 10, 30},
		{PROFILE_STEAM_BATH, 10, 20},
		{Profile(42), 200, 110},
	}
	for _, c := range cases {
		d := withProfile(c.profile)
		err := NewController(&ControllerConfig{Device: d}).SetTemperature(ctx, c.request)
		t.Ok(err)
		t.Equals([]write{{offset: REG_TEMPERATURE_SET, value: c.applied}}, d.writes)
	}

	d := withProfile(PROFILE_VENTILATION)
	err := NewController(&ControllerConfig{Device: d}).SetTemperature(ctx, 50)
	t.Assert(errors.Is(err, ErrNoTemperature), "unexpected error %v", err)
	t.Equals(0, len(d.writes))

	// no snapshot yet: default limits
	d = &fakeDevice{}
	t.Ok(NewController(&ControllerConfig{Device: d}).SetTemperature(ctx, 5))
	t.Equals([]write{{offset: REG_TEMPERATURE_SET, value: 30}}, d.writes)
}

func TestSetProfileAndMode(tx *testing.T) {
	t := ut.BeginTest(tx, false)
	defer t.FinishTest()
	ctx := context.Background()

	d := &fakeDevice{}
	c := NewController(&ControllerConfig{Device: d})
	t.Ok(c.SetProfile(ctx, "Wet Sauna"))
	t.Ok(c.SetProfile(ctx, "infrared_cpir"))
	t.Ok(c.SetHVACMode(ctx, "heat"))
	t.Ok(c.SetHVACMode(ctx, "off"))

	err := c.SetProfile(ctx, "Turkish")
	t.Assert(errors.Is(err, ErrUnknownProfile), "unexpected error %v", err)
	err = c.SetHVACMode(ctx, "cool")
	t.Assert(errors.Is(err, ErrBadMode), "unexpected error %v", err)

	t.Equals([]write{
		{offset: REG_SAUNA_PROFILE, value: 3},
		{offset: REG_SAUNA_PROFILE, value: 6},
		{offset: REG_CONTROLLER_STATUS, value: 1},
		{offset: REG_CONTROLLER_STATUS, value: 0},
	}, d.writes)
}

func TestSetNumberAndSwitch(tx *testing.T) {
	t := ut.BeginTest(tx, false)
	defer t.FinishTest()
	ctx := context.Background()

	d := &fakeDevice{}
	c := NewController(&ControllerConfig{Device: d})
	t.Ok(c.SetNumber(ctx, "session_time", 2000))
	t.Ok(c.SetNumber(ctx, "aromatherapy", 0))
	t.Ok(c.SetNumber(ctx, "cpir_g4_power", 55))
	t.Ok(c.SetSwitch(ctx, "frost_protection", true))
	t.Ok(c.SetSwitch(ctx, "ventilation", false))
	t.Ok(c.SetSwitch(ctx, "power", true))

	for _, bad := range []struct {
		key   string
		value int
	}{{"session_time", 0}, {"ventilation_time", 2001}, {"humidity_target", -1}, {"cpir_g1_power", 0}} {
		err := c.SetNumber(ctx, bad.key, bad.value)
		t.Assert(errors.Is(err, ErrOutOfRange), "%s=%d: unexpected error %v", bad.key, bad.value, err)
	}
	err := c.SetNumber(ctx, "temperature_actual", 10)
	t.Assert(errors.Is(err, ErrReadOnly), "unexpected error %v", err)
	err = c.SetSwitch(ctx, "wifi_connected", true)
	t.Assert(errors.Is(err, ErrReadOnly), "unexpected error %v", err)
	err = c.SetSwitch(ctx, "nope", true)
	t.Assert(errors.Is(err, ErrUnknownField), "unexpected error %v", err)

	t.Equals([]write{
		{offset: REG_SESSION_TIME, value: 2000},
		{offset: REG_AROMA_SET_VALUE, value: 0},
		{offset: REG_CPIR_G4_POWER, value: 55},
		{coil: true, offset: COIL_FROST_PROTECTION, value: 1},
		{coil: true, offset: COIL_VENTILATION_STATE, value: 0},
		{offset: REG_CONTROLLER_STATUS, value: 1},
	}, d.writes)
}

func TestStartSession(tx *testing.T) {
	t := ut.BeginTest(tx, false)
	defer t.FinishTest()
	ctx := context.Background()

	d := &fakeDevice{}
	c := NewController(&ControllerConfig{Device: d})
	t.Ok(c.StartSession(ctx, Session{Profile: "dry_sauna", Temperature: 120, Duration: 90}))
	t.Equals([]write{
		{offset: REG_SAUNA_PROFILE, value: uint16(PROFILE_DRY_SAUNA)},
		{offset: REG_TEMPERATURE_SET, value: 110},
		{offset: REG_SESSION_TIME, value: 90},
		{offset: REG_CONTROLLER_STATUS, value: uint16(STATUS_HEAT)},
	}, d.writes)

	d = &fakeDevice{}
	c = NewController(&ControllerConfig{Device: d})
	t.Ok(c.StartSession(ctx, Session{Profile: "Ventilation", Duration: 15}))
	t.Equals(3, len(d.writes))

	err := c.StartSession(ctx, Session{Profile: "dry_sauna", Temperature: 80, Duration: 0})
	t.Assert(errors.Is(err, ErrOutOfRange), "unexpected error %v", err)
	t.Equals(3, len(d.writes))

	steps := []string{"set profile", "set temperature", "set session time", "switch heating on"}
	for n, step := range steps {
		d = &fakeDevice{failAt: n + 1}
		c = NewController(&ControllerConfig{Device: d})
		err := c.StartSession(ctx, Session{Profile: "wet_sauna", Temperature: 60, Duration: 30})
		t.Assert(errors.Is(err, errWrite), "step %s: unexpected error %v", step, err)
		t.Assert(strings.Contains(err.Error(), step), "error %q should name step %q", err, step)
		t.Equals(n+1, len(d.writes))
	}
}

func TestStopSession(tx *testing.T) {
	t := ut.BeginTest(tx, false)
	defer t.FinishTest()
	ctx := context.Background()

	d := &fakeDevice{}
	c := NewController(&ControllerConfig{Device: d})
	t.Ok(c.StopSession(ctx))
	t.Equals([]write{{offset: REG_CONTROLLER_STATUS, value: uint16(STATUS_OFF)}}, d.writes)

	d.failAt = 2
	err := c.StopSession(ctx)
	t.Assert(errors.Is(err, errWrite), "unexpected error %v", err)
	t.Equals(fmt.Sprintf("stop session: %s", errWrite), err.Error())
}
