package ffes

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/constraints"
)

// Writer issues single writes at logical addresses.
type Writer interface {
	WriteRegister(ctx context.Context, logical uint16, value uint16) error
	WriteCoil(ctx context.Context, logical uint16, value bool) error
}

// Device is a Writer that also exposes the last decoded snapshot.
type Device interface {
	Writer
	Snapshot() (Snapshot, bool)
}

type ControllerConfig struct {
	Device Device
	Logger *zap.Logger
}

// Controller turns user level commands into register and coil writes.
// Multi step commands are not atomic: a failure leaves earlier steps applied.
type Controller struct {
	ControllerConfig
}

// Session holds the parameters of StartSession.
type Session struct {
	Profile     string `json:"profile"`
	Temperature int    `json:"temperature"`
	Duration    int    `json:"duration"`
}

func NewController(config *ControllerConfig) *Controller {
	c := &Controller{ControllerConfig: *config}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func inRange[T constraints.Integer](v T, lo, hi uint16) bool {
	return v >= T(lo) && v <= T(hi)
}

// SetTemperature clamps t into the limits of the current profile and writes it.
func (c *Controller) SetTemperature(ctx context.Context, t int) error {
	var profile Profile
	if s, ok := c.Device.Snapshot(); ok {
		profile = s.ProfileNumber
	}
	return c.setTemperature(ctx, profile, t)
}

func (c *Controller) setTemperature(ctx context.Context, profile Profile, t int) error {
	limits, ok := profile.TemperatureLimits()
	if !ok {
		return errors.Wrapf(ErrNoTemperature, "profile %s", profile)
	}
	v := clamp(t, int(limits.Min), int(limits.Max))
	if v != t {
		c.Logger.Info("temperature clamped to profile limits",
			zap.Int("requested", t), zap.Int("applied", v), zap.Stringer("profile", profile))
	}
	return c.Device.WriteRegister(ctx, REG_TEMPERATURE_SET, uint16(v))
}

// SetProfile selects a profile by key or display name.
func (c *Controller) SetProfile(ctx context.Context, name string) error {
	p, err := ParseProfile(name)
	if err != nil {
		return err
	}
	return c.Device.WriteRegister(ctx, REG_SAUNA_PROFILE, uint16(p))
}

func (c *Controller) SetPower(ctx context.Context, on bool) error {
	status := STATUS_OFF
	if on {
		status = STATUS_HEAT
	}
	return c.Device.WriteRegister(ctx, REG_CONTROLLER_STATUS, uint16(status))
}

func (c *Controller) SetHVACMode(ctx context.Context, mode string) error {
	switch mode {
	case HVAC_MODE_HEAT:
		return c.SetPower(ctx, true)
	case HVAC_MODE_OFF:
		return c.SetPower(ctx, false)
	}
	return errors.Wrapf(ErrBadMode, "%q", mode)
}

// SetNumber writes a numeric field after checking it against the field range.
func (c *Controller) SetNumber(ctx context.Context, key string, v int) error {
	f, err := FieldByKey(key)
	if err != nil {
		return err
	}
	if f.Component != COMPONENT_NUMBER {
		return errors.Wrapf(ErrReadOnly, "%s is not a number", key)
	}
	if !inRange(v, f.Min, f.Max) {
		return errors.Wrapf(ErrOutOfRange, "%s=%d, allowed %d..%d", key, v, f.Min, f.Max)
	}
	return c.Device.WriteRegister(ctx, f.Target.Offset, uint16(v))
}

// SetSwitch turns a switch field on or off.
func (c *Controller) SetSwitch(ctx context.Context, key string, on bool) error {
	f, err := FieldByKey(key)
	if err != nil {
		return err
	}
	if f.Component != COMPONENT_SWITCH {
		return errors.Wrapf(ErrReadOnly, "%s is not a switch", key)
	}
	if f.Target.Width == Word {
		return c.SetPower(ctx, on)
	}
	return c.Device.WriteCoil(ctx, f.Target.Offset, on)
}

// StartSession sets profile, temperature and session time, then switches
// heating on. It stops at the first failing step.
func (c *Controller) StartSession(ctx context.Context, session Session) error {
	p, err := ParseProfile(session.Profile)
	if err != nil {
		return errors.Wrap(err, "start session")
	}
	if !inRange(session.Duration, 1, 2000) {
		return errors.Wrapf(ErrOutOfRange, "start session: duration %d", session.Duration)
	}

	if err := c.Device.WriteRegister(ctx, REG_SAUNA_PROFILE, uint16(p)); err != nil {
		return errors.Wrapf(err, "start session: set profile %s", p)
	}
	if p != PROFILE_VENTILATION {
		if err := c.setTemperature(ctx, p, session.Temperature); err != nil {
			return errors.Wrapf(err, "start session: set temperature %d", session.Temperature)
		}
	}
	if err := c.Device.WriteRegister(ctx, REG_SESSION_TIME, uint16(session.Duration)); err != nil {
		return errors.Wrapf(err, "start session: set session time %d", session.Duration)
	}
	if err := c.SetPower(ctx, true); err != nil {
		return errors.Wrap(err, "start session: switch heating on")
	}
	c.Logger.Info("session started",
		zap.Stringer("profile", p), zap.Int("temperature", session.Temperature), zap.Int("duration", session.Duration))
	return nil
}

func (c *Controller) StopSession(ctx context.Context) error {
	if err := c.SetPower(ctx, false); err != nil {
		return errors.Wrap(err, "stop session")
	}
	c.Logger.Info("session stopped")
	return nil
}
