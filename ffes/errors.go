package ffes

import "errors"

var ErrShortBlock = errors.New("register block shorter than expected")
var ErrUnknownProfile = errors.New("unknown profile")
var ErrUnknownField = errors.New("unknown field")
var ErrReadOnly = errors.New("field is read only")
var ErrOutOfRange = errors.New("value out of range")
var ErrNoTemperature = errors.New("profile has no temperature setpoint")
var ErrBadMode = errors.New("unsupported hvac mode")
