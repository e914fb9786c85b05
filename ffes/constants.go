package ffes

import (
	"fmt"

	"ffes2mqtt/bimap"
)

// Word registers, logical offsets. REG[x] in the controller manual is x-1 here.
const REG_TEMPERATURE_SET = 0
const REG_TEMPERATURE_ACTUAL = 1
const REG_CLOCK = 2
const REG_SAUNA_PROFILE = 3
const REG_SESSION_TIME = 4
const REG_VENTILATION_TIME = 5
const REG_VAPORIZER_PREHEAT_TIME = 6
const REG_AROMA_CYCLE_TIME = 7
const REG_AROMA_SET_VALUE = 8
const REG_VAPORIZER_HUMIDITY = 9
const REG_ERROR_CODE = 10
const REG_CPIR_GROUP_1_SET = 11
const REG_CPIR_GROUP_2_SET = 12
const REG_TEMP2_ACTUAL = 13
const REG_HUMIDITY_ACTUAL = 14
const REG_CONTROLLER_STATUS = 19
const REG_MAIN_BOARD_SV = 20
const REG_CPIR_G1_POWER = 25
const REG_CPIR_G2_POWER = 26
const REG_CPIR_G3_POWER = 27
const REG_CPIR_G4_POWER = 28
const REG_MODULE_SOFTWARE_VERSION = 48
const REG_CONTROLLER_MODEL = 49

// Coils, logical offsets.
const COIL_CONTROLLER_STATE = 0
const COIL_SESSION_STATE = 1
const COIL_VENTILATION_STATE = 2
const COIL_OUT1_STATE = 3
const COIL_WIFI_CONNECTION = 39
const COIL_SERVER_CONNECTION = 40
const COIL_PAIRING_MODE = 41
const COIL_FROST_PROTECTION = 50
const COIL_FROST_PROTECTION_STATUS = 51
const COIL_INFRARED_MIX_STATUS = 52

const NUM_OUTPUTS = 7
const NUM_CPIR_GROUPS = 4

type Profile uint16

const PROFILE_INFRARED Profile = 1
const PROFILE_DRY_SAUNA Profile = 2
const PROFILE_WET_SAUNA Profile = 3
const PROFILE_VENTILATION Profile = 4
const PROFILE_STEAM_BATH Profile = 5
const PROFILE_INFRARED_CPIR Profile = 6
const PROFILE_INFRARED_MIX Profile = 7

const PROFILE_UNKNOWN = "unknown"

type Status uint16

const STATUS_OFF Status = 0
const STATUS_HEAT Status = 1
const STATUS_VENT Status = 2
const STATUS_STBY Status = 3

const HVAC_MODE_OFF = "off"
const HVAC_MODE_HEAT = "heat"

// Profiles maps profile numbers to their keys.
var Profiles = bimap.New(map[Profile]string{
	PROFILE_INFRARED:      "infrared",
	PROFILE_DRY_SAUNA:     "dry_sauna",
	PROFILE_WET_SAUNA:     "wet_sauna",
	PROFILE_VENTILATION:   "ventilation",
	PROFILE_STEAM_BATH:    "steam_bath",
	PROFILE_INFRARED_CPIR: "infrared_cpir",
	PROFILE_INFRARED_MIX:  "infrared_mix",
})

// ProfileNames maps profile keys to display names.
var ProfileNames = bimap.New(map[string]string{
	"infrared":      "Infrared Sauna",
	"dry_sauna":     "Dry Sauna",
	"wet_sauna":     "Wet Sauna",
	"ventilation":   "Ventilation",
	"steam_bath":    "Steam Bath",
	"infrared_cpir": "Infrared CPIR",
	"infrared_mix":  "Infrared MIX",
})

var statusNames = map[Status]string{
	STATUS_OFF:  "Off",
	STATUS_HEAT: "Heating",
	STATUS_VENT: "Ventilation",
	STATUS_STBY: "Standby",
}

var errorCodes = map[uint16]string{
	0:  "No Error",
	1:  "Temperature sensor disconnected or thermal fuse damaged",
	2:  "Temperature exceeded maximum (125°C or 80°C for Wet/IR/Bath)",
	3:  "Invalid temperature sensor reading",
	4:  "Rapid temperature increase",
	5:  "Low water level in heater tank",
	6:  "Humidity sensor reading error",
	7:  "Emergency switch active",
	8:  "Door open too long during session",
	11: "CPIR module error L1",
	12: "CPIR module error L2",
	13: "CPIR module error L3",
}

type Limits struct {
	Min, Max uint16
}

var tempLimits = map[Profile]Limits{
	PROFILE_INFRARED:      {30, 60},
	PROFILE_DRY_SAUNA:     {30, 110},
	PROFILE_WET_SAUNA:     {30, 65},
	PROFILE_STEAM_BATH:    {20, 50},
	PROFILE_INFRARED_CPIR: {30, 60},
	PROFILE_INFRARED_MIX:  {30, 60},
}

var defaultLimits = Limits{30, 110}

func (p Profile) String() string {
	if key, ok := Profiles.Get(p); ok {
		return key
	}
	return PROFILE_UNKNOWN
}

// DisplayName returns the human readable profile name, or "" when unknown.
func (p Profile) DisplayName() string {
	name, _ := ProfileNames.Get(p.String())
	return name
}

// TemperatureLimits returns the settable temperature range of the profile.
// Ventilation has no temperature and reports ok=false.
func (p Profile) TemperatureLimits() (Limits, bool) {
	if p == PROFILE_VENTILATION {
		return Limits{}, false
	}
	if l, ok := tempLimits[p]; ok {
		return l, true
	}
	return defaultLimits, true
}

// ParseProfile accepts either a profile key ("dry_sauna") or its display name ("Dry Sauna").
func ParseProfile(s string) (Profile, error) {
	if p, ok := Profiles.GetInverse(s); ok {
		return p, nil
	}
	if key, ok := ProfileNames.GetInverse(s); ok {
		p, _ := Profiles.GetInverse(key)
		return p, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownProfile, s)
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// ErrorMessage renders a controller error code.
func ErrorMessage(code uint16) string {
	if msg, ok := errorCodes[code]; ok {
		return msg
	}
	return fmt.Sprintf("Unknown error: %d", code)
}
