package ffes

import (
	"fmt"
	"time"
)

// Snapshot is the decoded state of the controller after one successful poll.
// It is never modified once built.
type Snapshot struct {
	At time.Time `json:"at" yaml:"at"`

	TemperatureSet     uint16 `json:"temperature_set" yaml:"temperature_set"`
	TemperatureActual  uint16 `json:"temperature_actual" yaml:"temperature_actual"`
	Temperature2Actual uint16 `json:"temperature2_actual" yaml:"temperature2_actual"`
	Clock              uint16 `json:"clock" yaml:"clock"`

	ProfileNumber Profile `json:"profile_number" yaml:"profile_number"`
	Profile       string  `json:"profile" yaml:"profile"`

	SessionTime          uint16 `json:"session_time" yaml:"session_time"`
	VentilationTime      uint16 `json:"ventilation_time" yaml:"ventilation_time"`
	VaporizerPreheatTime uint16 `json:"vaporizer_preheat_time" yaml:"vaporizer_preheat_time"`
	AromaCycleTime       uint16 `json:"aroma_cycle_time" yaml:"aroma_cycle_time"`

	Aromatherapy   uint16 `json:"aromatherapy" yaml:"aromatherapy"`
	HumidityTarget uint16 `json:"humidity_target" yaml:"humidity_target"`
	HumidityActual uint16 `json:"humidity_actual" yaml:"humidity_actual"`

	ErrorCode    uint16 `json:"error_code" yaml:"error_code"`
	ErrorMessage string `json:"error_message" yaml:"error_message"`
	HasError     bool   `json:"has_error" yaml:"has_error"`

	CPIRGroup1 uint16                  `json:"cpir_group_1" yaml:"cpir_group_1"`
	CPIRGroup2 uint16                  `json:"cpir_group_2" yaml:"cpir_group_2"`
	CPIRPower  [NUM_CPIR_GROUPS]uint16 `json:"cpir_power" yaml:"cpir_power"`

	ControllerStatus Status `json:"controller_status" yaml:"controller_status"`
	StatusName       string `json:"status" yaml:"status"`
	IsOn             bool   `json:"is_on" yaml:"is_on"`
	IsHeating        bool   `json:"is_heating" yaml:"is_heating"`

	MainBoardVersion uint16 `json:"main_board_version" yaml:"main_board_version"`
	SoftwareVersion  uint16 `json:"software_version" yaml:"software_version"`
	ControllerModel  uint16 `json:"controller_model" yaml:"controller_model"`

	// CoilsValid is false when the coil block could not be read and every
	// flag below was defaulted to false.
	CoilsValid            bool              `json:"coils_valid" yaml:"coils_valid"`
	ControllerState       bool              `json:"controller_state" yaml:"controller_state"`
	SessionState          bool              `json:"session_state" yaml:"session_state"`
	VentilationState      bool              `json:"ventilation_state" yaml:"ventilation_state"`
	Outputs               [NUM_OUTPUTS]bool `json:"outputs" yaml:"outputs"`
	WifiConnected         bool              `json:"wifi_connected" yaml:"wifi_connected"`
	ServerConnected       bool              `json:"server_connected" yaml:"server_connected"`
	PairingMode           bool              `json:"pairing_mode" yaml:"pairing_mode"`
	FrostProtection       bool              `json:"frost_protection" yaml:"frost_protection"`
	FrostProtectionActive bool              `json:"frost_protection_active" yaml:"frost_protection_active"`
	InfraredMix           bool              `json:"infrared_mix" yaml:"infrared_mix"`
}

// Decode builds a Snapshot out of the raw register and coil blocks.
// words must hold at least REGISTER_COUNT values. bits may be nil, meaning
// the coil block is unavailable; all flags then decode as false.
func Decode(words []uint16, bits []bool, at time.Time) (Snapshot, error) {
	if len(words) < REGISTER_COUNT {
		return Snapshot{}, fmt.Errorf("%w: %d registers, want %d", ErrShortBlock, len(words), REGISTER_COUNT)
	}
	if bits != nil && len(bits) < COIL_COUNT {
		return Snapshot{}, fmt.Errorf("%w: %d coils, want %d", ErrShortBlock, len(bits), COIL_COUNT)
	}

	profile := Profile(words[REG_SAUNA_PROFILE])
	status := Status(words[REG_CONTROLLER_STATUS])
	errorCode := words[REG_ERROR_CODE]

	s := Snapshot{
		At:                   at,
		TemperatureSet:       words[REG_TEMPERATURE_SET],
		TemperatureActual:    words[REG_TEMPERATURE_ACTUAL],
		Temperature2Actual:   words[REG_TEMP2_ACTUAL],
		Clock:                words[REG_CLOCK],
		ProfileNumber:        profile,
		Profile:              profile.String(),
		SessionTime:          words[REG_SESSION_TIME],
		VentilationTime:      words[REG_VENTILATION_TIME],
		VaporizerPreheatTime: words[REG_VAPORIZER_PREHEAT_TIME],
		AromaCycleTime:       words[REG_AROMA_CYCLE_TIME],
		Aromatherapy:         words[REG_AROMA_SET_VALUE],
		HumidityTarget:       words[REG_VAPORIZER_HUMIDITY],
		HumidityActual:       words[REG_HUMIDITY_ACTUAL],
		ErrorCode:            errorCode,
		ErrorMessage:         ErrorMessage(errorCode),
		HasError:             errorCode != 0,
		CPIRGroup1:           words[REG_CPIR_GROUP_1_SET],
		CPIRGroup2:           words[REG_CPIR_GROUP_2_SET],
		ControllerStatus:     status,
		StatusName:           status.String(),
		IsOn:                 status != STATUS_OFF,
		IsHeating:            status == STATUS_HEAT,
		MainBoardVersion:     words[REG_MAIN_BOARD_SV],
		SoftwareVersion:      words[REG_MODULE_SOFTWARE_VERSION],
		ControllerModel:      words[REG_CONTROLLER_MODEL],
	}
	for g := 0; g < NUM_CPIR_GROUPS; g++ {
		s.CPIRPower[g] = words[REG_CPIR_G1_POWER+g]
	}

	if bits == nil {
		return s, nil
	}
	s.CoilsValid = true
	s.ControllerState = bits[COIL_CONTROLLER_STATE]
	s.SessionState = bits[COIL_SESSION_STATE]
	s.VentilationState = bits[COIL_VENTILATION_STATE]
	for o := 0; o < NUM_OUTPUTS; o++ {
		s.Outputs[o] = bits[COIL_OUT1_STATE+o]
	}
	s.WifiConnected = bits[COIL_WIFI_CONNECTION]
	s.ServerConnected = bits[COIL_SERVER_CONNECTION]
	s.PairingMode = bits[COIL_PAIRING_MODE]
	s.FrostProtection = bits[COIL_FROST_PROTECTION]
	s.FrostProtectionActive = bits[COIL_FROST_PROTECTION_STATUS]
	s.InfraredMix = bits[COIL_INFRARED_MIX_STATUS]
	return s, nil
}

// HVACMode reports "heat" when the controller is on, "off" otherwise.
func (s *Snapshot) HVACMode() string {
	if s.IsOn {
		return HVAC_MODE_HEAT
	}
	return HVAC_MODE_OFF
}

// TemperatureLimits returns the settable range for the current profile.
func (s *Snapshot) TemperatureLimits() (Limits, bool) {
	return s.ProfileNumber.TemperatureLimits()
}
