package ffes

import "fmt"

// ADDRESS_OFFSET is added to every logical offset to obtain the wire address.
// REG[1] of the controller documentation lives at physical address 1.
const ADDRESS_OFFSET = 1

// REGISTER_COUNT is the size of the holding register block read every poll.
const REGISTER_COUNT = 50

// COIL_COUNT is the size of the coil block read every poll.
const COIL_COUNT = 56

type Width int

const (
	Word Width = iota
	Bit
)

func (w Width) String() string {
	if w == Bit {
		return "coil"
	}
	return "register"
}

type Kind int

const (
	KindControllerState Kind = iota
	KindSetpoint
	KindMeasurement
	KindConfig
	KindStatus
	KindIdentity
)

// Register describes one readable or writable quantity of the controller.
type Register struct {
	Name   string
	Offset uint16 // logical, zero based
	Width  Width
	Kind   Kind
}

// Physical returns the wire address of a logical offset.
func Physical(logical uint16) uint16 {
	return logical + ADDRESS_OFFSET
}

// Registers lists every word register the decoder uses.
var Registers = []Register{
	{"temperature_set", REG_TEMPERATURE_SET, Word, KindSetpoint},
	{"temperature_actual", REG_TEMPERATURE_ACTUAL, Word, KindMeasurement},
	{"clock", REG_CLOCK, Word, KindMeasurement},
	{"profile", REG_SAUNA_PROFILE, Word, KindConfig},
	{"session_time", REG_SESSION_TIME, Word, KindSetpoint},
	{"ventilation_time", REG_VENTILATION_TIME, Word, KindSetpoint},
	{"vaporizer_preheat_time", REG_VAPORIZER_PREHEAT_TIME, Word, KindConfig},
	{"aroma_cycle_time", REG_AROMA_CYCLE_TIME, Word, KindConfig},
	{"aromatherapy", REG_AROMA_SET_VALUE, Word, KindSetpoint},
	{"humidity_target", REG_VAPORIZER_HUMIDITY, Word, KindSetpoint},
	{"error_code", REG_ERROR_CODE, Word, KindStatus},
	{"cpir_group_1", REG_CPIR_GROUP_1_SET, Word, KindConfig},
	{"cpir_group_2", REG_CPIR_GROUP_2_SET, Word, KindConfig},
	{"temperature2_actual", REG_TEMP2_ACTUAL, Word, KindMeasurement},
	{"humidity_actual", REG_HUMIDITY_ACTUAL, Word, KindMeasurement},
	{"controller_status", REG_CONTROLLER_STATUS, Word, KindControllerState},
	{"main_board_version", REG_MAIN_BOARD_SV, Word, KindIdentity},
	{"cpir_g1_power", REG_CPIR_G1_POWER, Word, KindSetpoint},
	{"cpir_g2_power", REG_CPIR_G2_POWER, Word, KindSetpoint},
	{"cpir_g3_power", REG_CPIR_G3_POWER, Word, KindSetpoint},
	{"cpir_g4_power", REG_CPIR_G4_POWER, Word, KindSetpoint},
	{"software_version", REG_MODULE_SOFTWARE_VERSION, Word, KindIdentity},
	{"controller_model", REG_CONTROLLER_MODEL, Word, KindIdentity},
}

// Coils lists every coil the decoder uses.
var Coils = []Register{
	{"controller_state", COIL_CONTROLLER_STATE, Bit, KindControllerState},
	{"session_state", COIL_SESSION_STATE, Bit, KindControllerState},
	{"ventilation_state", COIL_VENTILATION_STATE, Bit, KindControllerState},
	{"out1", COIL_OUT1_STATE, Bit, KindStatus},
	{"out2", COIL_OUT1_STATE + 1, Bit, KindStatus},
	{"out3", COIL_OUT1_STATE + 2, Bit, KindStatus},
	{"out4", COIL_OUT1_STATE + 3, Bit, KindStatus},
	{"out5", COIL_OUT1_STATE + 4, Bit, KindStatus},
	{"out6", COIL_OUT1_STATE + 5, Bit, KindStatus},
	{"out7", COIL_OUT1_STATE + 6, Bit, KindStatus},
	{"wifi_connection", COIL_WIFI_CONNECTION, Bit, KindStatus},
	{"server_connection", COIL_SERVER_CONNECTION, Bit, KindStatus},
	{"pairing_mode", COIL_PAIRING_MODE, Bit, KindStatus},
	{"frost_protection", COIL_FROST_PROTECTION, Bit, KindConfig},
	{"frost_protection_status", COIL_FROST_PROTECTION_STATUS, Bit, KindStatus},
	{"infrared_mix_status", COIL_INFRARED_MIX_STATUS, Bit, KindConfig},
}

// Lookup finds a register or coil by name.
func Lookup(width Width, name string) (Register, error) {
	table := Registers
	if width == Bit {
		table = Coils
	}
	for _, r := range table {
		if r.Name == name {
			return r, nil
		}
	}
	return Register{}, fmt.Errorf("unknown %s %q", width, name)
}

// BlockSize returns the number of addresses read per poll for the given width.
func BlockSize(width Width) uint16 {
	if width == Bit {
		return COIL_COUNT
	}
	return REGISTER_COUNT
}
