package ffes

import (
	"fmt"
	"strconv"
)

type Component string

const COMPONENT_SENSOR Component = "sensor"
const COMPONENT_BINARY_SENSOR Component = "binary_sensor"
const COMPONENT_NUMBER Component = "number"
const COMPONENT_SWITCH Component = "switch"
const COMPONENT_SELECT Component = "select"
const COMPONENT_CLIMATE Component = "climate"

// Field maps one snapshot value to something a host can show or set.
type Field struct {
	Key       string
	Name      string
	Unit      string
	Component Component
	// Value renders the field out of a snapshot.
	Value func(s *Snapshot) string
	// Target is the register written by numbers and the register or coil
	// toggled by switches. Read-only fields leave it nil.
	Target *Register
	Min    uint16
	Max    uint16
}

func (f *Field) Writable() bool {
	return f.Target != nil
}

func u16(get func(s *Snapshot) uint16) func(s *Snapshot) string {
	return func(s *Snapshot) string {
		return strconv.Itoa(int(get(s)))
	}
}

func flag(get func(s *Snapshot) bool) func(s *Snapshot) string {
	return func(s *Snapshot) string {
		return fmt.Sprintf("%t", get(s))
	}
}

func word(offset uint16) *Register {
	return &Register{Offset: offset, Width: Word}
}

func coil(offset uint16) *Register {
	return &Register{Offset: offset, Width: Bit}
}

func cpirPower(g int) Field {
	return Field{
		Key:       fmt.Sprintf("cpir_g%d_power", g+1),
		Name:      fmt.Sprintf("CPIR Group %d Power", g+1),
		Unit:      "%",
		Component: COMPONENT_NUMBER,
		Value:     u16(func(s *Snapshot) uint16 { return s.CPIRPower[g] }),
		Target:    word(uint16(REG_CPIR_G1_POWER + g)),
		Min:       1,
		Max:       100,
	}
}

// Fields is the static table of everything published for a controller.
var Fields = []Field{
	{Key: "temperature_actual", Name: "Current Temperature", Unit: "°C", Component: COMPONENT_SENSOR,
		Value: u16(func(s *Snapshot) uint16 { return s.TemperatureActual })},
	{Key: "temperature_set", Name: "Target Temperature", Unit: "°C", Component: COMPONENT_CLIMATE,
		Value: u16(func(s *Snapshot) uint16 { return s.TemperatureSet })},
	{Key: "temperature2_actual", Name: "Second Temperature", Unit: "°C", Component: COMPONENT_SENSOR,
		Value: u16(func(s *Snapshot) uint16 { return s.Temperature2Actual })},
	{Key: "humidity", Name: "Humidity", Unit: "%", Component: COMPONENT_SENSOR,
		Value: u16(func(s *Snapshot) uint16 { return s.HumidityActual })},
	{Key: "status", Name: "Status", Component: COMPONENT_SENSOR,
		Value: func(s *Snapshot) string { return s.StatusName }},
	{Key: "mode", Name: "Mode", Component: COMPONENT_CLIMATE,
		Value: func(s *Snapshot) string { return s.HVACMode() }},
	{Key: "profile", Name: "Profile", Component: COMPONENT_SELECT,
		Value: func(s *Snapshot) string { return s.Profile }},
	{Key: "error_code", Name: "Error Code", Component: COMPONENT_SENSOR,
		Value: u16(func(s *Snapshot) uint16 { return s.ErrorCode })},
	{Key: "error_message", Name: "Error Message", Component: COMPONENT_SENSOR,
		Value: func(s *Snapshot) string { return s.ErrorMessage }},
	{Key: "software_version", Name: "Software Version", Component: COMPONENT_SENSOR,
		Value: u16(func(s *Snapshot) uint16 { return s.SoftwareVersion })},
	{Key: "controller_model", Name: "Controller Model", Component: COMPONENT_SENSOR,
		Value: u16(func(s *Snapshot) uint16 { return s.ControllerModel })},

	{Key: "error", Name: "Error", Component: COMPONENT_BINARY_SENSOR,
		Value: flag(func(s *Snapshot) bool { return s.HasError })},
	{Key: "heating", Name: "Heating", Component: COMPONENT_BINARY_SENSOR,
		Value: flag(func(s *Snapshot) bool { return s.IsHeating })},
	{Key: "frost_protection_active", Name: "Frost Protection Active", Component: COMPONENT_BINARY_SENSOR,
		Value: flag(func(s *Snapshot) bool { return s.FrostProtectionActive })},
	{Key: "wifi_connected", Name: "WiFi Connected", Component: COMPONENT_BINARY_SENSOR,
		Value: flag(func(s *Snapshot) bool { return s.WifiConnected })},
	{Key: "server_connected", Name: "Server Connected", Component: COMPONENT_BINARY_SENSOR,
		Value: flag(func(s *Snapshot) bool { return s.ServerConnected })},

	{Key: "session_time", Name: "Session Time", Unit: "min", Component: COMPONENT_NUMBER,
		Value:  u16(func(s *Snapshot) uint16 { return s.SessionTime }),
		Target: word(REG_SESSION_TIME), Min: 1, Max: 2000},
	{Key: "ventilation_time", Name: "Ventilation Time", Unit: "min", Component: COMPONENT_NUMBER,
		Value:  u16(func(s *Snapshot) uint16 { return s.VentilationTime }),
		Target: word(REG_VENTILATION_TIME), Min: 1, Max: 2000},
	{Key: "aromatherapy", Name: "Aromatherapy", Unit: "%", Component: COMPONENT_NUMBER,
		Value:  u16(func(s *Snapshot) uint16 { return s.Aromatherapy }),
		Target: word(REG_AROMA_SET_VALUE), Min: 0, Max: 100},
	{Key: "humidity_target", Name: "Target Humidity", Unit: "%", Component: COMPONENT_NUMBER,
		Value:  u16(func(s *Snapshot) uint16 { return s.HumidityTarget }),
		Target: word(REG_VAPORIZER_HUMIDITY), Min: 0, Max: 100},
	cpirPower(0),
	cpirPower(1),
	cpirPower(2),
	cpirPower(3),

	{Key: "power", Name: "Power", Component: COMPONENT_SWITCH,
		Value:  flag(func(s *Snapshot) bool { return s.IsOn }),
		Target: word(REG_CONTROLLER_STATUS)},
	{Key: "ventilation", Name: "Ventilation", Component: COMPONENT_SWITCH,
		Value:  flag(func(s *Snapshot) bool { return s.VentilationState }),
		Target: coil(COIL_VENTILATION_STATE)},
	{Key: "frost_protection", Name: "Frost Protection", Component: COMPONENT_SWITCH,
		Value:  flag(func(s *Snapshot) bool { return s.FrostProtection }),
		Target: coil(COIL_FROST_PROTECTION)},
	{Key: "infrared_mix", Name: "Infrared Mix", Component: COMPONENT_SWITCH,
		Value:  flag(func(s *Snapshot) bool { return s.InfraredMix }),
		Target: coil(COIL_INFRARED_MIX_STATUS)},
}

// FieldByKey returns the field with the given key.
func FieldByKey(key string) (*Field, error) {
	for i := range Fields {
		if Fields[i].Key == key {
			return &Fields[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownField, key)
}
