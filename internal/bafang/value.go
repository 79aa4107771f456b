package bafang

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Sentinel is the reserved byte that stands for a named state instead of a
// number.
const Sentinel byte = 0xFF

type valueKind uint8

const (
	kindNumeric valueKind = iota
	kindDisplay
	kindUndetermined
)

// Value is a field that is either a number or one of the named states the
// controller encodes as 0xFF.
type Value struct {
	kind valueKind
	n    uint8
}

var (
	// Display delegates the setting to the display unit.
	Display = Value{kind: kindDisplay}
	// Undetermined is the pedal work mode left to the controller.
	Undetermined = Value{kind: kindUndetermined}
)

// Num returns a numeric Value.
func Num(n uint8) Value { return Value{n: n} }

// Number returns the numeric content and whether v is numeric.
func (v Value) Number() (uint8, bool) {
	return v.n, v.kind == kindNumeric
}

func (v Value) IsDisplay() bool      { return v.kind == kindDisplay }
func (v Value) IsUndetermined() bool { return v.kind == kindUndetermined }

func (v Value) String() string {
	switch v.kind {
	case kindDisplay:
		return "Display"
	case kindUndetermined:
		return "Undetermined"
	}
	return strconv.Itoa(int(v.n))
}

// decodeValue maps the sentinel byte to named, any other byte to a number.
func decodeValue(b byte, named Value) Value {
	if b == Sentinel {
		return named
	}
	return Num(b)
}

func (v Value) byte() byte {
	if v.kind != kindNumeric {
		return Sentinel
	}
	return v.n
}

// ParseValue accepts "Display", "Undetermined" or a decimal byte. The
// sentinel 255 is refused: on the wire it reads back as a named state.
func ParseValue(s string) (Value, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.EqualFold(s, "display"):
		return Display, nil
	case strings.EqualFold(s, "undetermined"):
		return Undetermined, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return Value{}, fmt.Errorf("invalid value %q", s)
	}
	if byte(n) == Sentinel {
		return Value{}, fmt.Errorf("value %d is reserved, write Display or Undetermined", n)
	}
	return Num(uint8(n)), nil
}

func (v Value) MarshalYAML() (interface{}, error) {
	if n, ok := v.Number(); ok {
		return int(n), nil
	}
	return v.String(), nil
}

func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: value must be a scalar", node.Line)
	}
	parsed, err := ParseValue(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*v = parsed
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	if n, ok := v.Number(); ok {
		return []byte(strconv.Itoa(int(n))), nil
	}
	return json.Marshal(v.String())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	parsed, err := ParseValue(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Enumerations. Device values outside a table keep their number so that an
// unknown setting survives a read/write cycle unchanged.

var (
	pedalTypeLabels       = []string{"None", "DH-Sensor-12", "BB-Sensor-32", "DoubleSignal-24"}
	throttleModeLabels    = []string{"Speed", "Current"}
	speedmeterModelLabels = []string{"External", "Internal", "Motorphase"}
	voltageLabels         = []string{"24V", "36V", "48V", "60V", "24V-48V"}
)

func enumString(labels []string, v uint8) string {
	if int(v) < len(labels) {
		return labels[v]
	}
	return strconv.Itoa(int(v))
}

func enumParse(labels []string, s string) (uint8, error) {
	s = strings.TrimSpace(s)
	for i, l := range labels {
		if strings.EqualFold(s, l) {
			return uint8(i), nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid label %q (want one of %s)", s, strings.Join(labels, ", "))
	}
	return uint8(n), nil
}

// PedalType is the pedal sensor fitted to the bike.
type PedalType uint8

const (
	PedalNone PedalType = iota
	PedalDHSensor12
	PedalBBSensor32
	PedalDoubleSignal24
)

func (p PedalType) String() string { return enumString(pedalTypeLabels, uint8(p)) }

func (p PedalType) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *PedalType) UnmarshalText(text []byte) error {
	n, err := enumParse(pedalTypeLabels, string(text))
	if err != nil {
		return fmt.Errorf("pedal_type: %w", err)
	}
	*p = PedalType(n)
	return nil
}

// ThrottleMode selects whether the throttle commands speed or current.
type ThrottleMode uint8

const (
	ThrottleSpeed ThrottleMode = iota
	ThrottleCurrent
)

func (m ThrottleMode) String() string { return enumString(throttleModeLabels, uint8(m)) }

func (m ThrottleMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *ThrottleMode) UnmarshalText(text []byte) error {
	n, err := enumParse(throttleModeLabels, string(text))
	if err != nil {
		return fmt.Errorf("mode: %w", err)
	}
	*m = ThrottleMode(n)
	return nil
}

// SpeedmeterModel is the source of the speed signal.
type SpeedmeterModel uint8

const (
	SpeedmeterExternal SpeedmeterModel = iota
	SpeedmeterInternal
	SpeedmeterMotorphase
)

// wireMotorphase is the bit pattern the controller uses for Motorphase in the
// top two bits of the speedmeter byte.
const wireMotorphase = 3

func (m SpeedmeterModel) String() string { return enumString(speedmeterModelLabels, uint8(m)) }

func (m SpeedmeterModel) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *SpeedmeterModel) UnmarshalText(text []byte) error {
	n, err := enumParse(speedmeterModelLabels, string(text))
	if err != nil {
		return fmt.Errorf("speedmeter_model: %w", err)
	}
	if n > wireMotorphase {
		return fmt.Errorf("speedmeter_model: %d does not fit in two bits", n)
	}
	*m = SpeedmeterModel(n)
	return nil
}

// WheelSize is either the 700C road size or a diameter in whole inches.
type WheelSize struct {
	Inches uint8
	Road   bool
}

// Wheel700C is the road wheel size, stored on the wire as 0x37.
var Wheel700C = WheelSize{Road: true}

const (
	wire700C       = 0x37
	maxWheelInches = 128
)

// WheelInches returns a wheel size in inches.
func WheelInches(n uint8) WheelSize { return WheelSize{Inches: n} }

func decodeWheel(b byte) WheelSize {
	if b == wire700C {
		return Wheel700C
	}
	return WheelInches(uint8((int(b) + 1) / 2))
}

func (w WheelSize) byte() byte {
	if w.Road {
		return wire700C
	}
	if w.Inches >= 128 {
		return 0xFF
	}
	return w.Inches * 2
}

func (w WheelSize) String() string {
	if w.Road {
		return "700C"
	}
	return fmt.Sprintf("%d\"", w.Inches)
}

// ParseWheelSize accepts "700C", `26"` or 26. Sizes above 128 inches do not
// fit the wire byte; 128 is what the controller's 0xFF reads back as.
func ParseWheelSize(s string) (WheelSize, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "700c") {
		return Wheel700C, nil
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(s, `"`), 10, 8)
	if err != nil {
		return WheelSize{}, fmt.Errorf("invalid wheel size %q", s)
	}
	if n > maxWheelInches {
		return WheelSize{}, fmt.Errorf("wheel size %d exceeds %d inches", n, maxWheelInches)
	}
	return WheelInches(uint8(n)), nil
}

func (w WheelSize) MarshalYAML() (interface{}, error) {
	if w.Road {
		return "700C", nil
	}
	return int(w.Inches), nil
}

func (w *WheelSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: wheel_size must be a scalar", node.Line)
	}
	parsed, err := ParseWheelSize(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*w = parsed
	return nil
}

func (w WheelSize) MarshalJSON() ([]byte, error) {
	if w.Road {
		return []byte(`"700C"`), nil
	}
	return []byte(strconv.Itoa(int(w.Inches))), nil
}

func (w *WheelSize) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	parsed, err := ParseWheelSize(s)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}
