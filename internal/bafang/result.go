package bafang

import "fmt"

// Success codes per writable block.
const (
	BasicOK    byte = 24
	PedalOK    byte = 11
	ThrottleOK byte = 6
)

// ResultError is a write rejected by the controller: the result code names
// the field that failed validation.
type ResultError struct {
	Block   Block
	Code    byte
	Field   string // empty for unknown codes
	Message string
}

func (e *ResultError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s write: %s", e.Block, e.Message)
	}
	return fmt.Sprintf("%s write: %s (%s)", e.Block, e.Message, e.Field)
}

type resultEntry struct {
	field string
	label string
}

var pedalResults = []resultEntry{
	{"pedal_type", "Pedal sensor type"},
	{"designated_assist", "Designated assist level"},
	{"speed_limit", "Speed limit"},
	{"current_limit", "Start current"},
	{"slow_start_mode", "Slow start mode"},
	{"startup_degree", "Startup degree"},
	{"work_mode", "Work mode"},
	{"time_of_stop", "Time of stop"},
	{"current_decay", "Current decay"},
	{"stop_decay", "Stop decay"},
	{"keep_current", "Keep current"},
}

var throttleResults = []resultEntry{
	{"start_voltage", "Start voltage"},
	{"end_voltage", "End voltage"},
	{"mode", "Throttle mode"},
	{"designated_assist", "Designated assist level"},
	{"speed_limit", "Speed limit"},
	{"start_current", "Start current"},
}

func basicResult(code byte) (resultEntry, bool) {
	switch {
	case code == 0:
		return resultEntry{"low_battery_protect", "Low battery protection"}, true
	case code == 1:
		return resultEntry{"current_limit", "Current limit"}, true
	case code >= 2 && code <= 21:
		// Codes come in pairs per assist level: speed, then current. An
		// assist1 current rejection acks as 52 05, so odd codes are current.
		level := (code - 2) / 2
		if code%2 == 1 {
			return resultEntry{fmt.Sprintf("assist%d_current", level), fmt.Sprintf("Assist %d current", level)}, true
		}
		return resultEntry{fmt.Sprintf("assist%d_speed", level), fmt.Sprintf("Assist %d speed", level)}, true
	case code == 22:
		return resultEntry{"wheel_size", "Wheel size"}, true
	case code == 23:
		return resultEntry{"speedmeter_signals", "Speedmeter signals"}, true
	}
	return resultEntry{}, false
}

func tableResult(table []resultEntry, code byte) (resultEntry, bool) {
	if int(code) < len(table) {
		return table[code], true
	}
	return resultEntry{}, false
}

// Result translates a write acknowledgement code. It returns nil when the
// controller accepted the block and a *ResultError otherwise.
func Result(b Block, code byte) error {
	var (
		entry resultEntry
		ok    bool
	)
	switch b {
	case Basic:
		if code == BasicOK {
			return nil
		}
		entry, ok = basicResult(code)
	case Pedal:
		if code == PedalOK {
			return nil
		}
		entry, ok = tableResult(pedalResults, code)
	case Throttle:
		if code == ThrottleOK {
			return nil
		}
		entry, ok = tableResult(throttleResults, code)
	}
	if !ok {
		return &ResultError{Block: b, Code: code, Message: fmt.Sprintf("unknown result code %d", code)}
	}
	return &ResultError{Block: b, Code: code, Field: entry.field, Message: entry.label + " out of range"}
}

// SuccessCode returns the acknowledgement code that signals a successful
// write of b, and false for blocks that cannot be written.
func SuccessCode(b Block) (byte, bool) {
	switch b {
	case Basic:
		return BasicOK, true
	case Pedal:
		return PedalOK, true
	case Throttle:
		return ThrottleOK, true
	}
	return 0, false
}

// FieldCode is the inverse of Result: the code the controller reports when
// field of block b fails validation.
func FieldCode(b Block, field string) (byte, bool) {
	var limit byte
	switch b {
	case Basic:
		limit = BasicOK
	case Pedal:
		limit = PedalOK
	case Throttle:
		limit = ThrottleOK
	default:
		return 0, false
	}
	for code := byte(0); code < limit; code++ {
		var re *ResultError
		if err := Result(b, code); err != nil {
			re = err.(*ResultError)
		}
		if re != nil && re.Field == field {
			return code, true
		}
	}
	return 0, false
}
