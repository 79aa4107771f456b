package profile

import (
	"bufio"
	"encoding"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/shaunagostinho/bafang-config/internal/bafang"
)

// Legacy files look like:
//
//	[Basic]
//	LBP=41
//	LC=18
//	ALC0=0
//	...
//	[Pedal Assist]
//	PT=3
//	DA=255
//
// Keys are mapped onto profile fields through legacyFields. A raw 255 in a
// field that has a named state (Display, Undetermined) becomes that state.

var legacySections = map[string]bafang.Block{
	"basic":           bafang.Basic,
	"pedal assist":    bafang.Pedal,
	"pedal":           bafang.Pedal,
	"throttle handle": bafang.Throttle,
	"throttle":        bafang.Throttle,
}

type setter func(p *bafang.Profile, raw string) error

type legacyField struct {
	field string
	set   setter
}

func basic(p *bafang.Profile) *bafang.BasicRecord {
	if p.Basic == nil {
		p.Basic = &bafang.BasicRecord{}
	}
	return p.Basic
}

func pedal(p *bafang.Profile) *bafang.PedalRecord {
	if p.Pedal == nil {
		p.Pedal = &bafang.PedalRecord{}
	}
	return p.Pedal
}

func throttle(p *bafang.Profile) *bafang.ThrottleRecord {
	if p.Throttle == nil {
		p.Throttle = &bafang.ThrottleRecord{}
	}
	return p.Throttle
}

func u8(field func(*bafang.Profile) *uint8) setter {
	return func(p *bafang.Profile, raw string) error {
		n, err := strconv.ParseUint(raw, 10, 8)
		if err != nil {
			return fmt.Errorf("invalid number %q", raw)
		}
		*field(p) = uint8(n)
		return nil
	}
}

func value(field func(*bafang.Profile) *bafang.Value, named bafang.Value) setter {
	return func(p *bafang.Profile, raw string) error {
		if n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 8); err == nil && byte(n) == bafang.Sentinel {
			*field(p) = named
			return nil
		}
		v, err := bafang.ParseValue(raw)
		if err != nil {
			return err
		}
		*field(p) = v
		return nil
	}
}

func text(field func(*bafang.Profile) encoding.TextUnmarshaler) setter {
	return func(p *bafang.Profile, raw string) error {
		return field(p).UnmarshalText([]byte(raw))
	}
}

func wheel(p *bafang.Profile, raw string) error {
	w, err := bafang.ParseWheelSize(raw)
	if err != nil {
		return err
	}
	basic(p).WheelSize = w
	return nil
}

var legacyFields = map[bafang.Block]map[string]legacyField{
	bafang.Basic: basicLegacyFields(),
	bafang.Pedal: {
		"PT":   {"pedal_type", text(func(p *bafang.Profile) encoding.TextUnmarshaler { return &pedal(p).PedalType })},
		"DA":   {"designated_assist", value(func(p *bafang.Profile) *bafang.Value { return &pedal(p).DesignatedAssist }, bafang.Display)},
		"SL":   {"speed_limit", value(func(p *bafang.Profile) *bafang.Value { return &pedal(p).SpeedLimit }, bafang.Display)},
		"SC":   {"start_current", u8(func(p *bafang.Profile) *uint8 { return &pedal(p).StartCurrent })},
		"SSM":  {"slow_start_mode", u8(func(p *bafang.Profile) *uint8 { return &pedal(p).SlowStartMode })},
		"SD":   {"startup_degree", u8(func(p *bafang.Profile) *uint8 { return &pedal(p).StartupDegree })},
		"WM":   {"work_mode", value(func(p *bafang.Profile) *bafang.Value { return &pedal(p).WorkMode }, bafang.Undetermined)},
		"TS":   {"time_of_stop", u8(func(p *bafang.Profile) *uint8 { return &pedal(p).TimeOfStop })},
		"CD":   {"current_decay", u8(func(p *bafang.Profile) *uint8 { return &pedal(p).CurrentDecay })},
		"STPD": {"stop_decay", u8(func(p *bafang.Profile) *uint8 { return &pedal(p).StopDecay })},
		"KC":   {"keep_current", u8(func(p *bafang.Profile) *uint8 { return &pedal(p).KeepCurrent })},
	},
	bafang.Throttle: {
		"SV":   {"start_voltage", u8(func(p *bafang.Profile) *uint8 { return &throttle(p).StartVoltage })},
		"EV":   {"end_voltage", u8(func(p *bafang.Profile) *uint8 { return &throttle(p).EndVoltage })},
		"MODE": {"mode", text(func(p *bafang.Profile) encoding.TextUnmarshaler { return &throttle(p).Mode })},
		"DA":   {"designated_assist", value(func(p *bafang.Profile) *bafang.Value { return &throttle(p).DesignatedAssist }, bafang.Display)},
		"SL":   {"speed_limit", value(func(p *bafang.Profile) *bafang.Value { return &throttle(p).SpeedLimit }, bafang.Display)},
		"SC":   {"start_current", u8(func(p *bafang.Profile) *uint8 { return &throttle(p).StartCurrent })},
	},
}

func basicLegacyFields() map[string]legacyField {
	m := map[string]legacyField{
		"LBP": {"low_battery_protect", u8(func(p *bafang.Profile) *uint8 { return &basic(p).LowBatteryProtect })},
		"LC":  {"current_limit", u8(func(p *bafang.Profile) *uint8 { return &basic(p).CurrentLimit })},
		"WD":  {"wheel_size", wheel},
		"SMM": {"speedmeter_model", text(func(p *bafang.Profile) encoding.TextUnmarshaler { return &basic(p).SpeedmeterModel })},
		"SMS": {"speedmeter_signals", u8(func(p *bafang.Profile) *uint8 { return &basic(p).SpeedmeterSignals })},
	}
	for i := 0; i < 10; i++ {
		level := i
		m[fmt.Sprintf("ALC%d", level)] = legacyField{
			fmt.Sprintf("assist%d_current", level),
			u8(func(p *bafang.Profile) *uint8 { return basic(p).AssistCurrent()[level] }),
		}
		m[fmt.Sprintf("ALBP%d", level)] = legacyField{
			fmt.Sprintf("assist%d_speed", level),
			u8(func(p *bafang.Profile) *uint8 { return basic(p).AssistSpeed()[level] }),
		}
	}
	return m
}

// ImportError reports a problem in a legacy file.
type ImportError struct {
	Line int
	Msg  string
}

func (e *ImportError) Error() string {
	if e.Line == 0 {
		return "legacy import: " + e.Msg
	}
	return fmt.Sprintf("legacy import line %d: %s", e.Line, e.Msg)
}

// ImportLegacy parses a vendor tool file. Every section present must set
// all of its fields; unknown sections and keys are logged and skipped.
func ImportLegacy(r io.Reader, log *slog.Logger) (*bafang.Profile, error) {
	if log == nil {
		log = slog.Default()
	}
	p := &bafang.Profile{}
	seen := map[bafang.Block]map[string]bool{}

	var (
		current bafang.Block
		skip    bool
		lineNo  int
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return nil, &ImportError{lineNo, fmt.Sprintf("malformed section header %q", line)}
			}
			name := strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			b, ok := legacySections[name]
			if !ok {
				log.Warn("skipping unknown legacy section", "section", name, "line", lineNo)
				current, skip = 0, true
				continue
			}
			current, skip = b, false
			if seen[b] == nil {
				seen[b] = map[string]bool{}
			}
			continue
		}

		key, raw, ok := strings.Cut(line, "=")
		if !ok {
			return nil, &ImportError{lineNo, fmt.Sprintf("expected key=value, got %q", line)}
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		raw = strings.TrimSpace(raw)
		if skip {
			continue
		}
		if current == 0 {
			return nil, &ImportError{lineNo, fmt.Sprintf("key %s outside of a section", key)}
		}
		f, ok := legacyFields[current][key]
		if !ok {
			log.Warn("skipping unknown legacy key", "section", current, "key", key, "line", lineNo)
			continue
		}
		if err := f.set(p, raw); err != nil {
			return nil, &ImportError{lineNo, fmt.Sprintf("%s %s: %v", current.Key(), f.field, err)}
		}
		seen[current][key] = true
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read legacy file: %w", err)
	}

	for b, keys := range seen {
		var missing []string
		for key, f := range legacyFields[b] {
			if !keys[key] {
				missing = append(missing, f.field)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return nil, &ImportError{Msg: fmt.Sprintf("section %s is missing %s", b.Key(), strings.Join(missing, ", "))}
		}
	}
	if p.Empty() {
		return nil, &ImportError{Msg: "no known sections found"}
	}
	return p, nil
}

// ImportLegacyFile is ImportLegacy on a file.
func ImportLegacyFile(path string, log *slog.Logger) (*bafang.Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ImportLegacy(f, log)
}
