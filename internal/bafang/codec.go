package bafang

import (
	"fmt"
	"strings"
)

// Byte offsets into a read response; offset 0 is the block id and offset 1
// the payload length.
const (
	genManufacturer = 2
	genModel        = 6
	genHardware     = 10
	genFirmware     = 12
	genVoltage      = 16
	genMaxCurrent   = 17

	basLowBattery   = 2
	basCurrentLimit = 3
	basAssistCurr   = 4
	basAssistSpeed  = 14
	basWheel        = 24
	basSpeedmeter   = 25

	pasType             = 2
	pasDesignatedAssist = 3
	pasSpeedLimit       = 4
	pasStartCurrent     = 5
	pasSlowStart        = 6
	pasStartupDegree    = 7
	pasWorkMode         = 8
	pasTimeOfStop       = 9
	pasCurrentDecay     = 10
	pasStopDecay        = 11
	pasKeepCurrent      = 12

	thrStartVoltage     = 2
	thrEndVoltage       = 3
	thrMode             = 4
	thrDesignatedAssist = 5
	thrSpeedLimit       = 6
	thrStartCurrent     = 7
)

const speedmeterSignalMask = 0x3F

func checkFrame(frame []byte, b Block) error {
	if len(frame) != b.Len() {
		return &FrameError{Block: b, Want: b.Len(), Got: len(frame)}
	}
	if Block(frame[0]) != b {
		return fmt.Errorf("%w: frame carries 0x%02X, want %s", ErrUnknownBlock, frame[0], b)
	}
	return nil
}

// chars maps each byte to the code point of the same value.
func chars(b []byte) []string {
	out := make([]string, len(b))
	for i, c := range b {
		out[i] = string(rune(c))
	}
	return out
}

// dotted renders ASCII digits as "d.d.d".
func dotted(b []byte) string {
	return strings.Join(chars(b), ".")
}

func voltageLabel(b byte) string {
	if int(b) >= len(voltageLabels) {
		return "24V-60V"
	}
	return voltageLabels[b]
}

// DecodeInfo decodes a General read response.
func DecodeInfo(frame []byte) (*Info, error) {
	if err := checkFrame(frame, General); err != nil {
		return nil, err
	}
	return &Info{
		Manufacturer:    strings.Join(chars(frame[genManufacturer:genManufacturer+4]), ""),
		Model:           strings.Join(chars(frame[genModel:genModel+4]), ""),
		HardwareVersion: dotted(frame[genHardware : genHardware+2]),
		FirmwareVersion: dotted(frame[genFirmware : genFirmware+4]),
		Voltage:         voltageLabel(frame[genVoltage]),
		MaxCurrent:      frame[genMaxCurrent],
	}, nil
}

// DecodeBasic decodes a Basic read response.
func DecodeBasic(frame []byte) (*BasicRecord, error) {
	if err := checkFrame(frame, Basic); err != nil {
		return nil, err
	}
	b := &BasicRecord{
		LowBatteryProtect: frame[basLowBattery],
		CurrentLimit:      frame[basCurrentLimit],
		WheelSize:         decodeWheel(frame[basWheel]),
		SpeedmeterSignals: frame[basSpeedmeter] & speedmeterSignalMask,
	}
	// Wire value 3 is Motorphase; 2 is accepted as Motorphase too.
	switch model := frame[basSpeedmeter] >> 6; model {
	case wireMotorphase, 2:
		b.SpeedmeterModel = SpeedmeterMotorphase
	default:
		b.SpeedmeterModel = SpeedmeterModel(model)
	}
	for i, p := range b.AssistCurrent() {
		*p = frame[basAssistCurr+i]
	}
	for i, p := range b.AssistSpeed() {
		*p = frame[basAssistSpeed+i]
	}
	return b, nil
}

// EncodeBasic returns the Basic payload in wire order.
func EncodeBasic(b *BasicRecord) []byte {
	out := make([]byte, 0, Basic.PayloadLen())
	out = append(out, b.LowBatteryProtect, b.CurrentLimit)
	for _, p := range b.AssistCurrent() {
		out = append(out, *p)
	}
	for _, p := range b.AssistSpeed() {
		out = append(out, *p)
	}
	model := byte(b.SpeedmeterModel)
	if b.SpeedmeterModel == SpeedmeterMotorphase {
		model = wireMotorphase
	}
	out = append(out, b.WheelSize.byte(), model<<6|b.SpeedmeterSignals&speedmeterSignalMask)
	return out
}

// DecodePedal decodes a PedalAssist read response.
func DecodePedal(frame []byte) (*PedalRecord, error) {
	if err := checkFrame(frame, Pedal); err != nil {
		return nil, err
	}
	return &PedalRecord{
		PedalType:        PedalType(frame[pasType]),
		DesignatedAssist: decodeValue(frame[pasDesignatedAssist], Display),
		SpeedLimit:       decodeValue(frame[pasSpeedLimit], Display),
		StartCurrent:     frame[pasStartCurrent],
		SlowStartMode:    frame[pasSlowStart],
		StartupDegree:    frame[pasStartupDegree],
		WorkMode:         decodeValue(frame[pasWorkMode], Undetermined),
		TimeOfStop:       frame[pasTimeOfStop],
		CurrentDecay:     frame[pasCurrentDecay],
		StopDecay:        frame[pasStopDecay],
		KeepCurrent:      frame[pasKeepCurrent],
	}, nil
}

// EncodePedal returns the PedalAssist payload in wire order.
func EncodePedal(p *PedalRecord) []byte {
	return []byte{
		byte(p.PedalType),
		p.DesignatedAssist.byte(),
		p.SpeedLimit.byte(),
		p.StartCurrent,
		p.SlowStartMode,
		p.StartupDegree,
		p.WorkMode.byte(),
		p.TimeOfStop,
		p.CurrentDecay,
		p.StopDecay,
		p.KeepCurrent,
	}
}

// DecodeThrottle decodes a Throttle read response.
func DecodeThrottle(frame []byte) (*ThrottleRecord, error) {
	if err := checkFrame(frame, Throttle); err != nil {
		return nil, err
	}
	return &ThrottleRecord{
		StartVoltage:     frame[thrStartVoltage],
		EndVoltage:       frame[thrEndVoltage],
		Mode:             ThrottleMode(frame[thrMode]),
		DesignatedAssist: decodeValue(frame[thrDesignatedAssist], Display),
		SpeedLimit:       decodeValue(frame[thrSpeedLimit], Display),
		StartCurrent:     frame[thrStartCurrent],
	}, nil
}

// EncodeThrottle returns the Throttle payload in wire order.
func EncodeThrottle(t *ThrottleRecord) []byte {
	return []byte{
		t.StartVoltage,
		t.EndVoltage,
		byte(t.Mode),
		t.DesignatedAssist.byte(),
		t.SpeedLimit.byte(),
		t.StartCurrent,
	}
}
