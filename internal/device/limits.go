package device

import (
	"fmt"

	"github.com/shaunagostinho/bafang-config/internal/bafang"
)

// Controller-side limits enforced by the Emulator. Each check returns the
// first field out of range, in result code order, or "" when the block is
// acceptable.

func inRange(v, lo, hi uint8) bool { return v >= lo && v <= hi }

func valueInRange(v bafang.Value, lo, hi uint8, named bool) bool {
	if n, ok := v.Number(); ok {
		return inRange(n, lo, hi)
	}
	return named
}

func checkBasic(b *bafang.BasicRecord, maxCurrent uint8) string {
	if !inRange(b.LowBatteryProtect, 10, 60) {
		return "low_battery_protect"
	}
	if !inRange(b.CurrentLimit, 1, maxCurrent) {
		return "current_limit"
	}
	speeds := b.AssistSpeed()
	currents := b.AssistCurrent()
	for level := 0; level < 10; level++ {
		if *speeds[level] > 100 {
			return fmt.Sprintf("assist%d_speed", level)
		}
		if *currents[level] > 100 {
			return fmt.Sprintf("assist%d_current", level)
		}
	}
	if !b.WheelSize.Road && !inRange(b.WheelSize.Inches, 12, 29) {
		return "wheel_size"
	}
	if b.SpeedmeterSignals == 0 {
		return "speedmeter_signals"
	}
	return ""
}

func checkPedal(p *bafang.PedalRecord) string {
	switch {
	case p.PedalType > bafang.PedalDoubleSignal24:
		return "pedal_type"
	case !valueInRange(p.DesignatedAssist, 0, 9, p.DesignatedAssist.IsDisplay()):
		return "designated_assist"
	case !valueInRange(p.SpeedLimit, 15, 60, p.SpeedLimit.IsDisplay()):
		return "speed_limit"
	case p.StartCurrent > 100:
		return "current_limit"
	case !inRange(p.SlowStartMode, 1, 8):
		return "slow_start_mode"
	case p.StartupDegree == 0:
		return "startup_degree"
	case !valueInRange(p.WorkMode, 10, 80, p.WorkMode.IsUndetermined()):
		return "work_mode"
	case p.TimeOfStop == 0:
		return "time_of_stop"
	case !inRange(p.CurrentDecay, 1, 8):
		return "current_decay"
	case p.StopDecay > 100:
		return "stop_decay"
	case p.KeepCurrent > 100:
		return "keep_current"
	}
	return ""
}

func checkThrottle(t *bafang.ThrottleRecord) string {
	switch {
	case !inRange(t.StartVoltage, 5, 40):
		return "start_voltage"
	case t.EndVoltage <= t.StartVoltage || t.EndVoltage > 42:
		return "end_voltage"
	case t.Mode > bafang.ThrottleCurrent:
		return "mode"
	case !valueInRange(t.DesignatedAssist, 0, 9, t.DesignatedAssist.IsDisplay()):
		return "designated_assist"
	case !valueInRange(t.SpeedLimit, 15, 60, t.SpeedLimit.IsDisplay()):
		return "speed_limit"
	case t.StartCurrent > 100:
		return "start_current"
	}
	return ""
}
