package bafang

// Info is the read-only General block: controller identification.
type Info struct {
	Manufacturer    string `yaml:"manufacturer" json:"manufacturer"`
	Model           string `yaml:"model" json:"model"`
	HardwareVersion string `yaml:"hw_ver" json:"hw_ver"`
	FirmwareVersion string `yaml:"fw_ver" json:"fw_ver"`
	Voltage         string `yaml:"voltage" json:"voltage"`
	MaxCurrent      uint8  `yaml:"max_current" json:"max_current"` // A
}

// BasicRecord holds battery protection, per-level assist limits, wheel and
// speedmeter settings. Assist levels run 0..9.
type BasicRecord struct {
	LowBatteryProtect uint8 `yaml:"low_battery_protect" json:"low_battery_protect"` // V
	CurrentLimit      uint8 `yaml:"current_limit" json:"current_limit"`             // A

	Assist0Current uint8 `yaml:"assist0_current" json:"assist0_current"` // % of current limit
	Assist1Current uint8 `yaml:"assist1_current" json:"assist1_current"`
	Assist2Current uint8 `yaml:"assist2_current" json:"assist2_current"`
	Assist3Current uint8 `yaml:"assist3_current" json:"assist3_current"`
	Assist4Current uint8 `yaml:"assist4_current" json:"assist4_current"`
	Assist5Current uint8 `yaml:"assist5_current" json:"assist5_current"`
	Assist6Current uint8 `yaml:"assist6_current" json:"assist6_current"`
	Assist7Current uint8 `yaml:"assist7_current" json:"assist7_current"`
	Assist8Current uint8 `yaml:"assist8_current" json:"assist8_current"`
	Assist9Current uint8 `yaml:"assist9_current" json:"assist9_current"`

	Assist0Speed uint8 `yaml:"assist0_speed" json:"assist0_speed"` // % of speed limit
	Assist1Speed uint8 `yaml:"assist1_speed" json:"assist1_speed"`
	Assist2Speed uint8 `yaml:"assist2_speed" json:"assist2_speed"`
	Assist3Speed uint8 `yaml:"assist3_speed" json:"assist3_speed"`
	Assist4Speed uint8 `yaml:"assist4_speed" json:"assist4_speed"`
	Assist5Speed uint8 `yaml:"assist5_speed" json:"assist5_speed"`
	Assist6Speed uint8 `yaml:"assist6_speed" json:"assist6_speed"`
	Assist7Speed uint8 `yaml:"assist7_speed" json:"assist7_speed"`
	Assist8Speed uint8 `yaml:"assist8_speed" json:"assist8_speed"`
	Assist9Speed uint8 `yaml:"assist9_speed" json:"assist9_speed"`

	WheelSize         WheelSize       `yaml:"wheel_size" json:"wheel_size"`
	SpeedmeterModel   SpeedmeterModel `yaml:"speedmeter_model" json:"speedmeter_model"`
	SpeedmeterSignals uint8           `yaml:"speedmeter_signals" json:"speedmeter_signals"` // 0..63
}

// AssistCurrent returns pointers to the ten assist current fields in level
// order.
func (b *BasicRecord) AssistCurrent() [10]*uint8 {
	return [10]*uint8{
		&b.Assist0Current, &b.Assist1Current, &b.Assist2Current, &b.Assist3Current, &b.Assist4Current,
		&b.Assist5Current, &b.Assist6Current, &b.Assist7Current, &b.Assist8Current, &b.Assist9Current,
	}
}

// AssistSpeed returns pointers to the ten assist speed fields in level order.
func (b *BasicRecord) AssistSpeed() [10]*uint8 {
	return [10]*uint8{
		&b.Assist0Speed, &b.Assist1Speed, &b.Assist2Speed, &b.Assist3Speed, &b.Assist4Speed,
		&b.Assist5Speed, &b.Assist6Speed, &b.Assist7Speed, &b.Assist8Speed, &b.Assist9Speed,
	}
}

// PedalRecord holds the pedal-assist sensor settings.
type PedalRecord struct {
	PedalType        PedalType `yaml:"pedal_type" json:"pedal_type"`
	DesignatedAssist Value     `yaml:"designated_assist" json:"designated_assist"`
	SpeedLimit       Value     `yaml:"speed_limit" json:"speed_limit"` // km/h
	StartCurrent     uint8     `yaml:"start_current" json:"start_current"`
	SlowStartMode    uint8     `yaml:"slow_start_mode" json:"slow_start_mode"`
	StartupDegree    uint8     `yaml:"startup_degree" json:"startup_degree"`
	WorkMode         Value     `yaml:"work_mode" json:"work_mode"`
	TimeOfStop       uint8     `yaml:"time_of_stop" json:"time_of_stop"`
	CurrentDecay     uint8     `yaml:"current_decay" json:"current_decay"`
	StopDecay        uint8     `yaml:"stop_decay" json:"stop_decay"`
	KeepCurrent      uint8     `yaml:"keep_current" json:"keep_current"`
}

// ThrottleRecord holds the throttle handle settings.
type ThrottleRecord struct {
	StartVoltage     uint8        `yaml:"start_voltage" json:"start_voltage"` // x100 mV
	EndVoltage       uint8        `yaml:"end_voltage" json:"end_voltage"`     // x100 mV
	Mode             ThrottleMode `yaml:"mode" json:"mode"`
	DesignatedAssist Value        `yaml:"designated_assist" json:"designated_assist"`
	SpeedLimit       Value        `yaml:"speed_limit" json:"speed_limit"`
	StartCurrent     uint8        `yaml:"start_current" json:"start_current"`
}
