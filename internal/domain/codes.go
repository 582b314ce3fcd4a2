package domain

// Mode is the operating mode reported by the inverter.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeGrid
	ModeBattery
	ModeFault
	ModePowerOn
	ModeStandby
	ModePowerSaving
)

// ModeFromCode maps the mode character of a QMOD reply to a Mode.
func ModeFromCode(code byte) Mode {
	switch code {
	case 'L':
		return ModeGrid
	case 'B':
		return ModeBattery
	case 'F':
		return ModeFault
	case 'P':
		return ModePowerOn
	case 'S':
		return ModeStandby
	case 'H':
		return ModePowerSaving
	default:
		return ModeUnknown
	}
}

// String returns the published name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeGrid:
		return "Grid"
	case ModeBattery:
		return "Battery"
	case ModeFault:
		return "Fault"
	case ModePowerOn:
		return "Power On"
	case ModeStandby:
		return "Standby"
	case ModePowerSaving:
		return "Power Saving"
	default:
		return "Unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// OutputSource is the output source priority setting.
type OutputSource int

const (
	OutputSourceUnknown OutputSource = iota
	OutputSourceGrid
	OutputSourceSolar
	OutputSourceSBU
)

// OutputSourceFromIndex maps the QPIRI output source field to an OutputSource.
func OutputSourceFromIndex(index int) OutputSource {
	switch index {
	case 0:
		return OutputSourceGrid
	case 1:
		return OutputSourceSolar
	case 2:
		return OutputSourceSBU
	default:
		return OutputSourceUnknown
	}
}

// String returns the published name of the output source.
func (o OutputSource) String() string {
	switch o {
	case OutputSourceGrid:
		return "Grid"
	case OutputSourceSolar:
		return "Solar"
	case OutputSourceSBU:
		return "SBU"
	default:
		return "Unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o OutputSource) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// ChargeSource is the charger source priority setting.
type ChargeSource int

const (
	ChargeSourceUnknown ChargeSource = iota
	ChargeSourceGridFirst
	ChargeSourceSolarFirst
	ChargeSourceSolarAndGrid
	ChargeSourceSolarOnly
)

// ChargeSourceFromIndex maps the QPIRI charger source field to a ChargeSource.
func ChargeSourceFromIndex(index int) ChargeSource {
	switch index {
	case 0:
		return ChargeSourceGridFirst
	case 1:
		return ChargeSourceSolarFirst
	case 2:
		return ChargeSourceSolarAndGrid
	case 3:
		return ChargeSourceSolarOnly
	default:
		return ChargeSourceUnknown
	}
}

// String returns the published name of the charge source.
func (c ChargeSource) String() string {
	switch c {
	case ChargeSourceGridFirst:
		return "Grid First"
	case ChargeSourceSolarFirst:
		return "Solar First"
	case ChargeSourceSolarAndGrid:
		return "Solar + Grid"
	case ChargeSourceSolarOnly:
		return "Solar Only"
	default:
		return "Unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c ChargeSource) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}
