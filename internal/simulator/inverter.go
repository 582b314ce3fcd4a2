// Package simulator emulates a Voltronic/Axpert inverter for tests and local development.
package simulator

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/hpema/axpert/internal/domain"
	"github.com/hpema/axpert/internal/protocol"
)

// Reply bodies for commands that change settings.
const (
	ReplyACK = "(ACK"
	ReplyNAK = "(NAK"
)

const ratingTemplate = "(230.0 21.7 230.0 50.0 21.7 5000 4000 48.0 46.0 42.0 56.4 54.0 2 02 060 0 %d %d 9 01 0 0 54.0 0 1 000"

// Inverter holds the emulated device state and answers commands.
type Inverter struct {
	mu           sync.RWMutex
	builder      *protocol.CommandBuilder
	mode         byte
	outputSource int
	chargeSource int
	serial       string
	status       domain.GeneralStatus
	silent       bool
	received     []string
}

// NewInverter creates an inverter running on battery with a sunny afternoon's readings.
func NewInverter() *Inverter {
	return &Inverter{
		builder:      protocol.NewCommandBuilder(),
		mode:         'B',
		outputSource: 2,
		chargeSource: 3,
		serial:       "92932004102443",
		status: domain.GeneralStatus{
			OutputVoltage:     230.0,
			OutputFrequency:   49.9,
			OutputApparent:    161,
			OutputPower:       119,
			OutputLoad:        3,
			BatteryVoltage:    57.5,
			BatteryChargeA:    12,
			BatteryCapacity:   100,
			Temperature:       69,
			PVCurrent:         14,
			PVVoltage:         103.8,
			SCCBatteryVoltage: 57.45,
			PVPower:           856,
			OnSolar:           1,
			Charging:          1,
			ChargeSCC:         1,
		},
	}
}

// SetMode sets the QMOD mode character.
func (inv *Inverter) SetMode(code byte) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.mode = code
}

// SetSilent makes the inverter swallow commands without replying.
func (inv *Inverter) SetSilent(silent bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.silent = silent
}

// UpdateStatus applies fn to the general status values.
func (inv *Inverter) UpdateStatus(fn func(status *domain.GeneralStatus)) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	fn(&inv.status)
}

// Sources returns the output and charger source priorities.
func (inv *Inverter) Sources() (output, charge int) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.outputSource, inv.chargeSource
}

// Received returns the commands received so far.
func (inv *Inverter) Received() []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return append([]string(nil), inv.received...)
}

// Respond returns the reply frame for a command, or nil when the inverter is silent.
func (inv *Inverter) Respond(command string) []byte {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	inv.received = append(inv.received, command)
	if inv.silent {
		return nil
	}

	return inv.frame(inv.reply(command))
}

func (inv *Inverter) reply(command string) string {
	switch {
	case command == protocol.CommandMode:
		return "(" + string(inv.mode)
	case command == protocol.CommandRating:
		return fmt.Sprintf(ratingTemplate, inv.outputSource, inv.chargeSource)
	case command == protocol.CommandStatus:
		return formatStatus(&inv.status)
	case command == protocol.CommandProtoID:
		return "(PI30"
	case command == protocol.CommandSerial:
		return "(" + inv.serial
	case strings.HasPrefix(command, "POP"):
		return inv.setSource(command[3:], 2, &inv.outputSource)
	case strings.HasPrefix(command, "PCP"):
		return inv.setSource(command[3:], 3, &inv.chargeSource)
	default:
		return ReplyNAK
	}
}

func (inv *Inverter) setSource(arg string, max int, target *int) string {
	if len(arg) != 2 {
		return ReplyNAK
	}
	v, err := strconv.Atoi(arg)
	if err != nil || v < 0 || v > max {
		return ReplyNAK
	}
	*target = v
	return ReplyACK
}

// frame appends the checksum the way the firmware does, bumping reserved bytes.
func (inv *Inverter) frame(body string) []byte {
	crc := protocol.AdjustChecksum(inv.builder.Checksum([]byte(body)))
	out := make([]byte, 0, len(body)+3)
	out = append(out, body...)
	return append(out, byte(crc>>8), byte(crc), protocol.FrameEnd)
}

// formatStatus renders the QPIGS reply body. Every field has a fixed width so
// the body is always 107 bytes long.
func formatStatus(s *domain.GeneralStatus) string {
	flags := fmt.Sprintf("00%d10%d%d%d", s.OnSolar, s.Charging, s.ChargeSCC, s.ChargeAC)
	return fmt.Sprintf("(%05.1f %04.1f %05.1f %04.1f %04d %04d %03d %03d %05.2f %03d %03d %04d %04d %05.1f %05.2f %05d %s 00 00 %05d 010",
		s.InputVoltage, s.InputFrequency, s.OutputVoltage, s.OutputFrequency,
		s.OutputApparent, s.OutputPower, s.OutputLoad, 460,
		s.BatteryVoltage, s.BatteryChargeA, s.BatteryCapacity, s.Temperature,
		s.PVCurrent, s.PVVoltage, s.SCCBatteryVoltage, s.BatteryDischargeA,
		flags, s.PVPower)
}
