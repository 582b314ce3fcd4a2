// Package protocol provides response validation and decoding for Voltronic/Axpert inverter communication.
package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/hpema/axpert/internal/domain"
)

// Decode errors. Callers match them with errors.Is.
var (
	ErrEmptyResponse    = errors.New("empty response")
	ErrShortResponse    = errors.New("response too short")
	ErrMissingDelimiter = errors.New("response does not start with '('")
	ErrChecksum         = errors.New("response checksum mismatch")
	ErrFieldCount       = errors.New("response has too few fields")
	ErrInvalidField     = errors.New("invalid response field")
)

// Minimum reply lengths before a structured decode is attempted. Shorter replies
// to these commands are passed through as informational text.
const (
	minResponseLen = 3
	ratingLen      = 95
	statusLen      = 107
)

// Field positions of the QPIRI reply.
const (
	ratingOutputSource = 16
	ratingChargeSource = 17
)

// Field positions of the QPIGS reply.
const (
	statusInputVoltage = iota
	statusInputFrequency
	statusOutputVoltage
	statusOutputFrequency
	statusOutputApparent
	statusOutputPower
	statusOutputLoad
	statusBusVoltage
	statusBatteryVoltage
	statusBatteryChargeA
	statusBatteryCapacity
	statusTemperature
	statusPVCurrent
	statusPVVoltage
	statusSCCBatteryVoltage
	statusBatteryDischargeA
	statusDeviceFlags
	statusFanOffset
	statusEEPROMVersion
	statusPVPower
)

// Bit positions inside the QPIGS device status field.
const (
	flagOnSolar   = 2
	flagCharging  = 5
	flagChargeSCC = 6
	flagChargeAC  = 7
)

// Kind identifies which record a response was decoded into.
type Kind int

const (
	KindInfo Kind = iota
	KindMode
	KindRating
	KindStatus
)

// String returns the string representation of the response kind.
func (k Kind) String() string {
	switch k {
	case KindMode:
		return "mode"
	case KindRating:
		return "rating"
	case KindStatus:
		return "status"
	default:
		return "info"
	}
}

// Response is a decoded inverter reply.
type Response struct {
	Command string
	Kind    Kind
	Mode    *domain.ModeStatus
	Rating  *domain.RatingInfo
	Status  *domain.GeneralStatus
	Info    string
}

// ResponseParser validates and decodes replies. It keeps no state between calls.
type ResponseParser struct {
	commandBuilder *CommandBuilder
	verifyCRC      bool
}

// NewResponseParser creates a new response parser. With verifyCRC set, replies
// whose trailing checksum does not match their body are rejected.
func NewResponseParser(verifyCRC bool) *ResponseParser {
	return &ResponseParser{
		commandBuilder: NewCommandBuilder(),
		verifyCRC:      verifyCRC,
	}
}

// Validate applies the structural checks common to every reply.
func (rp *ResponseParser) Validate(response string) error {
	if response == "" {
		return ErrEmptyResponse
	}
	if len(response) < minResponseLen {
		return fmt.Errorf("%w: %d bytes", ErrShortResponse, len(response))
	}
	if response[0] != ResponseStart {
		return ErrMissingDelimiter
	}
	if rp.verifyCRC {
		return rp.VerifyChecksum(response)
	}
	return nil
}

// VerifyChecksum checks the two bytes preceding the trailing carriage return
// against the checksum of everything before them. The inverter bumps checksum
// bytes that collide with '(', CR or LF, so both variants are accepted.
func (rp *ResponseParser) VerifyChecksum(response string) error {
	n := len(response)
	if n < ChecksumSize+2 || response[n-1] != FrameEnd {
		return fmt.Errorf("%w: unterminated response", ErrChecksum)
	}

	body := []byte(response[:n-3])
	received := uint16(response[n-3])<<8 | uint16(response[n-2])
	calculated := rp.commandBuilder.Checksum(body)

	if received != calculated && received != AdjustChecksum(calculated) {
		return fmt.Errorf("%w: expected 0x%04X, got 0x%04X", ErrChecksum, calculated, received)
	}
	return nil
}

// AdjustChecksum applies the inverter's reserved byte rule: a checksum byte equal
// to '(', CR or LF is incremented by one.
func AdjustChecksum(crc uint16) uint16 {
	lo := byte(crc)
	hi := byte(crc >> 8)
	if lo == 0x28 || lo == 0x0d || lo == 0x0a {
		lo++
	}
	if hi == 0x28 || hi == 0x0d || hi == 0x0a {
		hi++
	}
	return uint16(hi)<<8 | uint16(lo)
}

// Parse validates a reply and decodes it according to the command that was sent.
func (rp *ResponseParser) Parse(command, response string, now time.Time) (*Response, error) {
	if err := rp.Validate(response); err != nil {
		return nil, err
	}

	switch {
	case command == CommandMode:
		return &Response{
			Command: command,
			Kind:    KindMode,
			Mode: &domain.ModeStatus{
				Mode: domain.ModeFromCode(response[1]),
				Time: now,
			},
		}, nil

	case command == CommandRating && len(response) > ratingLen:
		rating, err := parseRating(response[1:ratingLen], now)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", command, err)
		}
		return &Response{Command: command, Kind: KindRating, Rating: rating}, nil

	case command == CommandStatus && len(response) > statusLen:
		status, err := parseStatus(response[1:statusLen], now)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", command, err)
		}
		return &Response{Command: command, Kind: KindStatus, Status: status}, nil

	default:
		return &Response{
			Command: command,
			Kind:    KindInfo,
			Info:    response[1:],
		}, nil
	}
}

// parseRating decodes the body of a QPIRI reply.
func parseRating(body string, now time.Time) (*domain.RatingInfo, error) {
	r := newFieldReader(body)
	info := &domain.RatingInfo{
		OutputSource: domain.OutputSourceFromIndex(r.int(ratingOutputSource)),
		ChargeSource: domain.ChargeSourceFromIndex(r.int(ratingChargeSource)),
		Time:         now,
	}
	if r.err != nil {
		return nil, r.err
	}
	return info, nil
}

// parseStatus decodes the body of a QPIGS reply.
func parseStatus(body string, now time.Time) (*domain.GeneralStatus, error) {
	r := newFieldReader(body)
	status := &domain.GeneralStatus{
		InputVoltage:      r.float(statusInputVoltage),
		InputFrequency:    r.float(statusInputFrequency),
		OutputVoltage:     r.float(statusOutputVoltage),
		OutputFrequency:   r.float(statusOutputFrequency),
		OutputApparent:    r.int(statusOutputApparent),
		OutputPower:       r.int(statusOutputPower),
		OutputLoad:        r.int(statusOutputLoad),
		BatteryChargeA:    r.int(statusBatteryChargeA),
		BatteryDischargeA: r.int(statusBatteryDischargeA),
		BatteryVoltage:    r.float(statusBatteryVoltage),
		BatteryCapacity:   r.int(statusBatteryCapacity),
		SCCBatteryVoltage: r.float(statusSCCBatteryVoltage),
		PVCurrent:         r.int(statusPVCurrent),
		PVVoltage:         r.float(statusPVVoltage),
		PVPower:           r.int(statusPVPower),
		Temperature:       r.int(statusTemperature),
		OnSolar:           r.flag(statusDeviceFlags, flagOnSolar),
		Charging:          r.flag(statusDeviceFlags, flagCharging),
		ChargeSCC:         r.flag(statusDeviceFlags, flagChargeSCC),
		ChargeAC:          r.flag(statusDeviceFlags, flagChargeAC),
		Time:              now,
	}
	if r.err != nil {
		return nil, r.err
	}

	status.PVApparent = math.Round(status.PVVoltage*float64(status.PVCurrent)*10) / 10
	return status, nil
}

// fieldReader reads positional space separated fields and keeps the first error.
type fieldReader struct {
	fields []string
	err    error
}

func newFieldReader(body string) *fieldReader {
	return &fieldReader{fields: strings.Split(body, " ")}
}

func (r *fieldReader) field(i int) (string, bool) {
	if r.err != nil {
		return "", false
	}
	if i >= len(r.fields) {
		r.err = fmt.Errorf("%w: need field %d, have %d", ErrFieldCount, i, len(r.fields))
		return "", false
	}
	return r.fields[i], true
}

func (r *fieldReader) float(i int) float64 {
	s, ok := r.field(i)
	if !ok {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		r.err = fmt.Errorf("%w: field %d %q", ErrInvalidField, i, s)
		return 0
	}
	return v
}

func (r *fieldReader) int(i int) int {
	s, ok := r.field(i)
	if !ok {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		r.err = fmt.Errorf("%w: field %d %q", ErrInvalidField, i, s)
		return 0
	}
	return v
}

func (r *fieldReader) flag(i, pos int) int {
	s, ok := r.field(i)
	if !ok {
		return 0
	}
	if pos >= len(s) || s[pos] < '0' || s[pos] > '9' {
		r.err = fmt.Errorf("%w: field %d %q has no digit at %d", ErrInvalidField, i, s, pos)
		return 0
	}
	return int(s[pos] - '0')
}
