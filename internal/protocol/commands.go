// Package protocol provides frame encoding and response decoding for Voltronic/Axpert inverter communication.
package protocol

import (
	"encoding/hex"

	"github.com/sigurn/crc16"
)

// Query commands polled in steady state.
const (
	CommandMode    = "QMOD"  // Device mode inquiry
	CommandRating  = "QPIRI" // Device rating information inquiry
	CommandStatus  = "QPIGS" // Device general status parameters inquiry
	CommandProtoID = "QPI"   // Protocol ID inquiry
	CommandSerial  = "QID"   // Device serial number inquiry
)

// Frame layout constants.
const (
	MinReportSize = 8    // Frames shorter than one HID report are NUL padded
	FrameEnd      = '\r' // Every frame ends with a carriage return
	ResponseStart = '('  // Every reply starts with an opening parenthesis
	ChecksumSize  = 2
)

// CommandBuilder encodes commands into wire frames.
type CommandBuilder struct {
	crcTable *crc16.Table
}

// NewCommandBuilder creates a new command builder instance.
func NewCommandBuilder() *CommandBuilder {
	return &CommandBuilder{
		crcTable: crc16.MakeTable(crc16.CRC16_XMODEM),
	}
}

// Checksum returns the CRC-16/XMODEM of data.
func (cb *CommandBuilder) Checksum(data []byte) uint16 {
	return crc16.Checksum(data, cb.crcTable)
}

// Encode builds the frame for a command: the command bytes, the big endian
// checksum of those bytes and a carriage return, NUL padded to MinReportSize.
func (cb *CommandBuilder) Encode(command string) []byte {
	body := []byte(command)
	crc := cb.Checksum(body)

	frame := make([]byte, 0, len(body)+ChecksumSize+1+MinReportSize)
	frame = append(frame, body...)
	frame = append(frame, byte(crc>>8), byte(crc&0xFF), FrameEnd)

	for len(frame) < MinReportSize {
		frame = append(frame, 0x00)
	}

	return frame
}

// Extract turns the raw bytes read from the device into a candidate response
// string by dropping every NUL byte.
func Extract(raw []byte) string {
	out := make([]byte, 0, len(raw))
	for _, b := range raw {
		if b != 0x00 {
			out = append(out, b)
		}
	}
	return string(out)
}

// FormatFrameHex returns a hex representation of frame data for logging.
func FormatFrameHex(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return hex.EncodeToString(data)
}
