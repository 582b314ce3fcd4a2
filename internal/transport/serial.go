package transport

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// serialReadTimeout is the port level timeout. ReadTimeout keeps reading until
// its own deadline passes.
const serialReadTimeout = 50 * time.Millisecond

// SerialDevice talks to the inverter over an RS232 or USB serial adapter.
type SerialDevice struct {
	port *serial.Port
}

// OpenSerial opens the serial port at the given baud rate, 8N1.
func OpenSerial(name string, baud int) (*SerialDevice, error) {
	portConfig := &serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: serialReadTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}

	port, err := serial.OpenPort(portConfig)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}

	return &SerialDevice{port: port}, nil
}

// Write sends p to the port.
func (d *SerialDevice) Write(p []byte) (int, error) {
	return d.port.Write(p)
}

// ReadTimeout reads whatever arrives before timeout elapses.
func (d *SerialDevice) ReadTimeout(p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		n, err := d.port.Read(p)
		if n > 0 {
			return n, nil
		}
		// tarm/serial reports an expired port timeout as io.EOF.
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if !time.Now().Before(deadline) {
			return 0, nil
		}
	}
}

// Close closes the port.
func (d *SerialDevice) Close() error {
	return d.port.Close()
}
