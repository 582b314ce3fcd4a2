// Package transport provides bounded-timeout byte exchange with the inverter.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hpema/axpert/internal/config"
)

// ChunkSize is the size of a single read operation, one HID report.
const ChunkSize = 8

// ErrDeviceNotFound is returned when the configured device cannot be located.
var ErrDeviceNotFound = errors.New("inverter device not found")

// Device is a raw byte channel to the inverter.
type Device interface {
	// Write sends p to the device.
	Write(p []byte) (int, error)

	// ReadTimeout reads into p, waiting at most timeout. A timeout is
	// reported as zero bytes read and a nil error.
	ReadTimeout(p []byte, timeout time.Duration) (int, error)

	// Close releases the device.
	Close() error
}

// Transport serializes access to a Device and implements the bounded
// flush/write/read contract used by the polling loop.
type Transport struct {
	device Device
	mu     sync.Mutex
	logger zerolog.Logger
}

// New wraps an open device.
func New(device Device) *Transport {
	return &Transport{
		device: device,
		logger: log.With().Str("component", "transport").Logger(),
	}
}

// Open opens the device selected by the configuration.
func Open(cfg *config.Config) (*Transport, error) {
	var (
		device Device
		err    error
	)

	switch cfg.Device.Transport {
	case config.TransportHID:
		device, err = OpenHID(cfg.Device.VendorID, cfg.Device.ProductID)
	case config.TransportSerial:
		device, err = OpenSerial(cfg.Device.SerialPort, cfg.Device.Baud)
	case config.TransportTCP:
		device, err = DialTCP(cfg.Device.Address, dialTimeout)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Device.Transport)
	}
	if err != nil {
		return nil, err
	}

	return New(device), nil
}

// Flush discards anything the device has buffered. It reads the same way as
// Read and ignores both the data and any error.
func (t *Transport) Flush(timeout time.Duration, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	discarded, _ := t.read(timeout, attempts)
	if len(discarded) > 0 {
		t.logger.Debug().
			Int("bytes", len(discarded)).
			Msg("Discarded stale bytes")
	}
}

// Write sends a frame. Failures are logged and returned but never leave the
// transport in an unusable state.
func (t *Transport) Write(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.device.Write(frame)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Failed to write frame")
		return fmt.Errorf("write frame: %w", err)
	}

	t.logger.Trace().
		Int("bytes", n).
		Msg("Frame written")
	return nil
}

// Read performs up to attempts reads of ChunkSize bytes, each bounded by
// timeout, and returns the non-zero bytes received. It stops early once a
// carriage return has been read. A device error is returned only when
// nothing at all was received.
func (t *Transport) Read(timeout time.Duration, attempts int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.read(timeout, attempts)
}

func (t *Transport) read(timeout time.Duration, attempts int) ([]byte, error) {
	var (
		reply   []byte
		lastErr error
	)
	buf := make([]byte, ChunkSize)

	for i := 0; i < attempts; i++ {
		n, err := t.device.ReadTimeout(buf, timeout)
		if err != nil {
			lastErr = err
		}

		done := false
		for _, b := range buf[:n] {
			if b == 0x00 {
				continue
			}
			reply = append(reply, b)
			if b == '\r' {
				done = true
			}
		}
		if done {
			break
		}
	}

	if len(reply) == 0 && lastErr != nil {
		return nil, fmt.Errorf("read reply: %w", lastErr)
	}
	return reply, nil
}

// Close closes the underlying device.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.device.Close()
}
