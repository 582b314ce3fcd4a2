package transport

import (
	"fmt"
	"time"

	"github.com/bearsh/hid"
)

// HIDDevice talks to the inverter over its USB HID interface.
type HIDDevice struct {
	dev *hid.Device
}

// OpenHID opens the first HID device matching vendorID and productID.
func OpenHID(vendorID, productID uint16) (*HIDDevice, error) {
	infos := hid.Enumerate(vendorID, productID)
	if len(infos) == 0 {
		return nil, fmt.Errorf("%w: hid %04x:%04x", ErrDeviceNotFound, vendorID, productID)
	}

	dev, err := infos[0].Open()
	if err != nil {
		return nil, fmt.Errorf("open hid %04x:%04x: %w", vendorID, productID, err)
	}

	return &HIDDevice{dev: dev}, nil
}

// Write sends p as a sequence of ChunkSize byte reports.
func (d *HIDDevice) Write(p []byte) (int, error) {
	written := 0
	for start := 0; start < len(p); start += ChunkSize {
		report := make([]byte, ChunkSize)
		copy(report, p[start:])

		if _, err := d.dev.Write(report); err != nil {
			return written, err
		}
		written += min(ChunkSize, len(p)-start)
	}
	return written, nil
}

// ReadTimeout reads one report, waiting at most timeout.
func (d *HIDDevice) ReadTimeout(p []byte, timeout time.Duration) (int, error) {
	return d.dev.ReadTimeout(p, int(timeout.Milliseconds()))
}

// Close closes the HID handle.
func (d *HIDDevice) Close() error {
	return d.dev.Close()
}
