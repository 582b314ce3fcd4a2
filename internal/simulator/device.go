package simulator

import (
	"bytes"
	"sync"
	"time"

	"github.com/hpema/axpert/internal/protocol"
)

// maxPending bounds the bytes kept while waiting for a complete frame.
const maxPending = 512

// frameBuffer collects written bytes and splits them into commands. A command
// ends at the first carriage return whose two preceding bytes are the checksum
// of the bytes before them, so checksum bytes equal to CR are handled.
type frameBuffer struct {
	builder *protocol.CommandBuilder
	pending []byte
}

func newFrameBuffer() *frameBuffer {
	return &frameBuffer{builder: protocol.NewCommandBuilder()}
}

// push appends p and returns every complete command.
func (fb *frameBuffer) push(p []byte) []string {
	for _, b := range p {
		if b == 0x00 && len(fb.pending) == 0 {
			continue
		}
		fb.pending = append(fb.pending, b)
	}

	var commands []string
	for {
		command, rest, ok := fb.next()
		if !ok {
			break
		}
		commands = append(commands, command)
		fb.pending = bytes.TrimLeft(rest, "\x00")
	}

	if len(fb.pending) > maxPending {
		fb.pending = nil
	}
	return commands
}

func (fb *frameBuffer) next() (string, []byte, bool) {
	// A frame starts at the beginning of the buffer or right after a CR that
	// ended unparseable garbage.
	starts := []int{0}
	for i := 0; i < len(fb.pending); i++ {
		if fb.pending[i] != protocol.FrameEnd {
			continue
		}
		for _, start := range starts {
			if i-start < protocol.ChecksumSize+1 {
				continue
			}
			body := bytes.TrimLeft(fb.pending[start:i-protocol.ChecksumSize], "\x00")
			crc := uint16(fb.pending[i-2])<<8 | uint16(fb.pending[i-1])
			if len(body) > 0 && crc == fb.builder.Checksum(body) {
				return string(body), fb.pending[i+1:], true
			}
		}
		starts = append(starts, i+1)
	}
	return "", nil, false
}

// Device is an in-memory transport.Device backed by an Inverter. Replies are
// returned in report sized chunks, NUL padded like the USB interface.
type Device struct {
	inverter *Inverter
	mu       sync.Mutex
	frames   *frameBuffer
	outbox   []byte
	closed   bool
}

// NewDevice creates a device for inv.
func NewDevice(inv *Inverter) *Device {
	return &Device{
		inverter: inv,
		frames:   newFrameBuffer(),
	}
}

// Write feeds bytes to the inverter and queues its replies.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, errClosed
	}

	for _, command := range d.frames.push(p) {
		d.outbox = append(d.outbox, d.inverter.Respond(command)...)
	}
	return len(p), nil
}

// ReadTimeout returns the next chunk of queued reply bytes. An empty outbox
// behaves like a timeout.
func (d *Device) ReadTimeout(p []byte, _ time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, errClosed
	}
	if len(d.outbox) == 0 {
		return 0, nil
	}

	n := copy(p[:min(len(p), 8)], d.outbox)
	d.outbox = d.outbox[n:]
	for i := n; i < len(p) && i < 8; i++ {
		p[i] = 0x00
	}
	return min(len(p), 8), nil
}

// Inject queues raw bytes as if the inverter had sent them unprompted.
func (d *Device) Inject(raw []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outbox = append(d.outbox, raw...)
}

// Close marks the device closed.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
