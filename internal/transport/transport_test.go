package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpema/axpert/internal/config"
)

// scriptedDevice replays a fixed sequence of read chunks.
type scriptedDevice struct {
	chunks   [][]byte
	readErr  error
	writeErr error
	reads    int
	written  [][]byte
	closed   bool
}

func (d *scriptedDevice) Write(p []byte) (int, error) {
	if d.writeErr != nil {
		return 0, d.writeErr
	}
	d.written = append(d.written, append([]byte(nil), p...))
	return len(p), nil
}

func (d *scriptedDevice) ReadTimeout(p []byte, _ time.Duration) (int, error) {
	d.reads++
	if len(d.chunks) == 0 {
		return 0, d.readErr
	}
	chunk := d.chunks[0]
	d.chunks = d.chunks[1:]
	return copy(p, chunk), nil
}

func (d *scriptedDevice) Close() error {
	d.closed = true
	return nil
}

func TestReadStopsAtCarriageReturn(t *testing.T) {
	device := &scriptedDevice{
		chunks: [][]byte{
			[]byte("(B\xe7\xc9\r\x00\x00\x00"),
			[]byte("(L\x00\x00\x00\x00\x00\x00"),
		},
	}
	tr := New(device)

	reply, err := tr.Read(10*time.Millisecond, 20)
	require.NoError(t, err)
	assert.Equal(t, []byte("(B\xe7\xc9\r"), reply)
	assert.Equal(t, 1, device.reads)
}

func TestReadAccumulatesChunks(t *testing.T) {
	device := &scriptedDevice{
		chunks: [][]byte{
			[]byte("(230.0 2"),
			{},
			[]byte("1.7\x00\x00\x00\x00\x00"),
			[]byte(" 000\x12\x34\r\x00"),
		},
	}
	tr := New(device)

	reply, err := tr.Read(10*time.Millisecond, 20)
	require.NoError(t, err)
	assert.Equal(t, "(230.0 21.7 000\x12\x34\r", string(reply))
	assert.Equal(t, 4, device.reads)
}

func TestReadIsBoundedByAttempts(t *testing.T) {
	device := &scriptedDevice{}
	tr := New(device)

	reply, err := tr.Read(time.Millisecond, 5)
	require.NoError(t, err)
	assert.Empty(t, reply)
	assert.Equal(t, 5, device.reads)
}

func TestReadReturnsPartialReply(t *testing.T) {
	device := &scriptedDevice{
		chunks:  [][]byte{[]byte("(000.0 0")},
		readErr: errors.New("pipe error"),
	}
	tr := New(device)

	reply, err := tr.Read(time.Millisecond, 3)
	require.NoError(t, err)
	assert.Equal(t, "(000.0 0", string(reply))
}

func TestReadReportsErrorWhenNothingRead(t *testing.T) {
	device := &scriptedDevice{readErr: errors.New("device gone")}
	tr := New(device)

	reply, err := tr.Read(time.Millisecond, 3)
	assert.Nil(t, reply)
	assert.ErrorContains(t, err, "device gone")
}

func TestFlushDiscards(t *testing.T) {
	device := &scriptedDevice{
		chunks: [][]byte{
			[]byte("(NAK\x73\x73\r\x00"),
			[]byte("(B\xe7\xc9\r\x00\x00\x00"),
		},
	}
	tr := New(device)

	tr.Flush(time.Millisecond, 20)
	assert.Equal(t, 1, device.reads)

	reply, err := tr.Read(time.Millisecond, 20)
	require.NoError(t, err)
	assert.Equal(t, "(B\xe7\xc9\r", string(reply))
}

func TestFlushIgnoresErrors(t *testing.T) {
	device := &scriptedDevice{readErr: errors.New("timeout")}
	tr := New(device)

	tr.Flush(time.Millisecond, 4)
	assert.Equal(t, 4, device.reads)
}

func TestWrite(t *testing.T) {
	device := &scriptedDevice{}
	tr := New(device)

	frame := []byte{'Q', 'P', 'I', 'G', 'S', 0xb7, 0xa9, '\r'}
	require.NoError(t, tr.Write(frame))
	require.Len(t, device.written, 1)
	assert.Equal(t, frame, device.written[0])
}

func TestWriteFailure(t *testing.T) {
	device := &scriptedDevice{writeErr: errors.New("broken pipe")}
	tr := New(device)

	err := tr.Write([]byte("QMOD"))
	assert.ErrorContains(t, err, "broken pipe")
}

func TestClose(t *testing.T) {
	device := &scriptedDevice{}
	tr := New(device)

	require.NoError(t, tr.Close())
	assert.True(t, device.closed)
}

func TestTCPDevice(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 8)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		_, _ = conn.Write([]byte("(B\xe7\xc9\r"))
		time.Sleep(200 * time.Millisecond)
	}()

	device, err := DialTCP(listener.Addr().String(), time.Second)
	require.NoError(t, err)
	tr := New(device)
	defer tr.Close()

	require.NoError(t, tr.Write([]byte("QMOD\x49\xc1\r\x00")))

	reply, err := tr.Read(100*time.Millisecond, 20)
	require.NoError(t, err)
	assert.Equal(t, "(B\xe7\xc9\r", string(reply))
}

func TestTCPDeviceTimeoutIsNotAnError(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		<-done
	}()

	device, err := DialTCP(listener.Addr().String(), time.Second)
	require.NoError(t, err)
	defer device.Close()

	n, err := device.ReadTimeout(make([]byte, ChunkSize), 20*time.Millisecond)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpenUnknownTransport(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Device.Transport = "carrier-pigeon"

	tr, err := Open(cfg)
	assert.Nil(t, tr)
	assert.ErrorContains(t, err, "unknown transport")
}

func TestOpenTCPUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	cfg := config.DefaultConfig()
	cfg.Device.Transport = config.TransportTCP
	cfg.Device.Address = addr

	tr, err := Open(cfg)
	assert.Nil(t, tr)
	assert.Error(t, err)
}
