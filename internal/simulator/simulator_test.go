package simulator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpema/axpert/internal/domain"
	"github.com/hpema/axpert/internal/protocol"
)

func decode(t *testing.T, command string, reply []byte) *protocol.Response {
	t.Helper()
	parser := protocol.NewResponseParser(true)
	resp, err := parser.Parse(command, protocol.Extract(reply), time.Now())
	require.NoError(t, err)
	return resp
}

func TestStatusReplyLayout(t *testing.T) {
	inv := NewInverter()
	body := formatStatus(&inv.status)

	assert.Len(t, body, 107)
	assert.Equal(t, "(000.0 00.0 230.0 49.9 0161 0119 003 460 57.50 012 100 0069 0014 103.8 57.45 00000 00110110 00 00 00856 010", body)
}

func TestRespond(t *testing.T) {
	inv := NewInverter()

	mode := decode(t, protocol.CommandMode, inv.Respond(protocol.CommandMode))
	assert.Equal(t, domain.ModeBattery, mode.Mode.Mode)

	rating := decode(t, protocol.CommandRating, inv.Respond(protocol.CommandRating))
	require.Equal(t, protocol.KindRating, rating.Kind)
	assert.Equal(t, domain.OutputSourceSBU, rating.Rating.OutputSource)
	assert.Equal(t, domain.ChargeSourceSolarOnly, rating.Rating.ChargeSource)

	status := decode(t, protocol.CommandStatus, inv.Respond(protocol.CommandStatus))
	require.Equal(t, protocol.KindStatus, status.Kind)
	assert.Equal(t, 856, status.Status.PVPower)
	assert.Equal(t, 1453.2, status.Status.PVApparent)

	info := decode(t, protocol.CommandProtoID, inv.Respond(protocol.CommandProtoID))
	assert.Equal(t, protocol.KindInfo, info.Kind)
	assert.Equal(t, "PI30", info.Info[:4])

	assert.Equal(t, []string{"QMOD", "QPIRI", "QPIGS", "QPI"}, inv.Received())
}

func TestSettingCommands(t *testing.T) {
	tests := []struct {
		command string
		reply   string
		output  int
		charge  int
	}{
		{"POP00", ReplyACK, 0, 3},
		{"POP02", ReplyACK, 2, 3},
		{"POP03", ReplyNAK, 2, 3},
		{"PCP01", ReplyACK, 2, 1},
		{"PCP04", ReplyNAK, 2, 3},
		{"PCPx", ReplyNAK, 2, 3},
		{"QXYZ", ReplyNAK, 2, 3},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			inv := NewInverter()
			reply := protocol.Extract(inv.Respond(tt.command))
			assert.Equal(t, tt.reply, reply[:len(reply)-3])

			output, charge := inv.Sources()
			assert.Equal(t, tt.output, output)
			assert.Equal(t, tt.charge, charge)
		})
	}
}

func TestSilentInverter(t *testing.T) {
	inv := NewInverter()
	inv.SetSilent(true)
	assert.Nil(t, inv.Respond(protocol.CommandMode))
	assert.Len(t, inv.Received(), 1)
}

func TestFrameBuffer(t *testing.T) {
	builder := protocol.NewCommandBuilder()
	fb := newFrameBuffer()

	frame := builder.Encode(protocol.CommandMode)
	assert.Empty(t, fb.push(frame[:3]))
	assert.Equal(t, []string{"QMOD"}, fb.push(frame[3:]))

	both := append(builder.Encode(protocol.CommandStatus), builder.Encode("POP02")...)
	assert.Equal(t, []string{"QPIGS", "POP02"}, fb.push(both))
	assert.Empty(t, fb.pending)
}

func TestFrameBufferIgnoresBadChecksum(t *testing.T) {
	fb := newFrameBuffer()
	assert.Empty(t, fb.push([]byte("QMOD\x01\x02\r")))

	// A valid frame after garbage is still found.
	frame := protocol.NewCommandBuilder().Encode(protocol.CommandRating)
	assert.Equal(t, []string{"QPIRI"}, fb.push(frame))
	assert.Empty(t, fb.pending)
}

func TestDeviceChunksReplies(t *testing.T) {
	inv := NewInverter()
	dev := NewDevice(inv)

	_, err := dev.Write(protocol.NewCommandBuilder().Encode(protocol.CommandMode))
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := dev.ReadTimeout(buf, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, []byte{'(', 'B', 0xe7, 0xc9, '\r', 0, 0, 0}, buf)

	n, err = dev.ReadTimeout(buf, time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, dev.Close())
	_, err = dev.Write([]byte("QMOD"))
	assert.Error(t, err)
}

func TestServer(t *testing.T) {
	inv := NewInverter()
	server := NewServer(inv)
	require.NoError(t, server.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx) }()

	conn, err := net.DialTimeout("tcp", server.Addr(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(protocol.NewCommandBuilder().Encode(protocol.CommandMode))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "(B\xe7\xc9\r", string(buf[:n]))

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
