package transport

import (
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 2 * time.Second
)

// TCPDevice talks to an inverter behind a serial to TCP bridge, or to the
// simulator.
type TCPDevice struct {
	conn net.Conn
}

// DialTCP connects to address.
func DialTCP(address string, timeout time.Duration) (*TCPDevice, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return &TCPDevice{conn: conn}, nil
}

// Write sends p to the connection.
func (d *TCPDevice) Write(p []byte) (int, error) {
	if err := d.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return 0, fmt.Errorf("failed to set write deadline: %w", err)
	}
	return d.conn.Write(p)
}

// ReadTimeout reads from the connection, waiting at most timeout.
func (d *TCPDevice) ReadTimeout(p []byte, timeout time.Duration) (int, error) {
	if err := d.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, fmt.Errorf("failed to set read deadline: %w", err)
	}

	n, err := d.conn.Read(p)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

// Close closes the connection.
func (d *TCPDevice) Close() error {
	return d.conn.Close()
}
