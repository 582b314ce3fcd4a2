package simulator

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var errClosed = errors.New("simulator: device closed")

// Server exposes an Inverter over TCP, one command per frame.
type Server struct {
	inverter *Inverter
	listener net.Listener
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewServer creates a TCP server for inv.
func NewServer(inv *Inverter) *Server {
	return &Server{
		inverter: inv,
		logger:   log.With().Str("component", "simulator").Logger(),
	}
}

// Listen binds address. Use "127.0.0.1:0" for an ephemeral port.
func (s *Server) Listen(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = listener
	s.logger.Info().Str("address", listener.Addr().String()).Msg("Simulator listening")
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return err
		}

		s.wg.Add(1)
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	addr := conn.RemoteAddr().String()
	s.logger.Info().Str("address", addr).Msg("Client connected")

	frames := newFrameBuffer()
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			s.logger.Info().Str("address", addr).Err(err).Msg("Client disconnected")
			return
		}

		for _, command := range frames.push(buf[:n]) {
			s.logger.Debug().Str("command", command).Msg("Command received")
			reply := s.inverter.Respond(command)
			if len(reply) == 0 {
				continue
			}
			if _, err := conn.Write(reply); err != nil {
				s.logger.Error().Err(err).Msg("Failed to write reply")
				return
			}
		}
	}
}
