// Package main runs a TCP server that answers like an Axpert inverter, for
// exercising the daemon with device.transport=tcp.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hpema/axpert/internal/domain"
	"github.com/hpema/axpert/internal/simulator"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8899", "Address to accept daemon connections on (host:port)")
		interval   = flag.Duration("interval", 10*time.Second, "Interval between changes of the simulated readings")
		mode       = flag.String("mode", "B", "QMOD mode character to report (P, S, L, B, F, H, D)")
		verbose    = flag.Bool("verbose", false, "Log every received command")
		help       = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		fmt.Printf("Axpert Inverter Simulator\n\n")
		fmt.Printf("Answers QMOD, QPIRI and QPIGS with CRC framed replies and acknowledges\n")
		fmt.Printf("setter commands, so the daemon can run against it with device.transport=tcp.\n\n")
		fmt.Printf("Usage:\n")
		flag.PrintDefaults()
		fmt.Printf("\nExample:\n")
		fmt.Printf("  %s -listen 127.0.0.1:8899 -interval 5s -verbose\n", os.Args[0])
		os.Exit(0)
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	if _, _, err := net.SplitHostPort(*listenAddr); err != nil {
		log.Fatal().Err(err).Str("address", *listenAddr).Msg("Invalid listen address")
	}
	if len(*mode) != 1 {
		log.Fatal().Str("mode", *mode).Msg("Mode must be a single character")
	}

	inv := simulator.NewInverter()
	inv.SetMode((*mode)[0])

	server := simulator.NewServer(inv)
	if err := server.Listen(*listenAddr); err != nil {
		log.Fatal().Err(err).Msg("Failed to listen")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
	}()

	go driftReadings(ctx, inv, *interval, rand.New(rand.NewSource(time.Now().UnixNano())))

	if err := server.Serve(ctx); err != nil {
		log.Fatal().Err(err).Msg("Simulator error")
	}
}

// driftReadings nudges the simulated readings every interval until ctx is done.
func driftReadings(ctx context.Context, inv *simulator.Inverter, interval time.Duration, rng *rand.Rand) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			inv.UpdateStatus(func(status *domain.GeneralStatus) {
				vary(status, rng)
			})
		}
	}
}

// vary moves PV and load readings by a few percent and keeps the derived
// values consistent with them.
func vary(status *domain.GeneralStatus, rng *rand.Rand) {
	status.PVPower = clamp(status.PVPower+rng.Intn(81)-40, 0, 4000)
	status.OutputPower = clamp(status.OutputPower+rng.Intn(41)-20, 0, 4000)
	status.OutputApparent = status.OutputPower + status.OutputPower/4
	status.OutputLoad = status.OutputApparent * 100 / 5000

	if status.PVVoltage > 0 {
		status.PVCurrent = int(float64(status.PVPower) / status.PVVoltage)
	}

	status.OnSolar = 0
	status.ChargeSCC = 0
	if status.PVPower > 0 {
		status.OnSolar = 1
		status.ChargeSCC = 1
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
