package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"nuha.dev/gpsgateway/internal/gateway/tunnel"
)

var eaddr = pflag.String("eaddr", ":5555", "address for external device connections")
var taddr = pflag.String("taddr", ":5556", "address for the gateway tunnel connection")
var secret = pflag.String("token", "", "token for tunnel auth")
var certfile = pflag.String("cert", "", "tls certificate file")
var keyfile = pflag.String("key", "", "tls key file")
var debug = pflag.Bool("debug", false, "sets log level to debug")

func main() {
	pflag.Parse()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if *secret == "" {
		log.Fatal().Msg("--token is required")
	}

	config := tunnel.RelayConfig{PublicAddr: *eaddr, TunnelAddr: *taddr, Token: *secret}
	if *certfile != "" || *keyfile != "" {
		cert, err := tls.LoadX509KeyPair(*certfile, *keyfile)
		if err != nil {
			log.Fatal().Err(err).Msg("loading certificate")
		}
		config.TLS = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	r := tunnel.NewRelay(config)
	if err := r.Listen(); err != nil {
		log.Fatal().Err(err).Msg("unable to listen")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := r.Serve(ctx); err != nil {
		log.Error().Err(err).Msg("relay stopped")
		os.Exit(1)
	}
}
