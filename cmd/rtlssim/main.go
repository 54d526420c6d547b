package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	url := pflag.String("url", "ws://localhost:8080/ws", "relay websocket url")
	mode := pflag.String("mode", "device", "device or dashboard")
	debug := pflag.Bool("debug", false, "sets log level to debug")
	opt := deviceOptions{}
	pflag.StringVar(&opt.Name, "name", "sim", "device name")
	pflag.StringVar(&opt.Type, "type", "phone", "device type")
	pflag.Float64Var(&opt.Lat, "lat", -6.2, "start latitude")
	pflag.Float64Var(&opt.Lon, "lon", 106.8, "start longitude")
	pflag.Float64Var(&opt.Step, "step", 0.0005, "max move per update in degrees")
	pflag.DurationVar(&opt.Interval, "interval", 2*time.Second, "time between updates")
	pflag.IntVar(&opt.Updates, "updates", 0, "stop after this many updates, 0 runs forever")
	pflag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	logger := log.With().Str("mode", *mode).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch *mode {
	case "device":
		err = runDevice(ctx, *url, opt, logger)
	case "dashboard":
		err = runDashboard(ctx, *url, logger, logEvent(logger))
	default:
		logger.Fatal().Msg("unknown mode")
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("simulator stopped")
	}
}
