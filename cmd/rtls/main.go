package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"
	"github.com/spf13/pflag"

	"nuha.dev/rtls/internal/config"
	"nuha.dev/rtls/internal/mirror"
	"nuha.dev/rtls/internal/monitoring"
	"nuha.dev/rtls/internal/relay/heartbeat"
	"nuha.dev/rtls/internal/relay/server"
	"nuha.dev/rtls/internal/tunnel"
	"nuha.dev/rtls/internal/webstream"
)

func main() {
	c, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load config")
	}
	logger := c.Logger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scfg := server.Config{}
	if c.Nats.URL != "" {
		m, nc, err := mirror.Connect(c.Nats.URL, c.Nats.Subject, 0, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("nats_url", c.Nats.URL).Msg("unable to connect to nats")
		}
		defer nc.Drain()
		go m.Run(ctx)
		scfg.Mirror = m
	}
	relay := server.NewServer(scfg, logger)
	hb := heartbeat.NewSupervisor(relay, c.Heartbeat, logger)
	go hb.Run(ctx)
	ws := webstream.NewWebstream(relay, c.WS, logger)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/", ws)
	r.Handle("/ws", ws)

	var mon *monitoring.MonitoringServer
	if c.MonitorAddr != "" {
		mon = monitoring.NewMonApi(relay, hb, &monitoring.MonitoringConfig{ListenAddr: c.MonitorAddr}, logger)
		go func() {
			err := mon.Run()
			if err != nil {
				logger.Error().Err(err).Msg("monitoring api stopped")
			}
		}()
	}
	if c.Tunnel.Addr != "" {
		go tunnel.New(c.Tunnel, r, logger).Run(ctx)
	}

	var hs *http.Server
	if c.ListenAddr != "" {
		ln, err := listen(c)
		if err != nil {
			logger.Fatal().Err(err).Str("addr", c.ListenAddr).Msg("unable to listen")
		}
		hs = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second, MaxHeaderBytes: 1 << 20}
		go func() {
			logger.Info().Str("addr", c.ListenAddr).Bool("tls", c.TLSCert != "").Bool("proxy_protocol", c.ProxyProtocol).Msg("relay listening")
			err := hs.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("relay listener stopped")
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if hs != nil {
		hs.Shutdown(sctx)
	}
	// hijacked websocket connections are not tracked by http.Server
	ws.Shutdown()
	if mon != nil {
		mon.Shutdown(sctx)
	}
}

func listen(c *config.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", c.ListenAddr)
	if err != nil {
		return nil, err
	}
	if c.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}
	if c.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCert, c.TLSKey)
		if err != nil {
			ln.Close()
			return nil, err
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	return ln, nil
}
