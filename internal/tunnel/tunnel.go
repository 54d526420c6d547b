package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/phuslu/log"

	"nuha.dev/rtls/internal/util/wc"
)

var ErrRejected = errors.New("tunnel rejected")

type Config struct {
	Addr  string
	Token string
	// Retry is the pause between dial attempts, 2s when zero.
	Retry time.Duration
}

// Tunnel serves handler over a yamux session dialled out to a tunnel server,
// for deployments where the relay cannot accept inbound connections.
type Tunnel struct {
	config  Config
	handler http.Handler
	log     log.Logger
	dialer  net.Dialer
}

func New(config Config, handler http.Handler, logger log.Logger) *Tunnel {
	t := &Tunnel{config: config, handler: handler}
	if t.config.Retry <= 0 {
		t.config.Retry = 2 * time.Second
	}
	t.log = logger
	t.log.Context = log.NewContext(nil).Str("module", "tunnel").Str("tunnel_addr", config.Addr).Value()
	return t
}

// Run keeps a session up until ctx is done.
func (t *Tunnel) Run(ctx context.Context) {
	for {
		err := t.serve(ctx)
		if ctx.Err() != nil {
			return
		}
		t.log.Error().Err(err).Dur("retry", t.config.Retry).Msg("tunnel down")
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.config.Retry):
		}
	}
}

func (t *Tunnel) serve(ctx context.Context) error {
	session, err := t.open(ctx)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: t.handler}
	go func() {
		select {
		case <-ctx.Done():
		case <-session.CloseChan():
		}
		srv.Close()
		session.Close()
	}()
	t.log.Info().Msg("serving over tunnel")
	err = srv.Serve(&listener{session})
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (t *Tunnel) open(ctx context.Context) (*yamux.Session, error) {
	t.log.Info().Msg("dialling tunnel")
	yconn, err := t.dialer.DialContext(ctx, "tcp", t.config.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	err = authenticate(yconn, t.config.Token)
	if err != nil {
		yconn.Close()
		return nil, err
	}
	t.log.Info().Msg("tunnel accepted")
	session, err := yamux.Client(yconn, nil)
	if err != nil {
		yconn.Close()
		return nil, err
	}
	return session, nil
}

func authenticate(conn net.Conn, token string) error {
	_, err := conn.Write([]byte(token + "\n"))
	if err != nil {
		return fmt.Errorf("send token: %w", err)
	}
	status := []byte{0}
	_, err = conn.Read(status)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if status[0] != '+' {
		return ErrRejected
	}
	return nil
}

type listener struct {
	*yamux.Session
}

func (l *listener) Accept() (net.Conn, error) {
	stream, err := l.Session.Accept()
	if err != nil {
		return nil, err
	}
	return wc.NewWrappedConn(stream), nil
}
