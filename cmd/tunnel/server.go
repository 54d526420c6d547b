package main

import (
	"bufio"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/phuslu/log"
	"github.com/spf13/pflag"
)

var errBadToken = errors.New("bad tunnel token")

// maxTokenLine bounds the newline terminated token sent by the relay.
const maxTokenLine = 1024

// tunnelServer accepts one relay over the tunnel port and forwards every
// external connection to it as a yamux stream.
type tunnelServer struct {
	token   string
	log     log.Logger
	mu      sync.Mutex
	session *yamux.Session
}

func main() {
	eaddr := pflag.String("eaddr", ":5555", "address for external connection")
	taddr := pflag.String("taddr", ":5556", "address for tunnel connection")
	secret := pflag.String("token", "token", "token for tunnel auth connection")
	certfile := pflag.String("cert", "", "tls certificate file")
	keyfile := pflag.String("key", "", "tls key file")
	pflag.Parse()

	logger := log.DefaultLogger
	s := &tunnelServer{token: *secret, log: logger}
	s.log.Context = log.NewContext(nil).Str("module", "tunnel-server").Value()

	ylistener, err := net.Listen("tcp", *taddr)
	if err != nil {
		s.log.Fatal().Err(err).Msg("unable to open tunnel port")
	}
	if *certfile != "" || *keyfile != "" {
		cert, err := tls.LoadX509KeyPair(*certfile, *keyfile)
		if err != nil {
			s.log.Fatal().Err(err).Msg("unable to load certificate")
		}
		ylistener = tls.NewListener(ylistener, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	listener, err := net.Listen("tcp", *eaddr)
	if err != nil {
		s.log.Fatal().Err(err).Msg("unable to open external port")
	}
	s.log.Info().Str("eaddr", *eaddr).Str("taddr", *taddr).Msg("tunnel server started")
	go s.serveTunnels(ylistener)
	err = s.serveExternal(listener)
	s.log.Error().Err(err).Msg("external listener stopped")
	os.Exit(1)
}

func (s *tunnelServer) serveTunnels(ln net.Listener) error {
	for {
		yconn, err := ln.Accept()
		if err != nil {
			return err
		}
		go func() {
			err := s.handshake(yconn)
			if err != nil {
				s.log.Warn().Err(err).Str("remote_address", yconn.RemoteAddr().String()).Msg("tunnel refused")
				yconn.Close()
				return
			}
			session, err := yamux.Server(yconn, nil)
			if err != nil {
				s.log.Error().Err(err).Msg("unable to create session")
				yconn.Close()
				return
			}
			s.log.Info().Str("remote_address", yconn.RemoteAddr().String()).Msg("tunnel established")
			s.mu.Lock()
			old := s.session
			s.session = session
			s.mu.Unlock()
			if old != nil {
				old.Close()
			}
		}()
	}
}

func (s *tunnelServer) handshake(conn net.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	// the relay sends nothing more until it has our reply
	line, err := bufio.NewReader(io.LimitReader(conn, maxTokenLine)).ReadString('\n')
	if err != nil {
		return err
	}
	token := strings.TrimSuffix(line, "\n")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		_, _ = conn.Write([]byte{'-'})
		return errBadToken
	}
	_, err = conn.Write([]byte{'+'})
	return err
}

func (s *tunnelServer) current() *yamux.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || s.session.IsClosed() {
		return nil
	}
	return s.session
}

func (s *tunnelServer) serveExternal(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.forward(conn)
	}
}

func (s *tunnelServer) forward(conn net.Conn) {
	defer conn.Close()
	session := s.current()
	if session == nil {
		s.log.Debug().Str("remote_address", conn.RemoteAddr().String()).Msg("no tunnel, dropping connection")
		return
	}
	tstream, err := session.OpenStream()
	if err != nil {
		s.log.Error().Err(err).Msg("unable to open stream")
		return
	}
	defer tstream.Close()
	_, err = fmt.Fprintf(tstream, "%s\n", conn.RemoteAddr())
	if err != nil {
		return
	}
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(tstream, conn)
		tstream.Close()
		close(done)
	}()
	_, _ = io.Copy(conn, tstream)
	conn.Close()
	<-done
	s.log.Trace().Uint32("stream_id", tstream.StreamID()).Str("remote_address", conn.RemoteAddr().String()).Msg("stream closed")
}
