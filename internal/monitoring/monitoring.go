package monitoring

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/phuslu/log"

	"nuha.dev/rtls/internal/relay/message"
	"nuha.dev/rtls/internal/relay/server"
	"nuha.dev/rtls/internal/util"
)

type Relay interface {
	Stat() server.Stat
	Devices() []message.Device
}

type Heartbeat interface {
	Stat() (round uint64, evicted uint64)
}

type MonitoringConfig struct {
	ListenAddr string
	// AllowedOrigins defaults to any http(s) origin.
	AllowedOrigins []string
}

type Status struct {
	server.Stat
	HeartbeatRound uint64 `json:"heartbeat_round"`
	Evicted        uint64 `json:"evicted"`
}

type MonitoringServer struct {
	relay  Relay
	hb     Heartbeat
	r      chi.Router
	server *http.Server
	log    log.Logger
}

// NewMonApi builds the status API. hb may be nil.
func NewMonApi(relay Relay, hb Heartbeat, config *MonitoringConfig, logger log.Logger) *MonitoringServer {
	m := &MonitoringServer{relay: relay, hb: hb}
	m.log = logger
	m.log.Context = log.NewContext(nil).Str("module", "monitoring").Value()
	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(middleware.Recoverer)
	r.Get("/status", m.status)
	r.Get("/devices", m.devices)
	m.r = r
	m.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return m
}

func (m *MonitoringServer) GetHandler() http.Handler {
	return m.r
}

// Run serves until Shutdown is called.
func (m *MonitoringServer) Run() error {
	m.log.Info().Str("addr", m.server.Addr).Msg("monitoring api listening")
	err := m.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (m *MonitoringServer) Shutdown(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}

func (m *MonitoringServer) status(w http.ResponseWriter, r *http.Request) {
	st := Status{Stat: m.relay.Stat()}
	if m.hb != nil {
		st.HeartbeatRound, st.Evicted = m.hb.Stat()
	}
	m.write(w, st)
}

func (m *MonitoringServer) devices(w http.ResponseWriter, r *http.Request) {
	m.write(w, m.relay.Devices())
}

func (m *MonitoringServer) write(w http.ResponseWriter, v interface{}) {
	err := util.JsonWrite(w, v)
	if err != nil {
		m.log.Debug().Err(err).Msg("unable to write response")
	}
}
