package server

import (
	"errors"
	"sync"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/rtls/internal/relay/directory"
	"nuha.dev/rtls/internal/relay/message"
	"nuha.dev/rtls/internal/relay/registry"
	"nuha.dev/rtls/internal/relay/sublist"
	"nuha.dev/rtls/internal/util"
)

const (
	NEW_CONNECTION       string = "new_connection"
	CONNECTION_CLOSED    string = "connection_closed"
	DASHBOARD_REGISTERED string = "dashboard_registered"
	DEVICE_REGISTERED    string = "device_registered"
	DEVICE_REMOVED       string = "device_removed"
	BAD_FRAME            string = "bad_frame"
	FRAME_REJECTED       string = "frame_rejected"
)

var (
	ErrUnknownConn = errors.New("unknown connection")
	ErrNotDevice   = errors.New("connection is not a device")
	ErrIdMismatch  = errors.New("device id does not match connection")
	ErrIgnored     = errors.New("frame type ignored")
)

type Config struct {
	// IdGenerator defaults to random uuids.
	IdGenerator func() string
	// Mirror, when set, receives a copy of every broadcast frame.
	Mirror sublist.Subscriber
}

type Stat struct {
	Connections  int    `json:"connections"`
	Unclassified int    `json:"unclassified"`
	Devices      int    `json:"devices"`
	Dashboards   int    `json:"dashboards"`
	Pushed       uint64 `json:"pushed"`
	Skipped      uint64 `json:"skipped"`
	Uptime       string `json:"uptime"`
}

// Server routes client frames and owns the connection and device state. Every
// mutation happens under mu; sends are non-blocking pushes so no transport I/O
// runs while it is held.
type Server struct {
	mu        sync.Mutex
	log       log.Logger
	registry  *registry.Registry
	directory *directory.Directory
	sublist   *sublist.Sublist
	mirror    sublist.Subscriber
	created   time.Time
}

type dashboard struct {
	id   string
	peer registry.Peer
}

func (d *dashboard) ID() string {
	return d.id
}

func (d *dashboard) Push(frame []byte) error {
	return d.peer.Push(frame)
}

func NewServer(config Config, logger log.Logger) *Server {
	s := &Server{}
	s.log = logger
	s.log.Context = log.NewContext(nil).Str("module", "relay-server").Value()
	gen := config.IdGenerator
	if gen == nil {
		gen = util.GenUUID
	}
	s.registry = registry.New(gen)
	s.registry.OnRemove(s.teardown)
	s.directory = directory.New()
	s.sublist = sublist.NewSublist(logger)
	s.mirror = config.Mirror
	s.created = time.Now()
	return s
}

// Connect admits a new unclassified connection and returns its id.
func (s *Server) Connect(peer registry.Peer, remote string) string {
	s.mu.Lock()
	id := s.registry.Admit(peer, remote)
	c, _ := s.registry.Get(id)
	s.mu.Unlock()
	s.log.Info().Str("event", NEW_CONNECTION).EmbedObject(c).Msg("")
	return id
}

// Handle processes one inbound frame of connection id. The returned error
// tells why a frame was dropped; the connection stays open either way.
func (s *Server) Handle(id string, frame []byte) error {
	msg, err := message.Decode(frame)
	if err != nil {
		s.log.Warn().Str("event", BAD_FRAME).Str("socket_id", id).Err(err).Msg("discarding frame")
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.registry.Get(id)
	if !ok {
		s.log.Debug().Str("socket_id", id).Str("type", msg.Type).Msg("frame from closed connection")
		return ErrUnknownConn
	}
	switch msg.Type {
	case message.FETCH_INITIAL:
		err = s.fetchInitial(c)
	case message.DEVICE_CONNECTED:
		err = s.deviceConnected(c, msg.Device)
	case message.LOCATION_UPDATE:
		err = s.locationUpdate(c, msg.Device)
	case message.PONG:
		if !s.registry.Ack(id) {
			s.log.Trace().EmbedObject(c).Msg("pong without pending ping")
		}
	default:
		s.log.Trace().EmbedObject(c).Str("type", msg.Type).Msg("ignoring frame")
		return ErrIgnored
	}
	if err != nil {
		s.log.Warn().Str("event", FRAME_REJECTED).EmbedObject(c).Str("type", msg.Type).Err(err).Msg("")
	}
	return err
}

func (s *Server) fetchInitial(c registry.Conn) error {
	err := s.registry.Classify(c.Id, registry.Dashboard)
	if err != nil {
		return err
	}
	s.sublist.Subscribe(&dashboard{id: c.Id, peer: c.Peer})
	frame, err := message.EncodeInitial(c.Id, s.directory.Snapshot())
	if err != nil {
		return err
	}
	s.push(c, frame)
	s.log.Info().Str("event", DASHBOARD_REGISTERED).EmbedObject(c).Int("devices", s.directory.Len()).Msg("")
	return nil
}

func (s *Server) deviceConnected(c registry.Conn, p *message.DevicePayload) error {
	err := s.registry.Classify(c.Id, registry.Device)
	if err != nil {
		return err
	}
	dev, err := s.directory.Register(c.Id, p.Type, *p.Coordinates, message.SanitizeName(p.Name))
	if err != nil {
		return err
	}
	frame, err := message.EncodeDevice(message.DEVICE_CONNECTED, dev)
	if err != nil {
		return err
	}
	s.push(c, frame)
	s.broadcast(frame)
	s.log.Info().Str("event", DEVICE_REGISTERED).EmbedObject(c).Str("device_type", dev.Type).Str("name", dev.Name).Msg("")
	return nil
}

func (s *Server) locationUpdate(c registry.Conn, p *message.DevicePayload) error {
	if c.Role != registry.Device {
		return ErrNotDevice
	}
	if p.Id != c.Id {
		return ErrIdMismatch
	}
	dev, err := s.directory.UpdateCoordinates(c.Id, *p.Coordinates)
	if err != nil {
		return err
	}
	frame, err := message.EncodeDevice(message.LOCATION_UPDATE, dev)
	if err != nil {
		return err
	}
	s.broadcast(frame)
	return nil
}

// Disconnect runs the teardown of connection id. Calling it for a connection
// already torn down is a no-op.
func (s *Server) Disconnect(id string, reason string) bool {
	s.mu.Lock()
	_, ok := s.registry.Remove(id)
	s.mu.Unlock()
	if ok {
		s.log.Debug().Str("socket_id", id).Str("reason", reason).Msg("connection torn down")
	}
	return ok
}

// Evict tears the connection down and closes its transport.
func (s *Server) Evict(id string, reason string) {
	s.mu.Lock()
	c, ok := s.registry.Remove(id)
	s.mu.Unlock()
	if ok {
		s.log.Info().EmbedObject(c).Str("reason", reason).Msg("evicting connection")
		c.Peer.Close(reason)
	}
}

// teardown runs under mu, once per connection, from registry removal.
func (s *Server) teardown(c registry.Conn) {
	s.log.Info().Str("event", CONNECTION_CLOSED).EmbedObject(c).Msg("")
	if c.Role == registry.Dashboard {
		s.sublist.Unsubscribe(c.Id)
		return
	}
	dev, ok := s.directory.Remove(c.Id)
	if !ok {
		return
	}
	frame, err := message.EncodeDevice(message.DEVICE_DISCONNECTED, dev)
	if err != nil {
		s.log.Error().Err(err).EmbedObject(c).Msg("unable to encode disconnect")
		return
	}
	s.broadcast(frame)
	s.log.Info().Str("event", DEVICE_REMOVED).EmbedObject(c).Msg("")
}

func (s *Server) push(c registry.Conn, frame []byte) {
	err := c.Peer.Push(frame)
	if err != nil {
		s.log.Warn().Err(err).EmbedObject(c).Msg("unable to reply")
	}
}

func (s *Server) broadcast(frame []byte) {
	s.sublist.Send(frame)
	if s.mirror != nil {
		err := s.mirror.Push(frame)
		if err != nil {
			s.log.Debug().Err(err).Msg("mirror dropped frame")
		}
	}
}

// Probe pushes frame to every connection and marks each pending for round.
func (s *Server) Probe(round uint64, frame []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.registry.All()
	for _, id := range ids {
		c, _ := s.registry.Get(id)
		err := c.Peer.Push(frame)
		if err != nil {
			s.log.Debug().Err(err).EmbedObject(c).Msg("unable to push ping")
		}
		s.registry.MarkPending(id, round)
	}
	return len(ids)
}

func (s *Server) Unanswered(round uint64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Pending(round)
}

func (s *Server) Devices() []message.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directory.Snapshot()
}

func (s *Server) Stat() Stat {
	s.mu.Lock()
	st := Stat{}
	st.Connections = s.registry.Len()
	st.Unclassified = len(s.registry.ByRole(registry.Unclassified))
	st.Dashboards = len(s.registry.ByRole(registry.Dashboard))
	st.Devices = s.directory.Len()
	s.mu.Unlock()
	st.Pushed, st.Skipped = s.sublist.Stat()
	st.Uptime = time.Since(s.created).Truncate(time.Second).String()
	return st
}
