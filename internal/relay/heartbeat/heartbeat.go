// Package heartbeat probes every connection on a fixed period and evicts the
// ones that do not answer within a grace period.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/rtls/internal/relay/message"
)

const (
	DefaultInterval = 60 * time.Second
	DefaultGrace    = 10 * time.Second

	EVICT_REASON string = "heartbeat timeout"
)

// Members is the connection set the supervisor watches.
type Members interface {
	// Probe pushes frame to every connection and marks it pending for round.
	// It returns the number of connections probed.
	Probe(round uint64, frame []byte) int
	// Unanswered returns connections still pending for round.
	Unanswered(round uint64) []string
	Evict(id string, reason string)
}

type Config struct {
	Interval time.Duration
	Grace    time.Duration
}

type Supervisor struct {
	mu      sync.Mutex
	members Members
	config  Config
	round   uint64
	frame   []byte
	log     log.Logger
	// schedule runs f once after d
	schedule func(d time.Duration, f func())
	evicted  uint64
}

func NewSupervisor(members Members, config Config, logger log.Logger) *Supervisor {
	s := &Supervisor{members: members, config: config}
	if s.config.Interval <= 0 {
		s.config.Interval = DefaultInterval
	}
	if s.config.Grace <= 0 {
		s.config.Grace = DefaultGrace
	}
	s.frame = message.EncodePing()
	s.log = logger
	s.log.Context = log.NewContext(nil).Str("module", "heartbeat").Value()
	s.schedule = func(d time.Duration, f func()) {
		time.AfterFunc(d, f)
	}
	return s
}

// Run ticks until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	s.log.Info().Msgf("heartbeat every %s, grace %s", s.config.Interval, s.config.Grace)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick probes every connection and schedules the check of this round. A tick
// without connections does nothing.
func (s *Supervisor) Tick() {
	s.mu.Lock()
	round := s.round + 1
	n := s.members.Probe(round, s.frame)
	if n == 0 {
		s.mu.Unlock()
		return
	}
	s.round = round
	s.mu.Unlock()
	s.log.Debug().Uint64("round", round).Int("probed", n).Msg("pinged connections")
	s.schedule(s.config.Grace, func() {
		s.Check(round)
	})
}

// Check evicts the connections that left probe round unanswered.
func (s *Supervisor) Check(round uint64) []string {
	ids := s.members.Unanswered(round)
	for _, id := range ids {
		s.log.Info().Str("socket_id", id).Uint64("round", round).Msg("no pong received, closing connection")
		s.members.Evict(id, EVICT_REASON)
	}
	s.mu.Lock()
	s.evicted += uint64(len(ids))
	s.mu.Unlock()
	return ids
}

func (s *Supervisor) Stat() (round uint64, evicted uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round, s.evicted
}
