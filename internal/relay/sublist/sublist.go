package sublist

import (
	"sync"
	"sync/atomic"

	"github.com/phuslu/log"
)

type Subscriber interface {
	ID() string
	// Push must not block, a full or closed subscriber returns an error.
	Push(frame []byte) error
}

// Sublist is the set of dashboards receiving every relayed event.
type Sublist struct {
	mu      *sync.Mutex
	list    map[string]Subscriber
	log     log.Logger
	pushed  uint64
	skipped uint64
}

func NewSublist(logger log.Logger) *Sublist {
	s := &Sublist{}
	s.mu = &sync.Mutex{}
	s.list = make(map[string]Subscriber)
	s.log = logger
	s.log.Context = log.NewContext(nil).Str("module", "sublist").Value()
	return s
}

func (s *Sublist) Subscribe(sub Subscriber) {
	s.mu.Lock()
	s.list[sub.ID()] = sub
	s.mu.Unlock()
}

func (s *Sublist) Unsubscribe(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.list[id]
	delete(s.list, id)
	return ok
}

func (s *Sublist) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

// Send pushes one serialized frame to every subscriber independently. Failed
// pushes are dropped, never retried. It returns the number of subscribers
// that accepted the frame.
func (s *Sublist) Send(frame []byte) int {
	delivered := 0
	s.mu.Lock()
	for id, sub := range s.list {
		err := sub.Push(frame)
		if err != nil {
			atomic.AddUint64(&s.skipped, 1)
			s.log.Warn().Err(err).Str("socket_id", id).Msg("dropping frame for subscriber")
			continue
		}
		atomic.AddUint64(&s.pushed, 1)
		delivered++
	}
	s.mu.Unlock()
	return delivered
}

func (s *Sublist) Stat() (pushed uint64, skipped uint64) {
	return atomic.LoadUint64(&s.pushed), atomic.LoadUint64(&s.skipped)
}
