package registry

import (
	"errors"
	"time"

	"github.com/phuslu/log"
)

type Role int

const (
	Unclassified Role = iota
	Device
	Dashboard
)

func (r Role) String() string {
	switch r {
	case Unclassified:
		return "unclassified"
	case Device:
		return "device"
	case Dashboard:
		return "dashboard"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownConn       = errors.New("unknown connection")
	ErrAlreadyClassified = errors.New("connection already classified")
	ErrInvalidRole       = errors.New("invalid role")
)

// Peer is the transport side of a connection.
type Peer interface {
	// Push queues a frame without blocking.
	Push(frame []byte) error
	// Close terminates the transport connection without blocking.
	Close(reason string)
}

type Conn struct {
	Id      string
	Role    Role
	Peer    Peer
	Remote  string
	Created time.Time
	// round of the outstanding heartbeat probe, 0 when none is pending
	pending uint64
}

func (c Conn) Pending() bool {
	return c.pending != 0
}

func (c Conn) MarshalObject(e *log.Entry) {
	e.Str("socket_id", c.Id).Str("role", c.Role.String()).Str("remote_address", c.Remote)
}

// Registry tracks every live connection. It is not safe for concurrent use,
// callers serialize access.
type Registry struct {
	conns    map[string]*Conn
	order    []string
	gen      func() string
	onRemove func(Conn)
}

func New(gen func() string) *Registry {
	r := &Registry{}
	r.conns = make(map[string]*Conn)
	r.order = make([]string, 0, 16)
	r.gen = gen
	return r
}

// OnRemove registers the cleanup run exactly once for every removed connection.
func (r *Registry) OnRemove(f func(Conn)) {
	r.onRemove = f
}

func (r *Registry) Admit(peer Peer, remote string) string {
	id := r.gen()
	for _, dup := r.conns[id]; dup; _, dup = r.conns[id] {
		id = r.gen()
	}
	r.conns[id] = &Conn{Id: id, Role: Unclassified, Peer: peer, Remote: remote, Created: time.Now()}
	r.order = append(r.order, id)
	return id
}

// Classify sets the role of a connection once. Classifying again to the same
// role is a no-op, to a different role an error.
func (r *Registry) Classify(id string, role Role) error {
	if role != Device && role != Dashboard {
		return ErrInvalidRole
	}
	c, ok := r.conns[id]
	if !ok {
		return ErrUnknownConn
	}
	if c.Role == role {
		return nil
	}
	if c.Role != Unclassified {
		return ErrAlreadyClassified
	}
	c.Role = role
	return nil
}

func (r *Registry) Get(id string) (Conn, bool) {
	c, ok := r.conns[id]
	if !ok {
		return Conn{}, false
	}
	return *c, true
}

func (r *Registry) Len() int {
	return len(r.conns)
}

func (r *Registry) All() []string {
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

func (r *Registry) ByRole(role Role) []string {
	ids := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if r.conns[id].Role == role {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Registry) Remove(id string) (Conn, bool) {
	c, ok := r.conns[id]
	if !ok {
		return Conn{}, false
	}
	delete(r.conns, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.onRemove != nil {
		r.onRemove(*c)
	}
	return *c, true
}

// MarkPending flags a connection as awaiting the ack of probe round.
func (r *Registry) MarkPending(id string, round uint64) bool {
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	c.pending = round
	return true
}

// Ack clears the pending flag. Acks for removed connections are ignored.
func (r *Registry) Ack(id string) bool {
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	was := c.pending != 0
	c.pending = 0
	return was
}

// Pending returns connections that have not answered probe round.
func (r *Registry) Pending(round uint64) []string {
	ids := make([]string, 0)
	if round == 0 {
		return ids
	}
	for _, id := range r.order {
		if r.conns[id].pending == round {
			ids = append(ids, id)
		}
	}
	return ids
}
