package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
)

var ErrQueueFull = errors.New("mirror queue full")

const MIRROR_ID string = "nats-mirror"

type Publisher interface {
	Publish(subject string, data []byte) error
}

// Mirror republishes every broadcast frame on NATS under <prefix>.<type>.
type Mirror struct {
	pub       Publisher
	prefix    string
	queue     chan []byte
	log       log.Logger
	published uint64
	dropped   uint64
	failed    uint64
}

func New(pub Publisher, prefix string, size int, logger log.Logger) *Mirror {
	if size <= 0 {
		size = 256
	}
	if prefix == "" {
		prefix = "rtls"
	}
	m := &Mirror{pub: pub, prefix: prefix, queue: make(chan []byte, size)}
	m.log = logger
	m.log.Context = log.NewContext(nil).Str("module", "mirror").Value()
	return m
}

// Connect dials NATS and returns a mirror publishing on it. The caller owns
// the returned connection.
func Connect(url string, prefix string, size int, logger log.Logger) (*Mirror, *nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("rtls"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, err
	}
	return New(nc, prefix, size, logger), nc, nil
}

func (m *Mirror) ID() string {
	return MIRROR_ID
}

func (m *Mirror) Push(frame []byte) error {
	select {
	case m.queue <- frame:
		return nil
	default:
		atomic.AddUint64(&m.dropped, 1)
		return ErrQueueFull
	}
}

func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-m.queue:
			m.publish(frame)
		}
	}
}

func (m *Mirror) publish(frame []byte) {
	var head struct {
		Type string `json:"type"`
	}
	err := json.Unmarshal(frame, &head)
	if err != nil || head.Type == "" {
		atomic.AddUint64(&m.failed, 1)
		m.log.Warn().Err(err).Msg("frame without type")
		return
	}
	subject := m.prefix + "." + head.Type
	err = m.pub.Publish(subject, frame)
	if err != nil {
		atomic.AddUint64(&m.failed, 1)
		m.log.Warn().Err(err).Str("subject", subject).Msg("publish failed")
		return
	}
	atomic.AddUint64(&m.published, 1)
}

func (m *Mirror) Stat() (published uint64, dropped uint64, failed uint64) {
	return atomic.LoadUint64(&m.published), atomic.LoadUint64(&m.dropped), atomic.LoadUint64(&m.failed)
}
