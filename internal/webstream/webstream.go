package webstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"

	"nuha.dev/rtls/internal/relay/registry"
)

var (
	ErrQueueFull = errors.New("send queue full")
	ErrClosed    = errors.New("connection closed")
)

const (
	CLOSED_BY_PEER string = "closed by peer"
	WRITE_ERROR    string = "write error"
	SHUTDOWN       string = "server shutdown"
)

// Relay is the message router behind the transport.
type Relay interface {
	Connect(peer registry.Peer, remote string) string
	Handle(id string, frame []byte) error
	Disconnect(id string, reason string) bool
}

type WebStreamConfig struct {
	SendQueue      int
	WriteTimeout   time.Duration
	ReadLimit      int64
	OriginPatterns []string
}

type WebstreamServer struct {
	relay  Relay
	config WebStreamConfig
	log    log.Logger
	mu     sync.Mutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewWebstream(relay Relay, config WebStreamConfig, logger log.Logger) *WebstreamServer {
	o := &WebstreamServer{relay: relay, config: config}
	if o.config.SendQueue <= 0 {
		o.config.SendQueue = 64
	}
	if o.config.WriteTimeout <= 0 {
		o.config.WriteTimeout = 10 * time.Second
	}
	if o.config.ReadLimit <= 0 {
		o.config.ReadLimit = 32768
	}
	o.log = logger
	o.log.Context = log.NewContext(nil).Str("module", "websocket").Value()
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o
}

func (ws *WebstreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws.serve_http(w, r)
}

// Shutdown closes every open connection and waits for their handlers.
// Connections arriving afterwards are refused.
func (ws *WebstreamServer) Shutdown() {
	ws.mu.Lock()
	ws.cancel()
	ws.mu.Unlock()
	ws.wg.Wait()
}

// track registers a handler with the shutdown wait group unless shutdown has
// started.
func (ws *WebstreamServer) track() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.ctx.Err() != nil {
		return false
	}
	ws.wg.Add(1)
	return true
}

func (ws *WebstreamServer) serve_http(w http.ResponseWriter, r *http.Request) {
	if !ws.track() {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	defer ws.wg.Done()
	opts := &websocket.AcceptOptions{CompressionMode: websocket.CompressionDisabled}
	if len(ws.config.OriginPatterns) == 0 {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = ws.config.OriginPatterns
	}
	c, err := websocket.Accept(w, r, opts)
	if err != nil {
		ws.log.Error().Err(err).Str("remote_address", r.RemoteAddr).Msg("Error while upgrading websocket")
		return
	}
	c.SetReadLimit(ws.config.ReadLimit)

	wc := &WebstreamClient{srv: ws, c: c, remote: r.RemoteAddr}
	wc.send = make(chan []byte, ws.config.SendQueue)
	wc.done = make(chan struct{})
	wc.log = ws.log
	wc.id = ws.relay.Connect(wc, r.RemoteAddr)
	wc.log.Context = log.NewContext(nil).Str("module", "websocket").Str("socket_id", wc.id).Value()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-ws.ctx.Done():
			wc.Close(SHUTDOWN)
		case <-ctx.Done():
		}
	}()

	wc.wg.Add(1)
	go wc.writeLoop()
	reason := wc.readloop(ctx)
	wc.Close(reason)
	ws.relay.Disconnect(wc.id, reason)
	wc.wg.Wait()
}

type WebstreamClient struct {
	srv     *WebstreamServer
	c       *websocket.Conn
	id      string
	remote  string
	log     log.Logger
	wg      sync.WaitGroup
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	reason  string
	pushed  uint64
	skipped uint64
}

func (wc *WebstreamClient) ID() string {
	return wc.id
}

// Push queues a frame for the write loop. It never blocks; when the queue is
// full the frame is dropped.
func (wc *WebstreamClient) Push(frame []byte) error {
	select {
	case <-wc.done:
		return ErrClosed
	default:
	}
	select {
	case wc.send <- frame:
		atomic.AddUint64(&wc.pushed, 1)
		return nil
	default:
		atomic.AddUint64(&wc.skipped, 1)
		return ErrQueueFull
	}
}

// Close asks the write loop to close the websocket. Safe to call many times.
func (wc *WebstreamClient) Close(reason string) {
	wc.once.Do(func() {
		wc.reason = reason
		close(wc.done)
	})
}

func (wc *WebstreamClient) Stat() (pushed uint64, skipped uint64) {
	return atomic.LoadUint64(&wc.pushed), atomic.LoadUint64(&wc.skipped)
}

func (wc *WebstreamClient) readloop(ctx context.Context) string {
	for {
		_, msg, err := wc.c.Read(ctx)
		if err != nil {
			select {
			case <-wc.done:
				return wc.reason
			default:
			}
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Sprintf("%s (%d)", CLOSED_BY_PEER, status)
			}
			wc.log.Debug().Err(err).Msg("read error")
			return CLOSED_BY_PEER
		}
		_ = wc.srv.relay.Handle(wc.id, msg)
	}
}

func (wc *WebstreamClient) writeLoop() {
	defer wc.wg.Done()
	for {
		select {
		case <-wc.done:
			err := wc.c.Close(closeCode(wc.reason), wc.reason)
			if err != nil {
				wc.log.Trace().Err(err).Msg("close")
			}
			pushed, skipped := wc.Stat()
			wc.log.Debug().Uint64("pushed", pushed).Uint64("skipped", skipped).Str("reason", wc.reason).Msg("Connection closed")
			return
		case frame := <-wc.send:
			ctx, cancel := context.WithTimeout(context.Background(), wc.srv.config.WriteTimeout)
			err := wc.c.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				wc.log.Error().Err(err).Msg("Error while writing to connection")
				wc.Close(WRITE_ERROR)
			}
		}
	}
}

func closeCode(reason string) websocket.StatusCode {
	switch {
	case reason == SHUTDOWN:
		return websocket.StatusGoingAway
	case reason == WRITE_ERROR:
		return websocket.StatusInternalError
	case strings.HasPrefix(reason, CLOSED_BY_PEER):
		return websocket.StatusNormalClosure
	default:
		// evicted by the relay
		return websocket.StatusPolicyViolation
	}
}
