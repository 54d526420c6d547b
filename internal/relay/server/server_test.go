package server

import (
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"

	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nuha.dev/rtls/internal/relay/directory"
	"nuha.dev/rtls/internal/relay/message"
	"nuha.dev/rtls/internal/relay/registry"
)

var errFull = errors.New("queue full")

type fakePeer struct {
	mu     sync.Mutex
	frames [][]byte
	closed []string
	fail   bool
}

func (p *fakePeer) Push(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errFull
	}
	p.frames = append(p.frames, frame)
	return nil
}

func (p *fakePeer) Close(reason string) {
	p.mu.Lock()
	p.closed = append(p.closed, reason)
	p.mu.Unlock()
}

type frame struct {
	Type             string           `json:"type"`
	Device           message.Device   `json:"device"`
	SocketId         string           `json:"socketId"`
	ConnectedDevices []message.Device `json:"connectedDevices"`
}

func (p *fakePeer) received(t *testing.T) []frame {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]frame, 0, len(p.frames))
	for _, b := range p.frames {
		f := frame{}
		require.NoError(t, json.Unmarshal(b, &f))
		out = append(out, f)
	}
	return out
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	p.frames = nil
	p.mu.Unlock()
}

func quietLogger() log.Logger {
	return log.Logger{Level: log.ErrorLevel, Writer: &log.IOWriter{Writer: io.Discard}}
}

func newTestServer(mirror *mirrorSub) *Server {
	n := 0
	var mu sync.Mutex
	config := Config{IdGenerator: func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return "c" + strconv.Itoa(n)
	}}
	if mirror != nil {
		config.Mirror = mirror
	}
	return NewServer(config, quietLogger())
}

type mirrorSub struct {
	fakePeer
}

func (m *mirrorSub) ID() string {
	return "mirror"
}

func connectDevice(t *testing.T, s *Server, payload string) (string, *fakePeer) {
	t.Helper()
	p := &fakePeer{}
	id := s.Connect(p, "")
	require.NoError(t, s.Handle(id, []byte(payload)))
	return id, p
}

func connectDashboard(t *testing.T, s *Server) (string, *fakePeer) {
	t.Helper()
	p := &fakePeer{}
	id := s.Connect(p, "")
	require.NoError(t, s.Handle(id, []byte(`{"type":"fetchInitial"}`)))
	return id, p
}

func TestEndToEnd(t *testing.T) {
	s := newTestServer(nil)
	dashId, dash := connectDashboard(t, s)

	initial := dash.received(t)
	require.Len(t, initial, 1)
	assert.Equal(t, message.FETCH_INITIAL, initial[0].Type)
	assert.Equal(t, dashId, initial[0].SocketId)
	assert.NotNil(t, initial[0].ConnectedDevices)
	assert.Empty(t, initial[0].ConnectedDevices)
	dash.reset()

	devId, dev := connectDevice(t, s, `{"type":"deviceConnected","device":{"type":"mobile","coordinates":{"x":1,"y":2}}}`)
	want := message.Device{Id: devId, Type: "mobile", Coordinates: message.Coordinates{X: 1, Y: 2}, Name: ""}

	ack := dev.received(t)
	require.Len(t, ack, 1)
	assert.Equal(t, message.DEVICE_CONNECTED, ack[0].Type)
	assert.Equal(t, want, ack[0].Device)

	got := dash.received(t)
	require.Len(t, got, 1)
	assert.Equal(t, message.DEVICE_CONNECTED, got[0].Type)
	assert.Equal(t, want, got[0].Device)
	dash.reset()

	require.NoError(t, s.Handle(devId, []byte(`{"type":"locationUpdate","device":{"id":"`+devId+`","coordinates":{"x":3,"y":4}}}`)))
	got = dash.received(t)
	require.Len(t, got, 1)
	assert.Equal(t, message.LOCATION_UPDATE, got[0].Type)
	assert.Equal(t, message.Coordinates{X: 3, Y: 4}, got[0].Device.Coordinates)
	assert.Equal(t, "mobile", got[0].Device.Type)
	dash.reset()

	assert.True(t, s.Disconnect(devId, "closed"))
	got = dash.received(t)
	require.Len(t, got, 1)
	assert.Equal(t, message.DEVICE_DISCONNECTED, got[0].Type)
	assert.Equal(t, devId, got[0].Device.Id)
	assert.Equal(t, message.Coordinates{X: 3, Y: 4}, got[0].Device.Coordinates)

	// the device never hears its own broadcasts
	assert.Len(t, dev.received(t), 1)
}

func TestNameIsSanitized(t *testing.T) {
	s := newTestServer(nil)
	_, dev := connectDevice(t, s, `{"type":"deviceConnected","device":{"type":"pc","coordinates":{"x":0,"y":0},"name":"Bob<script>123"}}`)
	ack := dev.received(t)
	require.Len(t, ack, 1)
	assert.Equal(t, "Bob123", ack[0].Device.Name)
	assert.Equal(t, "Bob123", s.Devices()[0].Name)
}

func TestFanOutToEveryDashboard(t *testing.T) {
	s := newTestServer(nil)
	const k = 7
	dashes := make([]*fakePeer, k)
	for i := range dashes {
		_, dashes[i] = connectDashboard(t, s)
		dashes[i].reset()
	}
	_, dev := connectDevice(t, s, `{"type":"deviceConnected","device":{"type":"tablet","coordinates":{"x":1,"y":1}}}`)
	for _, d := range dashes {
		got := d.received(t)
		require.Len(t, got, 1)
		assert.Equal(t, message.DEVICE_CONNECTED, got[0].Type)
	}
	assert.Len(t, dev.received(t), 1)
	st := s.Stat()
	assert.Equal(t, uint64(k), st.Pushed)
	assert.Equal(t, k, st.Dashboards)
	assert.Equal(t, 1, st.Devices)
}

func TestFailingDashboardDoesNotBlockOthers(t *testing.T) {
	s := newTestServer(nil)
	_, good := connectDashboard(t, s)
	_, bad := connectDashboard(t, s)
	good.reset()
	bad.reset()
	bad.fail = true

	connectDevice(t, s, `{"type":"deviceConnected","device":{"type":"pc","coordinates":{"x":1,"y":1}}}`)
	assert.Len(t, good.received(t), 1)
	assert.Empty(t, bad.received(t))
	assert.Equal(t, uint64(1), s.Stat().Skipped)
}

func TestSnapshotHoldsLatestCoordinates(t *testing.T) {
	s := newTestServer(nil)
	devId, _ := connectDevice(t, s, `{"type":"deviceConnected","device":{"type":"mobile","coordinates":{"x":0,"y":0}}}`)
	for i := 1; i <= 20; i++ {
		v := strconv.Itoa(i)
		require.NoError(t, s.Handle(devId, []byte(`{"type":"locationUpdate","device":{"id":"`+devId+`","coordinates":{"x":`+v+`,"y":"-`+v+`"}}}`)))
	}
	_, dash := connectDashboard(t, s)
	initial := dash.received(t)
	require.Len(t, initial, 1)
	require.Len(t, initial[0].ConnectedDevices, 1)
	assert.Equal(t, message.Coordinates{X: 20, Y: -20}, initial[0].ConnectedDevices[0].Coordinates)
}

func TestIncompleteCoordinatesAreDropped(t *testing.T) {
	s := newTestServer(nil)
	devId, _ := connectDevice(t, s, `{"type":"deviceConnected","device":{"type":"mobile","coordinates":{"x":5,"y":6}}}`)
	_, dash := connectDashboard(t, s)
	dash.reset()

	for _, coords := range []string{`{"x":7}`, `{"x":null,"y":null}`, `{}`} {
		err := s.Handle(devId, []byte(`{"type":"locationUpdate","device":{"id":"`+devId+`","coordinates":`+coords+`}}`))
		assert.ErrorIs(t, err, message.ErrBadFrame, coords)
	}
	other := s.Connect(&fakePeer{}, "")
	err := s.Handle(other, []byte(`{"type":"deviceConnected","device":{"type":"pc","coordinates":{}}}`))
	assert.ErrorIs(t, err, message.ErrBadFrame)

	assert.Empty(t, dash.received(t))
	devices := s.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, message.Coordinates{X: 5, Y: 6}, devices[0].Coordinates)
	assert.Equal(t, 1, s.Stat().Unclassified)
}

func TestSnapshotKeepsRegistrationOrder(t *testing.T) {
	s := newTestServer(nil)
	a, _ := connectDevice(t, s, `{"type":"deviceConnected","device":{"type":"pc","coordinates":{"x":0,"y":0}}}`)
	b, _ := connectDevice(t, s, `{"type":"deviceConnected","device":{"type":"pc","coordinates":{"x":0,"y":0}}}`)
	c, _ := connectDevice(t, s, `{"type":"deviceConnected","device":{"type":"pc","coordinates":{"x":0,"y":0}}}`)
	s.Disconnect(b, "closed")

	_, dash := connectDashboard(t, s)
	initial := dash.received(t)
	require.Len(t, initial[0].ConnectedDevices, 2)
	assert.Equal(t, a, initial[0].ConnectedDevices[0].Id)
	assert.Equal(t, c, initial[0].ConnectedDevices[1].Id)
}

func TestUnclassifiedDisconnectIsSilent(t *testing.T) {
	mirror := &mirrorSub{}
	s := newTestServer(mirror)
	_, dash := connectDashboard(t, s)
	dash.reset()

	id := s.Connect(&fakePeer{}, "")
	assert.True(t, s.Disconnect(id, "closed"))
	assert.False(t, s.Disconnect(id, "closed"))
	assert.Empty(t, dash.received(t))
	assert.Empty(t, mirror.received(t))
}

func TestDashboardDisconnectIsSilent(t *testing.T) {
	s := newTestServer(nil)
	_, other := connectDashboard(t, s)
	dashId, _ := connectDashboard(t, s)
	other.reset()

	assert.True(t, s.Disconnect(dashId, "closed"))
	assert.Empty(t, other.received(t))
	assert.Equal(t, 1, s.Stat().Dashboards)

	connectDevice(t, s, `{"type":"deviceConnected","device":{"type":"pc","coordinates":{"x":0,"y":0}}}`)
	assert.Equal(t, uint64(1), s.Stat().Pushed)
}

func TestLocationUpdateForUnknownDevice(t *testing.T) {
	s := newTestServer(nil)
	_, dash := connectDashboard(t, s)
	dash.reset()

	// never registered
	id := s.Connect(&fakePeer{}, "")
	err := s.Handle(id, []byte(`{"type":"locationUpdate","device":{"id":"`+id+`","coordinates":{"x":1,"y":1}}}`))
	assert.ErrorIs(t, err, ErrNotDevice)

	// registered, but pointing at another id
	devId, _ := connectDevice(t, s, `{"type":"deviceConnected","device":{"type":"pc","coordinates":{"x":0,"y":0}}}`)
	dash.reset()
	err = s.Handle(devId, []byte(`{"type":"locationUpdate","device":{"id":"ghost","coordinates":{"x":1,"y":1}}}`))
	assert.ErrorIs(t, err, ErrIdMismatch)

	// after the device closed
	s.Disconnect(devId, "closed")
	dash.reset()
	err = s.Handle(devId, []byte(`{"type":"locationUpdate","device":{"id":"`+devId+`","coordinates":{"x":1,"y":1}}}`))
	assert.ErrorIs(t, err, ErrUnknownConn)

	assert.Empty(t, dash.received(t))
	// the sender stays connected and handled
	assert.Equal(t, 2, s.Stat().Connections)
}

func TestDuplicateClassification(t *testing.T) {
	s := newTestServer(nil)
	_, dash := connectDashboard(t, s)
	dash.reset()

	devId, dev := connectDevice(t, s, `{"type":"deviceConnected","device":{"type":"pc","coordinates":{"x":1,"y":1},"name":"first"}}`)
	dash.reset()
	dev.reset()

	err := s.Handle(devId, []byte(`{"type":"deviceConnected","device":{"type":"mobile","coordinates":{"x":9,"y":9},"name":"second"}}`))
	assert.ErrorIs(t, err, directory.ErrDuplicateDevice)
	err = s.Handle(devId, []byte(`{"type":"fetchInitial"}`))
	assert.ErrorIs(t, err, registry.ErrAlreadyClassified)

	assert.Empty(t, dash.received(t))
	assert.Empty(t, dev.received(t))
	devices := s.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "first", devices[0].Name)
	assert.Equal(t, message.Coordinates{X: 1, Y: 1}, devices[0].Coordinates)
}

func TestDashboardCannotBecomeDevice(t *testing.T) {
	s := newTestServer(nil)
	dashId, _ := connectDashboard(t, s)
	err := s.Handle(dashId, []byte(`{"type":"deviceConnected","device":{"type":"pc","coordinates":{"x":1,"y":1}}}`))
	assert.ErrorIs(t, err, registry.ErrAlreadyClassified)
	assert.Empty(t, s.Devices())
}

func TestBadAndUnknownFrames(t *testing.T) {
	s := newTestServer(nil)
	id := s.Connect(&fakePeer{}, "")
	assert.ErrorIs(t, s.Handle(id, []byte(`{{{`)), message.ErrBadFrame)
	assert.ErrorIs(t, s.Handle(id, []byte(`{"type":"deviceConnected"}`)), message.ErrBadFrame)
	assert.ErrorIs(t, s.Handle(id, []byte(`{"type":"chat","text":"hi"}`)), ErrIgnored)
	// still usable afterwards
	assert.NoError(t, s.Handle(id, []byte(`{"type":"fetchInitial"}`)))
}

func TestMirrorReceivesBroadcasts(t *testing.T) {
	mirror := &mirrorSub{}
	s := newTestServer(mirror)
	devId, _ := connectDevice(t, s, `{"type":"deviceConnected","device":{"type":"pc","coordinates":{"x":1,"y":1}}}`)
	require.NoError(t, s.Handle(devId, []byte(`{"type":"locationUpdate","device":{"id":"`+devId+`","coordinates":{"x":2,"y":2}}}`)))
	s.Disconnect(devId, "closed")

	got := mirror.received(t)
	require.Len(t, got, 3)
	assert.Equal(t, message.DEVICE_CONNECTED, got[0].Type)
	assert.Equal(t, message.LOCATION_UPDATE, got[1].Type)
	assert.Equal(t, message.DEVICE_DISCONNECTED, got[2].Type)
}

func TestProbeAndPong(t *testing.T) {
	s := newTestServer(nil)
	a := &fakePeer{}
	b := &fakePeer{}
	idA := s.Connect(a, "")
	idB := s.Connect(b, "")

	assert.Equal(t, 2, s.Probe(1, message.EncodePing()))
	assert.Equal(t, "ping", a.received(t)[0].Type)
	assert.Equal(t, "ping", b.received(t)[0].Type)

	require.NoError(t, s.Handle(idA, []byte(`{"type":"pong","socketId":"whatever"}`)))
	assert.Equal(t, []string{idB}, s.Unanswered(1))
}

func TestEvictTearsDownOnce(t *testing.T) {
	s := newTestServer(nil)
	_, dash := connectDashboard(t, s)
	devId, dev := connectDevice(t, s, `{"type":"deviceConnected","device":{"type":"pc","coordinates":{"x":1,"y":1}}}`)
	dash.reset()

	s.Evict(devId, "heartbeat timeout")
	s.Evict(devId, "heartbeat timeout")
	// transport close arriving after the eviction
	assert.False(t, s.Disconnect(devId, "closed"))

	got := dash.received(t)
	require.Len(t, got, 1)
	assert.Equal(t, message.DEVICE_DISCONNECTED, got[0].Type)
	assert.Equal(t, []string{"heartbeat timeout"}, dev.closed)
}

func TestConcurrentDevicesKeepOwnOrder(t *testing.T) {
	s := newTestServer(nil)
	_, dash := connectDashboard(t, s)
	dash.reset()

	const devices = 8
	const updates = 50
	var wg sync.WaitGroup
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := &fakePeer{}
			id := s.Connect(p, "")
			_ = s.Handle(id, []byte(`{"type":"deviceConnected","device":{"type":"pc","coordinates":{"x":0,"y":0}}}`))
			for j := 1; j <= updates; j++ {
				_ = s.Handle(id, []byte(`{"type":"locationUpdate","device":{"id":"`+id+`","coordinates":{"x":`+strconv.Itoa(j)+`,"y":0}}}`))
			}
			s.Disconnect(id, "closed")
		}()
	}
	wg.Wait()

	last := make(map[string]float64)
	for _, f := range dash.received(t) {
		if f.Type != message.LOCATION_UPDATE {
			continue
		}
		x := float64(f.Device.Coordinates.X)
		assert.Greater(t, x, last[f.Device.Id])
		last[f.Device.Id] = x
	}
	assert.Len(t, last, devices)
	assert.Empty(t, s.Devices())
	assert.Equal(t, 1, s.Stat().Connections)
}
