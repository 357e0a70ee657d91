package webstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
	"nuha.dev/gpsgateway/internal/gateway/command"
	"nuha.dev/gpsgateway/internal/gateway/device"
	"nuha.dev/gpsgateway/internal/gateway/sublist"
)

type mockConn struct {
	mu  sync.Mutex
	got [][]byte
}

func (m *mockConn) Write(d []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, append([]byte(nil), d...))
	return len(d), nil
}
func (m *mockConn) Cid() uint64        { return 1 }
func (m *mockConn) RemoteAddr() string { return "pipe" }

func (m *mockConn) writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.got
}

type mapLookup map[string]device.Conn

func (l mapLookup) Lookup(id string) (device.Conn, bool) {
	c, ok := l[id]
	return c, ok
}

type fixture struct {
	ws *WebstreamServer
	sl *sublist.Sublist
}

func newFixture(t *testing.T, devices mapLookup, config *WebStreamConfig) *fixture {
	t.Helper()
	config.ListenAddr = "127.0.0.1:0"
	f := &fixture{sl: sublist.NewSublist()}
	f.ws = NewWebstream(f.sl, command.NewRouter(devices), nil, config)
	require.NoError(t, f.ws.Listen())
	done := make(chan error, 1)
	go func() { done <- f.ws.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, f.ws.Shutdown(ctx))
		assert.NoError(t, <-done)
	})
	return f
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws://"+f.ws.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func TestViewersReceiveInOrder(t *testing.T) {
	f := newFixture(t, mapLookup{}, &WebStreamConfig{QueueSize: 16, AllowedOrigins: []string{"*"}})
	c1, c2 := f.dial(t), f.dial(t)
	require.Eventually(t, func() bool { return f.sl.Len() == 2 }, 2*time.Second, 5*time.Millisecond)

	ts := time.Date(2024, 3, 15, 12, 34, 56, 0, time.UTC)
	for i := 0; i < 5; i++ {
		f.sl.Broadcast(device.Report{IMEI: "123", Latitude: float64(i), Timestamp: ts})
	}

	for _, c := range []*websocket.Conn{c1, c2} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		for i := 0; i < 5; i++ {
			var r device.Report
			require.NoError(t, wsjson.Read(ctx, c, &r))
			assert.Equal(t, "123", r.IMEI)
			assert.Equal(t, float64(i), r.Latitude)
			assert.True(t, ts.Equal(r.Timestamp))
		}
		cancel()
	}
}

func TestCommandRoutedToDevice(t *testing.T) {
	dev := &mockConn{}
	f := newFixture(t, mapLookup{"123": dev}, &WebStreamConfig{AllowedOrigins: []string{"*"}})
	c := f.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, c, command.Envelope{Type: "command", IMEI: "123", Command: "**,imei:123,C,01m"}))
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(`not json`)))
	require.NoError(t, wsjson.Write(ctx, c, command.Envelope{Type: "command", IMEI: "999", Command: "x"}))
	require.NoError(t, wsjson.Write(ctx, c, command.Envelope{Type: "command", IMEI: "123", Command: "reboot"}))

	require.Eventually(t, func() bool { return len(dev.writes()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]byte{[]byte("**,imei:123,C,01m"), []byte("reboot")}, dev.writes())
}

func TestViewerCloseUnsubscribes(t *testing.T) {
	f := newFixture(t, mapLookup{}, &WebStreamConfig{AllowedOrigins: []string{"*"}})
	c := f.dial(t)
	require.Eventually(t, func() bool { return f.sl.Len() == 1 && f.ws.ViewerCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Len(t, f.ws.Viewers(), 1)

	c.Close(websocket.StatusNormalClosure, "bye")
	require.Eventually(t, func() bool { return f.sl.Len() == 0 && f.ws.ViewerCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestShutdownDisconnectsViewers(t *testing.T) {
	sl := sublist.NewSublist()
	ws := NewWebstream(sl, command.NewRouter(mapLookup{}), nil, &WebStreamConfig{ListenAddr: "127.0.0.1:0", AllowedOrigins: []string{"*"}})
	require.NoError(t, ws.Listen())
	done := make(chan error, 1)
	go func() { done <- ws.Serve() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws://"+ws.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	readErr := make(chan error, 1)
	go func() {
		_, _, err := c.Read(ctx)
		readErr <- err
	}()
	require.Eventually(t, func() bool { return sl.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ws.Shutdown(ctx))
	require.NoError(t, <-done)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(<-readErr))
	assert.Equal(t, 0, sl.Len())
}

func TestOriginRejected(t *testing.T) {
	f := newFixture(t, mapLookup{}, &WebStreamConfig{AllowedOrigins: []string{"example.com"}})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws://"+f.ws.Addr().String()+"/ws", &websocket.DialOptions{
		HTTPHeader: map[string][]string{"Origin": {"http://evil.test"}},
	})
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 403, resp.StatusCode)
	}
}

func TestSlowViewerOverflow(t *testing.T) {
	v := newViewer(1, "pipe", 2)
	assert.False(t, v.Push([]byte("1")))
	assert.False(t, v.Push([]byte("2")))
	assert.True(t, v.Push([]byte("3")), "full queue disconnects the viewer")
	assert.True(t, v.Push([]byte("4")))
	select {
	case <-v.Done():
	default:
		t.Fatal("viewer not closed")
	}
	assert.Equal(t, reasonTooSlow, v.reason)
	assert.Equal(t, uint64(2), v.Info().Pushed)
}

func TestSlowViewerDroppedFromSublist(t *testing.T) {
	sl := sublist.NewSublist()
	slow, fast := newViewer(1, "a", 1), newViewer(2, "b", 10)
	sl.Subscribe(slow)
	sl.Subscribe(fast)
	for i := 0; i < 3; i++ {
		sl.Send([]byte("x"))
	}
	assert.Equal(t, 1, sl.Len())
	assert.Equal(t, 3, fast.Info().Queued)
}
