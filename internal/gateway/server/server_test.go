package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/gpsgateway/internal/gateway/device"
	"nuha.dev/gpsgateway/internal/gateway/registry"
	"nuha.dev/gpsgateway/internal/gateway/sublist"
)

type mockSub struct {
	mu  sync.Mutex
	got []device.Report
}

func (m *mockSub) Push(d []byte) bool {
	var r device.Report
	if err := json.Unmarshal(d, &r); err != nil {
		panic(err)
	}
	m.mu.Lock()
	m.got = append(m.got, r)
	m.mu.Unlock()
	return false
}

func (m *mockSub) reports() []device.Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]device.Report(nil), m.got...)
}

type recStore struct {
	mu  sync.Mutex
	got []string
}

func (s *recStore) Put(r device.Report, _ time.Time) {
	s.mu.Lock()
	s.got = append(s.got, r.IMEI)
	s.mu.Unlock()
}

func (s *recStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

type fixture struct {
	srv   *Server
	reg   *registry.Registry
	sl    *sublist.Sublist
	store *recStore
	done  chan error
}

func newFixture(t *testing.T, config *ServerConfig) *fixture {
	t.Helper()
	if config.ListenerAddr == "" {
		config.ListenerAddr = "127.0.0.1:0"
	}
	f := &fixture{reg: registry.New(), sl: sublist.NewSublist(), store: &recStore{}, done: make(chan error, 1)}
	f.srv = NewServer(f.reg, f.sl, f.store, nil, config)
	require.NoError(t, f.srv.Listen())
	go func() { f.done <- f.srv.Serve(context.Background()) }()
	t.Cleanup(func() {
		f.srv.Shutdown()
		assert.NoError(t, <-f.done)
	})
	return f
}

func (f *fixture) dial(t *testing.T) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", f.srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func record(imei string, lat float64) string {
	return fmt.Sprintf("##,imei:%s,A,%.6f,N,114.123456,E,60.0,180.0,20240315,123456,*00##", imei, lat)
}

func TestTwoViewersSkipMalformed(t *testing.T) {
	f := newFixture(t, &ServerConfig{ReadTimeout: time.Minute, ProxyProtocol: true})
	v1, v2 := &mockSub{}, &mockSub{}
	f.sl.Subscribe(v1)
	f.sl.Subscribe(v2)

	c := f.dial(t)
	lines := []string{
		record("123456789012345", 1),
		record("123456789012345", 2),
		record("123456789012345", 3),
		"##,imei:123456789012345,A,not-a-number,N,114.1,E,60.0,180.0,20240315,123456,*00##",
		record("123456789012345", 4),
	}
	_, err := io.WriteString(c, strings.Join(lines, "\n")+"\n")
	require.NoError(t, err)

	for _, v := range []*mockSub{v1, v2} {
		require.Eventually(t, func() bool { return len(v.reports()) == 4 }, 2*time.Second, 5*time.Millisecond)
		for i, r := range v.reports() {
			assert.Equal(t, "123456789012345", r.IMEI)
			assert.InDelta(t, float64(i+1), r.Latitude, 1e-9)
		}
	}

	// the connection survived the bad record
	_, err = io.WriteString(c, record("123456789012345", 5)+"\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(v1.reports()) == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 5, f.store.count())
	assert.Equal(t, 1, f.reg.Len())
}

func TestDisconnectRemovesDevice(t *testing.T) {
	f := newFixture(t, &ServerConfig{})
	c := f.dial(t)
	_, err := io.WriteString(c, record("111", 1)+"\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := f.reg.Lookup("111"); return ok }, 2*time.Second, 5*time.Millisecond)

	c.Close()
	require.Eventually(t, func() bool { return f.reg.Len() == 0 && f.srv.ConnCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestReconnectKeepsNewerConnection(t *testing.T) {
	f := newFixture(t, &ServerConfig{})
	c1 := f.dial(t)
	_, err := io.WriteString(c1, record("222", 1)+"\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := f.reg.Lookup("222"); return ok }, 2*time.Second, 5*time.Millisecond)
	first, _ := f.reg.Lookup("222")

	c2 := f.dial(t)
	_, err = io.WriteString(c2, record("222", 2)+"\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { cur, _ := f.reg.Lookup("222"); return cur != first }, 2*time.Second, 5*time.Millisecond)
	second, _ := f.reg.Lookup("222")

	c1.Close()
	require.Eventually(t, func() bool { return f.srv.ConnCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	cur, ok := f.reg.Lookup("222")
	require.True(t, ok)
	assert.Equal(t, second, cur)
}

func TestIdentityChangeReleasesOld(t *testing.T) {
	f := newFixture(t, &ServerConfig{})
	c := f.dial(t)
	_, err := io.WriteString(c, record("333", 1)+"\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := f.reg.Lookup("333"); return ok }, 2*time.Second, 5*time.Millisecond)

	_, err = io.WriteString(c, record("444", 1)+"\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := f.reg.Lookup("444"); return ok }, 2*time.Second, 5*time.Millisecond)
	_, ok := f.reg.Lookup("333")
	assert.False(t, ok)
}

func TestRecordTooLongClosesConnection(t *testing.T) {
	f := newFixture(t, &ServerConfig{})
	c := f.dial(t)
	_, err := io.WriteString(c, "##,"+strings.Repeat("x", 2048))
	require.NoError(t, err)
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = c.Read(make([]byte, 1))
	assert.Error(t, err)
	require.Eventually(t, func() bool { return f.srv.ConnCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestReadTimeoutClosesIdleDevice(t *testing.T) {
	f := newFixture(t, &ServerConfig{ReadTimeout: 200 * time.Millisecond})
	c := f.dial(t)
	_, err := io.WriteString(c, record("555", 1)+"\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.reg.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestProxyHeaderAddress(t *testing.T) {
	f := newFixture(t, &ServerConfig{ProxyProtocol: true})
	c := f.dial(t)
	_, err := io.WriteString(c, "PROXY TCP4 192.0.2.10 127.0.0.1 40000 5023\r\n"+record("666", 1)+"\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.reg.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	dev, _ := f.reg.Lookup("666")
	assert.Equal(t, "192.0.2.10:40000", dev.RemoteAddr())
}

func TestShutdownClosesConnections(t *testing.T) {
	reg := registry.New()
	srv := NewServer(reg, sublist.NewSublist(), nil, nil, &ServerConfig{ListenerAddr: "127.0.0.1:0"})
	require.NoError(t, srv.Listen())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()

	c, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	_, err = io.WriteString(c, record("777", 1)+"\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return reg.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	srv.Shutdown()
	assert.NoError(t, <-done)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0, srv.ConnCount())
}

func TestListenBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	srv := NewServer(registry.New(), sublist.NewSublist(), nil, nil, &ServerConfig{ListenerAddr: ln.Addr().String()})
	assert.Error(t, srv.Listen())
}

func TestShutdownWaitsForConcurrentServeConn(t *testing.T) {
	for i := 0; i < 50; i++ {
		srv := NewServer(registry.New(), sublist.NewSublist(), nil, nil, &ServerConfig{})
		var wg sync.WaitGroup
		for j := 0; j < 8; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				a, b := net.Pipe()
				defer b.Close()
				srv.ServeConn(context.Background(), a, "pipe")
			}()
		}
		srv.Shutdown()
		assert.Equal(t, 0, srv.ConnCount())
		wg.Wait()
		srv.Shutdown()
		assert.Equal(t, 0, srv.ConnCount())
	}
}
