package server

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"
	"nuha.dev/gpsgateway/internal/events"
	"nuha.dev/gpsgateway/internal/gateway/conn"
	"nuha.dev/gpsgateway/internal/gateway/device"
	"nuha.dev/gpsgateway/internal/gateway/device/coban"
	"nuha.dev/gpsgateway/internal/gateway/registry"
	"nuha.dev/gpsgateway/internal/gateway/sublist"
	"nuha.dev/gpsgateway/internal/observability"
	"nuha.dev/gpsgateway/internal/store"
)

const (
	NEW_CONNECTION    string = "new_connection"
	CONNECTION_CLOSED string = "connection_closed"
	DEVICE_REGISTERED string = "device_registered"
	DEVICE_REPLACED   string = "device_replaced"
	IDENTITY_CHANGED  string = "identity_changed"
	DECODE_ERROR      string = "decode_error"
	ACCEPT_ERROR      string = "accept_error"
	RECORD_TOO_LONG   string = "record_too_long"
	READ_TIMEOUT      string = "read_timeout"
)

const (
	initialAcceptDelay = 5 * time.Millisecond
	maxAcceptBackoff   = time.Second
)

type ServerConfig struct {
	ListenerAddr  string
	ReadTimeout   time.Duration
	ProxyProtocol bool
}

// Server accepts device connections and feeds their records to the
// registry, the viewer fanout and the report sinks.
type Server struct {
	mu          sync.Mutex
	log         log.Logger
	config      *ServerConfig
	cid_counter uint64
	registry    *registry.Registry
	sublist     *sublist.Sublist
	store       store.Store
	events      events.Emitter
	listener    net.Listener
	conn_list   map[uint64]net.Conn
	closing     bool
	wg          sync.WaitGroup
}

func NewServer(reg *registry.Registry, sl *sublist.Sublist, st store.Store, ev events.Emitter, config *ServerConfig) *Server {
	s := &Server{}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "gps-server").Value()
	s.config = config
	s.registry = reg
	s.sublist = sl
	s.store = st
	if s.store == nil {
		s.store = store.Nop{}
	}
	s.events = ev
	if s.events == nil {
		s.events = events.Nop{}
	}
	s.conn_list = make(map[uint64]net.Conn)
	return s
}

// Listen binds the device listener. It is separate from Serve so bind
// failures surface before anything else starts.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.ListenerAddr)
	if err != nil {
		return err
	}
	if s.config.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info().Msgf("gps-server listening on %s", ln.Addr())
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until the listener is closed. It returns nil
// after Shutdown and the accept error otherwise.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("gps-server: Serve called before Listen")
	}
	var delay time.Duration
	for {
		_c, err := ln.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				if delay == 0 {
					delay = initialAcceptDelay
				} else {
					delay *= 2
				}
				if delay > maxAcceptBackoff {
					delay = maxAcceptBackoff
				}
				s.log.Warn().Err(err).Str("event", ACCEPT_ERROR).Dur("retry_in", delay).Msg("temporary accept error")
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return nil
				}
			}
			s.log.Error().Err(err).Str("event", ACCEPT_ERROR).Msg("failed to accept new connection")
			return err
		}
		delay = 0
		s.ServeConn(ctx, _c, "")
	}
}

// ServeConn takes ownership of c and handles it on its own goroutine. raddr
// overrides the socket peer address, as for tunnelled streams.
func (s *Server) ServeConn(ctx context.Context, _c net.Conn, raddr string) {
	cid := atomic.AddUint64(&s.cid_counter, 1)
	if !s.track(cid, _c) {
		_c.Close()
		return
	}
	go func() {
		defer s.wg.Done()
		defer s.untrack(cid)
		if s.config.ReadTimeout > 0 {
			_ = _c.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		c := conn.NewConn(_c, cid, raddr)
		observability.DeviceConnections.Inc()
		observability.DevicesOnline.Inc()
		defer observability.DevicesOnline.Dec()
		s.log.Info().Str("event", NEW_CONNECTION).EmbedObject(c).Msg("")
		h := &connHandler{s: s, c: c}
		h.run(ctx)
	}()
}

func (s *Server) track(cid uint64, c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conn_list[cid] = c
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(cid uint64) {
	s.mu.Lock()
	delete(s.conn_list, cid)
	s.mu.Unlock()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conn_list)
}

// Shutdown closes the listener and every live connection, then waits for
// all connection cleanups to finish.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closing = true
	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range s.conn_list {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

type connHandler struct {
	s        *Server
	c        *conn.Conn
	identity string
}

func (h *connHandler) MarshalObject(e *log.Entry) {
	e.EmbedObject(h.c).Str("protocol", device.PROTOCOL_COBAN).Str("imei", h.identity)
}

func (h *connHandler) run(ctx context.Context) {
	defer h.cleanup(ctx)
	sc := coban.NewScanner(h.c)
	for {
		if h.s.config.ReadTimeout > 0 {
			_ = h.c.SetReadDeadline(time.Now().Add(h.s.config.ReadTimeout))
		}
		if !sc.Scan() {
			break
		}
		h.handleRecord(ctx, sc.Bytes())
	}
	if err := sc.Err(); err != nil {
		switch {
		case errors.Is(err, coban.ErrRecordTooLong):
			h.s.log.Warn().Str("event", RECORD_TOO_LONG).EmbedObject(h).Msg("closing connection")
		case errors.Is(err, os.ErrDeadlineExceeded):
			h.s.log.Info().Str("event", READ_TIMEOUT).EmbedObject(h).Msg("device idle, closing connection")
		case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		default:
			h.s.log.Debug().Err(err).EmbedObject(h).Msg("read error")
		}
	}
}

func (h *connHandler) handleRecord(ctx context.Context, line []byte) {
	r, err := coban.Decode(line)
	if err != nil {
		observability.DecodeErrors.Inc()
		h.s.log.Warn().Err(err).Str("event", DECODE_ERROR).EmbedObject(h).Msg("")
		return
	}
	srvt := time.Now().UTC()

	if h.identity != "" && h.identity != r.IMEI {
		h.s.log.Info().Str("event", IDENTITY_CHANGED).EmbedObject(h).Str("new_imei", r.IMEI).Msg("")
		if h.s.registry.RemoveIfCurrent(h.identity, h.c) {
			h.s.events.Emit(ctx, events.DEVICE_DISCONNECTED, h.deviceEvent())
		}
		h.identity = ""
	}

	prev := h.s.registry.RegisterOrUpdate(r.IMEI, h.c, r)
	if h.identity == "" {
		h.identity = r.IMEI
		h.s.log.Info().Str("event", DEVICE_REGISTERED).EmbedObject(h).Msg("")
		h.s.events.Emit(ctx, events.DEVICE_CONNECTED, h.deviceEvent())
	}
	if prev != nil {
		h.s.log.Info().Str("event", DEVICE_REPLACED).EmbedObject(h).Uint64("prev_cid", prev.Cid()).Msg("newer connection took over identity")
		h.s.events.Emit(ctx, events.DEVICE_REPLACED, events.DeviceEvent{IMEI: r.IMEI, Cid: prev.Cid(), RemoteAddr: prev.RemoteAddr()})
	}

	h.s.sublist.Broadcast(r)
	h.s.store.Put(r, srvt)
	observability.ReportsDecoded.Inc()
}

func (h *connHandler) deviceEvent() events.DeviceEvent {
	return events.DeviceEvent{IMEI: h.identity, Cid: h.c.Cid(), RemoteAddr: h.c.RemoteAddr()}
}

func (h *connHandler) cleanup(ctx context.Context) {
	h.c.Close()
	if h.identity != "" && h.s.registry.RemoveIfCurrent(h.identity, h.c) {
		h.s.events.Emit(ctx, events.DEVICE_DISCONNECTED, h.deviceEvent())
	}
	in, out := h.c.Stat()
	h.s.log.Info().Str("event", CONNECTION_CLOSED).EmbedObject(h).Uint64("byte_in", in).Uint64("byte_out", out).
		Dur("duration", time.Since(h.c.Created())).Msg("")
}

var _ device.Conn = (*conn.Conn)(nil)
