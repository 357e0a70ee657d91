package webstream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phuslu/log"
	"nhooyr.io/websocket"
	"nuha.dev/gpsgateway/internal/events"
	"nuha.dev/gpsgateway/internal/gateway/command"
	"nuha.dev/gpsgateway/internal/gateway/sublist"
	"nuha.dev/gpsgateway/internal/observability"
)

const (
	VIEWER_CONNECTED string = "viewer_connected"
	VIEWER_CLOSED    string = "viewer_closed"
	VIEWER_TOO_SLOW  string = "viewer_too_slow"
	COMMAND_ROUTED   string = "command_routed"
	COMMAND_DROPPED  string = "command_dropped"
	UPGRADE_ERROR    string = "upgrade_error"
)

const (
	defaultWriteTimeout = 10 * time.Second
	readLimit           = 4096
)

type WebStreamConfig struct {
	ListenAddr     string
	QueueSize      int
	PingInterval   time.Duration
	AllowedOrigins []string
}

// WebstreamServer serves the viewer push channel on /ws.
type WebstreamServer struct {
	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	log      log.Logger
	config   *WebStreamConfig
	sublist  *sublist.Sublist
	router   *command.Router
	events   events.Emitter
	viewers  map[*Viewer]struct{}
	seq      uint64
	closing  bool
	wg       sync.WaitGroup
}

func NewWebstream(sl *sublist.Sublist, router *command.Router, ev events.Emitter, config *WebStreamConfig) *WebstreamServer {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	o := &WebstreamServer{config: config, sublist: sl, router: router, events: ev}
	if o.events == nil {
		o.events = events.Nop{}
	}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "webstream").Value()
	o.viewers = make(map[*Viewer]struct{})
	o.server = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           o.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return o
}

func (ws *WebstreamServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/ws", ws.serve_http)
	return r
}

func (ws *WebstreamServer) Listen() error {
	ln, err := net.Listen("tcp", ws.config.ListenAddr)
	if err != nil {
		return err
	}
	ws.mu.Lock()
	ws.listener = ln
	ws.mu.Unlock()
	ws.log.Info().Msgf("webstream listening on %s", ln.Addr())
	return nil
}

func (ws *WebstreamServer) Addr() net.Addr {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.listener == nil {
		return nil
	}
	return ws.listener.Addr()
}

// Serve blocks until Shutdown. Any other return is a listener failure.
func (ws *WebstreamServer) Serve() error {
	ws.mu.Lock()
	ln := ws.listener
	ws.mu.Unlock()
	if ln == nil {
		return errors.New("webstream: Serve called before Listen")
	}
	err := ws.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown disconnects every viewer and stops the http server.
func (ws *WebstreamServer) Shutdown(ctx context.Context) error {
	ws.mu.Lock()
	ws.closing = true
	for v := range ws.viewers {
		v.close(websocket.StatusGoingAway, "server shutting down")
	}
	ws.mu.Unlock()
	err := ws.server.Shutdown(ctx)
	ws.wg.Wait()
	return err
}

func (ws *WebstreamServer) Viewers() []ViewerInfo {
	ws.mu.Lock()
	out := make([]ViewerInfo, 0, len(ws.viewers))
	for v := range ws.viewers {
		out = append(out, v.Info())
	}
	ws.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

func (ws *WebstreamServer) ViewerCount() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.viewers)
}

func (ws *WebstreamServer) add(v *Viewer) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closing {
		return false
	}
	ws.viewers[v] = struct{}{}
	ws.wg.Add(1)
	return true
}

func (ws *WebstreamServer) remove(v *Viewer) {
	ws.mu.Lock()
	delete(ws.viewers, v)
	ws.mu.Unlock()
	ws.wg.Done()
}

func (ws *WebstreamServer) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{CompressionMode: websocket.CompressionDisabled}
	for _, o := range ws.config.AllowedOrigins {
		if o == "*" {
			opts.InsecureSkipVerify = true
			return opts
		}
	}
	opts.OriginPatterns = ws.config.AllowedOrigins
	return opts
}

func (ws *WebstreamServer) serve_http(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, ws.acceptOptions())
	if err != nil {
		ws.log.Warn().Err(err).Str("event", UPGRADE_ERROR).Str("remote_addr", r.RemoteAddr).Msg("")
		return
	}
	c.SetReadLimit(readLimit)
	v := newViewer(atomic.AddUint64(&ws.seq, 1), r.RemoteAddr, ws.config.QueueSize)
	if !ws.add(v) {
		c.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer ws.remove(v)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws.sublist.Subscribe(v)
	observability.ViewersOnline.Inc()
	ws.log.Info().Str("event", VIEWER_CONNECTED).EmbedObject(v).Msg("")
	ws.events.Emit(ctx, events.VIEWER_CONNECTED, events.ViewerEvent{ID: v.id, RemoteAddr: v.raddr})

	wc := &webstreamClient{ws: ws, v: v, c: c}
	readDone := make(chan struct{})
	go func() {
		wc.readLoop(ctx)
		close(readDone)
	}()
	if ws.config.PingInterval > 0 {
		go wc.pingLoop(ctx)
	}
	wc.writeLoop(ctx)

	ws.sublist.Unsubscribe(v)
	observability.ViewersOnline.Dec()
	if v.reason == reasonTooSlow {
		observability.ViewersDropped.Inc()
		ws.log.Warn().Str("event", VIEWER_TOO_SLOW).EmbedObject(v).Int("queue_size", ws.config.QueueSize).Msg("")
	}
	c.Close(v.code, v.reason)
	cancel()
	<-readDone
	info := v.Info()
	ws.log.Info().Str("event", VIEWER_CLOSED).EmbedObject(v).Uint64("pushed", info.Pushed).Str("reason", v.reason).Msg("")
	ws.events.Emit(context.Background(), events.VIEWER_DISCONNECTED, events.ViewerEvent{ID: v.id, RemoteAddr: v.raddr, Pushed: info.Pushed})
}

type webstreamClient struct {
	ws *WebstreamServer
	v  *Viewer
	c  *websocket.Conn
}

func (wc *webstreamClient) writeLoop(ctx context.Context) {
	for {
		select {
		case d := <-wc.v.queue:
			wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
			err := wc.c.Write(wctx, websocket.MessageText, d)
			cancel()
			if err != nil {
				wc.ws.log.Debug().Err(err).EmbedObject(wc.v).Msg("error while writing to viewer")
				wc.v.close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-wc.v.done:
			return
		}
	}
}

func (wc *webstreamClient) readLoop(ctx context.Context) {
	for {
		typ, msg, err := wc.c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				wc.v.close(status, "")
			} else {
				wc.v.close(websocket.StatusInternalError, "read failed")
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		wc.handle(ctx, msg)
	}
}

func (wc *webstreamClient) handle(ctx context.Context, msg []byte) {
	env, err := wc.ws.router.Handle(ctx, msg)
	ev := events.CommandEvent{IMEI: env.IMEI, Source: wc.v.id, Size: len(env.Command)}
	switch {
	case err == nil:
		observability.Commands.WithLabelValues("routed").Inc()
		wc.ws.log.Info().Str("event", COMMAND_ROUTED).EmbedObject(wc.v).Str("imei", env.IMEI).Int("size", len(env.Command)).Msg("")
		wc.ws.events.Emit(ctx, events.COMMAND_ROUTED, ev)
		return
	case errors.Is(err, command.ErrIgnored):
		observability.Commands.WithLabelValues("ignored").Inc()
		wc.ws.log.Debug().Err(err).EmbedObject(wc.v).Msg("ignoring envelope")
		return
	case errors.Is(err, command.ErrMalformed):
		observability.Commands.WithLabelValues("malformed").Inc()
		wc.ws.log.Debug().Err(err).EmbedObject(wc.v).Msg("malformed envelope")
		return
	case errors.Is(err, command.ErrUnknownDevice):
		observability.Commands.WithLabelValues("unknown_device").Inc()
		wc.ws.log.Debug().Str("event", COMMAND_DROPPED).EmbedObject(wc.v).Str("imei", env.IMEI).Msg("device not connected")
	default:
		observability.Commands.WithLabelValues("write_error").Inc()
		wc.ws.log.Warn().Err(err).Str("event", COMMAND_DROPPED).EmbedObject(wc.v).Str("imei", env.IMEI).Msg("")
	}
	ev.Reason = err.Error()
	wc.ws.events.Emit(ctx, events.COMMAND_DROPPED, ev)
}

func (wc *webstreamClient) pingLoop(ctx context.Context) {
	t := time.NewTicker(wc.ws.config.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, wc.ws.config.PingInterval)
			err := wc.c.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					wc.ws.log.Debug().Err(err).EmbedObject(wc.v).Msg("ping failed")
					wc.v.close(websocket.StatusPolicyViolation, "ping timeout")
				}
				return
			}
		case <-ctx.Done():
			return
		case <-wc.v.done:
			return
		}
	}
}
