package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	hashids "github.com/speps/go-hashids/v2"
	"nuha.dev/gpsgateway/internal/gateway/command"
	"nuha.dev/gpsgateway/internal/gateway/device"
	"nuha.dev/gpsgateway/internal/gateway/registry"
	"nuha.dev/gpsgateway/internal/gateway/webstream"
	"nuha.dev/gpsgateway/internal/observability"
	"nuha.dev/gpsgateway/internal/util"
)

type DeviceLister interface {
	Snapshot() []registry.Entry
}

type ViewerLister interface {
	Viewers() []webstream.ViewerInfo
}

type Router interface {
	Route(ctx context.Context, identity string, payload []byte) error
}

type MonitoringConfig struct {
	ListenAddr     string
	TokenHash      string
	IdSalt         string
	AllowedOrigins []string
}

type MonitoringServer struct {
	devices  DeviceLister
	viewers  ViewerLister
	router   Router
	config   *MonitoringConfig
	server   *http.Server
	listener net.Listener
	hid      *hashids.HashID
	vld      *validator.Validate
	log      log.Logger
}

type viewerStatus struct {
	Session    string    `json:"session"`
	RemoteAddr string    `json:"remote_addr"`
	Since      time.Time `json:"since"`
	Pushed     uint64    `json:"pushed"`
	Queued     int       `json:"queued"`
}

type commandRequest struct {
	Command string `json:"command" validate:"required,max=1024"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewMonApi(devices DeviceLister, viewers ViewerLister, router Router, config *MonitoringConfig) (*MonitoringServer, error) {
	hd := hashids.NewData()
	hd.Salt = config.IdSalt
	hd.MinLength = 8
	hid, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, err
	}
	m := &MonitoringServer{devices: devices, viewers: viewers, router: router, config: config, hid: hid, vld: validator.New()}
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "monitoring").Value()
	m.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        m.GetHandler(),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return m, nil
}

func (m *MonitoringServer) Listen() error {
	ln, err := net.Listen("tcp", m.config.ListenAddr)
	if err != nil {
		return err
	}
	m.listener = ln
	m.log.Info().Msgf("monitoring api listening on %s", ln.Addr())
	return nil
}

func (m *MonitoringServer) Serve() error {
	err := m.server.Serve(m.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (m *MonitoringServer) Shutdown(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}

func (m *MonitoringServer) GetHandler() http.Handler {
	origins := m.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", observability.Handler())
	r.Group(func(r chi.Router) {
		r.Use(m.authorize)
		r.Get("/devices", m.listDevices)
		r.Get("/viewers", m.listViewers)
		r.Post("/devices/{imei}/command", m.sendCommand)
	})
	return r
}

// authorize checks the bearer token against the configured bcrypt hash.
// Without a hash the api is open.
func (m *MonitoringServer) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.config.TokenHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || !util.CheckToken(m.config.TokenHash, token) {
			m.writeJson(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *MonitoringServer) listDevices(w http.ResponseWriter, r *http.Request) {
	m.writeJson(w, http.StatusOK, m.devices.Snapshot())
}

func (m *MonitoringServer) listViewers(w http.ResponseWriter, r *http.Request) {
	vs := m.viewers.Viewers()
	out := make([]viewerStatus, 0, len(vs))
	for _, v := range vs {
		session, err := m.hid.EncodeInt64([]int64{int64(v.Seq)})
		if err != nil {
			m.log.Error().Err(err).Uint64("seq", v.Seq).Msg("encoding session id")
			continue
		}
		out = append(out, viewerStatus{Session: session, RemoteAddr: v.RemoteAddr, Since: v.Since, Pushed: v.Pushed, Queued: v.Queued})
	}
	m.writeJson(w, http.StatusOK, out)
}

func (m *MonitoringServer) sendCommand(w http.ResponseWriter, r *http.Request) {
	imei := chi.URLParam(r, "imei")
	if !device.ValidIdentity(imei) {
		m.writeJson(w, http.StatusBadRequest, errorResponse{Error: "invalid imei"})
		return
	}
	var req commandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		m.writeJson(w, http.StatusBadRequest, errorResponse{Error: "invalid body"})
		return
	}
	if err := m.vld.Struct(&req); err != nil {
		m.writeJson(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	err := m.router.Route(r.Context(), imei, []byte(req.Command))
	switch {
	case err == nil:
		observability.Commands.WithLabelValues("routed").Inc()
		m.log.Info().Str("event", "command_routed").Str("imei", imei).Str("request_id", middleware.GetReqID(r.Context())).Msg("")
		m.writeJson(w, http.StatusAccepted, map[string]string{"status": "sent"})
	case errors.Is(err, command.ErrUnknownDevice):
		observability.Commands.WithLabelValues("unknown_device").Inc()
		m.writeJson(w, http.StatusNotFound, errorResponse{Error: "device not connected"})
	default:
		observability.Commands.WithLabelValues("write_error").Inc()
		m.log.Warn().Err(err).Str("event", "command_dropped").Str("imei", imei).Msg("")
		m.writeJson(w, http.StatusBadGateway, errorResponse{Error: "write to device failed"})
	}
}

func (m *MonitoringServer) writeJson(w http.ResponseWriter, status int, v interface{}) {
	if err := util.JsonWrite(w, status, v); err != nil {
		m.log.Debug().Err(err).Msg("writing response")
	}
}
