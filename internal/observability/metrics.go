package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DeviceConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpsgw_device_connections_total",
		Help: "Total device connections accepted",
	})
	DevicesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gpsgw_devices_online",
		Help: "Device connections currently open",
	})
	ReportsDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpsgw_reports_decoded_total",
		Help: "Positional reports decoded and broadcast",
	})
	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpsgw_decode_errors_total",
		Help: "Records rejected by the decoder",
	})
	ViewersOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gpsgw_viewers_online",
		Help: "Viewer websocket sessions currently open",
	})
	ViewersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpsgw_viewers_dropped_total",
		Help: "Viewers disconnected because their queue overflowed",
	})
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpsgw_commands_total",
		Help: "Viewer commands by outcome",
	}, []string{"result"})
	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpsgw_events_total",
		Help: "Lifecycle events by topic",
	}, []string{"topic"})
	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpsgw_sink_errors_total",
		Help: "Report sink write failures",
	}, []string{"sink"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
