package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus is the client_golang-backed collector. Metrics live in a
// private registry so tests can run collectors side by side.
type Prometheus struct {
	registry *prometheus.Registry

	polls             *prometheus.CounterVec
	commands          prometheus.Counter
	reconnections     prometheus.Counter
	decodedFrames     prometheus.Counter
	droppedDuplicates prometheus.Counter
	connected         prometheus.Gauge
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus builds a collector with its own registry.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	return &Prometheus{
		registry: reg,
		polls: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fossibot_polls_total",
				Help: "Total poll rounds by result",
			},
			[]string{"result"}, // "ok", "empty"
		),
		commands: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fossibot_commands_total",
			Help: "Total commands published to devices",
		}),
		reconnections: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fossibot_reconnections_total",
			Help: "Total reconnection cycles started",
		}),
		decodedFrames: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fossibot_decoded_frames_total",
			Help: "Total register frames decoded and merged",
		}),
		droppedDuplicates: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fossibot_dropped_duplicates_total",
			Help: "Total duplicate QoS-1 deliveries suppressed",
		}),
		connected: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "fossibot_connected",
			Help: "Broker connection state (1 connected, 0 not)",
		}),
	}
}

func (p *Prometheus) IncrementPolls(ok bool) {
	result := "empty"
	if ok {
		result = "ok"
	}
	p.polls.WithLabelValues(result).Inc()
}

func (p *Prometheus) IncrementCommands()          { p.commands.Inc() }
func (p *Prometheus) IncrementReconnections()     { p.reconnections.Inc() }
func (p *Prometheus) IncrementDecodedFrames()     { p.decodedFrames.Inc() }
func (p *Prometheus) IncrementDroppedDuplicates() { p.droppedDuplicates.Inc() }

func (p *Prometheus) SetConnected(online bool) {
	if online {
		p.connected.Set(1)
		return
	}
	p.connected.Set(0)
}

// Handler exposes the registry for embedding into an existing mux.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Serve runs a metrics HTTP listener on addr. Blocks until the server
// stops.
func (p *Prometheus) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}
