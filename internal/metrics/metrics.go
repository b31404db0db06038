// Package metrics exposes operational counters for the console and
// relay over the standard Prometheus text endpoint.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "xxtcc"

// Console holds the console-side instruments.
type Console struct {
	registry *prometheus.Registry

	DevicesKnown    prometheus.Gauge
	StreamsActive   prometheus.Gauge
	CommandsSent    *prometheus.CounterVec
	MovesSuppressed prometheus.Counter
	CatchUpEngaged  prometheus.Counter
	StreamLag       prometheus.Gauge
	LoadLevel       prometheus.Gauge
}

// NewConsole creates a console metric set on its own registry.
func NewConsole() *Console {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Console{
		registry: reg,
		DevicesKnown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "console",
			Name: "devices_known",
			Help: "Devices currently present in the device table.",
		}),
		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "console",
			Name: "streams_active",
			Help: "Video sessions currently connected.",
		}),
		CommandsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "console",
			Name: "commands_sent_total",
			Help: "Device commands sent, labelled by delivery path.",
		}, []string{"path"}),
		MovesSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "console",
			Name: "moves_suppressed_total",
			Help: "Pointer moves dropped by coalescing or the epsilon check.",
		}),
		CatchUpEngaged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "console",
			Name: "catchup_engaged_total",
			Help: "Times playback catch-up engaged.",
		}),
		StreamLag: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "console",
			Name: "stream_lag_seconds",
			Help: "Estimated receive lag of the active stream.",
		}),
		LoadLevel: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "console",
			Name: "load_level",
			Help: "Host load level: 0 normal, 1 high, 2 critical.",
		}),
	}
}

// Handler returns the scrape handler for this registry.
func (c *Console) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Relay holds the relay-side instruments.
type Relay struct {
	registry *prometheus.Registry

	DevicesConnected     prometheus.Gauge
	ControllersConnected prometheus.Gauge
	MessagesForwarded    *prometheus.CounterVec
	AuthFailures         prometheus.Counter
	DevicesExpired       prometheus.Counter
}

// NewRelay creates a relay metric set on its own registry.
func NewRelay() *Relay {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Relay{
		registry: reg,
		DevicesConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay",
			Name: "devices_connected",
			Help: "Devices with a live websocket.",
		}),
		ControllersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay",
			Name: "controllers_connected",
			Help: "Authenticated controller connections.",
		}),
		MessagesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay",
			Name: "messages_forwarded_total",
			Help: "Messages forwarded, labelled by direction.",
		}, []string{"direction"}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay",
			Name: "auth_failures_total",
			Help: "Control messages rejected by signature checks.",
		}),
		DevicesExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay",
			Name: "devices_expired_total",
			Help: "Devices dropped after missing liveness polls.",
		}),
	}
}

// Handler returns the scrape handler for this registry.
func (r *Relay) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes handler on addr/metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
