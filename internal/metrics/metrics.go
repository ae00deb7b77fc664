// Registers:
//
//	#marketsync_refresh_total{result}
//	#marketsync_stream_frames_total{type}
//	#marketsync_decode_errors_total
//	#marketsync_kill_switch_active, marketsync_bot_running, marketsync_markets
//	#go_* and process_* system metrics
//
// Handler exposes them for the control API's /metrics route.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry = prometheus.NewRegistry()

	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsync_refresh_total",
			Help: "Snapshot refresh attempts by result",
		},
		[]string{"result"},
	)
	streamFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsync_stream_frames_total",
			Help: "Decoded stream frames by type",
		},
		[]string{"type"},
	)
	decodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketsync_decode_errors_total",
		Help: "Stream frames rejected at the decode boundary",
	})
	killSwitch = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketsync_kill_switch_active",
		Help: "1 while the global kill switch is active",
	})
	botRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketsync_bot_running",
		Help: "1 while the bot is running",
	})
	marketsTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketsync_markets",
		Help: "Markets held in the state store",
	})
)

// Init registers every collector once. Recording works before Init; values
// are only exported afterwards.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			refreshTotal,
			streamFrames,
			decodeErrors,
			killSwitch,
			botRunning,
			marketsTracked,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func IncrementRefresh(result string) {
	refreshTotal.WithLabelValues(result).Inc()
}

func IncrementStreamFrame(frameType string) {
	streamFrames.WithLabelValues(frameType).Inc()
}

func IncrementDecodeError() {
	decodeErrors.Inc()
}

func SetKillSwitch(active bool) {
	killSwitch.Set(boolGauge(active))
}

func SetBotRunning(running bool) {
	botRunning.Set(boolGauge(running))
}

func SetMarkets(n int) {
	marketsTracked.Set(float64(n))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
