package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder collects engine metrics. A nil *Recorder is valid and records nothing.
type Recorder struct {
	connected        prometheus.Gauge
	reconnects       prometheus.Counter
	fatalErrors      prometheus.Counter
	framesReceived   *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	controlFrames    *prometheus.CounterVec
	activeChannels   prometheus.Gauge
	ticksApplied     *prometheus.CounterVec
	ticksRejected    *prometheus.CounterVec
	fetchDuration    prometheus.Histogram
	fetchFailures    *prometheus.CounterVec
	evaluations      prometheus.Counter
	takeProfitHits   *prometheus.CounterVec
	lastPrice        *prometheus.GaugeVec
	priceUpdatesLost prometheus.Counter
}

// New registers the engine metrics with reg
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "signalwatch_stream_connected",
			Help: "1 when the market-data stream connection is open",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "signalwatch_stream_reconnect_attempts_total",
			Help: "Reconnect attempts made after a connection drop",
		}),
		fatalErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "signalwatch_stream_fatal_errors_total",
			Help: "Times reconnection was abandoned after the attempt cap",
		}),
		framesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signalwatch_frames_received_total",
			Help: "Inbound frames accepted, by kind",
		}, []string{"kind"}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signalwatch_frames_dropped_total",
			Help: "Inbound frames dropped, by reason",
		}, []string{"reason"}),
		controlFrames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signalwatch_control_frames_sent_total",
			Help: "SUBSCRIBE/UNSUBSCRIBE frames sent upstream",
		}, []string{"method"}),
		activeChannels: f.NewGauge(prometheus.GaugeOpts{
			Name: "signalwatch_active_channels",
			Help: "Upstream channels with at least one listener",
		}),
		ticksApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signalwatch_ticks_applied_total",
			Help: "Ticks applied to candle state",
		}, []string{"symbol"}),
		ticksRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signalwatch_ticks_rejected_total",
			Help: "Ticks rejected at the aggregator boundary, by reason",
		}, []string{"reason"}),
		fetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "signalwatch_history_fetch_duration_seconds",
			Help:    "Duration of historical candle bootstrap calls",
			Buckets: prometheus.DefBuckets,
		}),
		fetchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signalwatch_history_fetch_failures_total",
			Help: "Failed historical candle bootstrap calls",
		}, []string{"symbol"}),
		evaluations: f.NewCounter(prometheus.CounterOpts{
			Name: "signalwatch_evaluations_total",
			Help: "Signal evaluations performed",
		}),
		takeProfitHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signalwatch_take_profit_hits_total",
			Help: "Take-profit levels newly hit",
		}, []string{"symbol"}),
		lastPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signalwatch_last_price",
			Help: "Last recorded price for a symbol",
		}, []string{"symbol"}),
		priceUpdatesLost: f.NewCounter(prometheus.CounterOpts{
			Name: "signalwatch_price_updates_dropped_total",
			Help: "Price updates not delivered to a slow watcher",
		}),
	}
}

func (r *Recorder) SetConnected(up bool) {
	if r == nil {
		return
	}
	if up {
		r.connected.Set(1)
		return
	}
	r.connected.Set(0)
}

func (r *Recorder) RecordReconnectAttempt() {
	if r != nil {
		r.reconnects.Inc()
	}
}

func (r *Recorder) RecordFatal() {
	if r != nil {
		r.fatalErrors.Inc()
	}
}

func (r *Recorder) RecordFrame(kind string) {
	if r != nil {
		r.framesReceived.WithLabelValues(kind).Inc()
	}
}

func (r *Recorder) RecordDroppedFrame(reason string) {
	if r != nil {
		r.framesDropped.WithLabelValues(reason).Inc()
	}
}

func (r *Recorder) RecordControlFrame(method string) {
	if r != nil {
		r.controlFrames.WithLabelValues(method).Inc()
	}
}

func (r *Recorder) SetActiveChannels(n int) {
	if r != nil {
		r.activeChannels.Set(float64(n))
	}
}

// RecordTick records an applied tick and the resulting last price
func (r *Recorder) RecordTick(symbol string, price float64) {
	if r == nil {
		return
	}
	r.ticksApplied.WithLabelValues(symbol).Inc()
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

func (r *Recorder) RecordRejectedTick(reason string) {
	if r != nil {
		r.ticksRejected.WithLabelValues(reason).Inc()
	}
}

func (r *Recorder) RecordFetch(seconds float64) {
	if r != nil {
		r.fetchDuration.Observe(seconds)
	}
}

func (r *Recorder) RecordFetchFailure(symbol string) {
	if r != nil {
		r.fetchFailures.WithLabelValues(symbol).Inc()
	}
}

func (r *Recorder) RecordEvaluation() {
	if r != nil {
		r.evaluations.Inc()
	}
}

func (r *Recorder) RecordTakeProfitHits(symbol string, n int) {
	if r != nil && n > 0 {
		r.takeProfitHits.WithLabelValues(symbol).Add(float64(n))
	}
}

func (r *Recorder) RecordDroppedPriceUpdate() {
	if r != nil {
		r.priceUpdatesLost.Inc()
	}
}
