// Package metrics exposes engine counters to prometheus. A nil *Recorder is
// valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fairchat"

type Recorder struct {
	registry *prometheus.Registry

	gatewayQueries  *prometheus.CounterVec
	gatewayLatency  *prometheus.HistogramVec
	bodyResolutions *prometheus.CounterVec
	merges          prometheus.Counter
	malformed       prometheus.Counter
	pollTicks       *prometheus.CounterVec
	submissions     *prometheus.CounterVec
	states          *prometheus.CounterVec
	messages        prometheus.Gauge
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		gatewayQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gateway_queries_total",
			Help: "Ledger index queries by stream and outcome.",
		}, []string{"stream", "outcome"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "gateway_query_seconds",
			Help:    "Ledger index query latency by stream.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stream"}),
		bodyResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "body_resolutions_total",
			Help: "Message body resolutions by source (cache, fetch, failed).",
		}, []string{"source"}),
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "timeline_merges_total",
			Help: "Merge passes applied to the active conversation.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "malformed_records_total",
			Help: "Ledger records dropped during normalization.",
		}),
		pollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "poll_ticks_total",
			Help: "Poll ticks by result.",
		}, []string{"result"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "submissions_total",
			Help: "Inference request submissions by outcome.",
		}, []string{"outcome"}),
		states: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "waiting_state_transitions_total",
			Help: "Waiting state transitions by target state.",
		}, []string{"state"}),
		messages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "timeline_messages",
			Help: "Messages in the active conversation timeline.",
		}),
	}
	reg.MustRegister(
		r.gatewayQueries, r.gatewayLatency, r.bodyResolutions, r.merges, r.malformed,
		r.pollTicks, r.submissions, r.states, r.messages,
		collectors.NewGoCollector(),
	)
	return r
}

// Handler serves the registry in the prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) GatewayQuery(stream string, started time.Time, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.gatewayQueries.WithLabelValues(stream, outcome).Inc()
	r.gatewayLatency.WithLabelValues(stream).Observe(time.Since(started).Seconds())
}

func (r *Recorder) BodyResolved(source string) {
	if r == nil {
		return
	}
	r.bodyResolutions.WithLabelValues(source).Inc()
}

func (r *Recorder) MalformedRecord() {
	if r == nil {
		return
	}
	r.malformed.Inc()
}

func (r *Recorder) Merged(total int) {
	if r == nil {
		return
	}
	r.merges.Inc()
	r.messages.Set(float64(total))
}

func (r *Recorder) PollTick(result string) {
	if r == nil {
		return
	}
	r.pollTicks.WithLabelValues(result).Inc()
}

func (r *Recorder) Submission(err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.submissions.WithLabelValues(outcome).Inc()
}

func (r *Recorder) StateChanged(state string) {
	if r == nil {
		return
	}
	r.states.WithLabelValues(state).Inc()
}
