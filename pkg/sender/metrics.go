package sender

import (
	"fmt"
	"strconv"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// latencyWindow bounds how many recent request latencies the summary keeps.
const latencyWindow = 10000

// Metrics records what the transport loop has done on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	eventsSent      *prometheus.CounterVec
	responses       *prometheus.CounterVec
	transportErrors prometheus.Counter
	requestDuration prometheus.Histogram

	latencies []float64 // ring buffer of milliseconds
	next      int
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iap_events_sent_total",
				Help: "Total number of events posted, by generator mode.",
			},
			[]string{"mode"},
		),
		responses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iap_responses_total",
				Help: "Total number of HTTP responses received, by status code.",
			},
			[]string{"code"},
		),
		transportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iap_transport_errors_total",
			Help: "Total number of posts that failed before a response arrived.",
		}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "iap_request_duration_seconds",
			Help:    "Duration of event posts that received a response.",
			Buckets: prometheus.DefBuckets,
		}),
		latencies: make([]float64, 0, latencyWindow),
	}

	m.registry.MustRegister(m.eventsSent, m.responses, m.transportErrors, m.requestDuration)
	return m
}

// Registry exposes the collectors for scraping or inspection.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeSend(mode string) {
	m.eventsSent.WithLabelValues(mode).Inc()
}

func (m *Metrics) observeResponse(code int, d time.Duration) {
	m.responses.WithLabelValues(strconv.Itoa(code)).Inc()
	m.requestDuration.Observe(d.Seconds())

	ms := float64(d) / float64(time.Millisecond)
	if len(m.latencies) < latencyWindow {
		m.latencies = append(m.latencies, ms)
		return
	}
	m.latencies[m.next] = ms
	m.next = (m.next + 1) % latencyWindow
}

func (m *Metrics) observeTransportError() {
	m.transportErrors.Inc()
}

// Summary is a point-in-time digest of the run.
type Summary struct {
	Sent            int
	OK              int
	NonOK           int
	TransportErrors int
	P50LatencyMs    float64
	P95LatencyMs    float64
}

// Summary gathers the registry and computes latency percentiles over the
// recent window.
func (m *Metrics) Summary() (Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return Summary{}, fmt.Errorf("gather metrics: %w", err)
	}

	var s Summary
	for _, mf := range families {
		switch mf.GetName() {
		case "iap_events_sent_total":
			s.Sent = int(sumCounters(mf))
		case "iap_transport_errors_total":
			s.TransportErrors = int(sumCounters(mf))
		case "iap_responses_total":
			for _, metric := range mf.GetMetric() {
				n := int(metric.GetCounter().GetValue())
				if labelValue(metric, "code") == "200" {
					s.OK += n
				} else {
					s.NonOK += n
				}
			}
		}
	}

	if len(m.latencies) > 0 {
		data := stats.Float64Data(m.latencies)
		if s.P50LatencyMs, err = data.Percentile(50); err != nil {
			return s, fmt.Errorf("p50 latency: %w", err)
		}
		if s.P95LatencyMs, err = data.Percentile(95); err != nil {
			return s, fmt.Errorf("p95 latency: %w", err)
		}
	}
	return s, nil
}

func sumCounters(mf *dto.MetricFamily) float64 {
	total := 0.0
	for _, metric := range mf.GetMetric() {
		total += metric.GetCounter().GetValue()
	}
	return total
}

func labelValue(metric *dto.Metric, name string) string {
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
