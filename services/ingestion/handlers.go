package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/lgreene/iap-telemetry/schemas"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	acceptedTopic = "iap_events"
	rejectedTopic = "iap_events_rejected"

	maxBodyBytes = 1 << 20
)

var (
	ingestionRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestion_requests_total",
			Help: "Total number of ingestion requests.",
		},
		[]string{"path", "status"},
	)
	ingestionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestion_iap_events_total",
			Help: "IAP events received, by outcome.",
		},
		[]string{"outcome"},
	)
	ingestionRevenueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestion_iap_amount_total",
			Help: "Sum of accepted purchase amounts, by currency.",
		},
		[]string{"currency"},
	)
	fsyncDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingestion_fsync_duration_seconds",
			Help:    "Duration of fsync operations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)
	uploadedBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestion_uploaded_batches_total",
			Help: "Buffer batches uploaded to object storage.",
		},
		[]string{"topic"},
	)
)

func init() {
	prometheus.MustRegister(ingestionRequestsTotal)
	prometheus.MustRegister(ingestionEventsTotal)
	prometheus.MustRegister(ingestionRevenueTotal)
	prometheus.MustRegister(fsyncDurationSeconds)
	prometheus.MustRegister(uploadedBatchesTotal)
	prometheus.MustRegister(prometheus.NewBuildInfoCollector())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorJSON(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}

// authMiddleware checks the X-API-Key header when apiKey is configured.
func authMiddleware(apiKey string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if apiKey != "" && r.Header.Get("X-API-Key") != apiKey {
			writeErrorJSON(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

// readJSONBody enforces POST, a JSON content type and the body size limit.
// On failure it has already written the response.
func readJSONBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Method != http.MethodPost {
		writeErrorJSON(w, http.StatusMethodNotAllowed, "Method not allowed")
		return nil, false
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		writeErrorJSON(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return nil, false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorJSON(w, http.StatusRequestEntityTooLarge, "Body too large")
		} else {
			writeErrorJSON(w, http.StatusBadRequest, "Failed to read body")
		}
		return nil, false
	}
	return body, true
}

// sinkError marks failures on our side, as opposed to a bad event.
type sinkError struct{ err error }

func (e *sinkError) Error() string { return "sink write: " + e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

// ingestor validates events and hands them to the sink.
type ingestor struct {
	sink *Sink
	log  *zap.Logger
}

// accept validates one JSON record. Valid events go to the accepted topic;
// rejected records that are still well-formed JSON are kept for inspection.
func (in *ingestor) accept(raw []byte) (*schemas.IAPEvent, error) {
	event, err := schemas.ParseIAPEvent(raw)
	if err != nil {
		ingestionEventsTotal.WithLabelValues("rejected").Inc()
		var compact bytes.Buffer
		if json.Compact(&compact, raw) == nil {
			if werr := in.sink.Write(rejectedTopic, compact.Bytes()); werr != nil {
				in.log.Warn("failed to keep rejected event", zap.Error(werr))
			}
		}
		return nil, err
	}

	clean, err := json.Marshal(event)
	if err != nil {
		return nil, &sinkError{fmt.Errorf("marshal event: %w", err)}
	}
	if err := in.sink.Write(acceptedTopic, clean); err != nil {
		return nil, &sinkError{err}
	}

	ingestionEventsTotal.WithLabelValues("accepted").Inc()
	ingestionRevenueTotal.WithLabelValues(event.EventData.CurrencyType).Add(event.EventData.Amount)
	return event, nil
}

func (in *ingestor) handleEvent(w http.ResponseWriter, r *http.Request) {
	const path = "/api/v1/iap"
	body, ok := readJSONBody(w, r)
	if !ok {
		return
	}

	event, err := in.accept(body)
	if err != nil {
		var sinkErr *sinkError
		if errors.As(err, &sinkErr) {
			in.log.Error("sink write error", zap.Error(err))
			ingestionRequestsTotal.WithLabelValues(path, "500").Inc()
			writeErrorJSON(w, http.StatusInternalServerError, "Internal error")
			return
		}
		ingestionRequestsTotal.WithLabelValues(path, "400").Inc()
		writeErrorJSON(w, http.StatusBadRequest, fmt.Sprintf("Invalid IAP event: %v", err))
		return
	}

	ingestionRequestsTotal.WithLabelValues(path, "200").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "event_id": event.EventID})
}

func (in *ingestor) handleBatch(w http.ResponseWriter, r *http.Request) {
	const path = "/api/v1/iap/batch"
	body, ok := readJSONBody(w, r)
	if !ok {
		return
	}

	lines := splitJSONL(body)
	if len(lines) == 0 {
		ingestionRequestsTotal.WithLabelValues(path, "400").Inc()
		writeErrorJSON(w, http.StatusBadRequest, "Empty batch")
		return
	}

	accepted, rejected := 0, 0
	var errs []string
	for i, line := range lines {
		if _, err := in.accept(line); err != nil {
			var sinkErr *sinkError
			if errors.As(err, &sinkErr) {
				in.log.Error("sink write error", zap.Error(err))
				ingestionRequestsTotal.WithLabelValues(path, "500").Inc()
				writeErrorJSON(w, http.StatusInternalServerError, "Internal error")
				return
			}
			rejected++
			errs = append(errs, "line "+strconv.Itoa(i+1)+": "+err.Error())
			continue
		}
		accepted++
	}

	ingestionRequestsTotal.WithLabelValues(path, "200").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": accepted,
		"rejected": rejected,
		"errors":   errs,
	})
}

func splitJSONL(data []byte) [][]byte {
	var lines [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			lines = append(lines, line)
		}
	}
	return lines
}
