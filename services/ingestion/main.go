package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lgreene/iap-telemetry/pkg/logging"
	"github.com/lgreene/iap-telemetry/pkg/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newMux(apiKey string, in *ingestor) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/iap", authMiddleware(apiKey, in.handleEvent))
	mux.Handle("/api/v1/iap/batch", authMiddleware(apiKey, in.handleBatch))
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("up"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if in.sink == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	return mux
}

func main() {
	port := flag.Int("port", 8080, "HTTP port")
	baseDir := flag.String("base-dir", "./data", "Base directory for buffer and raw storage")
	rotateEvery := flag.Duration("rotate-interval", time.Minute, "How often buffered events are uploaded")
	flag.Parse()

	log := logging.New(os.Stderr, zapcore.InfoLevel)
	defer log.Sync()

	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		log.Warn("API_KEY environment variable not set, authentication disabled")
	} else {
		log.Info("API key authentication enabled")
	}

	ctx := context.Background()
	store, err := storage.Open(ctx, *baseDir, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}

	bufferDir := filepath.Join(*baseDir, "buffer")
	log.Info("initializing durable sink", zap.String("buffer", bufferDir))
	sink, err := NewSink(bufferDir, store, log, *rotateEvery)
	if err != nil {
		log.Fatal("failed to create sink", zap.Error(err))
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      newMux(apiKey, &ingestor{sink: sink, log: log}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting ingestion service", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
	if err := sink.Close(); err != nil {
		log.Error("final flush failed", zap.Error(err))
	}
	log.Info("ingestion service stopped")
}
