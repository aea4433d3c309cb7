package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lgreene/iap-telemetry/pkg/storage"
	"go.uber.org/zap"
)

const activeFileName = "current.jsonl"

// Sink appends JSONL records to per-topic buffer files with fsync, rotates
// them on a fixed interval and uploads the rotated batches to the object
// store under raw/<topic>/YYYY-MM-DD/HH/.
type Sink struct {
	bufferDir string
	store     storage.ObjectStore
	log       *zap.Logger
	now       func() time.Time

	activeFiles map[string]*os.File
	mu          sync.Mutex
	flushMu     sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSink creates the buffer dir, uploads batches left over from a previous
// run, and starts rotating every rotateEvery.
func NewSink(bufferDir string, store storage.ObjectStore, log *zap.Logger, rotateEvery time.Duration) (*Sink, error) {
	if err := os.MkdirAll(bufferDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create buffer dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		bufferDir:   bufferDir,
		store:       store,
		log:         log,
		now:         time.Now,
		activeFiles: make(map[string]*os.File),
		ctx:         ctx,
		cancel:      cancel,
	}

	s.startupScan()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.rotationLoop(rotateEvery)
	}()

	return s, nil
}

// Write appends one record plus newline to the topic's active file and fsyncs.
func (s *Sink) Write(topic string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.activeFiles[topic]
	if !ok {
		topicDir := filepath.Join(s.bufferDir, topic)
		if err := os.MkdirAll(topicDir, 0755); err != nil {
			return fmt.Errorf("failed to create topic buffer dir: %w", err)
		}

		path := filepath.Join(topicDir, activeFileName)
		var err error
		f, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open buffer file %s: %w", path, err)
		}
		s.activeFiles[topic] = f
	}

	line := make([]byte, 0, len(data)+1)
	line = append(append(line, data...), '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write error: %w", err)
	}

	syncStart := time.Now()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync error: %w", err)
	}
	fsyncDurationSeconds.WithLabelValues(topic).Observe(time.Since(syncStart).Seconds())
	return nil
}

// Close stops rotation, then rotates and uploads whatever is still buffered.
func (s *Sink) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.Flush(context.Background())
}

// Flush rotates every active file, then uploads every batch waiting in the
// buffer dir, including ones left by an earlier failed upload.
func (s *Sink) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	topics := make([]string, 0, len(s.activeFiles))
	for t := range s.activeFiles {
		topics = append(topics, t)
	}
	s.mu.Unlock()

	for _, topic := range topics {
		s.rotateTopic(topic)
	}
	return s.uploadPending(ctx)
}

func (s *Sink) rotationLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(s.ctx); err != nil {
				s.log.Error("rotation upload failed", zap.Error(err))
			}
		}
	}
}

// rotateTopic closes the active file and renames it to
// batch_<ts>_<uuid>.jsonl. It reports false when there was nothing to rotate.
func (s *Sink) rotateTopic(topic string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.activeFiles[topic]
	if !ok {
		return "", false
	}
	f.Close()
	delete(s.activeFiles, topic)

	return s.sealBatch(filepath.Join(s.bufferDir, topic))
}

// sealBatch renames a topic's non-empty current.jsonl to
// batch_<ts>_<uuid>.jsonl. It reports false when there was nothing to seal.
func (s *Sink) sealBatch(topicDir string) (string, bool) {
	currentPath := filepath.Join(topicDir, activeFileName)

	info, err := os.Stat(currentPath)
	if err != nil {
		return "", false
	}
	if info.Size() == 0 {
		os.Remove(currentPath)
		return "", false
	}

	batchName := fmt.Sprintf("batch_%s_%s.jsonl", s.now().UTC().Format("20060102150405"), uuid.New().String())
	batchPath := filepath.Join(topicDir, batchName)
	if err := os.Rename(currentPath, batchPath); err != nil {
		s.log.Error("failed to rotate buffer file", zap.String("path", currentPath), zap.Error(err))
		return "", false
	}
	return batchPath, true
}

// batchKey partitions by local day and hour, matching the local-time
// event_timestamp the generator emits.
func batchKey(topic, sourcePath string, t time.Time) string {
	t = t.Local()
	return fmt.Sprintf("raw/%s/%s/%s/%s", topic, t.Format("2006-01-02"), t.Format("15"), filepath.Base(sourcePath))
}

func (s *Sink) uploadFile(ctx context.Context, topic, sourcePath string, t time.Time) error {
	destKey := batchKey(topic, sourcePath, t)

	f, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("open batch %s: %w", sourcePath, err)
	}
	defer f.Close()

	if err := s.store.Put(ctx, destKey, f); err != nil {
		return fmt.Errorf("upload %s: %w", sourcePath, err)
	}

	os.Remove(sourcePath)
	uploadedBatchesTotal.WithLabelValues(topic).Inc()
	s.log.Info("uploaded batch", zap.String("source", sourcePath), zap.String("key", destKey))
	return nil
}

// startupScan seals current.jsonl files a crashed run left behind and
// uploads every pending batch. It runs before any topic is opened for writing.
func (s *Sink) startupScan() {
	entries, err := os.ReadDir(s.bufferDir)
	if err != nil {
		s.log.Error("startup scan error", zap.Error(err))
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if path, ok := s.sealBatch(filepath.Join(s.bufferDir, e.Name())); ok {
			s.log.Info("sealed leftover buffer file", zap.String("path", path))
		}
	}

	if err := s.uploadPending(s.ctx); err != nil {
		s.log.Error("pending batch upload failed", zap.Error(err))
	}
}

// uploadPending uploads every batch_*.jsonl under the buffer dir, keyed by
// the batch's last write time. It keeps going past failures and returns the
// first one; failed batches stay on disk for the next attempt.
func (s *Sink) uploadPending(ctx context.Context) error {
	batches, err := filepath.Glob(filepath.Join(s.bufferDir, "*", "batch_*.jsonl"))
	if err != nil {
		return fmt.Errorf("scan buffer dir: %w", err)
	}
	sort.Strings(batches)

	var firstErr error
	for _, path := range batches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		topic := filepath.Base(filepath.Dir(path))
		if err := s.uploadFile(ctx, topic, path, info.ModTime()); err != nil {
			s.log.Error("batch upload failed", zap.String("path", path), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
