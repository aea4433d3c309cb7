package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lgreene/iap-telemetry/pkg/logging"
	"github.com/lgreene/iap-telemetry/pkg/storage"
	"github.com/lgreene/iap-telemetry/schemas"
	"github.com/montanaflynn/stats"
	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	dayLayout    = "2006-01-02"
	inputPrefix  = "raw/iap_events"
	outputPrefix = "warehouse/iap_revenue_daily"
	lockFileName = ".iap_revenue_daily.lock"
)

// RevenueRow is the daily revenue for one country/currency/platform tuple.
type RevenueRow struct {
	EventDay      string  `json:"event_day" parquet:"event_day"`
	CountryID     string  `json:"country_id" parquet:"country_id"`
	CurrencyType  string  `json:"currency_type" parquet:"currency_type"`
	Platform      string  `json:"platform" parquet:"platform"`
	PurchaseCount int64   `json:"purchase_count" parquet:"purchase_count"`
	Revenue       float64 `json:"revenue" parquet:"revenue"`
	MeanAmount    float64 `json:"mean_amount" parquet:"mean_amount"`
	P95Amount     float64 `json:"p95_amount" parquet:"p95_amount"`
}

type revenueKey struct {
	CountryID    string
	CurrencyType string
	Platform     string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code so deferred cleanup, including the lock
// release, happens on every path.
func run(args []string) int {
	var dataDir, processDay, startDay, endDay string

	flags := flag.NewFlagSet("iap_revenue_daily", flag.ContinueOnError)
	flags.StringVar(&dataDir, "data-dir", "./data", "Local storage root (ignored when S3_ENDPOINT is set)")

	// Single day processing
	flags.StringVar(&processDay, "process-day", "", "Single day to process (YYYY-MM-DD, default today)")

	// Backfill (Range)
	flags.StringVar(&startDay, "start-day", "", "Start day for backfill (YYYY-MM-DD)")
	flags.StringVar(&endDay, "end-day", "", "End day for backfill (YYYY-MM-DD, inclusive)")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	log := logging.New(os.Stderr, zapcore.InfoLevel)
	defer log.Sync()

	days, err := daysToProcess(processDay, startDay, endDay, time.Now())
	if err != nil {
		log.Error("invalid day selection", zap.Error(err))
		return 2
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Error("failed to create data dir", zap.Error(err))
		return 1
	}
	lock, err := acquireLock(dataDir)
	if err != nil {
		log.Error("another rollup is running", zap.Error(err))
		return 1
	}
	defer releaseLock(lock)

	ctx := context.Background()
	store, err := storage.Open(ctx, dataDir, log)
	if err != nil {
		log.Error("failed to initialize storage", zap.Error(err))
		return 1
	}

	for _, day := range days {
		if _, err := processDayRevenue(ctx, day, store, log); err != nil {
			log.Error("failed to process day", zap.String("day", day.Format(dayLayout)), zap.Error(err))
			return 1
		}
	}
	return 0
}

// daysToProcess resolves the flags into the list of local days to roll up.
// A start/end range wins over a single day; with neither, today is used.
func daysToProcess(processDay, startDay, endDay string, now time.Time) ([]time.Time, error) {
	if startDay != "" || endDay != "" {
		if startDay == "" || endDay == "" {
			return nil, errors.New("start-day and end-day must be set together")
		}
		start, err := time.ParseInLocation(dayLayout, startDay, time.Local)
		if err != nil {
			return nil, fmt.Errorf("invalid start-day: %w", err)
		}
		end, err := time.ParseInLocation(dayLayout, endDay, time.Local)
		if err != nil {
			return nil, fmt.Errorf("invalid end-day: %w", err)
		}
		if end.Before(start) {
			return nil, fmt.Errorf("end-day %s is before start-day %s", endDay, startDay)
		}

		var days []time.Time
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			days = append(days, d)
		}
		return days, nil
	}

	if processDay == "" {
		processDay = now.Local().Format(dayLayout)
	}
	day, err := time.ParseInLocation(dayLayout, processDay, time.Local)
	if err != nil {
		return nil, fmt.Errorf("invalid process-day: %w", err)
	}
	return []time.Time{day}, nil
}

func outputKey(dayStr string) string {
	return fmt.Sprintf("%s/revenue_%s.parquet", outputPrefix, dayStr)
}

// processDayRevenue aggregates every accepted purchase whose event_timestamp
// falls on day and writes the result as a single Parquet object, replacing any
// previous output for that day. It returns the number of rows written.
//
// The next day's partition is scanned too: batches are partitioned by upload
// time, so purchases made just before midnight can land there.
func processDayRevenue(ctx context.Context, day time.Time, store storage.ObjectStore, log *zap.Logger) (int, error) {
	dayStr := day.Format(dayLayout)
	nextStr := day.AddDate(0, 0, 1).Format(dayLayout)
	log.Info("processing revenue", zap.String("day", dayStr))

	amounts := make(map[revenueKey][]float64)
	seen := make(map[string]struct{})
	var skipped, outOfDay int

	for _, partition := range []string{dayStr, nextStr} {
		keys, err := store.List(ctx, inputPrefix+"/"+partition+"/")
		if err != nil {
			return 0, fmt.Errorf("list %s: %w", partition, err)
		}
		sort.Strings(keys)

		for _, key := range keys {
			if !strings.HasSuffix(key, ".jsonl") {
				continue
			}
			err := readBatch(ctx, store, key, func(line []byte) {
				event, err := schemas.ParseIAPEvent(line)
				if err != nil {
					skipped++
					log.Debug("skipping invalid line", zap.String("key", key), zap.Error(err))
					return
				}

				if _, dup := seen[event.EventID]; dup {
					return
				}
				seen[event.EventID] = struct{}{}

				ts, err := schemas.ParseTimestamp(event.EventTimestamp)
				if err != nil || ts.Format(dayLayout) != dayStr {
					outOfDay++
					return
				}

				k := revenueKey{
					CountryID:    event.EventData.CountryID,
					CurrencyType: event.EventData.CurrencyType,
					Platform:     event.EventData.Platform,
				}
				amounts[k] = append(amounts[k], event.EventData.Amount)
			})
			if err != nil {
				return 0, err
			}
		}
	}

	// Idempotency: clear the previous output for this day before writing
	outKey := outputKey(dayStr)
	if err := store.Delete(ctx, outKey); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("delete previous output: %w", err)
	}

	if len(amounts) == 0 {
		log.Info("no purchases found, partition cleared", zap.String("day", dayStr), zap.Int("skipped", skipped))
		return 0, nil
	}

	rows, err := buildRows(dayStr, amounts)
	if err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	writer := parquet.NewGenericWriter[RevenueRow](&buf)
	if _, err := writer.Write(rows); err != nil {
		return 0, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("close parquet writer: %w", err)
	}
	if err := store.Put(ctx, outKey, &buf); err != nil {
		return 0, fmt.Errorf("upload %s: %w", outKey, err)
	}

	log.Info("wrote revenue rows",
		zap.String("key", outKey),
		zap.Int("rows", len(rows)),
		zap.Int("purchases", len(seen)-outOfDay),
		zap.Int("skipped", skipped),
		zap.Int("out_of_day", outOfDay),
	)
	return len(rows), nil
}

func readBatch(ctx context.Context, store storage.ObjectStore, key string, fn func(line []byte)) error {
	rc, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		fn(line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	return nil
}

// buildRows computes the per-tuple statistics, sorted by country then platform.
func buildRows(dayStr string, amounts map[revenueKey][]float64) ([]RevenueRow, error) {
	rows := make([]RevenueRow, 0, len(amounts))
	for key, values := range amounts {
		revenue, err := stats.Sum(values)
		if err != nil {
			return nil, fmt.Errorf("sum %v: %w", key, err)
		}
		mean, err := stats.Mean(values)
		if err != nil {
			return nil, fmt.Errorf("mean %v: %w", key, err)
		}
		p95, err := stats.Percentile(values, 95)
		if err != nil {
			return nil, fmt.Errorf("p95 %v: %w", key, err)
		}

		rows = append(rows, RevenueRow{
			EventDay:      dayStr,
			CountryID:     key.CountryID,
			CurrencyType:  key.CurrencyType,
			Platform:      key.Platform,
			PurchaseCount: int64(len(values)),
			Revenue:       roundCents(revenue),
			MeanAmount:    roundCents(mean),
			P95Amount:     p95,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CountryID == rows[j].CountryID {
			return rows[i].Platform < rows[j].Platform
		}
		return rows[i].CountryID < rows[j].CountryID
	})
	return rows, nil
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

func acquireLock(dir string) (*os.File, error) {
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return f, nil
}

func releaseLock(f *os.File) {
	if f == nil {
		return
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
}
