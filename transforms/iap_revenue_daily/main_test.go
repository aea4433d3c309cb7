package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lgreene/iap-telemetry/pkg/storage"
	"github.com/lgreene/iap-telemetry/schemas"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func makeEvent(t *testing.T, country, bundle, platform string, ts time.Time) schemas.IAPEvent {
	t.Helper()
	currency, ok := schemas.CurrencyFor(country)
	require.True(t, ok, "unknown country %q", country)
	price, ok := schemas.PriceFor(bundle)
	require.True(t, ok, "unknown bundle %q", bundle)

	return schemas.IAPEvent{
		EventVersion:   schemas.EventVersion,
		EventID:        uuid.NewString(),
		EventName:      schemas.EventName,
		EventTimestamp: schemas.FormatTimestamp(ts),
		AppVersion:     "1.0.0",
		EventData: &schemas.EventData{
			ItemVersion:   1,
			CountryID:     country,
			CurrencyType:  currency,
			BundleName:    bundle,
			Amount:        price,
			Platform:      platform,
			TransactionID: uuid.NewString(),
		},
	}
}

// writeEvents writes events as JSONL lines to a single key, followed by any raw extra lines.
func writeEvents(t *testing.T, store storage.ObjectStore, key string, events []schemas.IAPEvent, extra ...string) {
	t.Helper()
	var buf bytes.Buffer
	for _, e := range events {
		data, err := json.Marshal(e)
		require.NoError(t, err)
		buf.Write(data)
		buf.WriteByte('\n')
	}
	for _, line := range extra {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	require.NoError(t, store.Put(context.Background(), key, &buf))
}

func readRows(t *testing.T, store storage.ObjectStore, dayStr string) []RevenueRow {
	t.Helper()
	rc, err := store.Get(context.Background(), outputKey(dayStr))
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rows, err := parquet.Read[RevenueRow](bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return rows
}

func newStore(t *testing.T) storage.ObjectStore {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func rawKey(day time.Time, hour int, name string) string {
	return fmt.Sprintf("raw/iap_events/%s/%02d/%s", day.Format(dayLayout), hour, name)
}

func TestProcessDay_BasicAggregation(t *testing.T) {
	store := newStore(t)
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.Local)
	at := day.Add(10*time.Hour + 30*time.Minute)

	events := []schemas.IAPEvent{
		makeEvent(t, "GERMANY", "Starter Bundle", "pc", at),
		makeEvent(t, "GERMANY", "Starter Bundle", "pc", at.Add(time.Minute)),
		makeEvent(t, "GERMANY", "Starter Bundle", "pc", at.Add(2*time.Minute)),
		makeEvent(t, "JAPAN", "VIP Bundle", "iOS", at),
	}
	writeEvents(t, store, rawKey(day, 10, "batch_test.jsonl"), events)

	n, err := processDayRevenue(context.Background(), day, store, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	rows := readRows(t, store, "2025-01-15")
	require.Len(t, rows, 2)

	de := rows[0]
	assert.Equal(t, "GERMANY", de.CountryID)
	assert.Equal(t, "EUR", de.CurrencyType)
	assert.Equal(t, "pc", de.Platform)
	assert.Equal(t, int64(3), de.PurchaseCount)
	assert.Equal(t, 14.97, de.Revenue)
	assert.Equal(t, 4.99, de.MeanAmount)
	assert.Equal(t, 4.99, de.P95Amount)
	assert.Equal(t, "2025-01-15", de.EventDay)

	jp := rows[1]
	assert.Equal(t, "JAPAN", jp.CountryID)
	assert.Equal(t, "JPY", jp.CurrencyType)
	assert.Equal(t, int64(1), jp.PurchaseCount)
	assert.Equal(t, 49.99, jp.Revenue)
}

func TestProcessDay_Deduplication(t *testing.T) {
	store := newStore(t)
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.Local)

	event := makeEvent(t, "UK", "Power-Up Bundle", "ps4", day.Add(10*time.Hour))

	// Same event in two batches, as after a retried upload
	writeEvents(t, store, rawKey(day, 10, "batch_a.jsonl"), []schemas.IAPEvent{event})
	writeEvents(t, store, rawKey(day, 11, "batch_b.jsonl"), []schemas.IAPEvent{event})

	_, err := processDayRevenue(context.Background(), day, store, zap.NewNop())
	require.NoError(t, err)

	rows := readRows(t, store, "2025-01-15")
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].PurchaseCount)
}

func TestProcessDay_SkipsInvalidLines(t *testing.T) {
	store := newStore(t)
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.Local)

	incomplete := `{"event_version":"1.0.0","event_id":"` + uuid.NewString() +
		`","event_name":"iap_transaction","event_timestamp":"2025-01-15T10:00:00.000000","app_version":"1.0.0"}`
	writeEvents(t, store, rawKey(day, 10, "batch_test.jsonl"),
		[]schemas.IAPEvent{makeEvent(t, "CANADA", "VIP Bundle", "android", day.Add(10*time.Hour))},
		"{bad json", incomplete, "")

	n, err := processDayRevenue(context.Background(), day, store, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcessDay_EmptyInput(t *testing.T) {
	store := newStore(t)
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.Local)

	n, err := processDayRevenue(context.Background(), day, store, zap.NewNop())
	require.NoError(t, err, "empty input should not fail")
	assert.Zero(t, n)

	keys, err := store.List(context.Background(), outputPrefix)
	require.NoError(t, err)
	assert.Empty(t, keys, "no output file for empty input")
}

func TestProcessDay_WrongDayFiltered(t *testing.T) {
	store := newStore(t)
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.Local)

	// Event time is on a different day
	event := makeEvent(t, "FRANCE", "Starter Bundle", "pc", day.AddDate(0, 0, 1).Add(10*time.Hour))
	writeEvents(t, store, rawKey(day, 10, "batch_test.jsonl"), []schemas.IAPEvent{event})

	n, err := processDayRevenue(context.Background(), day, store, zap.NewNop())
	require.NoError(t, err)
	assert.Zero(t, n, "wrong-day events are filtered out")
}

func TestProcessDay_LateArrivalInNextPartition(t *testing.T) {
	store := newStore(t)
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.Local)
	next := day.AddDate(0, 0, 1)

	late := makeEvent(t, "BRAZIL", "Collector's Bundle", "xbox_360", next.Add(-time.Second))
	writeEvents(t, store, rawKey(next, 0, "batch_late.jsonl"), []schemas.IAPEvent{late})

	_, err := processDayRevenue(context.Background(), day, store, zap.NewNop())
	require.NoError(t, err)

	rows := readRows(t, store, "2025-01-15")
	require.Len(t, rows, 1)
	assert.Equal(t, "BRAZIL", rows[0].CountryID)
}

func TestProcessDay_RerunReplacesOutput(t *testing.T) {
	store := newStore(t)
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.Local)
	at := day.Add(9 * time.Hour)

	writeEvents(t, store, rawKey(day, 9, "batch_a.jsonl"),
		[]schemas.IAPEvent{makeEvent(t, "SINGAPORE", "Starter Bundle", "pc", at)})
	_, err := processDayRevenue(context.Background(), day, store, zap.NewNop())
	require.NoError(t, err)

	writeEvents(t, store, rawKey(day, 9, "batch_b.jsonl"),
		[]schemas.IAPEvent{makeEvent(t, "SINGAPORE", "Starter Bundle", "pc", at)})
	_, err = processDayRevenue(context.Background(), day, store, zap.NewNop())
	require.NoError(t, err)

	keys, err := store.List(context.Background(), outputPrefix)
	require.NoError(t, err)
	require.Len(t, keys, 1, "exactly one output file per day")

	rows := readRows(t, store, "2025-01-15")
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].PurchaseCount)
}

func TestBuildRows_Percentile(t *testing.T) {
	key := revenueKey{CountryID: "UNITED STATES", CurrencyType: "USD", Platform: "pc"}
	values := make([]float64, 0, 20)
	for i := 0; i < 19; i++ {
		values = append(values, 4.99)
	}
	values = append(values, 49.99)

	rows, err := buildRows("2025-01-15", map[revenueKey][]float64{key: values})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, int64(20), row.PurchaseCount)
	assert.Equal(t, 144.80, row.Revenue)
	assert.Equal(t, 7.24, row.MeanAmount)
	// 95th percentile of 20 values is the 19th smallest.
	assert.Equal(t, 4.99, row.P95Amount)
}

func TestDaysToProcess(t *testing.T) {
	now := time.Date(2025, 3, 9, 15, 0, 0, 0, time.Local)

	days, err := daysToProcess("", "", "", now)
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, "2025-03-09", days[0].Format(dayLayout), "default is today")

	days, err = daysToProcess("2025-01-02", "", "", now)
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, "2025-01-02", days[0].Format(dayLayout))

	days, err = daysToProcess("", "2025-01-30", "2025-02-02", now)
	require.NoError(t, err)
	require.Len(t, days, 4)
	assert.Equal(t, "2025-02-02", days[3].Format(dayLayout))

	bad := [][3]string{
		{"2025-13-01", "", ""},
		{"", "2025-01-05", ""},
		{"", "2025-01-05", "2025-01-01"},
		{"", "yesterday", "2025-01-01"},
	}
	for _, b := range bad {
		_, err := daysToProcess(b[0], b[1], b[2], now)
		assert.Error(t, err, "daysToProcess(%q, %q, %q)", b[0], b[1], b[2])
	}
}

func TestAcquireReleaseLock(t *testing.T) {
	dir := t.TempDir()

	f, err := acquireLock(dir)
	require.NoError(t, err, "first acquireLock should succeed")

	_, err = acquireLock(dir)
	require.Error(t, err, "second acquireLock should fail while first is held")

	releaseLock(f)

	f2, err := acquireLock(dir)
	require.NoError(t, err, "acquireLock after release should succeed")
	releaseLock(f2)
}

func TestRun_StorageFailureReleasesLock(t *testing.T) {
	dataDir := t.TempDir()

	// S3 without a bucket fails storage init after the lock is taken.
	t.Setenv("S3_ENDPOINT", "http://127.0.0.1:1")
	t.Setenv("S3_BUCKET", "")
	assert.Equal(t, 1, run([]string{"-data-dir", dataDir, "-process-day", "2025-01-15"}))

	_, err := os.Stat(filepath.Join(dataDir, lockFileName))
	assert.True(t, os.IsNotExist(err), "lock file must not outlive a failed run")

	t.Setenv("S3_ENDPOINT", "")
	assert.Equal(t, 0, run([]string{"-data-dir", dataDir, "-process-day", "2025-01-15"}))
}

func TestRun_BadFlags(t *testing.T) {
	assert.Equal(t, 2, run([]string{"-process-day", "not-a-day", "-data-dir", t.TempDir()}))
	assert.Equal(t, 2, run([]string{"-no-such-flag"}))
}
