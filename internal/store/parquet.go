package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"tradewind/internal/domain"
)

// TickRecord is the Parquet schema for price tick history.
type TickRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Bid       float64 `parquet:"bid"`
	Ask       float64 `parquet:"ask"`
	Mid       float64 `parquet:"mid"`
	Source    string  `parquet:"source"`
}

// TickStore buffers incoming price ticks and flushes them to Parquet files on
// disk, one file per symbol per day. It is safe for concurrent use; RecordTick
// never blocks on disk I/O.
type TickStore struct {
	DataDir   string
	FlushSize int // ticks buffered per symbol before a flush, default 500

	mu     sync.Mutex
	buffer map[string][]TickRecord
}

// NewTickStore creates a TickStore rooted at the given data directory.
func NewTickStore(dataDir string) *TickStore {
	return &TickStore{
		DataDir:   dataDir,
		FlushSize: 500,
		buffer:    make(map[string][]TickRecord),
	}
}

// RecordTick buffers one tick. When a symbol's buffer reaches FlushSize the
// batch is handed to a background flush.
func (s *TickStore) RecordTick(tick domain.PriceTick) {
	s.mu.Lock()
	s.buffer[tick.Symbol] = append(s.buffer[tick.Symbol], TickRecord{
		Symbol:    tick.Symbol,
		Timestamp: tick.Timestamp.UnixMilli(),
		Bid:       tick.Bid,
		Ask:       tick.Ask,
		Mid:       tick.Mid,
		Source:    tick.Source,
	})
	var batch []TickRecord
	if len(s.buffer[tick.Symbol]) >= s.FlushSize {
		batch = s.buffer[tick.Symbol]
		s.buffer[tick.Symbol] = nil
	}
	s.mu.Unlock()

	if batch != nil {
		go s.flush(tick.Symbol, batch)
	}
}

// Flush writes all buffered ticks to disk. Call on shutdown.
func (s *TickStore) Flush() error {
	s.mu.Lock()
	pending := s.buffer
	s.buffer = make(map[string][]TickRecord)
	s.mu.Unlock()

	var firstErr error
	for symbol, records := range pending {
		if err := s.flush(symbol, records); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReadTicks reads recorded ticks for the given symbol and time range.
func (s *TickStore) ReadTicks(symbol string, start, end time.Time) ([]domain.PriceTick, error) {
	var ticks []domain.PriceTick
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		records, err := readParquetFile[TickRecord](s.tickPath(symbol, d))
		if err != nil {
			// No file for this day.
			continue
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp)
			if (ts.Equal(start) || ts.After(start)) && (ts.Equal(end) || ts.Before(end)) {
				ticks = append(ticks, domain.PriceTick{
					Symbol:    r.Symbol,
					Bid:       r.Bid,
					Ask:       r.Ask,
					Mid:       r.Mid,
					Source:    r.Source,
					Timestamp: ts,
				})
			}
		}
	}
	return ticks, nil
}

func (s *TickStore) flush(symbol string, records []TickRecord) error {
	if len(records) == 0 {
		return nil
	}

	// Group by day; a batch can straddle midnight.
	groups := make(map[string][]TickRecord)
	for _, r := range records {
		day := time.UnixMilli(r.Timestamp).UTC().Format("2006-01-02")
		groups[day] = append(groups[day], r)
	}

	for day, batch := range groups {
		t, _ := time.Parse("2006-01-02", day)
		path := s.tickPath(symbol, t)

		existing, _ := readParquetFile[TickRecord](path)
		merged := mergeTickRecords(existing, batch)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing ticks for %s/%s: %w", symbol, day, err)
		}
	}
	return nil
}

// tickPath returns the filesystem path for a tick Parquet file.
// Layout: <dataDir>/ticks/<SYMBOL>/<YYYY-MM-DD>.parquet
func (s *TickStore) tickPath(symbol string, t time.Time) string {
	date := t.Format("2006-01-02")
	return filepath.Join(s.DataDir, "ticks", sanitizeSymbol(symbol), date+".parquet")
}

// sanitizeSymbol makes provider-prefixed symbols filesystem-safe
// (e.g. "FX:EURUSD" → "FX_EURUSD").
func sanitizeSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	s = strings.ReplaceAll(s, ":", "_")
	s = strings.ReplaceAll(s, "/", "_")
	return s
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeTickRecords deduplicates by (symbol, timestamp), preferring incoming
// records. Results are sorted by timestamp.
func mergeTickRecords(existing, incoming []TickRecord) []TickRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]TickRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]TickRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
