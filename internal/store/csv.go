package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/i474232898/air-quality-ingestion/internal/airquality"
)

const (
	SnapshotFile   = "aqi_latest.csv"
	LogFile        = "aqi_log.csv"
	ProvenanceFile = "last_urls.txt"
)

// Columns is the on-disk schema shared by the snapshot and the log. The
// dashboard reads these files, so names and order are part of the contract.
var Columns = []string{
	"city", "aqi", "observed_at_utc", "lat", "lon", "station_name", "dominentpol",
	"pm25", "pm10", "o3", "no2", "so2", "co", "nh3",
	"aqi_category", "aqi_range",
}

// Accepted observed_at_utc layouts on read; RFC3339 is what we write.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// CSVStore persists the snapshot, log and provenance as files in one
// directory. Every write goes to a temp file that is renamed into place.
type CSVStore struct {
	dir string
}

// NewCSVStore creates a store rooted at dir. The directory is created on
// first write.
func NewCSVStore(dir string) *CSVStore {
	return &CSVStore{dir: dir}
}

func (s *CSVStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

// ReadLog returns the historical log, or nil if none exists yet. A log that
// cannot be parsed is moved aside to "<name>.corrupt-<unix>" and an error
// wrapping airquality.ErrLogUnreadable is returned. Any other failure leaves
// the file in place and returns a plain error.
func (s *CSVStore) ReadLog(ctx context.Context) ([]airquality.ObservationRecord, error) {
	records, corrupt, err := s.loadLog(ctx)
	if err == nil || !corrupt {
		return records, err
	}

	p := s.path(LogFile)
	quarantine := fmt.Sprintf("%s.corrupt-%d", p, time.Now().Unix())
	if renameErr := os.Rename(p, quarantine); renameErr != nil {
		return nil, fmt.Errorf("%v; quarantine failed: %w", err, renameErr)
	}
	log.Warn().Str("path", quarantine).Msg("unreadable historical log moved aside")
	return nil, fmt.Errorf("%w: moved to %s: %v", airquality.ErrLogUnreadable, quarantine, err)
}

// PeekLog reads the historical log without touching the file, even when it
// cannot be parsed.
func (s *CSVStore) PeekLog(ctx context.Context) ([]airquality.ObservationRecord, error) {
	records, _, err := s.loadLog(ctx)
	return records, err
}

// loadLog reports corrupt=true when the file exists but does not decode.
func (s *CSVStore) loadLog(ctx context.Context) (records []airquality.ObservationRecord, corrupt bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	f, err := os.Open(s.path(LogFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	if info, err := f.Stat(); err != nil {
		return nil, false, fmt.Errorf("stat log: %w", err)
	} else if info.IsDir() {
		return nil, false, fmt.Errorf("open log: %s is a directory", f.Name())
	}

	records, err = DecodeRecords(f)
	if err != nil {
		return nil, true, fmt.Errorf("decode log: %w", err)
	}
	return records, false, nil
}

// ReadSnapshot returns the latest snapshot. Unlike the log, a missing or
// unreadable snapshot is an error.
func (s *CSVStore) ReadSnapshot(ctx context.Context) ([]airquality.ObservationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path(SnapshotFile))
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	records, err := DecodeRecords(f)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return records, nil
}

func (s *CSVStore) WriteLog(ctx context.Context, records []airquality.ObservationRecord) error {
	return s.writeRecords(ctx, LogFile, "write log", records)
}

func (s *CSVStore) WriteSnapshot(ctx context.Context, records []airquality.ObservationRecord) error {
	return s.writeRecords(ctx, SnapshotFile, "write snapshot", records)
}

// WriteProvenance overwrites the provenance file with one URL per line.
func (s *CSVStore) WriteProvenance(ctx context.Context, urls []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.writeAtomic(ProvenanceFile, func(w io.Writer) error {
		_, err := io.WriteString(w, strings.Join(urls, "\n"))
		return err
	})
	if err != nil {
		return &airquality.PersistenceError{Op: "write provenance", Err: err}
	}
	return nil
}

func (s *CSVStore) writeRecords(ctx context.Context, name, op string, records []airquality.ObservationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.writeAtomic(name, func(w io.Writer) error {
		return EncodeRecords(w, records)
	})
	if err != nil {
		return &airquality.PersistenceError{Op: op, Err: err}
	}
	return nil
}

func (s *CSVStore) writeAtomic(name string, write func(io.Writer) error) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if err := write(tmp); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, s.path(name)); err != nil {
		cleanup()
		return err
	}
	return nil
}

// EncodeRecords writes records as CSV with a header row. Missing values are
// empty cells; categorical columns are always plain text.
func EncodeRecords(w io.Writer, records []airquality.ObservationRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, r := range records {
		if err := cw.Write(encodeRow(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func encodeRow(r airquality.ObservationRecord) []string {
	row := []string{
		r.City,
		formatFloat(r.AQI),
		r.ObservedAt.String(),
		formatFloat(r.Lat),
		formatFloat(r.Lon),
		r.StationName,
		formatString(r.DominantPollutant),
	}
	for _, p := range airquality.Pollutants {
		if v, ok := r.Pollutant(p); ok {
			row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
		} else {
			row = append(row, "")
		}
	}
	return append(row, string(r.Category()), r.Range())
}

// DecodeRecords parses CSV written by EncodeRecords. Columns are matched by
// header name, so files missing newer columns still load. Category columns
// are ignored and recomputed from aqi.
func DecodeRecords(r io.Reader) ([]airquality.ObservationRecord, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF"))] = i
	}
	for _, required := range []string{"city", "observed_at_utc"} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	var out []airquality.ObservationRecord
	line := 1
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		get := func(col string) string {
			i, ok := idx[col]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		rec := airquality.ObservationRecord{
			City:              get("city"),
			StationName:       get("station_name"),
			ObservedAt:        parseTimestamp(get("observed_at_utc")),
			AQI:               parseFloat(get("aqi")),
			Lat:               parseFloat(get("lat")),
			Lon:               parseFloat(get("lon")),
			DominantPollutant: parseString(get("dominentpol")),
			Pollutants:        make(map[airquality.Pollutant]float64),
		}
		for _, p := range airquality.Pollutants {
			if v := parseFloat(get(string(p))); v != nil {
				rec.Pollutants[p] = *v
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// parseString treats pandas' textual nulls as missing.
func parseString(s string) *string {
	switch strings.ToLower(s) {
	case "", "nan", "none", "null":
		return nil
	}
	return &s
}

func parseFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v != v {
		return nil
	}
	return &v
}

func parseTimestamp(s string) airquality.Timestamp {
	if s == "" {
		return airquality.Timestamp{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return airquality.At(t)
		}
	}
	return airquality.Timestamp{}
}
