package airquality

import (
	"encoding/json"
	"strconv"
	"time"
)

// Pollutant is a WAQI individual-AQI code.
type Pollutant string

const (
	PM25 Pollutant = "pm25"
	PM10 Pollutant = "pm10"
	O3   Pollutant = "o3"
	NO2  Pollutant = "no2"
	SO2  Pollutant = "so2"
	CO   Pollutant = "co"
	NH3  Pollutant = "nh3"
)

// Pollutants is the fixed vocabulary of recognized codes, in column order.
var Pollutants = []Pollutant{PM25, PM10, O3, NO2, SO2, CO, NH3}

// IsKnown reports whether p belongs to the recognized vocabulary.
func (p Pollutant) IsKnown() bool {
	for _, k := range Pollutants {
		if k == p {
			return true
		}
	}
	return false
}

// FetchTarget is a configured city and the coordinates used to query it.
type FetchTarget struct {
	Name string  `json:"name" yaml:"name"`
	Lat  float64 `json:"latitude" yaml:"latitude"`
	Lon  float64 `json:"longitude" yaml:"longitude"`
}

// Targets is an ordered list of fetch targets, unique by name.
type Targets []FetchTarget

// Names returns the target names in order.
func (t Targets) Names() []string {
	names := make([]string, 0, len(t))
	for _, tgt := range t {
		names = append(names, tgt.Name)
	}
	return names
}

// Timestamp is an observation instant that may be missing or unparsable.
type Timestamp struct {
	Time  time.Time
	Valid bool
}

// At returns a valid Timestamp normalized to UTC.
func At(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC(), Valid: true}
}

// String formats the instant as RFC3339 UTC, or "" when invalid.
func (ts Timestamp) String() string {
	if !ts.Valid {
		return ""
	}
	return ts.Time.UTC().Format(time.RFC3339)
}

// ObservationRecord is the canonical, flat form of one city's reading.
// Category and range are derived from AQI on demand and cannot be set.
type ObservationRecord struct {
	City              string
	StationName       string
	ObservedAt        Timestamp
	Lat               *float64
	Lon               *float64
	AQI               *float64
	DominantPollutant *string
	Pollutants        map[Pollutant]float64
}

// Category returns the health-risk band for the record's AQI.
func (r ObservationRecord) Category() Category {
	c, _ := Classify(r.AQI)
	return c
}

// Range returns the numeric band text matching Category.
func (r ObservationRecord) Range() string {
	_, rng := Classify(r.AQI)
	return rng
}

// Pollutant returns the concentration for code p, if present.
func (r ObservationRecord) Pollutant(p Pollutant) (float64, bool) {
	v, ok := r.Pollutants[p]
	return v, ok
}

// Key returns the deduplication key and whether the record can be keyed at all.
func (r ObservationRecord) Key() (string, bool) {
	if !r.ObservedAt.Valid {
		return "", false
	}
	return r.City + "|" + strconv.FormatInt(r.ObservedAt.Time.UTC().UnixNano(), 10), true
}

// recordJSON is the wire form of ObservationRecord. Field names follow the
// CSV columns.
type recordJSON struct {
	City              string                `json:"city"`
	AQI               *float64              `json:"aqi"`
	ObservedAtUTC     *string               `json:"observed_at_utc"`
	Lat               *float64              `json:"lat"`
	Lon               *float64              `json:"lon"`
	StationName       string                `json:"station_name"`
	DominantPollutant *string               `json:"dominentpol"`
	Pollutants        map[Pollutant]float64 `json:"pollutants"`
	Category          Category              `json:"aqi_category"`
	Range             string                `json:"aqi_range"`
}

// MarshalJSON emits the flat record with its derived category and range.
func (r ObservationRecord) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		City:              r.City,
		AQI:               r.AQI,
		Lat:               r.Lat,
		Lon:               r.Lon,
		StationName:       r.StationName,
		DominantPollutant: r.DominantPollutant,
		Pollutants:        r.Pollutants,
		Category:          r.Category(),
		Range:             r.Range(),
	}
	if r.ObservedAt.Valid {
		out.ObservedAtUTC = String(r.ObservedAt.String())
	}
	if out.Pollutants == nil {
		out.Pollutants = map[Pollutant]float64{}
	}
	return json.Marshal(out)
}

// FetchResult is the outcome of fetching and normalizing a single target.
// Exactly one of Record or Err is meaningful; both nil means the provider
// answered with a non-ok status and the record was dropped.
type FetchResult struct {
	Target FetchTarget
	URL    string
	Record *ObservationRecord
	Err    error
}

// RunReport summarizes one pipeline run.
type RunReport struct {
	RunID        string        `json:"runId"`
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"duration"`
	Targets      int           `json:"targets"`
	Fetched      int           `json:"fetched"`
	Failed       int           `json:"failed"`
	Dropped      int           `json:"dropped"`
	SnapshotRows int           `json:"snapshotRows"`
	LogRows      int           `json:"logRows"`
	LogAdded     int           `json:"logAdded"`
	URLs         []string      `json:"urls"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// String returns a pointer to s.
func String(s string) *string { return &s }
