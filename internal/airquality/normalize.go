package airquality

import (
	"errors"
	"strings"
	"time"
)

const (
	stationLayout = "2006-01-02 15:04:05"
)

var (
	errNoTimestamp = errors.New("no timestamp in payload")
	errBadOffset   = errors.New("unrecognized utc offset")
)

// Offset forms seen in time.tz: "+08:00", "Z", "+0800", "+08".
var offsetLayouts = []string{"Z07:00", "Z0700", "Z07"}

// Normalize maps one feed response into an ObservationRecord.
//
// It returns (nil, nil) when the response status is not ok. When the
// observation time cannot be parsed the record is still returned, with an
// invalid ObservedAt, together with a *ParseError.
//
// label, when non-empty, takes precedence over the station name as the city.
// Missing station coordinates are backfilled from fallback.
func Normalize(feed FeedResponse, fallback FetchTarget, label string) (*ObservationRecord, error) {
	if !feed.OK() {
		return nil, nil
	}
	d := feed.Data

	rec := &ObservationRecord{
		AQI:        d.AQI.Value,
		Pollutants: make(map[Pollutant]float64),
	}

	if d.DominentPol != nil && strings.TrimSpace(*d.DominentPol) != "" {
		rec.DominantPollutant = String(strings.TrimSpace(*d.DominentPol))
	}

	for code, sub := range d.IAQI {
		p := Pollutant(code)
		if !p.IsKnown() || sub.V.Value == nil {
			continue
		}
		rec.Pollutants[p] = *sub.V.Value
	}

	if d.City != nil {
		rec.StationName = d.City.Name
		if len(d.City.Geo) == 2 && d.City.Geo[0].Value != nil && d.City.Geo[1].Value != nil {
			rec.Lat = Float(*d.City.Geo[0].Value)
			rec.Lon = Float(*d.City.Geo[1].Value)
		}
	}

	rec.City = label
	if rec.City == "" {
		rec.City = rec.StationName
	}

	if rec.Lat == nil {
		rec.Lat = Float(fallback.Lat)
	}
	if rec.Lon == nil {
		rec.Lon = Float(fallback.Lon)
	}

	ts, err := parseObservedAt(d.Time)
	rec.ObservedAt = ts
	if err != nil {
		return rec, err
	}
	return rec, nil
}

// parseObservedAt prefers the ISO field, then "s" with the "tz" offset, then
// "s" read as UTC.
func parseObservedAt(t *FeedTime) (Timestamp, error) {
	if t == nil || (t.ISO == "" && t.S == "") {
		return Timestamp{}, &ParseError{Field: "time", Err: errNoTimestamp}
	}

	if iso := strings.TrimSpace(t.ISO); iso != "" {
		if parsed, err := time.Parse(time.RFC3339, iso); err == nil {
			return At(parsed), nil
		}
	}

	s := strings.TrimSpace(t.S)
	if s == "" {
		return Timestamp{}, &ParseError{Field: "time.iso", Value: t.ISO, Err: errNoTimestamp}
	}

	if parsed, err := time.Parse(time.RFC3339, s); err == nil {
		return At(parsed), nil
	}

	// A local time with an offset we cannot read must not be taken as UTC.
	if tz := strings.TrimSpace(t.TZ); tz != "" {
		for _, layout := range offsetLayouts {
			if parsed, err := time.Parse(stationLayout+layout, s+tz); err == nil {
				return At(parsed), nil
			}
		}
		return Timestamp{}, &ParseError{Field: "time.tz", Value: tz, Err: errBadOffset}
	}
	parsed, err := time.Parse(stationLayout, s)
	if err != nil {
		return Timestamp{}, &ParseError{Field: "time.s", Value: s, Err: err}
	}
	return At(parsed), nil
}
