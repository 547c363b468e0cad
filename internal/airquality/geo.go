package airquality

import (
	"math"
	"strconv"
	"strings"
)

// DefaultTarget is used when no city list is configured.
var DefaultTarget = FetchTarget{Name: "Perth", Lat: -31.95, Lon: 115.86}

// ParseTargets resolves a "name:lat,lon;name:lat,lon" list into fetch targets.
// A later entry with the same name replaces the earlier one in place.
// An empty list yields DefaultTarget.
func ParseTargets(raw string) (Targets, error) {
	if strings.TrimSpace(raw) == "" {
		return Targets{DefaultTarget}, nil
	}

	var list []FetchTarget
	for _, item := range strings.Split(raw, ";") {
		if strings.TrimSpace(item) == "" {
			continue
		}
		t, err := parseTarget(item)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}

	if len(list) == 0 {
		return Targets{DefaultTarget}, nil
	}
	return TargetsFromList(list)
}

// TargetsFromList applies the same uniqueness rule as ParseTargets to an
// already structured list (e.g. from a YAML file).
func TargetsFromList(list []FetchTarget) (Targets, error) {
	if len(list) == 0 {
		return Targets{DefaultTarget}, nil
	}

	index := make(map[string]int, len(list))
	out := make(Targets, 0, len(list))
	for _, t := range list {
		t.Name = strings.TrimSpace(t.Name)
		if t.Name == "" {
			return nil, &ConfigError{Reason: "city name is empty"}
		}
		if !finite(t.Lat) || !finite(t.Lon) {
			return nil, &ConfigError{Entry: t.Name, Reason: "coordinates must be finite numbers"}
		}
		if i, ok := index[t.Name]; ok {
			out[i] = t
			continue
		}
		index[t.Name] = len(out)
		out = append(out, t)
	}
	return out, nil
}

func parseTarget(item string) (FetchTarget, error) {
	parts := strings.Split(item, ":")
	if len(parts) != 2 {
		return FetchTarget{}, &ConfigError{Entry: item, Reason: `expected "name:lat,lon"`}
	}

	name := strings.TrimSpace(parts[0])
	if name == "" {
		return FetchTarget{}, &ConfigError{Entry: item, Reason: "city name is empty"}
	}

	coords := strings.Split(parts[1], ",")
	if len(coords) != 2 {
		return FetchTarget{}, &ConfigError{Entry: item, Reason: "expected exactly two comma-separated coordinates"}
	}

	lat, err := parseCoord(coords[0])
	if err != nil {
		return FetchTarget{}, &ConfigError{Entry: item, Reason: "invalid latitude: " + err.Error()}
	}
	lon, err := parseCoord(coords[1])
	if err != nil {
		return FetchTarget{}, &ConfigError{Entry: item, Reason: "invalid longitude: " + err.Error()}
	}

	return FetchTarget{Name: name, Lat: lat, Lon: lon}, nil
}

func parseCoord(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if !finite(v) {
		return 0, strconv.ErrSyntax
	}
	return v, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
