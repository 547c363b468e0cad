package airquality

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// StatusOK is the WAQI status of a usable response.
const StatusOK = "ok"

// FeedResponse is the WAQI feed payload with every field optional.
// On non-ok responses WAQI puts a plain message string in "data".
type FeedResponse struct {
	Status  string
	Data    *FeedData
	Message string
}

// OK reports whether the response is eligible for normalization.
func (f FeedResponse) OK() bool {
	return f.Status == StatusOK && f.Data != nil
}

func (f *FeedResponse) UnmarshalJSON(b []byte) error {
	var env struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}

	f.Status = env.Status
	f.Data = nil
	f.Message = ""

	raw := bytes.TrimSpace(env.Data)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '{':
		var d FeedData
		if err := json.Unmarshal(raw, &d); err != nil {
			return err
		}
		f.Data = &d
	case raw[0] == '"':
		_ = json.Unmarshal(raw, &f.Message)
	default:
		f.Message = string(raw)
	}
	return nil
}

// FeedData is the "data" object of an ok response.
type FeedData struct {
	AQI         NullableFloat           `json:"aqi"`
	DominentPol *string                 `json:"dominentpol"`
	City        *FeedCity               `json:"city"`
	Time        *FeedTime               `json:"time"`
	IAQI        map[string]FeedSubIndex `json:"iaqi"`
}

// FeedCity describes the station that answered the geo lookup.
type FeedCity struct {
	Name string          `json:"name"`
	URL  string          `json:"url"`
	Geo  []NullableFloat `json:"geo"`
}

// FeedTime carries the station's local observation time.
type FeedTime struct {
	S   string `json:"s"`
	TZ  string `json:"tz"`
	ISO string `json:"iso"`
}

// FeedSubIndex is one entry of the per-pollutant "iaqi" map.
type FeedSubIndex struct {
	V NullableFloat `json:"v"`
}

func (s *FeedSubIndex) UnmarshalJSON(b []byte) error {
	// Non-object entries are ignored rather than failing the whole payload.
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		*s = FeedSubIndex{}
		return nil
	}
	type plain FeedSubIndex
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		*s = FeedSubIndex{}
		return nil
	}
	*s = FeedSubIndex(p)
	return nil
}

// NullableFloat decodes a JSON number, a numeric string, or anything else
// (null, "-", objects) as missing.
type NullableFloat struct {
	Value *float64
}

func (n *NullableFloat) UnmarshalJSON(b []byte) error {
	n.Value = nil
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}

	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil && finite(v) {
			n.Value = &v
		}
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var v float64
		if err := json.Unmarshal(b, &v); err == nil {
			n.Value = &v
		}
	}
	return nil
}

func (n NullableFloat) MarshalJSON() ([]byte, error) {
	if n.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*n.Value)
}

// RawResponse is one target's fetched payload tagged with the request URL.
type RawResponse struct {
	Target FetchTarget
	URL    string
	Feed   FeedResponse
}
