package airquality

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyBands(t *testing.T) {
	tests := []struct {
		aqi      float64
		category Category
		text     string
	}{
		{0, CategoryGood, "0-50"},
		{50, CategoryGood, "0-50"},
		{50.5, CategoryModerate, "51-100"},
		{51, CategoryModerate, "51-100"},
		{100, CategoryModerate, "51-100"},
		{101, CategoryUnhealthyForSensitiveGroups, "101-150"},
		{150, CategoryUnhealthyForSensitiveGroups, "101-150"},
		{151, CategoryUnhealthy, "151-200"},
		{200, CategoryUnhealthy, "151-200"},
		{201, CategoryVeryUnhealthy, "201-300"},
		{300, CategoryVeryUnhealthy, "201-300"},
		{300.1, CategoryHazardous, "300+"},
		{999, CategoryHazardous, "300+"},
		{math.Inf(1), CategoryHazardous, "300+"},
	}

	for _, tt := range tests {
		c, text := Classify(Float(tt.aqi))
		assert.Equal(t, tt.category, c, "aqi %v", tt.aqi)
		assert.Equal(t, tt.text, text, "aqi %v", tt.aqi)
	}
}

func TestClassifyMissing(t *testing.T) {
	c, text := Classify(nil)
	assert.Equal(t, CategoryUnknown, c)
	assert.Equal(t, "n/a", text)

	c, text = ClassifyValue(math.NaN())
	assert.Equal(t, CategoryUnknown, c)
	assert.Equal(t, "n/a", text)
	assert.Zero(t, c.Severity())
}

func TestClassifyIsMonotonic(t *testing.T) {
	prev := 0
	for v := 0.0; v <= 600; v += 0.25 {
		c, _ := ClassifyValue(v)
		sev := c.Severity()
		assert.GreaterOrEqual(t, sev, prev, "severity dropped at aqi %v", v)
		prev = sev
	}
	assert.Equal(t, 6, prev)
}

func TestRecordDerivesCategory(t *testing.T) {
	r := ObservationRecord{City: "Perth", AQI: Float(42)}
	assert.Equal(t, CategoryGood, r.Category())
	assert.Equal(t, "0-50", r.Range())

	r.AQI = nil
	assert.Equal(t, CategoryUnknown, r.Category())
	assert.Equal(t, "n/a", r.Range())
}
