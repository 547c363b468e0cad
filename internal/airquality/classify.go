package airquality

import "math"

// Category is a named health-risk band derived from an AQI value.
type Category string

const (
	CategoryUnknown                     Category = "Unknown"
	CategoryGood                        Category = "Good"
	CategoryModerate                    Category = "Moderate"
	CategoryUnhealthyForSensitiveGroups Category = "Unhealthy for Sensitive Groups"
	CategoryUnhealthy                   Category = "Unhealthy"
	CategoryVeryUnhealthy               Category = "Very Unhealthy"
	CategoryHazardous                   Category = "Hazardous"
)

type band struct {
	upper    float64
	category Category
	text     string
}

// Upper bounds are inclusive.
var bands = []band{
	{50, CategoryGood, "0-50"},
	{100, CategoryModerate, "51-100"},
	{150, CategoryUnhealthyForSensitiveGroups, "101-150"},
	{200, CategoryUnhealthy, "151-200"},
	{300, CategoryVeryUnhealthy, "201-300"},
}

// Classify maps an optional AQI value to its category and band text.
func Classify(aqi *float64) (Category, string) {
	if aqi == nil {
		return CategoryUnknown, "n/a"
	}
	return ClassifyValue(*aqi)
}

// ClassifyValue maps an AQI value to its category and band text.
// NaN is treated as missing.
func ClassifyValue(v float64) (Category, string) {
	if math.IsNaN(v) {
		return CategoryUnknown, "n/a"
	}
	for _, b := range bands {
		if v <= b.upper {
			return b.category, b.text
		}
	}
	return CategoryHazardous, "300+"
}

// Severity orders categories from Good (1) to Hazardous (6). Unknown is 0.
func (c Category) Severity() int {
	for i, b := range bands {
		if b.category == c {
			return i + 1
		}
	}
	if c == CategoryHazardous {
		return len(bands) + 1
	}
	return 0
}
