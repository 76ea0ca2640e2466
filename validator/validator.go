package validator

import (
	"fmt"
	"math"
)

// Validator checks a single canonical measurement
type Validator interface {
	// Validate returns an error when value is not plausible for the measurement
	Validate(name string, value float64) error
}

// RangeValidator accepts values within [Min, Max]
type RangeValidator struct {
	Field string
	Min   float64
	Max   float64
}

// Validate checks that value lies in the configured range
func (rv *RangeValidator) Validate(name string, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%s: value %v is not finite", name, value)
	}
	if value < rv.Min || value > rv.Max {
		return fmt.Errorf("%s: value %g not in range [%g, %g]", name, value, rv.Min, rv.Max)
	}
	return nil
}

// Set holds one validator per measurement name. Measurements without a validator only need
// to be finite.
type Set struct {
	validators map[string]Validator
}

// NewSet builds a set from range validators keyed by their Field
func NewSet(ranges ...RangeValidator) *Set {
	s := &Set{validators: make(map[string]Validator, len(ranges))}
	for i := range ranges {
		s.validators[ranges[i].Field] = &ranges[i]
	}
	return s
}

// DefaultSet covers the physical limits of common consumer weather sensors
func DefaultSet() *Set {
	return NewSet(
		RangeValidator{Field: "temperature_c", Min: -60, Max: 80},
		RangeValidator{Field: "humidity_pct", Min: 0, Max: 100},
		RangeValidator{Field: "wind_speed_mps", Min: 0, Max: 100},
		RangeValidator{Field: "wind_gust_mps", Min: 0, Max: 120},
		RangeValidator{Field: "wind_dir_deg", Min: 0, Max: 360},
		RangeValidator{Field: "rain_mm", Min: 0, Max: 100000},
		RangeValidator{Field: "pressure_hpa", Min: 300, Max: 1200},
		RangeValidator{Field: "battery_ok", Min: 0, Max: 1},
		RangeValidator{Field: "light_lux", Min: 0, Max: 200000},
		RangeValidator{Field: "uv_index", Min: 0, Max: 20},
		RangeValidator{Field: "energy_wh", Min: 0, Max: math.MaxFloat64},
	)
}

// Validate checks a measurement against its validator, if any
func (s *Set) Validate(name string, value float64) error {
	if s == nil {
		return nil
	}
	if v, ok := s.validators[name]; ok {
		return v.Validate(name, value)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%s: value %v is not finite", name, value)
	}
	return nil
}
