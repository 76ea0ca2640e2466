package transformer

import (
	"time"
)

// Canonical measurement names
const (
	TemperatureC = "temperature_c"
	HumidityPct  = "humidity_pct"
	WindSpeedMps = "wind_speed_mps"
	WindGustMps  = "wind_gust_mps"
	WindDirDeg   = "wind_dir_deg"
	RainMm       = "rain_mm"
	PressureHpa  = "pressure_hpa"
	BatteryOK    = "battery_ok"
	LightLux     = "light_lux"
	UVIndex      = "uv_index"
	EnergyWh     = "energy_wh"
)

// Measurement is one canonical value of a reading
type Measurement struct {
	Name  string  `json:"name"`
	Unit  string  `json:"unit,omitempty"`
	Value float64 `json:"value"`
}

// Reading is the protocol-independent result of normalizing one decoder record.
// Measurements keep the order of the mapping rules and are never empty.
type Reading struct {
	Protocol     string        `json:"protocol"`
	DeviceID     string        `json:"device_id"`
	Channel      string        `json:"channel,omitempty"`
	Timestamp    time.Time     `json:"time"`
	Measurements []Measurement `json:"measurements"`

	// Label and Topic come from the device mapping table and may be empty.
	Label string `json:"label,omitempty"`
	Topic string `json:"-"`
}

// Source identifies the physical device as protocol/device_id[/channel]
func (r Reading) Source() string {
	s := r.Protocol + "/" + r.DeviceID
	if r.Channel != "" {
		s += "/" + r.Channel
	}
	return s
}
