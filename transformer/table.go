package transformer

// FieldRule maps one raw decoder field to a canonical measurement: value = raw*Scale + Offset
type FieldRule struct {
	Field  string
	Name   string
	Unit   string
	Scale  float64
	Offset float64
}

// Apply converts a raw value
func (f FieldRule) Apply(raw float64) float64 {
	return raw*f.Scale + f.Offset
}

// ProtocolRule describes the record layout of one decoder protocol
type ProtocolRule struct {
	IDField      string
	ChannelField string
	Fields       []FieldRule
}

const (
	mphToMps = 0.44704
	kmhToMps = 1 / 3.6
)

// commonFields are the rtl_433 field names shared by most weather protocols. The order sets the
// priority when two fields map to the same measurement (Celsius wins over Fahrenheit).
var commonFields = []FieldRule{
	{Field: "temperature_C", Name: TemperatureC, Unit: "°C", Scale: 1},
	{Field: "temperature_F", Name: TemperatureC, Unit: "°C", Scale: 5.0 / 9.0, Offset: -160.0 / 9.0},
	{Field: "humidity", Name: HumidityPct, Unit: "%", Scale: 1},
	{Field: "wind_avg_m_s", Name: WindSpeedMps, Unit: "m/s", Scale: 1},
	{Field: "wind_avg_km_h", Name: WindSpeedMps, Unit: "m/s", Scale: kmhToMps},
	{Field: "wind_avg_mi_h", Name: WindSpeedMps, Unit: "m/s", Scale: mphToMps},
	{Field: "wind_max_m_s", Name: WindGustMps, Unit: "m/s", Scale: 1},
	{Field: "wind_max_km_h", Name: WindGustMps, Unit: "m/s", Scale: kmhToMps},
	{Field: "wind_max_mi_h", Name: WindGustMps, Unit: "m/s", Scale: mphToMps},
	{Field: "wind_dir_deg", Name: WindDirDeg, Unit: "°", Scale: 1},
	{Field: "rain_mm", Name: RainMm, Unit: "mm", Scale: 1},
	{Field: "rain_in", Name: RainMm, Unit: "mm", Scale: 25.4},
	{Field: "pressure_hPa", Name: PressureHpa, Unit: "hPa", Scale: 1},
	{Field: "pressure_kPa", Name: PressureHpa, Unit: "hPa", Scale: 10},
	{Field: "light_lux", Name: LightLux, Unit: "lx", Scale: 1},
	{Field: "uv", Name: UVIndex, Scale: 1},
	{Field: "battery_ok", Name: BatteryOK, Scale: 1},
}

func common(fields ...string) []FieldRule {
	rules := make([]FieldRule, 0, len(fields))
	for _, f := range fields {
		for _, r := range commonFields {
			if r.Field == f {
				rules = append(rules, r)
				break
			}
		}
	}
	return rules
}

func standard(fields ...string) ProtocolRule {
	return ProtocolRule{IDField: "id", ChannelField: "channel", Fields: common(fields...)}
}

// Itron ERT meters: the consumption counter is in hundredths of a watt-hour.
var ertMeter = ProtocolRule{
	IDField: "ERTSerialNumber",
	Fields: []FieldRule{
		{Field: "LastConsumptionCount", Name: EnergyWh, Unit: "Wh", Scale: 0.01},
	},
}

// protocolTable is keyed by the decoder's model name
var protocolTable = map[string]ProtocolRule{
	"Acurite-Tower":        standard("temperature_C", "humidity", "battery_ok"),
	"Acurite-609TXC":       standard("temperature_C", "humidity", "battery_ok"),
	"Acurite-5n1":          standard("temperature_F", "humidity", "wind_avg_km_h", "wind_dir_deg", "rain_in", "battery_ok"),
	"Acurite-Atlas":        standard("temperature_F", "humidity", "wind_avg_mi_h", "wind_dir_deg", "rain_in", "uv", "light_lux", "battery_ok"),
	"AmbientWeather-WH31E": standard("temperature_C", "humidity", "battery_ok"),
	"AmbientWeather-WH31B": standard("temperature_C", "humidity", "battery_ok"),
	"Fineoffset-WH40":      standard("rain_mm", "battery_ok"),
	"Fineoffset-WH68":      standard("wind_avg_m_s", "wind_max_m_s", "wind_dir_deg", "light_lux", "battery_ok"),
	"Fineoffset-WH24":      standard("temperature_C", "humidity", "wind_avg_m_s", "wind_max_m_s", "wind_dir_deg", "rain_mm", "uv", "light_lux", "battery_ok"),
	"Fineoffset-WH65B":     standard("temperature_C", "humidity", "wind_avg_m_s", "wind_max_m_s", "wind_dir_deg", "rain_mm", "uv", "light_lux", "battery_ok"),
	"Fineoffset-WH25":      standard("temperature_C", "humidity", "pressure_hPa", "battery_ok"),
	"LaCrosse-TX141THBv2":  standard("temperature_C", "humidity", "battery_ok"),
	"Oregon-THGR122N":      standard("temperature_C", "humidity", "battery_ok"),
	"Nexus-TH":             standard("temperature_C", "humidity", "battery_ok"),
	"Bresser-5in1":         standard("temperature_C", "humidity", "wind_max_m_s", "wind_avg_m_s", "wind_dir_deg", "rain_mm", "battery_ok"),
	"IDM":                  ertMeter,
	"NETIDM":               ertMeter,
}

// lookupRule returns the rule for a protocol, or the generic fallback rule
func lookupRule(protocol string) (ProtocolRule, bool) {
	if r, ok := protocolTable[protocol]; ok {
		return r, true
	}
	return ProtocolRule{IDField: "id", ChannelField: "channel", Fields: commonFields}, false
}
