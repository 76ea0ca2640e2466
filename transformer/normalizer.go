package transformer

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/eddielth/weatherradio/config"
	"github.com/eddielth/weatherradio/logger"
	"github.com/eddielth/weatherradio/metrics"
	"github.com/eddielth/weatherradio/parser"
	"github.com/eddielth/weatherradio/validator"
)

// Outcome is the result of normalizing one record
type Outcome int

const (
	Emitted Outcome = iota
	Unmapped
	Duplicate
	Ignored
	Invalid
)

func (o Outcome) String() string {
	switch o {
	case Emitted:
		return "emitted"
	case Unmapped:
		return "unmapped"
	case Duplicate:
		return "duplicate"
	case Ignored:
		return "ignored"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// decoder timestamps with -M utc
const decoderTimeLayout = "2006-01-02 15:04:05"

var units = map[string]string{
	EnergyWh: "Wh",
}

func init() {
	for _, r := range commonFields {
		if _, ok := units[r.Name]; !ok && r.Unit != "" {
			units[r.Name] = r.Unit
		}
	}
}

// Normalizer converts raw decoder records into canonical readings. It is used from the single
// ingest goroutine.
type Normalizer struct {
	devices   *config.DeviceMap
	validator *validator.Set
	scripts   *ScriptManager
	dedup     *Deduper
	ignore    map[string]struct{}
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewNormalizer builds a normalizer. v may be nil to accept every finite value.
func NewNormalizer(cfg config.NormalizerConfig, devices *config.DeviceMap, v *validator.Set, m *metrics.Metrics) (*Normalizer, error) {
	scripts, err := NewScriptManager(cfg.Scripts)
	if err != nil {
		return nil, err
	}

	ignore := make(map[string]struct{}, len(cfg.Ignore))
	for _, s := range cfg.Ignore {
		s = strings.Trim(strings.TrimSpace(s), "/")
		if s != "" {
			ignore[s] = struct{}{}
		}
	}

	return &Normalizer{
		devices:   devices,
		validator: v,
		scripts:   scripts,
		dedup:     NewDeduper(cfg.DedupWindow, cfg.DedupMaxEntries),
		ignore:    ignore,
		metrics:   m,
		now:       time.Now,
	}, nil
}

// SetClock replaces the clock used for receive timestamps and the dedup window
func (n *Normalizer) SetClock(now func() time.Time) {
	n.now = now
	n.dedup.now = now
}

// ReloadScripts swaps in a changed script configuration while the pipeline runs
func (n *Normalizer) ReloadScripts(configs map[string]config.Script) error {
	return n.scripts.Reload(configs)
}

// Normalize maps one record. The reading is only meaningful when the outcome is Emitted.
func (n *Normalizer) Normalize(rec parser.RawRecord) (Reading, Outcome) {
	protocol := rec.Protocol()
	rule, _ := lookupRule(protocol)

	deviceID, ok := fieldString(rec[rule.IDField])
	if !ok {
		n.metrics.Invalid.Inc()
		logger.Debug("record from %s has no %s field", protocol, rule.IDField)
		return Reading{}, Invalid
	}
	var channel string
	if rule.ChannelField != "" {
		channel, _ = fieldString(rec[rule.ChannelField])
	}

	if n.ignored(protocol, deviceID, channel) {
		n.metrics.Ignored.Inc()
		return Reading{}, Ignored
	}

	measurements := n.measurements(protocol, rule, rec)
	if len(measurements) == 0 {
		n.metrics.Unmapped.WithLabelValues(protocol).Inc()
		return Reading{}, Unmapped
	}

	reading := Reading{
		Protocol:     protocol,
		DeviceID:     deviceID,
		Channel:      channel,
		Timestamp:    n.timestamp(rec),
		Measurements: measurements,
	}

	if n.dedup.Seen(dedupKey(reading)) {
		n.metrics.Duplicates.Inc()
		return Reading{}, Duplicate
	}

	if mapping, ok := n.devices.Lookup(protocol, deviceID, channel); ok {
		reading.Label = mapping.Label
		reading.Topic = mapping.Topic
	}

	n.metrics.Readings.Inc()
	return reading, Emitted
}

func (n *Normalizer) ignored(protocol, deviceID, channel string) bool {
	if len(n.ignore) == 0 {
		return false
	}
	keys := []string{protocol, protocol + "/" + deviceID}
	if channel != "" {
		keys = append(keys, protocol+"/"+deviceID+"/"+channel)
	}
	for _, k := range keys {
		if _, ok := n.ignore[k]; ok {
			return true
		}
	}
	return false
}

// measurements applies the protocol script, or else the table rules. The first rule producing
// a canonical name wins; implausible values are dropped one by one.
func (n *Normalizer) measurements(protocol string, rule ProtocolRule, rec parser.RawRecord) []Measurement {
	var candidates []Measurement
	if n.scripts.Has(protocol) {
		out, err := n.scripts.Transform(protocol, rec)
		if err != nil {
			logger.Warn("transform script for %s: %v", protocol, err)
			return nil
		}
		for _, m := range out {
			m.Unit = units[m.Name]
			candidates = append(candidates, m)
		}
	} else {
		for _, f := range rule.Fields {
			raw, ok := toFloat(rec[f.Field])
			if !ok {
				continue
			}
			candidates = append(candidates, Measurement{Name: f.Name, Unit: f.Unit, Value: f.Apply(raw)})
		}
	}

	seen := make(map[string]bool, len(candidates))
	out := make([]Measurement, 0, len(candidates))
	for _, m := range candidates {
		if seen[m.Name] {
			continue
		}
		seen[m.Name] = true
		if err := n.validator.Validate(m.Name, m.Value); err != nil {
			n.metrics.Rejected.WithLabelValues(m.Name).Inc()
			logger.Debug("%s: dropping measurement: %v", protocol, err)
			continue
		}
		out = append(out, m)
	}
	return out
}

func (n *Normalizer) timestamp(rec parser.RawRecord) time.Time {
	switch v := rec["time"].(type) {
	case string:
		if t, err := time.ParseInLocation(decoderTimeLayout, v, time.UTC); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC()
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return unixTime(secs)
		}
	case float64:
		return unixTime(v)
	}
	return n.now().UTC()
}

func unixTime(secs float64) time.Time {
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

// fieldString renders an identifier field: strings as is, numbers without exponent.
// Any other JSON type is not an identifier.
func fieldString(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		if v == "" {
			return "", false
		}
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(v, 10), true
	default:
		return "", false
	}
}

func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
