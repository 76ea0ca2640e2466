package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeviceMapping assigns a friendly label and/or a topic to one physical sensor
type DeviceMapping struct {
	Protocol string `yaml:"protocol"`
	DeviceID string `yaml:"device_id"`
	Channel  string `yaml:"channel,omitempty"`
	Label    string `yaml:"label,omitempty"`
	Topic    string `yaml:"topic,omitempty"`
}

type devicesFile struct {
	Devices []DeviceMapping `yaml:"devices"`
}

type deviceKey struct {
	protocol, deviceID, channel string
}

// DeviceMap is the read-only device mapping table. It is built once at startup and never
// mutated, so it is shared between goroutines without locking.
type DeviceMap struct {
	entries map[deviceKey]DeviceMapping
}

// NewDeviceMap validates entries and builds the lookup table
func NewDeviceMap(entries []DeviceMapping) (*DeviceMap, error) {
	m := &DeviceMap{entries: make(map[deviceKey]DeviceMapping, len(entries))}
	for i, e := range entries {
		if e.Protocol == "" || e.DeviceID == "" {
			return nil, fmt.Errorf("%w: device entry %d: protocol and device_id are required", ErrInvalidConfig, i)
		}
		if strings.Contains(e.Topic, "+") || strings.Contains(e.Topic, "#") {
			return nil, fmt.Errorf("%w: device entry %d: topic %q contains a wildcard", ErrInvalidConfig, i, e.Topic)
		}
		e.Topic = strings.TrimSuffix(e.Topic, "/")
		k := deviceKey{e.Protocol, e.DeviceID, e.Channel}
		if _, dup := m.entries[k]; dup {
			return nil, fmt.Errorf("%w: device entry %d: duplicate mapping for %s/%s/%s", ErrInvalidConfig, i, e.Protocol, e.DeviceID, e.Channel)
		}
		m.entries[k] = e
	}
	return m, nil
}

// LoadDeviceMap reads a YAML device mapping file. An empty path yields an empty map.
func LoadDeviceMap(path string) (*DeviceMap, error) {
	if path == "" {
		return NewDeviceMap(nil)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open devices file: %v", ErrInvalidConfig, err)
	}
	defer f.Close()
	return ParseDeviceMap(f)
}

// ParseDeviceMap decodes a device mapping document. Unknown keys are rejected.
func ParseDeviceMap(r io.Reader) (*DeviceMap, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc devicesFile
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: devices file: %v", ErrInvalidConfig, err)
	}
	return NewDeviceMap(doc.Devices)
}

// Lookup finds the mapping for a device. An exact channel match wins over a channel-less entry.
func (m *DeviceMap) Lookup(protocol, deviceID, channel string) (DeviceMapping, bool) {
	if m == nil {
		return DeviceMapping{}, false
	}
	if e, ok := m.entries[deviceKey{protocol, deviceID, channel}]; ok {
		return e, true
	}
	if channel != "" {
		e, ok := m.entries[deviceKey{protocol, deviceID, ""}]
		return e, ok
	}
	return DeviceMapping{}, false
}

// Len returns the number of entries
func (m *DeviceMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}
