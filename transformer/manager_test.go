package transformer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/weatherradio/config"
)

func TestScriptManagerFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wh2.js")
	require.NoError(t, os.WriteFile(path, []byte(`
function transform(record) {
	log("wh2 record " + record.id);
	var out = {};
	out.temperature_c = record.temperature_K - 273.15;
	if (record.battery_ok !== undefined) {
		out.battery_ok = record.battery_ok;
	}
	return out;
}`), 0644))

	m, err := NewScriptManager(map[string]config.Script{"wh2": {ScriptPath: path}})
	require.NoError(t, err)
	assert.True(t, m.Has("WH2"), "protocol names match case-insensitively")
	assert.False(t, m.Has("WH3"))

	out, err := m.Transform("WH2", map[string]any{"id": 3.0, "temperature_K": 300.0, "battery_ok": true})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, TemperatureC, out[0].Name)
	assert.InDelta(t, 26.85, out[0].Value, 1e-9)
	assert.Equal(t, Measurement{Name: BatteryOK, Value: 1}, out[1])
}

func TestScriptManagerReload(t *testing.T) {
	m, err := NewScriptManager(map[string]config.Script{
		"x": {ScriptCode: `function transform(r) { return { rain_mm: 1 }; }`},
	})
	require.NoError(t, err)

	require.NoError(t, m.ReloadScript("X", config.Script{ScriptCode: `function transform(r) { return { rain_mm: 2 }; }`}))
	out, err := m.Transform("x", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, []Measurement{{Name: RainMm, Value: 2}}, out)

	assert.Error(t, m.ReloadScript("x", config.Script{ScriptCode: `syntax error (`}))
	out, err = m.Transform("x", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 2.0, out[0].Value, "a broken reload keeps the previous script")
}

func TestScriptManagerErrors(t *testing.T) {
	_, err := NewScriptManager(map[string]config.Script{"x": {ScriptPath: "/nonexistent.js"}})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	m, err := NewScriptManager(map[string]config.Script{
		"throws": {ScriptCode: `function transform(r) { throw new Error("bad record"); }`},
	})
	require.NoError(t, err)
	_, err = m.Transform("throws", map[string]any{})
	assert.Error(t, err)

	_, err = m.Transform("missing", map[string]any{})
	assert.Error(t, err)
}
