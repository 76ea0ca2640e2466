package parser

import (
	"slices"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/weatherradio/metrics"
)

func TestParse(t *testing.T) {
	p := New(metrics.New())

	tests := []struct {
		name     string
		line     string
		wantErr  error
		protocol string
	}{
		{"acurite", `{"model":"Acurite-Tower","id":1234,"channel":"A","temperature_C":21.5,"humidity":47,"time":"2024-01-01 12:00:00"}`, nil, "Acurite-Tower"},
		{"trailing whitespace", "{\"model\":\"X\",\"id\":1}\r\n", nil, "X"},
		{"model wins over numeric protocol", `{"protocol":161,"model":"NETIDM","ERTSerialNumber":45027331}`, nil, "NETIDM"},
		{"numeric protocol only", `{"protocol":40,"id":7}`, nil, "40"},
		{"empty", "   ", ErrEmptyLine, ""},
		{"garbage", "garbage{{", ErrMalformed, ""},
		{"truncated", `{"model":"Acurite-Tower","id":12`, ErrMalformed, ""},
		{"array", `[1,2,3]`, ErrNotObject, ""},
		{"number", `42`, ErrNotObject, ""},
		{"no discriminator", `{"id":1,"temperature_C":20}`, ErrNoDiscriminator, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := p.Parse(tt.line)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, rec)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.protocol, rec.Protocol())
		})
	}
}

func TestRecordsSkipsBadLines(t *testing.T) {
	m := metrics.New()
	p := New(m)

	lines := []string{
		`{"model":"A","id":1,"temperature_C":20.0}`,
		"garbage{{",
		`{"model":"B","id":2,"temperature_C":21.0}`,
	}

	var got []RawRecord
	for rec := range p.Records(slices.Values(lines)) {
		got = append(got, rec)
	}

	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].Protocol())
	assert.Equal(t, "B", got[1].Protocol())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ParseErrors))
}

func TestRecordsEveryLineIsIndependent(t *testing.T) {
	m := metrics.New()
	p := New(m)

	lines := []string{
		"",
		`{"model":"A","id":1,"tempera`,
		`{"model":"A","id":1}`,
		`not json at all`,
		`{"model":"C","id":3}`,
		`[]`,
	}

	var got []string
	for rec := range p.Records(slices.Values(lines)) {
		got = append(got, rec.Protocol())
	}
	assert.Equal(t, []string{"A", "C"}, got)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ParseErrors))
}

func TestRecordsStopsWhenConsumerStops(t *testing.T) {
	p := New(metrics.New())
	lines := []string{`{"model":"A","id":1}`, `{"model":"B","id":2}`, `{"model":"C","id":3}`}

	n := 0
	for range p.Records(slices.Values(lines)) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}
