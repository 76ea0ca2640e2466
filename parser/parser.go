// Package parser turns decoder output lines into raw JSON records.
package parser

import (
	"encoding/json"
	"errors"
	"iter"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/eddielth/weatherradio/logger"
	"github.com/eddielth/weatherradio/metrics"
)

var (
	ErrEmptyLine       = errors.New("empty line")
	ErrMalformed       = errors.New("malformed JSON")
	ErrNotObject       = errors.New("record is not a JSON object")
	ErrNoDiscriminator = errors.New("record has neither model nor protocol")
)

// RawRecord is one decoded transmission with protocol-specific fields
type RawRecord map[string]any

// Protocol returns the protocol discriminator: model when present, else protocol
func (r RawRecord) Protocol() string {
	for _, key := range []string{"model", "protocol"} {
		switch v := r[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// Parser parses decoder lines. It is used from a single goroutine.
type Parser struct {
	metrics *metrics.Metrics
	warn    rate.Sometimes
}

// New creates a parser that counts rejected lines in m
func New(m *metrics.Metrics) *Parser {
	return &Parser{
		metrics: m,
		warn:    rate.Sometimes{First: 5, Interval: 30 * time.Second},
	}
}

// Parse decodes a single line
func (p *Parser) Parse(line string) (RawRecord, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrEmptyLine
	}
	if line[0] != '{' {
		if line[0] == '[' || json.Valid([]byte(line)) {
			return nil, ErrNotObject
		}
		return nil, ErrMalformed
	}

	var rec RawRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return nil, ErrMalformed
	}
	if rec.Protocol() == "" {
		return nil, ErrNoDiscriminator
	}
	return rec, nil
}

// Records lazily parses lines, skipping every line that is not a well-formed record.
// A bad line is counted and never ends the sequence.
func (p *Parser) Records(lines iter.Seq[string]) iter.Seq[RawRecord] {
	return func(yield func(RawRecord) bool) {
		for line := range lines {
			rec, err := p.Parse(line)
			if err != nil {
				p.reject(line, err)
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

func (p *Parser) reject(line string, err error) {
	p.metrics.ParseErrors.Inc()
	if errors.Is(err, ErrEmptyLine) {
		return
	}
	p.warn.Do(func() {
		logger.Warn("skipping decoder line: %v: %.120q", err, line)
	})
}
