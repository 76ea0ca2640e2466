package transformer

import (
	"container/list"
	"math"
	"strconv"
	"strings"
	"time"
)

// Deduper suppresses readings identical to one emitted within the window. rtl_433 often
// reports one radio burst several times because the sync word repeats inside it.
//
// Entries expire after the window; at most maxEntries keys are remembered and the oldest is
// evicted first. Not safe for concurrent use.
type Deduper struct {
	window     time.Duration
	maxEntries int
	now        func() time.Time

	entries map[string]*list.Element
	order   *list.List // oldest emission at the front
}

type dedupEntry struct {
	key string
	at  time.Time
}

// NewDeduper creates a deduper. A zero window disables suppression.
func NewDeduper(window time.Duration, maxEntries int) *Deduper {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &Deduper{
		window:     window,
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Seen reports whether key was emitted within the window. If not, the key is recorded as
// emitted now. A suppressed duplicate does not extend the window.
func (d *Deduper) Seen(key string) bool {
	if d.window <= 0 {
		return false
	}
	now := d.now()
	d.expire(now)

	if _, ok := d.entries[key]; ok {
		return true
	}

	d.entries[key] = d.order.PushBack(&dedupEntry{key: key, at: now})
	for d.order.Len() > d.maxEntries {
		d.remove(d.order.Front())
	}
	return false
}

// Len returns the number of remembered keys
func (d *Deduper) Len() int {
	return d.order.Len()
}

func (d *Deduper) expire(now time.Time) {
	for e := d.order.Front(); e != nil; e = d.order.Front() {
		if now.Sub(e.Value.(*dedupEntry).at) < d.window {
			return
		}
		d.remove(e)
	}
}

func (d *Deduper) remove(e *list.Element) {
	delete(d.entries, e.Value.(*dedupEntry).key)
	d.order.Remove(e)
}

// dedupKey identifies a reading by device and measurement values rounded to two decimals
func dedupKey(r Reading) string {
	var b strings.Builder
	b.WriteString(r.Protocol)
	b.WriteByte(0)
	b.WriteString(r.DeviceID)
	b.WriteByte(0)
	b.WriteString(r.Channel)
	for _, m := range r.Measurements {
		b.WriteByte(0)
		b.WriteString(m.Name)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(math.Round(m.Value*100)/100, 'f', 2, 64))
	}
	return b.String()
}
