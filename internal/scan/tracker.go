// Package scan keeps the de-duplicated, age-ordered list of discovered peripherals.
package scan

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/metrics"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// FilterMode selects which advertisements are kept
type FilterMode int

const (
	AcceptAll FilterMode = iota
	ExactName
	SubstringIgnoreCase
)

// ParseFilterMode maps the config values all, exact and substring
func ParseFilterMode(s string) (FilterMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return AcceptAll, nil
	case "exact":
		return ExactName, nil
	case "substring":
		return SubstringIgnoreCase, nil
	}
	return AcceptAll, fmt.Errorf("unknown scan filter mode %q", s)
}

// Filter decides whether a discovery qualifies
type Filter struct {
	Mode FilterMode
	Name string
}

// Match applies the filter to an advertised name
func (f Filter) Match(name string) bool {
	switch f.Mode {
	case ExactName:
		return name == f.Name
	case SubstringIgnoreCase:
		return strings.Contains(strings.ToLower(name), strings.ToLower(f.Name))
	default:
		return true
	}
}

// Discovery is one advertisement seen by the transport
type Discovery struct {
	Address nirs.Address
	Name    string
	RSSI    int
	At      time.Time
}

// Entry is a snapshot of one scan list row
type Entry struct {
	Address   nirs.Address `json:"address"`
	Name      string       `json:"name"`
	RSSI      int          `json:"rssi"`
	LastSeen  time.Time    `json:"lastSeen"`
	ListIndex int          `json:"listIndex"`
}

type record struct {
	address  nirs.Address
	name     string
	rssi     int
	lastSeen time.Time
	order    *list.Element // position in insertion order
	age      *list.Element // position in last-seen order
}

// Tracker is an ordered map keyed by address. Two lists give insertion order
// and last-seen order; removal unlinks from both.
type Tracker struct {
	mu      sync.Mutex
	filter  Filter
	entries map[nirs.Address]*record
	order   *list.List
	age     *list.List
	now     func() time.Time
	metrics *metrics.Metrics
}

// Option configures a Tracker
type Option func(*Tracker)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithMetrics reports the list size
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// NewTracker creates an empty tracker
func NewTracker(filter Filter, opts ...Option) *Tracker {
	t := &Tracker{
		filter:  filter,
		entries: make(map[nirs.Address]*record),
		order:   list.New(),
		age:     list.New(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe records a discovery; it returns false when the filter rejects it
func (t *Tracker) Observe(d Discovery) bool {
	if !t.filter.Match(d.Name) {
		return false
	}
	if d.At.IsZero() {
		d.At = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.entries[d.Address]; ok {
		r.rssi = d.RSSI
		r.lastSeen = d.At
		if d.Name != "" {
			r.name = d.Name
		}
		t.age.MoveToBack(r.age)
		return true
	}

	r := &record{address: d.Address, name: d.Name, rssi: d.RSSI, lastSeen: d.At}
	r.order = t.order.PushBack(r)
	r.age = t.age.PushBack(r)
	t.entries[d.Address] = r
	t.updateGauge()
	return true
}

// Oldest returns the entry seen longest ago
func (t *Tracker) Oldest() (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	front := t.age.Front()
	if front == nil {
		return Entry{}, false
	}
	r := front.Value.(*record)
	return Entry{Address: r.address, Name: r.name, RSSI: r.rssi, LastSeen: r.lastSeen, ListIndex: t.indexOf(r)}, true
}

// EvictOldest removes the single oldest entry if it is older than maxAge
func (t *Tracker) EvictOldest(maxAge time.Duration) (nirs.Address, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	front := t.age.Front()
	if front == nil {
		return 0, false
	}
	r := front.Value.(*record)
	if t.now().Sub(r.lastSeen) <= maxAge {
		return 0, false
	}
	t.removeLocked(r)
	return r.address, true
}

// Remove drops an entry by address
func (t *Tracker) Remove(addr nirs.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.entries[addr]
	if !ok {
		return false
	}
	t.removeLocked(r)
	return true
}

// Entries returns the list in insertion order with dense indices
func (t *Tracker) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, t.order.Len())
	i := 0
	for e := t.order.Front(); e != nil; e = e.Next() {
		r := e.Value.(*record)
		out = append(out, Entry{Address: r.address, Name: r.name, RSSI: r.rssi, LastSeen: r.lastSeen, ListIndex: i})
		i++
	}
	return out
}

// ByAge returns the list ordered oldest first, each with its insertion index
func (t *Tracker) ByAge() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	index := make(map[*record]int, t.order.Len())
	i := 0
	for e := t.order.Front(); e != nil; e = e.Next() {
		index[e.Value.(*record)] = i
		i++
	}

	out := make([]Entry, 0, t.age.Len())
	for e := t.age.Front(); e != nil; e = e.Next() {
		r := e.Value.(*record)
		out = append(out, Entry{Address: r.address, Name: r.name, RSSI: r.rssi, LastSeen: r.lastSeen, ListIndex: index[r]})
	}
	return out
}

// Get returns one entry
func (t *Tracker) Get(addr nirs.Address) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.entries[addr]
	if !ok {
		return Entry{}, false
	}
	return Entry{Address: r.address, Name: r.name, RSSI: r.rssi, LastSeen: r.lastSeen, ListIndex: t.indexOf(r)}, true
}

// Len returns the number of entries
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Run evicts the oldest stale entry every interval until ctx is done
func (t *Tracker) Run(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if addr, ok := t.EvictOldest(maxAge); ok {
				log.Debug().Str("address", addr.String()).Msg("Scan entry aged out")
			}
		}
	}
}

func (t *Tracker) removeLocked(r *record) {
	if r.order == nil || r.age == nil {
		log.Warn().Str("address", r.address.String()).Msg("Scan entry without list position")
	} else {
		t.order.Remove(r.order)
		t.age.Remove(r.age)
	}
	delete(t.entries, r.address)
	t.updateGauge()
}

func (t *Tracker) indexOf(target *record) int {
	i := 0
	for e := t.order.Front(); e != nil; e = e.Next() {
		if e.Value.(*record) == target {
			return i
		}
		i++
	}
	return -1
}

func (t *Tracker) updateGauge() {
	if t.metrics != nil {
		t.metrics.ScanEntries.Set(float64(len(t.entries)))
	}
}
