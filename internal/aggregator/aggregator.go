// Package aggregator batches decoded packets of one device for display and CSV persistence.
package aggregator

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/metrics"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/storage"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// DefaultSaveMultiplier sizes the save buffer as fan-out times this value
const DefaultSaveMultiplier = 100

// Sink persists a batch of packets; *storage.CSVWriter implements it
type Sink interface {
	Write(kind storage.FileKind, packets []nirs.Packet) (int, error)
}

// MetadataSink is a Sink whose file header can change until the file exists
type MetadataSink interface {
	Sink
	SetMetadata(family nirs.Family, meta storage.Metadata)
}

// Options tunes an Aggregator
type Options struct {
	SaveMultiplier int
	Metrics        *metrics.Metrics
}

// Aggregator owns the display ring and the save buffer of one device
type Aggregator struct {
	mu      sync.Mutex
	address nirs.Address
	fanout  int
	family  nirs.Family
	ring    *Ring[nirs.Packet]
	save    []nirs.Packet
	saveCap int
	sink    Sink
	persist bool
	metrics *metrics.Metrics
	logger  zerolog.Logger
	closed  bool
}

// New creates an aggregator sized for family
func New(addr nirs.Address, family nirs.Family, sink Sink, opts Options) *Aggregator {
	mult := opts.SaveMultiplier
	if mult <= 0 {
		mult = DefaultSaveMultiplier
	}
	fanout := family.Fanout()

	a := &Aggregator{
		address: addr,
		fanout:  fanout,
		ring:    NewRing[nirs.Packet](fanout),
		save:    make([]nirs.Packet, 0, fanout*mult),
		saveCap: fanout * mult,
		sink:    sink,
		metrics: opts.Metrics,
		logger:  log.With().Str("component", "aggregator").Str("address", addr.String()).Logger(),
	}
	a.setFamily(family)
	return a
}

// SetMetadata updates the family and header of files the sink has not
// created yet. Sinks without metadata only see the family change.
func (a *Aggregator) SetMetadata(family nirs.Family, meta storage.Metadata) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ms, ok := a.sink.(MetadataSink); ok {
		ms.SetMetadata(family, meta)
	}
	if family != a.family {
		a.setFamily(family)
	}
}

// Persisting reports whether packets reach the sink
func (a *Aggregator) Persisting() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.persist
}

// setFamily turns persistence off for families without a CSV layout
func (a *Aggregator) setFamily(family nirs.Family) {
	a.family = family
	a.persist = a.sink != nil && storage.Columns(family) != nil
	if a.sink != nil && !a.persist {
		a.save = a.save[:0]
		a.logger.Warn().Str("family", family.String()).Msg("No CSV layout for family, packets are not persisted")
	}
}

// Fanout returns the ring capacity
func (a *Aggregator) Fanout() int {
	return a.fanout
}

// AddLive buffers live packets; a full save buffer is flushed and reset
func (a *Aggregator) AddLive(packets ...nirs.Packet) {
	for _, p := range packets {
		a.ring.Push(p)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || !a.persist {
		return
	}

	for _, p := range packets {
		a.save = append(a.save, p)
		if len(a.save) >= a.saveCap {
			a.flushLocked()
		}
	}
}

// AddStored writes one stored packet straight to the stored file
func (a *Aggregator) AddStored(p nirs.Packet) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || !a.persist {
		return
	}
	a.write(storage.FileStored, []nirs.Packet{p})
}

// Flush writes whatever the save buffer holds
func (a *Aggregator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushLocked()
}

// Close flushes the save buffer and rejects further packets
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.flushLocked()
	a.closed = true
}

// Recent returns the latest fan-out live packets, oldest first
func (a *Aggregator) Recent() []nirs.Packet {
	return a.ring.Snapshot()
}

// Pending returns the number of buffered live packets not yet on disk
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.save)
}

func (a *Aggregator) flushLocked() {
	if len(a.save) == 0 {
		return
	}
	batch := make([]nirs.Packet, len(a.save))
	copy(batch, a.save)
	a.save = a.save[:0]
	a.write(storage.FileLive, batch)
}

// write never propagates a failure: the batch is logged, counted and dropped
func (a *Aggregator) write(kind storage.FileKind, batch []nirs.Packet) {
	if a.sink == nil {
		return
	}
	n, err := a.sink.Write(kind, batch)
	if err != nil {
		a.logger.Error().Err(err).Str("kind", kind.String()).Int("packets", len(batch)).Msg("CSV flush failed, batch dropped")
		if a.metrics != nil {
			a.metrics.CSVErrors.WithLabelValues(kind.String()).Inc()
		}
		return
	}
	if a.metrics != nil {
		a.metrics.CSVRows.WithLabelValues(kind.String()).Add(float64(n))
	}
}
