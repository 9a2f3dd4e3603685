package aggregator

import (
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/metrics"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/storage"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

type recordingSink struct {
	mu      sync.Mutex
	batches map[storage.FileKind][][]nirs.Packet
	err     error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{batches: make(map[storage.FileKind][][]nirs.Packet)}
}

func (s *recordingSink) Write(kind storage.FileKind, packets []nirs.Packet) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.batches[kind] = append(s.batches[kind], packets)
	return len(packets), nil
}

func (s *recordingSink) count(kind storage.FileKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches[kind])
}

func packet(counter uint16) nirs.Packet {
	return &nirs.AeriePacket{Header: nirs.Header{Counter: counter, CaptureTime: time.Now()}}
}

func TestRingKeepsLatest(t *testing.T) {
	r := NewRing[int](3)
	assert.Empty(t, r.Snapshot())

	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
	assert.Equal(t, 3, r.Len())

	r.Reset()
	assert.Equal(t, 0, r.Len())
	r.Push(9)
	assert.Equal(t, []int{9}, r.Snapshot())
}

func TestFanoutPerFamily(t *testing.T) {
	assert.Equal(t, 6, New(1, nirs.FamilyArgus, nil, Options{}).Fanout())
	assert.Equal(t, 5, New(1, nirs.FamilyAurelian, nil, Options{}).Fanout())
	assert.Equal(t, 5, New(1, nirs.FamilyAerie, nil, Options{}).Fanout())
	assert.Equal(t, 5, New(1, nirs.FamilyEP, nil, Options{}).Fanout())
}

func TestSaveBufferFlushesWhenFull(t *testing.T) {
	sink := newRecordingSink()
	agg := New(1, nirs.FamilyAerie, sink, Options{SaveMultiplier: 2})

	for i := 0; i < 9; i++ {
		agg.AddLive(packet(uint16(i)))
	}
	assert.Equal(t, 0, sink.count(storage.FileLive))
	assert.Equal(t, 9, agg.Pending())

	agg.AddLive(packet(9))
	require.Equal(t, 1, sink.count(storage.FileLive))
	assert.Len(t, sink.batches[storage.FileLive][0], 10)
	assert.Equal(t, 0, agg.Pending())

	recent := agg.Recent()
	require.Len(t, recent, 5)
	assert.Equal(t, uint16(5), recent[0].Base().Counter)
	assert.Equal(t, uint16(9), recent[4].Base().Counter)
}

func TestStoredPacketsFlushIndividually(t *testing.T) {
	sink := newRecordingSink()
	agg := New(1, nirs.FamilyArgus, sink, Options{})

	for i := 0; i < 3; i++ {
		agg.AddStored(packet(uint16(i)))
	}
	assert.Equal(t, 3, sink.count(storage.FileStored))
	assert.Equal(t, 0, sink.count(storage.FileLive))
	assert.Empty(t, agg.Recent())
}

func TestWriteFailureIsContained(t *testing.T) {
	m := metrics.New()
	sink := newRecordingSink()
	sink.err = errors.New("disk full")
	agg := New(1, nirs.FamilyAerie, sink, Options{SaveMultiplier: 1, Metrics: m})

	for i := 0; i < 5; i++ {
		agg.AddLive(packet(uint16(i)))
	}
	agg.AddStored(packet(99))

	assert.Equal(t, 0, agg.Pending())
	assert.Len(t, agg.Recent(), 5)
}

func TestCloseFlushesAndRejects(t *testing.T) {
	sink := newRecordingSink()
	agg := New(1, nirs.FamilyAerie, sink, Options{})

	agg.AddLive(packet(1), packet(2))
	agg.Close()
	assert.Equal(t, 1, sink.count(storage.FileLive))

	agg.AddLive(packet(3))
	agg.AddStored(packet(4))
	agg.Close()
	assert.Equal(t, 1, sink.count(storage.FileLive))
	assert.Equal(t, 0, sink.count(storage.FileStored))
}

func TestConcurrentProducersToCSV(t *testing.T) {
	dir := t.TempDir()
	w := storage.NewCSVWriter(dir, "aerie", nirs.FamilyAerie, storage.Metadata{DeviceType: "Aerie"}, time.Now())
	agg := New(1, nirs.FamilyAerie, w, Options{SaveMultiplier: 2})

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if g%2 == 0 {
					agg.AddLive(packet(uint16(i)))
				} else {
					agg.AddStored(packet(uint16(i)))
				}
			}
		}(g)
	}
	wg.Wait()
	agg.Close()

	live, err := os.ReadFile(w.Path(storage.FileLive))
	require.NoError(t, err)
	stored, err := os.ReadFile(w.Path(storage.FileStored))
	require.NoError(t, err)

	assert.Equal(t, 51, strings.Count(string(live), "\n"))
	assert.Equal(t, 51, strings.Count(string(stored), "\n"))
}

type metadataSink struct {
	*recordingSink
	family nirs.Family
	meta   storage.Metadata
}

func (s *metadataSink) SetMetadata(family nirs.Family, meta storage.Metadata) {
	s.family = family
	s.meta = meta
}

func TestSetMetadataReachesSink(t *testing.T) {
	sink := &metadataSink{recordingSink: newRecordingSink()}
	agg := New(1, nirs.FamilyAurelian, sink, Options{})

	agg.SetMetadata(nirs.FamilyAurelian, storage.Metadata{DeviceType: "Aurelian", DeviceNVMID: 99})
	assert.Equal(t, nirs.FamilyAurelian, sink.family)
	assert.Equal(t, uint32(99), sink.meta.DeviceNVMID)

	// plain sinks only follow the family
	plain := New(1, nirs.FamilyAurelian, newRecordingSink(), Options{})
	plain.SetMetadata(nirs.FamilyAurelian, storage.Metadata{DeviceNVMID: 99})
	assert.True(t, plain.Persisting())
}

func TestLateNVMLandsInCSVHeader(t *testing.T) {
	dir := t.TempDir()
	w := storage.NewCSVWriter(dir, "aurelian", nirs.FamilyAurelian, storage.Metadata{DeviceType: "Aurelian"}, time.Now())
	agg := New(1, nirs.FamilyAurelian, w, Options{SaveMultiplier: 1})

	agg.SetMetadata(nirs.FamilyAurelian, storage.Metadata{DeviceType: "Aurelian", DeviceNVMID: 42})
	agg.AddLive(&nirs.AurelianPacket{Header: nirs.Header{Counter: 1, CaptureTime: time.Now()}})
	agg.Close()

	data, err := os.ReadFile(w.Path(storage.FileLive))
	require.NoError(t, err)
	header := strings.SplitN(string(data), "\n", 2)[0]
	assert.Contains(t, header, `""Device_NVM_ID"":42`)
}

func TestFamilyWithoutLayoutIsNotBuffered(t *testing.T) {
	m := metrics.New()
	sink := newRecordingSink()
	agg := New(1, nirs.FamilyEP, sink, Options{SaveMultiplier: 1, Metrics: m})
	assert.False(t, agg.Persisting())

	for i := 0; i < 20; i++ {
		agg.AddLive(&nirs.UnknownPacket{Source: nirs.FamilyEP})
	}
	agg.AddStored(&nirs.UnknownPacket{Source: nirs.FamilyEP})
	agg.Close()

	assert.Equal(t, 0, agg.Pending())
	assert.Equal(t, 0, sink.count(storage.FileLive))
	assert.Equal(t, 0, sink.count(storage.FileStored))
	assert.Len(t, agg.Recent(), 5)

	// a late firmware response can reveal a family with a layout
	agg = New(1, nirs.FamilyEP, sink, Options{SaveMultiplier: 1})
	agg.SetMetadata(nirs.FamilyAerie, storage.Metadata{DeviceType: "Aerie"})
	assert.True(t, agg.Persisting())
	agg.AddLive(packet(1))
	assert.Equal(t, 1, agg.Pending())
	agg.Flush()
	assert.Equal(t, 1, sink.count(storage.FileLive))
}

func TestNilSinkNeverBuffers(t *testing.T) {
	agg := New(1, nirs.FamilyAerie, nil, Options{SaveMultiplier: 1})
	agg.AddLive(packet(1), packet(2))
	assert.False(t, agg.Persisting())
	assert.Equal(t, 0, agg.Pending())
	assert.Len(t, agg.Recent(), 2)
}
