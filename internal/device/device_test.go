package device

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/aggregator"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/storage"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

const testAddr nirs.Address = 0xA1B2C3D4E5F6

type countingSink struct {
	mu     sync.Mutex
	counts map[storage.FileKind]int
}

func (s *countingSink) Write(kind storage.FileKind, packets []nirs.Packet) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = make(map[storage.FileKind]int)
	}
	s.counts[kind] += len(packets)
	return len(packets), nil
}

func (s *countingSink) count(kind storage.FileKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[kind]
}

func aerieFrame(counter uint16) []byte {
	return nirs.EncodeAerie(&nirs.AeriePacket{Header: nirs.Header{Counter: counter, TimerDelta: 3277}})
}

func aerieDevice() *Device {
	d := New(testAddr, "Aerie-01")
	d.SetFirmware(&nirs.FirmwareInfo{Family: nirs.FamilyAerie, Version: "1.4.0"})
	return d
}

func TestNewDeviceDefaults(t *testing.T) {
	d := New(testAddr, "NIRSense Argus 12")

	snap := d.Snapshot()
	assert.Equal(t, Disconnected, snap.State)
	assert.Equal(t, nirs.BatteryNotReceived, snap.BatteryPercent)
	assert.Equal(t, nirs.FirmwareNotReceived, snap.Version.FirmwareVersion)
	assert.Equal(t, nirs.FamilyArgus, snap.Version.Family)
	assert.False(t, snap.HasCompletedSetupBefore)
	assert.Nil(t, snap.ConnectedAt)
}

func TestStateOrderAndNames(t *testing.T) {
	assert.True(t, Connected < ServicesDiscovered)
	assert.True(t, SaveModeEnabled < SetupComplete)
	assert.True(t, NvmReceived.InSetup())
	assert.False(t, SetupComplete.InSetup())
	assert.False(t, Connected.InSetup())

	text, err := PreviewModeEnabled.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "PreviewModeEnabled", string(text))
	assert.Equal(t, "State(42)", State(42).String())
}

func TestSetStateTracksConnection(t *testing.T) {
	d := New(testAddr, "")
	d.SetState(Connecting)
	d.SetState(Connected)
	require.NotNil(t, d.Snapshot().ConnectedAt)

	d.SetStreamingLive(true)
	prev := d.SetState(Disconnected)
	assert.Equal(t, Connected, prev)

	snap := d.Snapshot()
	assert.Nil(t, snap.ConnectedAt)
	assert.False(t, snap.IsStreamingLive)
}

func TestSetupCompletionIsSticky(t *testing.T) {
	d := New(testAddr, "")
	d.MarkSetupComplete()
	d.SetState(Disconnected)
	d.SetState(Connecting)
	assert.True(t, d.HasCompletedSetupBefore())
}

func TestFirmwareOverridesNameGuess(t *testing.T) {
	d := New(testAddr, "Argus")
	d.SetFirmware(&nirs.FirmwareInfo{Family: nirs.FamilyAurelian, SubVersion: 0, Version: "3.0.1"})

	v := d.Version()
	assert.Equal(t, nirs.FamilyAurelian, v.Family)
	assert.Equal(t, "3.0.1", v.FirmwareVersion)

	d.SetName("Argus again")
	assert.Equal(t, nirs.FamilyAurelian, d.Version().Family)

	d.SetFirmware(nil)
	assert.Equal(t, nirs.FirmwareNotReceived, d.Version().FirmwareVersion)
}

func TestHandlePreviewFeedsAggregator(t *testing.T) {
	d := aerieDevice()
	sink := &countingSink{}
	agg := aggregator.New(testAddr, nirs.FamilyAerie, sink, aggregator.Options{SaveMultiplier: 1})
	d.AttachAggregator(agg)

	now := time.Now()
	data := append(aerieFrame(1), aerieFrame(2)...)
	packets, err := d.HandlePreview(data, now)
	require.NoError(t, err)
	require.Len(t, packets, 2)

	first := packets[0].Base()
	second := packets[1].Base()
	assert.Equal(t, now, first.CaptureTime)
	assert.True(t, second.CaptureTime.After(first.CaptureTime))
	assert.Len(t, agg.Recent(), 2)

	d.DetachAggregator()
	assert.Nil(t, d.Aggregator())
	assert.Equal(t, 2, sink.count(storage.FileLive))
}

func TestStoredTransferCompletes(t *testing.T) {
	d := aerieDevice()
	sink := &countingSink{}
	d.AttachAggregator(aggregator.New(testAddr, nirs.FamilyAerie, sink, aggregator.Options{}))

	seed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	size := nirs.AerieFrameSize

	res := d.HandleStored(append(nirs.EncodeStartTimestamp(seed, size), nirs.EncodeStartHistorical(10, size)...), time.Now())
	assert.True(t, res.Started)
	assert.False(t, res.Completed)
	assert.Equal(t, Progress{Total: 10}, res.Progress)
	assert.True(t, d.Snapshot().IsStreamingStored)

	var chunk []byte
	for i := 0; i < 10; i++ {
		chunk = append(chunk, aerieFrame(uint16(i))...)
	}
	res = d.HandleStored(chunk, time.Now())
	require.Len(t, res.Packets, 10)
	assert.Equal(t, seed, res.Packets[0].Base().CaptureTime)
	assert.Equal(t, Progress{Received: 10, Total: 10}, res.Progress)
	assert.False(t, res.Completed)

	res = d.HandleStored(nirs.EncodeEndHistorical(size), time.Now())
	assert.True(t, res.Completed)
	assert.False(t, d.Snapshot().IsStreamingStored)
	assert.Equal(t, 10, sink.count(storage.FileStored))

	// a second END does not complete again, and late data is not counted
	res = d.HandleStored(append(nirs.EncodeEndHistorical(size), aerieFrame(11)...), time.Now())
	assert.False(t, res.Completed)
	assert.Len(t, res.Packets, 1)
	assert.Equal(t, uint32(10), d.Progress().Received)
}

func TestStoredZeroCountCompletesImmediately(t *testing.T) {
	d := aerieDevice()

	res := d.HandleStored(nirs.EncodeStartHistorical(0, nirs.AerieFrameSize), time.Now())
	assert.True(t, res.Started)
	assert.True(t, res.Completed)
	assert.Equal(t, Progress{}, res.Progress)
	assert.False(t, d.Snapshot().IsStreamingStored)
}

func TestStoredAurelianCountsSubSamples(t *testing.T) {
	d := New(testAddr, "Aurelian")
	d.SetFirmware(&nirs.FirmwareInfo{Family: nirs.FamilyAurelian, Version: "2.0.0"})

	res := d.HandleStored(nirs.EncodeStartHistorical(2, nirs.AurelianFrameSize), time.Now())
	assert.Equal(t, uint32(10), res.Progress.Total)
}

func TestStoredUnknownFamily(t *testing.T) {
	d := New(testAddr, "mystery")
	res := d.HandleStored([]byte{1, 2, 3}, time.Now())
	assert.ErrorIs(t, res.LastErr, nirs.ErrUnsupportedFamily)
	assert.Empty(t, res.Packets)
}
