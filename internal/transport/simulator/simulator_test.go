package simulator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/config"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/transport"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

const testAddr = nirs.Address(0xAABBCC000001)

func next(t *testing.T, sim *Transport) transport.Event {
	t.Helper()
	select {
	case e := <-sim.Events():
		return e
	case <-time.After(time.Second):
		t.Fatal("no event")
		return transport.Event{}
	}
}

func connectedSim(t *testing.T, spec DeviceSpec) *Transport {
	t.Helper()
	spec.Address = testAddr
	sim := New([]DeviceSpec{spec})
	t.Cleanup(sim.Shutdown)

	require.NoError(t, sim.Connect(context.Background(), testAddr))
	require.Equal(t, transport.EventConnected, next(t, sim).Kind)
	return sim
}

func TestRequestsBeforeConnect(t *testing.T) {
	sim := New([]DeviceSpec{{Address: testAddr, Family: nirs.FamilyArgus}})
	defer sim.Shutdown()

	assert.ErrorIs(t, sim.DiscoverServices(testAddr), ErrNotConnected)
	assert.ErrorIs(t, sim.Connect(context.Background(), 1), ErrUnknownDevice)
}

func TestCommandResponses(t *testing.T) {
	sim := connectedSim(t, DeviceSpec{Family: nirs.FamilyArgus, SubVersion: 2, Firmware: "2.3.1", Battery: 77, NVM: 42})

	for _, uuid := range nirs.NotifyCharacteristics {
		require.NoError(t, sim.EnableNotifications(testAddr, uuid))
		e := next(t, sim)
		assert.Equal(t, transport.EventNotificationsEnabled, e.Kind)
		assert.Equal(t, uuid, e.UUID)
	}

	require.NoError(t, sim.WriteCharacteristic(testAddr, nirs.CommandUUID, nirs.CmdRequestBattery.Bytes(), true))
	assert.Equal(t, transport.EventCharacteristicWritten, next(t, sim).Kind)
	battery := next(t, sim)
	assert.Equal(t, nirs.BatteryUUID, battery.UUID)
	assert.Equal(t, []byte{77}, battery.Data)

	require.NoError(t, sim.WriteCharacteristic(testAddr, nirs.CommandUUID, nirs.CmdRequestFW.Bytes(), true))
	next(t, sim)
	fw, err := nirs.ParseFirmware(next(t, sim).Data)
	require.NoError(t, err)
	assert.Equal(t, nirs.FamilyArgus, fw.Family)
	assert.Equal(t, uint8(2), fw.SubVersion)
	assert.Equal(t, "2.3.1", fw.Version)

	require.NoError(t, sim.WriteCharacteristic(testAddr, nirs.CommandUUID, nirs.CmdRequestNVM.Bytes(), true))
	next(t, sim)
	nvm, err := nirs.ParseNVM(next(t, sim).Data)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), nvm)
}

func TestSilentCharacteristic(t *testing.T) {
	sim := connectedSim(t, DeviceSpec{Family: nirs.FamilyAerie, Silent: map[string]bool{nirs.BatteryUUID: true}})
	require.NoError(t, sim.EnableNotifications(testAddr, nirs.BatteryUUID))
	next(t, sim)

	require.NoError(t, sim.WriteCharacteristic(testAddr, nirs.CommandUUID, nirs.CmdRequestBattery.Bytes(), true))
	assert.Equal(t, transport.EventCharacteristicWritten, next(t, sim).Kind)

	select {
	case e := <-sim.Events():
		t.Fatalf("unexpected event %s", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPreviewStreamDecodes(t *testing.T) {
	sim := connectedSim(t, DeviceSpec{Family: nirs.FamilyAerie, PreviewInterval: 5 * time.Millisecond})
	require.NoError(t, sim.EnableNotifications(testAddr, nirs.PreviewUUID))
	next(t, sim)

	require.NoError(t, sim.WriteCharacteristic(testAddr, nirs.CommandUUID, nirs.CmdStartSampling.Bytes(), true))
	next(t, sim)

	var anchor nirs.Anchor
	fc := nirs.FrameContext{Address: testAddr, Family: nirs.FamilyAerie}
	var last uint16
	for i := 0; i < 3; i++ {
		e := next(t, sim)
		require.Equal(t, nirs.PreviewUUID, e.UUID)
		packets, err := nirs.DecodePreview(fc, e.Data, &anchor, time.Now())
		require.NoError(t, err)
		require.Len(t, packets, 1)
		if i > 0 {
			assert.Equal(t, last+1, packets[0].Base().Counter)
		}
		last = packets[0].Base().Counter
	}

	require.NoError(t, sim.Close(testAddr))
}

func TestStoredTransferFraming(t *testing.T) {
	sim := connectedSim(t, DeviceSpec{Family: nirs.FamilyAurelian, StoredRecords: 4})
	require.NoError(t, sim.RequestMTU(testAddr, 247))
	assert.Equal(t, 247, next(t, sim).MTU)
	require.NoError(t, sim.EnableNotifications(testAddr, nirs.StoredUUID))
	next(t, sim)

	require.NoError(t, sim.WriteCharacteristic(testAddr, nirs.CommandUUID, nirs.CmdSendStoredData.Bytes(), true))
	next(t, sim)

	var kinds []nirs.FrameKind
	var total uint32
	for len(kinds) == 0 || kinds[len(kinds)-1] != nirs.FrameEndHistorical {
		e := next(t, sim)
		require.Equal(t, nirs.StoredUUID, e.UUID)
		assert.LessOrEqual(t, len(e.Data), 244)
		for _, f := range nirs.SplitFrames(e.Data, nirs.AurelianFrameSize) {
			sf := nirs.ClassifyFrame(nirs.FamilyAurelian, f)
			if sf.Kind == nirs.FrameStartHistorical {
				total = sf.Total
			}
			kinds = append(kinds, sf.Kind)
		}
	}

	assert.Equal(t, uint32(20), total)
	require.Len(t, kinds, 7)
	assert.Equal(t, nirs.FrameStartTimestamp, kinds[0])
	assert.Equal(t, nirs.FrameStartHistorical, kinds[1])
	for _, k := range kinds[2:6] {
		assert.Equal(t, nirs.FrameData, k)
	}
}

func TestConnectFailuresAndDrop(t *testing.T) {
	sim := New([]DeviceSpec{{Address: testAddr, Family: nirs.FamilyArgus}})
	defer sim.Shutdown()

	sim.FailNextConnects(testAddr, transport.StatusGattError, 2)
	for i := 0; i < 2; i++ {
		require.NoError(t, sim.Connect(context.Background(), testAddr))
		e := next(t, sim)
		assert.Equal(t, transport.EventDisconnected, e.Kind)
		assert.Equal(t, transport.StatusGattError, e.Status)
	}
	require.NoError(t, sim.Connect(context.Background(), testAddr))
	assert.Equal(t, transport.EventConnected, next(t, sim).Kind)

	require.NoError(t, sim.DropConnection(testAddr, transport.StatusConnTimeout))
	e := next(t, sim)
	assert.Equal(t, transport.EventDisconnected, e.Kind)
	assert.Equal(t, transport.StatusConnTimeout, e.Status)
	assert.ErrorIs(t, sim.DiscoverServices(testAddr), ErrNotConnected)
}

func TestScanAdvertisesDisconnectedDevices(t *testing.T) {
	sim := New([]DeviceSpec{{Address: testAddr, Name: "Argus-7", Family: nirs.FamilyArgus}}, WithScanInterval(10*time.Millisecond))
	defer sim.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sim.StartScan(ctx))

	e := next(t, sim)
	assert.Equal(t, transport.EventDiscovered, e.Kind)
	assert.Equal(t, "Argus-7", e.Name)
}

func TestFromConfig(t *testing.T) {
	specs, err := FromConfig([]config.SimulatedDevice{
		{Address: "AA:BB:CC:00:00:01", Name: "Argus-1", SubVersion: 2},
		{Address: "AA:BB:CC:00:00:02", Name: "sensor", Family: "aurelian", Battery: 40},
	})
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, nirs.FamilyArgus, specs[0].Family)
	assert.Equal(t, 90, specs[0].Battery)
	assert.Equal(t, nirs.FamilyAurelian, specs[1].Family)
	assert.Equal(t, 40, specs[1].Battery)

	_, err = FromConfig([]config.SimulatedDevice{{Address: "nope"}})
	assert.Error(t, err)
}
