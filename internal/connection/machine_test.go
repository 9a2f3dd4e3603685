package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/device"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/transport"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

const addrA nirs.Address = 0x0000AABBCCDDEE01

var fixedNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

// peripheral answers recorded requests the way a device would
type peripheral struct {
	firmware nirs.FirmwareInfo
	battery  byte
	nvm      uint32
	silent   map[string]bool
}

type harness struct {
	t        *testing.T
	tr       *recordingTransport
	sched    *manualScheduler
	dev      *device.Device
	m        *Machine
	states   []device.State
	versions []device.VersionInfo
	done     int
	failed   error
	cursor   int
}

func newHarness(t *testing.T, name string) *harness {
	h := &harness{
		t:     t,
		tr:    newRecordingTransport(),
		sched: &manualScheduler{},
		dev:   device.New(addrA, name),
	}
	h.dev.SetState(device.Connected)
	h.m = NewMachine(h.dev, h.tr, Config{MTU: 247, FallbackTimeout: time.Second, SettleDelay: 200 * time.Millisecond}, MachineOptions{
		Scheduler: h.sched,
		Now:       func() time.Time { return fixedNow },
		Hooks: Hooks{
			State:         func(s device.State) { h.states = append(h.states, s) },
			Version:       func(v device.VersionInfo) { h.versions = append(h.versions, v) },
			SetupComplete: func() { h.done++ },
			SetupFailed:   func(err error) { h.failed = err },
		},
	})
	return h
}

// run answers requests and fires pending timers until the machine stops waiting
func (h *harness) run(p peripheral) {
	for i := 0; i < 200; i++ {
		calls := h.tr.since(h.cursor)
		if len(calls) > 0 {
			h.cursor += len(calls)
			for _, c := range calls {
				h.answer(p, c)
			}
			continue
		}
		if !h.m.Waiting() {
			return
		}
		timer := h.sched.active()
		require.NotNil(h.t, timer, "machine waiting without a timer")
		h.sched.fire(timer)
	}
	h.t.Fatal("setup did not settle")
}

func (h *harness) answer(p peripheral, c call) {
	ev := func(e transport.Event) {
		e.Address = addrA
		h.m.HandleEvent(e)
	}
	notify := func(uuid string, data []byte) {
		if p.silent[uuid] {
			return
		}
		ev(transport.Event{Kind: transport.EventNotification, UUID: uuid, Data: data})
	}

	switch c.op {
	case "discover":
		ev(transport.Event{Kind: transport.EventServicesDiscovered})
	case "mtu":
		ev(transport.Event{Kind: transport.EventMTUChanged, MTU: 247})
	case "notify":
		ev(transport.Event{Kind: transport.EventNotificationsEnabled, UUID: c.uuid})
	case "write":
		ev(transport.Event{Kind: transport.EventCharacteristicWritten, UUID: c.uuid, Data: c.data})
		if c.uuid != nirs.CommandUUID {
			return
		}
		switch nirs.Command(c.data[0]) {
		case nirs.CmdRequestBattery:
			notify(nirs.BatteryUUID, []byte{p.battery})
		case nirs.CmdRequestFW:
			notify(nirs.FirmwareUUID, nirs.EncodeFirmware(p.firmware))
		case nirs.CmdRequestNVM:
			notify(nirs.NVMUUID, nirs.EncodeNVM(p.nvm))
		}
	}
}

func writeBytes(calls []call) [][]byte {
	out := make([][]byte, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.data)
	}
	return out
}

func TestSetupSequencePerFamily(t *testing.T) {
	cmd := func(c nirs.Command) []byte { return c.Bytes() }
	ts := nirs.TimestampCommand(fixedNow)

	tests := []struct {
		name     string
		devName  string
		firmware nirs.FirmwareInfo
		states   []device.State
		writes   [][]byte
	}{
		{
			name:     "aerie",
			devName:  "Aerie-7",
			firmware: nirs.FirmwareInfo{Family: nirs.FamilyAerie, Version: "1.2.0"},
			states: []device.State{
				device.ServicesDiscovered, device.NotificationsEnabled, device.BatteryReceived,
				device.SamplingStopped, device.FirmwareReceived, device.NvmReceived,
				device.PreviewModeEnabled, device.SaveModeEnabled, device.SetupComplete,
			},
			writes: [][]byte{
				cmd(nirs.CmdRequestBattery), cmd(nirs.CmdStopSampling), cmd(nirs.CmdRequestFW),
				cmd(nirs.CmdRequestNVM), nirs.PreviewModeOn, nirs.SaveModeOn,
			},
		},
		{
			name:     "argus v1 skips nvm",
			devName:  "Argus",
			firmware: nirs.FirmwareInfo{Family: nirs.FamilyArgus, SubVersion: 1, Version: "1.9.0"},
			states: []device.State{
				device.ServicesDiscovered, device.NotificationsEnabled, device.BatteryReceived,
				device.SamplingStopped, device.FirmwareReceived, device.PreviewModeEnabled,
				device.SaveModeEnabled, device.SetupComplete,
			},
			writes: [][]byte{
				cmd(nirs.CmdRequestBattery), cmd(nirs.CmdStopSampling), cmd(nirs.CmdRequestFW),
				nirs.PreviewModeOn, nirs.SaveModeOn,
			},
		},
		{
			name:     "argus v2 sends timestamp",
			devName:  "Argus",
			firmware: nirs.FirmwareInfo{Family: nirs.FamilyArgus, SubVersion: 2, Version: "2.3.1"},
			states: []device.State{
				device.ServicesDiscovered, device.NotificationsEnabled, device.BatteryReceived,
				device.SamplingStopped, device.FirmwareReceived, device.NvmReceived,
				device.PreviewModeEnabled, device.TimestampSent, device.SaveModeEnabled, device.SetupComplete,
			},
			writes: [][]byte{
				cmd(nirs.CmdRequestBattery), cmd(nirs.CmdStopSampling), cmd(nirs.CmdRequestFW),
				cmd(nirs.CmdRequestNVM), nirs.PreviewModeOn, ts, nirs.SaveModeOn,
			},
		},
		{
			name:     "aurelian",
			devName:  "Aurelian",
			firmware: nirs.FirmwareInfo{Family: nirs.FamilyAurelian, Version: "3.0.0"},
			states: []device.State{
				device.ServicesDiscovered, device.NotificationsEnabled, device.BatteryReceived,
				device.SamplingStopped, device.FirmwareReceived, device.NvmReceived,
				device.PreviewModeEnabled, device.TimestampSent, device.SaveModeEnabled, device.SetupComplete,
			},
			writes: [][]byte{
				cmd(nirs.CmdRequestBattery), cmd(nirs.CmdStopSampling), cmd(nirs.CmdRequestFW),
				cmd(nirs.CmdRequestNVM), nirs.PreviewModeOn, ts, nirs.SaveModeOn,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.devName)
			h.m.BeginSetup()
			h.run(peripheral{firmware: tt.firmware, battery: 64, nvm: 7})

			assert.Equal(t, tt.states, h.states)
			assert.Equal(t, tt.writes, writeBytes(h.tr.writes()))
			assert.Equal(t, 1, h.done)
			assert.NoError(t, h.failed)

			snap := h.dev.Snapshot()
			assert.Equal(t, device.SetupComplete, snap.State)
			assert.True(t, snap.HasCompletedSetupBefore)
			assert.Equal(t, 64, snap.BatteryPercent)
			assert.Equal(t, tt.firmware.Version, snap.Version.FirmwareVersion)
			assert.Equal(t, tt.firmware.Family, snap.Version.Family)
		})
	}
}

func TestNotificationsEnabledInOrder(t *testing.T) {
	h := newHarness(t, "Aerie")
	h.m.BeginSetup()
	h.run(peripheral{firmware: nirs.FirmwareInfo{Family: nirs.FamilyAerie, Version: "1"}, battery: 50})

	var enabled []string
	for _, c := range h.tr.since(0) {
		if c.op == "notify" {
			enabled = append(enabled, c.uuid)
		}
	}
	assert.Equal(t, nirs.NotifyCharacteristics, enabled)
}

func TestFallbacksAdvanceWithSentinels(t *testing.T) {
	h := newHarness(t, "Aerie-3")
	h.dev.SetBattery(88)
	h.m.BeginSetup()
	h.run(peripheral{silent: map[string]bool{
		nirs.BatteryUUID:  true,
		nirs.FirmwareUUID: true,
		nirs.NVMUUID:      true,
	}})

	snap := h.dev.Snapshot()
	assert.Equal(t, device.SetupComplete, snap.State)
	assert.Equal(t, nirs.BatteryNotReceived, snap.BatteryPercent)
	assert.Equal(t, nirs.FirmwareNotReceived, snap.Version.FirmwareVersion)
	assert.Equal(t, uint32(nirs.NVMNotReceived), snap.Version.NVMVersion)
	// the family guessed from the name survives a missing firmware response
	assert.Equal(t, nirs.FamilyAerie, snap.Version.Family)
	assert.Equal(t, 1, h.done)
}

func TestAurelianRecordsLateNVM(t *testing.T) {
	h := newHarness(t, "Aurelian")
	h.m.BeginSetup()
	h.run(peripheral{
		firmware: nirs.FirmwareInfo{Family: nirs.FamilyAurelian, Version: "3.0.0"},
		silent:   map[string]bool{nirs.NVMUUID: true},
	})
	require.Equal(t, device.SetupComplete, h.dev.State())
	assert.Equal(t, uint32(0), h.dev.Version().NVMVersion)

	assert.Empty(t, h.versions)

	h.m.HandleEvent(transport.Event{Kind: transport.EventNotification, Address: addrA, UUID: nirs.NVMUUID, Data: nirs.EncodeNVM(99)})
	assert.Equal(t, uint32(99), h.dev.Version().NVMVersion)
	require.Len(t, h.versions, 1)
	assert.Equal(t, uint32(99), h.versions[0].NVMVersion)
	assert.Equal(t, "3.0.0", h.versions[0].FirmwareVersion)
}

func TestStaleTimerIsIgnored(t *testing.T) {
	h := newHarness(t, "Aerie")
	h.m.BeginSetup()

	// walk to the battery wait by hand
	for h.dev.State() != device.NotificationsEnabled {
		calls := h.tr.since(h.cursor)
		require.NotEmpty(t, calls)
		h.cursor += len(calls)
		for _, c := range calls {
			if c.op == "write" {
				continue
			}
			h.answer(peripheral{}, c)
		}
	}
	batteryTimer := h.sched.active()
	require.NotNil(t, batteryTimer)

	h.m.HandleEvent(transport.Event{Kind: transport.EventNotification, Address: addrA, UUID: nirs.BatteryUUID, Data: []byte{40}})
	require.Equal(t, device.BatteryReceived, h.dev.State())
	writes := len(h.tr.writes())

	// the battery fallback fires late
	batteryTimer.fn()
	assert.Equal(t, device.BatteryReceived, h.dev.State())
	assert.Equal(t, 40, h.dev.Battery())
	assert.Len(t, h.tr.writes(), writes)
}

func TestWriteAckMustEchoPayload(t *testing.T) {
	h := newHarness(t, "Aerie")
	h.m.BeginSetup()

	for h.dev.State() != device.NotificationsEnabled {
		calls := h.tr.since(h.cursor)
		require.NotEmpty(t, calls)
		h.cursor += len(calls)
		for _, c := range calls {
			if c.op == "write" {
				continue
			}
			h.answer(peripheral{}, c)
		}
	}
	h.m.HandleEvent(transport.Event{Kind: transport.EventNotification, Address: addrA, UUID: nirs.BatteryUUID, Data: []byte{40}})
	require.Equal(t, stepStopAck, h.m.step)

	// same characteristic, but no payload or a different one
	h.m.HandleEvent(transport.Event{Kind: transport.EventCharacteristicWritten, Address: addrA, UUID: nirs.CommandUUID})
	assert.Equal(t, stepStopAck, h.m.step)
	h.m.HandleEvent(transport.Event{Kind: transport.EventCharacteristicWritten, Address: addrA, UUID: nirs.CommandUUID, Data: nirs.CmdRequestBattery.Bytes()})
	assert.Equal(t, stepStopAck, h.m.step)

	h.m.HandleEvent(transport.Event{Kind: transport.EventCharacteristicWritten, Address: addrA, UUID: nirs.CommandUUID, Data: nirs.CmdStopSampling.Bytes()})
	assert.Equal(t, stepSettle, h.m.step)
}

func TestServiceDiscoveryFailure(t *testing.T) {
	h := newHarness(t, "Aerie")
	h.m.BeginSetup()
	h.m.HandleEvent(transport.Event{Kind: transport.EventServicesDiscovered, Address: addrA, Status: transport.StatusGattError})

	require.Error(t, h.failed)
	assert.False(t, h.m.Waiting())
	assert.Empty(t, h.states)
}

func TestFastForwardResubscribesQuietly(t *testing.T) {
	h := newHarness(t, "Aerie")
	h.m.FastForward()
	h.run(peripheral{})

	assert.Equal(t, []device.State{device.SetupComplete}, h.states)
	assert.Empty(t, h.tr.writes())
	assert.True(t, h.dev.HasCompletedSetupBefore())
	assert.Zero(t, h.done)

	var notifies int
	for _, c := range h.tr.since(0) {
		if c.op == "notify" {
			notifies++
		}
	}
	assert.Equal(t, len(nirs.NotifyCharacteristics), notifies)
}

func TestCommandRequiresSetup(t *testing.T) {
	h := newHarness(t, "Aerie")
	assert.ErrorIs(t, h.m.Command(nirs.CmdStartSampling), ErrNotReady)

	h.m.BeginSetup()
	h.run(peripheral{firmware: nirs.FirmwareInfo{Family: nirs.FamilyAerie, Version: "1"}})

	var live []bool
	h.m.hooks.Streaming = func(l, _ bool) { live = append(live, l) }

	require.NoError(t, h.m.Command(nirs.CmdStartSampling))
	require.NoError(t, h.m.Command(nirs.CmdMarkEvent))
	require.NoError(t, h.m.Command(nirs.CmdStopSampling))
	assert.Equal(t, []bool{true, false}, live)

	writes := h.tr.writes()
	assert.Equal(t, nirs.CmdStopSampling.Bytes(), writes[len(writes)-1].data)
}

func TestDataRoutingAfterSetup(t *testing.T) {
	h := newHarness(t, "Aerie")
	h.m.BeginSetup()
	h.run(peripheral{firmware: nirs.FirmwareInfo{Family: nirs.FamilyAerie, Version: "1"}})

	var packets int
	var progress []device.Progress
	var complete *device.Progress
	var battery []int
	h.m.hooks.Packets = func(p []nirs.Packet) { packets += len(p) }
	h.m.hooks.Progress = func(p device.Progress) { progress = append(progress, p) }
	h.m.hooks.DownloadComplete = func(p device.Progress) { complete = &p }
	h.m.hooks.Battery = func(pct int) { battery = append(battery, pct) }

	frame := nirs.EncodeAerie(&nirs.AeriePacket{Header: nirs.Header{Counter: 1}})
	h.m.HandleEvent(transport.Event{Kind: transport.EventNotification, Address: addrA, UUID: nirs.PreviewUUID, Data: frame})
	assert.Equal(t, 1, packets)

	size := nirs.AerieFrameSize
	var chunk []byte
	chunk = append(chunk, nirs.EncodeStartHistorical(3, size)...)
	for i := 0; i < 3; i++ {
		chunk = append(chunk, nirs.EncodeAerie(&nirs.AeriePacket{Header: nirs.Header{Counter: uint16(i)}})...)
	}
	chunk = append(chunk, nirs.EncodeEndHistorical(size)...)
	h.m.HandleEvent(transport.Event{Kind: transport.EventNotification, Address: addrA, UUID: nirs.StoredUUID, Data: chunk})

	assert.Equal(t, 4, packets)
	require.NotNil(t, complete)
	assert.Equal(t, device.Progress{Received: 3, Total: 3}, *complete)
	assert.NotEmpty(t, progress)

	h.m.HandleEvent(transport.Event{Kind: transport.EventNotification, Address: addrA, UUID: nirs.BatteryUUID, Data: []byte{12}})
	assert.Equal(t, []int{12}, battery)
	assert.Equal(t, 12, h.dev.Battery())

	// an unknown characteristic is dropped without side effects
	h.m.HandleEvent(transport.Event{Kind: transport.EventNotification, Address: addrA, UUID: "bogus", Data: []byte{1}})
	assert.Equal(t, 4, packets)
}

func TestZeroSettleDelayRequestsFirmwareImmediately(t *testing.T) {
	h := newHarness(t, "Aerie")
	h.m.cfg.SettleDelay = 0
	h.m.BeginSetup()
	h.run(peripheral{firmware: nirs.FirmwareInfo{Family: nirs.FamilyAerie, Version: "1"}})
	assert.Equal(t, device.SetupComplete, h.dev.State())
}
