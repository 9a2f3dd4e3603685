// Package connection drives BLE sessions: the per-device onboarding state
// machine, the reconnection policy, the single-flight onboarding sequencer
// and the Manager that ties them to a transport.
package connection

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/device"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/metrics"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/transport"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// ErrNotReady is returned for device commands before setup completed
var ErrNotReady = errors.New("device setup not complete")

// Config tunes onboarding
type Config struct {
	MTU             int
	FallbackTimeout time.Duration
	SettleDelay     time.Duration
}

// DefaultConfig returns the stock timings
func DefaultConfig() Config {
	return Config{
		MTU:             247,
		FallbackTimeout: 1000 * time.Millisecond,
		SettleDelay:     200 * time.Millisecond,
	}
}

// Scheduler runs fn once after d. The returned func cancels it.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

type clockScheduler struct{}

func (clockScheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

// Hooks receive machine output. They run on the goroutine that feeds the machine.
type Hooks struct {
	State            func(device.State)
	Battery          func(pct int)
	Packets          func([]nirs.Packet)
	Progress         func(device.Progress)
	DownloadComplete func(device.Progress)
	Streaming        func(live, stored bool)
	Version          func(device.VersionInfo)
	SetupComplete    func()
	SetupFailed      func(error)
}

// step is what the machine is waiting for
type step int

const (
	stepIdle step = iota
	stepServices
	stepMTU
	stepNotify
	stepBattery
	stepStopAck
	stepSettle
	stepFirmware
	stepPreviewAckV1
	stepNVM
	stepNVMAck
	stepPreviewAck
	stepTimestampAck
	stepSaveAck
)

var stepNames = map[step]string{
	stepIdle:         "idle",
	stepServices:     "services",
	stepMTU:          "mtu",
	stepNotify:       "notifications",
	stepBattery:      "battery",
	stepStopAck:      "stop_sampling_ack",
	stepSettle:       "settle",
	stepFirmware:     "firmware",
	stepPreviewAckV1: "preview_ack",
	stepNVM:          "nvm",
	stepNVMAck:       "nvm_ack",
	stepPreviewAck:   "preview_ack",
	stepTimestampAck: "timestamp_ack",
	stepSaveAck:      "save_mode_ack",
}

func (s step) String() string {
	return stepNames[s]
}

// MachineOptions wires a Machine to its environment
type MachineOptions struct {
	Scheduler Scheduler
	// Post delivers an expired timer back to the goroutine that owns the machine
	Post    func(gen uint64)
	Hooks   Hooks
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Machine is the onboarding state machine of one device. It is not safe for
// concurrent use: every method must be called from the owning session.
type Machine struct {
	dev     *device.Device
	tr      transport.Transport
	cfg     Config
	sched   Scheduler
	post    func(gen uint64)
	hooks   Hooks
	metrics *metrics.Metrics
	now     func() time.Time
	logger  zerolog.Logger

	step      step
	gen       uint64
	cancel    func() bool
	notifyIdx int

	expectUUID string
	expectData []byte

	// quiet re-subscribes a device that was fast-forwarded without touching its state
	quiet bool
}

// NewMachine creates an idle machine for dev
func NewMachine(dev *device.Device, tr transport.Transport, cfg Config, opts MachineOptions) *Machine {
	m := &Machine{
		dev:     dev,
		tr:      tr,
		cfg:     cfg,
		sched:   opts.Scheduler,
		post:    opts.Post,
		hooks:   opts.Hooks,
		metrics: opts.Metrics,
		now:     opts.Now,
		logger:  log.With().Str("component", "machine").Str("address", dev.Address().String()).Logger(),
	}
	if m.sched == nil {
		m.sched = clockScheduler{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.post == nil {
		m.post = m.Timer
	}
	return m
}

// Device returns the device the machine drives
func (m *Machine) Device() *device.Device {
	return m.dev
}

// Waiting reports whether a setup step is outstanding
func (m *Machine) Waiting() bool {
	return m.step != stepIdle
}

// BeginSetup starts onboarding once the sequencer admitted the device
func (m *Machine) BeginSetup() {
	m.quiet = false
	m.await(stepServices, 0)
	if err := m.tr.DiscoverServices(m.dev.Address()); err != nil {
		m.fail(fmt.Errorf("discover services: %w", err))
	}
}

// FastForward marks a previously onboarded device set up and silently
// re-subscribes its notifications
func (m *Machine) FastForward() {
	m.dev.MarkSetupComplete()
	m.setState(device.SetupComplete)

	m.quiet = true
	m.await(stepServices, 0)
	if err := m.tr.DiscoverServices(m.dev.Address()); err != nil {
		m.logger.Warn().Err(err).Msg("Re-subscribe failed")
		m.await(stepIdle, 0)
	}
}

// Stop cancels any outstanding timer and forgets the current step
func (m *Machine) Stop() {
	m.quiet = false
	m.await(stepIdle, 0)
}

// Timer handles an expired timer. Timers of a step already left are ignored.
func (m *Machine) Timer(gen uint64) {
	if gen != m.gen || m.step == stepIdle {
		m.logger.Debug().Uint64("gen", gen).Msg("Stale timer ignored")
		return
	}

	st := m.step
	if st != stepSettle {
		m.logger.Warn().Str("step", st.String()).Str("state", m.dev.State().String()).Msg("No response, advancing on fallback")
		if m.metrics != nil {
			m.metrics.SetupFallbacks.WithLabelValues(m.dev.State().String()).Inc()
		}
	}

	switch st {
	case stepMTU:
		m.startNotifications()
	case stepNotify:
		m.nextNotification()
	case stepBattery:
		m.dev.SetBattery(nirs.BatteryNotReceived)
		m.emitBattery(nirs.BatteryNotReceived)
		m.batteryDone()
	case stepStopAck:
		m.settle()
	case stepSettle:
		m.requestFirmware()
	case stepFirmware:
		m.firmwareDone(nil)
	case stepPreviewAckV1:
		m.previewV1Done()
	case stepNVM:
		m.dev.SetNVM(nirs.NVMNotReceived)
		m.nvmDone()
	case stepNVMAck:
		m.nvmDone()
	case stepPreviewAck:
		m.previewEnabled()
	case stepTimestampAck:
		m.timestampSent()
	case stepSaveAck:
		m.saveEnabled()
	}
}

// HandleEvent feeds one transport result. Connect and disconnect events
// belong to the session and are ignored here.
func (m *Machine) HandleEvent(e transport.Event) {
	switch e.Kind {
	case transport.EventServicesDiscovered:
		if m.step != stepServices {
			return
		}
		if !e.OK() {
			if m.quiet {
				m.logger.Warn().Int("status", e.Status).Msg("Service discovery failed on re-subscribe")
				m.await(stepIdle, 0)
				return
			}
			m.fail(fmt.Errorf("discover services: status %d", e.Status))
			return
		}
		if !m.quiet {
			m.setState(device.ServicesDiscovered)
		}
		m.await(stepMTU, m.cfg.FallbackTimeout)
		if err := m.tr.RequestMTU(m.dev.Address(), m.cfg.MTU); err != nil {
			m.logger.Warn().Err(err).Msg("MTU request failed")
		}

	case transport.EventMTUChanged:
		if m.step != stepMTU {
			return
		}
		if !e.OK() {
			m.logger.Warn().Int("status", e.Status).Msg("MTU negotiation failed, continuing")
		} else {
			m.logger.Debug().Int("mtu", e.MTU).Msg("MTU negotiated")
		}
		m.startNotifications()

	case transport.EventNotificationsEnabled:
		if m.step != stepNotify || e.UUID != nirs.NotifyCharacteristics[m.notifyIdx] {
			return
		}
		if !e.OK() {
			m.logger.Warn().Str("uuid", e.UUID).Int("status", e.Status).Msg("Enable notifications failed")
		}
		m.nextNotification()

	case transport.EventCharacteristicWritten:
		m.handleWriteAck(e)

	case transport.EventCharacteristicRead, transport.EventNotification:
		if !e.OK() {
			m.logger.Warn().Str("uuid", e.UUID).Int("status", e.Status).Msg("Characteristic read failed")
			return
		}
		m.handleValue(e.UUID, e.Data)
	}
}

// Command writes a control command to a set-up device and updates the streaming flags
func (m *Machine) Command(cmd nirs.Command) error {
	if m.dev.State() != device.SetupComplete {
		return ErrNotReady
	}
	if err := m.tr.WriteCharacteristic(m.dev.Address(), nirs.CommandUUID, cmd.Bytes(), true); err != nil {
		return fmt.Errorf("write command 0x%02x: %w", byte(cmd), err)
	}

	switch cmd {
	case nirs.CmdStartSampling:
		m.dev.SetStreamingLive(true)
	case nirs.CmdStopSampling:
		m.dev.SetStreamingLive(false)
	case nirs.CmdSendStoredData:
		m.dev.SetStreamingStored(true)
	default:
		return nil
	}
	m.emitStreaming()
	return nil
}

func (m *Machine) handleWriteAck(e transport.Event) {
	if m.expectUUID == "" || e.UUID != m.expectUUID {
		return
	}
	// transports echo the written payload; an ack without it cannot be attributed
	if len(m.expectData) > 0 && !bytes.Equal(e.Data, m.expectData) {
		return
	}
	if !e.OK() {
		m.logger.Warn().Str("uuid", e.UUID).Int("status", e.Status).Str("step", m.step.String()).Msg("Write failed, continuing")
	}

	switch m.step {
	case stepStopAck:
		m.settle()
	case stepPreviewAckV1:
		m.previewV1Done()
	case stepNVMAck:
		m.nvmDone()
	case stepPreviewAck:
		m.previewEnabled()
	case stepTimestampAck:
		m.timestampSent()
	case stepSaveAck:
		m.saveEnabled()
	}
}

func (m *Machine) handleValue(uuid string, data []byte) {
	switch uuid {
	case nirs.PreviewUUID:
		m.handlePreview(data)

	case nirs.StoredUUID:
		m.handleStored(data)

	case nirs.BatteryUUID:
		pct, err := nirs.ParseBattery(data)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Bad battery response")
			return
		}
		m.dev.SetBattery(pct)
		m.emitBattery(pct)
		if m.step == stepBattery {
			m.batteryDone()
		}

	case nirs.FirmwareUUID:
		info, err := nirs.ParseFirmware(data)
		if err != nil {
			if !errors.Is(err, nirs.ErrUnknownFamily) {
				m.logger.Warn().Err(err).Msg("Bad firmware response")
				return
			}
			m.logger.Warn().Err(err).Str("firmware", info.Version).Msg("Firmware reports an unknown family")
		}
		if m.step == stepFirmware {
			m.firmwareDone(&info)
			return
		}
		m.dev.SetFirmware(&info)
		m.emitVersion()

	case nirs.NVMUUID:
		v, err := nirs.ParseNVM(data)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Bad NVM response")
			return
		}
		m.dev.SetNVM(v)
		if m.step == stepNVM {
			m.nvmDone()
			return
		}
		m.emitVersion()

	case nirs.StatusUUID:
		m.logger.Debug().Hex("status", data).Msg("Status notification")

	default:
		m.logger.Warn().Err(nirs.ErrUnknownCharacteristic).Str("uuid", uuid).Msg("Notification dropped")
	}
}

func (m *Machine) handlePreview(data []byte) {
	packets, err := m.dev.HandlePreview(data, m.now())
	family := m.dev.Version().Family
	if err != nil {
		m.decodeError(family, nirs.StreamPreview, err)
	}
	m.emitPackets(family, nirs.StreamPreview, packets)
}

func (m *Machine) handleStored(data []byte) {
	res := m.dev.HandleStored(data, m.now())
	family := m.dev.Version().Family
	if res.Errors > 0 {
		m.decodeError(family, nirs.StreamStored, res.LastErr)
	}
	m.emitPackets(family, nirs.StreamStored, res.Packets)

	if res.Started || len(res.Packets) > 0 {
		if m.metrics != nil {
			addr := m.dev.Address().String()
			m.metrics.StoredReceived.WithLabelValues(addr).Set(float64(res.Progress.Received))
			m.metrics.StoredTotal.WithLabelValues(addr).Set(float64(res.Progress.Total))
		}
		if m.hooks.Progress != nil {
			m.hooks.Progress(res.Progress)
		}
	}
	if res.Started && !res.Completed {
		m.emitStreaming()
	}
	if res.Completed {
		m.logger.Info().Uint32("received", res.Progress.Received).Uint32("total", res.Progress.Total).Msg("Historical transfer complete")
		if m.hooks.DownloadComplete != nil {
			m.hooks.DownloadComplete(res.Progress)
		}
		m.emitStreaming()
	}
}

// setup steps, in order

func (m *Machine) startNotifications() {
	m.notifyIdx = 0
	m.enableNotification()
}

func (m *Machine) enableNotification() {
	uuid := nirs.NotifyCharacteristics[m.notifyIdx]
	m.await(stepNotify, m.cfg.FallbackTimeout)
	if err := m.tr.EnableNotifications(m.dev.Address(), uuid); err != nil {
		m.logger.Warn().Err(err).Str("uuid", uuid).Msg("Enable notifications request failed")
	}
}

func (m *Machine) nextNotification() {
	m.notifyIdx++
	if m.notifyIdx < len(nirs.NotifyCharacteristics) {
		m.enableNotification()
		return
	}

	if m.quiet {
		m.quiet = false
		m.await(stepIdle, 0)
		m.logger.Debug().Msg("Notifications re-subscribed")
		return
	}
	m.setState(device.NotificationsEnabled)
	m.await(stepBattery, m.cfg.FallbackTimeout)
	m.write(nirs.CommandUUID, nirs.CmdRequestBattery.Bytes())
}

func (m *Machine) batteryDone() {
	m.setState(device.BatteryReceived)
	m.writeAck(nirs.CommandUUID, nirs.CmdStopSampling.Bytes(), stepStopAck)
}

// settle gives the device time to stop sampling before firmware is requested
func (m *Machine) settle() {
	if m.cfg.SettleDelay <= 0 {
		m.requestFirmware()
		return
	}
	m.await(stepSettle, m.cfg.SettleDelay)
}

func (m *Machine) requestFirmware() {
	m.setState(device.SamplingStopped)
	m.await(stepFirmware, m.cfg.FallbackTimeout)
	m.write(nirs.CommandUUID, nirs.CmdRequestFW.Bytes())
}

func (m *Machine) firmwareDone(info *nirs.FirmwareInfo) {
	m.dev.SetFirmware(info)
	m.setState(device.FirmwareReceived)

	v := m.dev.Version()
	switch {
	case v.Family == nirs.FamilyArgus && v.ArgusSubVersion <= 1:
		m.writeAck(nirs.ConfigurationUUID, nirs.PreviewModeOn, stepPreviewAckV1)
	case v.Family == nirs.FamilyAurelian:
		m.writeAck(nirs.CommandUUID, nirs.CmdRequestNVM.Bytes(), stepNVMAck)
	default:
		m.await(stepNVM, m.cfg.FallbackTimeout)
		m.write(nirs.CommandUUID, nirs.CmdRequestNVM.Bytes())
	}
}

func (m *Machine) previewV1Done() {
	m.setState(device.PreviewModeEnabled)
	m.writeAck(nirs.ConfigurationUUID, nirs.SaveModeOn, stepSaveAck)
}

func (m *Machine) nvmDone() {
	m.setState(device.NvmReceived)
	m.writeAck(nirs.ConfigurationUUID, nirs.PreviewModeOn, stepPreviewAck)
}

func (m *Machine) previewEnabled() {
	m.setState(device.PreviewModeEnabled)

	v := m.dev.Version()
	if v.Family == nirs.FamilyAurelian || (v.Family == nirs.FamilyArgus && v.ArgusSubVersion >= 2) {
		m.writeAck(nirs.CommandUUID, nirs.TimestampCommand(m.now()), stepTimestampAck)
		return
	}
	m.writeAck(nirs.ConfigurationUUID, nirs.SaveModeOn, stepSaveAck)
}

func (m *Machine) timestampSent() {
	m.setState(device.TimestampSent)
	m.writeAck(nirs.ConfigurationUUID, nirs.SaveModeOn, stepSaveAck)
}

func (m *Machine) saveEnabled() {
	m.await(stepIdle, 0)
	m.setState(device.SaveModeEnabled)
	m.setState(device.SetupComplete)
	m.dev.MarkSetupComplete()
	if m.metrics != nil {
		m.metrics.SetupCompletions.Inc()
	}
	m.logger.Info().Str("family", m.dev.Version().Family.String()).Msg("Setup complete")
	if m.hooks.SetupComplete != nil {
		m.hooks.SetupComplete()
	}
}

// plumbing

// await moves to st and arms its timer. Any earlier timer becomes stale.
func (m *Machine) await(st step, timeout time.Duration) {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.gen++
	m.step = st
	m.expectUUID = ""
	m.expectData = nil

	if st == stepIdle || timeout <= 0 {
		return
	}
	gen := m.gen
	post := m.post
	m.cancel = m.sched.AfterFunc(timeout, func() { post(gen) })
}

// writeAck writes data and waits for the matching acknowledgement
func (m *Machine) writeAck(uuid string, data []byte, st step) {
	m.await(st, m.cfg.FallbackTimeout)
	m.expectUUID = uuid
	m.expectData = data
	m.write(uuid, data)
}

func (m *Machine) write(uuid string, data []byte) {
	if err := m.tr.WriteCharacteristic(m.dev.Address(), uuid, data, true); err != nil {
		m.logger.Warn().Err(err).Str("uuid", uuid).Hex("data", data).Msg("Write request failed")
	}
}

func (m *Machine) fail(err error) {
	m.await(stepIdle, 0)
	m.logger.Error().Err(err).Msg("Setup failed")
	if m.hooks.SetupFailed != nil {
		m.hooks.SetupFailed(err)
	}
}

func (m *Machine) setState(s device.State) {
	if prev := m.dev.SetState(s); prev == s {
		return
	}
	m.logger.Debug().Str("state", s.String()).Msg("State changed")
	if m.hooks.State != nil {
		m.hooks.State(s)
	}
}

func (m *Machine) emitBattery(pct int) {
	if m.hooks.Battery != nil {
		m.hooks.Battery(pct)
	}
}

func (m *Machine) emitVersion() {
	if m.hooks.Version != nil {
		m.hooks.Version(m.dev.Version())
	}
}

func (m *Machine) emitStreaming() {
	if m.hooks.Streaming == nil {
		return
	}
	snap := m.dev.Snapshot()
	m.hooks.Streaming(snap.IsStreamingLive, snap.IsStreamingStored)
}

func (m *Machine) emitPackets(family nirs.Family, stream nirs.Stream, packets []nirs.Packet) {
	if len(packets) == 0 {
		return
	}
	if m.metrics != nil {
		m.metrics.PacketsDecoded.WithLabelValues(family.String(), stream.String()).Add(float64(len(packets)))
	}
	if m.hooks.Packets != nil {
		m.hooks.Packets(packets)
	}
}

func (m *Machine) decodeError(family nirs.Family, stream nirs.Stream, err error) {
	m.logger.Warn().Err(err).Str("stream", stream.String()).Msg("Decode failed, frame skipped")
	if m.metrics != nil {
		m.metrics.DecodeErrors.WithLabelValues(family.String(), stream.String()).Inc()
	}
}
