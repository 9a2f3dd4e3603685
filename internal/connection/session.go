package connection

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/aggregator"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/device"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/models"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/storage"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/transport"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

type inputKind int

const (
	inputEvent inputKind = iota
	inputTimer
	inputBegin
	inputConnect
	inputReconnect
	inputCommand
	inputDisconnect
)

type input struct {
	kind  inputKind
	event transport.Event
	gen   uint64
	cmd   nirs.Command
	reply chan error
}

// inbox is an unbounded FIFO; push never blocks the dispatcher
type inbox struct {
	mu     sync.Mutex
	items  []input
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (b *inbox) push(in input) {
	b.mu.Lock()
	b.items = append(b.items, in)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *inbox) drain() []input {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

// session owns one device. Everything below runs on its actor goroutine.
type session struct {
	m       *Manager
	dev     *device.Device
	machine *Machine
	policy  *ReconnectPolicy
	inbox   *inbox
	logger  zerolog.Logger
	id      uuid.UUID
	done    chan struct{}

	pendingReconnect bool
	reconnectGen     uint64
	cancelReconnect  func() bool
	userClosed       bool
	ended            bool
}

func newSession(m *Manager, addr nirs.Address, name string) *session {
	s := &session{
		m:      m,
		dev:    device.New(addr, name),
		policy: NewReconnectPolicy(m.opts.MaxAttempts, m.opts.ReconnectDelay),
		inbox:  newInbox(),
		logger: log.With().Str("component", "session").Str("address", addr.String()).Logger(),
		id:     uuid.New(),
		done:   make(chan struct{}),
	}
	s.machine = NewMachine(s.dev, m.tr, m.opts.Config, MachineOptions{
		Scheduler: m.opts.Scheduler,
		Post:      func(gen uint64) { s.inbox.push(input{kind: inputTimer, gen: gen}) },
		Metrics:   m.opts.Metrics,
		Now:       m.opts.Now,
		Hooks: Hooks{
			State:            s.publishState,
			Battery:          s.publishBattery,
			Packets:          s.publishPackets,
			Progress:         s.publishProgress,
			DownloadComplete: s.publishDownloadComplete,
			Streaming:        s.publishStreaming,
			Version:          s.onVersion,
			SetupComplete:    s.onSetupComplete,
			SetupFailed:      s.onSetupFailed,
		},
	})
	return s
}

func (s *session) address() nirs.Address {
	return s.dev.Address()
}

func (s *session) run(ctx context.Context) {
	defer s.m.wg.Done()
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-s.inbox.signal:
		}

		for _, in := range s.inbox.drain() {
			s.handle(ctx, in)
			if s.ended {
				s.rejectPending()
				return
			}
		}
	}
}

func (s *session) handle(ctx context.Context, in input) {
	switch in.kind {
	case inputEvent:
		switch in.event.Kind {
		case transport.EventConnected:
			s.onConnected(ctx, in.event)
		case transport.EventDisconnected:
			s.onDisconnected(in.event.Status)
		default:
			s.machine.HandleEvent(in.event)
		}

	case inputTimer:
		s.machine.Timer(in.gen)

	case inputBegin:
		if s.dev.State() != device.Connected {
			s.m.seq.Remove(s.address())
			s.m.advance()
			return
		}
		s.logger.Info().Msg("Onboarding started")
		s.machine.BeginSetup()

	case inputConnect:
		reply(in, s.connect(ctx))

	case inputReconnect:
		if !s.pendingReconnect || in.gen != s.reconnectGen || s.m.session(s.address()) != s {
			return
		}
		s.pendingReconnect = false
		s.cancelReconnect = nil
		if err := s.m.tr.Connect(ctx, s.address()); err != nil {
			s.logger.Error().Err(err).Msg("Reconnect request failed")
			s.terminate(transport.StatusGattError)
		}

	case inputCommand:
		reply(in, s.machine.Command(in.cmd))

	case inputDisconnect:
		s.userClosed = true
		s.terminate(transport.StatusLocalTerminated)
		reply(in, nil)
	}
}

func reply(in input, err error) {
	if in.reply != nil {
		in.reply <- err
	}
}

// rejectPending answers callers still waiting on a session that ended
func (s *session) rejectPending() {
	for _, in := range s.inbox.drain() {
		reply(in, ErrUnknownDevice)
	}
}

func (s *session) connect(ctx context.Context) error {
	if st := s.dev.State(); st != device.Disconnected {
		return nil
	}
	s.userClosed = false
	s.setState(device.Connecting)
	if err := s.m.tr.Connect(ctx, s.address()); err != nil {
		s.terminate(transport.StatusGattError)
		return err
	}
	return nil
}

func (s *session) onConnected(ctx context.Context, e transport.Event) {
	if s.dev.State() >= device.Connected {
		s.logger.Debug().Msg("Duplicate connected event")
		return
	}
	s.stopReconnect()
	s.policy.Reset()
	s.dev.SetName(e.Name)
	s.dev.ResetAnchors()
	s.setState(device.Connected)
	s.m.publish(models.NewDeviceEvent(s.address(), models.EventTypeConnected))
	s.m.updateGauge()

	completed := s.dev.HasCompletedSetupBefore() || s.m.registry.HasCompletedSetup(ctx, s.address())
	if completed {
		s.restoreVersion(ctx)
	}
	if err := s.m.registry.Touch(ctx, s.record()); err != nil {
		s.logger.Warn().Err(err).Msg("Registry update failed")
	}

	if completed {
		s.logger.Info().Msg("Previously onboarded, skipping setup")
		s.attachAggregator()
		s.machine.FastForward()
		return
	}

	s.m.seq.Enqueue(s.address())
	s.m.advance()
}

func (s *session) onDisconnected(status int) {
	st := s.dev.State()
	s.machine.Stop()
	if agg := s.dev.Aggregator(); agg != nil {
		agg.Flush()
	}

	d := s.policy.Decide(status, Aggregate(st))
	if !d.Retry {
		s.terminate(status)
		return
	}

	s.logger.Warn().Int("status", status).Str("state", st.String()).Int("attempt", d.Attempt).Dur("delay", d.Delay).Msg("Connection lost, reconnecting")
	if s.m.opts.Metrics != nil {
		s.m.opts.Metrics.ReconnectAttempts.Inc()
	}
	if err := s.m.tr.Close(s.address()); err != nil {
		s.logger.Debug().Err(err).Msg("Close stale handle")
	}
	s.m.seq.Remove(s.address())
	s.m.advance()
	s.setState(device.Connecting)

	ev := models.NewDeviceEvent(s.address(), models.EventTypeReconnecting)
	ev.Details = models.Variables{"attempt": d.Attempt, "status": status}
	s.m.publish(ev)

	s.pendingReconnect = true
	s.reconnectGen++
	gen := s.reconnectGen
	s.cancelReconnect = s.machine.sched.AfterFunc(d.Delay, func() {
		s.inbox.push(input{kind: inputReconnect, gen: gen})
	})
}

// terminate ends the session without further automatic retry
func (s *session) terminate(status int) {
	s.stopReconnect()
	s.machine.Stop()
	s.policy.Reset()
	if err := s.m.tr.Close(s.address()); err != nil {
		s.logger.Debug().Err(err).Msg("Close handle")
	}
	s.dev.DetachAggregator()
	s.setState(device.Disconnected)

	ev := models.NewDeviceEvent(s.address(), models.EventTypeDisconnected)
	ev.Details = models.Variables{"status": status}
	s.m.publish(ev)

	if status != transport.StatusSuccess && !s.userClosed {
		s.logger.Warn().Int("status", status).Msg("Connection ended, rescan needed")
		s.m.publish(models.NewDeviceEvent(s.address(), models.EventTypeRescanNeeded))
		if s.m.opts.Metrics != nil {
			s.m.opts.Metrics.RescansNeeded.Inc()
		}
	} else {
		s.logger.Info().Msg("Disconnected")
	}

	s.ended = true
	s.m.removeSession(s)
}

func (s *session) shutdown() {
	s.stopReconnect()
	s.machine.Stop()
	s.dev.DetachAggregator()
	if err := s.m.tr.Close(s.address()); err != nil {
		s.logger.Debug().Err(err).Msg("Close on shutdown")
	}
	s.rejectPending()
}

func (s *session) stopReconnect() {
	if s.cancelReconnect != nil {
		s.cancelReconnect()
		s.cancelReconnect = nil
	}
	s.pendingReconnect = false
	s.reconnectGen++
}

func (s *session) onSetupComplete() {
	addr := s.address()
	s.m.seq.Complete(addr)

	if err := s.m.registry.MarkCompleted(s.m.ctx, s.record()); err != nil {
		s.logger.Warn().Err(err).Msg("Could not persist setup completion")
	}
	s.attachAggregator()
	s.m.advance()
}

func (s *session) onSetupFailed(err error) {
	s.logger.Error().Err(err).Msg("Onboarding failed")
	s.terminate(transport.StatusGattError)
}

func (s *session) attachAggregator() {
	if s.dev.Aggregator() != nil {
		return
	}
	v := s.dev.Version()

	var sink aggregator.Sink
	if s.m.opts.DocumentsDir != "" {
		sink = storage.NewCSVWriter(s.m.opts.DocumentsDir, s.dev.Name(), v.Family, s.metadata(v), s.m.opts.Now())
	}
	s.dev.AttachAggregator(aggregator.New(s.address(), v.Family, sink, aggregator.Options{
		SaveMultiplier: s.m.opts.SaveMultiplier,
		Metrics:        s.m.opts.Metrics,
	}))
}

// onVersion carries firmware or NVM that arrived after setup into CSV headers not written yet
func (s *session) onVersion(v device.VersionInfo) {
	if agg := s.dev.Aggregator(); agg != nil {
		agg.SetMetadata(v.Family, s.metadata(v))
	}
}

func (s *session) metadata(v device.VersionInfo) storage.Metadata {
	return storage.Metadata{
		DeviceType:  v.Family.String(),
		DeviceID:    s.address().String(),
		DeviceNVMID: v.NVMVersion,
		Firmware:    v.FirmwareVersion,
		AppVersion:  s.m.opts.AppVersion,
		SessionID:   s.id.String(),
	}
}

// restoreVersion fills version info from the registry when this process never saw the firmware
func (s *session) restoreVersion(ctx context.Context) {
	if s.dev.Version().FirmwareVersion != nirs.FirmwareNotReceived {
		return
	}
	rec, err := s.m.registry.Store().GetDevice(ctx, s.address())
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn().Err(err).Msg("Could not load device record")
		}
		return
	}
	s.dev.SetVersion(device.VersionInfo{
		FirmwareVersion: rec.FirmwareVersion,
		NVMVersion:      rec.NVMVersion,
		Family:          rec.Family,
		ArgusSubVersion: rec.ArgusSubVersion,
	})
}

func (s *session) record() *models.DeviceRecord {
	v := s.dev.Version()
	return &models.DeviceRecord{
		Address:         s.address(),
		Name:            s.dev.Name(),
		Family:          v.Family,
		ArgusSubVersion: v.ArgusSubVersion,
		FirmwareVersion: v.FirmwareVersion,
		NVMVersion:      v.NVMVersion,
	}
}

// event publishing

func (s *session) setState(st device.State) {
	if prev := s.dev.SetState(st); prev != st {
		s.publishState(st)
	}
}

func (s *session) publishState(st device.State) {
	ev := models.NewDeviceEvent(s.address(), models.EventTypeState)
	ev.State = st.String()
	s.m.publish(ev)
}

func (s *session) publishBattery(pct int) {
	ev := models.NewDeviceEvent(s.address(), models.EventTypeBattery)
	ev.Battery = &pct
	s.m.publish(ev)
}

func (s *session) publishStreaming(live, stored bool) {
	ev := models.NewDeviceEvent(s.address(), models.EventTypeStreaming)
	ev.Streaming = &models.StreamingFlags{Live: live, Stored: stored}
	s.m.publish(ev)
}

func (s *session) publishProgress(p device.Progress) {
	ev := models.NewDeviceEvent(s.address(), models.EventTypeProgress)
	ev.Progress = &models.Progress{Received: p.Received, Total: p.Total}
	s.m.publish(ev)
}

func (s *session) publishDownloadComplete(p device.Progress) {
	ev := models.NewDeviceEvent(s.address(), models.EventTypeDownloadComplete)
	ev.Progress = &models.Progress{Received: p.Received, Total: p.Total}
	s.m.publish(ev)
}

func (s *session) publishPackets(packets []nirs.Packet) {
	for _, p := range packets {
		s.m.packets.Publish(p)
	}
}
