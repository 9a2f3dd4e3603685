package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/device"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/hub"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/metrics"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/models"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/scan"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/storage"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/transport"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// Manager errors
var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrClosed        = errors.New("manager closed")
)

// Options configures a Manager. Zero values take the defaults.
type Options struct {
	Config Config
	// MaxAttempts is the reconnection budget; NoReconnect disables retries
	MaxAttempts    int
	ReconnectDelay time.Duration

	// Registry remembers onboarded devices; an in-memory one is used when nil
	Registry *storage.Registry
	// Scanner receives discoveries; scan results are ignored when nil
	Scanner      *scan.Tracker
	ScanInterval time.Duration
	ScanMaxAge   time.Duration
	AutoConnect  bool

	// DocumentsDir receives CSV files; empty disables persistence
	DocumentsDir   string
	AppVersion     string
	SaveMultiplier int

	Metrics   *metrics.Metrics
	Scheduler Scheduler
	Now       func() time.Time
}

// Manager owns every device session. Transport events are routed by address
// to one actor goroutine per device.
type Manager struct {
	tr       transport.Transport
	opts     Options
	seq      *Sequencer
	registry *storage.Registry
	events   *hub.Ordered[*models.DeviceEvent]
	packets  *hub.Hub[nirs.Packet]
	logger   zerolog.Logger

	mu       sync.RWMutex
	sessions map[nirs.Address]*session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager over tr. The event hubs start immediately;
// Run must be called to route transport events.
func NewManager(tr transport.Transport, opts Options) *Manager {
	if opts.Config.MTU == 0 {
		opts.Config.MTU = DefaultConfig().MTU
	}
	if opts.Config.FallbackTimeout == 0 {
		opts.Config.FallbackTimeout = DefaultConfig().FallbackTimeout
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 500 * time.Millisecond
	}
	if opts.ScanInterval == 0 {
		opts.ScanInterval = time.Second
	}
	if opts.ScanMaxAge == 0 {
		opts.ScanMaxAge = 10 * time.Second
	}
	if opts.Scheduler == nil {
		opts.Scheduler = clockScheduler{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	registry := opts.Registry
	if registry == nil {
		registry = storage.NewRegistry(storage.NewMemoryStore())
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		tr:       tr,
		opts:     opts,
		seq:      NewSequencer(),
		registry: registry,
		events:   hub.NewOrdered[*models.DeviceEvent](),
		packets:  hub.New[nirs.Packet](hub.WithBroadcastBuffer(4096), hub.WithMetrics(opts.Metrics)),
		logger:   log.With().Str("component", "manager").Logger(),
		sessions: make(map[nirs.Address]*session),
		ctx:      ctx,
		cancel:   cancel,
	}
	go m.events.Run(ctx)
	go m.packets.Run(ctx)
	return m
}

// Run routes transport events until ctx is done, then tears every session down
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info().Msg("Connection manager started")
	defer m.Close()

	events := m.tr.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				m.logger.Warn().Msg("Transport event stream closed")
				return nil
			}
			m.route(e)
		}
	}
}

// Close stops every session and waits for them to flush
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) route(e transport.Event) {
	if e.Kind == transport.EventDiscovered {
		m.discovered(e)
		return
	}

	s := m.session(e.Address)
	if s == nil {
		if e.Kind != transport.EventConnected {
			m.logger.Debug().Str("event", e.String()).Msg("Event for untracked device dropped")
			return
		}
		// the host stack connected a device on its own
		var err error
		if s, _, err = m.ensureSession(e.Address, e.Name); err != nil {
			return
		}
	}
	s.inbox.push(input{kind: inputEvent, event: e})
}

func (m *Manager) discovered(e transport.Event) {
	scanner := m.opts.Scanner
	if scanner == nil {
		return
	}
	accepted := scanner.Observe(scan.Discovery{Address: e.Address, Name: e.Name, RSSI: e.RSSI, At: m.opts.Now()})
	if !accepted || !m.opts.AutoConnect || m.session(e.Address) != nil {
		return
	}

	s, created, err := m.ensureSession(e.Address, e.Name)
	if err != nil || !created {
		return
	}
	m.logger.Info().Str("address", e.Address.String()).Str("name", e.Name).Msg("Auto-connecting")
	s.inbox.push(input{kind: inputConnect})
}

func (m *Manager) ensureSession(addr nirs.Address, name string) (*session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return nil, false, ErrClosed
	}
	if s, ok := m.sessions[addr]; ok {
		s.dev.SetName(name)
		return s, false, nil
	}

	s := newSession(m, addr, name)
	m.sessions[addr] = s
	m.wg.Add(1)
	go s.run(m.ctx)
	return s, true, nil
}

func (m *Manager) session(addr nirs.Address) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[addr]
}

func (m *Manager) removeSession(s *session) {
	addr := s.address()
	m.mu.Lock()
	if m.sessions[addr] == s {
		delete(m.sessions, addr)
	}
	m.mu.Unlock()

	m.seq.Remove(addr)
	m.advance()
	m.updateGauge()
}

// advance admits the next queued device, skipping addresses whose session is gone
func (m *Manager) advance() {
	for {
		addr, ok := m.seq.TryAdvance()
		if !ok {
			return
		}
		if s := m.session(addr); s != nil {
			s.inbox.push(input{kind: inputBegin})
			return
		}
		m.seq.Remove(addr)
	}
}

func (m *Manager) updateGauge() {
	if m.opts.Metrics == nil {
		return
	}
	var n int
	m.mu.RLock()
	for _, s := range m.sessions {
		if s.dev.State() >= device.Connected {
			n++
		}
	}
	m.mu.RUnlock()
	m.opts.Metrics.ConnectedDevices.Set(float64(n))
}

func (m *Manager) publish(ev *models.DeviceEvent) {
	m.events.Publish(ev)
}

// Connect starts a session for addr and issues the connect request.
// Connecting an address that already has a live session is a no-op.
func (m *Manager) Connect(ctx context.Context, addr nirs.Address, name string) error {
	s, _, err := m.ensureSession(addr, name)
	if err != nil {
		return err
	}
	return m.request(ctx, s, input{kind: inputConnect})
}

// Disconnect closes the session of addr. No rescan is requested.
func (m *Manager) Disconnect(ctx context.Context, addr nirs.Address) error {
	s := m.session(addr)
	if s == nil {
		return ErrUnknownDevice
	}
	return m.request(ctx, s, input{kind: inputDisconnect})
}

// SendCommand writes a control command to a set-up device
func (m *Manager) SendCommand(ctx context.Context, addr nirs.Address, cmd nirs.Command) error {
	s := m.session(addr)
	if s == nil {
		return ErrUnknownDevice
	}
	if err := m.request(ctx, s, input{kind: inputCommand, cmd: cmd}); err != nil {
		return fmt.Errorf("command 0x%02x to %s: %w", byte(cmd), addr, err)
	}
	return nil
}

func (m *Manager) request(ctx context.Context, s *session, in input) error {
	in.reply = make(chan error, 1)
	s.inbox.push(in)

	select {
	case err := <-in.reply:
		return err
	case <-s.done:
		select {
		case err := <-in.reply:
			return err
		default:
			return ErrUnknownDevice
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Devices returns snapshots of every tracked device ordered by address
func (m *Manager) Devices() []device.Snapshot {
	m.mu.RLock()
	out := make([]device.Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.dev.Snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Device returns the snapshot of one device
func (m *Manager) Device(addr nirs.Address) (device.Snapshot, bool) {
	s := m.session(addr)
	if s == nil {
		return device.Snapshot{}, false
	}
	return s.dev.Snapshot(), true
}

// Recent returns the latest live packets of addr, oldest first
func (m *Manager) Recent(addr nirs.Address) []nirs.Packet {
	s := m.session(addr)
	if s == nil {
		return nil
	}
	agg := s.dev.Aggregator()
	if agg == nil {
		return nil
	}
	return agg.Recent()
}

// Subscribe returns a channel of device events. Events are never dropped:
// a subscriber that falls behind accumulates a backlog instead.
func (m *Manager) Subscribe() <-chan *models.DeviceEvent {
	return m.events.Subscribe()
}

// Unsubscribe releases a channel returned by Subscribe
func (m *Manager) Unsubscribe(ch <-chan *models.DeviceEvent) {
	m.events.Unsubscribe(ch)
}

// Packets returns a channel of decoded packets from every device
func (m *Manager) Packets() <-chan nirs.Packet {
	return m.packets.SubscribeWithBuffer(1024)
}

// UnsubscribePackets releases a channel returned by Packets
func (m *Manager) UnsubscribePackets(ch <-chan nirs.Packet) {
	m.packets.Unsubscribe(ch)
}

// Scan starts discovery and the scan list age-out until ctx is done
func (m *Manager) Scan(ctx context.Context) error {
	if err := m.tr.StartScan(ctx); err != nil {
		return fmt.Errorf("start scan: %w", err)
	}
	if m.opts.Scanner != nil {
		go m.opts.Scanner.Run(ctx, m.opts.ScanInterval, m.opts.ScanMaxAge)
	}
	return nil
}

// Scanner returns the scan tracker, nil when scanning is not tracked
func (m *Manager) Scanner() *scan.Tracker {
	return m.opts.Scanner
}

// Registry returns the onboarded-device registry
func (m *Manager) Registry() *storage.Registry {
	return m.registry
}

// Onboarding reports the device in setup and the queue behind it
func (m *Manager) Onboarding() (inProgress *nirs.Address, pending []nirs.Address) {
	if addr, ok := m.seq.InProgress(); ok {
		inProgress = &addr
	}
	return inProgress, m.seq.Pending()
}
