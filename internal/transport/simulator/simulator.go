// Package simulator is an in-process Transport that behaves like NIRS
// peripherals: it answers setup commands, streams preview records and plays
// back a historical transfer framed by the stored-stream sentinels.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/config"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/transport"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

var (
	ErrUnknownDevice = errors.New("unknown simulated device")
	ErrNotConnected  = errors.New("simulated device not connected")
)

const maxMTU = 517

// DeviceSpec describes one simulated peripheral
type DeviceSpec struct {
	Address         nirs.Address
	Name            string
	Family          nirs.Family
	SubVersion      uint8
	Firmware        string
	NVM             uint32
	Battery         int
	StoredRecords   int
	PreviewInterval time.Duration
	// Silent lists characteristics whose requests are acknowledged but never answered
	Silent map[string]bool
}

type device struct {
	spec       DeviceSpec
	connected  bool
	mtu        int
	notifying  map[string]bool
	counter    uint16
	session    uint8
	markEvent  bool
	clock      time.Time
	stopStream context.CancelFunc
}

// Transport simulates a BLE central talking to a fixed set of peripherals
type Transport struct {
	mu           sync.Mutex
	devices      map[nirs.Address]*device
	failures     map[nirs.Address][]int
	events       chan transport.Event
	stop         chan struct{}
	stopOnce     sync.Once
	scanInterval time.Duration
}

// Option configures the simulator
type Option func(*Transport)

// WithScanInterval sets how often every device re-advertises
func WithScanInterval(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.scanInterval = d
		}
	}
}

// New creates a simulator for specs
func New(specs []DeviceSpec, opts ...Option) *Transport {
	t := &Transport{
		devices:      make(map[nirs.Address]*device),
		failures:     make(map[nirs.Address][]int),
		events:       make(chan transport.Event, 4096),
		stop:         make(chan struct{}),
		scanInterval: time.Second,
	}
	for _, spec := range specs {
		if spec.PreviewInterval <= 0 {
			spec.PreviewInterval = 40 * time.Millisecond
		}
		if spec.Firmware == "" {
			spec.Firmware = "1.0.0"
		}
		t.devices[spec.Address] = &device{
			spec:      spec,
			mtu:       23,
			notifying: make(map[string]bool),
			session:   1,
			clock:     time.Now(),
		}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// FromConfig converts configured devices into specs
func FromConfig(devices []config.SimulatedDevice) ([]DeviceSpec, error) {
	specs := make([]DeviceSpec, 0, len(devices))
	for _, d := range devices {
		addr, err := nirs.ParseAddress(d.Address)
		if err != nil {
			return nil, fmt.Errorf("simulated device %q: %w", d.Name, err)
		}
		family := nirs.FamilyFromName(d.Name)
		if d.Family != "" {
			if family, err = nirs.ParseFamily(d.Family); err != nil {
				return nil, fmt.Errorf("simulated device %q: %w", d.Name, err)
			}
		}
		battery := d.Battery
		if battery == 0 {
			battery = 90
		}
		specs = append(specs, DeviceSpec{
			Address:         addr,
			Name:            d.Name,
			Family:          family,
			SubVersion:      d.SubVersion,
			Firmware:        d.Firmware,
			NVM:             d.NVM,
			Battery:         battery,
			StoredRecords:   d.StoredRecords,
			PreviewInterval: d.PreviewInterval,
		})
	}
	return specs, nil
}

// Events returns the result channel
func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

// Shutdown stops every stream and unblocks pending emits
func (t *Transport) Shutdown() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		for _, d := range t.devices {
			d.stopStreaming()
		}
		t.mu.Unlock()
		close(t.stop)
	})
}

// FailNextConnects makes the next n connects to addr fail with status
func (t *Transport) FailNextConnects(addr nirs.Address, status, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < n; i++ {
		t.failures[addr] = append(t.failures[addr], status)
	}
}

// DropConnection simulates a link loss with status
func (t *Transport) DropConnection(addr nirs.Address, status int) error {
	t.mu.Lock()
	d, ok := t.devices[addr]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownDevice
	}
	d.connected = false
	d.stopStreaming()
	t.mu.Unlock()

	t.emit(transport.Event{Kind: transport.EventDisconnected, Address: addr, Status: status})
	return nil
}

// Connect implements transport.Transport
func (t *Transport) Connect(_ context.Context, addr nirs.Address) error {
	t.mu.Lock()
	d, ok := t.devices[addr]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownDevice
	}

	if queue := t.failures[addr]; len(queue) > 0 {
		status := queue[0]
		t.failures[addr] = queue[1:]
		t.mu.Unlock()
		t.emit(transport.Event{Kind: transport.EventDisconnected, Address: addr, Status: status})
		return nil
	}

	d.connected = true
	t.mu.Unlock()

	t.emit(transport.Event{Kind: transport.EventConnected, Address: addr, Name: d.spec.Name})
	return nil
}

// Close implements transport.Transport
func (t *Transport) Close(addr nirs.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.devices[addr]
	if !ok {
		return ErrUnknownDevice
	}
	d.connected = false
	d.stopStreaming()
	return nil
}

// DiscoverServices implements transport.Transport
func (t *Transport) DiscoverServices(addr nirs.Address) error {
	if _, err := t.connected(addr); err != nil {
		return err
	}
	t.emit(transport.Event{Kind: transport.EventServicesDiscovered, Address: addr})
	return nil
}

// RequestMTU implements transport.Transport
func (t *Transport) RequestMTU(addr nirs.Address, size int) error {
	t.mu.Lock()
	d, err := t.connectedLocked(addr)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if size > maxMTU {
		size = maxMTU
	}
	d.mtu = size
	t.mu.Unlock()

	t.emit(transport.Event{Kind: transport.EventMTUChanged, Address: addr, MTU: size})
	return nil
}

// EnableNotifications implements transport.Transport
func (t *Transport) EnableNotifications(addr nirs.Address, uuid string) error {
	t.mu.Lock()
	d, err := t.connectedLocked(addr)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	d.notifying[uuid] = true
	t.mu.Unlock()

	t.emit(transport.Event{Kind: transport.EventNotificationsEnabled, Address: addr, UUID: uuid})
	return nil
}

// ReadCharacteristic implements transport.Transport
func (t *Transport) ReadCharacteristic(addr nirs.Address, uuid string) error {
	t.mu.Lock()
	d, err := t.connectedLocked(addr)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	value, ok := d.value(uuid)
	t.mu.Unlock()

	status := transport.StatusSuccess
	if !ok {
		status = transport.StatusGattError
	}
	t.emit(transport.Event{Kind: transport.EventCharacteristicRead, Address: addr, UUID: uuid, Data: value, Status: status})
	return nil
}

// WriteCharacteristic implements transport.Transport
func (t *Transport) WriteCharacteristic(addr nirs.Address, uuid string, data []byte, _ bool) error {
	t.mu.Lock()
	d, err := t.connectedLocked(addr)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	var follow []transport.Event
	if uuid == nirs.CommandUUID && len(data) > 0 {
		follow = t.handleCommandLocked(d, data)
	}
	t.mu.Unlock()

	ack := make([]byte, len(data))
	copy(ack, data)
	t.emit(transport.Event{Kind: transport.EventCharacteristicWritten, Address: addr, UUID: uuid, Data: ack})
	for _, e := range follow {
		t.emit(e)
	}
	return nil
}

// StartScan implements transport.Transport
func (t *Transport) StartScan(ctx context.Context) error {
	go func() {
		ticker := time.NewTicker(t.scanInterval)
		defer ticker.Stop()
		for {
			t.advertise()
			select {
			case <-ctx.Done():
				return
			case <-t.stop:
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

func (t *Transport) advertise() {
	t.mu.Lock()
	var ads []transport.Event
	i := 0
	for addr, d := range t.devices {
		if d.connected {
			continue
		}
		ads = append(ads, transport.Event{Kind: transport.EventDiscovered, Address: addr, Name: d.spec.Name, RSSI: -55 - i})
		i++
	}
	t.mu.Unlock()

	for _, e := range ads {
		t.emit(e)
	}
}

func (t *Transport) handleCommandLocked(d *device, data []byte) []transport.Event {
	addr := d.spec.Address
	notify := func(uuid string) []transport.Event {
		if d.spec.Silent[uuid] || !d.notifying[uuid] {
			return nil
		}
		value, _ := d.value(uuid)
		return []transport.Event{{Kind: transport.EventNotification, Address: addr, UUID: uuid, Data: value}}
	}

	switch nirs.Command(data[0]) {
	case nirs.CmdRequestBattery:
		return notify(nirs.BatteryUUID)
	case nirs.CmdRequestFW:
		return notify(nirs.FirmwareUUID)
	case nirs.CmdRequestNVM:
		return notify(nirs.NVMUUID)
	case nirs.CmdStartSampling:
		t.startStreamingLocked(d)
	case nirs.CmdStopSampling:
		d.stopStreaming()
	case nirs.CmdSendStoredData:
		frames := d.storedFrames()
		size := d.spec.Family.FrameSize()
		mtu := d.mtu
		if d.notifying[nirs.StoredUUID] && size > 0 {
			go t.playStored(addr, frames, size, mtu)
		}
	case nirs.CmdSendTimestamp:
		if ts, err := nirs.ParseTimestampCommand(data); err == nil {
			d.clock = ts
		}
	case nirs.CmdMarkEvent:
		d.markEvent = true
	case nirs.CmdClearFlash:
		d.spec.StoredRecords = 0
	}
	return nil
}

func (t *Transport) startStreamingLocked(d *device) {
	if d.stopStream != nil || d.spec.Family.FrameSize() == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.stopStream = cancel
	d.session++

	go func() {
		ticker := time.NewTicker(d.spec.PreviewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stop:
				return
			case <-ticker.C:
			}

			t.mu.Lock()
			if !d.connected || !d.notifying[nirs.PreviewUUID] {
				t.mu.Unlock()
				continue
			}
			frame := d.nextFrame()
			t.mu.Unlock()

			t.emit(transport.Event{Kind: transport.EventNotification, Address: d.spec.Address, UUID: nirs.PreviewUUID, Data: frame})
		}
	}()
}

func (t *Transport) playStored(addr nirs.Address, frames [][]byte, size, mtu int) {
	perChunk := (mtu - 3) / size
	if perChunk < 1 {
		perChunk = 1
	}
	for i := 0; i < len(frames); i += perChunk {
		end := i + perChunk
		if end > len(frames) {
			end = len(frames)
		}
		var chunk []byte
		for _, f := range frames[i:end] {
			chunk = append(chunk, f...)
		}
		t.emit(transport.Event{Kind: transport.EventNotification, Address: addr, UUID: nirs.StoredUUID, Data: chunk})
	}
	log.Debug().Str("address", addr.String()).Int("frames", len(frames)).Msg("Simulated stored transfer sent")
}

func (t *Transport) connected(addr nirs.Address) (*device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectedLocked(addr)
}

func (t *Transport) connectedLocked(addr nirs.Address) (*device, error) {
	d, ok := t.devices[addr]
	if !ok {
		return nil, ErrUnknownDevice
	}
	if !d.connected {
		return nil, ErrNotConnected
	}
	return d, nil
}

func (t *Transport) emit(e transport.Event) {
	select {
	case t.events <- e:
	case <-t.stop:
	}
}

func (d *device) stopStreaming() {
	if d.stopStream != nil {
		d.stopStream()
		d.stopStream = nil
	}
}

func (d *device) value(uuid string) ([]byte, bool) {
	switch uuid {
	case nirs.BatteryUUID:
		return []byte{byte(d.spec.Battery)}, true
	case nirs.FirmwareUUID:
		return nirs.EncodeFirmware(nirs.FirmwareInfo{
			Family:     d.spec.Family,
			SubVersion: d.spec.SubVersion,
			Version:    d.spec.Firmware,
		}), true
	case nirs.NVMUUID:
		return nirs.EncodeNVM(d.spec.NVM), true
	case nirs.StatusUUID:
		return []byte{0}, true
	}
	return nil, false
}
