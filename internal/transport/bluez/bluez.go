// Package bluez implements the BLE transport over the BlueZ D-Bus API.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/transport"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	bluezGattChar     = "org.bluez.GattCharacteristic1"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
	dbusProperties    = "org.freedesktop.DBus.Properties"

	servicesResolvedTimeout = 15 * time.Second
)

var ErrNotResolved = errors.New("characteristic not resolved")

type peer struct {
	path      dbus.ObjectPath
	connected bool
	chars     map[string]dbus.ObjectPath
}

// Transport talks to peripherals through one BlueZ adapter
type Transport struct {
	mu             sync.Mutex
	conn           *dbus.Conn
	adapter        string
	connectTimeout time.Duration
	peers          map[nirs.Address]*peer
	byPath         map[dbus.ObjectPath]string // characteristic path -> uuid
	events         chan transport.Event
	signals        chan *dbus.Signal
	stop           chan struct{}
	stopOnce       sync.Once
}

// New connects to the system bus and starts the signal loop
func New(adapter string, connectTimeout time.Duration) (*Transport, error) {
	if adapter == "" {
		adapter = "hci0"
	}
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	adapterPath := dbus.ObjectPath("/org/bluez/" + adapter)
	if _, err := getDBusProperty[bool](conn, adapterPath, bluezAdapter1, "Powered"); err != nil {
		return nil, fmt.Errorf("adapter %s not available: %w", adapter, err)
	}

	t := &Transport{
		conn:           conn,
		adapter:        adapter,
		connectTimeout: connectTimeout,
		peers:          make(map[nirs.Address]*peer),
		byPath:         make(map[dbus.ObjectPath]string),
		events:         make(chan transport.Event, 1024),
		signals:        make(chan *dbus.Signal, 256),
		stop:           make(chan struct{}),
	}

	rules := []string{
		fmt.Sprintf("type='signal',sender='%s',interface='%s',member='PropertiesChanged'", bluezBus, dbusProperties),
		fmt.Sprintf("type='signal',sender='%s',interface='%s',member='InterfacesAdded'", bluezBus, dbusObjectManager),
	}
	for _, rule := range rules {
		if call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
			return nil, fmt.Errorf("add signal match: %w", call.Err)
		}
	}
	conn.Signal(t.signals)
	go t.signalLoop()

	return t, nil
}

// Events implements transport.Transport
func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

// Shutdown stops the signal loop. The shared system bus connection stays open.
func (t *Transport) Shutdown() {
	t.stopOnce.Do(func() {
		close(t.stop)
		t.conn.RemoveSignal(t.signals)
	})
}

// Connect implements transport.Transport
func (t *Transport) Connect(ctx context.Context, addr nirs.Address) error {
	p := t.peer(addr)

	go func() {
		connectCtx, cancel := context.WithTimeout(ctx, t.connectTimeout)
		defer cancel()

		device := t.conn.Object(bluezBus, p.path)
		call := device.CallWithContext(connectCtx, bluezDevice1+".Connect", 0)
		if call.Err != nil {
			log.Warn().Err(call.Err).Str("address", addr.String()).Msg("BlueZ connect failed")
			t.emit(transport.Event{Kind: transport.EventDisconnected, Address: addr, Status: connectErrorStatus(call.Err)})
			return
		}

		name, _ := getDBusProperty[string](t.conn, p.path, bluezDevice1, "Name")
		t.mu.Lock()
		p.connected = true
		t.mu.Unlock()
		t.emit(transport.Event{Kind: transport.EventConnected, Address: addr, Name: name})
	}()
	return nil
}

// Close implements transport.Transport
func (t *Transport) Close(addr nirs.Address) error {
	t.mu.Lock()
	p, ok := t.peers[addr]
	if ok {
		p.connected = false
		for _, path := range p.chars {
			delete(t.byPath, path)
		}
		p.chars = nil
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}

	call := t.conn.Object(bluezBus, p.path).Call(bluezDevice1+".Disconnect", 0)
	return call.Err
}

// DiscoverServices implements transport.Transport
func (t *Transport) DiscoverServices(addr nirs.Address) error {
	p := t.peer(addr)

	go func() {
		status := transport.StatusSuccess
		if err := t.waitServicesResolved(p.path); err != nil {
			log.Warn().Err(err).Str("address", addr.String()).Msg("Service discovery failed")
			status = transport.StatusGattError
		} else if err := t.discoverCharacteristics(p); err != nil {
			log.Warn().Err(err).Str("address", addr.String()).Msg("Characteristic lookup failed")
			status = transport.StatusGattError
		}
		t.emit(transport.Event{Kind: transport.EventServicesDiscovered, Address: addr, Status: status})
	}()
	return nil
}

// RequestMTU reports the MTU BlueZ negotiated on connect; BlueZ has no per-request exchange
func (t *Transport) RequestMTU(addr nirs.Address, size int) error {
	p := t.peer(addr)

	go func() {
		mtu, err := getDBusProperty[uint16](t.conn, p.path, bluezDevice1, "MTU")
		if err != nil {
			t.mu.Lock()
			paths := make([]dbus.ObjectPath, 0, len(p.chars))
			for _, path := range p.chars {
				paths = append(paths, path)
			}
			t.mu.Unlock()

			// newer BlueZ exposes the ATT MTU per characteristic only
			for _, path := range paths {
				if v, err := getDBusProperty[uint16](t.conn, path, bluezGattChar, "MTU"); err == nil {
					mtu = v
					break
				}
			}
		}
		negotiated := int(mtu)
		if negotiated == 0 || negotiated > size {
			negotiated = size
		}
		t.emit(transport.Event{Kind: transport.EventMTUChanged, Address: addr, MTU: negotiated})
	}()
	return nil
}

// EnableNotifications implements transport.Transport
func (t *Transport) EnableNotifications(addr nirs.Address, uuid string) error {
	path, err := t.charPath(addr, uuid)
	if err != nil {
		return err
	}

	go func() {
		call := t.conn.Object(bluezBus, path).Call(bluezGattChar+".StartNotify", 0)
		t.emit(transport.Event{Kind: transport.EventNotificationsEnabled, Address: addr, UUID: uuid, Status: callStatus(call.Err)})
	}()
	return nil
}

// WriteCharacteristic implements transport.Transport
func (t *Transport) WriteCharacteristic(addr nirs.Address, uuid string, data []byte, withResponse bool) error {
	path, err := t.charPath(addr, uuid)
	if err != nil {
		return err
	}

	writeType := "command"
	if withResponse {
		writeType = "request"
	}
	payload := make([]byte, len(data))
	copy(payload, data)

	go func() {
		call := t.conn.Object(bluezBus, path).Call(bluezGattChar+".WriteValue", 0, payload, map[string]dbus.Variant{
			"type": dbus.MakeVariant(writeType),
		})
		if call.Err != nil {
			log.Debug().Err(call.Err).Str("address", addr.String()).Str("uuid", uuid).Msg("WriteValue failed")
		}
		t.emit(transport.Event{Kind: transport.EventCharacteristicWritten, Address: addr, UUID: uuid, Data: payload, Status: callStatus(call.Err)})
	}()
	return nil
}

// ReadCharacteristic implements transport.Transport
func (t *Transport) ReadCharacteristic(addr nirs.Address, uuid string) error {
	path, err := t.charPath(addr, uuid)
	if err != nil {
		return err
	}

	go func() {
		var data []byte
		call := t.conn.Object(bluezBus, path).Call(bluezGattChar+".ReadValue", 0, map[string]dbus.Variant{})
		err := call.Err
		if err == nil {
			err = call.Store(&data)
		}
		t.emit(transport.Event{Kind: transport.EventCharacteristicRead, Address: addr, UUID: uuid, Data: data, Status: callStatus(err)})
	}()
	return nil
}

// StartScan sets an LE filter for the NIRS service and starts discovery until ctx is done
func (t *Transport) StartScan(ctx context.Context) error {
	adapter := t.conn.Object(bluezBus, dbus.ObjectPath("/org/bluez/"+t.adapter))

	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(true),
	}
	if call := adapter.Call(bluezAdapter1+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return fmt.Errorf("SetDiscoveryFilter: %w", call.Err)
	}
	if call := adapter.Call(bluezAdapter1+".StartDiscovery", 0); call.Err != nil {
		return fmt.Errorf("StartDiscovery: %w", call.Err)
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-t.stop:
		}
		adapter.Call(bluezAdapter1+".StopDiscovery", 0)
	}()
	return nil
}

func (t *Transport) peer(addr nirs.Address) *peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[addr]
	if !ok {
		p = &peer{path: adapterDevicePath(t.adapter, addr)}
		t.peers[addr] = p
	}
	return p
}

func (t *Transport) charPath(addr nirs.Address, uuid string) (dbus.ObjectPath, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[addr]
	if !ok || p.chars == nil {
		return "", fmt.Errorf("%s %s: %w", addr, uuid, ErrNotResolved)
	}
	path, ok := p.chars[strings.ToLower(uuid)]
	if !ok {
		return "", fmt.Errorf("%s %s: %w", addr, uuid, nirs.ErrUnknownCharacteristic)
	}
	return path, nil
}

func (t *Transport) waitServicesResolved(path dbus.ObjectPath) error {
	deadline := time.After(servicesResolvedTimeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return errors.New("transport stopped")
		case <-deadline:
			return fmt.Errorf("service discovery timed out after %s", servicesResolvedTimeout)
		case <-ticker.C:
			resolved, err := getDBusProperty[bool](t.conn, path, bluezDevice1, "ServicesResolved")
			if err == nil && resolved {
				return nil
			}
		}
	}
}

func (t *Transport) discoverCharacteristics(p *peer) error {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := t.conn.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return fmt.Errorf("GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return fmt.Errorf("parse managed objects: %w", err)
	}

	chars := characteristicsUnder(objects, p.path)
	if _, ok := chars[nirs.CommandUUID]; !ok {
		return fmt.Errorf("command characteristic: %w", nirs.ErrUnknownCharacteristic)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	p.chars = chars
	for uuid, path := range chars {
		t.byPath[path] = uuid
	}
	return nil
}

func (t *Transport) signalLoop() {
	for {
		select {
		case <-t.stop:
			return
		case sig, ok := <-t.signals:
			if !ok {
				return
			}
			t.handleSignal(sig)
		}
	}
}

func (t *Transport) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case dbusObjectManager + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if props, ok := ifaces[bluezDevice1]; ok {
			if e, ok := discoveredEvent(path, props); ok {
				t.emit(e)
			}
		}

	case dbusProperties + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)

		switch iface {
		case bluezGattChar:
			value, ok := changed["Value"]
			if !ok {
				return
			}
			data, _ := value.Value().([]byte)
			t.mu.Lock()
			uuid, known := t.byPath[sig.Path]
			t.mu.Unlock()
			addr, ok := addressFromPath(sig.Path)
			if !known || !ok {
				return
			}
			t.emit(transport.Event{Kind: transport.EventNotification, Address: addr, UUID: uuid, Data: data})

		case bluezDevice1:
			addr, ok := addressFromPath(sig.Path)
			if !ok {
				return
			}
			if v, ok := changed["Connected"]; ok {
				if connected, _ := v.Value().(bool); !connected {
					t.linkLost(addr)
				}
			}
			if _, ok := changed["RSSI"]; ok {
				if e, ok := discoveredEvent(sig.Path, changed); ok {
					t.emit(e)
				}
			}
		}
	}
}

// linkLost reports a disconnect the host did not request. BlueZ hides the HCI reason;
// a connected link that drops is reported as a supervision timeout.
func (t *Transport) linkLost(addr nirs.Address) {
	t.mu.Lock()
	p, ok := t.peers[addr]
	wasConnected := ok && p.connected
	if ok {
		p.connected = false
	}
	t.mu.Unlock()

	if wasConnected {
		t.emit(transport.Event{Kind: transport.EventDisconnected, Address: addr, Status: transport.StatusConnTimeout})
	}
}

func (t *Transport) emit(e transport.Event) {
	select {
	case t.events <- e:
	case <-t.stop:
	}
}
