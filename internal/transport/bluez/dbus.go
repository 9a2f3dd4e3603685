package bluez

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/transport"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// adapterDevicePath converts an address to a BlueZ object path.
// Example: AA:BB:CC:DD:EE:FF on hci0 is /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF
func adapterDevicePath(adapter string, addr nirs.Address) dbus.ObjectPath {
	devAddr := strings.ReplaceAll(addr.String(), ":", "_")
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, devAddr))
}

// addressFromPath extracts the device address from a device or characteristic path
func addressFromPath(path dbus.ObjectPath) (nirs.Address, bool) {
	s := string(path)
	i := strings.Index(s, "/dev_")
	if i < 0 {
		return 0, false
	}
	s = s[i+len("/dev_"):]
	if j := strings.IndexByte(s, '/'); j >= 0 {
		s = s[:j]
	}
	addr, err := nirs.ParseAddress(s)
	if err != nil {
		return 0, false
	}
	return addr, true
}

// characteristicsUnder maps lower-case UUIDs to the characteristic paths below device
func characteristicsUnder(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, device dbus.ObjectPath) map[string]dbus.ObjectPath {
	prefix := string(device) + "/"
	chars := make(map[string]dbus.ObjectPath)

	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattChar]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		v, ok := props["UUID"]
		if !ok {
			continue
		}
		uuid, ok := v.Value().(string)
		if !ok {
			continue
		}
		chars[strings.ToLower(uuid)] = path
	}
	return chars
}

// discoveredEvent builds a scan result from Device1 properties
func discoveredEvent(path dbus.ObjectPath, props map[string]dbus.Variant) (transport.Event, bool) {
	addr, ok := addressFromPath(path)
	if !ok {
		return transport.Event{}, false
	}
	e := transport.Event{Kind: transport.EventDiscovered, Address: addr}
	if v, ok := props["Name"]; ok {
		e.Name, _ = v.Value().(string)
	} else if v, ok := props["Alias"]; ok {
		e.Name, _ = v.Value().(string)
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			e.RSSI = int(rssi)
		}
	}
	return e, true
}

// connectErrorStatus maps a failed Device1.Connect to a GATT status.
// Aborted or refused attempts are the transient class; timeouts are reported as such.
func connectErrorStatus(err error) int {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return transport.StatusConnTimeout
	default:
		return transport.StatusGattError
	}
}

func callStatus(err error) int {
	if err == nil {
		return transport.StatusSuccess
	}
	return transport.StatusGattError
}

// getDBusProperty reads a property from a BlueZ object
func getDBusProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T
	variant, err := conn.Object(bluezBus, path).GetProperty(iface + "." + property)
	if err != nil {
		return zero, err
	}
	val, ok := variant.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has unexpected type %T", iface, property, variant.Value())
	}
	return val, nil
}
