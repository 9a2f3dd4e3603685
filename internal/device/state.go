package device

import "fmt"

// State is the connection and onboarding state of a device, in setup order
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	ServicesDiscovered
	NotificationsEnabled
	BatteryReceived
	SamplingStopped
	FirmwareReceived
	NvmReceived
	PreviewModeEnabled
	TimestampSent
	SaveModeEnabled
	SetupComplete
)

var stateNames = [...]string{
	Disconnected:         "Disconnected",
	Connecting:           "Connecting",
	Connected:            "Connected",
	ServicesDiscovered:   "ServicesDiscovered",
	NotificationsEnabled: "NotificationsEnabled",
	BatteryReceived:      "BatteryReceived",
	SamplingStopped:      "SamplingStopped",
	FirmwareReceived:     "FirmwareReceived",
	NvmReceived:          "NvmReceived",
	PreviewModeEnabled:   "PreviewModeEnabled",
	TimestampSent:        "TimestampSent",
	SaveModeEnabled:      "SaveModeEnabled",
	SetupComplete:        "SetupComplete",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// InSetup reports whether the device is past Connected but not yet set up
func (s State) InSetup() bool {
	return s > Connected && s < SetupComplete
}
