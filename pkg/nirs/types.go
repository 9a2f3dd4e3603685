package nirs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Address is a 48-bit BLE hardware address held in the low bytes of a uint64
type Address uint64

// ParseAddress parses "AA:BB:CC:DD:EE:FF" (or the same with '_' or '-' separators)
func ParseAddress(s string) (Address, error) {
	clean := strings.NewReplacer(":", "", "_", "", "-", "").Replace(s)
	if len(clean) != 12 {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	v, err := strconv.ParseUint(clean, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return Address(v), nil
}

// String returns the colon separated upper-case form
func (a Address) String() string {
	var b strings.Builder
	for i := 5; i >= 0; i-- {
		fmt.Fprintf(&b, "%02X", byte(uint64(a)>>(uint(i)*8)))
		if i > 0 {
			b.WriteByte(':')
		}
	}
	return b.String()
}

// MarshalJSON implements json.Marshaler
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Family identifies the hardware product line
type Family uint8

const (
	FamilyUnknown Family = iota
	FamilyAerie
	FamilyEP
	FamilyArgus
	FamilyAurelian
	FamilyAeolus
	FamilyAeolusICG
)

var familyNames = map[Family]string{
	FamilyUnknown:   "Unknown",
	FamilyAerie:     "Aerie",
	FamilyEP:        "EP",
	FamilyArgus:     "Argus",
	FamilyAurelian:  "Aurelian",
	FamilyAeolus:    "Aeolus",
	FamilyAeolusICG: "AeolusICG",
}

func (f Family) String() string {
	if name, ok := familyNames[f]; ok {
		return name
	}
	return "Unknown"
}

// MarshalJSON implements json.Marshaler
func (f Family) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (f *Family) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, err := ParseFamily(name)
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// ParseFamily is the inverse of Family.String, case-insensitive
func ParseFamily(name string) (Family, error) {
	for f, n := range familyNames {
		if strings.EqualFold(n, name) {
			return f, nil
		}
	}
	return FamilyUnknown, fmt.Errorf("%w: %q", ErrUnknownFamily, name)
}

// FamilyFromCode maps the family byte of a firmware response
func FamilyFromCode(code byte) (Family, error) {
	if code >= byte(FamilyAerie) && code <= byte(FamilyAeolusICG) {
		return Family(code), nil
	}
	return FamilyUnknown, fmt.Errorf("%w: 0x%02x", ErrUnknownFamily, code)
}

// FamilyFromName guesses the family from an advertised device name
func FamilyFromName(name string) Family {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "argus"):
		return FamilyArgus
	case strings.HasPrefix(n, "aurelian"):
		return FamilyAurelian
	case strings.HasPrefix(n, "aerie"):
		return FamilyAerie
	case strings.HasPrefix(n, "aeolusicg"), strings.HasPrefix(n, "aeolus-icg"):
		return FamilyAeolusICG
	case strings.HasPrefix(n, "aeolus"):
		return FamilyAeolus
	case strings.HasPrefix(n, "ep"):
		return FamilyEP
	}
	return FamilyUnknown
}

// FrameSize returns the fixed record size of a family, 0 if it has no decoder
func (f Family) FrameSize() int {
	switch f {
	case FamilyArgus:
		return ArgusFrameSize
	case FamilyAurelian:
		return AurelianFrameSize
	case FamilyAerie:
		return AerieFrameSize
	}
	return 0
}

// Fanout is the number of logical graph channels used to size aggregation buffers
func (f Family) Fanout() int {
	if f == FamilyArgus {
		return 6
	}
	return 5
}

// TimerDivisor converts device timer ticks into seconds
func (f Family) TimerDivisor(argusSubVersion uint8) float64 {
	switch f {
	case FamilyArgus:
		if argusSubVersion >= 2 {
			return 32768
		}
		return 125000
	case FamilyAurelian:
		return 32768
	}
	return 125000
}

// GATT characteristic UUIDs
const (
	uuidSuffix = "-4e53-4952-9a0b-5d3e2f1c0b7a"

	ServiceUUID       = "c5a20001" + uuidSuffix
	CommandUUID       = "c5a20002" + uuidSuffix
	ConfigurationUUID = "c5a20003" + uuidSuffix
	PreviewUUID       = "c5a20004" + uuidSuffix
	StoredUUID        = "c5a20005" + uuidSuffix
	BatteryUUID       = "c5a20006" + uuidSuffix
	FirmwareUUID      = "c5a20007" + uuidSuffix
	NVMUUID           = "c5a20008" + uuidSuffix
	StatusUUID        = "c5a20009" + uuidSuffix
)

// NotifyCharacteristics are subscribed one at a time during setup, in this order
var NotifyCharacteristics = []string{
	PreviewUUID,
	StoredUUID,
	BatteryUUID,
	FirmwareUUID,
	NVMUUID,
	StatusUUID,
}

// Command is a single byte written to the COMMAND characteristic
type Command byte

const (
	CmdStartBlink     Command = 0x00
	CmdStopBlink      Command = 0x01
	CmdStartSampling  Command = 0x02
	CmdStopSampling   Command = 0x03
	CmdSendStoredData Command = 0x04
	CmdRequestFW      Command = 0x06
	CmdMarkEvent      Command = 0x08
	CmdClearFlash     Command = 0x09
	CmdRequestBattery Command = 0x0B
	CmdRequestNVM     Command = 0x0F
	CmdSendTimestamp  Command = 0x10
)

var commandNames = map[string]Command{
	"start_blink":    CmdStartBlink,
	"stop_blink":     CmdStopBlink,
	"start_sampling": CmdStartSampling,
	"stop_sampling":  CmdStopSampling,
	"send_stored":    CmdSendStoredData,
	"request_fw":     CmdRequestFW,
	"mark_event":     CmdMarkEvent,
	"clear_flash":    CmdClearFlash,
	"request_bat":    CmdRequestBattery,
	"request_nvm":    CmdRequestNVM,
}

// ParseCommand maps a command name used by the API and message bus
func ParseCommand(name string) (Command, bool) {
	c, ok := commandNames[strings.ToLower(name)]
	return c, ok
}

// Bytes returns the COMMAND characteristic payload
func (c Command) Bytes() []byte {
	return []byte{byte(c)}
}

// Configuration characteristic payloads
var (
	PreviewModeOn  = []byte{0x05, 0x01}
	PreviewModeOff = []byte{0x05, 0x00}
	SaveModeOn     = []byte{0x09, 0x01}
	SaveModeOff    = []byte{0x09, 0x00}
)
