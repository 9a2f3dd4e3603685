package nirs

import (
	"fmt"
	"time"
)

// Stream tells which characteristic a packet arrived on
type Stream uint8

const (
	StreamPreview Stream = iota
	StreamStored
)

func (s Stream) String() string {
	if s == StreamStored {
		return "stored"
	}
	return "preview"
}

// MarshalText implements encoding.TextMarshaler
func (s Stream) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Stream) UnmarshalText(text []byte) error {
	switch string(text) {
	case "preview":
		*s = StreamPreview
	case "stored":
		*s = StreamStored
	default:
		return fmt.Errorf("unknown stream %q", text)
	}
	return nil
}

// Header holds the fields every family carries
type Header struct {
	Address     Address   `json:"address"`
	CaptureTime time.Time `json:"captureTime"`
	SessionID   uint8     `json:"sessionId"`
	Counter     uint16    `json:"counter"`
	TimerDelta  uint32    `json:"timerDelta"`
	Event       bool      `json:"event"`
	Stream      Stream    `json:"stream"`
}

// Packet is one decoded sample. The set of implementations is closed:
// *ArgusPacket, *AurelianPacket, *AeriePacket and *UnknownPacket.
type Packet interface {
	Family() Family
	Base() *Header
	isPacket()
}

// Argus optical layout: 3 detector distances x 6 bands, distance-major
const (
	ArgusDistances = 3
	ArgusBands     = 6
	ArgusChannels  = ArgusDistances * ArgusBands
)

var (
	ArgusDistanceMM = [ArgusDistances]int{8, 30, 35}
	ArgusBandNames  = [ArgusBands]string{"660", "735", "810", "850", "890", "Amb"}
)

// ArgusPacket is one 80-byte Argus record
type ArgusPacket struct {
	Header
	Optical     [ArgusChannels]int16 `json:"optical"`
	HbO2        float32              `json:"hbo2"`
	HHb         float32              `json:"hhb"`
	THb         float32              `json:"thb"`
	StO2        float32              `json:"sto2"`
	AccelX      int16                `json:"accelX"`
	AccelY      int16                `json:"accelY"`
	AccelZ      int16                `json:"accelZ"`
	HeartRate   uint8                `json:"heartRate"`
	SpO2        uint8                `json:"spo2"`
	Respiration uint8                `json:"respiration"`
	// Temperature in degrees Celsius
	Temperature float32 `json:"temperature"`
}

// Channel returns the intensity for a band index at a distance index
func (p *ArgusPacket) Channel(distance, band int) int16 {
	return p.Optical[distance*ArgusBands+band]
}

// MM660At8 is the 660 nm intensity at the 8 mm detector
func (p *ArgusPacket) MM660At8() int16 {
	return p.Optical[0]
}

func (p *ArgusPacket) Family() Family { return FamilyArgus }
func (p *ArgusPacket) Base() *Header  { return &p.Header }
func (p *ArgusPacket) isPacket()      {}

// AurelianSubSamples is the number of logical samples packed in one frame
const AurelianSubSamples = 5

// AurelianPacket is one of the five sub-samples of a 120-byte Aurelian record
type AurelianPacket struct {
	Header
	SubIndex   uint8    `json:"subIndex"`
	Optical660 int32    `json:"optical660"`
	Optical850 int32    `json:"optical850"`
	Ambient    int32    `json:"ambient"`
	EEG        [3]int32 `json:"eeg"`
	AccelX     int16    `json:"accelX"`
	AccelY     int16    `json:"accelY"`
	AccelZ     int16    `json:"accelZ"`
	HbO2       float32  `json:"hbo2"`
	HHb        float32  `json:"hhb"`
	HeartRate  uint8    `json:"heartRate"`
}

func (p *AurelianPacket) Family() Family { return FamilyAurelian }
func (p *AurelianPacket) Base() *Header  { return &p.Header }
func (p *AurelianPacket) isPacket()      {}

// Aerie optical layout: 2 detectors x 5 bands, detector-major
const (
	AerieDetectors = 2
	AerieBands     = 5
	AerieChannels  = AerieDetectors * AerieBands
)

var AerieBandNames = [AerieBands]string{"660", "735", "810", "850", "Amb"}

// AeriePacket is one 40-byte Aerie record
type AeriePacket struct {
	Header
	Optical   [AerieChannels]uint16 `json:"optical"`
	AccelX    int16                 `json:"accelX"`
	AccelY    int16                 `json:"accelY"`
	AccelZ    int16                 `json:"accelZ"`
	HbO2      float32               `json:"hbo2"`
	HHb       float32               `json:"hhb"`
	HeartRate uint8                 `json:"heartRate"`
}

func (p *AeriePacket) Family() Family { return FamilyAerie }
func (p *AeriePacket) Base() *Header  { return &p.Header }
func (p *AeriePacket) isPacket()      {}

// UnknownPacket keeps the raw bytes of a record from a family without a layout
type UnknownPacket struct {
	Header
	Source Family `json:"source"`
	Raw    []byte `json:"raw"`
}

func (p *UnknownPacket) Family() Family { return p.Source }
func (p *UnknownPacket) Base() *Header  { return &p.Header }
func (p *UnknownPacket) isPacket()      {}

// Describe is a short human readable label for logs
func Describe(p Packet) string {
	h := p.Base()
	return fmt.Sprintf("%s %s #%d @%s", p.Family(), h.Stream, h.Counter, h.CaptureTime.Format(time.RFC3339Nano))
}
