package nirs

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Record sizes
const (
	ArgusFrameSize    = 80
	AurelianFrameSize = 120
	AerieFrameSize    = 40

	aurelianSubSize = 18
)

// FrameContext carries what the decoder needs to know about the sending device
type FrameContext struct {
	Address         Address
	Family          Family
	ArgusSubVersion uint8
	Stream          Stream
}

// DecodePreview decodes every whole record contained in a notification.
// A buffer shorter than one record yields ErrFrameTooShort and no packets.
func DecodePreview(fc FrameContext, data []byte, anchor *Anchor, now time.Time) ([]Packet, error) {
	size := fc.Family.FrameSize()
	if size == 0 {
		return []Packet{unknownPacket(fc, data, now)}, nil
	}
	if len(data) < size {
		return nil, fmt.Errorf("%s preview: %w (%d < %d)", fc.Family, ErrFrameTooShort, len(data), size)
	}

	var packets []Packet
	for off := 0; off+size <= len(data); off += size {
		p, err := DecodeFrame(fc, data[off:off+size], anchor, now)
		if err != nil {
			return packets, err
		}
		packets = append(packets, p...)
	}
	return packets, nil
}

// DecodeFrame decodes exactly one record and stamps capture times from anchor.
func DecodeFrame(fc FrameContext, frame []byte, anchor *Anchor, now time.Time) ([]Packet, error) {
	size := fc.Family.FrameSize()
	if size == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFamily, fc.Family)
	}
	if len(frame) < size {
		return nil, fmt.Errorf("%s frame: %w (%d < %d)", fc.Family, ErrFrameTooShort, len(frame), size)
	}

	divisor := fc.Family.TimerDivisor(fc.ArgusSubVersion)

	switch fc.Family {
	case FamilyArgus:
		p := decodeArgus(frame)
		p.Address = fc.Address
		p.Stream = fc.Stream
		p.CaptureTime = anchor.Advance(p.Counter, p.TimerDelta, divisor, now)
		return []Packet{p}, nil

	case FamilyAurelian:
		subs := decodeAurelian(frame)
		capture := anchor.Advance(subs[0].Counter, subs[0].TimerDelta, divisor, now)
		step := TimerDuration(subs[0].TimerDelta/AurelianSubSamples, divisor)
		out := make([]Packet, 0, AurelianSubSamples)
		for i, p := range subs {
			p.Address = fc.Address
			p.Stream = fc.Stream
			p.CaptureTime = capture.Add(time.Duration(i) * step)
			out = append(out, p)
		}
		return out, nil

	case FamilyAerie:
		p := decodeAerie(frame)
		p.Address = fc.Address
		p.Stream = fc.Stream
		p.CaptureTime = anchor.Advance(p.Counter, p.TimerDelta, divisor, now)
		return []Packet{p}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFamily, fc.Family)
}

func unknownPacket(fc FrameContext, data []byte, now time.Time) *UnknownPacket {
	raw := make([]byte, len(data))
	copy(raw, data)
	return &UnknownPacket{
		Header: Header{Address: fc.Address, CaptureTime: now, Stream: fc.Stream},
		Source: fc.Family,
		Raw:    raw,
	}
}

func decodeArgus(b []byte) *ArgusPacket {
	p := &ArgusPacket{}
	for i := 0; i < ArgusChannels; i++ {
		p.Optical[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	p.HbO2 = Float16ToFloat32(binary.LittleEndian.Uint16(b[36:]))
	p.HHb = Float16ToFloat32(binary.LittleEndian.Uint16(b[38:]))
	p.THb = Float16ToFloat32(binary.LittleEndian.Uint16(b[40:]))
	p.StO2 = Float16ToFloat32(binary.LittleEndian.Uint16(b[42:]))
	p.AccelX = int16(binary.LittleEndian.Uint16(b[44:]))
	p.AccelY = int16(binary.LittleEndian.Uint16(b[46:]))
	p.AccelZ = int16(binary.LittleEndian.Uint16(b[48:]))
	p.HeartRate = b[50]
	p.SpO2 = b[51]
	p.Respiration = b[52]
	p.Temperature = float32(int16(binary.LittleEndian.Uint16(b[53:]))) / 100
	p.Event = b[55] != 0
	p.SessionID = b[56]
	p.Counter = binary.LittleEndian.Uint16(b[57:]) & CounterMask
	p.TimerDelta = binary.LittleEndian.Uint32(b[59:])
	return p
}

func decodeAurelian(b []byte) []*AurelianPacket {
	hdr := Header{
		Counter:    binary.LittleEndian.Uint16(b[90:]) & CounterMask,
		TimerDelta: binary.LittleEndian.Uint32(b[92:]),
		SessionID:  b[96],
		Event:      b[97] != 0,
	}
	accelX := int16(binary.LittleEndian.Uint16(b[98:]))
	accelY := int16(binary.LittleEndian.Uint16(b[100:]))
	accelZ := int16(binary.LittleEndian.Uint16(b[102:]))
	hbo2 := Float16ToFloat32(binary.LittleEndian.Uint16(b[104:]))
	hhb := Float16ToFloat32(binary.LittleEndian.Uint16(b[106:]))
	hr := b[108]

	subs := make([]*AurelianPacket, AurelianSubSamples)
	for i := range subs {
		s := b[i*aurelianSubSize:]
		subs[i] = &AurelianPacket{
			Header:     hdr,
			SubIndex:   uint8(i),
			Optical660: int24(s[0:]),
			Optical850: int24(s[3:]),
			Ambient:    int24(s[6:]),
			EEG:        [3]int32{int24(s[9:]), int24(s[12:]), int24(s[15:])},
			AccelX:     accelX,
			AccelY:     accelY,
			AccelZ:     accelZ,
			HbO2:       hbo2,
			HHb:        hhb,
			HeartRate:  hr,
		}
	}
	return subs
}

func decodeAerie(b []byte) *AeriePacket {
	p := &AeriePacket{}
	for i := 0; i < AerieChannels; i++ {
		p.Optical[i] = binary.BigEndian.Uint16(b[i*2:])
	}
	p.Counter = binary.LittleEndian.Uint16(b[20:]) & CounterMask
	p.TimerDelta = binary.LittleEndian.Uint32(b[22:])
	p.SessionID = b[26]
	p.AccelX = int16(binary.LittleEndian.Uint16(b[27:]))
	p.AccelY = int16(binary.LittleEndian.Uint16(b[29:]))
	p.AccelZ = int16(binary.LittleEndian.Uint16(b[31:]))
	p.HbO2 = Float16ToFloat32(binary.LittleEndian.Uint16(b[33:]))
	p.HHb = Float16ToFloat32(binary.LittleEndian.Uint16(b[35:]))
	p.HeartRate = b[37]
	p.Event = b[38] != 0
	return p
}

// int24 reads a little-endian 24-bit value and sign-extends it
func int24(b []byte) int32 {
	v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
	return (v << 8) >> 8
}

func putInt24(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

// EncodeArgus builds the wire form of p. Capture time and address are not on the wire.
func EncodeArgus(p *ArgusPacket) []byte {
	b := make([]byte, ArgusFrameSize)
	for i, v := range p.Optical {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	binary.LittleEndian.PutUint16(b[36:], Float32ToFloat16(p.HbO2))
	binary.LittleEndian.PutUint16(b[38:], Float32ToFloat16(p.HHb))
	binary.LittleEndian.PutUint16(b[40:], Float32ToFloat16(p.THb))
	binary.LittleEndian.PutUint16(b[42:], Float32ToFloat16(p.StO2))
	binary.LittleEndian.PutUint16(b[44:], uint16(p.AccelX))
	binary.LittleEndian.PutUint16(b[46:], uint16(p.AccelY))
	binary.LittleEndian.PutUint16(b[48:], uint16(p.AccelZ))
	b[50] = p.HeartRate
	b[51] = p.SpO2
	b[52] = p.Respiration
	binary.LittleEndian.PutUint16(b[53:], uint16(int16(math.Round(float64(p.Temperature)*100))))
	b[55] = boolByte(p.Event)
	b[56] = p.SessionID
	binary.LittleEndian.PutUint16(b[57:], p.Counter&CounterMask)
	binary.LittleEndian.PutUint32(b[59:], p.TimerDelta)
	return b
}

// EncodeAurelian packs five sub-samples into one record. Shared fields come from subs[0].
func EncodeAurelian(subs [AurelianSubSamples]*AurelianPacket) []byte {
	b := make([]byte, AurelianFrameSize)
	for i, s := range subs {
		o := b[i*aurelianSubSize:]
		putInt24(o[0:], s.Optical660)
		putInt24(o[3:], s.Optical850)
		putInt24(o[6:], s.Ambient)
		putInt24(o[9:], s.EEG[0])
		putInt24(o[12:], s.EEG[1])
		putInt24(o[15:], s.EEG[2])
	}
	h := subs[0]
	binary.LittleEndian.PutUint16(b[90:], h.Counter&CounterMask)
	binary.LittleEndian.PutUint32(b[92:], h.TimerDelta)
	b[96] = h.SessionID
	b[97] = boolByte(h.Event)
	binary.LittleEndian.PutUint16(b[98:], uint16(h.AccelX))
	binary.LittleEndian.PutUint16(b[100:], uint16(h.AccelY))
	binary.LittleEndian.PutUint16(b[102:], uint16(h.AccelZ))
	binary.LittleEndian.PutUint16(b[104:], Float32ToFloat16(h.HbO2))
	binary.LittleEndian.PutUint16(b[106:], Float32ToFloat16(h.HHb))
	b[108] = h.HeartRate
	return b
}

// EncodeAerie builds the wire form of p
func EncodeAerie(p *AeriePacket) []byte {
	b := make([]byte, AerieFrameSize)
	for i, v := range p.Optical {
		binary.BigEndian.PutUint16(b[i*2:], v)
	}
	binary.LittleEndian.PutUint16(b[20:], p.Counter&CounterMask)
	binary.LittleEndian.PutUint32(b[22:], p.TimerDelta)
	b[26] = p.SessionID
	binary.LittleEndian.PutUint16(b[27:], uint16(p.AccelX))
	binary.LittleEndian.PutUint16(b[29:], uint16(p.AccelY))
	binary.LittleEndian.PutUint16(b[31:], uint16(p.AccelZ))
	binary.LittleEndian.PutUint16(b[33:], Float32ToFloat16(p.HbO2))
	binary.LittleEndian.PutUint16(b[35:], Float32ToFloat16(p.HHb))
	b[37] = p.HeartRate
	b[38] = boolByte(p.Event)
	return b
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
