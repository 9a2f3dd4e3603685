package nirs

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func argusContext() FrameContext {
	return FrameContext{Address: 0xA1B2C3D4E5F6, Family: FamilyArgus, ArgusSubVersion: 2}
}

func TestDecodeArgusFieldOffsets(t *testing.T) {
	frame := make([]byte, ArgusFrameSize)
	frame[0], frame[1] = 0xD2, 0x04 // 1234
	binary.LittleEndian.PutUint16(frame[34:], uint16(0xFFFF))
	binary.LittleEndian.PutUint16(frame[36:], 0x3C00) // 1.0
	binary.LittleEndian.PutUint16(frame[38:], 0x4000) // 2.0
	binary.LittleEndian.PutUint16(frame[40:], 0x4200) // 3.0
	binary.LittleEndian.PutUint16(frame[42:], 0x5640) // 100.0
	binary.LittleEndian.PutUint16(frame[44:], uint16(0xFF9C))
	binary.LittleEndian.PutUint16(frame[46:], 200)
	binary.LittleEndian.PutUint16(frame[48:], 1000)
	frame[50] = 72
	frame[51] = 98
	frame[52] = 14
	binary.LittleEndian.PutUint16(frame[53:], 3650)
	frame[55] = 1
	frame[56] = 7
	binary.LittleEndian.PutUint16(frame[57:], 0x8000|42)
	binary.LittleEndian.PutUint32(frame[59:], 32768)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var anchor Anchor
	packets, err := DecodePreview(argusContext(), frame, &anchor, now)
	require.NoError(t, err)
	require.Len(t, packets, 1)

	p, ok := packets[0].(*ArgusPacket)
	require.True(t, ok)
	assert.Equal(t, int16(1234), p.MM660At8())
	assert.Equal(t, int16(-1), p.Channel(2, 5))
	assert.Equal(t, float32(1), p.HbO2)
	assert.Equal(t, float32(2), p.HHb)
	assert.Equal(t, float32(3), p.THb)
	assert.Equal(t, float32(100), p.StO2)
	assert.Equal(t, int16(-100), p.AccelX)
	assert.Equal(t, int16(200), p.AccelY)
	assert.Equal(t, int16(1000), p.AccelZ)
	assert.Equal(t, uint8(72), p.HeartRate)
	assert.Equal(t, uint8(98), p.SpO2)
	assert.Equal(t, uint8(14), p.Respiration)
	assert.InDelta(t, 36.5, p.Temperature, 0.001)
	assert.True(t, p.Event)
	assert.Equal(t, uint8(7), p.SessionID)
	assert.Equal(t, uint16(42), p.Counter, "counter is masked to 15 bits")
	assert.Equal(t, uint32(32768), p.TimerDelta)
	assert.Equal(t, now, p.CaptureTime)
	assert.Equal(t, Address(0xA1B2C3D4E5F6), p.Address)
	assert.Equal(t, StreamPreview, p.Stream)
}

func TestArgusEncodeDecodeAgree(t *testing.T) {
	in := &ArgusPacket{HbO2: 12.5, HHb: -3.25, THb: 9.25, StO2: 71, AccelX: -5, HeartRate: 61, Temperature: 33.21}
	in.Optical[7] = -32000
	in.Counter = 300
	in.TimerDelta = 4096

	var anchor Anchor
	out, err := DecodeFrame(argusContext(), EncodeArgus(in), &anchor, time.Now())
	require.NoError(t, err)
	p := out[0].(*ArgusPacket)
	assert.Equal(t, in.Optical, p.Optical)
	assert.Equal(t, in.HbO2, p.HbO2)
	assert.Equal(t, in.HHb, p.HHb)
	assert.Equal(t, in.StO2, p.StO2)
	assert.InDelta(t, in.Temperature, p.Temperature, 0.001)
	assert.Equal(t, in.Counter, p.Counter)
}

func TestDecodeAurelianSubSamples(t *testing.T) {
	var subs [AurelianSubSamples]*AurelianPacket
	for i := range subs {
		subs[i] = &AurelianPacket{
			Optical660: int32(1000 * (i + 1)),
			Optical850: -int32(i + 1),
			Ambient:    0x7FFFFF,
			EEG:        [3]int32{-0x800000, int32(i), -1},
		}
	}
	subs[0].Counter = 11
	subs[0].TimerDelta = 32768
	subs[0].SessionID = 3
	subs[0].HbO2 = 0.5
	subs[0].HeartRate = 80

	frame := EncodeAurelian(subs)
	require.Len(t, frame, AurelianFrameSize)

	fc := FrameContext{Address: 1, Family: FamilyAurelian}
	var anchor Anchor
	now := time.Unix(1700000000, 0)

	// prime the anchor so the next frame chains off it
	_, err := DecodeFrame(fc, frame, &anchor, now)
	require.NoError(t, err)

	binary.LittleEndian.PutUint16(frame[90:], 12)
	packets, err := DecodeFrame(fc, frame, &anchor, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, packets, AurelianSubSamples)

	base := now.Add(time.Second)
	for i, pk := range packets {
		p := pk.(*AurelianPacket)
		assert.Equal(t, uint8(i), p.SubIndex)
		assert.Equal(t, int32(1000*(i+1)), p.Optical660)
		assert.Equal(t, -int32(i+1), p.Optical850)
		assert.Equal(t, int32(0x7FFFFF), p.Ambient)
		assert.Equal(t, [3]int32{-0x800000, int32(i), -1}, p.EEG)
		assert.Equal(t, uint8(3), p.SessionID)
		assert.Equal(t, float32(0.5), p.HbO2)
		assert.Equal(t, uint8(80), p.HeartRate)
		want := base.Add(time.Duration(i) * TimerDuration(32768/5, 32768))
		assert.Equal(t, want, p.CaptureTime)
	}
}

func TestDecodeAerieMixedEndianness(t *testing.T) {
	in := &AeriePacket{HbO2: 4, HHb: 1.5, HeartRate: 55, AccelZ: -1}
	for i := range in.Optical {
		in.Optical[i] = uint16(0x0100*i + 1)
	}
	in.Counter = 9
	in.SessionID = 2
	in.Event = true

	frame := EncodeAerie(in)
	assert.Equal(t, []byte{0x00, 0x01, 0x01, 0x01}, frame[0:4], "optical channels are big-endian")
	assert.Equal(t, []byte{0x09, 0x00}, frame[20:22], "counter is little-endian")

	var anchor Anchor
	packets, err := DecodePreview(FrameContext{Family: FamilyAerie}, frame, &anchor, time.Now())
	require.NoError(t, err)
	p := packets[0].(*AeriePacket)
	assert.Equal(t, in.Optical, p.Optical)
	assert.Equal(t, in.AccelZ, p.AccelZ)
	assert.Equal(t, in.HHb, p.HHb)
	assert.True(t, p.Event)
}

func TestDecodePreviewFailsClosed(t *testing.T) {
	tests := []struct {
		family Family
		size   int
	}{
		{FamilyArgus, ArgusFrameSize - 1},
		{FamilyAurelian, AurelianFrameSize - 1},
		{FamilyAerie, AerieFrameSize - 1},
		{FamilyArgus, 0},
	}
	for _, tt := range tests {
		t.Run(tt.family.String(), func(t *testing.T) {
			var anchor Anchor
			packets, err := DecodePreview(FrameContext{Family: tt.family}, make([]byte, tt.size), &anchor, time.Now())
			assert.Empty(t, packets)
			assert.True(t, errors.Is(err, ErrFrameTooShort))
			_, valid := anchor.Instant()
			assert.False(t, valid, "anchor untouched")
		})
	}
}

func TestDecodePreviewMultipleRecords(t *testing.T) {
	a := &AeriePacket{}
	a.Counter = 1
	b := &AeriePacket{}
	b.Counter = 2
	buf := append(EncodeAerie(a), EncodeAerie(b)...)
	buf = append(buf, 0xEE) // trailing partial record is ignored

	var anchor Anchor
	packets, err := DecodePreview(FrameContext{Family: FamilyAerie}, buf, &anchor, time.Now())
	require.NoError(t, err)
	require.Len(t, packets, 2)
	assert.Equal(t, uint16(2), packets[1].Base().Counter)
}

func TestDecodePreviewUnknownFamily(t *testing.T) {
	var anchor Anchor
	packets, err := DecodePreview(FrameContext{Family: FamilyEP}, []byte{1, 2, 3}, &anchor, time.Now())
	require.NoError(t, err)
	require.Len(t, packets, 1)
	p, ok := packets[0].(*UnknownPacket)
	require.True(t, ok)
	assert.Equal(t, FamilyEP, p.Family())
	assert.Equal(t, []byte{1, 2, 3}, p.Raw)

	_, err = DecodeFrame(FrameContext{Family: FamilyEP}, []byte{1}, &anchor, time.Now())
	assert.ErrorIs(t, err, ErrUnsupportedFamily)
}

func TestInt24SignExtension(t *testing.T) {
	assert.Equal(t, int32(-1), int24([]byte{0xFF, 0xFF, 0xFF}))
	assert.Equal(t, int32(-8388608), int24([]byte{0x00, 0x00, 0x80}))
	assert.Equal(t, int32(8388607), int24([]byte{0xFF, 0xFF, 0x7F}))
	assert.Equal(t, int32(0x030201), int24([]byte{0x01, 0x02, 0x03}))
}
