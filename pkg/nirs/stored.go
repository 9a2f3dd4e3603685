package nirs

import (
	"bytes"
	"encoding/binary"
	"time"
)

// Sentinel prefixes of control frames on the STORED characteristic
var (
	SentinelStartHistorical = [8]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}
	SentinelStartTimestamp  = [8]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x02}
	SentinelEndHistorical   = [8]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x03}
)

// FrameKind classifies a frame of the stored stream
type FrameKind uint8

const (
	FrameData FrameKind = iota
	FrameStartHistorical
	FrameStartTimestamp
	FrameEndHistorical
)

func (k FrameKind) String() string {
	switch k {
	case FrameStartHistorical:
		return "start_historical"
	case FrameStartTimestamp:
		return "start_timestamp"
	case FrameEndHistorical:
		return "end_historical"
	}
	return "data"
}

// StoredFrame is one classified frame of a historical transfer
type StoredFrame struct {
	Kind FrameKind
	// Total is the number of packets the transfer will produce (START_HISTORICAL)
	Total uint32
	// Timestamp is the anchor seed (START_TIMESTAMP)
	Timestamp time.Time
	// Data is the raw record (FrameData)
	Data []byte
}

// SplitFrames cuts a transport chunk into records of size bytes, zero-padding a short final one.
func SplitFrames(chunk []byte, size int) [][]byte {
	if size <= 0 || len(chunk) == 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(chunk)+size-1)/size)
	for off := 0; off < len(chunk); off += size {
		frame := make([]byte, size)
		copy(frame, chunk[off:])
		frames = append(frames, frame)
	}
	return frames
}

// ClassifyFrame recognizes the sentinel control frames; anything else is data.
func ClassifyFrame(family Family, frame []byte) StoredFrame {
	if len(frame) < len(SentinelStartHistorical) {
		return StoredFrame{Kind: FrameData, Data: frame}
	}
	head := frame[:8]

	switch {
	case bytes.Equal(head, SentinelStartHistorical[:]):
		var count uint32
		if len(frame) >= 12 {
			count = binary.LittleEndian.Uint32(frame[8:])
		}
		return StoredFrame{Kind: FrameStartHistorical, Total: count * storedMultiplier(family)}

	case bytes.Equal(head, SentinelStartTimestamp[:]):
		var ms uint64
		if len(frame) >= 16 {
			ms = binary.LittleEndian.Uint64(frame[8:])
		}
		return StoredFrame{Kind: FrameStartTimestamp, Timestamp: time.UnixMilli(int64(ms))}

	case bytes.Equal(head, SentinelEndHistorical[:]):
		return StoredFrame{Kind: FrameEndHistorical}
	}

	return StoredFrame{Kind: FrameData, Data: frame}
}

// storedMultiplier converts announced records to decoded packets.
// Argus stays at 1 for both sub-versions.
func storedMultiplier(family Family) uint32 {
	if family == FamilyAurelian {
		return AurelianSubSamples
	}
	return 1
}

// EncodeStartHistorical builds a START_HISTORICAL frame padded to size
func EncodeStartHistorical(records uint32, size int) []byte {
	b := make([]byte, size)
	copy(b, SentinelStartHistorical[:])
	binary.LittleEndian.PutUint32(b[8:], records)
	return b
}

// EncodeStartTimestamp builds a START_TIMESTAMP frame padded to size
func EncodeStartTimestamp(t time.Time, size int) []byte {
	b := make([]byte, size)
	copy(b, SentinelStartTimestamp[:])
	binary.LittleEndian.PutUint64(b[8:], uint64(t.UnixMilli()))
	return b
}

// EncodeEndHistorical builds an END_HISTORICAL frame padded to size
func EncodeEndHistorical(size int) []byte {
	b := make([]byte, size)
	copy(b, SentinelEndHistorical[:])
	return b
}
