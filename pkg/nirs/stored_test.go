package nirs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitFramesPadsShortTail(t *testing.T) {
	chunk := make([]byte, 2*AerieFrameSize+3)
	for i := range chunk {
		chunk[i] = 0xAB
	}
	frames := SplitFrames(chunk, AerieFrameSize)
	require.Len(t, frames, 3)
	for _, f := range frames {
		assert.Len(t, f, AerieFrameSize)
	}
	assert.Equal(t, []byte{0xAB, 0xAB, 0xAB, 0x00}, frames[2][:4])
	assert.Nil(t, SplitFrames(nil, AerieFrameSize))
	assert.Nil(t, SplitFrames(chunk, 0))
}

func TestClassifyFrame(t *testing.T) {
	ts := time.UnixMilli(1712345678901)

	tests := []struct {
		name   string
		family Family
		frame  []byte
		want   StoredFrame
	}{
		{"start argus", FamilyArgus, EncodeStartHistorical(10, ArgusFrameSize), StoredFrame{Kind: FrameStartHistorical, Total: 10}},
		{"start aurelian x5", FamilyAurelian, EncodeStartHistorical(10, AurelianFrameSize), StoredFrame{Kind: FrameStartHistorical, Total: 50}},
		{"start aerie", FamilyAerie, EncodeStartHistorical(3, AerieFrameSize), StoredFrame{Kind: FrameStartHistorical, Total: 3}},
		{"timestamp", FamilyArgus, EncodeStartTimestamp(ts, ArgusFrameSize), StoredFrame{Kind: FrameStartTimestamp, Timestamp: ts}},
		{"end", FamilyAerie, EncodeEndHistorical(AerieFrameSize), StoredFrame{Kind: FrameEndHistorical}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyFrame(tt.family, tt.frame)
			assert.Equal(t, tt.want.Kind, got.Kind)
			assert.Equal(t, tt.want.Total, got.Total)
			assert.True(t, tt.want.Timestamp.Equal(got.Timestamp))
		})
	}
}

func TestClassifyFrameData(t *testing.T) {
	frame := EncodeArgus(&ArgusPacket{})
	got := ClassifyFrame(FamilyArgus, frame)
	assert.Equal(t, FrameData, got.Kind)
	assert.Equal(t, frame, got.Data)

	// seven 0xFF then an unknown marker is still data
	odd := make([]byte, ArgusFrameSize)
	copy(odd, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x07})
	assert.Equal(t, FrameData, ClassifyFrame(FamilyArgus, odd).Kind)
	assert.Equal(t, "data", FrameData.String())
}
