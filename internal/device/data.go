package device

import (
	"time"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// StoredResult summarizes one STORED notification
type StoredResult struct {
	Packets []nirs.Packet
	// Started is set when a START_HISTORICAL frame opened a transfer
	Started bool
	// Completed is set when the transfer finished: END_HISTORICAL, or a zero count
	Completed bool
	Progress  Progress
	// Errors counts frames that could not be decoded
	Errors  int
	LastErr error
}

// HandlePreview decodes a PREVIEW notification against the live anchor and
// feeds the packets to the aggregator
func (d *Device) HandlePreview(data []byte, now time.Time) ([]nirs.Packet, error) {
	d.mu.Lock()
	packets, err := nirs.DecodePreview(d.frameContext(nirs.StreamPreview), data, &d.preview, now)
	agg := d.agg
	d.mu.Unlock()

	if agg != nil && len(packets) > 0 {
		agg.AddLive(packets...)
	}
	return packets, err
}

// HandleStored runs one STORED notification through the historical transfer
// protocol. Data frames after END_HISTORICAL are decoded but not counted.
func (d *Device) HandleStored(chunk []byte, now time.Time) StoredResult {
	var res StoredResult

	d.mu.Lock()
	fc := d.frameContext(nirs.StreamStored)
	size := fc.Family.FrameSize()
	if size == 0 {
		d.mu.Unlock()
		res.Errors = 1
		res.LastErr = nirs.ErrUnsupportedFamily
		return res
	}

	for _, frame := range nirs.SplitFrames(chunk, size) {
		sf := nirs.ClassifyFrame(fc.Family, frame)
		switch sf.Kind {
		case nirs.FrameStartHistorical:
			d.stored.Restart()
			d.progress = Progress{Total: sf.Total}
			res.Started = true
			if sf.Total == 0 {
				d.transferOpen = false
				d.streamingStored = false
				res.Completed = true
			} else {
				d.transferOpen = true
				d.streamingStored = true
			}

		case nirs.FrameStartTimestamp:
			d.stored.Seed(sf.Timestamp)

		case nirs.FrameEndHistorical:
			if d.transferOpen {
				d.transferOpen = false
				d.streamingStored = false
				res.Completed = true
			}

		default:
			packets, err := nirs.DecodeFrame(fc, sf.Data, &d.stored, now)
			if err != nil {
				res.Errors++
				res.LastErr = err
				continue
			}
			if d.transferOpen {
				d.progress.Received += uint32(len(packets))
			}
			res.Packets = append(res.Packets, packets...)
		}
	}
	res.Progress = d.progress
	agg := d.agg
	d.mu.Unlock()

	if agg != nil {
		for _, p := range res.Packets {
			agg.AddStored(p)
		}
	}
	return res
}

// Progress returns the historical transfer counters
func (d *Device) Progress() Progress {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.progress
}

// ResetAnchors forgets both timing contexts, e.g. after a reconnect
func (d *Device) ResetAnchors() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.preview.Reset()
	d.stored.Reset()
	d.transferOpen = false
}
