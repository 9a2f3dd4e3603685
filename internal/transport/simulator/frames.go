package simulator

import (
	"math"
	"time"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// nextFrame builds the next preview record and advances the device counter
func (d *device) nextFrame() []byte {
	d.counter = (d.counter + 1) & nirs.CounterMask
	event := d.markEvent
	d.markEvent = false
	return d.encode(d.counter, event)
}

// storedFrames is the full historical transfer: timestamp seed, count, records, end
func (d *device) storedFrames() [][]byte {
	size := d.spec.Family.FrameSize()
	if size == 0 {
		return nil
	}
	n := d.spec.StoredRecords
	start := d.clock.Add(-time.Duration(n) * d.spec.PreviewInterval)

	frames := make([][]byte, 0, n+3)
	frames = append(frames, nirs.EncodeStartTimestamp(start, size))
	frames = append(frames, nirs.EncodeStartHistorical(uint32(n), size))
	for i := 0; i < n; i++ {
		frames = append(frames, d.encode(uint16(i)&nirs.CounterMask, false))
	}
	return append(frames, nirs.EncodeEndHistorical(size))
}

func (d *device) timerDelta() uint32 {
	divisor := d.spec.Family.TimerDivisor(d.spec.SubVersion)
	return uint32(d.spec.PreviewInterval.Seconds() * divisor)
}

func (d *device) encode(counter uint16, event bool) []byte {
	phase := float64(counter) / 25
	wave := func(base, amp float64) float64 { return base + amp*math.Sin(phase) }

	header := nirs.Header{
		SessionID:  d.session,
		Counter:    counter,
		TimerDelta: d.timerDelta(),
		Event:      event,
	}

	switch d.spec.Family {
	case nirs.FamilyArgus:
		p := &nirs.ArgusPacket{
			Header:      header,
			HbO2:        float32(wave(45, 2)),
			HHb:         float32(wave(25, 1)),
			StO2:        float32(wave(64, 3)),
			AccelX:      int16(wave(0, 30)),
			AccelZ:      1000,
			HeartRate:   uint8(wave(68, 4)),
			SpO2:        97,
			Respiration: 14,
			Temperature: 33.5,
		}
		p.THb = p.HbO2 + p.HHb
		for i := range p.Optical {
			p.Optical[i] = int16(wave(float64(2000-i*80), 150))
		}
		return nirs.EncodeArgus(p)

	case nirs.FamilyAurelian:
		var subs [nirs.AurelianSubSamples]*nirs.AurelianPacket
		for k := range subs {
			s := float64(k) / 5
			subs[k] = &nirs.AurelianPacket{
				Header:     header,
				Optical660: int32(wave(120000, 4000) + s*100),
				Optical850: int32(wave(150000, 5000) + s*100),
				Ambient:    int32(wave(3000, 50)),
				EEG:        [3]int32{int32(wave(0, 800)), int32(wave(0, 600)), int32(wave(0, 400))},
				AccelZ:     1000,
				HbO2:       float32(wave(45, 2)),
				HHb:        float32(wave(25, 1)),
				HeartRate:  uint8(wave(70, 3)),
			}
		}
		return nirs.EncodeAurelian(subs)

	case nirs.FamilyAerie:
		p := &nirs.AeriePacket{
			Header:    header,
			AccelZ:    1000,
			HbO2:      float32(wave(45, 2)),
			HHb:       float32(wave(25, 1)),
			HeartRate: uint8(wave(66, 4)),
		}
		for i := range p.Optical {
			p.Optical[i] = uint16(wave(float64(30000-i*1500), 800))
		}
		return nirs.EncodeAerie(p)
	}
	return nil
}
