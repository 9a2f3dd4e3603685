package storage

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// TimestampLayout is the capture time format of the Timestamp column
const TimestampLayout = "2006-01-02 15:04:05.000"

var (
	argusColumns    = buildArgusColumns()
	aurelianColumns = []string{
		"Index", "Timestamp", "Session_ID", "Counter", "Sub_Index",
		"Optical_660", "Optical_850", "Ambient", "EEG_1", "EEG_2", "EEG_3",
		"Accel_X", "Accel_Y", "Accel_Z", "HbO2", "HHb", "Heart_Rate", "Event",
	}
	aerieColumns = buildAerieColumns()
)

func buildArgusColumns() []string {
	cols := []string{"Index", "Timestamp", "Session_ID", "Counter"}
	for d := 0; d < nirs.ArgusDistances; d++ {
		for b := 0; b < nirs.ArgusBands; b++ {
			cols = append(cols, fmt.Sprintf("%s_%dmm", nirs.ArgusBandNames[b], nirs.ArgusDistanceMM[d]))
		}
	}
	return append(cols,
		"HbO2", "HHb", "tHb", "StO2", "Accel_X", "Accel_Y", "Accel_Z",
		"Heart_Rate", "SpO2", "Respiration", "Temperature", "Event",
	)
}

func buildAerieColumns() []string {
	cols := []string{"Index", "Timestamp", "Session_ID", "Counter"}
	for d := 0; d < nirs.AerieDetectors; d++ {
		for b := 0; b < nirs.AerieBands; b++ {
			cols = append(cols, fmt.Sprintf("D%d_%s", d+1, nirs.AerieBandNames[b]))
		}
	}
	return append(cols, "Accel_X", "Accel_Y", "Accel_Z", "HbO2", "HHb", "Heart_Rate", "Event")
}

// Columns returns the header columns of a family, nil when the family has no layout
func Columns(family nirs.Family) []string {
	switch family {
	case nirs.FamilyArgus:
		return argusColumns
	case nirs.FamilyAurelian:
		return aurelianColumns
	case nirs.FamilyAerie:
		return aerieColumns
	default:
		return nil
	}
}

// packetRow renders one packet in its family's column order. ok is false for packets without a layout.
func packetRow(index int, p nirs.Packet) (row []string, ok bool) {
	h := p.Base()
	row = []string{
		strconv.Itoa(index),
		h.CaptureTime.Format(TimestampLayout),
		strconv.Itoa(int(h.SessionID)),
		strconv.Itoa(int(h.Counter)),
	}

	switch pkt := p.(type) {
	case *nirs.ArgusPacket:
		for _, v := range pkt.Optical {
			row = append(row, strconv.Itoa(int(v)))
		}
		row = append(row,
			formatFloat(pkt.HbO2), formatFloat(pkt.HHb), formatFloat(pkt.THb), formatFloat(pkt.StO2),
			strconv.Itoa(int(pkt.AccelX)), strconv.Itoa(int(pkt.AccelY)), strconv.Itoa(int(pkt.AccelZ)),
			strconv.Itoa(int(pkt.HeartRate)), strconv.Itoa(int(pkt.SpO2)), strconv.Itoa(int(pkt.Respiration)),
			formatFloat(pkt.Temperature), formatBool(h.Event),
		)
	case *nirs.AurelianPacket:
		row = append(row,
			strconv.Itoa(int(pkt.SubIndex)),
			strconv.Itoa(int(pkt.Optical660)), strconv.Itoa(int(pkt.Optical850)), strconv.Itoa(int(pkt.Ambient)),
			strconv.Itoa(int(pkt.EEG[0])), strconv.Itoa(int(pkt.EEG[1])), strconv.Itoa(int(pkt.EEG[2])),
			strconv.Itoa(int(pkt.AccelX)), strconv.Itoa(int(pkt.AccelY)), strconv.Itoa(int(pkt.AccelZ)),
			formatFloat(pkt.HbO2), formatFloat(pkt.HHb), strconv.Itoa(int(pkt.HeartRate)), formatBool(h.Event),
		)
	case *nirs.AeriePacket:
		for _, v := range pkt.Optical {
			row = append(row, strconv.Itoa(int(v)))
		}
		row = append(row,
			strconv.Itoa(int(pkt.AccelX)), strconv.Itoa(int(pkt.AccelY)), strconv.Itoa(int(pkt.AccelZ)),
			formatFloat(pkt.HbO2), formatFloat(pkt.HHb), strconv.Itoa(int(pkt.HeartRate)), formatBool(h.Event),
		)
	default:
		return nil, false
	}
	return row, true
}

func formatFloat(v float32) string {
	return strconv.FormatFloat(float64(v), 'f', -1, 32)
}

func formatBool(v bool) string {
	if v {
		return "TRUE"
	}
	return "FALSE"
}

func fileStamp(t time.Time) string {
	return t.Format("20060102_150405")
}
