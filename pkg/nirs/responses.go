package nirs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// Values recorded when a response never arrives before its fallback timer fires
const (
	BatteryNotReceived  = -1
	FirmwareNotReceived = "N/A"
	NVMNotReceived      = 0
)

// FirmwareInfo is the decoded FIRMWARE characteristic
type FirmwareInfo struct {
	Family     Family
	SubVersion uint8
	Version    string
}

// ParseFirmware decodes a firmware response: family code, protocol sub-version, ASCII version.
// An unrecognized family code returns the info with FamilyUnknown and an ErrUnknownFamily error.
func ParseFirmware(data []byte) (FirmwareInfo, error) {
	if len(data) < 2 {
		return FirmwareInfo{Version: FirmwareNotReceived}, fmt.Errorf("firmware: %w", ErrFrameTooShort)
	}

	info := FirmwareInfo{
		SubVersion: data[1],
		Version:    string(bytes.TrimRight(data[2:], "\x00 ")),
	}
	if info.Version == "" {
		info.Version = FirmwareNotReceived
	}

	family, err := FamilyFromCode(data[0])
	info.Family = family
	if family == FamilyArgus && info.SubVersion == 0 {
		info.SubVersion = 1
	}
	return info, err
}

// EncodeFirmware builds a firmware response
func EncodeFirmware(info FirmwareInfo) []byte {
	b := []byte{byte(info.Family), info.SubVersion}
	return append(b, info.Version...)
}

// ParseBattery decodes the one byte battery percentage
func ParseBattery(data []byte) (int, error) {
	if len(data) < 1 {
		return BatteryNotReceived, fmt.Errorf("battery: %w", ErrFrameTooShort)
	}
	pct := int(data[0])
	if pct > 100 {
		pct = 100
	}
	return pct, nil
}

// ParseNVM decodes the little-endian NVM version word
func ParseNVM(data []byte) (uint32, error) {
	if len(data) < 4 {
		return NVMNotReceived, fmt.Errorf("nvm: %w", ErrFrameTooShort)
	}
	return binary.LittleEndian.Uint32(data), nil
}

// EncodeNVM builds an NVM response
func EncodeNVM(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// TimestampCommand is the 9-byte send-timestamp command: tag then big-endian epoch milliseconds.
func TimestampCommand(t time.Time) []byte {
	b := make([]byte, 9)
	b[0] = byte(CmdSendTimestamp)
	binary.BigEndian.PutUint64(b[1:], uint64(t.UnixMilli()))
	return b
}

// ParseTimestampCommand is the inverse of TimestampCommand
func ParseTimestampCommand(b []byte) (time.Time, error) {
	if len(b) != 9 || b[0] != byte(CmdSendTimestamp) {
		return time.Time{}, fmt.Errorf("not a timestamp command")
	}
	return time.UnixMilli(int64(binary.BigEndian.Uint64(b[1:]))), nil
}
