package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// CommandRequest is the body of a device command sent over REST or NATS
type CommandRequest struct {
	Command string `json:"command" validate:"required,command"`
}

// CommandMessage is a command addressed to one device
type CommandMessage struct {
	RequestID  uuid.UUID    `json:"requestId"`
	Address    nirs.Address `json:"address"`
	Command    string       `json:"command"`
	ReceivedAt time.Time    `json:"receivedAt"`
}

// CommandReply answers a CommandMessage
type CommandReply struct {
	RequestID uuid.UUID `json:"requestId"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
}

// PacketMessage wraps a decoded packet for the bus and the stream endpoint
type PacketMessage struct {
	Address     nirs.Address `json:"address"`
	Family      nirs.Family  `json:"family"`
	Stream      nirs.Stream  `json:"stream"`
	CaptureTime time.Time    `json:"captureTime"`
	Packet      nirs.Packet  `json:"packet"`
}

// NewPacketMessage copies the routing fields out of p
func NewPacketMessage(p nirs.Packet) *PacketMessage {
	h := p.Base()
	return &PacketMessage{
		Address:     h.Address,
		Family:      p.Family(),
		Stream:      h.Stream,
		CaptureTime: h.CaptureTime,
		Packet:      p,
	}
}
