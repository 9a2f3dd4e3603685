// Package integration bridges the connection core to NATS and the store.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/metrics"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/models"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// Conn is the part of *nats.Conn the integration services use
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// EventSource is the fan-out side of the connection manager
type EventSource interface {
	Subscribe() <-chan *models.DeviceEvent
	Unsubscribe(ch <-chan *models.DeviceEvent)
	Packets() <-chan nirs.Packet
	UnsubscribePackets(ch <-chan nirs.Packet)
}

// DeviceSubject returns <prefix>.device.<addr>.<kind>. The address token is
// the bare 12-digit hex form so it never contains a subject separator.
func DeviceSubject(prefix string, addr nirs.Address, kind string) string {
	return fmt.Sprintf("%s.device.%012X.%s", prefix, uint64(addr), kind)
}

// SubjectAddress extracts the address token of a device subject
func SubjectAddress(prefix, subject string) (nirs.Address, error) {
	rest := strings.TrimPrefix(subject, prefix+".device.")
	if rest == subject {
		return 0, fmt.Errorf("subject %q outside %s.device", subject, prefix)
	}
	token, _, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, fmt.Errorf("subject %q has no kind", subject)
	}
	return nirs.ParseAddress(token)
}

// ForwarderService publishes device events, and optionally packets, to NATS
type ForwarderService struct {
	nc             Conn
	source         EventSource
	prefix         string
	publishPackets bool
	metrics        *metrics.Metrics
}

// NewForwarderService creates a forwarder. m may be nil.
func NewForwarderService(nc Conn, source EventSource, prefix string, publishPackets bool, m *metrics.Metrics) *ForwarderService {
	return &ForwarderService{
		nc:             nc,
		source:         source,
		prefix:         prefix,
		publishPackets: publishPackets,
		metrics:        m,
	}
}

// Start forwards until ctx is done
func (s *ForwarderService) Start(ctx context.Context) error {
	events := s.source.Subscribe()
	defer s.source.Unsubscribe(events)

	var packets <-chan nirs.Packet
	if s.publishPackets {
		packets = s.source.Packets()
		defer s.source.UnsubscribePackets(packets)
	}

	log.Info().
		Str("prefix", s.prefix).
		Bool("packets", s.publishPackets).
		Msg("NATS forwarder started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.forwardEvent(ev)
		case p, ok := <-packets:
			if !ok {
				packets = nil
				continue
			}
			s.forwardPacket(p)
		}
	}
}

func (s *ForwarderService) forwardEvent(ev *models.DeviceEvent) {
	kind := strings.ToLower(string(ev.Type))
	s.publish(DeviceSubject(s.prefix, ev.Address, kind), "event", ev)
}

func (s *ForwarderService) forwardPacket(p nirs.Packet) {
	msg := models.NewPacketMessage(p)
	s.publish(DeviceSubject(s.prefix, msg.Address, "packet."+msg.Stream.String()), "packet", msg)
}

func (s *ForwarderService) publish(subject, kind string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to marshal message")
		return
	}
	if err := s.nc.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to publish to NATS")
		return
	}
	if s.metrics != nil {
		s.metrics.MessagesPublished.WithLabelValues(kind).Inc()
	}
}
