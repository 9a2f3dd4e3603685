package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/integration"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/models"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// Commander executes device commands
type Commander interface {
	SendCommand(ctx context.Context, addr nirs.Address, cmd nirs.Command) error
}

// NATSSubscriber accepts remote device commands on <prefix>.device.*.command
type NATSSubscriber struct {
	nc      integration.Conn
	cmd     Commander
	prefix  string
	timeout time.Duration
	subs    []*nats.Subscription
}

// NewNATSSubscriber creates NATS subscriber
func NewNATSSubscriber(nc integration.Conn, cmd Commander, prefix string) *NATSSubscriber {
	return &NATSSubscriber{
		nc:      nc,
		cmd:     cmd,
		prefix:  prefix,
		timeout: 10 * time.Second,
		subs:    make([]*nats.Subscription, 0),
	}
}

// Start starts subscriptions and blocks until ctx is done
func (s *NATSSubscriber) Start(ctx context.Context) error {
	subject := s.prefix + ".device.*.command"
	sub, err := s.nc.Subscribe(subject, s.handleCommand)
	if err != nil {
		return fmt.Errorf("subscribe device commands: %w", err)
	}
	s.subs = append(s.subs, sub)

	log.Info().
		Str("subject", subject).
		Msg("NATS subscriber started")

	<-ctx.Done()

	for _, sub := range s.subs {
		if sub != nil {
			sub.Unsubscribe()
		}
	}

	return ctx.Err()
}

// handleCommand runs one command and answers on the reply subject if any
func (s *NATSSubscriber) handleCommand(msg *nats.Msg) {
	log.Debug().
		Str("subject", msg.Subject).
		Int("size", len(msg.Data)).
		Msg("Received device command")

	reply := s.execute(msg)
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal command reply")
		return
	}
	if err := s.nc.Publish(msg.Reply, data); err != nil {
		log.Error().Err(err).Str("reply", msg.Reply).Msg("Failed to send command reply")
	}
}

func (s *NATSSubscriber) execute(msg *nats.Msg) models.CommandReply {
	var cmdMsg models.CommandMessage
	if err := json.Unmarshal(msg.Data, &cmdMsg); err != nil {
		log.Error().Err(err).Msg("Failed to unmarshal device command")
		return models.CommandReply{Error: "invalid command message"}
	}
	if cmdMsg.RequestID == uuid.Nil {
		cmdMsg.RequestID = uuid.New()
	}
	cmdMsg.ReceivedAt = time.Now()
	reply := models.CommandReply{RequestID: cmdMsg.RequestID}

	addr, err := integration.SubjectAddress(s.prefix, msg.Subject)
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	cmdMsg.Address = addr

	cmd, ok := nirs.ParseCommand(cmdMsg.Command)
	if !ok {
		reply.Error = fmt.Sprintf("unknown command %q", cmdMsg.Command)
		return reply
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.cmd.SendCommand(ctx, addr, cmd); err != nil {
		log.Warn().
			Err(err).
			Str("address", addr.String()).
			Str("command", cmdMsg.Command).
			Msg("Remote command failed")
		reply.Error = err.Error()
		return reply
	}

	log.Info().
		Str("address", addr.String()).
		Str("command", cmdMsg.Command).
		Str("requestId", cmdMsg.RequestID.String()).
		Msg("Remote command executed")
	reply.OK = true
	return reply
}
