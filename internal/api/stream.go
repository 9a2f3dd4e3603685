package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/models"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// StreamMessage is one WebSocket frame of /stream
type StreamMessage struct {
	Type   string                `json:"type"` // event | packet
	Event  *models.DeviceEvent   `json:"event,omitempty"`
	Packet *models.PacketMessage `json:"packet,omitempty"`
}

// HandleStream pushes device events, and packets unless packets=false, over
// a WebSocket. An address query parameter limits the stream to one device.
func (s *RESTServer) HandleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var only *nirs.Address
	if v := q.Get("address"); v != "" {
		addr, err := nirs.ParseAddress(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid address")
			return
		}
		only = &addr
	}
	withPackets := true
	if v := q.Get("packets"); v != "" {
		withPackets, _ = strconv.ParseBool(v)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	events := s.devices.Subscribe()
	defer s.devices.Unsubscribe(events)

	var packets <-chan nirs.Packet
	if withPackets {
		packets = s.devices.Packets()
		defer s.devices.UnsubscribePackets(packets)
	}

	log.Info().Str("remote", r.RemoteAddr).Bool("packets", withPackets).Msg("Stream client connected")
	defer log.Info().Str("remote", r.RemoteAddr).Msg("Stream client disconnected")

	// the read loop only services control frames and notices the close
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug().Err(err).Msg("Stream read failed")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		var msg StreamMessage
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		case ev, ok := <-events:
			if !ok {
				return
			}
			if only != nil && ev.Address != *only {
				continue
			}
			msg = StreamMessage{Type: "event", Event: ev}
		case p, ok := <-packets:
			if !ok {
				packets = nil
				continue
			}
			if only != nil && p.Base().Address != *only {
				continue
			}
			msg = StreamMessage{Type: "packet", Packet: models.NewPacketMessage(p)}
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			log.Debug().Err(err).Msg("Stream write failed")
			return
		}
	}
}
