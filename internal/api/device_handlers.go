package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/connection"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/models"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/storage"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// HandleListDevices lists the devices the manager tracks
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.devices.Devices()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"total":   len(devices),
	})
}

// HandleListRegisteredDevices lists every device that completed onboarding
func (s *RESTServer) HandleListRegisteredDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"total":   len(devices),
	})
}

// HandleGetDevice gets a tracked device
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid address")
		return
	}

	snap, ok := s.devices.Device(addr)
	if !ok {
		s.respondError(w, http.StatusNotFound, "device not found")
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

// HandleConnectDevice starts a session for the address
func (s *RESTServer) HandleConnectDevice(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid address")
		return
	}

	var req struct {
		Name string `json:"name" validate:"omitempty,max=64"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// fall back to the advertised name
	if req.Name == "" {
		if scanner := s.devices.Scanner(); scanner != nil {
			if entry, ok := scanner.Get(addr); ok {
				req.Name = entry.Name
			}
		}
	}

	if err := s.devices.Connect(r.Context(), addr, req.Name); err != nil {
		s.respondDeviceError(w, err)
		return
	}

	snap, _ := s.devices.Device(addr)
	s.respondJSON(w, http.StatusAccepted, snap)
}

// HandleDisconnectDevice closes the session of the address
func (s *RESTServer) HandleDisconnectDevice(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid address")
		return
	}

	if err := s.devices.Disconnect(r.Context(), addr); err != nil {
		s.respondDeviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSendCommand writes a control command to a set-up device
func (s *RESTServer) HandleSendCommand(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid address")
		return
	}

	var req models.CommandRequest
	if !s.decode(w, r, &req) {
		return
	}

	cmd, _ := nirs.ParseCommand(req.Command)
	if err := s.devices.SendCommand(r.Context(), addr, cmd); err != nil {
		s.respondDeviceError(w, err)
		return
	}

	log.Info().
		Str("address", addr.String()).
		Str("command", req.Command).
		Msg("Command sent")

	snap, _ := s.devices.Device(addr)
	s.respondJSON(w, http.StatusOK, snap)
}

// HandleRecentPackets returns the latest live packets of a device
func (s *RESTServer) HandleRecentPackets(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid address")
		return
	}
	if _, ok := s.devices.Device(addr); !ok {
		s.respondError(w, http.StatusNotFound, "device not found")
		return
	}

	packets := s.devices.Recent(addr)
	out := make([]*models.PacketMessage, 0, len(packets))
	for _, p := range packets {
		out = append(out, models.NewPacketMessage(p))
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"packets": out,
		"total":   len(out),
	})
}

// HandleListTransfers lists the historical downloads of a device
func (s *RESTServer) HandleListTransfers(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid address")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit == 0 {
		limit = 20
	}

	transfers, err := s.store.ListTransfers(r.Context(), addr, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"transfers": transfers,
		"total":     len(transfers),
	})
}

// HandleListEvents lists stored device events
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filters storage.EventFilters
	if v := q.Get("address"); v != "" {
		addr, err := nirs.ParseAddress(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid address")
			return
		}
		filters.Address = &addr
	}
	if v := q.Get("type"); v != "" {
		typ := models.EventType(v)
		filters.Type = &typ
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid since, want RFC3339")
			return
		}
		filters.Since = &since
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit == 0 {
		limit = 50
	}

	events, err := s.store.ListEvents(r.Context(), filters, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  len(events),
	})
}

// HandleScanList returns the scan list in display order
func (s *RESTServer) HandleScanList(w http.ResponseWriter, r *http.Request) {
	scanner := s.devices.Scanner()
	if scanner == nil {
		s.respondError(w, http.StatusServiceUnavailable, "scanning disabled")
		return
	}
	entries := scanner.Entries()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"peripherals": entries,
		"total":       len(entries),
	})
}

// HandleOnboarding reports the device in setup and the queue behind it
func (s *RESTServer) HandleOnboarding(w http.ResponseWriter, r *http.Request) {
	inProgress, pending := s.devices.Onboarding()
	if pending == nil {
		pending = []nirs.Address{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"inProgress": inProgress,
		"pending":    pending,
	})
}

// respondDeviceError maps manager errors to status codes
func (s *RESTServer) respondDeviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, connection.ErrUnknownDevice):
		s.respondError(w, http.StatusNotFound, "device not found")
	case errors.Is(err, connection.ErrNotReady):
		s.respondError(w, http.StatusConflict, "device has not completed setup")
	case errors.Is(err, connection.ErrClosed):
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}
