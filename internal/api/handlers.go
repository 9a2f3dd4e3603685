package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/device"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/validation"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// ========== Auth handlers ==========

// HandleLogin exchanges configured credentials for a token pair
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
	}

	if !s.decode(w, r, &req) {
		return
	}

	user, ok := s.users.Lookup(req.Email)
	if !ok || !s.auth.VerifyPassword(req.Password, user.PasswordHash) {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if !user.IsActive {
		s.respondError(w, http.StatusForbidden, "account is disabled")
		return
	}

	accessToken, refreshToken, err := s.auth.GenerateTokenPair(user)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to generate tokens")
		return
	}

	log.Info().Str("email", user.Email).Msg("User logged in")
	s.respondTokens(w, accessToken, refreshToken)
}

// HandleRefresh trades a refresh token for a new pair
func (s *RESTServer) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token" validate:"required"`
	}

	if !s.decode(w, r, &req) {
		return
	}

	accessToken, refreshToken, err := s.auth.RefreshToken(req.RefreshToken, s.users)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	s.respondTokens(w, accessToken, refreshToken)
}

func (s *RESTServer) respondTokens(w http.ResponseWriter, accessToken, refreshToken string) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(s.config.JWT.AccessTokenTTL.Seconds()),
		"token_type":    "Bearer",
	})
}

// HandleGetCurrentUser returns the account behind the token
func (s *RESTServer) HandleGetCurrentUser(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	if claims == nil {
		s.respondError(w, http.StatusUnauthorized, "missing claims")
		return
	}
	user, ok := s.users.Get(claims.UserID)
	if !ok {
		s.respondError(w, http.StatusNotFound, "user not found")
		return
	}
	s.respondJSON(w, http.StatusOK, user)
}

// ========== Service handlers ==========

// HandleHealth health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	connected := 0
	for _, d := range s.devices.Devices() {
		if d.State >= device.Connected {
			connected++
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"time":      time.Now(),
		"connected": connected,
	})
}

// HandleRoot root handler
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": s.config.Server.Name,
		"version": s.config.Server.Version,
		"health":  "/api/v1/health",
		"stream":  "/api/v1/stream",
	})
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// ========== Helper functions ==========

// decode reads a JSON body into v and validates it, answering 400 itself on failure
func (s *RESTServer) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validator.Validate(v); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// addressParam parses the {address} URL parameter
func addressParam(r *http.Request) (nirs.Address, error) {
	return nirs.ParseAddress(chi.URLParam(r, "address"))
}

// newValidator adds the device command rule to the built-in rules
func newValidator() *validation.Validator {
	v := validation.NewValidator()
	v.Register("command", func(field reflect.Value, _ string) error {
		if _, ok := nirs.ParseCommand(field.String()); !ok {
			return fmt.Errorf("unknown command %q", field.String())
		}
		return nil
	})
	return v
}
