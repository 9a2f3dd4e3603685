package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
		r.Post("/refresh", s.HandleRefresh)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/me", s.HandleGetCurrentUser)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.HandleListDevices)
			r.Get("/registered", s.HandleListRegisteredDevices)
			r.Route("/{address}", func(r chi.Router) {
				r.Get("/", s.HandleGetDevice)
				r.Post("/connect", s.HandleConnectDevice)
				r.Post("/disconnect", s.HandleDisconnectDevice)
				r.Post("/commands", s.HandleSendCommand)
				r.Get("/recent", s.HandleRecentPackets)
				r.Get("/transfers", s.HandleListTransfers)
			})
		})

		r.Get("/scan", s.HandleScanList)
		r.Get("/onboarding", s.HandleOnboarding)
		r.Get("/events", s.HandleListEvents)
		r.Get("/stream", s.HandleStream)
	})
}
