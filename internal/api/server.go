package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/auth"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/config"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/device"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/models"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/scan"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/storage"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/validation"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

type contextKey string

const claimsKey contextKey = "claims"

// DeviceService is what the API needs from the connection manager
type DeviceService interface {
	Devices() []device.Snapshot
	Device(addr nirs.Address) (device.Snapshot, bool)
	Recent(addr nirs.Address) []nirs.Packet
	Connect(ctx context.Context, addr nirs.Address, name string) error
	Disconnect(ctx context.Context, addr nirs.Address) error
	SendCommand(ctx context.Context, addr nirs.Address, cmd nirs.Command) error
	Onboarding() (*nirs.Address, []nirs.Address)
	Scanner() *scan.Tracker
	Registry() *storage.Registry

	Subscribe() <-chan *models.DeviceEvent
	Unsubscribe(ch <-chan *models.DeviceEvent)
	Packets() <-chan nirs.Packet
	UnsubscribePackets(ch <-chan nirs.Packet)
}

// RESTServer represents the REST API server
type RESTServer struct {
	config    *config.Config
	devices   DeviceService
	store     storage.Store
	users     *auth.Directory
	auth      *auth.JWTManager
	validator *validation.Validator
	metrics   http.Handler
	upgrader  websocket.Upgrader
	router    chi.Router
	server    *http.Server
}

// NewRESTServer creates a new REST API server. metrics may be nil.
func NewRESTServer(cfg *config.Config, devices DeviceService, metrics http.Handler) *RESTServer {
	s := &RESTServer{
		config:    cfg,
		devices:   devices,
		store:     devices.Registry().Store(),
		users:     auth.NewDirectory(cfg.Users),
		auth:      auth.NewJWTManager(&cfg.JWT),
		validator: newValidator(),
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		router: chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// Handler returns the root handler, for tests and embedding
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// requestLogger logs each request through zerolog
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// authMiddleware is the authentication middleware. Browsers cannot set
// headers on a WebSocket handshake, so a token query parameter is accepted too.
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				s.respondError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}
			token = parts[1]
		}

		claims, err := s.auth.ValidateToken(token)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// claimsFrom returns the claims set by authMiddleware
func claimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}
