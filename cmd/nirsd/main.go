package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/api"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/config"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/connection"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/integration"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/metrics"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/scan"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/server"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/storage"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/transport"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/transport/bluez"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/transport/simulator"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/crypto"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// closableTransport is a transport that owns background resources
type closableTransport interface {
	transport.Transport
	Shutdown()
}

func main() {
	// Command line flags
	var (
		configFile   string
		simulate     bool
		hashPassword string
		genSecret    bool
	)
	flag.StringVar(&configFile, "config", "", "Configuration file path (defaults apply when empty)")
	flag.BoolVar(&simulate, "simulate", false, "Use the simulated BLE transport")
	flag.StringVar(&hashPassword, "hash-password", "", "Print the bcrypt hash of a password for the users section and exit")
	flag.BoolVar(&genSecret, "gen-secret", false, "Print a random JWT secret and exit")
	flag.Parse()

	if hashPassword != "" {
		hash, err := crypto.HashPassword(hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}
	if genSecret {
		secret, err := crypto.GenerateSecret(32)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(secret)
		return
	}

	// Setup logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load configuration")
		}
		cfg = loaded
	}
	if simulate {
		cfg.BLE.Simulate = true
	}

	// Set log level and format
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	cfg.PrintConfigSummary()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Device registry
	var store storage.Store
	if cfg.Database.DSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.Database.DSN, storage.PostgresOptions{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		store = pg
		log.Info().Msg("Connected to database")
	} else {
		store = storage.NewMemoryStore()
	}
	defer store.Close()

	registry := storage.NewRegistry(store)
	if err := registry.Load(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to load device registry")
	}

	metricsRegistry := metrics.NewRegistry()
	m := metricsRegistry.Metrics

	// Transport
	tr, err := newTransport(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open BLE transport")
	}
	defer tr.Shutdown()

	// Scan list
	mode, err := scan.ParseFilterMode(cfg.Scan.FilterMode)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid scan filter")
	}
	tracker := scan.NewTracker(scan.Filter{Mode: mode, Name: cfg.Scan.FilterName}, scan.WithMetrics(m))

	manager := connection.NewManager(tr, connection.Options{
		Config: connection.Config{
			MTU:             cfg.BLE.MTU,
			FallbackTimeout: cfg.Session.FallbackTimeout,
			SettleDelay:     cfg.Session.SettleDelay,
		},
		MaxAttempts:    cfg.Reconnect.MaxAttempts,
		ReconnectDelay: cfg.Reconnect.Delay,
		Registry:       registry,
		Scanner:        tracker,
		ScanInterval:   cfg.Scan.AgeOutInterval,
		ScanMaxAge:     cfg.Scan.MaxAge,
		AutoConnect:    cfg.Scan.AutoConnect,
		DocumentsDir:   cfg.Storage.DocumentsDir,
		AppVersion:     cfg.Storage.AppVersion,
		Metrics:        m,
	})

	// WaitGroup for services
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := manager.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Connection manager stopped")
		}
	}()

	if err := manager.Scan(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start scanning")
	}

	recorder := integration.NewRecorder(store, manager)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := recorder.Start(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Event recorder stopped")
		}
	}()

	// Optional: NATS bridge
	if cfg.NATS.URL != "" {
		log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")

		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.NATS.Name),
			nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				log.Warn().Err(err).Msg("Disconnected from NATS")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Msg("Reconnected to NATS")
			}),
			nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
				subject := ""
				if sub != nil {
					subject = sub.Subject
				}
				log.Error().
					Err(err).
					Str("subject", subject).
					Msg("NATS error")
			}),
		)

		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS support")
		} else {
			defer nc.Close()
			log.Info().Msg("Connected to NATS")

			forwarder := integration.NewForwarderService(nc, manager, cfg.NATS.SubjectPrefix, cfg.NATS.PublishPackets, m)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := forwarder.Start(ctx); err != nil && err != context.Canceled {
					log.Error().Err(err).Msg("NATS forwarder stopped")
				}
			}()

			subscriber := server.NewNATSSubscriber(nc, manager, cfg.NATS.SubjectPrefix)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := subscriber.Start(ctx); err != nil && err != context.Canceled {
					log.Error().Err(err).Msg("NATS subscriber stopped")
				}
			}()
		}
	} else {
		log.Info().Msg("NATS not configured, running in standalone mode")
	}

	// Optional: REST API
	var apiServer *api.RESTServer
	if cfg.API.Enabled {
		apiServer = api.NewRESTServer(cfg, manager, metricsRegistry.Handler())
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
			if err := apiServer.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("REST API server failed")
				cancel()
			}
		}()
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
	case <-ctx.Done():
	}

	cancel()

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
		}
		shutdownCancel()
	}

	// Wait for all services
	wg.Wait()

	log.Info().Msg("nirsd stopped")
}

func newTransport(cfg *config.Config) (closableTransport, error) {
	if !cfg.BLE.Simulate {
		return bluez.New(cfg.BLE.Adapter, cfg.BLE.ConnectTimeout)
	}

	specs := defaultDevices
	if len(cfg.BLE.SimulatedDevices) > 0 {
		var err error
		if specs, err = simulator.FromConfig(cfg.BLE.SimulatedDevices); err != nil {
			return nil, err
		}
	}
	log.Info().Int("devices", len(specs)).Msg("Using simulated BLE transport")
	return simulator.New(specs), nil
}

// defaultDevices is one simulated peripheral per family, used when the
// config lists none
var defaultDevices = []simulator.DeviceSpec{
	{Address: 0xC0FFEE000001, Name: "Argus-Sim", Family: nirs.FamilyArgus, SubVersion: 2, Firmware: "2.4.0", NVM: 7, Battery: 88, StoredRecords: 32, PreviewInterval: 100 * time.Millisecond},
	{Address: 0xC0FFEE000002, Name: "Aurelian-Sim", Family: nirs.FamilyAurelian, Firmware: "1.2.0", NVM: 3, Battery: 64, StoredRecords: 16, PreviewInterval: 100 * time.Millisecond},
	{Address: 0xC0FFEE000003, Name: "Aerie-Sim", Family: nirs.FamilyAerie, Firmware: "3.0.1", NVM: 11, Battery: 97, StoredRecords: 24, PreviewInterval: 100 * time.Millisecond},
}
