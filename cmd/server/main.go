package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/teresa-solution/federated-search-service/internal/analytics"
	"github.com/teresa-solution/federated-search-service/internal/api"
	"github.com/teresa-solution/federated-search-service/internal/cache"
	"github.com/teresa-solution/federated-search-service/internal/config"
	"github.com/teresa-solution/federated-search-service/internal/crypto"
	"github.com/teresa-solution/federated-search-service/internal/enrichment"
	"github.com/teresa-solution/federated-search-service/internal/monitoring"
	"github.com/teresa-solution/federated-search-service/internal/registry"
	"github.com/teresa-solution/federated-search-service/internal/search"
	"github.com/teresa-solution/federated-search-service/internal/source"
	"github.com/teresa-solution/federated-search-service/internal/store"
)

const shutdownTimeout = 15 * time.Second

var flags struct {
	configPath  string
	memoryCache bool
}

var rootCmd = &cobra.Command{
	Use:   "federated-search",
	Short: "Federated full-text search across tenant databases",
	Long: `federated-search fans a query out to every MySQL and PostgreSQL database a
tenant has registered, merges the ranked results and serves them over HTTP.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&flags.configPath, "config", os.Getenv("FSS_CONFIG"), "path to a YAML config file")
	rootCmd.Flags().BoolVar(&flags.memoryCache, "memory-cache", false, "use the in-process cache instead of redis")
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	vault, err := crypto.NewVaultFromBase64(cfg.Vault.Key)
	if err != nil {
		return fmt.Errorf("failed to initialize credential vault: %w", err)
	}

	monitoring.InitMetrics()

	connections := store.NewConnectionRepository(db)
	records := store.NewAnalyticsRepository(db)

	reg := registry.New(connections, vault, source.Open, registry.OptionsFromConfig(cfg.Pool))
	reg.StartHealthChecks(ctx)
	defer reg.Close()

	var c cache.Cache
	if flags.memoryCache || cfg.Redis.Addr == "" {
		log.Warn().Msg("Using in-process cache; results are not shared between instances")
		c = cache.NewMemoryCache()
	} else {
		c = cache.NewRedisCacheFromConfig(cfg.Redis)
	}
	defer c.Close()

	var ai enrichment.Adapter = enrichment.Noop{}
	if cfg.Enrichment.Enabled {
		ai = enrichment.NewClient(cfg.Enrichment)
		log.Info().Str("model", cfg.Enrichment.Model).Msg("AI enrichment enabled")
	}

	var sinks []analytics.Sink
	if cfg.Analytics.NatsURL != "" {
		publisher, err := analytics.NewNATSPublisher(cfg.Analytics.NatsURL, cfg.Analytics.NatsSubject)
		if err != nil {
			log.Error().Err(err).Msg("Failed to connect to NATS, analytics stay local")
		} else {
			defer publisher.Close()
			sinks = append(sinks, publisher)
		}
	}
	recorder := analytics.NewRecorder(records, cache.NewAggregates(c, records, cfg.Search.ResultTTL), cfg.Analytics.Buffer, sinks...)

	orchestrator := search.New(reg, c, ai, recorder, search.OptionsFromConfig(cfg.Search, cfg.Enrichment))

	router := mux.NewRouter()
	api.NewHandler(orchestrator, reg, recorder).RegisterRoutes(router)
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", api.TenantHeader, api.RoleHeader},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           corsHandler.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	errCh := make(chan error, 2)
	go func() {
		log.Info().Msgf("gRPC health server listening at %v", lis.Addr())
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.Server.HTTPAddr).Msg("HTTP server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server...")
	case err := <-errCh:
		log.Error().Err(err).Msg("Server failed, shutting down")
	}

	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	grpcServer.GracefulStop()

	if err := recorder.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Int64("dropped", recorder.Dropped()).Msg("Analytics recorder did not drain")
	}

	log.Info().Msg("Server exiting")
	return nil
}
