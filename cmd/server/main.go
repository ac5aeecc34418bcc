// Command server starts the relaycast broadcast API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"relaycast/internal/api"
	"relaycast/internal/broadcast"
	"relaycast/internal/catalog"
	"relaycast/internal/config"
	"relaycast/internal/events"
	"relaycast/internal/models"
	"relaycast/internal/objectstore"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/server"
	"relaycast/internal/serverutil"
	"relaycast/internal/social"
	"relaycast/internal/storage"
	"relaycast/internal/tokens"
	"relaycast/internal/transport"
)

// Set at build time with -ldflags "-X main.version=... -X main.buildNumber=...".
var (
	version     = "dev"
	versionType = "Community Edition"
	buildNumber = ""
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	settingsPath := flag.String("config", "", "path to the application settings YAML file")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	migrateOnStart := flag.Bool("migrate", false, "apply pending Postgres migrations before serving")
	tokenRedisAddrs := flag.String("token-redis-addrs", "", "comma separated Redis addresses for the access token store")
	tokenRedisPassword := flag.String("token-redis-password", "", "Redis password for the access token store")
	credentialsPath := flag.String("social-db", "", "path to the SQLite social credential database")
	credentialsSecret := flag.String("social-secret", "", "secret used to seal stored social tokens")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	corsOrigins := flag.String("cors-origins", "", "comma separated browser origins allowed to call the API")
	hstsMaxAge := flag.Duration("hsts-max-age", 0, "Strict-Transport-Security max age advertised over TLS")
	globalRPS := flag.Float64("rate-rps", 0, "per-client request rate limit in requests per second")
	globalBurst := flag.Int("rate-burst", 0, "per-client burst allowance")
	mutationLimit := flag.Int("rate-mutation-limit", 0, "maximum mutating requests per window for a single client")
	mutationWindow := flag.Duration("rate-mutation-window", 0, "window for counting mutating requests")
	trustForwarded := flag.Bool("rate-trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for shared mutation limits")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for shared mutation limits")
	rateRedisCA := flag.String("rate-redis-tls-ca", "", "path to the Redis TLS CA certificate for shared mutation limits")
	maxUpload := flag.Int64("max-upload-bytes", 0, "largest accepted VoD upload in bytes")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("RELAYCAST_LOG_LEVEL"), "info"),
		Format: firstNonEmpty(*logFormat, os.Getenv("RELAYCAST_LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings, err := config.NewManager(firstNonEmpty(*settingsPath, os.Getenv("RELAYCAST_CONFIG")), os.Getenv, logger)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	current := settings.Current()

	serverMode := modeValue(*mode, os.Getenv("RELAYCAST_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("RELAYCAST_ADDR"))

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("RELAYCAST_STORAGE_DRIVER"), postgresDefaultDSN)
	if err != nil {
		return err
	}
	if serverMode == "production" {
		if err := validateProductionDatastore(driver, postgresDefaultDSN); err != nil {
			return err
		}
	}

	var repo storage.Repository
	switch driver {
	case "json":
		dataFile := resolveDataPath(*dataPath, os.Getenv("RELAYCAST_DATA"))
		repo, err = storage.NewJSONRepository(dataFile)
	case "postgres":
		if resolveBool(*migrateOnStart, "RELAYCAST_MIGRATE") {
			result, merr := storage.Migrate(postgresDefaultDSN)
			if merr != nil {
				return fmt.Errorf("apply migrations: %w", merr)
			}
			logger.Info("database schema ready", "version", result.Version, "changed", result.Changed)
		}
		var pgOptions []storage.PostgresOption
		maxConns := resolveInt(*postgresMaxConns, "RELAYCAST_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "RELAYCAST_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		if timeout := resolveDuration(*postgresAcquireTimeout, "RELAYCAST_POSTGRES_ACQUIRE_TIMEOUT", 0); timeout > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresAcquireTimeout(timeout))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("RELAYCAST_POSTGRES_APP_NAME")); appName != "" {
			pgOptions = append(pgOptions, storage.WithPostgresApplicationName(appName))
		}
		repo, err = storage.NewPostgresRepository(ctx, postgresDefaultDSN, pgOptions...)
	default:
		return fmt.Errorf("unsupported storage driver %q", driver)
	}
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}

	if addrs := splitAndTrim(firstNonEmpty(*tokenRedisAddrs, os.Getenv("RELAYCAST_TOKEN_REDIS_ADDRS"))); len(addrs) > 0 {
		tokenStore, err := storage.NewRedisTokenStore(storage.RedisTokenConfig{
			Addrs:    addrs,
			Password: firstNonEmpty(*tokenRedisPassword, os.Getenv("RELAYCAST_TOKEN_REDIS_PASSWORD")),
		})
		if err != nil {
			return fmt.Errorf("open token store: %w", err)
		}
		repo = storage.WithTokenStore(repo, tokenStore)
		logger.Info("access tokens kept in redis", "addrs", addrs)
	}

	sealer, err := social.NewSealer(firstNonEmpty(*credentialsSecret, os.Getenv("RELAYCAST_SOCIAL_SECRET")))
	if err != nil {
		return fmt.Errorf("configure credential sealing: %w", err)
	}
	if sealer == nil {
		logger.Warn("social tokens are stored unsealed; set RELAYCAST_SOCIAL_SECRET to encrypt them")
	}
	credentialFile := firstNonEmpty(*credentialsPath, os.Getenv("RELAYCAST_SOCIAL_DB"), filepath.Join(current.WebRoot, "social.db"))
	credentials, err := social.NewSQLiteCredentialStore(ctx, credentialFile, sealer)
	if err != nil {
		return fmt.Errorf("open social credential store: %w", err)
	}

	registry := social.NewRegistry(social.RegistryConfig{
		Clients: func(service string) social.ClientCredentials {
			client := settings.Current().Client(service)
			return social.ClientCredentials{ClientID: client.ClientID, ClientSecret: client.ClientSecret}
		},
		Store:  credentials,
		Logger: logger,
	})
	if err := registry.Start(ctx); err != nil {
		return err
	}
	coordinator := social.NewCoordinator(registry,
		social.WithCoordinatorLogger(logger),
		social.WithAuthObserver(func(service string, state social.TaskState) {
			recorder.ObserveDeviceAuth(service, string(state))
		}),
	)

	transportConfig, err := transport.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load media server configuration: %w", err)
	}
	transportConfig.Logger = logging.WithComponent(logger, "transport")
	controller, err := transportConfig.NewController()
	if err != nil {
		return fmt.Errorf("configure media server controller: %w", err)
	}

	objects, err := objectstore.New(objectstore.Config{
		Endpoint:  current.ObjectStore.Endpoint,
		AccessKey: current.ObjectStore.AccessKey,
		SecretKey: current.ObjectStore.SecretKey,
		Bucket:    current.ObjectStore.Bucket,
		Region:    current.ObjectStore.Region,
		UseSSL:    current.ObjectStore.UseSSL,
		Prefix:    current.ObjectStore.Prefix,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("configure object storage: %w", err)
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if len(current.Events.Brokers) > 0 {
		kafkaPublisher, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: current.Events.Brokers,
			Topic:   current.Events.Topic,
			Source:  current.ScopeName,
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("configure event publisher: %w", err)
		}
		publisher = kafkaPublisher
	}

	manager, err := broadcast.NewManager(broadcast.Config{
		Repository: repo,
		Transport:  controller,
		Social:     registry,
		Settings:   settings.Current,
	},
		broadcast.WithLogger(logger),
		broadcast.WithObjectStore(objects),
		broadcast.WithPublisher(publisher),
		broadcast.WithRecorder(recorder),
	)
	if err != nil {
		return err
	}

	exporter := catalog.NewExporter(repo, settings.Current,
		catalog.WithLogger(logger),
		catalog.WithRecorder(recorder),
	)
	scheduler := catalog.NewScheduler(exporter, logger)
	scheduler.Apply(current)
	settings.OnChange(scheduler.Apply)
	go func() {
		if err := settings.Watch(ctx); err != nil {
			logger.Warn("settings reload disabled", "error", err)
		}
	}()

	handler, err := api.NewHandler(api.Config{
		Broadcasts:     manager,
		Registry:       registry,
		Coordinator:    coordinator,
		Tokens:         newTokenService(repo, settings.Current, logger),
		Catalog:        exporter,
		Transport:      controller,
		Datastore:      repo,
		Recorder:       recorder,
		Version:        models.Version{VersionName: version, VersionType: versionType, BuildNumber: buildNumber},
		MaxUploadBytes: resolveInt64(*maxUpload, "RELAYCAST_MAX_UPLOAD_BYTES"),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	tlsCfg := serverutil.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("RELAYCAST_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("RELAYCAST_TLS_KEY")),
	}
	srv, err := server.New(handler.Routes(), server.Config{
		Addr: listenAddr,
		TLS:  tlsCfg.Enabled(),
		RateLimit: server.RateLimitConfig{
			RPS:            resolveFloat(*globalRPS, "RELAYCAST_RATE_RPS"),
			Burst:          resolveInt(*globalBurst, "RELAYCAST_RATE_BURST"),
			MutationLimit:  resolveInt(*mutationLimit, "RELAYCAST_RATE_MUTATION_LIMIT"),
			MutationWindow: resolveDuration(*mutationWindow, "RELAYCAST_RATE_MUTATION_WINDOW", time.Minute),
			RedisAddr:      firstNonEmpty(*rateRedisAddr, os.Getenv("RELAYCAST_RATE_REDIS_ADDR")),
			RedisPassword:  firstNonEmpty(*rateRedisPassword, os.Getenv("RELAYCAST_RATE_REDIS_PASSWORD")),
			RedisCAFile:    firstNonEmpty(*rateRedisCA, os.Getenv("RELAYCAST_RATE_REDIS_TLS_CA")),
			RedisTimeout:   2 * time.Second,
			TrustProxy:     resolveBool(*trustForwarded, "RELAYCAST_RATE_TRUST_FORWARDED_HEADERS"),
		},
		CORS:        server.CORSConfig{AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("RELAYCAST_CORS_ORIGINS")))},
		Security:    server.SecurityConfig{HSTSMaxAge: resolveDuration(*hstsMaxAge, "RELAYCAST_HSTS_MAX_AGE", 0)},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		return fmt.Errorf("initialise server: %w", err)
	}

	logger.Info("relaycast API starting",
		"addr", listenAddr,
		"mode", serverMode,
		"storage", driver,
		"scope", current.ScopeName,
		"social_endpoints", registry.Len(),
		"media_server", transportConfig.Enabled(),
	)

	return serverutil.Run(ctx, serverutil.Config{
		Server:          srv.HTTPServer(),
		TLS:             tlsCfg,
		ShutdownTimeout: serverutil.DefaultShutdownTimeout,
		Logger:          logger,
		Hooks: []serverutil.ShutdownHook{
			{Name: "device-auth", Close: func(context.Context) error { coordinator.Close(); return nil }},
			{Name: "catalog-scheduler", Close: func(context.Context) error { scheduler.Stop(); return nil }},
			{Name: "rate-limiter", Close: func(context.Context) error { return srv.Close() }},
			{Name: "events", Close: func(context.Context) error { return publisher.Close() }},
			{Name: "social-registry", Close: func(context.Context) error { return registry.Close() }},
			{Name: "datastore", Close: repo.Close},
		},
	})
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	if listenAddr := firstNonEmpty(flagValue, envAddr); listenAddr != "" {
		return listenAddr
	}
	if mode == "production" {
		return ":80"
	}
	return ":5080"
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(firstNonEmpty(flagMode, envMode))
	if mode == "" {
		mode = "development"
	}
	return mode
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(firstNonEmpty(flagValue, envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

func validateProductionDatastore(driver, postgresDSN string) error {
	if driver != "postgres" {
		return fmt.Errorf("production mode requires the postgres datastore driver, got %q", driver)
	}
	if strings.TrimSpace(postgresDSN) == "" {
		return errors.New("production mode requires RELAYCAST_POSTGRES_DSN to be set")
	}
	return nil
}

func resolveDataPath(flagValue, envValue string) string {
	if path := firstNonEmpty(flagValue, envValue); path != "" {
		return path
	}
	return "data/relaycast.json"
}

func resolvePostgresDSN(flagValue string) string {
	return firstNonEmpty(flagValue, os.Getenv("RELAYCAST_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if value, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(envKey)), 64); err == nil {
		return value
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if value, err := strconv.Atoi(strings.TrimSpace(os.Getenv(envKey))); err == nil {
		return value
	}
	return 0
}

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if value, err := strconv.ParseInt(strings.TrimSpace(os.Getenv(envKey)), 10, 64); err == nil {
		return value
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if value, err := time.ParseDuration(strings.TrimSpace(os.Getenv(envKey))); err == nil {
		return value
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if value, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(envKey))); err == nil {
		return value
	}
	return false
}

// newTokenService issues tokens only while token control is enabled for play
// or publish in the current settings.
func newTokenService(store storage.TokenStore, current func() config.Settings, logger *slog.Logger) *tokens.Service {
	creator := tokens.SwitchCreator{
		Enabled: func() bool { return current().TokenControl.Enabled() },
		On:      tokens.RandomCreator{},
	}
	return tokens.NewService(store, tokens.WithCreator(creator), tokens.WithLogger(logger))
}
