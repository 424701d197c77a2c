// Package app assembles the interchange from configuration and runs it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/guided-traffic/agency-interchange/internal/codec"
	"github.com/guided-traffic/agency-interchange/internal/config"
	"github.com/guided-traffic/agency-interchange/internal/ingest"
	"github.com/guided-traffic/agency-interchange/internal/monitoring"
	"github.com/guided-traffic/agency-interchange/internal/operation"
	"github.com/guided-traffic/agency-interchange/internal/orchestration"
	"github.com/guided-traffic/agency-interchange/internal/provider"
	"github.com/guided-traffic/agency-interchange/internal/secrets"
	"github.com/guided-traffic/agency-interchange/internal/server"
	"github.com/guided-traffic/agency-interchange/internal/server/handlers/health"
	"github.com/guided-traffic/agency-interchange/internal/sftp"
	"github.com/guided-traffic/agency-interchange/internal/storage"
	"github.com/guided-traffic/agency-interchange/internal/transfer"
	"github.com/guided-traffic/agency-interchange/internal/workflow"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// App is a fully wired interchange.
type App struct {
	cfg        *config.Config
	manager    *orchestration.Manager
	server     *server.Server
	monitoring *monitoring.Server
	codecs     *codec.Registry
	closers    []func() error
	logger     *logrus.Entry
}

// ConfigureLogging applies the configured level and format to logrus.
func ConfigureLogging(cfg *config.Config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// New builds every component named in cfg. On error, anything already
// opened is closed.
func New(ctx context.Context, cfg *config.Config, build health.BuildInfo) (_ *App, err error) {
	a := &App{
		cfg:    cfg,
		codecs: codec.DefaultRegistry(),
		logger: logrus.WithField("component", "app"),
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	resolver, err := newSecretResolver(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := a.openStore(ctx, cfg.Registry)
	if err != nil {
		return nil, err
	}

	profiles, err := workflow.NewResolver(cfg.Profiles)
	if err != nil {
		return nil, fmt.Errorf("failed to build workflow resolver: %w", err)
	}

	prov, loopback, err := newProvider(ctx, cfg.Provider, resolver)
	if err != nil {
		return nil, err
	}

	secretKey, err := resolver.Resolve(ctx, cfg.Storage.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage secret key: %w", err)
	}
	s3Client, err := storage.NewS3Client(ctx, storage.Config{
		Endpoint:           cfg.Storage.Endpoint,
		Region:             cfg.Storage.Region,
		AccessKeyID:        cfg.Storage.AccessKeyID,
		SecretKey:          secretKey,
		ForcePathStyle:     cfg.Storage.ForcePathStyle,
		InsecureSkipVerify: cfg.Storage.InsecureSkipVerify,
		PartSize:           cfg.Storage.PartSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	objects := storage.NewS3Store(s3Client, cfg.Storage.PartSize)

	sftpClient := sftp.NewClient(cfg.SFTP.Servers, resolver)
	a.closers = append(a.closers, sftpClient.Close)

	sink, err := newSink(ctx, cfg.Ingest)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, sink.Close)

	engine := transfer.NewEngine(objects, sftpClient, prov, ingest.NewHook(a.codecs, sink))

	orchCfg := cfg.Orchestrator
	if cfg.Callback.LookupTimeout > 0 {
		orchCfg.LookupTimeout = cfg.Callback.LookupTimeout
	}
	a.manager, err = orchestration.NewManager(orchCfg, store, profiles, engine, prov)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	if loopback != nil {
		loopback.SetDeliver(a.manager.OnTokenReceived)
	}

	a.server, err = server.NewServer(cfg, a.manager, build)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback server: %w", err)
	}

	if cfg.Monitoring.Enabled {
		a.monitoring = monitoring.NewServer(&monitoring.Config{
			BindAddress: cfg.Monitoring.BindAddress,
			MetricsPath: cfg.Monitoring.MetricsPath,
		})
	}

	a.logger.WithFields(logrus.Fields{
		"provider": cfg.Provider.Type,
		"registry": cfg.Registry.Backend,
		"sink":     sink.Name(),
		"profiles": len(cfg.Profiles),
	}).Info("Interchange assembled")
	return a, nil
}

// Manager returns the orchestrator, for callers that submit work.
func (a *App) Manager() *orchestration.Manager {
	return a.manager
}

// Codecs returns the agency codec registry.
func (a *App) Codecs() *codec.Registry {
	return a.codecs
}

// Run serves until ctx is cancelled, then drains the orchestrator and
// releases every connection.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Start(gctx)
	})
	if a.monitoring != nil {
		g.Go(func() error {
			return a.monitoring.Start(gctx)
		})
	}
	runErr := g.Wait()

	timeout := a.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.manager.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Warn("Orchestrator did not drain before the shutdown timeout")
	}
	a.close()

	if runErr != nil {
		return fmt.Errorf("interchange stopped: %w", runErr)
	}
	return nil
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WithError(err).Warn("Failed to close component")
		}
	}
	a.closers = nil
}

func (a *App) openStore(ctx context.Context, cfg config.RegistryConfig) (operation.Store, error) {
	switch cfg.Backend {
	case "postgres":
		store, err := operation.OpenPostgres(ctx, operation.PostgresConfig{
			URL:      cfg.Postgres.URL,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres registry: %w", err)
		}
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		return store, nil
	case "redis":
		store, err := operation.OpenRedis(ctx, operation.RedisConfig{
			URL:       cfg.Redis.URL,
			KeyPrefix: cfg.Redis.KeyPrefix,
			PoolSize:  cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open redis registry: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return operation.NewMemoryStore(), nil
	}
}

// newSecretResolver only builds an AWS client when something references
// Secrets Manager.
func newSecretResolver(ctx context.Context, cfg *config.Config) (*secrets.Resolver, error) {
	if cfg.Secrets.Region == "" && !referencesSecrets(cfg) {
		return secrets.NewResolver(nil, cfg.Secrets.CacheTTL), nil
	}
	r, err := secrets.NewAWSResolver(ctx, cfg.Secrets.Region, cfg.Secrets.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create secrets resolver: %w", err)
	}
	return r, nil
}

func referencesSecrets(cfg *config.Config) bool {
	if secrets.IsRef(cfg.Provider.APIKey) || secrets.IsRef(cfg.Storage.SecretKey) {
		return true
	}
	for _, s := range cfg.SFTP.Servers {
		if secrets.IsRef(s.Password) || secrets.IsRef(s.PrivateKey) || secrets.IsRef(s.Passphrase) {
			return true
		}
	}
	return false
}

func newProvider(ctx context.Context, cfg config.ProviderConfig, resolver *secrets.Resolver) (provider.Provider, *provider.LoopbackProvider, error) {
	if cfg.Type == "loopback" {
		p, err := provider.NewLoopbackProvider(cfg.LoopbackDelay)
		if err != nil {
			return nil, nil, err
		}
		logrus.WithField("component", "app").Warn("Using the loopback crypto provider. Files are not encrypted for the agencies.")
		return p, p, nil
	}

	apiKey, err := resolver.Resolve(ctx, cfg.APIKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve provider API key: %w", err)
	}
	p, err := provider.NewHTTPProvider(provider.HTTPConfig{
		BaseURL:          cfg.BaseURL,
		TokenPath:        cfg.TokenPath,
		SLIFTEncryptPath: cfg.SLIFTEncryptPath,
		SLIFTDecryptPath: cfg.SLIFTDecryptPath,
		PGPEncryptPath:   cfg.PGPEncryptPath,
		PGPDecryptPath:   cfg.PGPDecryptPath,
		APIKeyHeader:     cfg.APIKeyHeader,
		APIKey:           apiKey,
		Timeout:          cfg.Timeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create crypto provider: %w", err)
	}
	return p, nil, nil
}

func newSink(ctx context.Context, cfg config.IngestConfig) (ingest.Sink, error) {
	if cfg.Sink != "kafka" {
		return ingest.NewLogSink(), nil
	}
	sink, err := ingest.NewKafkaSink(ctx, ingest.KafkaConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.Topic,
		ClientID: cfg.Kafka.ClientID,
		Timeout:  cfg.Kafka.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka sink: %w", err)
	}
	return sink, nil
}
