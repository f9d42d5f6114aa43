package main

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/tracket-noise-api/internal/anomaly"
	"github.com/septivank/tracket-noise-api/internal/api/rest"
	"github.com/septivank/tracket-noise-api/internal/api/server"
	"github.com/septivank/tracket-noise-api/internal/config"
	"github.com/septivank/tracket-noise-api/internal/db"
	"github.com/septivank/tracket-noise-api/internal/lock"
	"github.com/septivank/tracket-noise-api/internal/mq"
	"github.com/septivank/tracket-noise-api/internal/notify"
	"github.com/septivank/tracket-noise-api/internal/repository"
	"github.com/septivank/tracket-noise-api/internal/service"
	"github.com/septivank/tracket-noise-api/internal/validator"
)

// ProvideLocation returns the storage timezone
func ProvideLocation(cfg *config.Config) (*time.Location, error) {
	return cfg.Location()
}

// ProvideClock returns the wall clock
func ProvideClock() service.Clock {
	return time.Now
}

// ProvideStore creates the Postgres repository, or the in-memory store for
// the memory driver
func ProvideStore(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config, loc *time.Location) (repository.Store, error) {
	if cfg.Database.Driver == config.DriverMemory {
		logger.Warn("using in-memory store, data is lost on restart")
		return repository.NewMemoryStore(loc), nil
	}

	pool, err := db.NewPool(lc, logger, cfg.Database.URL, cfg.Database.Migrate)
	if err != nil {
		return nil, err
	}
	return repository.NewRepository(pool, loc), nil
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config, loc *time.Location) *validator.Validator {
	return validator.NewValidator(cfg.Validation.TimestampToleranceMinutes, loc)
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Anomaly.SpikeThreshold, cfg.Anomaly.MinDataPointsForDetection, cfg.Anomaly.HistoryWindow)
}

// ProvideMQConnection dials RabbitMQ. It returns nil when no broker is
// configured.
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if cfg.RabbitMQ.URL == "" {
		logger.Info("RABBITMQ_URL not set, events and queued ingestion are disabled")
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates the event publisher
func ProvidePublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (mq.EventPublisher, error) {
	if conn == nil {
		return mq.NopPublisher{}, nil
	}

	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideLocker creates the Redis device lock, or an in-process lock when no
// Redis address is configured
func ProvideLocker(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) lock.Locker {
	if cfg.Redis.Addr == "" {
		return lock.NewLocalLocker()
	}
	client := lock.NewRedisClient(lc, logger, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	return lock.NewRedisLocker(client, cfg.Redis.LockTTL, cfg.Redis.LockWait, logger)
}

// ProvideMailer creates the registration email dispatcher
func ProvideMailer(lc fx.Lifecycle, store repository.Store, cfg *config.Config, logger *zap.Logger) service.ConfirmationSender {
	var notifier notify.Notifier
	if cfg.Notify.MailAPIURL == "" {
		notifier = notify.NewLogNotifier(logger)
	} else {
		notifier = notify.NewMailNotifier(cfg.Notify.MailAPIURL, cfg.Notify.APIKey, cfg.Notify.Timeout, cfg.Notify.RetryCount, logger)
	}

	dispatcher := notify.NewDispatcher(notifier, store, notify.DispatcherConfig{
		Workers:   cfg.Notify.Workers,
		QueueSize: cfg.Notify.QueueSize,
		Timeout:   cfg.Notify.Timeout,
	}, logger)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			dispatcher.Close()
			return nil
		},
	})
	return dispatcher
}

// ProvideAuthenticator creates the device token authenticator
func ProvideAuthenticator(store repository.Store, now service.Clock) *service.Authenticator {
	return service.NewAuthenticator(store, now)
}

// ProvideIngestService creates the measurement ingestor
func ProvideIngestService(
	store repository.Store,
	auth *service.Authenticator,
	v *validator.Validator,
	detector *anomaly.Detector,
	publisher mq.EventPublisher,
	now service.Clock,
) *service.IngestService {
	return service.NewIngestService(store, auth, v, detector, publisher, now)
}

// ProvideDeviceService creates the registration and location workflows
func ProvideDeviceService(
	store repository.Store,
	auth *service.Authenticator,
	locker lock.Locker,
	mailer service.ConfirmationSender,
	publisher mq.EventPublisher,
	cfg *config.Config,
	now service.Clock,
) *service.DeviceService {
	return service.NewDeviceService(store, auth, locker, mailer, publisher, service.DeviceOptions{
		LoginPolicy:          cfg.Registration.LoginPolicy,
		ConfirmationTemplate: cfg.Registration.ConfirmationTemplate,
	}, now)
}

// ProvideQueryService creates the location query service
func ProvideQueryService(store repository.Store, v *validator.Validator, now service.Clock) *service.QueryService {
	return service.NewQueryService(store, v, now)
}

// ProvideSoftwareService creates the firmware release service
func ProvideSoftwareService(store repository.Store, cfg *config.Config, loc *time.Location) *service.SoftwareService {
	return service.NewSoftwareService(store, cfg.Software.PublicationURL, loc)
}

// ProvideHandler creates the REST handler
func ProvideHandler(
	ingest *service.IngestService,
	devices *service.DeviceService,
	query *service.QueryService,
	software *service.SoftwareService,
	loc *time.Location,
	logger *zap.Logger,
	now service.Clock,
) rest.Handler {
	return rest.NewHandler(rest.Services{
		Ingest:   ingest,
		Devices:  devices,
		Query:    query,
		Software: software,
	}, loc, logger, now)
}

// ProvideServer creates the API server
func ProvideServer(cfg *config.Config, handler rest.Handler, logger *zap.Logger) *server.Server {
	return server.New(server.Config{
		Debug:        cfg.Server.Debug,
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}, handler, logger)
}

func startServer(lc fx.Lifecycle, srv *server.Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return srv.Start()
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

// startConsumer consumes queued measurement batches when a broker is
// configured
func startConsumer(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	ingest *service.IngestService,
) error {
	if conn == nil || !cfg.RabbitMQ.ConsumeEnabled {
		return nil
	}

	// Create context for consumer that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	handler := service.NewQueueHandler(ingest, logger)
	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.IngestQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.IngestExchange,
		RoutingKey:    cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		Handler:       handler.Handle,
	})
	if err != nil {
		cancel()
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting measurement consumer",
				zap.String("queue", cfg.RabbitMQ.IngestQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("consumer stopped gracefully")
			return nil
		},
	})

	return nil
}
