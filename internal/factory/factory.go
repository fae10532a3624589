package factory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"collection-otp-service/internal/audit"
	"collection-otp-service/internal/bucketing"
	"collection-otp-service/internal/cache"
	"collection-otp-service/internal/client"
	"collection-otp-service/internal/config"
	"collection-otp-service/internal/encryption"
	"collection-otp-service/internal/hashing"
	"collection-otp-service/internal/notify"
	"collection-otp-service/internal/reconciler"
	redisrepo "collection-otp-service/internal/repository/redis"
	"collection-otp-service/internal/repository/scylla"
	"collection-otp-service/internal/service"
	"collection-otp-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	store          reconciler.DurableStore
	resolver       reconciler.Resolver
	reconciler     *reconciler.Reconciler
	dispatcher     *audit.Dispatcher
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads config and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := factory.initializeManagers(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := factory.initializeClients(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeStore(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize durable store: %w", err)
	}

	factory.initializeAudit(ctx)

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("storage_backend", cfg.Storage.Backend),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Any("audit_sinks", cfg.Audit.Sinks),
	)

	return factory, nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers(ctx context.Context) error {
	hasher, err := hashing.NewHasher(f.config)
	if err != nil {
		return err
	}
	f.hasher = hasher

	var keys encryption.KeyService
	if f.config.KMS.Enabled {
		kmsClient, err := encryption.NewKMSClient(ctx, f.config)
		if err != nil {
			return fmt.Errorf("kms: %w", err)
		}
		keys = kmsClient
	}

	f.encryptionManager = encryption.NewEncryptionManager(f.config, keys)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	util.Info("Managers initialized successfully",
		util.Int("pepper_version", f.hasher.CurrentPepperVersion()),
		util.Int("lock_shards", f.bucketingManager.GetLockShards()),
		util.Int("event_buckets", f.bucketingManager.GetEventBuckets()),
	)
	return nil
}

// initializeClients connects the durable backend and whatever the audit and
// notification paths need. Only the durable backend is critical.
func (f *Factory) initializeClients(ctx context.Context) error {
	switch f.config.Storage.Backend {
	case "redis":
		c, err := client.NewRedisClient(f.config, util.Get())
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = c
		if err := c.HealthCheck(ctx); err != nil {
			return fmt.Errorf("redis health check: %w", err)
		}
		util.Info("Redis client initialized and healthy")
	default:
		c, err := scylla.NewScyllaClient(f.config, util.Get())
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = c
		util.Info("ScyllaDB client initialized")
	}

	var initErrors []error

	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	if f.auditSinkEnabled("elasticsearch") {
		if c, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
			if err := c.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
			} else {
				util.Info("Elasticsearch client initialized and healthy")
			}
		}
	}

	if f.auditSinkEnabled("clickhouse") {
		if c, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
			if err := c.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
			} else {
				util.Info("ClickHouse client initialized and healthy")
			}
		}
	}

	for _, err := range initErrors {
		util.Warn("Audit sink initialization warning", util.ErrorField(err))
	}
	return nil
}

func (f *Factory) initializeStore(ctx context.Context) error {
	switch {
	case f.scyllaClient != nil:
		if err := f.scyllaClient.EnsureSchema(ctx); err != nil {
			return err
		}
		repo := scylla.NewConfirmationRepository(f.scyllaClient, f.encryptionManager)
		f.store, f.resolver = repo, repo
	case f.redisClient != nil:
		store := redisrepo.NewConfirmationStore(f.redisClient, f.encryptionManager)
		f.store, f.resolver = store, store
	default:
		return errors.New("no durable backend configured")
	}

	f.reconciler = reconciler.New(cache.NewEphemeral(), f.store, f.resolver, f.config.Storage.WriteRetryWait)
	return nil
}

func (f *Factory) initializeAudit(ctx context.Context) {
	var sinks []audit.Sink
	for _, name := range f.config.Audit.Sinks {
		switch name {
		case "kafka":
			if f.kafkaProducer != nil {
				sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer, f.config.Kafka.SecurityTopic))
			}
		case "clickhouse":
			if f.clickhouseClient != nil {
				sink := audit.NewClickHouseSink(f.clickhouseClient, f.config.Clickhouse.Table)
				if err := sink.EnsureTable(ctx); err != nil {
					util.Warn("ClickHouse audit table unavailable", util.ErrorField(err))
					continue
				}
				sinks = append(sinks, sink)
			}
		case "elasticsearch":
			if f.esClient != nil {
				sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.Index))
			}
		case "log":
			sinks = append(sinks, audit.LogSink{})
		default:
			util.Warn("Unknown audit sink", util.String("sink", name))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, audit.LogSink{})
	}

	f.dispatcher = audit.NewDispatcher(f.config.Audit, sinks...)
}

func (f *Factory) auditSinkEnabled(name string) bool {
	return f.config.Audit.Enabled && slices.Contains(f.config.Audit.Sinks, name)
}

// ==============================
// Service Factory
// ==============================

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		var notifier notify.Notifier = notify.LogNotifier{}
		if f.kafkaProducer != nil && !f.config.IsDevelopment() {
			notifier = notify.NewKafkaNotifier(f.kafkaProducer, f.config.Kafka.NotificationTopic)
		}
		f.serviceFactory = service.NewServiceFactory(
			f.reconciler,
			f.hasher,
			f.bucketingManager,
			notifier,
			f.dispatcher,
			service.OptionsFromConfig(f.config.OTP),
		)
	}
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

// HealthReport checks every initialized dependency concurrently.
func (f *Factory) HealthReport(ctx context.Context) map[string]error {
	checks := map[string]func(context.Context) error{}
	if f.store != nil {
		checks["durable_store"] = f.store.HealthCheck
	} else {
		checks["durable_store"] = func(context.Context) error { return errors.New("durable store not initialized") }
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer.HealthCheck
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient.HealthCheck
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck
	}

	var mu sync.Mutex
	healthErrors := make(map[string]error)
	g, gctx := errgroup.WithContext(ctx)
	for name, check := range checks {
		g.Go(func() error {
			if err := check(gctx); err != nil {
				mu.Lock()
				healthErrors[name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if f.redisClient != nil {
		stats := f.redisClient.PoolStats()
		util.Debug("Redis pool stats",
			util.Int64("total_conns", int64(stats.TotalConns)),
			util.Int64("idle_conns", int64(stats.IdleConns)),
			util.Int64("timeouts", int64(stats.Timeouts)))
		if stats.Timeouts > 0 {
			util.Warn("Redis pool timeouts observed", util.Int64("timeouts", int64(stats.Timeouts)))
		}
	}

	if f.dispatcher != nil && f.dispatcher.Failed() > 0 {
		util.Warn("Audit sinks reported failures", util.Int64("failed_batches", int64(f.dispatcher.Failed())))
	}
	return healthErrors
}

// HealthCheck fails only on the durable tier; audit and notification
// backends degrade without taking the service down.
func (f *Factory) HealthCheck(ctx context.Context) error {
	report := f.HealthReport(ctx)
	names := make([]string, 0, len(report))
	for name := range report {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		util.Warn("Dependency unhealthy", util.String("dependency", name), util.ErrorField(report[name]))
	}
	if err, ok := report["durable_store"]; ok {
		return err
	}
	return nil
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
		}

		if f.dispatcher != nil {
			f.dispatcher.Close()
			util.Info("Audit dispatcher flushed",
				util.Int64("dropped", int64(f.dispatcher.Dropped())))
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Reconciler() *reconciler.Reconciler {
	return f.reconciler
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

func (f *Factory) EncryptionManager() *encryption.EncryptionManager {
	return f.encryptionManager
}

func (f *Factory) BucketingManager() *bucketing.BucketingManager {
	return f.bucketingManager
}
