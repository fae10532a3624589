package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Storage       StorageConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	OTP           OTPConfig
	Audit         AuditConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	AllowOrigins []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// StorageConfig selects the durable tier. "scylla" in production, "redis" is
// accepted for single-node deployments running redis with AOF persistence.
type StorageConfig struct {
	Backend        string
	WriteRetryWait time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
	Prefix   string
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers           []string
	NotificationTopic string
	SecurityTopic     string
}

type ElasticsearchConfig struct {
	URL      string
	Username string
	Password string
	Index    string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
	Table    string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	// Peppers are "version:secret" pairs, the highest version is used for new
	// digests. Older versions stay valid for verification.
	Peppers []string
}

type BucketingConfig struct {
	LockShards   int
	EventBuckets int
}

type OTPConfig struct {
	Digits            int
	TTL               time.Duration
	MaxTTL            time.Duration
	MaxResends        int
	SweepInterval     time.Duration
	PruneInterval     time.Duration
	DurableRetention  time.Duration
	CooldownThreshold int
	BaseCooldown      time.Duration
	MaxCooldown       time.Duration
	BreachThreshold   int
	BreachCooldown    time.Duration
}

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
	Sinks      []string
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AllowOrigins: getEnvList("SERVER_ALLOW_ORIGINS", []string{"https://*"}),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Storage: StorageConfig{
			Backend:        getEnv("STORAGE_BACKEND", "scylla"),
			WriteRetryWait: getEnvDuration("STORAGE_WRITE_RETRY_WAIT", 150*time.Millisecond),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			Prefix:   getEnv("REDIS_PREFIX", "cnf"),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "collections"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Brokers:           getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			NotificationTopic: getEnv("KAFKA_NOTIFICATION_TOPIC", "collection.otp.notifications"),
			SecurityTopic:     getEnv("KAFKA_SECURITY_TOPIC", "collection.otp.security"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:      getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username: getEnv("ELASTICSEARCH_USERNAME", ""),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
			Index:    getEnv("ELASTICSEARCH_INDEX", "otp-security-events"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", "http://localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "collections"),
			Table:    getEnv("CLICKHOUSE_TABLE", "otp_security_events"),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("KMS_REGION", "ap-south-1"),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_KB", 19*1024),
			Argon2TimeCost:    getEnvInt("ARGON2_ITERATIONS", 2),
			Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 1),
			Peppers:           getEnvList("OTP_PEPPERS", nil),
		},
		Bucketing: BucketingConfig{
			LockShards:   getEnvInt("LOCK_SHARDS", 256),
			EventBuckets: getEnvInt("EVENT_BUCKETS", 64),
		},
		OTP: OTPConfig{
			Digits:            getEnvInt("OTP_DIGITS", 6),
			TTL:               getEnvDuration("OTP_TTL", 10*time.Minute),
			MaxTTL:            getEnvDuration("OTP_MAX_TTL", 30*time.Minute),
			MaxResends:        getEnvInt("OTP_MAX_RESENDS", 5),
			SweepInterval:     getEnvDuration("OTP_SWEEP_INTERVAL", time.Minute),
			PruneInterval:     getEnvDuration("OTP_PRUNE_INTERVAL", time.Hour),
			DurableRetention:  getEnvDuration("OTP_DURABLE_RETENTION", 30*24*time.Hour),
			CooldownThreshold: getEnvInt("OTP_COOLDOWN_THRESHOLD", 3),
			BaseCooldown:      getEnvDuration("OTP_BASE_COOLDOWN", 30*time.Second),
			MaxCooldown:       getEnvDuration("OTP_MAX_COOLDOWN", 5*time.Minute),
			BreachThreshold:   getEnvInt("OTP_BREACH_THRESHOLD", 5),
			BreachCooldown:    getEnvDuration("OTP_BREACH_COOLDOWN", 15*time.Minute),
		},
		Audit: AuditConfig{
			Enabled:    getEnvBool("AUDIT_ENABLED", true),
			BufferSize: getEnvInt("AUDIT_BUFFER_SIZE", 1024),
			DropIfFull: getEnvBool("AUDIT_DROP_IF_FULL", true),
			Sinks:      getEnvList("AUDIT_SINKS", []string{"kafka"}),
		},
	}

	mu.Lock()
	current = cfg
	mu.Unlock()

	return cfg
}

// Get returns the last loaded config, loading it on first use.
func Get() *Config {
	mu.RLock()
	cfg := current
	mu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

// Validate rejects settings that would weaken the lockout policy or break
// durability of digests across restarts.
func (c *Config) Validate() error {
	if c.OTP.Digits < 4 || c.OTP.Digits > 10 {
		return fmt.Errorf("OTP_DIGITS must be between 4 and 10, got %d", c.OTP.Digits)
	}
	if c.OTP.TTL <= 0 {
		return fmt.Errorf("OTP_TTL must be positive")
	}
	if c.OTP.MaxTTL < c.OTP.TTL {
		return fmt.Errorf("OTP_MAX_TTL must not be shorter than OTP_TTL")
	}
	if c.OTP.BreachThreshold <= 0 {
		return fmt.Errorf("OTP_BREACH_THRESHOLD must be positive")
	}
	if c.OTP.CooldownThreshold > c.OTP.BreachThreshold {
		return fmt.Errorf("OTP_COOLDOWN_THRESHOLD (%d) exceeds OTP_BREACH_THRESHOLD (%d)",
			c.OTP.CooldownThreshold, c.OTP.BreachThreshold)
	}
	if c.OTP.MaxCooldown < c.OTP.BaseCooldown {
		return fmt.Errorf("OTP_MAX_COOLDOWN must not be shorter than OTP_BASE_COOLDOWN")
	}
	if c.OTP.BreachCooldown < c.OTP.MaxCooldown {
		return fmt.Errorf("OTP_BREACH_COOLDOWN must not be shorter than OTP_MAX_COOLDOWN")
	}
	switch c.Storage.Backend {
	case "scylla", "redis":
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}
	if c.IsProduction() && len(c.Hashing.Peppers) == 0 {
		return fmt.Errorf("OTP_PEPPERS is required in production")
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		return fmt.Errorf("KMS_KEY_ID is required when KMS is enabled")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
