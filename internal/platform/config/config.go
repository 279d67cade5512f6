package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process configuration assembled from the environment.
type Config struct {
	Environment   string
	LogLevel      string
	Server        Server
	Postgres      PostgresConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Auth          AuthConfig
	Documents     DocumentsConfig
	Confirmation  ConfirmationConfig
	Notifications NotificationsConfig
	CatalogFile   string
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
}

// PostgresConfig selects the Postgres stores. An empty URL selects in-memory stores.
type PostgresConfig struct {
	URL          string
	Driver       string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxLife  time.Duration
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type KafkaConfig struct {
	Brokers         []string
	Topic           string
	ClientID        string
	Partitions      int32
	Replication     int16
	DeliveryTimeout time.Duration
}

type AuthConfig struct {
	JWTSigningKey        string
	JWTIssuer            string
	JWTAudience          string
	AdminAPIToken        string
	PaymentCallbackToken string
	AccessTokenTTL       time.Duration
	PasswordResetTTL     time.Duration
}

type DocumentsConfig struct {
	DocumentDir    string
	AttachmentDir  string
	RenderTimeout  time.Duration
	MaxUploadBytes int64
}

// ConfirmationConfig tunes confirmation number allocation. Sequence is
// "random" or "redis".
type ConfirmationConfig struct {
	Prefix      string
	MaxAttempts int
	Sequence    string
}

type NotificationsConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseBackoff  time.Duration
	Lease        time.Duration
}

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	DriverPgx = "pgx"
	DriverPq  = "postgres"

	SequenceRandom = "random"
	SequenceRedis  = "redis"

	devSigningKey = "dev-secret-key-change-in-production"
)

// FromEnv builds the configuration from environment variables. A .env file in
// the working directory is loaded first when present; real environment
// variables win over it.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment: getString("DOSSIER_ENV", EnvDevelopment),
		LogLevel:    getString("LOG_LEVEL", "info"),
		Server: Server{
			Addr:            getString("DOSSIER_ADDR", ":8080"),
			ShutdownTimeout: getDuration("DOSSIER_SHUTDOWN_TIMEOUT", 15*time.Second),
			RequestTimeout:  getDuration("DOSSIER_REQUEST_TIMEOUT", 60*time.Second),
		},
		Postgres: PostgresConfig{
			URL:          os.Getenv("DATABASE_URL"),
			Driver:       getString("DATABASE_DRIVER", DriverPgx),
			MaxOpenConns: getInt("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns: getInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLife:  getDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:         getList("KAFKA_BROKERS"),
			Topic:           getString("KAFKA_NOTIFICATION_TOPIC", "dossier.notifications"),
			ClientID:        getString("KAFKA_CLIENT_ID", "dossier"),
			Partitions:      int32(getInt("KAFKA_TOPIC_PARTITIONS", 3)),
			Replication:     int16(getInt("KAFKA_TOPIC_REPLICATION", 1)),
			DeliveryTimeout: getDuration("KAFKA_DELIVERY_TIMEOUT", 10*time.Second),
		},
		Auth: AuthConfig{
			JWTSigningKey:        getString("JWT_SIGNING_KEY", devSigningKey),
			JWTIssuer:            getString("JWT_ISSUER", "dossier"),
			JWTAudience:          getString("JWT_AUDIENCE", "dossier-api"),
			AdminAPIToken:        os.Getenv("ADMIN_API_TOKEN"),
			PaymentCallbackToken: os.Getenv("PAYMENT_CALLBACK_TOKEN"),
			AccessTokenTTL:       getDuration("JWT_ACCESS_TOKEN_TTL", 12*time.Hour),
			PasswordResetTTL:     getDuration("PASSWORD_RESET_TTL", 24*time.Hour),
		},
		Documents: DocumentsConfig{
			DocumentDir:    getString("DOSSIER_DOCUMENT_DIR", "./data/documents"),
			AttachmentDir:  getString("DOSSIER_ATTACHMENT_DIR", "./data/attachments"),
			RenderTimeout:  getDuration("DOSSIER_RENDER_TIMEOUT", 30*time.Second),
			MaxUploadBytes: int64(getInt("DOSSIER_MAX_UPLOAD_BYTES", 10<<20)),
		},
		Confirmation: ConfirmationConfig{
			Prefix:      getString("CONFIRMATION_PREFIX", "SS-IMM"),
			MaxAttempts: getInt("CONFIRMATION_MAX_ATTEMPTS", 5),
			Sequence:    getString("CONFIRMATION_SEQUENCE", SequenceRandom),
		},
		Notifications: NotificationsConfig{
			PollInterval: getDuration("NOTIFICATION_POLL_INTERVAL", 2*time.Second),
			BatchSize:    getInt("NOTIFICATION_BATCH_SIZE", 50),
			MaxAttempts:  getInt("NOTIFICATION_MAX_ATTEMPTS", 8),
			BaseBackoff:  getDuration("NOTIFICATION_BASE_BACKOFF", 5*time.Second),
			Lease:        getDuration("NOTIFICATION_LEASE", 30*time.Second),
		},
		CatalogFile: os.Getenv("DOSSIER_CATALOG_FILE"),
	}
	return cfg, cfg.Validate()
}

// Validate rejects combinations that cannot run.
func (c Config) Validate() error {
	if c.Environment == EnvProduction && c.Auth.JWTSigningKey == devSigningKey {
		return fmt.Errorf("JWT_SIGNING_KEY must be set in production")
	}
	if c.Confirmation.Sequence != SequenceRandom && c.Confirmation.Sequence != SequenceRedis {
		return fmt.Errorf("CONFIRMATION_SEQUENCE must be %q or %q", SequenceRandom, SequenceRedis)
	}
	if c.Confirmation.Sequence == SequenceRedis && c.Redis.URL == "" {
		return fmt.Errorf("CONFIRMATION_SEQUENCE=redis requires REDIS_URL")
	}
	if c.Postgres.Driver != DriverPgx && c.Postgres.Driver != DriverPq {
		return fmt.Errorf("DATABASE_DRIVER must be %q or %q", DriverPgx, DriverPq)
	}
	if c.Auth.AccessTokenTTL <= 0 || c.Auth.PasswordResetTTL <= 0 {
		return fmt.Errorf("JWT_ACCESS_TOKEN_TTL and PASSWORD_RESET_TTL must be positive")
	}
	if c.Confirmation.MaxAttempts <= 0 {
		return fmt.Errorf("CONFIRMATION_MAX_ATTEMPTS must be positive")
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func getString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getList(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
