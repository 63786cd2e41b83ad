package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "COLLAB"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "collab.db"
	defaultLogLevel     = "info"
	defaultRedisAddress = "127.0.0.1:6379"
	defaultIssuer       = "gravity-auth"
	defaultAudience     = "gravity-api"

	// DatabaseDriverSQLite selects the embedded SQLite store.
	DatabaseDriverSQLite = "sqlite"
	// DatabaseDriverPostgres selects a Postgres store reached through lib/pq.
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress    string
	LogLevel       string
	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string
	RedisAddress   string
	RedisPassword  string
	RedisDB        int
	SigningSecret  string
	TokenIssuer    string
	TokenAudience  string
	GuestTokenTTL  time.Duration
	Gateway        GatewayConfig
	Lock           LockConfig
	Maintenance    MaintenanceConfig
}

// GatewayConfig bounds the realtime connection gateway.
type GatewayConfig struct {
	RoomCapacity            int
	BatchWindow             time.Duration
	BatchMaxUpdates         int
	BatchMaxBytes           int
	CompressThresholdBytes  int
	UpdateMaxBytes          int
	PresenceMinInterval     time.Duration
	PresenceTTL             time.Duration
	DedupTTL                time.Duration
	SenderSeqTTL            time.Duration
	ConnectionMsgsPerSecond float64
	DocumentMsgsPerSecond   int
	OfflineQueueCap         int
	OfflineQueueTTL         time.Duration
	OfflineDrainLimit       int
	AllowedOrigins          []string
	InstanceHeartbeat       time.Duration
}

// LockConfig bounds the per-document write lock.
type LockConfig struct {
	TTL  time.Duration
	Wait time.Duration
}

// MaintenanceConfig drives snapshots, compaction and retention.
type MaintenanceConfig struct {
	SnapshotInterval     int64
	CompactionKeepLast   int64
	HotDocumentThreshold int64
	RetentionKeepLast    int
	RetentionMaxAge      time.Duration
	JobInterval          time.Duration
	JobWorkers           int
	JobAttempts          int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.driver", DatabaseDriverSQLite)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.guest_ttl_minutes", 30)

	configViper.SetDefault("gateway.room_capacity", 100)
	configViper.SetDefault("gateway.batch_window_ms", 40)
	configViper.SetDefault("gateway.batch_max_updates", 64)
	configViper.SetDefault("gateway.batch_max_bytes", 1<<20)
	configViper.SetDefault("gateway.compress_threshold_bytes", 2048)
	configViper.SetDefault("gateway.update_max_bytes", 1<<20)
	configViper.SetDefault("gateway.presence_min_interval_ms", 60)
	configViper.SetDefault("gateway.presence_ttl_seconds", 60)
	configViper.SetDefault("gateway.dedup_ttl_seconds", 60)
	configViper.SetDefault("gateway.sender_seq_ttl_seconds", 300)
	configViper.SetDefault("gateway.connection_msgs_per_second", 10)
	configViper.SetDefault("gateway.document_msgs_per_second", 200)
	configViper.SetDefault("gateway.offline_queue_cap", 1000)
	configViper.SetDefault("gateway.offline_queue_ttl_seconds", 86400)
	configViper.SetDefault("gateway.offline_drain_limit", 1000)
	configViper.SetDefault("gateway.allowed_origins", []string{})
	configViper.SetDefault("gateway.instance_heartbeat_seconds", 10)

	configViper.SetDefault("lock.ttl_ms", 5000)
	configViper.SetDefault("lock.wait_ms", 2000)

	configViper.SetDefault("snapshot.interval", 100)
	configViper.SetDefault("compaction.keep_last", 500)
	configViper.SetDefault("compaction.hot_threshold", 800)
	configViper.SetDefault("retention.keep_last", 20)
	configViper.SetDefault("retention.max_age_days", 90)
	configViper.SetDefault("jobs.interval_seconds", 60)
	configViper.SetDefault("jobs.workers", 2)
	configViper.SetDefault("jobs.attempts", 3)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		LogLevel:       configViper.GetString("log.level"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		RedisAddress:   configViper.GetString("redis.address"),
		RedisPassword:  configViper.GetString("redis.password"),
		RedisDB:        configViper.GetInt("redis.db"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenIssuer:    configViper.GetString("auth.issuer"),
		TokenAudience:  configViper.GetString("auth.audience"),
		GuestTokenTTL:  time.Duration(configViper.GetInt("auth.guest_ttl_minutes")) * time.Minute,
		Gateway: GatewayConfig{
			RoomCapacity:            configViper.GetInt("gateway.room_capacity"),
			BatchWindow:             milliseconds(configViper, "gateway.batch_window_ms"),
			BatchMaxUpdates:         configViper.GetInt("gateway.batch_max_updates"),
			BatchMaxBytes:           configViper.GetInt("gateway.batch_max_bytes"),
			CompressThresholdBytes:  configViper.GetInt("gateway.compress_threshold_bytes"),
			UpdateMaxBytes:          configViper.GetInt("gateway.update_max_bytes"),
			PresenceMinInterval:     milliseconds(configViper, "gateway.presence_min_interval_ms"),
			PresenceTTL:             seconds(configViper, "gateway.presence_ttl_seconds"),
			DedupTTL:                seconds(configViper, "gateway.dedup_ttl_seconds"),
			SenderSeqTTL:            seconds(configViper, "gateway.sender_seq_ttl_seconds"),
			ConnectionMsgsPerSecond: configViper.GetFloat64("gateway.connection_msgs_per_second"),
			DocumentMsgsPerSecond:   configViper.GetInt("gateway.document_msgs_per_second"),
			OfflineQueueCap:         configViper.GetInt("gateway.offline_queue_cap"),
			OfflineQueueTTL:         seconds(configViper, "gateway.offline_queue_ttl_seconds"),
			OfflineDrainLimit:       configViper.GetInt("gateway.offline_drain_limit"),
			AllowedOrigins:          configViper.GetStringSlice("gateway.allowed_origins"),
			InstanceHeartbeat:       seconds(configViper, "gateway.instance_heartbeat_seconds"),
		},
		Lock: LockConfig{
			TTL:  milliseconds(configViper, "lock.ttl_ms"),
			Wait: milliseconds(configViper, "lock.wait_ms"),
		},
		Maintenance: MaintenanceConfig{
			SnapshotInterval:     configViper.GetInt64("snapshot.interval"),
			CompactionKeepLast:   configViper.GetInt64("compaction.keep_last"),
			HotDocumentThreshold: configViper.GetInt64("compaction.hot_threshold"),
			RetentionKeepLast:    configViper.GetInt("retention.keep_last"),
			RetentionMaxAge:      time.Duration(configViper.GetInt("retention.max_age_days")) * 24 * time.Hour,
			JobInterval:          seconds(configViper, "jobs.interval_seconds"),
			JobWorkers:           configViper.GetInt("jobs.workers"),
			JobAttempts:          configViper.GetInt("jobs.attempts"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func milliseconds(configViper *viper.Viper, key string) time.Duration {
	return time.Duration(configViper.GetInt64(key)) * time.Millisecond
}

func seconds(configViper *viper.Viper, key string) time.Duration {
	return time.Duration(configViper.GetInt64(key)) * time.Second
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q", DatabaseDriverSQLite, DatabaseDriverPostgres)
	}
	if strings.TrimSpace(c.RedisAddress) == "" {
		return fmt.Errorf("redis.address is required")
	}
	if c.Gateway.RoomCapacity <= 0 {
		return fmt.Errorf("gateway.room_capacity must be positive")
	}
	if c.Gateway.BatchWindow <= 0 {
		return fmt.Errorf("gateway.batch_window_ms must be positive")
	}
	if c.Gateway.UpdateMaxBytes <= 0 {
		return fmt.Errorf("gateway.update_max_bytes must be positive")
	}
	if c.Gateway.ConnectionMsgsPerSecond <= 0 {
		return fmt.Errorf("gateway.connection_msgs_per_second must be positive")
	}
	if c.Lock.TTL <= 0 || c.Lock.Wait <= 0 {
		return fmt.Errorf("lock.ttl_ms and lock.wait_ms must be positive")
	}
	if c.Maintenance.SnapshotInterval <= 0 {
		return fmt.Errorf("snapshot.interval must be positive")
	}
	if c.Maintenance.RetentionKeepLast < 1 {
		return fmt.Errorf("retention.keep_last must be at least 1")
	}
	if c.Maintenance.JobAttempts < 1 {
		return fmt.Errorf("jobs.attempts must be at least 1")
	}
	return nil
}
