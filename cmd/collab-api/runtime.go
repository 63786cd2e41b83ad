package main

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/config"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/database"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/lock"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const stateCacheTTL = 10 * time.Minute

// core holds the storage stack shared by the server and the maintenance commands.
type core struct {
	config    config.AppConfig
	logger    *zap.Logger
	level     zap.AtomicLevel
	db        *gorm.DB
	client    *redis.Client
	locker    *lock.Coordinator
	documents *documents.Service
}

func openCore() (*core, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, level, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}
	watchLogLevel(logger, level)

	db, err := database.Open(appConfig, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddress,
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
	})

	locker, err := lock.NewCoordinator(lock.Config{Client: client, Logger: logger})
	if err != nil {
		closeDatabase(db)
		_ = client.Close()
		return nil, err
	}

	service, err := documents.NewService(documents.ServiceConfig{
		Database:         db,
		Engine:           crdt.NewTextEngine(),
		Locker:           locker,
		Cache:            documents.NewRedisStateCache(client, stateCacheTTL),
		IDProvider:       documents.NewULIDProvider(),
		Clock:            time.Now,
		Logger:           logger,
		SnapshotInterval: appConfig.Maintenance.SnapshotInterval,
		LockTTL:          appConfig.Lock.TTL,
		LockWait:         appConfig.Lock.Wait,
	})
	if err != nil {
		closeDatabase(db)
		_ = client.Close()
		return nil, err
	}

	return &core{
		config:    appConfig,
		logger:    logger,
		level:     level,
		db:        db,
		client:    client,
		locker:    locker,
		documents: service,
	}, nil
}

func (c *core) Close() {
	_ = c.client.Close()
	closeDatabase(c.db)
	_ = c.logger.Sync()
}

func (c *core) pingRedis(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *core) pingDatabase(context.Context) error {
	return database.Ping(c.db)
}

func closeDatabase(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	_ = sqlDB.Close()
}

// watchLogLevel applies log.level edits in the config file without a restart.
func watchLogLevel(logger *zap.Logger, level zap.AtomicLevel) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		next := logging.ParseLevel(viper.GetString("log.level"))
		if next == level.Level() {
			return
		}
		level.SetLevel(next)
		logger.Info("log level changed", zap.String("level", next.String()), zap.String("file", event.Name))
	})
	viper.WatchConfig()
}
