package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/access"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/fanout"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/gateway"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/jobs"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/offline"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/presence"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/server"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func runServer(ctx context.Context) error {
	runtime, err := openCore()
	if err != nil {
		return err
	}
	defer runtime.Close()
	appConfig := runtime.config
	logger := runtime.logger
	client := runtime.client

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(signalCtx)
	defer cancel()

	checker, err := access.NewChecker(access.Config{Database: runtime.db, Logger: logger})
	if err != nil {
		return err
	}
	issuer, err := auth.NewIssuer(auth.IssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.GuestTokenTTL,
	})
	if err != nil {
		return err
	}
	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
	})
	if err != nil {
		return err
	}

	tracker, err := presence.NewTracker(presence.TrackerConfig{
		Client:      client,
		TTL:         appConfig.Gateway.PresenceTTL,
		MinInterval: appConfig.Gateway.PresenceMinInterval,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	claims, err := presence.NewClaims(presence.ClaimsConfig{Client: client, Logger: logger})
	if err != nil {
		return err
	}
	instanceID := instanceIdentifier()
	queue, err := offline.NewQueue(offline.Config{
		Client:     client,
		Capacity:   appConfig.Gateway.OfflineQueueCap,
		TTL:        appConfig.Gateway.OfflineQueueTTL,
		DrainSize:  appConfig.Gateway.OfflineDrainLimit,
		InstanceID: instanceID,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	governor, err := ratelimit.NewGovernor(ratelimit.Config{
		Client:                  client,
		ConnectionMsgsPerSecond: appConfig.Gateway.ConnectionMsgsPerSecond,
		DocumentMsgsPerSecond:   appConfig.Gateway.DocumentMsgsPerSecond,
		Logger:                  logger,
	})
	if err != nil {
		return err
	}

	bus, err := fanout.NewBus(runCtx, fanout.BusConfig{Client: client, InstanceID: instanceID, Logger: logger})
	if err != nil {
		return err
	}
	defer bus.Close() //nolint:errcheck
	registry, err := fanout.NewRegistry(fanout.RegistryConfig{
		Client:     client,
		InstanceID: instanceID,
		Heartbeat:  appConfig.Gateway.InstanceHeartbeat,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	registryDone := make(chan struct{})
	go func() {
		defer close(registryDone)
		registry.Start(runCtx)
	}()
	counters := fanout.NewCounters(client)

	realtime, err := gateway.New(gateway.Config{
		Verifier:          verifier,
		Access:            checker,
		Documents:         runtime.documents,
		Client:            client,
		Presence:          tracker,
		Claims:            claims,
		Offline:           queue,
		Bus:               bus,
		Registry:          registry,
		Counters:          counters,
		Governor:          governor,
		Logger:            logger,
		RoomCapacity:      appConfig.Gateway.RoomCapacity,
		CompressThreshold: appConfig.Gateway.CompressThresholdBytes,
		UpdateMaxBytes:    appConfig.Gateway.UpdateMaxBytes,
		DedupTTL:          appConfig.Gateway.DedupTTL,
		SenderSeqTTL:      appConfig.Gateway.SenderSeqTTL,
		DrainLimit:        appConfig.Gateway.OfflineDrainLimit,
		AllowedOrigins:    appConfig.Gateway.AllowedOrigins,
		BatchWindow:       appConfig.Gateway.BatchWindow,
		BatchMaxUpdates:   appConfig.Gateway.BatchMaxUpdates,
		BatchMaxBytes:     appConfig.Gateway.BatchMaxBytes,
	})
	if err != nil {
		return err
	}
	realtime.Start(runCtx)
	defer realtime.Close()

	scheduler, err := jobs.NewScheduler(jobs.SchedulerConfig{
		Documents: runtime.documents,
		Locker:    runtime.locker,
		Runner: jobs.NewRunner(jobs.RunnerConfig{
			Workers:  appConfig.Maintenance.JobWorkers,
			Attempts: appConfig.Maintenance.JobAttempts,
			Logger:   logger,
		}),
		Interval:     appConfig.Maintenance.JobInterval,
		HotThreshold: appConfig.Maintenance.HotDocumentThreshold,
		KeepLast:     appConfig.Maintenance.CompactionKeepLast,
		Retention: documents.RetentionPolicy{
			KeepLast: appConfig.Maintenance.RetentionKeepLast,
			MaxAge:   appConfig.Maintenance.RetentionMaxAge,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	scheduler.Start(runCtx)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:       verifier,
		Issuer:         issuer,
		Documents:      runtime.documents,
		Access:         checker,
		Realtime:       realtime,
		Jobs:           scheduler,
		Counters:       counters,
		Instances:      registry,
		Limiter:        governor,
		AllowedOrigins: appConfig.Gateway.AllowedOrigins,
		GuestTokenTTL:  appConfig.GuestTokenTTL,
		UpdateMaxBytes: appConfig.Gateway.UpdateMaxBytes,
		Logger:         logger,
		ReadinessChecks: map[string]server.ReadinessCheck{
			"redis":    runtime.pingRedis,
			"database": runtime.pingDatabase,
		},
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("instance_id", instanceID),
			zap.String("database_driver", appConfig.DatabaseDriver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
		logger.Info("shutdown requested")
	case serveErr = <-errCh:
	}

	// Hijacked websocket connections are not tracked by http.Server.
	realtime.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	shutdownErr := httpServer.Shutdown(shutdownCtx)
	cancel()
	<-registryDone
	if serveErr != nil {
		return serveErr
	}
	return shutdownErr
}

func instanceIdentifier() string {
	identifier := strings.ToLower(ulid.Make().String())
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return identifier
	}
	return host + "-" + identifier
}
