// Command witnessd runs the Witness Protocol capture/evidence core as a
// standalone daemon: it owns the durable store, object store, anchor
// log, and upload queue, drives the SessionManager's pipeline, and
// exposes status/control over REST. Wiring order follows the teacher's
// daemon/main.go (config → observability → collaborators → services →
// API servers → signal-driven graceful shutdown).
package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/witnessprotocol/core/internal/anchorlog"
	"github.com/witnessprotocol/core/internal/api"
	"github.com/witnessprotocol/core/internal/config"
	witnesscrypto "github.com/witnessprotocol/core/internal/crypto"
	"github.com/witnessprotocol/core/internal/middleware"
	"github.com/witnessprotocol/core/internal/objectstore"
	"github.com/witnessprotocol/core/internal/observability"
	"github.com/witnessprotocol/core/internal/queue"
	"github.com/witnessprotocol/core/internal/session"
	"github.com/witnessprotocol/core/internal/store"
	"github.com/witnessprotocol/core/internal/verify"
)

// buildVersion is overridden at build time via -ldflags.
var buildVersion = "dev"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	restAddr := flag.String("rest-addr", "", "override rest_address from config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	if *restAddr != "" {
		cfg.RESTAddress = *restAddr
	}
	if err := os.MkdirAll(cfg.DataDirectory, 0700); err != nil {
		logrus.WithError(err).Fatal("failed to create data directory")
	}

	logger := observability.NewLogger(cfg.ServiceName, buildVersion, os.Stdout)
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker(buildVersion)

	if shutdownTracing, err := observability.InitTracing(context.Background(), cfg.ServiceName); err != nil {
		logger.Warn("tracing initialization failed, continuing without it: " + err.Error())
	} else {
		defer shutdownTracing(context.Background())
	}

	logger.Info("witnessd starting")

	reqLogger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		reqLogger.SetLevel(level)
	}

	st, err := store.Open(filepath.Join(cfg.DataDirectory, "chunks.db"), cfg.QuotaBytes)
	if err != nil {
		logger.Fatal(err, "failed to open durable chunk store")
	}
	defer st.Close()

	objStore, err := objectstore.NewLocalStore(filepath.Join(cfg.DataDirectory, "objects"))
	if err != nil {
		logger.Fatal(err, "failed to open object store")
	}

	anchorLog, err := anchorlog.Open(filepath.Join(cfg.DataDirectory, "anchors.db"))
	if err != nil {
		logger.Fatal(err, "failed to open anchor log")
	}
	defer anchorLog.Close()

	uploadQueue, err := queue.Open(
		filepath.Join(cfg.DataDirectory, "queue.db"),
		uint32(cfg.MaxRetries),
		cfg.BaseDelay(),
		cfg.MaxDelay(),
	)
	if err != nil {
		logger.Fatal(err, "failed to open upload queue")
	}
	defer func() { uploadQueue.Stop(); uploadQueue.Close() }()

	groupSecrets, err := witnesscrypto.NewGroupSecretStore(cfg.GroupSecretDir, cfg.KeystorePassphrase)
	if err != nil {
		logger.Fatal(err, "failed to open group secret store")
	}
	signerStore, err := witnesscrypto.NewSignerStore(cfg.SignerKeyDir, cfg.KeystorePassphrase)
	if err != nil {
		logger.Fatal(err, "failed to open signer key store")
	}

	publisher := session.NewEventPublisher(cfg.EventBufferSize)
	manager := session.New(st, objStore, anchorLog, uploadQueue, publisher, groupSecrets).
		WithHKDFSalt(cfg.HKDFSalt).
		WithQuotaThresholds(cfg.QuotaWarnFraction, cfg.QuotaRejectFraction)
	verifier := verify.New(objStore, anchorLog, groupSecrets)

	queueEvents := queue.Events{
		ItemCompleted: func(item queue.Item) {
			metrics.RecordUploadRetry("success")
		},
		ItemFailed: func(item queue.Item, err error, retries uint32) {
			metrics.RecordUploadRetry("permanent_failure")
			metrics.RecordChunkFailed("max_retries_exceeded")
			logger.ChunkPipelineFailed(item.SessionID, int(item.ChunkIndex), err, int(retries))
			if _, mErr := manager.MarkInterrupted(item.SessionID); mErr != nil {
				logger.Warn("failed to mark session " + item.SessionID + " interrupted: " + mErr.Error())
			}
		},
		ItemRetryScheduled: func(item queue.Item, attempt uint32, delay time.Duration) {
			metrics.RecordUploadRetry("retry_scheduled")
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	uploadQueue.Start(ctx, manager.UploadProcessor(), queueEvents, 2*time.Second)

	creators, err := signerStore.Creators()
	if err != nil {
		logger.Warn("failed to list registered signers: " + err.Error())
	}
	outcomes, err := manager.Recover(buildSignerMap(signerStore, creators))
	if err != nil {
		logger.Fatal(err, "recovery pass failed")
	}
	for _, o := range outcomes {
		if o.Resumed {
			logger.Info("resumed session " + o.SessionID + " after recovery")
		} else {
			logger.SessionInterrupted(o.SessionID, o.Reason)
		}
	}

	registerHealthChecks(healthChecker, st, objStore, anchorLog)

	router := mux.NewRouter()
	router.Use(middleware.Recovery(reqLogger))
	router.Use(middleware.Logging(reqLogger))

	apiHandler := api.NewHandler(manager, verifier, signerStore.Signer, reqLogger)
	apiHandler.RegisterRoutes(router)
	router.Handle("/health", healthChecker.Handler())
	router.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{Addr: cfg.RESTAddress, Handler: router}
	go func() {
		logger.Info("REST API listening on " + cfg.RESTAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "REST API server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")
	cancel()
	uploadQueue.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "REST API graceful shutdown failed")
	}

	logger.Info("witnessd stopped")
}

func buildSignerMap(signerStore *witnesscrypto.SignerStore, creators []string) map[string]ed25519.PrivateKey {
	out := make(map[string]ed25519.PrivateKey, len(creators))
	for _, creator := range creators {
		if priv, ok := signerStore.Signer(creator); ok {
			out[creator] = priv
		}
	}
	return out
}

func registerHealthChecks(hc *observability.HealthChecker, st store.Store, objStore objectstore.Store, anchorLog anchorlog.Log) {
	hc.RegisterCheck("object_store", observability.ObjectStoreCheck(func(ctx context.Context, data []byte) (string, error) {
		return objStore.Put(ctx, data)
	}))
	hc.RegisterCheck("anchor_log", observability.AnchorLogCheck(func() error {
		_, _, err := anchorLog.GetSession("__healthcheck__")
		return err
	}))
	hc.RegisterCheck("database", observability.DatabaseCheck(func() (int64, int64, error) {
		q, err := st.Quota()
		if err != nil {
			return 0, 0, err
		}
		return q.UsedBytes, q.QuotaBytes, nil
	}))
	hc.RegisterCheck("quota", observability.QuotaCheck(func() (int64, int64, error) {
		q, err := st.Quota()
		if err != nil {
			return 0, 0, err
		}
		return q.UsedBytes, q.QuotaBytes, nil
	}, session.DefaultQuotaWarnFraction, session.DefaultQuotaRejectFraction))
}
