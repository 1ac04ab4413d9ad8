package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_sync/config"
	"bitbucket.org/mmdatafocus/pos_sync/handlers"
	"bitbucket.org/mmdatafocus/pos_sync/models"
	"bitbucket.org/mmdatafocus/pos_sync/realtime"
	"bitbucket.org/mmdatafocus/pos_sync/workflow"
)

func main() {
	logger := config.GetLogger()

	settings, err := config.LoadSettings("")
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "settings"}).Fatal(err)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	var publisher handlers.EventPublisher
	config.ConnectRedisWithRetry(sigCtx, settings.RedisAddress)
	if rdb := config.GetRedisDB(); rdb != nil {
		publisher = realtime.NewRedisBroadcaster(rdb, "", logger)
	}

	r := handlers.NewRouter(handlers.RouterOptions{
		Publisher:      publisher,
		Logger:         logger,
		AllowedOrigins: handlers.AllowedOriginsFromEnv(),
		Production:     strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production"),
	})

	srv := &http.Server{
		Addr:    ":" + settings.Port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry(settings)

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	relayCtx, stopRelay := context.WithCancel(sigCtx)
	defer stopRelay()
	if relay := newRelay(relayCtx, settings, logger); relay != nil {
		go relay.Run(relayCtx)
	}

	select {
	case <-sigCtx.Done():
		stopRelay()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

// newRelay returns nil when Pub/Sub is not configured; devices still read the
// change feed over HTTP.
func newRelay(ctx context.Context, settings *config.Settings, logger *logrus.Logger) *workflow.ChangeFeedRelay {
	if settings.PubSubTopic == "" {
		logger.WithFields(logrus.Fields{"field": "relay"}).Info("PUBSUB_TOPIC not set; change feed relay disabled")
		return nil
	}
	client, err := config.GetClient(ctx, settings.PubSubProjectId)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "relay"}).Warn("pubsub unavailable; change feed relay disabled: " + err.Error())
		return nil
	}
	if _, err := config.CreateTopicIfNotExists(ctx, client, settings.PubSubTopic); err != nil {
		logger.WithFields(logrus.Fields{"field": "relay"}).Warn("pubsub topic unavailable; change feed relay disabled: " + err.Error())
		return nil
	}
	publisher, err := config.NewPubSubPublisher(client, settings.PubSubTopic)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "relay"}).Warn(err.Error())
		return nil
	}
	go func() {
		<-ctx.Done()
		publisher.Stop()
	}()

	relay := workflow.NewChangeFeedRelay(config.GetDB(), publisher, config.GetRedisLock(), logger)
	relay.PollInterval = settings.RelayInterval()
	return relay
}
