package main

import (
	"context"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_sync/backend"
	"bitbucket.org/mmdatafocus/pos_sync/config"
	"bitbucket.org/mmdatafocus/pos_sync/localstore"
	"bitbucket.org/mmdatafocus/pos_sync/netmon"
	"bitbucket.org/mmdatafocus/pos_sync/offline"
	"bitbucket.org/mmdatafocus/pos_sync/realtime"
)

// agent is one device's sync stack over its local store.
type agent struct {
	settings *config.Settings
	logger   *logrus.Logger

	store     *localstore.Store
	queue     *offline.Queue
	client    *backend.Client
	monitor   *netmon.Monitor
	prober    *netmon.Prober
	layer     *realtime.Layer
	processor *offline.Processor
	redis     *redis.Client
}

func openAgent(settings *config.Settings) (*agent, error) {
	logger := config.GetLogger()

	store, err := localstore.Open(settings.LocalStorePath)
	if err != nil {
		return nil, err
	}

	client, err := backend.New(backend.Options{
		BaseURL:    settings.BackendURL,
		BusinessId: settings.BusinessId,
		UserId:     settings.SubmitterId,
		SessionId:  settings.SessionId,
		Logger:     logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &agent{
		settings: settings,
		logger:   logger,
		store:    store,
		client:   client,
		queue: offline.NewQueue(store, offline.QueueOptions{
			BusinessId: settings.BusinessId,
			MaxRetries: settings.MaxSyncRetries,
			Logger:     logger,
		}),
		monitor: netmon.New(netmon.Offline),
	}
	a.prober = netmon.NewProber(a.monitor, client.Health, settings.ProbeInterval(), logger)

	layerOpts := realtime.Options{
		BusinessId:   settings.BusinessId,
		Origin:       deviceId(settings),
		Feed:         client,
		Cursor:       offline.NewCursorStore(store, ""),
		Logger:       logger,
		PollInterval: settings.FeedPollInterval(),
	}
	if settings.RedisAddress != "" {
		// go-redis reconnects on its own; the layer resubscribes after a drop
		a.redis = redis.NewClient(&redis.Options{Addr: settings.RedisAddress})
		layerOpts.Ephemeral = realtime.NewRedisBroadcaster(a.redis, "", logger)
	}
	a.layer = realtime.NewLayer(layerOpts)

	a.processor = offline.NewProcessor(a.queue, client, offline.ProcessorOptions{
		Applier: client,
		Layer:   a.layer,
		Logger:  logger,
	})
	return a, nil
}

// probe checks connectivity once; one-shot commands use it instead of the poller.
func (a *agent) probe(ctx context.Context) bool {
	return a.prober.ProbeOnce(ctx) == netmon.Online
}

func (a *agent) checkout() *offline.Checkout {
	return offline.NewCheckout(a.queue, a.client, a.processor, a.monitor, a.logger)
}

func (a *agent) Close() {
	a.prober.Stop()
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		config.LogError(a.logger, "pos-agent", "Close", "close local store", a.settings.LocalStorePath, err)
	}
}

func deviceId(settings *config.Settings) string {
	if settings.DeviceId != "" {
		return settings.DeviceId
	}
	host, err := os.Hostname()
	if err != nil {
		return "pos-agent"
	}
	return host
}
