package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"bitbucket.org/mmdatafocus/pos_sync/config"
	"bitbucket.org/mmdatafocus/pos_sync/netmon"
	"bitbucket.org/mmdatafocus/pos_sync/offline"
	"bitbucket.org/mmdatafocus/pos_sync/permission"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep the device in sync until interrupted",
		Long: `Run probes the backend, drains the queue whenever connectivity returns or
a sale is queued, and follows the change feed to keep cached reference data
and the session's page access current.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, opts.settings)
		},
	}
}

func runAgent(ctx context.Context, settings *config.Settings) error {
	a, err := openAgent(settings)
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler := offline.NewScheduler(offline.SchedulerConfig{
		Drainer:     a.processor,
		Monitor:     a.monitor,
		Interval:    settings.DrainInterval(),
		SettleDelay: settings.SettleDelay(),
		Logger:      a.logger,
	})
	a.queue.OnEnqueue(func() { scheduler.Request("enqueue") })

	cache := offline.NewReferenceCache(a.store, a.logger)
	defer cache.Attach(ctx, a.layer)()

	if settings.SessionId != "" {
		engine := permission.NewEngine(settings.SessionId, a.client, permission.NavigatorFunc(func(page permission.Page) {
			a.logger.WithFields(logrus.Fields{"session_id": settings.SessionId, "page": page}).Warn("pos-agent: page access revoked")
		}), a.logger)
		engine.OnChange(func(effective map[permission.Page]bool) {
			if err := cache.Put(ctx, offline.GrantsCacheKey(settings.SessionId), effective); err != nil {
				config.LogError(a.logger, "pos-agent", "run", "cache effective access", settings.SessionId, err)
			}
		})
		defer engine.Attach(ctx, a.layer)()
		// grants may have changed while offline
		defer netmon.OnReconnect(a.monitor, settings.SettleDelay(), func() {
			_ = engine.Resolve(ctx)
		})()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.layer.Run(ctx)
	}()

	a.prober.Start(ctx)
	scheduler.Start(ctx)
	a.logger.WithFields(logrus.Fields{
		"business_id": settings.BusinessId,
		"backend":     settings.BackendURL,
		"store":       settings.LocalStorePath,
	}).Info("pos-agent: running")

	<-ctx.Done()
	scheduler.Stop()
	a.prober.Stop()
	wg.Wait()
	a.logger.Info("pos-agent: stopped")
	return nil
}
