// Package handlers exposes the sync server's HTTP API.
package handlers

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_sync/config"
	"bitbucket.org/mmdatafocus/pos_sync/middlewares"
	"bitbucket.org/mmdatafocus/pos_sync/realtime"
)

// EventPublisher rebroadcasts committed changes on the ephemeral channel.
// *realtime.RedisBroadcaster and *realtime.MemoryBroker implement it.
type EventPublisher interface {
	Publish(ctx context.Context, ev realtime.Event) error
}

type RouterOptions struct {
	// Publisher may be nil; clients then only see changes through the feed.
	Publisher EventPublisher
	Logger    *logrus.Logger
	// AllowedOrigins restricts CORS in production; empty allows all elsewhere.
	AllowedOrigins []string
	Production     bool
}

type server struct {
	publisher EventPublisher
	logger    *logrus.Logger
}

func NewRouter(opts RouterOptions) *gin.Engine {
	s := &server{publisher: opts.Publisher, logger: config.LoggerOrDefault(opts.Logger)}

	r := gin.New()
	r.Use(middlewares.CorrelationIdMiddleware())
	r.Use(cors.New(corsConfig(opts)))
	r.Use(middlewares.RequestLogger(s.logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/")
	api.Use(func(c *gin.Context) {
		if config.GetDB() == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"success": false, "error_code": codeInternal})
			return
		}
		c.Next()
	})
	api.Use(middlewares.TenantMiddleware())

	api.POST("/bills", s.CommitBillHandler())
	api.GET("/changes", s.ChangesHandler())
	api.GET("/accounts/:id/grants", s.GetGrantsHandler())
	api.PUT("/accounts/:id/grants/:page", s.SaveGrantHandler())
	api.POST("/items", s.CreateItemHandler())
	api.PUT("/items/:id", s.UpdateItemHandler())
	api.POST("/sync/:type", s.ApplyEntryHandler())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func corsConfig(opts RouterOptions) cors.Config {
	cfg := cors.DefaultConfig()
	if opts.Production {
		cfg.AllowOrigins = opts.AllowedOrigins
		if len(cfg.AllowOrigins) == 0 {
			cfg.AllowOrigins = []string{}
		}
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowMethods("GET", "POST", "PUT", "OPTIONS")
	cfg.AddAllowHeaders(middlewares.HeaderBusinessId, middlewares.HeaderUserId, middlewares.HeaderCorrelationId, "Content-Type")
	cfg.AddExposeHeaders("Content-Length", middlewares.HeaderCorrelationId)
	return cfg
}

// AllowedOriginsFromEnv reads the comma separated CORS_ALLOWED_ORIGINS.
func AllowedOriginsFromEnv() []string {
	csv := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// broadcast sends committed change events on the ephemeral channel. Failures
// only cost latency: the same events reach clients through the change feed.
func (s *server) broadcast(ctx context.Context, events ...realtime.Event) {
	if s.publisher == nil {
		return
	}
	for _, ev := range events {
		if ev.ID == "" {
			continue
		}
		ev.Channel = realtime.ChannelEphemeral
		if err := s.publisher.Publish(ctx, ev); err != nil {
			s.logger.WithFields(logrus.Fields{
				"event_id": ev.ID,
				"entity":   ev.Entity,
			}).Warn("handlers: ephemeral broadcast failed: " + err.Error())
		}
	}
}
