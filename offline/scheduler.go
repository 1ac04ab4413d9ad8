package offline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_sync/config"
	"bitbucket.org/mmdatafocus/pos_sync/netmon"
)

// Drainer is implemented by *Processor.
type Drainer interface {
	Drain(ctx context.Context) (DrainResult, error)
}

type SchedulerConfig struct {
	Drainer Drainer
	// Monitor gates drains; nil means always online.
	Monitor *netmon.Monitor
	// Interval between periodic drains; zero disables the timer.
	Interval time.Duration
	// SettleDelay is how long the device must stay online before a reconnect drain.
	SettleDelay time.Duration
	Logger      *logrus.Logger
}

// Scheduler owns when drains happen. Requests from reconnects, the timer,
// enqueues and operators are coalesced: while one is waiting, further requests
// are dropped, and drains never overlap.
type Scheduler struct {
	drainer  Drainer
	monitor  *netmon.Monitor
	interval time.Duration
	settle   time.Duration
	logger   *logrus.Logger

	trigger chan string
	stop    chan struct{}
	wg      sync.WaitGroup

	startOnce     sync.Once
	stopOnce      sync.Once
	stopReconnect func()

	mu   sync.Mutex
	last DrainResult
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		drainer:  cfg.Drainer,
		monitor:  cfg.Monitor,
		interval: cfg.Interval,
		settle:   cfg.SettleDelay,
		logger:   config.LoggerOrDefault(cfg.Logger),
		trigger:  make(chan string, 1),
		stop:     make(chan struct{}),
	}
}

// Request asks for a drain. It never blocks.
func (s *Scheduler) Request(reason string) {
	if s == nil {
		return
	}
	select {
	case s.trigger <- reason:
	default:
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.startOnce.Do(func() {
		if s.monitor != nil {
			s.stopReconnect = netmon.OnReconnect(s.monitor, s.settle, func() { s.Request("reconnect") })
		}
		s.wg.Add(1)
		go s.run(ctx)
	})
}

func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		if s.stopReconnect != nil {
			s.stopReconnect()
		}
		close(s.stop)
		s.wg.Wait()
	})
}

// LastResult is the outcome of the most recent completed drain.
func (s *Scheduler) LastResult() DrainResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	var ticker *time.Ticker
	if s.interval > 0 {
		ticker = time.NewTicker(s.interval)
		defer ticker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case reason := <-s.trigger:
			s.drain(ctx, reason)
		case <-tickChan(ticker):
			s.drain(ctx, "timer")
		}
	}
}

func tickChan(ticker *time.Ticker) <-chan time.Time {
	if ticker == nil {
		return nil
	}
	return ticker.C
}

func (s *Scheduler) drain(ctx context.Context, reason string) {
	if s.monitor != nil && !s.monitor.Online() {
		s.logger.WithField("reason", reason).Debug("offline: drain skipped while offline")
		return
	}
	result, err := s.drainer.Drain(ctx)
	if errors.Is(err, ErrDrainInProgress) {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		config.LogError(s.logger, "offline", "Scheduler", "drain ("+reason+")", nil, err)
	}
	s.mu.Lock()
	s.last = result
	s.mu.Unlock()
}
