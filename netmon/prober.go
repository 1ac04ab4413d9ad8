package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_sync/config"
)

// CheckFunc reports whether the backend is reachable.
type CheckFunc func(ctx context.Context) error

// HTTPCheck returns a CheckFunc that GETs url and expects a 2xx response.
func HTTPCheck(client *http.Client, url string) CheckFunc {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &StatusError{Code: resp.StatusCode}
		}
		return nil
	}
}

type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return "health check returned " + http.StatusText(e.Code)
}

// Prober polls a CheckFunc and feeds the result into a Monitor.
type Prober struct {
	monitor  *Monitor
	check    CheckFunc
	interval time.Duration
	timeout  time.Duration
	logger   *logrus.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewProber(m *Monitor, check CheckFunc, interval time.Duration, logger *logrus.Logger) *Prober {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Prober{
		monitor:  m,
		check:    check,
		interval: interval,
		timeout:  interval,
		logger:   config.LoggerOrDefault(logger),
		stopCh:   make(chan struct{}),
	}
}

// ProbeOnce runs a single check and updates the monitor.
func (p *Prober) ProbeOnce(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	status := Online
	if err := p.check(ctx); err != nil {
		status = Offline
		if p.monitor.Online() {
			p.logger.WithField("error", err.Error()).Warn("netmon: backend unreachable")
		}
	}
	if p.monitor.Set(status) {
		p.logger.WithField("status", status.String()).Info("netmon: connectivity changed")
	}
	return status
}

// Start probes immediately and then every interval until Stop or ctx is done.
func (p *Prober) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.ProbeOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.ProbeOnce(ctx)
			}
		}
	}()
}

func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// OnReconnect calls fn once the monitor has been online for settle without
// dropping back offline. Going offline cancels a pending call.
func OnReconnect(m *Monitor, settle time.Duration, fn func()) (stop func()) {
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	unsubscribe := m.Subscribe(func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		if s != Online {
			return
		}
		timer = time.AfterFunc(settle, func() {
			if m.Online() {
				fn()
			}
		})
	})
	return func() {
		unsubscribe()
		mu.Lock()
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		mu.Unlock()
	}
}
