package realtime

import (
	"context"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/pos_sync/config"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Ephemeral is a best-effort broadcast transport. Subscribe blocks, delivering
// events of the business until ctx is done or the connection is lost.
type Ephemeral interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, businessId string, deliver func(Event)) error
}

// Feed reads the durable change feed after a cursor and returns the next cursor.
type Feed interface {
	Changes(ctx context.Context, after int64, limit int) ([]Event, int64, error)
}

// CursorStore persists the durable feed position across restarts.
type CursorStore interface {
	LoadCursor(ctx context.Context) (int64, error)
	SaveCursor(ctx context.Context, cursor int64) error
}

type Options struct {
	BusinessId string
	// Origin identifies this device on published events.
	Origin    string
	Ephemeral Ephemeral
	Feed      Feed
	Cursor    CursorStore
	Logger    *logrus.Logger

	PollInterval     time.Duration
	PollLimit        int
	ResubscribeDelay time.Duration
	// DedupWindow is how many recent event IDs are remembered.
	DedupWindow int
}

// Layer is the propagation layer one device uses. Create one and pass it to the
// components that publish or subscribe.
type Layer struct {
	opts   Options
	bus    *Bus
	logger *logrus.Logger

	mu     sync.Mutex
	seen   map[string]struct{}
	order  []string
	next   int
	cursor int64
	loaded bool
}

func NewLayer(opts Options) *Layer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.PollLimit <= 0 {
		opts.PollLimit = 200
	}
	if opts.ResubscribeDelay <= 0 {
		opts.ResubscribeDelay = 2 * time.Second
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 1024
	}
	return &Layer{
		opts:   opts,
		bus:    NewBus(),
		logger: config.LoggerOrDefault(opts.Logger),
		seen:   make(map[string]struct{}, opts.DedupWindow),
		order:  make([]string, opts.DedupWindow),
	}
}

// Subscribe registers h for one entity type; an empty entity receives everything.
func (l *Layer) Subscribe(entity EntityType, h Handler) (unsubscribe func()) {
	return l.bus.Subscribe(entity, h)
}

// Publish delivers ev on the local bus and broadcasts it on the ephemeral channel.
// Ephemeral failures are logged and not returned: the durable feed still carries
// server-side changes.
func (l *Layer) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.BusinessId == "" {
		ev.BusinessId = l.opts.BusinessId
	}
	if ev.Origin == "" {
		ev.Origin = l.opts.Origin
	}
	if ev.OriginAt.IsZero() {
		ev.OriginAt = time.Now().UTC()
	}

	l.deliver(ev, ChannelLocal)

	if l.opts.Ephemeral == nil {
		return nil
	}
	if err := l.opts.Ephemeral.Publish(ctx, ev); err != nil {
		l.logger.WithFields(logrus.Fields{
			"event_id": ev.ID,
			"entity":   ev.Entity,
			"kind":     ev.Kind,
		}).Warn("realtime: ephemeral publish failed: " + err.Error())
	}
	return nil
}

// PublishLocal delivers ev to this device's subscribers only.
func (l *Layer) PublishLocal(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.BusinessId == "" {
		ev.BusinessId = l.opts.BusinessId
	}
	if ev.OriginAt.IsZero() {
		ev.OriginAt = time.Now().UTC()
	}
	l.deliver(ev, ChannelLocal)
}

// PublishChange builds and publishes an event for entity.
func (l *Layer) PublishChange(ctx context.Context, entity EntityType, kind ChangeKind, entityId string, payload any) (Event, error) {
	ev, err := NewEvent(l.opts.BusinessId, entity, kind, entityId, payload)
	if err != nil {
		return Event{}, err
	}
	return ev, l.Publish(ctx, ev)
}

// Run keeps the ephemeral subscription alive and polls the durable feed until ctx is done.
func (l *Layer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if l.opts.Ephemeral != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.runEphemeral(ctx)
		}()
	}
	if l.opts.Feed != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.runFeed(ctx)
		}()
	}
	wg.Wait()
}

func (l *Layer) runEphemeral(ctx context.Context) {
	for {
		err := l.opts.Ephemeral.Subscribe(ctx, l.opts.BusinessId, func(ev Event) {
			l.deliver(ev, ChannelEphemeral)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.logger.WithField("business_id", l.opts.BusinessId).
				Warn("realtime: ephemeral channel lost, durable feed only until resubscribed: " + err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.opts.ResubscribeDelay):
		}
	}
}

func (l *Layer) runFeed(ctx context.Context) {
	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := l.PollOnce(ctx); err != nil && ctx.Err() == nil {
			l.logger.WithField("business_id", l.opts.BusinessId).Warn("realtime: change feed poll failed: " + err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce reads the durable feed until it is caught up and returns the number of
// events read.
func (l *Layer) PollOnce(ctx context.Context) (int, error) {
	if l.opts.Feed == nil {
		return 0, nil
	}
	cursor, err := l.loadCursor(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for {
		events, next, err := l.opts.Feed.Changes(ctx, cursor, l.opts.PollLimit)
		if err != nil {
			return total, err
		}
		for _, ev := range events {
			l.deliver(ev, ChannelDurable)
		}
		total += len(events)
		if next > cursor {
			cursor = next
			l.setCursor(cursor)
			if l.opts.Cursor != nil {
				if err := l.opts.Cursor.SaveCursor(ctx, cursor); err != nil {
					return total, err
				}
			}
		}
		if len(events) < l.opts.PollLimit {
			return total, nil
		}
	}
}

// Cursor returns the last durable feed position read.
func (l *Layer) Cursor() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursor
}

func (l *Layer) loadCursor(ctx context.Context) (int64, error) {
	l.mu.Lock()
	if l.loaded || l.opts.Cursor == nil {
		l.loaded = true
		c := l.cursor
		l.mu.Unlock()
		return c, nil
	}
	l.mu.Unlock()

	c, err := l.opts.Cursor.LoadCursor(ctx)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.loaded {
		l.cursor = c
		l.loaded = true
	}
	return l.cursor, nil
}

func (l *Layer) setCursor(c int64) {
	l.mu.Lock()
	if c > l.cursor {
		l.cursor = c
	}
	l.mu.Unlock()
}

// deliver hands ev to subscribers unless its ID was delivered recently.
func (l *Layer) deliver(ev Event, ch Channel) {
	if ev.BusinessId != "" && l.opts.BusinessId != "" && ev.BusinessId != l.opts.BusinessId {
		return
	}
	if !l.markSeen(ev.ID) {
		return
	}
	ev.Channel = ch
	l.bus.Deliver(ev)
}

func (l *Layer) markSeen(id string) bool {
	if id == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[id]; ok {
		return false
	}
	if old := l.order[l.next]; old != "" {
		delete(l.seen, old)
	}
	l.order[l.next] = id
	l.next = (l.next + 1) % len(l.order)
	l.seen[id] = struct{}{}
	return true
}
