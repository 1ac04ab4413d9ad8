package offline

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_sync/config"
	"bitbucket.org/mmdatafocus/pos_sync/localstore"
	"bitbucket.org/mmdatafocus/pos_sync/realtime"
)

const (
	CacheKeyItems    = "items"
	CacheKeyBills    = "bills"
	CacheKeyExpenses = "expenses"
)

// GrantsCacheKey is the cache key of one account's grant set.
func GrantsCacheKey(accountId string) string {
	return "grants:" + accountId
}

// ReferenceCache keeps reference data (menu, grants, recent bills) readable
// offline. Change events only ever drop entries, so replaying an event is harmless.
type ReferenceCache struct {
	store  *localstore.Store
	logger *logrus.Logger
}

func NewReferenceCache(store *localstore.Store, logger *logrus.Logger) *ReferenceCache {
	return &ReferenceCache{store: store, logger: config.LoggerOrDefault(logger)}
}

func (c *ReferenceCache) Put(ctx context.Context, key string, value any) error {
	return c.store.Put(ctx, localstore.CollectionReferenceCache, key, value)
}

// Get decodes the cached value into dest and reports whether it was present.
func (c *ReferenceCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	err := c.store.Get(ctx, localstore.CollectionReferenceCache, key, dest)
	if errors.Is(err, localstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *ReferenceCache) Invalidate(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := c.store.Delete(ctx, localstore.CollectionReferenceCache, key); err != nil {
			return err
		}
	}
	return nil
}

// HandleEvent drops the cache entries ev makes stale.
func (c *ReferenceCache) HandleEvent(ctx context.Context, ev realtime.Event) {
	keys := invalidatedKeys(ev)
	if len(keys) == 0 {
		return
	}
	if err := c.Invalidate(ctx, keys...); err != nil {
		config.LogError(c.logger, "offline", "ReferenceCache", "invalidate", keys, err)
	}
}

func invalidatedKeys(ev realtime.Event) []string {
	switch ev.Entity {
	case realtime.EntityItem:
		return []string{CacheKeyItems}
	case realtime.EntityBill:
		// a committed bill changes stock
		return []string{CacheKeyBills, CacheKeyItems}
	case realtime.EntityExpense:
		return []string{CacheKeyExpenses}
	case realtime.EntityPermission:
		if ev.SessionId != "" {
			return []string{GrantsCacheKey(ev.SessionId)}
		}
	}
	return nil
}

// Attach subscribes the cache to every event on layer.
func (c *ReferenceCache) Attach(ctx context.Context, layer *realtime.Layer) (unsubscribe func()) {
	return layer.Subscribe("", func(ev realtime.Event) {
		c.HandleEvent(ctx, ev)
	})
}

// CursorStore persists the change feed position in the settings collection.
type CursorStore struct {
	store *localstore.Store
	key   string
}

func NewCursorStore(store *localstore.Store, key string) *CursorStore {
	if key == "" {
		key = "change_feed_cursor"
	}
	return &CursorStore{store: store, key: key}
}

func (s *CursorStore) LoadCursor(ctx context.Context) (int64, error) {
	var cursor int64
	err := s.store.Get(ctx, localstore.CollectionSettings, s.key, &cursor)
	if errors.Is(err, localstore.ErrNotFound) {
		return 0, nil
	}
	return cursor, err
}

func (s *CursorStore) SaveCursor(ctx context.Context, cursor int64) error {
	return s.store.Put(ctx, localstore.CollectionSettings, s.key, cursor)
}
