package offline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_sync/config"
	"bitbucket.org/mmdatafocus/pos_sync/localstore"
	"bitbucket.org/mmdatafocus/pos_sync/utils"
)

// EnqueueEntry stores a non-bill mutation, e.g. an expense recorded offline.
func (q *Queue) EnqueueEntry(ctx context.Context, entryType, action string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	entry := SyncQueueEntry{
		EntryId:    uuid.NewString(),
		Type:       entryType,
		Action:     action,
		Payload:    data,
		EnqueuedAt: q.now(),
	}
	if err := utils.GetValidator().Struct(&entry); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTransaction, utils.ProcessValidationErrors(err))
	}

	q.mu.Lock()
	err = q.store.Put(ctx, localstore.CollectionSyncQueue, entry.EntryId, entry)
	q.mu.Unlock()
	if err != nil {
		return "", err
	}

	q.hookMu.RLock()
	hooks := append(([]func())(nil), q.onEnqueue...)
	q.hookMu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
	return entry.EntryId, nil
}

// ListEntries returns the legacy entries oldest first.
func (q *Queue) ListEntries(ctx context.Context) ([]SyncQueueEntry, error) {
	records, err := q.store.GetAll(ctx, localstore.CollectionSyncQueue)
	if err != nil {
		return nil, err
	}
	entries := make([]SyncQueueEntry, 0, len(records))
	for _, rec := range records {
		var entry SyncQueueEntry
		if err := rec.Decode(&entry); err != nil {
			config.LogError(q.logger, "offline", "ListEntries", "decode sync queue entry", rec.Key, err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// CompleteEntry removes an entry the backend has applied.
func (q *Queue) CompleteEntry(ctx context.Context, entryId string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Delete(ctx, localstore.CollectionSyncQueue, entryId)
}

// RecordEntryFailure counts a failed attempt. Once the entry reaches the retry
// ceiling it is removed and abandoned is true.
func (q *Queue) RecordEntryFailure(ctx context.Context, entryId string, cause error) (abandoned bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var entry SyncQueueEntry
	if err := q.store.Get(ctx, localstore.CollectionSyncQueue, entryId, &entry); err != nil {
		return false, err
	}
	entry.RetryCount++
	if cause != nil {
		entry.LastError = cause.Error()
	}
	if entry.RetryCount < q.maxRetries {
		return false, q.store.Put(ctx, localstore.CollectionSyncQueue, entryId, entry)
	}

	q.logger.WithFields(logrus.Fields{
		"module":     "offline",
		"entry_id":   entry.EntryId,
		"type":       entry.Type,
		"action":     entry.Action,
		"attempts":   entry.RetryCount,
		"last_error": entry.LastError,
		"payload":    string(entry.Payload),
	}).Error("offline: sync entry abandoned after max retries")
	return true, q.store.Delete(ctx, localstore.CollectionSyncQueue, entryId)
}
