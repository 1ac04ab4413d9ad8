package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_sync/config"
	"bitbucket.org/mmdatafocus/pos_sync/localstore"
	"bitbucket.org/mmdatafocus/pos_sync/utils"
)

const provisionalCounterKey = "provisional_counter"

type QueueOptions struct {
	BusinessId string
	MaxRetries int
	Logger     *logrus.Logger
}

// Queue is the durable pending-transaction queue of one device.
type Queue struct {
	store      *localstore.Store
	businessId string
	maxRetries int
	logger     *logrus.Logger

	// mu serializes read-modify-write cycles on stored entries.
	mu        sync.Mutex
	hookMu    sync.RWMutex
	onEnqueue []func()
	now       func() time.Time
}

func NewQueue(store *localstore.Store, opts QueueOptions) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	return &Queue{
		store:      store,
		businessId: opts.BusinessId,
		maxRetries: opts.MaxRetries,
		logger:     config.LoggerOrDefault(opts.Logger),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (q *Queue) MaxRetries() int { return q.maxRetries }

// OnEnqueue registers fn to run after every successful enqueue.
func (q *Queue) OnEnqueue(fn func()) {
	q.hookMu.Lock()
	defer q.hookMu.Unlock()
	q.onEnqueue = append(q.onEnqueue, fn)
}

// IsDeadLettered reports whether tx has used up its attempts.
func (q *Queue) IsDeadLettered(tx PendingTransaction) bool {
	return !tx.Synced && tx.RetryCount >= q.maxRetries
}

// Enqueue validates tx, computes its totals, assigns a local id and a
// provisional number, and stores it. It never touches the network.
// Enqueueing a local id that is already stored returns it unchanged.
func (q *Queue) Enqueue(ctx context.Context, tx PendingTransaction) (string, error) {
	if err := q.prepare(&tx); err != nil {
		return "", err
	}

	q.mu.Lock()
	localId, err := q.enqueueLocked(ctx, tx)
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
	return localId, nil
}

func (q *Queue) enqueueLocked(ctx context.Context, tx PendingTransaction) (string, error) {
	if tx.LocalId == "" {
		tx.LocalId = uuid.NewString()
	} else {
		var existing PendingTransaction
		err := q.store.Get(ctx, localstore.CollectionPendingTransactions, tx.LocalId, &existing)
		if err == nil {
			return existing.LocalId, nil
		}
		if !errors.Is(err, localstore.ErrNotFound) {
			return "", err
		}
	}

	number, err := q.nextProvisionalNumber(ctx)
	if err != nil {
		return "", err
	}
	tx.ProvisionalNumber = fmt.Sprintf("OFF-%d", number)
	tx.CreatedAt = q.now()
	tx.Synced = false
	tx.SyncedAt = nil
	tx.RetryCount = 0
	tx.LastError = ""
	tx.LastErrorCode = ""

	if err := q.store.Put(ctx, localstore.CollectionPendingTransactions, tx.LocalId, tx); err != nil {
		return "", err
	}
	q.logger.WithFields(logrus.Fields{
		"local_id":           tx.LocalId,
		"provisional_number": tx.ProvisionalNumber,
		"total_amount":       tx.TotalAmount.String(),
	}).Info("offline: transaction queued")
	return tx.LocalId, nil
}

// prepare fills the business id, validates tx and computes its totals.
func (q *Queue) prepare(tx *PendingTransaction) error {
	if tx.BusinessId == "" {
		tx.BusinessId = q.businessId
	}
	if err := utils.GetValidator().Struct(tx); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransaction, utils.ProcessValidationErrors(err))
	}
	if tx.Discount.IsNegative() || tx.AdditionalCharges.IsNegative() {
		return fmt.Errorf("%w: discount and additional charges must not be negative", ErrInvalidTransaction)
	}

	subtotal := decimal.Zero
	for i := range tx.Items {
		line := &tx.Items[i]
		line.LineTotal = utils.CalculateLineTotal(line.Quantity, line.BaseValue, line.UnitPrice)
		subtotal = subtotal.Add(line.LineTotal)
	}
	tx.Subtotal = subtotal
	tx.TotalAmount = utils.CalculateBillTotal(subtotal, tx.Discount, tx.AdditionalCharges)
	return nil
}

func (q *Queue) nextProvisionalNumber(ctx context.Context) (int64, error) {
	var last int64
	err := q.store.Get(ctx, localstore.CollectionSettings, provisionalCounterKey, &last)
	if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return 0, err
	}
	last++
	if err := q.store.Put(ctx, localstore.CollectionSettings, provisionalCounterKey, last); err != nil {
		return 0, err
	}
	return last, nil
}

// Get returns the stored transaction.
func (q *Queue) Get(ctx context.Context, localId string) (*PendingTransaction, error) {
	var tx PendingTransaction
	if err := q.store.Get(ctx, localstore.CollectionPendingTransactions, localId, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// List returns every stored transaction, synced ones included, oldest first.
func (q *Queue) List(ctx context.Context) ([]PendingTransaction, error) {
	records, err := q.store.GetAll(ctx, localstore.CollectionPendingTransactions)
	if err != nil {
		return nil, err
	}
	txs := make([]PendingTransaction, 0, len(records))
	for _, rec := range records {
		var tx PendingTransaction
		if err := rec.Decode(&tx); err != nil {
			config.LogError(q.logger, "offline", "List", "decode pending transaction", rec.Key, err)
			continue
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// ListPending returns unsynced transactions oldest first, dead letters included.
func (q *Queue) ListPending(ctx context.Context) ([]PendingTransaction, error) {
	all, err := q.List(ctx)
	if err != nil {
		return nil, err
	}
	pending := all[:0]
	for _, tx := range all {
		if !tx.Synced {
			pending = append(pending, tx)
		}
	}
	return pending, nil
}

// DeadLetters returns the unsynced transactions that reached the retry ceiling.
func (q *Queue) DeadLetters(ctx context.Context) ([]PendingTransaction, error) {
	all, err := q.List(ctx)
	if err != nil {
		return nil, err
	}
	var dead []PendingTransaction
	for _, tx := range all {
		if q.IsDeadLettered(tx) {
			dead = append(dead, tx)
		}
	}
	return dead, nil
}

// MarkSynced records the backend confirmation. A synced transaction is never changed again.
func (q *Queue) MarkSynced(ctx context.Context, localId string, c Confirmation) (*PendingTransaction, error) {
	return q.update(ctx, localId, func(tx *PendingTransaction) error {
		now := q.now()
		tx.Synced = true
		tx.SyncedAt = &now
		tx.LastAttemptAt = &now
		tx.BillId = c.BillId
		tx.BillNumber = c.BillNumber
		if !c.TotalAmount.IsZero() {
			tx.TotalAmount = c.TotalAmount
		}
		tx.LastError = ""
		tx.LastErrorCode = ""
		return nil
	})
}

// RecordFailure increments the retry count and stores the error message.
func (q *Queue) RecordFailure(ctx context.Context, localId string, cause error) (*PendingTransaction, error) {
	return q.update(ctx, localId, func(tx *PendingTransaction) error {
		now := q.now()
		tx.RetryCount++
		tx.LastAttemptAt = &now
		if cause != nil {
			tx.LastError = cause.Error()
			tx.LastErrorCode = errorCode(cause)
		}
		return nil
	})
}

// Requeue resets a dead-lettered transaction so it is retried again. This is an
// operator action and the only way a retry count goes down.
func (q *Queue) Requeue(ctx context.Context, localId, operator string) (*PendingTransaction, error) {
	var previous int
	tx, err := q.update(ctx, localId, func(tx *PendingTransaction) error {
		if !q.IsDeadLettered(*tx) {
			return ErrNotDeadLettered
		}
		previous = tx.RetryCount
		tx.RetryCount = 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.logger.WithFields(logrus.Fields{
		"local_id":       localId,
		"operator":       operator,
		"previous_tries": previous,
		"last_error":     tx.LastError,
	}).Warn("offline: dead-lettered transaction requeued by operator")
	return tx, nil
}

func (q *Queue) update(ctx context.Context, localId string, fn func(tx *PendingTransaction) error) (*PendingTransaction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var tx PendingTransaction
	if err := q.store.Get(ctx, localstore.CollectionPendingTransactions, localId, &tx); err != nil {
		return nil, err
	}
	if tx.Synced {
		return nil, fmt.Errorf("%s: %w", localId, ErrAlreadySynced)
	}
	if err := fn(&tx); err != nil {
		return nil, fmt.Errorf("%s: %w", localId, err)
	}
	if err := q.store.Put(ctx, localstore.CollectionPendingTransactions, localId, tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Stats counts transactions by state and the legacy entries waiting.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	all, err := q.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, tx := range all {
		switch {
		case tx.Synced:
			s.Synced++
		case q.IsDeadLettered(tx):
			s.DeadLettered++
		default:
			s.Pending++
		}
	}
	if s.Entries, err = q.store.Count(ctx, localstore.CollectionSyncQueue); err != nil {
		return Stats{}, err
	}
	return s, nil
}
