package offline

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/pos_sync/localstore"
)

func TestQueue_EnqueueComputesTotalsAndProvisionalNumbers(t *testing.T) {
	q, _ := openQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, sale(line(1, "2", "100"), line(2, "1", "50")))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, err := q.Enqueue(ctx, sale(line(1, "1", "100")))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	tx, err := q.Get(ctx, first)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !tx.TotalAmount.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("total = %s, want 250", tx.TotalAmount)
	}
	if !tx.Items[0].LineTotal.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("line total = %s, want 200", tx.Items[0].LineTotal)
	}
	if tx.BusinessId != testBusiness || tx.ProvisionalNumber != "OFF-1" || tx.Synced || tx.RetryCount != 0 {
		t.Fatalf("unexpected queued transaction: %+v", tx)
	}
	tx2, _ := q.Get(ctx, second)
	if tx2.ProvisionalNumber != "OFF-2" {
		t.Fatalf("second provisional number = %q", tx2.ProvisionalNumber)
	}

	pending, err := q.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 2 || pending[0].LocalId != first || pending[1].LocalId != second {
		t.Fatalf("pending order = %+v", pending)
	}
}

func TestQueue_LineTotalDividesByBaseValue(t *testing.T) {
	q, _ := openQueue(t)
	ctx := context.Background()

	item := line(1, "1500", "100")
	item.BaseValue = decimal.NewFromInt(500)
	id, err := q.Enqueue(ctx, sale(item))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	tx, _ := q.Get(ctx, id)
	if !tx.Items[0].LineTotal.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("line total = %s, want 300", tx.Items[0].LineTotal)
	}
}

func TestQueue_EnqueueRejectsInvalidTransaction(t *testing.T) {
	q, _ := openQueue(t)
	ctx := context.Background()

	cases := map[string]PendingTransaction{
		"no items":          sale(),
		"zero quantity":     sale(line(1, "0", "10")),
		"no payment mode":   {Items: []LineItem{line(1, "1", "10")}},
		"negative discount": {PaymentMode: "cash", Items: []LineItem{line(1, "1", "10")}, Discount: decimal.NewFromInt(-1)},
	}
	for name, tx := range cases {
		if _, err := q.Enqueue(ctx, tx); !errors.Is(err, ErrInvalidTransaction) {
			t.Errorf("%s: err = %v, want ErrInvalidTransaction", name, err)
		}
	}
	if stats, _ := q.Stats(ctx); stats.Pending != 0 {
		t.Fatalf("invalid transactions were stored: %+v", stats)
	}
}

func TestQueue_EnqueueKnownLocalIdKeepsOriginal(t *testing.T) {
	q, _ := openQueue(t)
	ctx := context.Background()

	tx := sale(line(1, "1", "10"))
	tx.LocalId = "local-1"
	if _, err := q.Enqueue(ctx, tx); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.RecordFailure(ctx, "local-1", errors.New("timeout")); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if _, err := q.Enqueue(ctx, tx); err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}
	stored, _ := q.Get(ctx, "local-1")
	if stored.RetryCount != 1 || stored.ProvisionalNumber != "OFF-1" {
		t.Fatalf("re-enqueue overwrote the entry: %+v", stored)
	}
}

func TestQueue_SyncedTransactionsAreImmutable(t *testing.T) {
	q, _ := openQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, sale(line(1, "1", "10")))
	if _, err := q.MarkSynced(ctx, id, Confirmation{BillId: 7, BillNumber: 3}); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	if _, err := q.RecordFailure(ctx, id, errors.New("late failure")); !errors.Is(err, ErrAlreadySynced) {
		t.Fatalf("RecordFailure err = %v, want ErrAlreadySynced", err)
	}
	if _, err := q.MarkSynced(ctx, id, Confirmation{BillNumber: 9}); !errors.Is(err, ErrAlreadySynced) {
		t.Fatalf("MarkSynced err = %v, want ErrAlreadySynced", err)
	}
	tx, _ := q.Get(ctx, id)
	if !tx.Synced || tx.BillNumber != 3 || tx.SyncedAt == nil {
		t.Fatalf("synced transaction = %+v", tx)
	}
	pending, _ := q.ListPending(ctx)
	if len(pending) != 0 {
		t.Fatalf("synced transaction still pending")
	}
	// retained as audit trail
	stats, _ := q.Stats(ctx)
	if stats.Synced != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestQueue_RequeueOnlyResetsDeadLetters(t *testing.T) {
	q, _ := openQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, sale(line(1, "1", "10")))
	if _, err := q.Requeue(ctx, id, "manager"); !errors.Is(err, ErrNotDeadLettered) {
		t.Fatalf("Requeue err = %v, want ErrNotDeadLettered", err)
	}
	for i := 0; i < DefaultMaxRetries; i++ {
		if _, err := q.RecordFailure(ctx, id, errors.New("item not found")); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}
	dead, _ := q.DeadLetters(ctx)
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}

	tx, err := q.Requeue(ctx, id, "manager")
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if tx.RetryCount != 0 || tx.LastError != "item not found" {
		t.Fatalf("requeued transaction = %+v", tx)
	}
	if stats, _ := q.Stats(ctx); stats.Pending != 1 || stats.DeadLettered != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestQueue_StorageUnavailable(t *testing.T) {
	q := NewQueue(nil, QueueOptions{BusinessId: testBusiness})
	_, err := q.Enqueue(context.Background(), sale(line(1, "1", "10")))
	if !errors.Is(err, localstore.ErrStorageUnavailable) {
		t.Fatalf("err = %v, want ErrStorageUnavailable", err)
	}
}

func TestQueue_LegacyEntries(t *testing.T) {
	q, _ := openQueue(t)
	ctx := context.Background()

	if _, err := q.EnqueueEntry(ctx, "expense", "archive", map[string]string{}); !errors.Is(err, ErrInvalidTransaction) {
		t.Fatalf("unknown action err = %v", err)
	}
	id, err := q.EnqueueEntry(ctx, "expense", "create", map[string]any{"local_ref": "exp-1", "amount": "12.50"})
	if err != nil {
		t.Fatalf("EnqueueEntry: %v", err)
	}
	for i := 1; i < DefaultMaxRetries; i++ {
		abandoned, err := q.RecordEntryFailure(ctx, id, errors.New("unreachable"))
		if err != nil || abandoned {
			t.Fatalf("attempt %d: abandoned=%v err=%v", i, abandoned, err)
		}
	}
	abandoned, err := q.RecordEntryFailure(ctx, id, errors.New("unreachable"))
	if err != nil || !abandoned {
		t.Fatalf("final attempt: abandoned=%v err=%v", abandoned, err)
	}
	entries, _ := q.ListEntries(ctx)
	if len(entries) != 0 {
		t.Fatalf("abandoned entry still queued")
	}
}
