package offline

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/pos_sync/localstore"
	"bitbucket.org/mmdatafocus/pos_sync/utils"
)

const testBusiness = "biz-1"

func openQueue(t *testing.T) (*Queue, *localstore.Store) {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewQueue(store, QueueOptions{BusinessId: testBusiness}), store
}

func line(itemId int, qty, price string) LineItem {
	return LineItem{
		ItemId:    itemId,
		Quantity:  decimal.RequireFromString(qty),
		UnitPrice: decimal.RequireFromString(price),
		BaseValue: decimal.NewFromInt(1),
	}
}

func sale(items ...LineItem) PendingTransaction {
	return PendingTransaction{PaymentMode: "cash", Items: items}
}

type failure struct {
	code      string
	permanent bool
}

func (f *failure) Error() string     { return "commit failed: " + f.code }
func (f *failure) ErrorCode() string { return f.code }
func (f *failure) Permanent() bool   { return f.permanent }

// fakeBackend numbers bills sequentially and rejects unknown items.
type fakeBackend struct {
	mu      sync.Mutex
	prices  map[int]decimal.Decimal
	next    int64
	byLocal map[string]Confirmation
	calls   []string
	fail    func(req CommitRequest) error

	entered chan struct{}
	release chan struct{}
}

func newFakeBackend(items map[int]string) *fakeBackend {
	b := &fakeBackend{prices: map[int]decimal.Decimal{}, byLocal: map[string]Confirmation{}}
	for id, price := range items {
		b.prices[id] = decimal.RequireFromString(price)
	}
	return b
}

func (b *fakeBackend) CommitBill(ctx context.Context, businessId string, req CommitRequest) (*Confirmation, error) {
	if b.entered != nil {
		b.entered <- struct{}{}
		<-b.release
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, req.LocalId)
	if b.fail != nil {
		if err := b.fail(req); err != nil {
			return nil, err
		}
	}
	if c, ok := b.byLocal[req.LocalId]; ok {
		c.Duplicate = true
		c.EventId = ""
		return &c, nil
	}

	total := decimal.Zero
	for _, l := range req.Items {
		price, ok := b.prices[l.ItemId]
		if !ok {
			return nil, &failure{code: "ITEM_NOT_FOUND", permanent: true}
		}
		total = total.Add(utils.CalculateLineTotal(l.Quantity, decimal.NewFromInt(1), price))
	}
	b.next++
	c := Confirmation{
		BillId:      int(b.next) + 1000,
		BillNumber:  b.next,
		TotalAmount: utils.CalculateBillTotal(total, req.Discount, req.AdditionalCharges),
		EventId:     "evt-" + strconv.FormatInt(b.next, 10),
	}
	b.byLocal[req.LocalId] = c
	return &c, nil
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *fakeBackend) setFail(fn func(req CommitRequest) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = fn
}

type fakeApplier struct {
	mu      sync.Mutex
	err     error
	applied []string
}

func (a *fakeApplier) ApplyEntry(ctx context.Context, businessId string, entry SyncQueueEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.applied = append(a.applied, fmt.Sprintf("%s:%s", entry.Type, entry.Action))
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
