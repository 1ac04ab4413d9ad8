package models

import (
	"context"
	"errors"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/pos_sync/realtime"
	"github.com/shopspring/decimal"
)

const testBusiness = "biz-1"

func TestCommitBill_LineTotalDividesByBaseValue(t *testing.T) {
	setupTestDB(t)
	// priced 100 per 500g
	rice := mustCreateItem(t, testBusiness, "Rice", 100, 500, 5000)

	res, err := CommitBill(tenantCtx(testBusiness), testBusiness, &NewBillCommit{
		LocalId:     "local-1",
		PaymentMode: "cash",
		Items:       []NewBillLine{line(rice.ID, 1500)},
	})
	if err != nil {
		t.Fatalf("CommitBill: %v", err)
	}
	if !res.TotalAmount.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("total = %s, want 300 (not 150000)", res.TotalAmount)
	}
	if got := mustGetItem(t, testBusiness, rice.ID).StockQty; !got.Equal(decimal.NewFromInt(3500)) {
		t.Fatalf("stock = %s, want 3500", got)
	}

	bill, err := GetBill(context.Background(), testBusiness, res.BillId)
	if err != nil {
		t.Fatalf("GetBill: %v", err)
	}
	if len(bill.Details) != 1 || !bill.Details[0].LineTotal.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("details = %+v", bill.Details)
	}
}

func TestCommitBill_TotalsApplyDiscountAndCharges(t *testing.T) {
	setupTestDB(t)
	tea := mustCreateItem(t, testBusiness, "Tea", 50, 1, 100)
	cake := mustCreateItem(t, testBusiness, "Cake", 150, 1, 100)

	res, err := CommitBill(context.Background(), testBusiness, &NewBillCommit{
		PaymentMode:       "split",
		PaymentDetails:    []PaymentSplit{{Mode: "cash", Amount: decimal.NewFromInt(100)}, {Mode: "card", Amount: decimal.NewFromInt(150)}},
		Discount:          decimal.NewFromInt(20),
		AdditionalCharges: decimal.NewFromInt(20),
		Items:             []NewBillLine{line(tea.ID, 2), line(cake.ID, 1)},
	})
	if err != nil {
		t.Fatalf("CommitBill: %v", err)
	}
	if !res.TotalAmount.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("total = %s, want 250", res.TotalAmount)
	}
	if res.Bill.LocalId == "" {
		t.Fatal("local id should be generated when missing")
	}
}

func TestCommitBill_ItemNotFoundWritesNothing(t *testing.T) {
	db := setupTestDB(t)
	tea := mustCreateItem(t, testBusiness, "Tea", 50, 1, 10)
	eventsBefore := countRows(t, db, &ChangeEvent{})

	_, err := CommitBill(context.Background(), testBusiness, &NewBillCommit{
		PaymentMode: "cash",
		Items:       []NewBillLine{line(tea.ID, 2), line(9999, 1)},
	})
	var commitErr *CommitError
	if !errors.As(err, &commitErr) || commitErr.Code != CommitErrorItemNotFound || commitErr.ItemId != 9999 {
		t.Fatalf("err = %v, want ITEM_NOT_FOUND for 9999", err)
	}
	if !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("err should wrap ErrItemNotFound: %v", err)
	}
	if got := mustGetItem(t, testBusiness, tea.ID).StockQty; !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("stock = %s, want 10 after rollback", got)
	}
	if n := countRows(t, db, &Bill{}); n != 0 {
		t.Fatalf("bills = %d, want 0", n)
	}
	if n := countRows(t, db, &ChangeEvent{}); n != eventsBefore {
		t.Fatalf("change events = %d, want %d", n, eventsBefore)
	}
}

func TestCommitBill_InsufficientStockRollsBackEarlierLines(t *testing.T) {
	db := setupTestDB(t)
	tea := mustCreateItem(t, testBusiness, "Tea", 50, 1, 10)
	cake := mustCreateItem(t, testBusiness, "Cake", 150, 1, 1)

	_, err := CommitBill(context.Background(), testBusiness, &NewBillCommit{
		PaymentMode: "cash",
		Items:       []NewBillLine{line(tea.ID, 3), line(cake.ID, 2)},
	})
	var commitErr *CommitError
	if !errors.As(err, &commitErr) || commitErr.Code != CommitErrorInsufficientStock || commitErr.ItemId != cake.ID {
		t.Fatalf("err = %v, want INSUFFICIENT_STOCK for cake", err)
	}
	if got := mustGetItem(t, testBusiness, tea.ID).StockQty; !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("tea stock = %s, want 10", got)
	}
	if got := mustGetItem(t, testBusiness, cake.ID).StockQty; !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("cake stock = %s, want 1", got)
	}
	if n := countRows(t, db, &Bill{}); n != 0 {
		t.Fatalf("bills = %d, want 0", n)
	}
}

func TestCommitBill_RepeatedItemLinesCheckCombinedQuantity(t *testing.T) {
	setupTestDB(t)
	tea := mustCreateItem(t, testBusiness, "Tea", 50, 1, 3)

	_, err := CommitBill(context.Background(), testBusiness, &NewBillCommit{
		PaymentMode: "cash",
		Items:       []NewBillLine{line(tea.ID, 2), line(tea.ID, 2)},
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("err = %v, want ErrInsufficientStock", err)
	}
}

func TestCommitBill_Validation(t *testing.T) {
	setupTestDB(t)
	tea := mustCreateItem(t, testBusiness, "Tea", 50, 1, 3)

	cases := map[string]*NewBillCommit{
		"no items":          {PaymentMode: "cash"},
		"no payment mode":   {Items: []NewBillLine{line(tea.ID, 1)}},
		"zero quantity":     {PaymentMode: "cash", Items: []NewBillLine{line(tea.ID, 0)}},
		"negative discount": {PaymentMode: "cash", Discount: decimal.NewFromInt(-1), Items: []NewBillLine{line(tea.ID, 1)}},
	}
	for name, input := range cases {
		if _, err := CommitBill(context.Background(), testBusiness, input); !errors.Is(err, ErrInvalidCommit) {
			t.Errorf("%s: err = %v, want ErrInvalidCommit", name, err)
		}
	}
	if _, err := CommitBill(context.Background(), "", &NewBillCommit{}); !errors.Is(err, ErrTenantRequired) {
		t.Errorf("empty tenant: err = %v", err)
	}
}

func TestCommitBill_NumbersAreSequentialPerTenant(t *testing.T) {
	setupTestDB(t)
	a := mustCreateItem(t, "biz-a", "Tea", 50, 1, 100)
	b := mustCreateItem(t, "biz-b", "Tea", 50, 1, 100)

	for want := int64(1); want <= 3; want++ {
		res, err := CommitBill(context.Background(), "biz-a", &NewBillCommit{PaymentMode: "cash", Items: []NewBillLine{line(a.ID, 1)}})
		if err != nil {
			t.Fatalf("CommitBill: %v", err)
		}
		if res.BillNumber != want {
			t.Fatalf("bill number = %d, want %d", res.BillNumber, want)
		}
	}

	res, err := CommitBill(context.Background(), "biz-b", &NewBillCommit{PaymentMode: "cash", Items: []NewBillLine{line(b.ID, 1)}})
	if err != nil {
		t.Fatalf("CommitBill: %v", err)
	}
	if res.BillNumber != 1 {
		t.Fatalf("second tenant bill number = %d, want 1", res.BillNumber)
	}

	// items are tenant scoped
	_, err = CommitBill(context.Background(), "biz-b", &NewBillCommit{PaymentMode: "cash", Items: []NewBillLine{line(a.ID, 1)}})
	if !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("cross tenant item: err = %v, want ErrItemNotFound", err)
	}
}

func TestCommitBill_FailedCommitDoesNotConsumeNumber(t *testing.T) {
	setupTestDB(t)
	tea := mustCreateItem(t, testBusiness, "Tea", 50, 1, 1)

	if _, err := CommitBill(context.Background(), testBusiness, &NewBillCommit{PaymentMode: "cash", Items: []NewBillLine{line(tea.ID, 5)}}); err == nil {
		t.Fatal("expected insufficient stock")
	}
	res, err := CommitBill(context.Background(), testBusiness, &NewBillCommit{PaymentMode: "cash", Items: []NewBillLine{line(tea.ID, 1)}})
	if err != nil {
		t.Fatalf("CommitBill: %v", err)
	}
	if res.BillNumber != 1 {
		t.Fatalf("bill number = %d, want 1", res.BillNumber)
	}
}

func TestCommitBill_ConcurrentLastUnit(t *testing.T) {
	setupTestDB(t)
	cake := mustCreateItem(t, testBusiness, "Cake", 150, 1, 1)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		shortages int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := CommitBill(context.Background(), testBusiness, &NewBillCommit{PaymentMode: "cash", Items: []NewBillLine{line(cake.ID, 1)}})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInsufficientStock):
				shortages++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 || shortages != 1 {
		t.Fatalf("successes=%d shortages=%d, want 1 and 1", successes, shortages)
	}
	if got := mustGetItem(t, testBusiness, cake.ID).StockQty; !got.IsZero() {
		t.Fatalf("stock = %s, want 0", got)
	}
}

func TestCommitBill_ConcurrentNumbersAreUnique(t *testing.T) {
	setupTestDB(t)
	tea := mustCreateItem(t, testBusiness, "Tea", 50, 1, 100)

	const n = 10
	numbers := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := CommitBill(context.Background(), testBusiness, &NewBillCommit{PaymentMode: "cash", Items: []NewBillLine{line(tea.ID, 1)}})
			if err != nil {
				t.Errorf("CommitBill: %v", err)
				return
			}
			numbers <- res.BillNumber
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[int64]bool)
	for num := range numbers {
		if seen[num] {
			t.Fatalf("bill number %d assigned twice", num)
		}
		seen[num] = true
	}
	for want := int64(1); want <= n; want++ {
		if !seen[want] {
			t.Fatalf("bill number %d missing from %v", want, seen)
		}
	}
}

func TestCommitBill_ResubmittedLocalIdIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	tea := mustCreateItem(t, testBusiness, "Tea", 50, 1, 10)
	input := func() *NewBillCommit {
		return &NewBillCommit{LocalId: "offline-tx-1", PaymentMode: "cash", Items: []NewBillLine{line(tea.ID, 2)}}
	}

	first, err := CommitBill(context.Background(), testBusiness, input())
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}
	second, err := CommitBill(context.Background(), testBusiness, input())
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if !second.Duplicate || second.BillNumber != first.BillNumber || second.BillId != first.BillId {
		t.Fatalf("second = %+v, want duplicate of %+v", second, first)
	}
	if got := mustGetItem(t, testBusiness, tea.ID).StockQty; !got.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("stock = %s, want 8", got)
	}
	if n := countRows(t, db, &Bill{}); n != 1 {
		t.Fatalf("bills = %d, want 1", n)
	}
}

func TestNextBillNumber_SeedsFromExistingBills(t *testing.T) {
	db := setupTestDB(t)
	tea := mustCreateItem(t, testBusiness, "Tea", 50, 1, 10)

	// bills numbered before the counter table existed
	legacy := Bill{BusinessId: testBusiness, LocalId: "legacy-41", BillNumber: 41, PaymentMode: "cash"}
	if err := db.Create(&legacy).Error; err != nil {
		t.Fatalf("seed legacy bill: %v", err)
	}

	res, err := CommitBill(context.Background(), testBusiness, &NewBillCommit{PaymentMode: "cash", Items: []NewBillLine{line(tea.ID, 1)}})
	if err != nil {
		t.Fatalf("CommitBill: %v", err)
	}
	if res.BillNumber != 42 {
		t.Fatalf("bill number = %d, want 42", res.BillNumber)
	}

	var counter BillCounter
	if err := db.Where("business_id = ?", testBusiness).First(&counter).Error; err != nil {
		t.Fatalf("counter: %v", err)
	}
	if counter.LastNumber != 42 {
		t.Fatalf("counter = %d, want 42", counter.LastNumber)
	}
}

func TestCommitBill_AppendsBillConfirmedEvent(t *testing.T) {
	setupTestDB(t)
	tea := mustCreateItem(t, testBusiness, "Tea", 50, 1, 10)

	res, err := CommitBill(tenantCtx(testBusiness), testBusiness, &NewBillCommit{LocalId: "l-9", PaymentMode: "cash", Items: []NewBillLine{line(tea.ID, 1)}})
	if err != nil {
		t.Fatalf("CommitBill: %v", err)
	}

	events, _, err := ListChangeEvents(tenantCtx(testBusiness), testBusiness, ChangeEventFilter{Entity: realtime.EntityBill})
	if err != nil {
		t.Fatalf("ListChangeEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	var confirmed realtime.BillConfirmed
	if err := events[0].Decode(&confirmed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if events[0].ID != res.EventId {
		t.Fatalf("feed event %s, commit reported %s", events[0].ID, res.EventId)
	}
	if confirmed.BillNumber != res.BillNumber || confirmed.LocalId != "l-9" || events[0].Channel != realtime.ChannelDurable {
		t.Fatalf("event = %+v payload = %+v", events[0], confirmed)
	}
}
