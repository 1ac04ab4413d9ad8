package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/pos_sync/offline"
	"bitbucket.org/mmdatafocus/pos_sync/permission"
	"bitbucket.org/mmdatafocus/pos_sync/realtime"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL, BusinessId: "biz-1", UserId: "cashier-1", SessionId: "cashier-1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func commitRequest() offline.CommitRequest {
	return offline.CommitRequest{
		LocalId:     "local-1",
		PaymentMode: "cash",
		Items:       []offline.CommitLine{{ItemId: 1, Quantity: decimal.NewFromInt(2)}},
	}
}

func TestCommitBill_Success(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/bills" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get(HeaderBusinessId) != "biz-2" || r.Header.Get(HeaderUserId) != "cashier-1" || r.Header.Get(HeaderCorrelationId) == "" {
			t.Errorf("headers = %v", r.Header)
		}
		var body offline.CommitRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.LocalId != "local-1" {
			t.Errorf("body = %+v, %v", body, err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true, "bill_id": 9, "bill_number": 42, "total_amount": "200", "event_id": "evt-9",
		})
	})

	got, err := c.CommitBill(context.Background(), "biz-2", commitRequest())
	if err != nil {
		t.Fatalf("CommitBill: %v", err)
	}
	if got.BillNumber != 42 || got.BillId != 9 || got.EventId != "evt-9" || !got.TotalAmount.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("confirmation = %+v", got)
	}
}

func TestCommitBill_StructuredFailures(t *testing.T) {
	cases := []struct {
		status    int
		code      string
		permanent bool
	}{
		{http.StatusNotFound, CodeItemNotFound, true},
		{http.StatusConflict, CodeInsufficientStock, true},
		{http.StatusBadRequest, CodeInvalidRequest, true},
		{http.StatusInternalServerError, CodeInternal, false},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			json.NewEncoder(w).Encode(map[string]any{"success": false, "error_code": tc.code, "item_id": 1})
		})
		_, err := c.CommitBill(context.Background(), "", commitRequest())
		var failure *CommitFailure
		if !errors.As(err, &failure) {
			t.Fatalf("%s: err = %v, want *CommitFailure", tc.code, err)
		}
		if failure.Code != tc.code || failure.ItemId != 1 || failure.StatusCode != tc.status {
			t.Fatalf("failure = %+v", failure)
		}
		if IsValidation(err) != tc.permanent || offline.IsPermanent(err) != tc.permanent {
			t.Fatalf("%s: permanent = %v, want %v", tc.code, IsValidation(err), tc.permanent)
		}
	}
}

func TestCommitBill_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c, _ := New(Options{BaseURL: srv.URL})

	_, err := c.CommitBill(context.Background(), "biz-1", commitRequest())
	if err == nil || IsValidation(err) {
		t.Fatalf("err = %v, want transient error", err)
	}

	c2 := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})
	_, err = c2.CommitBill(context.Background(), "biz-1", commitRequest())
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway || IsValidation(err) {
		t.Fatalf("err = %v, want transient *HTTPError", err)
	}
}

func TestChanges_SendsCursorAndSession(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("after") != "10" || q.Get("limit") != "50" || q.Get("session") != "cashier-1" {
			t.Errorf("query = %v", q)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"events": []realtime.Event{{ID: "evt-11", Seq: 11, BusinessId: "biz-1", Entity: realtime.EntityItem, Kind: realtime.KindUpdated}},
			"next":   11,
		})
	})

	events, next, err := c.Changes(context.Background(), 10, 50)
	if err != nil {
		t.Fatalf("Changes: %v", err)
	}
	if next != 11 || len(events) != 1 || events[0].ID != "evt-11" {
		t.Fatalf("events = %+v next = %d", events, next)
	}
}

func TestHierarchy(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/accounts/cashier-1/grants" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"account_id":    "cashier-1",
			"role":          "delegate",
			"parent_id":     "owner-1",
			"grants":        map[string]bool{"reports": true},
			"parent_grants": map[string]bool{"reports": false},
		})
	})

	h, err := c.Hierarchy(context.Background(), "cashier-1")
	if err != nil {
		t.Fatalf("Hierarchy: %v", err)
	}
	if h.Role != permission.RoleDelegate || h.ParentId != "owner-1" || h.Allows(permission.PageReports) {
		t.Fatalf("hierarchy = %+v", h)
	}
}

func TestApplyEntryAndHealth(t *testing.T) {
	var gotPath, gotAction string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.Write([]byte(`{"status":"ok"}`))
			return
		}
		gotPath = r.URL.Path
		var body struct {
			Action string `json:"action"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotAction = body.Action
		w.Write([]byte(`{"success":true}`))
	})

	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
	err := c.ApplyEntry(context.Background(), "biz-1", offline.SyncQueueEntry{
		EntryId: "e-1", Type: "expense", Action: "create", Payload: json.RawMessage(`{"local_ref":"x"}`),
	})
	if err != nil {
		t.Fatalf("ApplyEntry: %v", err)
	}
	if gotPath != "/sync/expense" || gotAction != "create" {
		t.Fatalf("path=%s action=%s", gotPath, gotAction)
	}
}
