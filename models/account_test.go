package models

import (
	"context"
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/pos_sync/realtime"
)

func strPtr(s string) *string { return &s }

func seedAccounts(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, a := range []*Account{
		{ID: "owner-1", BusinessId: testBusiness, Name: "Owner", Role: AccountRoleOwner},
		{ID: "cashier-1", BusinessId: testBusiness, Name: "Cashier", Role: AccountRoleDelegate, ParentId: strPtr("owner-1")},
		{ID: "owner-2", BusinessId: testBusiness, Name: "Solo", Role: AccountRoleOwner},
	} {
		if err := CreateAccount(ctx, a); err != nil {
			t.Fatalf("CreateAccount(%s): %v", a.ID, err)
		}
	}
}

func TestCreateAccount_DelegateNeedsParent(t *testing.T) {
	setupTestDB(t)
	err := CreateAccount(context.Background(), &Account{ID: "x", BusinessId: testBusiness, Role: AccountRoleDelegate})
	if !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("err = %v, want ErrInvalidEntry", err)
	}
}

func TestGetAccountGrants_IncludesParentGrants(t *testing.T) {
	setupTestDB(t)
	seedAccounts(t)
	ctx := context.Background()

	if _, _, err := SaveGrant(ctx, testBusiness, "owner-1", "reports", false); err != nil {
		t.Fatalf("SaveGrant: %v", err)
	}
	if _, _, err := SaveGrant(ctx, testBusiness, "cashier-1", "reports", true); err != nil {
		t.Fatalf("SaveGrant: %v", err)
	}
	if _, _, err := SaveGrant(ctx, testBusiness, "cashier-1", "billing", true); err != nil {
		t.Fatalf("SaveGrant: %v", err)
	}

	grants, err := GetAccountGrants(ctx, testBusiness, "cashier-1")
	if err != nil {
		t.Fatalf("GetAccountGrants: %v", err)
	}
	if grants.Role != AccountRoleDelegate || grants.ParentId != "owner-1" {
		t.Fatalf("grants = %+v", grants)
	}
	if !grants.Grants["reports"] || !grants.Grants["billing"] {
		t.Fatalf("own grants = %v", grants.Grants)
	}
	if allowed, ok := grants.ParentGrants["reports"]; !ok || allowed {
		t.Fatalf("parent grants = %v", grants.ParentGrants)
	}

	if _, err := GetAccountGrants(ctx, testBusiness, "nobody"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("missing account: err = %v", err)
	}
}

func TestSaveGrant_Upserts(t *testing.T) {
	db := setupTestDB(t)
	seedAccounts(t)
	ctx := context.Background()

	for _, allowed := range []bool{true, false} {
		if _, _, err := SaveGrant(ctx, testBusiness, "owner-2", "menu", allowed); err != nil {
			t.Fatalf("SaveGrant: %v", err)
		}
	}
	if n := countRows(t, db, &PageGrant{}); n != 1 {
		t.Fatalf("grant rows = %d, want 1", n)
	}
	grants, err := GetAccountGrants(ctx, testBusiness, "owner-2")
	if err != nil {
		t.Fatalf("GetAccountGrants: %v", err)
	}
	if grants.Grants["menu"] {
		t.Fatal("latest grant should be false")
	}
}

func TestSaveGrant_AppendsCascadeEvents(t *testing.T) {
	setupTestDB(t)
	seedAccounts(t)
	ctx := context.Background()

	if _, _, err := SaveGrant(ctx, testBusiness, "owner-1", "reports", false); err != nil {
		t.Fatalf("SaveGrant: %v", err)
	}
	if _, _, err := SaveGrant(ctx, testBusiness, "owner-2", "reports", false); err != nil {
		t.Fatalf("SaveGrant: %v", err)
	}

	events, next, err := ListChangeEvents(ctx, testBusiness, ChangeEventFilter{Entity: realtime.EntityPermission})
	if err != nil {
		t.Fatalf("ListChangeEvents: %v", err)
	}
	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, string(ev.Kind)+":"+ev.SessionId)
	}
	want := []string{
		"permission-changed:owner-1",
		"admin-permission-changed:owner-1",
		"permission-changed:owner-2",
	}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events = %v, want %v", kinds, want)
		}
	}

	var change realtime.GrantChange
	if err := events[0].Decode(&change); err != nil || change.Page != "reports" || change.Allowed {
		t.Fatalf("payload = %+v err = %v", change, err)
	}

	// cursor resumes after the last event
	more, after, err := ListChangeEvents(ctx, testBusiness, ChangeEventFilter{After: next})
	if err != nil || len(more) != 0 || after != next {
		t.Fatalf("resume: events=%d next=%d err=%v", len(more), after, err)
	}

	// session filter keeps only permission events naming the session
	filtered, _, err := ListChangeEvents(ctx, testBusiness, ChangeEventFilter{Entity: realtime.EntityPermission, Sessions: []string{"owner-2"}})
	if err != nil || len(filtered) != 1 || filtered[0].SessionId != "owner-2" {
		t.Fatalf("filtered = %+v err = %v", filtered, err)
	}
}

func TestListChangeEvents_SessionFilterKeepsOtherEntities(t *testing.T) {
	setupTestDB(t)
	seedAccounts(t)
	ctx := context.Background()
	mustCreateItem(t, testBusiness, "Tea", 50, 1, 10)
	if _, _, err := SaveGrant(ctx, testBusiness, "owner-2", "menu", true); err != nil {
		t.Fatalf("SaveGrant: %v", err)
	}

	events, _, err := ListChangeEvents(ctx, testBusiness, ChangeEventFilter{Sessions: []string{"cashier-1", "owner-1"}})
	if err != nil {
		t.Fatalf("ListChangeEvents: %v", err)
	}
	if len(events) != 1 || events[0].Entity != realtime.EntityItem {
		t.Fatalf("events = %+v, want only the item event", events)
	}

	if _, _, err := ListChangeEvents(ctx, "", ChangeEventFilter{}); !errors.Is(err, ErrTenantRequired) {
		t.Fatalf("empty tenant: err = %v", err)
	}
}
