package permission

import (
	"context"
	"errors"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/pos_sync/realtime"
)

func TestEffectiveAccess(t *testing.T) {
	cases := []struct {
		name          string
		parent, child Grants
		want          bool
	}{
		{"parent denies, child allows", Grants{PageReports: false}, Grants{PageReports: true}, false},
		{"parent allows, child denies", Grants{PageReports: true}, Grants{PageReports: false}, false},
		{"both allow", Grants{PageReports: true}, Grants{PageReports: true}, true},
		{"parent silent, child allows", Grants{}, Grants{PageReports: true}, true},
		{"child silent", Grants{PageReports: true}, Grants{}, false},
	}
	for _, tc := range cases {
		if got := EffectiveAccess(tc.child, tc.parent, PageReports); got != tc.want {
			t.Errorf("%s: EffectiveAccess = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestHierarchy_Allows(t *testing.T) {
	operator := Hierarchy{Role: RoleOperator, Own: Grants{PageReports: false}}
	if !operator.Allows(PageReports) {
		t.Fatal("operator is always fully permitted")
	}
	owner := Hierarchy{Role: RoleOwner, Own: Grants{PageReports: false}}
	if owner.Allows(PageReports) || !owner.Allows(PageMenu) {
		t.Fatalf("owner effective = %v", owner.Effective())
	}
	if (Hierarchy{Role: "unknown"}).Allows(PageBilling) {
		t.Fatal("unknown role must be denied")
	}
}

// fakeSource returns a mutable hierarchy and counts reads.
type fakeSource struct {
	mu    sync.Mutex
	h     Hierarchy
	err   error
	reads int
}

func (s *fakeSource) Hierarchy(ctx context.Context, accountId string) (Hierarchy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.err != nil {
		return Hierarchy{}, s.err
	}
	return Hierarchy{
		AccountId: s.h.AccountId,
		Role:      s.h.Role,
		ParentId:  s.h.ParentId,
		Own:       s.h.Own.clone(),
		Parent:    s.h.Parent.clone(),
	}, nil
}

func (s *fakeSource) set(fn func(h *Hierarchy)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.h)
}

type navRecorder struct {
	mu    sync.Mutex
	pages []Page
}

func (n *navRecorder) NavigateTo(p Page) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pages = append(n.pages, p)
}

func (n *navRecorder) last() Page {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.pages) == 0 {
		return ""
	}
	return n.pages[len(n.pages)-1]
}

func delegateSource() *fakeSource {
	return &fakeSource{h: Hierarchy{
		AccountId: "cashier-1",
		Role:      RoleDelegate,
		ParentId:  "owner-1",
		Own:       Grants{PageBilling: true, PageReports: true, PageMenu: true},
		Parent:    Grants{},
	}}
}

func grantEvent(t *testing.T, kind realtime.ChangeKind, session string, page Page, allowed bool) realtime.Event {
	t.Helper()
	ev, err := realtime.NewEvent("biz-1", realtime.EntityPermission, kind, session, realtime.GrantChange{
		AccountId: session, Page: string(page), Allowed: allowed,
	})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	ev.SessionId = session
	return ev
}

func startEngine(t *testing.T, src *fakeSource) (*Engine, *navRecorder) {
	t.Helper()
	nav := &navRecorder{}
	e := NewEngine("cashier-1", src, nav, nil)
	if e.State() != Unresolved || e.Allowed(PageBilling) {
		t.Fatal("engine must start unresolved with no access")
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if e.State() != Resolved {
		t.Fatalf("state = %s, want resolved", e.State())
	}
	return e, nav
}

func TestEngine_OwnRevokeOnCurrentPageNavigatesAway(t *testing.T) {
	src := delegateSource()
	e, nav := startEngine(t, src)
	e.SetCurrentPage(PageReports)

	src.set(func(h *Hierarchy) { h.Own[PageReports] = false })
	e.HandleEvent(context.Background(), grantEvent(t, realtime.KindPermissionChanged, "cashier-1", PageReports, false))

	if e.Allowed(PageReports) {
		t.Fatal("reports should be revoked")
	}
	if got := nav.last(); got != PageBilling {
		t.Fatalf("navigated to %q, want %q", got, PageBilling)
	}
	if e.CurrentPage() != PageBilling {
		t.Fatalf("current page = %q", e.CurrentPage())
	}
	if src.reads != 1 {
		t.Fatalf("revocation re-read grants %d times, want incremental update", src.reads-1)
	}
}

func TestEngine_ParentRevokeCascadesToDelegate(t *testing.T) {
	src := delegateSource()
	e, nav := startEngine(t, src)
	e.SetCurrentPage(PageBilling)

	e.HandleEvent(context.Background(), grantEvent(t, realtime.KindAdminPermissionChanged, "owner-1", PageBilling, false))
	if e.Allowed(PageBilling) {
		t.Fatal("parent revoke must deny the delegate")
	}
	if got := nav.last(); got != PageMenu {
		t.Fatalf("navigated to %q, want %q", got, PageMenu)
	}
}

func TestEngine_ParentRestoreRecomputesInsteadOfReGranting(t *testing.T) {
	src := delegateSource()
	e, _ := startEngine(t, src)

	src.set(func(h *Hierarchy) { h.Parent[PageReports] = false })
	e.HandleEvent(context.Background(), grantEvent(t, realtime.KindAdminPermissionChanged, "owner-1", PageReports, false))
	if e.Allowed(PageReports) {
		t.Fatal("reports should be denied by parent")
	}

	// while the parent was restricted the delegate's own grant was withdrawn
	src.set(func(h *Hierarchy) {
		h.Parent[PageReports] = true
		h.Own[PageReports] = false
	})
	readsBefore := src.reads
	e.HandleEvent(context.Background(), grantEvent(t, realtime.KindAdminPermissionChanged, "owner-1", PageReports, true))

	if src.reads != readsBefore+1 {
		t.Fatal("restore must trigger a full recompute")
	}
	if e.Allowed(PageReports) {
		t.Fatal("restoring the parent grant must not re-grant a withdrawn own grant")
	}
	if e.State() != Resolved {
		t.Fatalf("state = %s", e.State())
	}

	src.set(func(h *Hierarchy) { h.Own[PageReports] = true })
	e.HandleEvent(context.Background(), grantEvent(t, realtime.KindPermissionChanged, "cashier-1", PageReports, true))
	if !e.Allowed(PageReports) {
		t.Fatal("own grant restored, reports should be allowed")
	}
}

func TestEngine_ResolveFailureDeniesEverything(t *testing.T) {
	src := delegateSource()
	e, nav := startEngine(t, src)
	e.SetCurrentPage(PageMenu)

	var notified map[Page]bool
	e.OnChange(func(eff map[Page]bool) { notified = eff })

	src.err = errors.New("backend unreachable")
	e.HandleEvent(context.Background(), grantEvent(t, realtime.KindPermissionChanged, "cashier-1", PageSettings, true))

	for _, page := range PriorityOrder {
		if e.Allowed(page) {
			t.Fatalf("%s allowed after failed recompute", page)
		}
		if notified[page] {
			t.Fatalf("listener told %s is allowed", page)
		}
	}
	if got := nav.last(); got != PageSignIn {
		t.Fatalf("navigated to %q, want sign-in", got)
	}
}

func TestEngine_IgnoresUnrelatedEvents(t *testing.T) {
	src := delegateSource()
	e, nav := startEngine(t, src)
	e.SetCurrentPage(PageBilling)

	e.HandleEvent(context.Background(), grantEvent(t, realtime.KindPermissionChanged, "someone-else", PageBilling, false))
	e.HandleEvent(context.Background(), grantEvent(t, realtime.KindAdminPermissionChanged, "owner-2", PageBilling, false))
	e.HandleEvent(context.Background(), realtime.Event{Entity: realtime.EntityItem, Kind: realtime.KindUpdated})

	if !e.Allowed(PageBilling) || nav.last() != "" || src.reads != 1 {
		t.Fatalf("unrelated events changed state: allowed=%v nav=%q reads=%d", e.Allowed(PageBilling), nav.last(), src.reads)
	}
}

func TestEngine_AttachReceivesLayerEvents(t *testing.T) {
	src := delegateSource()
	e, _ := startEngine(t, src)
	layer := realtime.NewLayer(realtime.Options{BusinessId: "biz-1"})
	unsubscribe := e.Attach(context.Background(), layer)
	defer unsubscribe()

	if err := layer.Publish(context.Background(), grantEvent(t, realtime.KindPermissionChanged, "cashier-1", PageMenu, false)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if e.Allowed(PageMenu) {
		t.Fatal("menu should be revoked via the layer")
	}
}
