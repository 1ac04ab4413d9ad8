package permission

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_sync/config"
	"bitbucket.org/mmdatafocus/pos_sync/realtime"
)

type State int

const (
	Unresolved State = iota
	Resolved
)

func (s State) String() string {
	if s == Resolved {
		return "resolved"
	}
	return "unresolved"
}

// Source reads the current grants of an account and its parent.
type Source interface {
	Hierarchy(ctx context.Context, accountId string) (Hierarchy, error)
}

// Navigator moves the UI to another page.
type Navigator interface {
	NavigateTo(page Page)
}

type NavigatorFunc func(Page)

func (f NavigatorFunc) NavigateTo(page Page) { f(page) }

// Engine keeps one session's effective access current.
//
// Revocations are applied to the cached grants directly. Grants and restores
// mark the session Unresolved and re-read both grant sources, since restoring a
// parent grant says nothing about the session's own grant. Any read failure
// leaves every page denied.
type Engine struct {
	sessionId string
	source    Source
	navigator Navigator
	logger    *logrus.Logger

	// opMu serializes recomputations; mu guards the fields below it.
	opMu      sync.Mutex
	mu        sync.RWMutex
	state     State
	hierarchy Hierarchy
	effective map[Page]bool
	current   Page
	onChange  []func(map[Page]bool)
}

func NewEngine(sessionId string, source Source, navigator Navigator, logger *logrus.Logger) *Engine {
	return &Engine{
		sessionId: sessionId,
		source:    source,
		navigator: navigator,
		logger:    config.LoggerOrDefault(logger),
		effective: denyAll(),
	}
}

// OnChange registers fn to receive the effective set after every recomputation.
func (e *Engine) OnChange(fn func(map[Page]bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = append(e.onChange, fn)
}

// Start resolves the session for the first time.
func (e *Engine) Start(ctx context.Context) error {
	return e.Resolve(ctx)
}

// Resolve re-reads both grant sources and recomputes the effective set.
func (e *Engine) Resolve(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.resolve(ctx)
}

func (e *Engine) resolve(ctx context.Context) error {
	e.mu.Lock()
	e.state = Unresolved
	e.mu.Unlock()

	h, err := e.source.Hierarchy(ctx, e.sessionId)
	if err != nil {
		config.LogError(e.logger, "permission", "Resolve", "read grants, denying all pages", e.sessionId, err)
		e.apply(Hierarchy{AccountId: e.sessionId}, denyAll(), Unresolved)
		return err
	}
	if h.Own == nil {
		h.Own = Grants{}
	}
	if h.Parent == nil {
		h.Parent = Grants{}
	}
	e.apply(h, h.Effective(), Resolved)
	return nil
}

// HandleEvent reacts to permission changes naming this session or its parent.
func (e *Engine) HandleEvent(ctx context.Context, ev realtime.Event) {
	if ev.Entity != realtime.EntityPermission {
		return
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.RLock()
	h := e.hierarchy
	state := e.state
	e.mu.RUnlock()

	var ownChange bool
	switch {
	case ev.Kind == realtime.KindPermissionChanged && ev.SessionId == e.sessionId:
		ownChange = true
	case ev.Kind == realtime.KindAdminPermissionChanged && h.ParentId != "" && ev.SessionId == h.ParentId:
		ownChange = false
	default:
		return
	}

	var change realtime.GrantChange
	if err := ev.Decode(&change); err != nil || change.Page == "" || change.Allowed || state != Resolved {
		// grants and restores are never applied optimistically
		_ = e.resolve(ctx)
		return
	}

	page := Page(change.Page)
	next := Hierarchy{
		AccountId: h.AccountId,
		Role:      h.Role,
		ParentId:  h.ParentId,
		Own:       h.Own.clone(),
		Parent:    h.Parent.clone(),
	}
	if ownChange {
		next.Own[page] = false
	} else {
		next.Parent[page] = false
	}
	e.apply(next, next.Effective(), Resolved)
}

// apply stores the new effective set, moves off a forbidden page and notifies.
func (e *Engine) apply(h Hierarchy, effective map[Page]bool, state State) {
	e.mu.Lock()
	e.hierarchy = h
	e.effective = effective
	e.state = state

	var target Page
	if e.current != "" && e.current != PageSignIn && !effective[e.current] {
		target = fallbackPage(effective)
		e.current = target
	}
	listeners := append(([]func(map[Page]bool))(nil), e.onChange...)
	snapshot := copyEffective(effective)
	e.mu.Unlock()

	if target != "" {
		e.logger.WithFields(logrus.Fields{"session_id": e.sessionId, "page": target}).Info("permission: current page revoked, navigating away")
		if e.navigator != nil {
			e.navigator.NavigateTo(target)
		}
	}
	for _, fn := range listeners {
		fn(snapshot)
	}
}

// Attach subscribes the engine to permission events on layer.
func (e *Engine) Attach(ctx context.Context, layer *realtime.Layer) (unsubscribe func()) {
	return layer.Subscribe(realtime.EntityPermission, func(ev realtime.Event) {
		e.HandleEvent(ctx, ev)
	})
}

// SetCurrentPage records the page being viewed and reports whether it is allowed.
func (e *Engine) SetCurrentPage(page Page) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = page
	return page == PageSignIn || e.allowedLocked(page)
}

func (e *Engine) CurrentPage() Page {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// Allowed reports effective access. Nothing is allowed while Unresolved.
func (e *Engine) Allowed(page Page) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.allowedLocked(page)
}

func (e *Engine) allowedLocked(page Page) bool {
	return e.state == Resolved && e.effective[page]
}

func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) Effective() map[Page]bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyEffective(e.effective)
}

func copyEffective(in map[Page]bool) map[Page]bool {
	out := make(map[Page]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
