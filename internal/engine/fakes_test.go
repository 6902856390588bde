package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/compass/internal/assignment"
	"github.com/kalambet/compass/internal/binlock"
	"github.com/kalambet/compass/internal/deck"
)

// callLog records gateway and lock client calls in the order they happen.
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf(format, args...))
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (l *callLog) count(prefix string) int {
	n := 0
	for _, e := range l.all() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

func (l *callLog) index(entry string) int {
	for i, e := range l.all() {
		if e == entry {
			return i
		}
	}
	return -1
}

type fakeGateway struct {
	log *callLog

	mu        sync.Mutex
	apps      map[string]*assignment.Application
	decisions map[string]assignment.Decision

	failSaveApp      error
	failSaveDecision error
}

func newFakeGateway(log *callLog) *fakeGateway {
	return &fakeGateway{
		log:       log,
		apps:      make(map[string]*assignment.Application),
		decisions: make(map[string]assignment.Decision),
	}
}

func (g *fakeGateway) SaveApplication(ctx context.Context, app *assignment.Application) error {
	g.log.add("SaveApplication:%s:%s", app.BilletID, app.Status)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failSaveApp != nil {
		return g.failSaveApp
	}
	g.apps[app.ID] = app.Clone()
	return nil
}

func (g *fakeGateway) SaveApplications(ctx context.Context, apps []*assignment.Application) error {
	g.log.add("SaveApplications:%d", len(apps))
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failSaveApp != nil {
		return g.failSaveApp
	}
	for _, app := range apps {
		g.apps[app.ID] = app.Clone()
	}
	return nil
}

func (g *fakeGateway) DeleteApplication(ctx context.Context, id string) error {
	g.log.add("DeleteApplication:%s", id)
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.apps, id)
	return nil
}

func (g *fakeGateway) ReplaceApplications(ctx context.Context, deleted []string, apps []*assignment.Application) error {
	g.log.add("ReplaceApplications:%d:%d", len(deleted), len(apps))
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failSaveApp != nil {
		return g.failSaveApp
	}
	for _, id := range deleted {
		delete(g.apps, id)
	}
	for _, app := range apps {
		g.apps[app.ID] = app.Clone()
	}
	return nil
}

func (g *fakeGateway) GetUserApplications(ctx context.Context, userID string) ([]*assignment.Application, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*assignment.Application
	for _, app := range g.apps {
		if app.UserID == userID {
			out = append(out, app.Clone())
		}
	}
	return out, nil
}

func (g *fakeGateway) SaveDecision(ctx context.Context, d assignment.Decision) error {
	g.log.add("SaveDecision:%s", d.BilletID)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failSaveDecision != nil {
		return g.failSaveDecision
	}
	g.decisions[d.UserID+"|"+d.BilletID] = d
	return nil
}

func (g *fakeGateway) RemoveDecision(ctx context.Context, userID, billetID string) error {
	g.log.add("RemoveDecision:%s", billetID)
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.decisions, userID+"|"+billetID)
	return nil
}

func (g *fakeGateway) GetDecisions(ctx context.Context, userID string) ([]assignment.Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []assignment.Decision
	for _, d := range g.decisions {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (g *fakeGateway) decision(userID, billetID string) (assignment.Decision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.decisions[userID+"|"+billetID]
	return d, ok
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.apps)
}

func (g *fakeGateway) stored(id string) (*assignment.Application, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	app, ok := g.apps[id]
	return app, ok
}

type fakeLocks struct {
	log *callLog

	mu      sync.Mutex
	gate    chan struct{}
	respond func(billetID, userID string) (binlock.Grant, error)
}

func (f *fakeLocks) AttemptLock(ctx context.Context, billetID, userID string) (binlock.Grant, error) {
	f.log.add("AttemptLock:%s:%s", billetID, userID)
	f.mu.Lock()
	gate, respond := f.gate, f.respond
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return binlock.Grant{}, ctx.Err()
		}
	}
	if respond != nil {
		return respond(billetID, userID)
	}
	return binlock.Grant{
		LockToken: "tok-" + billetID,
		ExpiresAt: time.Date(2026, 6, 1, 12, 5, 0, 0, time.UTC),
		BilletID:  billetID,
	}, nil
}

func (f *fakeLocks) setRespond(fn func(billetID, userID string) (binlock.Grant, error)) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

func (f *fakeLocks) hold() chan struct{} {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	return gate
}

type fakeRetries struct {
	mu     sync.Mutex
	queued []string
}

func (f *fakeRetries) EnqueueLockRetry(ctx context.Context, appID string, maxAttempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, appID)
	return nil
}

func (f *fakeRetries) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queued...)
}

type fakeCatalog map[string]assignment.Billet

func (c fakeCatalog) Get(id string) (assignment.Billet, bool) {
	b, ok := c[id]
	return b, ok
}

// stepClock advances one millisecond on every reading.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type harness struct {
	engine  *Engine
	gw      *fakeGateway
	locks   *fakeLocks
	retries *fakeRetries
	log     *callLog
	ids     []string
}

type harnessOption func(*Deps, *Options)

func withCatalog(c Catalog) harnessOption {
	return func(d *Deps, _ *Options) { d.Catalog = c }
}

func withLockTimeout(timeout time.Duration) harnessOption {
	return func(_ *Deps, o *Options) { o.LockTimeout = timeout }
}

// newHarness builds an engine over n billets b0..b(n-1) and fetches the deck.
func newHarness(t *testing.T, n int, opts ...harnessOption) *harness {
	t.Helper()
	log := &callLog{}
	h := &harness{
		gw:      newFakeGateway(log),
		locks:   &fakeLocks{log: log},
		retries: &fakeRetries{},
		log:     log,
	}
	for i := 0; i < n; i++ {
		h.ids = append(h.ids, fmt.Sprintf("b%d", i))
	}

	var seq atomic.Int64
	deps := Deps{
		Gateway: h.gw,
		Locks:   h.locks,
		Deck: deck.New(deck.LoaderFunc(func(ctx context.Context) ([]string, error) {
			return h.ids, nil
		})),
		Retries: h.retries,
		Clock:   &stepClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)},
		NewID:   func() string { return fmt.Sprintf("app-%d", seq.Add(1)) },
	}
	var o Options
	for _, opt := range opts {
		opt(&deps, &o)
	}
	h.engine = New(deps, o)
	if err := h.engine.FetchBillets(context.Background()); err != nil {
		t.Fatalf("FetchBillets: %v", err)
	}
	t.Cleanup(h.engine.Wait)
	return h
}

func (h *harness) decide(t *testing.T, verb assignment.Verb) Result {
	t.Helper()
	b, ok := h.engine.CurrentBillet()
	if !ok {
		t.Fatal("deck exhausted")
	}
	res, err := h.engine.Decide(context.Background(), b.ID, verb, "u1")
	if err != nil {
		t.Fatalf("Decide(%s, %s): %v", b.ID, verb, err)
	}
	return res
}

func (h *harness) promote(t *testing.T, billetID string) bool {
	t.Helper()
	ok, err := h.engine.PromoteToSlate(context.Background(), billetID, "u1")
	if err != nil {
		t.Fatalf("PromoteToSlate(%s): %v", billetID, err)
	}
	return ok
}

// assertContiguous checks the user's slate ranks are exactly 1..k.
func assertContiguous(t *testing.T, e *Engine, userID string) {
	t.Helper()
	slate := e.Slate(userID)
	if len(slate) > assignment.MaxSlateSize {
		t.Errorf("slate has %d entries, max %d", len(slate), assignment.MaxSlateSize)
	}
	for i, app := range slate {
		if app.Rank() != i+1 {
			t.Errorf("slate[%d] %s has rank %d, want %d", i, app.ID, app.Rank(), i+1)
		}
	}
}
