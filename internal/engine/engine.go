// Package engine turns swipe decisions into durable applications, resolves
// them against the remote lock service, and manages the ranked slate.
//
// All in-memory state lives behind one mutex. Gateway writes that must agree
// with memory happen under that mutex; lock service calls never do.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/compass/internal/assignment"
	"github.com/kalambet/compass/internal/binlock"
	"github.com/kalambet/compass/internal/deck"
)

const (
	defaultLockTimeout      = 10 * time.Second
	defaultMaxRetryAttempts = 5
)

// Gateway persists applications and decisions. Implemented by storage.Store.
type Gateway interface {
	SaveApplication(ctx context.Context, app *assignment.Application) error
	SaveApplications(ctx context.Context, apps []*assignment.Application) error
	DeleteApplication(ctx context.Context, id string) error
	ReplaceApplications(ctx context.Context, deleted []string, apps []*assignment.Application) error
	GetUserApplications(ctx context.Context, userID string) ([]*assignment.Application, error)
	SaveDecision(ctx context.Context, d assignment.Decision) error
	RemoveDecision(ctx context.Context, userID, billetID string) error
	GetDecisions(ctx context.Context, userID string) ([]assignment.Decision, error)
}

// Catalog looks up billet details. Implemented by catalog.Cache.
type Catalog interface {
	Get(id string) (assignment.Billet, bool)
}

// RetryQueue schedules a durable lock retry. Implemented by storage.Store.
type RetryQueue interface {
	EnqueueLockRetry(ctx context.Context, appID string, maxAttempts int) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Mode selects whether decisions are persisted.
type Mode string

const (
	ModeReal    Mode = "real"
	ModeSandbox Mode = "sandbox"
)

// Deps are the ports the engine drives. Gateway, Locks and Deck are required.
type Deps struct {
	Gateway Gateway
	Locks   binlock.LockClient
	Deck    *deck.Deck
	Catalog Catalog
	Retries RetryQueue
	Clock   Clock
	Logger  *slog.Logger
	NewID   func() string
}

// Options tunes engine behavior. Zero values pick defaults.
type Options struct {
	LockTimeout      time.Duration
	MaxRetryAttempts int
	Classification   Classification
	Mode             Mode
}

// Engine is the decision engine, lock protocol and slate manager.
type Engine struct {
	gw      Gateway
	locks   binlock.LockClient
	deck    *deck.Deck
	catalog Catalog
	retries RetryQueue
	clock   Clock
	logger  *slog.Logger
	newID   func() string

	lockTimeout time.Duration
	maxAttempts int
	classes     Classification

	wg sync.WaitGroup

	mu        sync.Mutex
	mode      Mode
	epoch     uint64
	apps      map[string]*assignment.Application
	decisions map[string]map[string]assignment.Decision
	sandbox   map[string]map[string]assignment.Decision
}

// New creates an Engine.
func New(deps Deps, opts Options) *Engine {
	e := &Engine{
		gw:          deps.Gateway,
		locks:       deps.Locks,
		deck:        deps.Deck,
		catalog:     deps.Catalog,
		retries:     deps.Retries,
		clock:       deps.Clock,
		logger:      deps.Logger,
		newID:       deps.NewID,
		lockTimeout: opts.LockTimeout,
		maxAttempts: opts.MaxRetryAttempts,
		classes:     opts.Classification,
		mode:        opts.Mode,
		apps:        make(map[string]*assignment.Application),
		decisions:   make(map[string]map[string]assignment.Decision),
		sandbox:     make(map[string]map[string]assignment.Decision),
	}
	if e.clock == nil {
		e.clock = realClock{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.lockTimeout <= 0 {
		e.lockTimeout = defaultLockTimeout
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = defaultMaxRetryAttempts
	}
	if e.classes == nil {
		e.classes = DefaultClassification()
	}
	if e.mode == "" {
		e.mode = ModeReal
	}
	return e
}

// FetchBillets reloads the deck. A failed fetch leaves the deck untouched.
func (e *Engine) FetchBillets(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deck.Fetch(ctx)
}

// Hydrate replaces the in-memory view of a user with what the gateway holds.
func (e *Engine) Hydrate(ctx context.Context, userID string) error {
	apps, err := e.gw.GetUserApplications(ctx, userID)
	if err != nil {
		return assignment.IntegrityError("loading applications", err)
	}
	decisions, err := e.gw.GetDecisions(ctx, userID)
	if err != nil {
		return assignment.IntegrityError("loading decisions", err)
	}

	e.mu.Lock()
	for id, app := range e.apps {
		if app.UserID == userID {
			delete(e.apps, id)
		}
	}
	var pending []*assignment.Application
	for _, app := range apps {
		e.apps[app.ID] = app
		if app.Status == assignment.StatusOptimisticallyLocked && app.SyncStatus != assignment.SyncError {
			pending = append(pending, app.Clone())
		}
	}
	m := make(map[string]assignment.Decision, len(decisions))
	for _, d := range decisions {
		m[d.BilletID] = d
	}
	e.decisions[userID] = m
	epoch := e.epoch
	e.mu.Unlock()

	e.logger.Info("engine hydrated", "applications", len(apps), "decisions", len(decisions), "pending_locks", len(pending))
	return e.resumePending(ctx, pending, epoch)
}

// resumePending hands lock attempts that never resolved back to the retry
// queue, or dispatches them directly when there is no queue.
func (e *Engine) resumePending(ctx context.Context, pending []*assignment.Application, epoch uint64) error {
	for _, app := range pending {
		if e.retries != nil {
			if err := e.retries.EnqueueLockRetry(ctx, app.ID, e.maxAttempts); err != nil {
				return assignment.IntegrityError("scheduling lock retry", err)
			}
			continue
		}
		e.wg.Add(1)
		go func(app *assignment.Application) {
			defer e.wg.Done()
			bg := context.WithoutCancel(ctx)
			if err := e.resolveRemote(bg, app.ID, app.BilletID, app.UserID, epoch, false); err != nil {
				e.logger.Warn("lock resolution failed", "app_id", app.ID, "billet_id", app.BilletID, "error", err)
			}
		}(app)
	}
	return nil
}

// Reset clears all in-memory state and the deck. Lock attempts still in
// flight complete into the void.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.epoch++
	e.apps = make(map[string]*assignment.Application)
	e.decisions = make(map[string]map[string]assignment.Decision)
	e.sandbox = make(map[string]map[string]assignment.Decision)
	e.deck.Clear()
}

// Wait blocks until every dispatched lock attempt has completed.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// SetMode switches between persisted and sandbox decisions.
func (e *Engine) SetMode(m Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = m
}

func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// --- Selectors ---

// DeckStatus summarizes the deck for display.
type DeckStatus struct {
	Cursor    int    `json:"cursor"`
	Len       int    `json:"length"`
	Exhausted bool   `json:"exhausted"`
	Error     string `json:"error,omitempty"`
}

// Deck reports the deck position and the last fetch failure, if any.
func (e *Engine) Deck() DeckStatus {
	st := DeckStatus{
		Cursor:    e.deck.Cursor(),
		Len:       e.deck.Len(),
		Exhausted: e.deck.Exhausted(),
	}
	if err := e.deck.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

// Cursor is the deck position.
func (e *Engine) Cursor() int {
	return e.deck.Cursor()
}

// CurrentBillet returns the billet at the cursor. The billet carries only its
// id when the catalog does not know it.
func (e *Engine) CurrentBillet() (assignment.Billet, bool) {
	id, ok := e.deck.Current()
	if !ok {
		return assignment.Billet{}, false
	}
	if e.catalog != nil {
		if b, ok := e.catalog.Get(id); ok {
			return b, true
		}
	}
	return assignment.Billet{ID: id}, true
}

// Billet looks a billet up in the catalog.
func (e *Engine) Billet(id string) (assignment.Billet, bool) {
	if e.catalog == nil {
		return assignment.Billet{}, false
	}
	return e.catalog.Get(id)
}

// Application returns a copy of one application.
func (e *Engine) Application(id string) (*assignment.Application, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	app, ok := e.apps[id]
	if !ok {
		return nil, false
	}
	return app.Clone(), true
}

// Applications returns copies of every application of a user, oldest first.
func (e *Engine) Applications(userID string) []*assignment.Application {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*assignment.Application
	for _, app := range e.apps {
		if app.UserID == userID {
			out = append(out, app.Clone())
		}
	}
	sortByCreated(out)
	return out
}

// Slate returns the user's ranked active applications in rank order.
func (e *Engine) Slate(userID string) []*assignment.Application {
	e.mu.Lock()
	defer e.mu.Unlock()
	slate := e.slateLocked(userID, nil, nil)
	out := make([]*assignment.Application, len(slate))
	for i, app := range slate {
		out[i] = app.Clone()
	}
	return out
}

// Saved returns the user's active applications without a slate position.
func (e *Engine) Saved(userID string) []*assignment.Application {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*assignment.Application
	for _, app := range e.apps {
		if app.UserID == userID && app.Status.Active() && !app.Ranked() {
			out = append(out, app.Clone())
		}
	}
	sortByCreated(out)
	return out
}

// Manifest returns the user's acquiring decisions that have no ranked active
// application, oldest first.
func (e *Engine) Manifest(userID string) []assignment.Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	ranked := make(map[string]bool)
	for _, app := range e.apps {
		if app.UserID == userID && app.Status.Active() && app.Ranked() {
			ranked[app.BilletID] = true
		}
	}
	var out []assignment.Decision
	for billetID, d := range e.decisions[userID] {
		if e.classes.Acquiring(d.Verb) && !ranked[billetID] {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DecidedAt.Equal(out[j].DecidedAt) {
			return out[i].DecidedAt.Before(out[j].DecidedAt)
		}
		return out[i].BilletID < out[j].BilletID
	})
	return out
}

// Decision returns the user's recorded decision on a billet.
func (e *Engine) Decision(userID, billetID string) (assignment.Decision, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.decisions[userID][billetID]
	return d, ok
}

// SandboxDecision returns a decision recorded in sandbox mode.
func (e *Engine) SandboxDecision(userID, billetID string) (assignment.Decision, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.sandbox[userID][billetID]
	return d, ok
}

// LockState is the user-relative hold view of a billet.
func (e *Engine) LockState(billetID, userID string) assignment.LockState {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := assignment.LockOpen
	for _, app := range e.apps {
		if app.UserID != userID || app.BilletID != billetID {
			continue
		}
		switch app.Status {
		case assignment.StatusOptimisticallyLocked, assignment.StatusConfirmed, assignment.StatusSubmitted:
			return assignment.LockedByUser
		case assignment.StatusRejectedRaceCondition:
			state = assignment.LockedByOther
		}
	}
	return state
}

// liveApp returns the non-terminal application for (user, billet), if any.
func (e *Engine) liveApp(userID, billetID string) *assignment.Application {
	for _, app := range e.apps {
		if app.UserID == userID && app.BilletID == billetID && !app.Status.Terminal() {
			return app
		}
	}
	return nil
}

func (e *Engine) setDecision(d assignment.Decision) {
	m := e.decisions[d.UserID]
	if m == nil {
		m = make(map[string]assignment.Decision)
		e.decisions[d.UserID] = m
	}
	m[d.BilletID] = d
}

func sortByCreated(apps []*assignment.Application) {
	sort.Slice(apps, func(i, j int) bool {
		if !apps[i].CreatedAt.Equal(apps[j].CreatedAt) {
			return apps[i].CreatedAt.Before(apps[j].CreatedAt)
		}
		return apps[i].ID < apps[j].ID
	})
}
