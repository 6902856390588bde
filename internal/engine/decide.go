package engine

import (
	"context"

	"github.com/kalambet/compass/internal/assignment"
)

// Outcome describes what a decision did.
type Outcome string

const (
	// OutcomeRecorded: non-acquiring verb, only the decision was written.
	OutcomeRecorded Outcome = "recorded"
	// OutcomeLocked: an application was committed locally and a lock attempt dispatched.
	OutcomeLocked Outcome = "locked"
	// OutcomeDuplicate: a live application already existed for the billet.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIneligible: the billet is projected or closed and cannot be held.
	OutcomeIneligible Outcome = "ineligible"
	// OutcomeSandboxed: the decision was kept in memory only.
	OutcomeSandboxed Outcome = "sandboxed"
	// OutcomeSlateFull: the user already has the maximum of active
	// applications. Only the decision was written, so the billet stays on the manifest.
	OutcomeSlateFull Outcome = "slate_full"
)

// Result is returned by Decide.
type Result struct {
	Outcome     Outcome                 `json:"outcome"`
	Application *assignment.Application `json:"application,omitempty"`
	Cursor      int                     `json:"cursor"`
}

// Decide records the user's verb on the billet at the deck cursor and moves
// the cursor forward. Acquiring verbs commit an optimistically locked
// application before returning and resolve the lock in the background.
func (e *Engine) Decide(ctx context.Context, billetID string, verb assignment.Verb, userID string) (Result, error) {
	rule, ok := e.classes.Rule(verb)
	if !ok {
		return Result{}, assignment.ErrUnknownVerb
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current, ok := e.deck.Current()
	if !ok {
		return Result{}, assignment.ErrDeckExhausted
	}
	if current != billetID {
		return Result{}, assignment.ErrNotAtCursor
	}

	d := assignment.Decision{UserID: userID, BilletID: billetID, Verb: verb, DecidedAt: e.clock.Now()}

	if e.mode == ModeSandbox {
		m := e.sandbox[userID]
		if m == nil {
			m = make(map[string]assignment.Decision)
			e.sandbox[userID] = m
		}
		m[billetID] = d
		e.deck.Advance()
		return Result{Outcome: OutcomeSandboxed, Cursor: e.deck.Cursor()}, nil
	}

	if !rule.Acquiring {
		return e.recordOnly(ctx, d, OutcomeRecorded, nil)
	}

	if live := e.liveApp(userID, billetID); live != nil {
		e.logger.Debug("duplicate acquiring decision", "billet_id", billetID, "app_id", live.ID)
		return e.recordOnly(ctx, d, OutcomeDuplicate, live)
	}
	if e.catalog != nil {
		if b, ok := e.catalog.Get(billetID); ok && !b.Acquirable() {
			return e.recordOnly(ctx, d, OutcomeIneligible, nil)
		}
	}
	if e.activeCountLocked(userID) >= assignment.MaxSlateSize {
		return e.recordOnly(ctx, d, OutcomeSlateFull, nil)
	}

	app, err := e.commitLocal(ctx, d, rule)
	if err != nil {
		return Result{}, err
	}

	e.wg.Add(1)
	go func(epoch uint64) {
		defer e.wg.Done()
		bg := context.WithoutCancel(ctx)
		if err := e.resolveRemote(bg, app.ID, app.BilletID, app.UserID, epoch, false); err != nil {
			e.logger.Warn("lock resolution failed", "app_id", app.ID, "billet_id", app.BilletID, "error", err)
		}
	}(e.epoch)

	return Result{Outcome: OutcomeLocked, Application: app.Clone(), Cursor: e.deck.Cursor()}, nil
}

// recordOnly persists the decision and advances. Callers hold e.mu.
func (e *Engine) recordOnly(ctx context.Context, d assignment.Decision, outcome Outcome, existing *assignment.Application) (Result, error) {
	if err := e.gw.SaveDecision(ctx, d); err != nil {
		return Result{}, assignment.IntegrityError("saving decision", err)
	}
	e.setDecision(d)
	e.deck.Advance()

	res := Result{Outcome: outcome, Cursor: e.deck.Cursor()}
	if existing != nil {
		res.Application = existing.Clone()
	}
	return res, nil
}

// commitLocal is phase one of an acquisition: build the application in
// optimistically_locked, persist it with the decision, then update memory and
// advance the cursor. Nothing in memory changes if persistence fails.
// Callers hold e.mu.
func (e *Engine) commitLocal(ctx context.Context, d assignment.Decision, rule VerbRule) (*assignment.Application, error) {
	app, err := assignment.NewApplication(e.newID(), d.BilletID, d.UserID, assignment.StatusOptimisticallyLocked, d.DecidedAt, "")
	if err != nil {
		return nil, err
	}
	if rule.Rank {
		app.SetRank(len(e.slateLocked(d.UserID, nil, nil)) + 1)
	}

	if err := e.gw.SaveApplication(ctx, app); err != nil {
		return nil, assignment.IntegrityError("saving application", err)
	}
	if err := e.gw.SaveDecision(ctx, d); err != nil {
		if delErr := e.gw.DeleteApplication(ctx, app.ID); delErr != nil {
			e.logger.Error("rolling back application failed", "app_id", app.ID, "error", delErr)
		}
		return nil, assignment.IntegrityError("saving decision", err)
	}

	e.apps[app.ID] = app
	e.setDecision(d)
	e.deck.Advance()
	e.logger.Debug("application committed", "app_id", app.ID, "billet_id", app.BilletID, "rank", app.Rank())
	return app, nil
}

// Undone describes what Undo reverted.
type Undone struct {
	BilletID      string `json:"billet_id"`
	Cursor        int    `json:"cursor"`
	ApplicationID string `json:"removed_application,omitempty"`
}

// Undo steps the deck back over the last decided billet and removes the
// user's decision on it. An application that decision created is deleted
// while it is still draft or optimistically_locked; a lock result arriving
// for it afterwards is discarded as stale. Held applications are kept.
func (e *Engine) Undo(ctx context.Context, userID string) (Undone, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cursor := e.deck.Cursor()
	if cursor == 0 {
		return Undone{}, assignment.ErrNothingToUndo
	}
	billetID := e.deck.Stack()[cursor-1]
	out := Undone{BilletID: billetID, Cursor: cursor - 1}

	if _, ok := e.sandbox[userID][billetID]; ok {
		delete(e.sandbox[userID], billetID)
		e.deck.Back()
		return out, nil
	}

	d, decided := e.decisions[userID][billetID]
	if decided {
		if app := e.liveApp(userID, billetID); app != nil && app.CreatedAt.Equal(d.DecidedAt) &&
			(app.Status == assignment.StatusDraft || app.Status == assignment.StatusOptimisticallyLocked) {
			deleted := []string{app.ID}
			staged := make(map[string]*assignment.Application)
			e.compactLocked(userID, staged, deleted)
			if err := e.commit(ctx, staged, deleted); err != nil {
				return Undone{}, err
			}
			out.ApplicationID = app.ID
		}
		if err := e.gw.RemoveDecision(ctx, userID, billetID); err != nil {
			return Undone{}, assignment.IntegrityError("removing decision", err)
		}
		delete(e.decisions[userID], billetID)
	}

	e.deck.Back()
	e.logger.Debug("decision undone", "billet_id", billetID, "app_id", out.ApplicationID)
	return out, nil
}
