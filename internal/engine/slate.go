package engine

import (
	"context"
	"sort"

	"github.com/kalambet/compass/internal/assignment"
)

// Direction moves an application up (toward rank 1) or down the slate.
type Direction int

const (
	Up   Direction = -1
	Down Direction = 1
)

// PromoteToSlate creates a draft at the bottom of the slate. It reports false
// without changing anything when the billet already has a live application,
// the user holds the maximum of active applications, the billet cannot be
// held, or the engine is in sandbox mode.
func (e *Engine) PromoteToSlate(ctx context.Context, billetID, userID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mode == ModeSandbox {
		return false, nil
	}
	if e.liveApp(userID, billetID) != nil {
		return false, nil
	}
	if e.activeCountLocked(userID) >= assignment.MaxSlateSize {
		return false, nil
	}
	n := len(e.slateLocked(userID, nil, nil))
	if e.catalog != nil {
		if b, ok := e.catalog.Get(billetID); ok && !b.Acquirable() {
			return false, nil
		}
	}

	app, err := assignment.NewApplication(e.newID(), billetID, userID, assignment.StatusDraft, e.clock.Now(), "promoted to slate")
	if err != nil {
		return false, err
	}
	app.SetRank(n + 1)
	if err := e.commit(ctx, map[string]*assignment.Application{app.ID: app}, nil); err != nil {
		return false, err
	}
	e.logger.Debug("promoted to slate", "app_id", app.ID, "billet_id", billetID, "rank", n+1)
	return true, nil
}

// DemoteToManifest takes an application off the slate. Drafts are deleted,
// held applications keep their status without a rank. The decision record is
// kept so the billet stays on the manifest.
func (e *Engine) DemoteToManifest(ctx context.Context, appID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	app, ok := e.apps[appID]
	if !ok {
		return assignment.ErrNotFound
	}

	staged := make(map[string]*assignment.Application)
	var deleted []string
	switch app.Status {
	case assignment.StatusDraft:
		deleted = append(deleted, appID)
	case assignment.StatusOptimisticallyLocked, assignment.StatusConfirmed:
		if !app.Ranked() {
			return nil
		}
		next := app.Clone()
		next.SetRank(0)
		next.UpdatedAt = e.clock.Now()
		staged[next.ID] = next
	default:
		return assignment.ErrRankLocked
	}

	e.compactLocked(app.UserID, staged, deleted)
	return e.commit(ctx, staged, deleted)
}

// MoveApplication swaps the application at rank with its neighbour in the
// given direction. It reports false without changing anything when either
// position is out of range or either application is submitted or finished.
func (e *Engine) MoveApplication(ctx context.Context, rank int, dir Direction, userID string) (bool, error) {
	if dir != Up && dir != Down {
		return false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	slate := e.slateLocked(userID, nil, nil)
	i, j := rank-1, rank-1+int(dir)
	if i < 0 || i >= len(slate) || j < 0 || j >= len(slate) {
		return false, nil
	}
	a, b := slate[i], slate[j]
	if !a.Status.Reorderable() || !b.Status.Reorderable() {
		return false, nil
	}

	now := e.clock.Now()
	na, nb := a.Clone(), b.Clone()
	na.SetRank(b.Rank())
	nb.SetRank(a.Rank())
	na.UpdatedAt, nb.UpdatedAt = now, now
	if err := e.commit(ctx, map[string]*assignment.Application{na.ID: na, nb.ID: nb}, nil); err != nil {
		return false, err
	}
	return true, nil
}

// ReorderApplications assigns ranks 1..n in the order of ids, which must be a
// permutation of the user's slate. Submitted applications must keep their
// rank. Only applications whose rank changes are written.
func (e *Engine) ReorderApplications(ctx context.Context, ids []string, userID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	slate := e.slateLocked(userID, nil, nil)
	if len(ids) != len(slate) {
		return assignment.ErrInvalidOrder
	}
	byID := make(map[string]*assignment.Application, len(slate))
	for _, app := range slate {
		byID[app.ID] = app
	}

	now := e.clock.Now()
	seen := make(map[string]bool, len(ids))
	staged := make(map[string]*assignment.Application)
	for i, id := range ids {
		app, ok := byID[id]
		if !ok || seen[id] {
			return assignment.ErrInvalidOrder
		}
		seen[id] = true
		if app.Rank() == i+1 {
			continue
		}
		if !app.Status.Reorderable() {
			return assignment.ErrInvalidOrder
		}
		next := app.Clone()
		next.SetRank(i + 1)
		next.UpdatedAt = now
		staged[next.ID] = next
	}
	if len(staged) == 0 {
		return nil
	}
	return e.commit(ctx, staged, nil)
}

// WithdrawApplication deletes a draft together with its decision, or moves a
// submitted application to withdrawn.
func (e *Engine) WithdrawApplication(ctx context.Context, appID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	app, ok := e.apps[appID]
	if !ok {
		return assignment.ErrNotFound
	}

	switch app.Status {
	case assignment.StatusDraft:
		deleted := []string{appID}
		staged := make(map[string]*assignment.Application)
		e.compactLocked(app.UserID, staged, deleted)
		if err := e.commit(ctx, staged, deleted); err != nil {
			return err
		}
		if err := e.gw.RemoveDecision(ctx, app.UserID, app.BilletID); err != nil {
			return assignment.IntegrityError("removing decision", err)
		}
		delete(e.decisions[app.UserID], app.BilletID)
		return nil

	case assignment.StatusSubmitted:
		next := app.Clone()
		if err := next.Transition(assignment.StatusWithdrawn, e.clock.Now(), "withdrawn by user"); err != nil {
			return err
		}
		next.SetRank(0)
		staged := map[string]*assignment.Application{next.ID: next}
		e.compactLocked(next.UserID, staged, nil)
		return e.commit(ctx, staged, nil)

	default:
		return &assignment.TransitionError{AppID: appID, From: app.Status, To: assignment.StatusWithdrawn}
	}
}

// activeCountLocked counts the user's active applications, ranked or not.
// Callers hold e.mu.
func (e *Engine) activeCountLocked(userID string) int {
	n := 0
	for _, app := range e.apps {
		if app.UserID == userID && app.Status.Active() {
			n++
		}
	}
	return n
}

// slateLocked returns the user's ranked active applications in rank order,
// seen through staged replacements and deletions. Callers hold e.mu.
func (e *Engine) slateLocked(userID string, staged map[string]*assignment.Application, deleted []string) []*assignment.Application {
	gone := make(map[string]bool, len(deleted))
	for _, id := range deleted {
		gone[id] = true
	}
	var out []*assignment.Application
	for id, app := range e.apps {
		if app.UserID != userID || gone[id] {
			continue
		}
		if s, ok := staged[id]; ok {
			app = s
		}
		if app.Status.Active() && app.Ranked() {
			out = append(out, app)
		}
	}
	for id, app := range staged {
		if _, known := e.apps[id]; !known && app.UserID == userID && app.Status.Active() && app.Ranked() {
			out = append(out, app)
		}
	}
	sortByRank(out)
	return out
}

// compactLocked renumbers the user's slate to 1..k, staging a copy of every
// application whose rank changes. Callers hold e.mu.
func (e *Engine) compactLocked(userID string, staged map[string]*assignment.Application, deleted []string) {
	now := e.clock.Now()
	for i, app := range e.slateLocked(userID, staged, deleted) {
		if app.Rank() == i+1 {
			continue
		}
		next, ok := staged[app.ID]
		if !ok {
			next = app.Clone()
			next.UpdatedAt = now
			staged[next.ID] = next
		}
		next.SetRank(i + 1)
	}
}

// commit persists deletions and staged copies, then swaps them into memory.
// Memory is untouched when the gateway fails. Callers hold e.mu.
func (e *Engine) commit(ctx context.Context, staged map[string]*assignment.Application, deleted []string) error {
	batch := make([]*assignment.Application, 0, len(staged))
	for _, app := range staged {
		batch = append(batch, app)
	}
	sortByRank(batch)

	var err error
	switch {
	case len(deleted) > 0:
		if err = e.gw.ReplaceApplications(ctx, deleted, batch); err != nil {
			err = assignment.IntegrityError("replacing applications", err)
		}
	case len(batch) == 1:
		if err = e.gw.SaveApplication(ctx, batch[0]); err != nil {
			err = assignment.IntegrityError("saving application", err)
		}
	case len(batch) > 1:
		if err = e.gw.SaveApplications(ctx, batch); err != nil {
			err = assignment.IntegrityError("saving applications", err)
		}
	}
	if err != nil {
		return err
	}

	for _, id := range deleted {
		delete(e.apps, id)
	}
	for id, app := range staged {
		e.apps[id] = app
	}
	return nil
}

// sortByRank orders ranked applications first by rank, then the rest by id.
func sortByRank(apps []*assignment.Application) {
	sort.Slice(apps, func(i, j int) bool {
		ri, rj := apps[i].Rank(), apps[j].Rank()
		switch {
		case ri != 0 && rj != 0 && ri != rj:
			return ri < rj
		case ri != 0 && rj == 0:
			return true
		case ri == 0 && rj != 0:
			return false
		}
		return apps[i].ID < apps[j].ID
	})
}
