package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/compass/internal/assignment"
)

func TestPromoteToSlate_CapsAtSeven(t *testing.T) {
	h := newHarness(t, 10)
	for i := 0; i < assignment.MaxSlateSize; i++ {
		if !h.promote(t, h.ids[i]) {
			t.Fatalf("promote %s returned false", h.ids[i])
		}
	}
	before := billetIDs(h.engine.Slate("u1"))

	if h.promote(t, "b7") {
		t.Error("eighth promotion succeeded")
	}
	after := billetIDs(h.engine.Slate("u1"))
	if len(after) != assignment.MaxSlateSize {
		t.Fatalf("slate size = %d, want %d", len(after), assignment.MaxSlateSize)
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("slate changed: %v -> %v", before, after)
			break
		}
	}
	assertContiguous(t, h.engine, "u1")

	if h.promote(t, "b0") {
		t.Error("promoting a billet with a live application succeeded")
	}
}

func TestDecide_SlateVerbStopsAcquiringWhenFull(t *testing.T) {
	h := newHarness(t, 9)
	for i := 0; i < 7; i++ {
		h.decide(t, assignment.VerbSlate)
	}
	for i := 7; i < 9; i++ {
		if res := h.decide(t, assignment.VerbSlate); res.Outcome != OutcomeSlateFull || res.Application != nil {
			t.Errorf("decision %d = %+v, want slate_full without application", i, res)
		}
	}
	h.engine.Wait()

	if n := len(h.engine.Slate("u1")); n != assignment.MaxSlateSize {
		t.Errorf("slate size = %d, want %d", n, assignment.MaxSlateSize)
	}
	if n := len(h.engine.Applications("u1")); n != assignment.MaxSlateSize {
		t.Errorf("applications = %d, want %d", n, assignment.MaxSlateSize)
	}
	if n := h.log.count("AttemptLock:"); n != assignment.MaxSlateSize {
		t.Errorf("lock calls = %d, want %d", n, assignment.MaxSlateSize)
	}
	manifest := h.engine.Manifest("u1")
	if len(manifest) != 2 || manifest[0].BilletID != "b7" || manifest[1].BilletID != "b8" {
		t.Errorf("manifest = %+v, want [b7 b8]", manifest)
	}
	assertContiguous(t, h.engine, "u1")
}

func TestCapacity_CountsSavedApplications(t *testing.T) {
	h := newHarness(t, 16)
	for i := 0; i < 4; i++ {
		h.decide(t, assignment.VerbSave)
	}
	for _, id := range []string{"b10", "b11", "b12"} {
		if !h.promote(t, id) {
			t.Fatalf("promote %s returned false", id)
		}
	}
	h.engine.Wait()

	if h.promote(t, "b15") {
		t.Error("promotion succeeded with 7 active applications")
	}
	if res := h.decide(t, assignment.VerbSave); res.Outcome != OutcomeSlateFull {
		t.Errorf("save outcome = %q, want slate_full", res.Outcome)
	}
	h.engine.Wait()

	active := 0
	for _, app := range h.engine.Applications("u1") {
		if app.Status.Active() {
			active++
		}
	}
	if active != assignment.MaxSlateSize {
		t.Errorf("active applications = %d, want %d", active, assignment.MaxSlateSize)
	}
	if got := billetIDs(h.engine.Slate("u1")); len(got) != 3 || got[0] != "b10" {
		t.Errorf("slate = %v, want [b10 b11 b12]", got)
	}
	assertContiguous(t, h.engine, "u1")

	// Demoting a draft frees a place.
	if err := h.engine.DemoteToManifest(context.Background(), h.appFor(t, "b12").ID); err != nil {
		t.Fatalf("demote: %v", err)
	}
	if !h.promote(t, "b15") {
		t.Error("promotion failed after a place was freed")
	}
}

func TestPromoteToSlate_SandboxCreatesNothing(t *testing.T) {
	h := newHarness(t, 2)
	h.engine.SetMode(ModeSandbox)

	if h.promote(t, "b0") {
		t.Error("promotion succeeded in sandbox mode")
	}
	if n := len(h.engine.Applications("u1")); n != 0 {
		t.Errorf("applications = %d, want 0", n)
	}
	if entries := h.log.all(); len(entries) != 0 {
		t.Errorf("sandbox promotion reached the gateway: %v", entries)
	}

	h.engine.SetMode(ModeReal)
	if !h.promote(t, "b0") {
		t.Error("promotion failed after leaving sandbox mode")
	}
}

func TestDemoteToManifest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 6)
	h.decide(t, assignment.VerbSlate)
	h.engine.Wait()
	for _, id := range []string{"b3", "b4", "b5"} {
		h.promote(t, id)
	}

	held := h.appFor(t, "b0")
	if err := h.engine.DemoteToManifest(ctx, held.ID); err != nil {
		t.Fatalf("demote held: %v", err)
	}
	held, _ = h.engine.Application(held.ID)
	if held.Ranked() || held.Status != assignment.StatusConfirmed {
		t.Errorf("demoted held application = %q rank %d, want confirmed unranked", held.Status, held.Rank())
	}
	if m := h.engine.Manifest("u1"); len(m) != 1 || m[0].BilletID != "b0" {
		t.Errorf("manifest = %+v, want [b0]", m)
	}

	draft := h.appFor(t, "b4")
	if err := h.engine.DemoteToManifest(ctx, draft.ID); err != nil {
		t.Fatalf("demote draft: %v", err)
	}
	if _, ok := h.engine.Application(draft.ID); ok {
		t.Error("demoted draft still exists")
	}
	if _, ok := h.gw.stored(draft.ID); ok {
		t.Error("demoted draft still persisted")
	}

	slate := h.engine.Slate("u1")
	if got := billetIDs(slate); len(got) != 2 || got[0] != "b3" || got[1] != "b5" {
		t.Errorf("slate = %v, want [b3 b5]", got)
	}
	assertContiguous(t, h.engine, "u1")

	if err := h.engine.DemoteToManifest(ctx, "missing"); !errors.Is(err, assignment.ErrNotFound) {
		t.Errorf("missing application error = %v", err)
	}
	if _, err := h.engine.Submit(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.DemoteToManifest(ctx, slate[0].ID); !errors.Is(err, assignment.ErrRankLocked) {
		t.Errorf("demote submitted error = %v, want ErrRankLocked", err)
	}
}

func TestMoveApplication(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	for _, id := range h.ids {
		h.promote(t, id)
	}

	if ok, err := h.engine.MoveApplication(ctx, 1, Up, "u1"); err != nil || ok {
		t.Errorf("move top up = %v, %v; want false", ok, err)
	}
	if ok, err := h.engine.MoveApplication(ctx, 3, Down, "u1"); err != nil || ok {
		t.Errorf("move bottom down = %v, %v; want false", ok, err)
	}
	if ok, err := h.engine.MoveApplication(ctx, 1, Down, "u1"); err != nil || !ok {
		t.Fatalf("move 1 down = %v, %v", ok, err)
	}
	if got := billetIDs(h.engine.Slate("u1")); got[0] != "b1" || got[1] != "b0" || got[2] != "b2" {
		t.Errorf("slate = %v, want [b1 b0 b2]", got)
	}
	assertContiguous(t, h.engine, "u1")
}

func TestMoveApplication_SubmittedIsNoOp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	h.promote(t, "b0")
	h.promote(t, "b1")
	if _, err := h.engine.Submit(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	h.promote(t, "b2")
	writes := h.log.count("SaveApplication")

	for _, tt := range []struct {
		rank int
		dir  Direction
	}{{1, Down}, {2, Up}, {2, Down}, {3, Up}} {
		if ok, err := h.engine.MoveApplication(ctx, tt.rank, tt.dir, "u1"); err != nil || ok {
			t.Errorf("move %d %d = %v, %v; want false", tt.rank, tt.dir, ok, err)
		}
	}
	if got := h.log.count("SaveApplication"); got != writes {
		t.Errorf("no-op moves wrote to the gateway")
	}
	if got := billetIDs(h.engine.Slate("u1")); got[0] != "b0" || got[1] != "b1" || got[2] != "b2" {
		t.Errorf("slate = %v, want [b0 b1 b2]", got)
	}
}

func TestReorderApplications(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 4)
	for _, id := range h.ids {
		h.promote(t, id)
	}
	slate := h.engine.Slate("u1")
	ids := make([]string, len(slate))
	for i, app := range slate {
		ids[len(slate)-1-i] = app.ID
	}

	if err := h.engine.ReorderApplications(ctx, ids, "u1"); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if got := billetIDs(h.engine.Slate("u1")); got[0] != "b3" || got[3] != "b0" {
		t.Errorf("slate = %v, want reversed", got)
	}
	assertContiguous(t, h.engine, "u1")

	writes := h.log.count("SaveApplication")
	if err := h.engine.ReorderApplications(ctx, ids, "u1"); err != nil {
		t.Fatalf("reorder unchanged: %v", err)
	}
	if got := h.log.count("SaveApplication"); got != writes {
		t.Error("unchanged order wrote to the gateway")
	}

	invalid := map[string][]string{
		"short":     ids[:3],
		"duplicate": {ids[0], ids[0], ids[1], ids[2]},
		"unknown":   {ids[0], ids[1], ids[2], "nope"},
	}
	for name, order := range invalid {
		if err := h.engine.ReorderApplications(ctx, order, "u1"); !errors.Is(err, assignment.ErrInvalidOrder) {
			t.Errorf("%s: error = %v, want ErrInvalidOrder", name, err)
		}
	}
}

func TestReorderApplications_SubmittedKeepsRank(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	h.promote(t, "b0")
	if _, err := h.engine.Submit(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	h.promote(t, "b1")
	h.promote(t, "b2")
	slate := h.engine.Slate("u1")

	err := h.engine.ReorderApplications(ctx, []string{slate[1].ID, slate[0].ID, slate[2].ID}, "u1")
	if !errors.Is(err, assignment.ErrInvalidOrder) {
		t.Errorf("moving submitted error = %v, want ErrInvalidOrder", err)
	}
	if err := h.engine.ReorderApplications(ctx, []string{slate[0].ID, slate[2].ID, slate[1].ID}, "u1"); err != nil {
		t.Errorf("reorder around submitted: %v", err)
	}
	if got := billetIDs(h.engine.Slate("u1")); got[0] != "b0" || got[1] != "b2" {
		t.Errorf("slate = %v, want [b0 b2 b1]", got)
	}
}

func TestWithdrawApplication(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)
	h.decide(t, assignment.VerbSave)
	h.engine.Wait()
	for _, id := range []string{"b1", "b2", "b3"} {
		h.promote(t, id)
	}
	if _, err := h.engine.Submit(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	h.promote(t, "b4")

	confirmed := h.appFor(t, "b0")
	var te *assignment.TransitionError
	if err := h.engine.WithdrawApplication(ctx, confirmed.ID); !errors.As(err, &te) {
		t.Errorf("withdraw confirmed error = %v, want *TransitionError", err)
	}

	submitted := h.appFor(t, "b2")
	if err := h.engine.WithdrawApplication(ctx, submitted.ID); err != nil {
		t.Fatalf("withdraw submitted: %v", err)
	}
	submitted, _ = h.engine.Application(submitted.ID)
	if submitted.Status != assignment.StatusWithdrawn || submitted.Ranked() {
		t.Errorf("withdrawn = %q rank %d", submitted.Status, submitted.Rank())
	}
	if got := billetIDs(h.engine.Slate("u1")); len(got) != 3 || got[1] != "b3" {
		t.Errorf("slate = %v, want [b1 b3 b4]", got)
	}
	assertContiguous(t, h.engine, "u1")

	draft := h.appFor(t, "b4")
	if err := h.engine.WithdrawApplication(ctx, draft.ID); err != nil {
		t.Fatalf("withdraw draft: %v", err)
	}
	if _, ok := h.engine.Application(draft.ID); ok {
		t.Error("withdrawn draft still exists")
	}
	if h.log.index("RemoveDecision:b4") < 0 {
		t.Error("draft withdrawal did not remove the decision")
	}

	if err := h.engine.WithdrawApplication(ctx, "missing"); !errors.Is(err, assignment.ErrNotFound) {
		t.Errorf("missing error = %v", err)
	}
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)

	if _, err := h.engine.Submit(ctx, "u1"); !errors.Is(err, assignment.ErrEmptySlate) {
		t.Errorf("empty slate error = %v", err)
	}

	h.decide(t, assignment.VerbSlate)
	h.engine.Wait()
	h.promote(t, "b2")

	out, err := h.engine.Submit(ctx, "u1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(out) != 2 || out[0].BilletID != "b0" || out[1].BilletID != "b2" {
		t.Fatalf("submitted = %v, want [b0 b2]", billetIDs(out))
	}
	for _, app := range out {
		if app.Status != assignment.StatusSubmitted {
			t.Errorf("%s status = %q", app.BilletID, app.Status)
		}
		last := app.StatusHistory[len(app.StatusHistory)-1]
		if last.Status != assignment.StatusSubmitted {
			t.Errorf("%s last history entry = %q", app.BilletID, last.Status)
		}
	}

	if _, err := h.engine.Submit(ctx, "u1"); !errors.Is(err, assignment.ErrEmptySlate) {
		t.Errorf("resubmit error = %v, want ErrEmptySlate", err)
	}
}

func TestApplyRemoteStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	for _, id := range h.ids {
		h.promote(t, id)
	}
	if _, err := h.engine.Submit(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	first, second := h.appFor(t, "b0"), h.appFor(t, "b1")

	got, err := h.engine.ApplyRemoteStatus(ctx, first.ID, assignment.StatusConfirmed, "orders issued")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got.Status != assignment.StatusConfirmed || got.ConfirmedAt == nil || got.Rank() != 1 {
		t.Errorf("confirmed = %q confirmedAt %v rank %d", got.Status, got.ConfirmedAt, got.Rank())
	}

	got, err = h.engine.ApplyRemoteStatus(ctx, second.ID, assignment.StatusDeclined, "billet filled")
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if got.Ranked() || got.RejectionReason != "billet filled" {
		t.Errorf("declined = rank %d reason %q", got.Rank(), got.RejectionReason)
	}
	if slate := h.engine.Slate("u1"); len(slate) != 2 || slate[1].BilletID != "b2" {
		t.Errorf("slate = %v, want [b0 b2]", billetIDs(slate))
	}
	assertContiguous(t, h.engine, "u1")

	var te *assignment.TransitionError
	if _, err := h.engine.ApplyRemoteStatus(ctx, second.ID, assignment.StatusConfirmed, ""); !errors.As(err, &te) {
		t.Errorf("declined -> confirmed error = %v", err)
	}
	if _, err := h.engine.ApplyRemoteStatus(ctx, h.appFor(t, "b2").ID, assignment.StatusDraft, ""); !errors.As(err, &te) {
		t.Errorf("submitted -> draft error = %v", err)
	}
	if _, err := h.engine.ApplyRemoteStatus(ctx, "missing", assignment.StatusConfirmed, ""); !errors.Is(err, assignment.ErrNotFound) {
		t.Errorf("missing error = %v", err)
	}
}

func TestSlate_GatewayFailureKeepsMemory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	for _, id := range h.ids {
		h.promote(t, id)
	}
	h.gw.failSaveApp = errors.New("disk full")

	if _, err := h.engine.MoveApplication(ctx, 1, Down, "u1"); !errors.Is(err, assignment.ErrDataIntegrity) {
		t.Errorf("move error = %v, want ErrDataIntegrity", err)
	}
	if _, err := h.engine.Submit(ctx, "u1"); !errors.Is(err, assignment.ErrDataIntegrity) {
		t.Errorf("submit error = %v, want ErrDataIntegrity", err)
	}
	first := h.appFor(t, "b0")
	if err := h.engine.DemoteToManifest(ctx, first.ID); !errors.Is(err, assignment.ErrDataIntegrity) {
		t.Errorf("demote error = %v, want ErrDataIntegrity", err)
	}
	if _, ok := h.gw.stored(first.ID); !ok {
		t.Error("failed demote deleted the stored draft")
	}
	slate := h.engine.Slate("u1")
	if got := billetIDs(slate); got[0] != "b0" || got[1] != "b1" {
		t.Errorf("slate = %v after failed writes, want unchanged", got)
	}
	for _, app := range slate {
		if app.Status != assignment.StatusDraft {
			t.Errorf("%s status = %q, want draft", app.BilletID, app.Status)
		}
	}
}
