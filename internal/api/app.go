package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/compass/internal/assignment"
	"github.com/kalambet/compass/internal/engine"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Resetter wipes persisted user state. Implemented by storage.Store.
type Resetter interface {
	Reset(ctx context.Context) error
}

type AppDeps struct {
	Engine *engine.Engine
	Store  Resetter // optional; if nil, POST /reset only clears memory
	Token  string
	UserID string
}

type deckResponse struct {
	engine.DeckStatus
	Mode    engine.Mode        `json:"mode"`
	Current *assignment.Billet `json:"current,omitempty"`
}

type decideRequest struct {
	BilletID string `json:"billet_id"`
	Verb     string `json:"verb"`
}

type promoteRequest struct {
	BilletID string `json:"billet_id"`
}

type moveRequest struct {
	Rank      int    `json:"rank"`
	Direction string `json:"direction"`
}

type orderRequest struct {
	IDs []string `json:"ids"`
}

type statusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(requireUser(deps))

		r.Post("/deck/fetch", handleFetchDeck(deps))
		r.Get("/deck", handleGetDeck(deps))
		r.Post("/decisions", handleDecide(deps))
		r.Post("/decisions/undo", handleUndo(deps))
		r.Get("/applications", handleListApplications(deps))
		r.Post("/applications/{id}/withdraw", handleWithdraw(deps))
		r.Post("/applications/{id}/status", handleRemoteStatus(deps))
		r.Post("/applications/{id}/retry", handleRetry(deps))
		r.Get("/slate", handleGetSlate(deps))
		r.Post("/slate/promote", handlePromote(deps))
		r.Post("/slate/move", handleMove(deps))
		r.Put("/slate/order", handleReorder(deps))
		r.Post("/slate/submit", handleSubmit(deps))
		r.Delete("/slate/{id}", handleDemote(deps))
		r.Get("/manifest", handleManifest(deps))
		r.Get("/billets/{id}/lock", handleLockState(deps))
		r.Put("/mode", handleSetMode(deps))
		r.Post("/reset", handleReset(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func deckView(deps AppDeps) deckResponse {
	resp := deckResponse{DeckStatus: deps.Engine.Deck(), Mode: deps.Engine.Mode()}
	if b, ok := deps.Engine.CurrentBillet(); ok {
		resp.Current = &b
	}
	return resp
}

func handleFetchDeck(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Engine.FetchBillets(r.Context()); err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to fetch billets: %v", err)
			return
		}
		writeJSON(w, deckView(deps))
	}
}

func handleGetDeck(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, deckView(deps))
	}
}

func handleDecide(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req decideRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.BilletID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "billet_id is required")
			return
		}
		verb, err := assignment.ParseVerb(req.Verb)
		if err != nil {
			engineError(w, err)
			return
		}

		res, err := deps.Engine.Decide(r.Context(), req.BilletID, verb, deps.UserID)
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, res)
	}
}

func handleUndo(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Engine.Undo(r.Context(), deps.UserID)
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, res)
	}
}

func handleListApplications(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apps := deps.Engine.Applications(deps.UserID)
		if apps == nil {
			apps = []*assignment.Application{}
		}
		writeJSON(w, apps)
	}
}

func handleGetSlate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, deps.Engine.Slate(deps.UserID))
	}
}

func handlePromote(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req promoteRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.BilletID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "billet_id is required")
			return
		}
		ok, err := deps.Engine.PromoteToSlate(r.Context(), req.BilletID, deps.UserID)
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"promoted": ok})
	}
}

func handleMove(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req moveRequest
		if !decodeBody(w, r, &req) {
			return
		}
		var dir engine.Direction
		switch strings.ToLower(req.Direction) {
		case "up":
			dir = engine.Up
		case "down":
			dir = engine.Down
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "direction must be up or down")
			return
		}
		ok, err := deps.Engine.MoveApplication(r.Context(), req.Rank, dir, deps.UserID)
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"moved": ok})
	}
}

func handleReorder(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req orderRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := deps.Engine.ReorderApplications(r.Context(), req.IDs, deps.UserID); err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, deps.Engine.Slate(deps.UserID))
	}
}

func handleSubmit(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apps, err := deps.Engine.Submit(r.Context(), deps.UserID)
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, apps)
	}
}

func handleDemote(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Engine.DemoteToManifest(r.Context(), chi.URLParam(r, "id")); err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "demoted"})
	}
}

func handleWithdraw(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Engine.WithdrawApplication(r.Context(), chi.URLParam(r, "id")); err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "withdrawn"})
	}
}

func handleRetry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		app, err := deps.Engine.Retry(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, app)
	}
}

func handleRemoteStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req statusRequest
		if !decodeBody(w, r, &req) {
			return
		}
		status, err := assignment.ParseStatus(req.Status)
		if err != nil {
			engineError(w, err)
			return
		}
		app, err := deps.Engine.ApplyRemoteStatus(r.Context(), chi.URLParam(r, "id"), status, req.Reason)
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, app)
	}
}

func handleManifest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		manifest := deps.Engine.Manifest(deps.UserID)
		if manifest == nil {
			manifest = []assignment.Decision{}
		}
		writeJSON(w, manifest)
	}
}

func handleLockState(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		writeJSON(w, map[string]string{
			"billet_id": id,
			"state":     string(deps.Engine.LockState(id, deps.UserID)),
		})
	}
}

func handleSetMode(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req modeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		mode := engine.Mode(req.Mode)
		if mode != engine.ModeReal && mode != engine.ModeSandbox {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "mode must be %q or %q", engine.ModeReal, engine.ModeSandbox)
			return
		}
		deps.Engine.SetMode(mode)
		writeJSON(w, map[string]string{"mode": string(mode)})
	}
}

func handleReset(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Store != nil {
			if err := deps.Store.Reset(r.Context()); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to reset storage: %v", err)
				return
			}
		}
		deps.Engine.Reset()
		writeJSON(w, map[string]string{"status": "reset"})
	}
}
