package binlock

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxLockBodySize = 64 << 10

// ServerOptions configures the reference lock service.
type ServerOptions struct {
	// LockDuration is how long a grant is held. Defaults to 5 minutes.
	LockDuration time.Duration
	// ConflictRate is the probability in [0,1] that an open billet answers
	// 409 anyway, simulating a competing transaction.
	ConflictRate float64
	// Latency delays every lock response.
	Latency time.Duration
	// Token, when set, is required as a bearer token.
	Token string
	// Now overrides the clock (tests).
	Now func() time.Time
	// Rand overrides the conflict draw (tests). Returns a value in [0,1).
	Rand func() float64
}

type hold struct {
	userID    string
	token     string
	lockedAt  time.Time
	expiresAt time.Time
}

// Server is an in-memory lock service. The first user to ask for a billet
// holds it until the lock expires; everyone else gets a conflict.
type Server struct {
	opts   ServerOptions
	mu     sync.Mutex
	holds  map[string]hold
	logger *slog.Logger
}

// NewServer creates a Server with defaults applied.
func NewServer(opts ServerOptions) *Server {
	if opts.LockDuration <= 0 {
		opts.LockDuration = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	return &Server{
		opts:   opts,
		holds:  make(map[string]hold),
		logger: slog.Default(),
	}
}

// Handler returns the chi router for the service.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Group(func(r chi.Router) {
		if s.opts.Token != "" {
			r.Use(s.bearerAuth)
		}
		r.Post("/locks", s.handleLock)
		r.Delete("/locks/{billetID}", s.handleRelease)
	})
	return r
}

func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(s.opts.Token)) != 1 {
			writeLockError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing bearer token", nil, false)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxLockBodySize)
	defer r.Body.Close()

	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeLockError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body", nil, false)
		return
	}
	if req.BilletID == "" || req.UserID == "" {
		writeLockError(w, http.StatusBadRequest, "VALIDATION_ERROR", "billet_id and user_id are required", nil, false)
		return
	}

	if s.opts.Latency > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.opts.Latency):
		}
	}

	grant, conflict := s.acquire(req.BilletID, req.UserID)
	if conflict != nil {
		s.logger.Debug("lock conflict", "billet_id", req.BilletID)
		writeLockError(w, http.StatusConflict, "CONFLICT",
			"Billet lock unavailable - another transaction in progress", conflict, false)
		return
	}

	s.logger.Debug("lock granted", "billet_id", req.BilletID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(lockResponse{Success: true, Data: &grant})
}

// acquire grants the billet to userID or returns the details of the
// conflicting hold. A user asking again for a billet they hold gets the same
// grant back.
func (s *Server) acquire(billetID, userID string) (Grant, *lockDetails) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	if h, ok := s.holds[billetID]; ok && now.Before(h.expiresAt) {
		if h.userID == userID {
			return Grant{LockToken: h.token, ExpiresAt: h.expiresAt, BilletID: billetID}, nil
		}
		return Grant{}, &lockDetails{LockedAt: h.lockedAt, ExpiresAt: h.expiresAt}
	}

	if s.opts.ConflictRate > 0 && s.opts.Rand() < s.opts.ConflictRate {
		return Grant{}, &lockDetails{LockedAt: now, ExpiresAt: now.Add(s.opts.LockDuration)}
	}

	h := hold{
		userID:    userID,
		token:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		lockedAt:  now,
		expiresAt: now.Add(s.opts.LockDuration),
	}
	s.holds[billetID] = h
	return Grant{LockToken: h.token, ExpiresAt: h.expiresAt, BilletID: billetID}, nil
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	billetID := chi.URLParam(r, "billetID")
	s.mu.Lock()
	delete(s.holds, billetID)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "released"})
}

func writeLockError(w http.ResponseWriter, code int, errCode, msg string, details *lockDetails, retryable bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(lockResponse{
		Success: false,
		Error: &lockError{
			Code:      errCode,
			Message:   msg,
			Details:   details,
			Retryable: retryable,
		},
	})
}
