// Package api is the admin HTTP surface: health, stats, record inspection,
// suppression management, pause/resume, and backfill. Read paths take the
// store mutexes briefly; write paths reuse the stores' own operations.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sebas/outdial/internal/events"
	"github.com/sebas/outdial/internal/redial"
	"github.com/sebas/outdial/internal/schedule"
	"github.com/sebas/outdial/internal/sms"
	"github.com/sebas/outdial/internal/suppression"
	"github.com/sebas/outdial/internal/tracker"
)

// Server provides the admin HTTP API.
type Server struct {
	addr       string
	httpServer *http.Server
	queue      *redial.Queue
	sms        *sms.Scheduler
	store      *suppression.Store
	tracker    *tracker.Tracker
	log        *events.Log
	policy     *schedule.Policy
	startTime  time.Time
}

// NewServer creates the admin server.
func NewServer(
	addr string,
	queue *redial.Queue,
	smsSched *sms.Scheduler,
	store *suppression.Store,
	trk *tracker.Tracker,
	log *events.Log,
	policy *schedule.Policy,
) *Server {
	s := &Server{
		addr:      addr,
		queue:     queue,
		sms:       smsSched,
		store:     store,
		tracker:   trk,
		log:       log,
		policy:    policy,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/stats", s.handleStats)

	mux.HandleFunc("/api/v1/redial", s.handleRedialList)
	mux.HandleFunc("/api/v1/redial/", s.handleRedialByPhone)
	mux.HandleFunc("/api/v1/backfill", s.handleBackfill)

	mux.HandleFunc("/api/v1/sms", s.handleSMSList)
	mux.HandleFunc("/api/v1/calls", s.handlePendingCalls)

	mux.HandleFunc("/api/v1/suppression", s.handleSuppression)
	mux.HandleFunc("/api/v1/suppression/", s.handleSuppressionByID)

	mux.HandleFunc("/api/v1/events", s.handleEvents)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Start begins listening for admin requests.
func (s *Server) Start() error {
	slog.Info("[API] Starting admin server", "addr", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[API] Server error", "error", err)
			panic(err)
		}
	}()
	return nil
}

// Stop shuts down the server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// --- Health & stats ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status": "ok",
		"uptime": int64(time.Since(s.startTime).Seconds()),
		"now":    s.policy.Now(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	redialCounts := make(map[string]int)
	for status, n := range s.queue.Counts() {
		redialCounts[string(status)] = n
	}
	smsCounts := make(map[string]int)
	for status, n := range s.sms.Counts() {
		smsCounts[string(status)] = n
	}

	s.writeJSON(w, map[string]any{
		"redial":              redialCounts,
		"sms":                 smsCounts,
		"pending_calls":       s.tracker.Count(),
		"suppression_flags":   s.store.Count(),
		"suppression_enabled": s.store.Enabled(),
		"dispatch_allowed":    s.policy.DispatchAllowed(s.policy.Now()),
	})
}

// --- Redial records ---

func (s *Server) handleRedialList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.queue.All())
}

// handleRedialByPhone serves GET /api/v1/redial/{phone} and the pause and
// resume subpaths POST /api/v1/redial/{phone}/pause|resume.
func (s *Server) handleRedialByPhone(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/redial/")
	phoneNum, action, _ := strings.Cut(rest, "/")
	if phoneNum == "" {
		http.Error(w, "Phone required", http.StatusBadRequest)
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rec, ok := s.queue.Get(phoneNum)
		if !ok {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		s.writeJSON(w, rec)
	case "pause":
		s.adminAction(w, r, func() error { return s.queue.Pause(phoneNum, s.policy.Now()) })
	case "resume":
		s.adminAction(w, r, func() error { return s.queue.Resume(phoneNum, s.policy.Now()) })
	default:
		http.Error(w, "Unknown action", http.StatusNotFound)
	}
}

func (s *Server) adminAction(w http.ResponseWriter, r *http.Request, fn func() error) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := fn(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// backfillRequest reinserts a historical lead; updated_at is refreshed so the
// active-window rule admits it.
type backfillRequest struct {
	Phone     string `json:"phone"`
	LeadID    string `json:"lead_id"`
	ListID    string `json:"list_id,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	State     string `json:"state,omitempty"`
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req backfillRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "decode: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.queue.Insert(redial.Record{
		Phone:     req.Phone,
		LeadID:    req.LeadID,
		ListID:    req.ListID,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		State:     req.State,
	}, s.policy.Now()); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	slog.Info("[API] Backfill inserted", "lead_id", req.LeadID)
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// --- SMS and pending calls ---

func (s *Server) handleSMSList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.sms.All())
}

func (s *Server) handlePendingCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.tracker.List())
}

// --- Suppression ---

type suppressionAddRequest struct {
	Field  string `json:"field"`
	Value  string `json:"value"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleSuppression(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, s.store.Flags())
	case http.MethodPost:
		var req suppressionAddRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			http.Error(w, "decode: "+err.Error(), http.StatusBadRequest)
			return
		}
		field := suppression.Field(req.Field)
		if !field.Valid() {
			http.Error(w, "invalid field "+req.Field, http.StatusBadRequest)
			return
		}
		flag, existed, err := s.store.Add(field, req.Value, req.Reason)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, map[string]any{"flag": flag, "already_existed": existed})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSuppressionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flagID := strings.TrimPrefix(r.URL.Path, "/api/v1/suppression/")
	removed, err := s.store.Remove(flagID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !removed {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, map[string]string{"status": "removed"})
}

// --- Events ---

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.log.Today(s.policy.Now()))
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode response", "error", err)
	}
}
