package ingress

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/sebas/outdial/internal/adapters/smsprov"
	"github.com/sebas/outdial/internal/adapters/voice"
	"github.com/sebas/outdial/internal/schedule"
)

// maxPayloadBytes bounds webhook bodies; provider payloads are small.
const maxPayloadBytes = 1 << 20

// Server is the webhook HTTP listener. Parse failures are client errors and
// are not redelivered; mutation failures return 5xx so the provider retries.
type Server struct {
	addr       string
	httpServer *http.Server
	ingress    *Ingress
	policy     *schedule.Policy
}

// NewServer creates the webhook server.
func NewServer(addr string, ing *Ingress, policy *schedule.Policy) *Server {
	s := &Server{
		addr:    addr,
		ingress: ing,
		policy:  policy,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/call", s.handleCallCompletion)
	mux.HandleFunc("/webhooks/sms", s.handleInboundSMS)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Start begins listening for webhook deliveries.
func (s *Server) Start() error {
	slog.Info("[Ingress] Starting webhook server", "addr", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[Ingress] Server error", "error", err)
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

func (s *Server) handleCallCompletion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	completion, err := voice.ParseCompletion(body, s.policy.Location())
	if err != nil {
		slog.Warn("[Ingress] Rejected completion payload", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.ingress.HandleCompletion(r.Context(), completion); err != nil {
		slog.Error("[Ingress] Completion mutation failed", "call_id", completion.CallID, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleInboundSMS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	inbound, err := smsprov.ParseInbound(body)
	if err != nil {
		slog.Warn("[Ingress] Rejected inbound sms payload", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.ingress.HandleInboundSMS(r.Context(), inbound); err != nil {
		slog.Error("[Ingress] Inbound sms mutation failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[Ingress] Failed to encode response", "error", err)
	}
}
