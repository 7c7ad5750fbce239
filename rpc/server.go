package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"aetherlock/gateway/auth"
	"aetherlock/gateway/middleware"
	"aetherlock/hub"
	"aetherlock/native/escrow"

	"log/slog"
)

// Store is the slice of persistence the server reads directly.
type Store interface {
	EscrowGet(ctx context.Context, id string) (*escrow.Escrow, bool, error)
	EscrowsByParticipant(ctx context.Context, wallet string) ([]*escrow.Escrow, error)
}

// ServerConfig wires the server's collaborators.
type ServerConfig struct {
	Engine     *escrow.Engine
	Hub        *hub.Hub
	Store      Store
	Tokens     *auth.TokenIssuer
	Challenges *auth.Challenges
	RateLimits map[string]middleware.RateLimit
	Observe    middleware.ObservabilityConfig
	CORS       middleware.CORSConfig
	Logger     *slog.Logger
}

// Server exposes the escrow lifecycle, chat history and realtime stream
// over HTTP.
type Server struct {
	engine     *escrow.Engine
	hub        *hub.Hub
	store      Store
	tokens     *auth.TokenIssuer
	challenges *auth.Challenges
	obs        *middleware.Observability
	limiter    *middleware.RateLimiter
	cors       func(http.Handler) http.Handler
	logger     *slog.Logger
	router     chi.Router
}

// NewServer assembles the router.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil || cfg.Hub == nil || cfg.Store == nil || cfg.Tokens == nil || cfg.Challenges == nil {
		return nil, errors.New("rpc: engine, hub, store, tokens and challenges are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:     cfg.Engine,
		hub:        cfg.Hub,
		store:      cfg.Store,
		tokens:     cfg.Tokens,
		challenges: cfg.Challenges,
		obs:        middleware.NewObservability(cfg.Observe, logger),
		limiter:    middleware.NewRateLimiter(cfg.RateLimits, logger),
		cors:       middleware.CORS(cfg.CORS),
		logger:     logger,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.cors)
	authn := middleware.Bearer(s.tokens)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())

	r.Group(func(r chi.Router) {
		r.Use(s.obs.Middleware("auth"))
		r.Use(s.limiter.Middleware("auth"))
		r.Post("/auth/challenge", s.handleChallenge)
		r.Post("/auth/login", s.handleLogin)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.obs.Middleware("escrow"))
		r.Use(s.limiter.Middleware("escrow"))
		r.Use(authn)
		r.Post("/escrow", s.handleCreate)
		r.Get("/escrow", s.handleList)
		r.Route("/escrow/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Post("/accept", s.handleAccept)
			r.Post("/submit", s.handleSubmit)
			r.Post("/verify", s.handleVerify)
			r.Post("/release", s.handleRelease)
			r.Post("/dispute", s.handleDispute)
			r.Post("/cancel", s.handleCancel)
			r.Get("/messages", s.handleMessages)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(authn)
		r.Get("/ws", s.handleWS)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WalletAddress string `json:"walletAddress"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.WalletAddress) == "" {
		writeError(w, http.StatusUnprocessableEntity, "walletAddress required")
		return
	}
	nonce, message := s.challenges.Issue(req.WalletAddress)
	writeJSON(w, http.StatusOK, map[string]any{"nonce": nonce, "message": message})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WalletAddress string `json:"walletAddress"`
		Nonce         string `json:"nonce"`
		Signature     string `json:"signature"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	signature, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(req.Signature), "0x"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "signature must be hex encoded")
		return
	}
	if err := s.challenges.Consume(req.WalletAddress, req.Nonce, signature); err != nil {
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}
	token, err := s.tokens.Issue(req.WalletAddress)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Freelancer  string `json:"freelancerAddress"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Amount      string `json:"amount"`
		Currency    string `json:"currency"`
		Deadline    int64  `json:"deadline"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	esc, err := s.engine.Create(r.Context(), escrow.CreateParams{
		Client:      middleware.WalletFromContext(r.Context()),
		Freelancer:  req.Freelancer,
		Title:       req.Title,
		Description: req.Description,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Deadline:    req.Deadline,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, esc)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	wallet := middleware.WalletFromContext(r.Context())
	escrows, err := s.store.EscrowsByParticipant(r.Context(), wallet)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	if escrows == nil {
		escrows = []*escrow.Escrow{}
	}
	writeJSON(w, http.StatusOK, escrows)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	esc, ok := s.requireParticipant(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	esc, err := s.engine.Accept(r.Context(), chi.URLParam(r, "id"), middleware.WalletFromContext(r.Context()))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkDescription string   `json:"workDescription"`
		EvidenceHandles []string `json:"evidenceHandles"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	esc, err := s.engine.SubmitWork(r.Context(), chi.URLParam(r, "id"), middleware.WalletFromContext(r.Context()), req.WorkDescription, req.EvidenceHandles)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireParticipant(w, r); !ok {
		return
	}
	result, err := s.engine.Verify(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	esc, err := s.engine.Release(r.Context(), chi.URLParam(r, "id"), middleware.WalletFromContext(r.Context()))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason          string   `json:"reason"`
		EvidenceHandles []string `json:"evidenceHandles"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	esc, err := s.engine.Dispute(r.Context(), chi.URLParam(r, "id"), middleware.WalletFromContext(r.Context()), req.Reason, req.EvidenceHandles)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	esc, err := s.engine.Cancel(r.Context(), chi.URLParam(r, "id"), middleware.WalletFromContext(r.Context()))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireParticipant(w, r); !ok {
		return
	}
	messages, err := s.hub.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	if messages == nil {
		messages = []*hub.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// requireParticipant loads the escrow and checks the authenticated wallet
// is one of its parties.
func (s *Server) requireParticipant(w http.ResponseWriter, r *http.Request) (*escrow.Escrow, bool) {
	esc, ok, err := s.store.EscrowGet(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return nil, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "escrow not found")
		return nil, false
	}
	if esc.ParticipantRole(middleware.WalletFromContext(r.Context())) == escrow.RoleNone {
		writeError(w, http.StatusForbidden, "wallet is not a participant of this escrow")
		return nil, false
	}
	return esc, true
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var domainErr *escrow.Error
	if errors.As(err, &domainErr) {
		writeError(w, statusForKind(domainErr.Kind), domainErr.Msg)
		return
	}
	s.logger.Error("unhandled engine error", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func statusForKind(kind escrow.Kind) int {
	switch kind {
	case escrow.KindAuthorization:
		return http.StatusForbidden
	case escrow.KindPrecondition:
		return http.StatusConflict
	case escrow.KindValidation:
		return http.StatusUnprocessableEntity
	case escrow.KindNotFound:
		return http.StatusNotFound
	case escrow.KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
