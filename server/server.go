// Package server exposes a decryption service over the relayer HTTP
// protocol.
//
// Routes:
//   - GET  /health
//   - GET  /v1/keyurl          network public key and authorization domain
//   - POST /v1/input-proof     store client ciphertexts, return handles and proof
//   - POST /v1/user-decrypt    authorized batch decryption, sealed results
//   - POST /v1/acl/allow       grant access (only when Config.AllowGrants)
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/fhevault/engine"
	"github.com/luxfi/fhevault/internal/localengine"
	"github.com/luxfi/fhevault/relayer"
)

// DefaultMaxBodyBytes bounds request bodies.
const DefaultMaxBodyBytes = 16 << 20

// Config holds server configuration
type Config struct {
	Address      string
	MaxBodyBytes int64
	// AllowGrants enables the ACL grant endpoint. Only development
	// relayers without a chain watcher should set it.
	AllowGrants bool
}

// Server serves one decryption engine.
type Server struct {
	cfg    Config
	engine *localengine.Engine
	logger log.Logger
}

// New creates a server for eng.
func New(cfg Config, eng *localengine.Engine, logger log.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &Server{cfg: cfg, engine: eng, logger: logger}
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(relayer.PathHealth, s.handleHealth)
	mux.HandleFunc(relayer.PathKeyURL, s.handleKeyURL)
	mux.HandleFunc(relayer.PathInputProof, s.handleInputProof)
	mux.HandleFunc(relayer.PathUserDecrypt, s.handleUserDecrypt)
	if s.cfg.AllowGrants {
		mux.HandleFunc(relayer.PathACLAllow, s.handleAllow)
	}

	return corsMiddleware(s.logRequests(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+relayer.RequestIDHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"requestID", r.Header.Get(relayer.RequestIDHeader),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"chainId":     s.engine.Domain().ChainID,
		"allowGrants": s.cfg.AllowGrants,
	})
}

func (s *Server) handleKeyURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET required", http.StatusMethodNotAllowed)
		return
	}
	params := s.engine.Params()
	domain := s.engine.Domain()
	writeJSON(w, http.StatusOK, relayer.KeyResponse{
		PublicKey:         s.engine.PublicKey(),
		LogN:              params.LogN,
		Q:                 params.Q,
		BitWidth:          s.engine.BitWidth(),
		ChainID:           domain.ChainID,
		VerifyingContract: domain.VerifyingContract,
		Coprocessor:       s.engine.Coprocessor(),
	})
}

func (s *Server) handleInputProof(w http.ResponseWriter, r *http.Request) {
	var req relayer.InputProofRequest
	if !s.decode(w, r, &req) {
		return
	}

	cts := make([][]byte, len(req.Ciphertexts))
	for i, ct := range req.Ciphertexts {
		cts[i] = ct
	}
	bundle, err := s.engine.SubmitInput(r.Context(), req.Contract, req.Submitter, cts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, relayer.InputProofResponse{
		Handles: bundle.Handles,
		Proof:   bundle.Proof,
	})
}

func (s *Server) handleUserDecrypt(w http.ResponseWriter, r *http.Request) {
	var req relayer.UserDecryptRequest
	if !s.decode(w, r, &req) {
		return
	}

	pairs := make([]engine.Pair, len(req.Pairs))
	for i, p := range req.Pairs {
		pairs[i] = engine.Pair{Handle: p.Handle, Contract: p.Contract}
	}
	sealed, err := s.engine.UserDecrypt(r.Context(), &engine.DecryptRequest{
		Pairs:        pairs,
		Keypair:      engine.Keypair{Public: req.PublicKey},
		Signature:    req.Signature,
		Contracts:    req.Contracts,
		Identity:     req.Identity,
		Start:        time.Unix(req.Start, 0),
		DurationDays: req.DurationDays,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := relayer.UserDecryptResponse{Results: make([]relayer.SealedResult, 0, len(sealed))}
	for _, p := range req.Pairs {
		ct, ok := sealed[p.Handle]
		if !ok {
			continue
		}
		resp.Results = append(resp.Results, relayer.SealedResult{Handle: p.Handle, Sealed: ct})
		delete(sealed, p.Handle)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAllow(w http.ResponseWriter, r *http.Request) {
	var req relayer.AllowRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Handles) == 0 || len(req.Accounts) == 0 {
		s.writeError(w, engine.NewError(engine.ErrEngine, "allow", errors.New("handles and accounts required")))
		return
	}
	for _, h := range req.Handles {
		s.engine.Allow(h, req.Accounts...)
	}
	s.logger.Info("Granted access", "handles", len(req.Handles), "accounts", len(req.Accounts))
	writeJSON(w, http.StatusOK, map[string]int{"granted": len(req.Handles)})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return false
	}
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		s.writeError(w, engine.NewError(engine.ErrEngine, "decode request", err))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "error", err)
	} else {
		s.logger.Debug("Request rejected", "error", err)
	}
	writeJSON(w, status, relayer.ErrorResponse{
		Code:    engine.KindName(err),
		Message: err.Error(),
	})
}

func statusOf(err error) int {
	switch engine.KindOf(err) {
	case engine.ErrEngine:
		return http.StatusBadRequest
	case engine.ErrAuthorizationRejected:
		return http.StatusForbidden
	case engine.ErrAuthorizationExpired:
		return http.StatusUnauthorized
	case engine.ErrPermissionNotYetVisible:
		return http.StatusTooEarly
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
