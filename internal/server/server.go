package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"giftescrow/internal/asset"
	"giftescrow/internal/config"
	"giftescrow/internal/ledger"
	"giftescrow/internal/node"
	"giftescrow/internal/sigauth"
)

const (
	headerReplay = "X-Idempotent-Replay"
	maxBodyBytes = sigauth.DefaultMaxBodyBytes
)

type Server struct {
	cfg        *config.AppConfig
	node       *node.Node
	auth       *sigauth.Verifier
	httpServer *http.Server
	metrics    *metricsRegistry
	log        zerolog.Logger
}

func NewServer(cfg *config.AppConfig, n *node.Node, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		node:    n,
		auth:    &sigauth.Verifier{MaxSkew: cfg.Service.SigClockSkew, MaxBodyBytes: maxBodyBytes},
		metrics: newMetricsRegistry(),
		log:     logger,
	}
	_, height := n.Head()
	s.metrics.observeLedger(n.Stats(), height)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", s.metrics.handler())
		r.Get("/fee-info", s.handleFeeInfo)
		r.Get("/gifts/{id}", s.handleGetGift)
		r.Get("/gifts/{id}/claimable", s.handleClaimable)
		r.Get("/accounts", s.handleAccounts)
		r.Get("/accounts/{address}", s.handleAccount)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware)
			r.Post("/gifts", s.handleCreate)
			r.Post("/gifts/{id}/claim", s.handleClaim)
			r.Post("/gifts/{id}/refund", s.handleRefund)
			r.Post("/deposits", s.handleDeposit)
		})
	})

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type createGiftRequest struct {
	Amount uint64 `json:"amount"`
	// AmountDecimal is an alternative to Amount in whole units, e.g. "1.5".
	AmountDecimal string `json:"amountDecimal"`
	Message       string `json:"message"`
	SecretHash    string `json:"secretHash"`
}

type claimRequest struct {
	Secret    string `json:"secret"`
	SecretHex string `json:"secretHex"`
}

type depositRequest struct {
	Amount        uint64 `json:"amount"`
	AmountDecimal string `json:"amountDecimal"`
}

type errorResponse struct {
	Error   string        `json:"error"`
	Code    ledger.Code   `json:"code,omitempty"`
	Receipt *node.Receipt `json:"receipt,omitempty"`
}

type giftView struct {
	ledger.Gift
	AmountDisplay string `json:"amountDisplay"`
	Claimable     bool   `json:"claimable"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createGiftRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := s.resolveAmount(req.Amount, req.AmountDecimal)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hash, err := ledger.ParseHash(req.SecretHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, "secretHash: "+err.Error())
		return
	}
	tx := node.Tx{
		Kind:       node.KindCreate,
		Caller:     callerOf(r),
		Amount:     amount,
		Message:    req.Message,
		SecretHash: &hash,
	}
	receipt, ok := s.submit(w, r, tx)
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"giftId":  *receipt.GiftID,
		"receipt": receipt,
	})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := giftIDParam(w, r)
	if !ok {
		return
	}
	var req claimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	secret, err := req.bytes()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tx := node.Tx{Kind: node.KindClaim, Caller: callerOf(r), GiftID: id, Secret: secret}
	if receipt, ok := s.submit(w, r, tx); ok {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "receipt": receipt})
	}
}

func (s *Server) resolveAmount(base uint64, dec string) (uint64, error) {
	if dec == "" {
		return base, nil
	}
	if base != 0 {
		return 0, errors.New("provide either amount or amountDecimal, not both")
	}
	return asset.ParseUnits(dec, s.cfg.Genesis.Asset.Decimals)
}

// bytes returns the revealed secret. An empty secret is valid and is padded
// like any other.
func (req claimRequest) bytes() ([]byte, error) {
	switch {
	case req.Secret != "" && req.SecretHex != "":
		return nil, errors.New("provide either secret or secretHex, not both")
	case req.SecretHex != "":
		b, err := hexutil.Decode(req.SecretHex)
		if err != nil {
			return nil, errors.New("secretHex must be 0x-prefixed hex")
		}
		return b, nil
	}
	return []byte(req.Secret), nil
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := giftIDParam(w, r)
	if !ok {
		return
	}
	tx := node.Tx{Kind: node.KindRefund, Caller: callerOf(r), GiftID: id}
	if receipt, ok := s.submit(w, r, tx); ok {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "receipt": receipt})
	}
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := s.resolveAmount(req.Amount, req.AmountDecimal)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller := callerOf(r)
	receipt, ok := s.submit(w, r, node.Tx{Kind: node.KindDeposit, Caller: caller, Amount: amount})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"receipt": receipt,
		"account": s.accountView(caller),
	})
}

// submit runs tx through the node and writes the failure response itself.
// It reports whether the caller should write a success body.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, tx node.Tx) (node.Receipt, bool) {
	receipt, err := s.node.Submit(r.Context(), idempotencyKey(r), tx)
	if err != nil {
		switch {
		case errors.Is(err, node.ErrInvalidTx):
			s.metrics.incTx(string(tx.Kind), "invalid")
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, node.ErrKeyReused):
			s.metrics.incTx(string(tx.Kind), "key_reused")
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.metrics.incTx(string(tx.Kind), "unavailable")
			s.log.Error().Err(err).
				Str("request_id", requestIDFrom(r.Context())).
				Str("kind", string(tx.Kind)).
				Msg("submit failed")
			writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		}
		return receipt, false
	}

	if receipt.Replayed {
		w.Header().Set(headerReplay, "true")
	} else {
		_, height := s.node.Head()
		s.metrics.observeLedger(s.node.Stats(), height)
	}

	if !receipt.OK() {
		name := "rejected"
		if receipt.Code != 0 {
			name = receipt.Code.String()
		} else if errors.Is(receipt.Err(), asset.ErrInsufficientBalance) {
			name = "InsufficientBalance"
		}
		s.metrics.incTx(string(tx.Kind), name)
		writeJSON(w, statusForReceipt(receipt), errorResponse{Error: name, Code: receipt.Code, Receipt: &receipt})
		return receipt, false
	}
	s.metrics.incTx(string(tx.Kind), "ok")
	return receipt, true
}

func statusForReceipt(r node.Receipt) int {
	switch r.Code {
	case ledger.CodeGiftNotFound:
		return http.StatusNotFound
	case ledger.CodeAlreadySettled, ledger.CodeTooEarly:
		return http.StatusConflict
	case ledger.CodeInvalidSecret, ledger.CodeNotSender:
		return http.StatusForbidden
	case ledger.CodeZeroAmount:
		return http.StatusBadRequest
	}
	if errors.Is(r.Err(), asset.ErrInsufficientBalance) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) handleGetGift(w http.ResponseWriter, r *http.Request) {
	id, ok := giftIDParam(w, r)
	if !ok {
		return
	}
	g, found := s.node.Gift(id)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{"gift": nil})
		return
	}
	writeJSON(w, http.StatusOK, giftView{
		Gift:          g,
		AmountDisplay: asset.FormatUnits(g.Amount, s.cfg.Genesis.Asset.Decimals),
		Claimable:     g.Status == ledger.StatusOpen,
	})
}

func (s *Server) handleClaimable(w http.ResponseWriter, r *http.Request) {
	id, ok := giftIDParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"giftId": id, "claimable": s.node.IsClaimable(id)})
}

func (s *Server) handleFeeInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.node.FeeInfo())
}

type accountView struct {
	Address        common.Address `json:"address"`
	Balance        uint64         `json:"balance"`
	BalanceDisplay string         `json:"balanceDisplay"`
	Symbol         string         `json:"symbol"`
}

func (s *Server) accountView(addr common.Address) accountView {
	bal := s.node.Balance(addr)
	return accountView{
		Address:        addr,
		Balance:        bal,
		BalanceDisplay: asset.FormatUnits(bal, s.cfg.Genesis.Asset.Decimals),
		Symbol:         s.cfg.Genesis.Asset.Symbol,
	}
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "address is not a hex address")
		return
	}
	writeJSON(w, http.StatusOK, s.accountView(common.HexToAddress(raw)))
}

func (s *Server) handleAccounts(w http.ResponseWriter, _ *http.Request) {
	accounts := s.node.Accounts()
	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountView{
			Address:        a.Address,
			Balance:        a.Balance,
			BalanceDisplay: asset.FormatUnits(a.Balance, s.cfg.Genesis.Asset.Decimals),
			Symbol:         s.cfg.Genesis.Asset.Symbol,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out, "supply": s.node.Supply()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	healthy := true
	backend := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	start := time.Now()
	if err := s.node.Ping(ctx); err != nil {
		healthy = false
		backend.Connected = false
		backend.Error = err.Error()
	} else {
		backend.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	}

	seq, height := s.node.Head()
	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	resp := struct {
		Status        string       `json:"status"`
		Backend       any          `json:"backend"`
		Ledger        ledger.Stats `json:"ledger"`
		EscrowBalance uint64       `json:"escrow_balance"`
		Supply        uint64       `json:"supply"`
		Journal       uint64       `json:"journal_entries"`
		Height        uint64       `json:"height"`
	}{
		Status:        status,
		Backend:       backend,
		Ledger:        s.node.Stats(),
		EscrowBalance: s.node.EscrowBalance(),
		Supply:        s.node.Supply(),
		Journal:       seq,
		Height:        height,
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// idempotencyKey prefers the signed client key. Without one, the signed
// request itself is the key, so resending it captured off the wire returns
// the original receipt instead of executing again.
func idempotencyKey(r *http.Request) string {
	if key := r.Header.Get(sigauth.HeaderIdempotencyKey); key != "" {
		return "key:" + key
	}
	if digest, ok := sigauth.DigestFrom(r.Context()); ok {
		return "sig:" + digest.Hex()
	}
	return ""
}

func callerOf(r *http.Request) common.Address {
	addr, _ := sigauth.CallerFrom(r.Context())
	return addr
}

func giftIDParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "gift id must be an unsigned integer")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
