package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/0xreflexivity/polyflux/pkg/app"
	"github.com/0xreflexivity/polyflux/pkg/app/engine"
	"github.com/0xreflexivity/polyflux/pkg/app/oracle"
	"github.com/0xreflexivity/polyflux/pkg/attest"
)

// Server handles REST API and WebSocket connections
type Server struct {
	app    *app.App
	router *mux.Router
	hub    *Hub
}

// NewServer creates a new API server. The hub is created by the caller
// so it can be wired into the app as its event sink before the app is
// constructed.
func NewServer(a *app.App, hub *Hub) *Server {
	s := &Server{
		app:    a,
		router: mux.NewRouter(),
		hub:    hub,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{marketId}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{marketId}/positions", s.handleGetMarketPositions).Methods("GET")
	api.HandleFunc("/markets/{marketId}/settle", s.handleSettleMarket).Methods("POST")

	// Oracle proof submission
	api.HandleFunc("/proofs", s.handleSubmitProof).Methods("POST")
	api.HandleFunc("/proofs/resolve", s.handleSubmitResolution).Methods("POST")

	// Account endpoints
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{address}/positions", s.handleGetAccountPositions).Methods("GET")
	api.HandleFunc("/vault/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/vault/withdraw", s.handleWithdraw).Methods("POST")

	// Position endpoints
	api.HandleFunc("/positions", s.handleOpenPosition).Methods("POST")
	api.HandleFunc("/positions/{id}", s.handleGetPosition).Methods("GET")
	api.HandleFunc("/positions/close", s.handleClosePosition).Methods("POST")
	api.HandleFunc("/positions/liquidate", s.handleLiquidatePosition).Methods("POST")
	api.HandleFunc("/positions/settle", s.handleSettlePosition).Methods("POST")

	// Node status
	api.HandleFunc("/status", s.handleGetStatus).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start starts the API server
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	handler := c.Handler(s.router)

	log.Printf("[api] server starting on %s", addr)
	return http.ListenAndServe(addr, handler)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	ids := s.app.Oracle.MarketIDs()

	response := make([]MarketInfo, 0, len(ids))
	for _, id := range ids {
		rec, err := s.app.Oracle.GetMarketData(id)
		if err != nil {
			continue
		}
		response = append(response, s.marketInfo(rec))
	}

	respondJSON(w, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := mux.Vars(r)["marketId"]

	rec, err := s.app.Oracle.GetMarketData(marketID)
	if err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}

	respondJSON(w, s.marketInfo(rec))
}

func (s *Server) handleGetMarketPositions(w http.ResponseWriter, r *http.Request) {
	marketID := mux.Vars(r)["marketId"]
	respondJSON(w, s.positionInfos(s.app.Engine.PositionsByMarket(marketID)))
}

func (s *Server) handleSettleMarket(w http.ResponseWriter, r *http.Request) {
	var req SettleMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.MaxPositions <= 0 {
		req.MaxPositions = 100
	}

	n, err := s.app.SettleMarketPositions(req.MarketID, req.MaxPositions)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, map[string]interface{}{"status": "ok", "settled": n})
}

func (s *Server) handleSubmitProof(w http.ResponseWriter, r *http.Request) {
	var proof attest.Proof
	if err := json.NewDecoder(r.Body).Decode(&proof); err != nil {
		respondError(w, http.StatusBadRequest, "invalid proof body", err.Error())
		return
	}

	rec, err := s.app.UpdateMarketData(&proof)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, SubmitProofResponse{
		Status:   "accepted",
		MarketID: rec.MarketID,
		Round:    rec.AttestationRound,
	})
}

func (s *Server) handleSubmitResolution(w http.ResponseWriter, r *http.Request) {
	var proof attest.Proof
	if err := json.NewDecoder(r.Body).Decode(&proof); err != nil {
		respondError(w, http.StatusBadRequest, "invalid proof body", err.Error())
		return
	}

	rec, err := s.app.ResolveMarketWithProof(&proof)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, SubmitProofResponse{
		Status:   "resolved",
		MarketID: rec.MarketID,
		Round:    rec.AttestationRound,
	})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}

	open := 0
	for _, p := range s.app.Engine.PositionsByOwner(addr) {
		if p.IsOpen {
			open++
		}
	}

	respondJSON(w, AccountInfo{
		Address:       addr.Hex(),
		Balance:       s.app.Engine.VaultBalance(addr),
		OpenPositions: open,
	})
}

func (s *Server) handleGetAccountPositions(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	respondJSON(w, s.positionInfos(s.app.Engine.PositionsByOwner(addr)))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req VaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	addr, ok := parseAddress(w, req.Address)
	if !ok {
		return
	}

	if err := s.app.Deposit(addr, req.Amount); err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, map[string]interface{}{"status": "ok", "balance": s.app.Engine.VaultBalance(addr)})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req VaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	addr, ok := parseAddress(w, req.Address)
	if !ok {
		return
	}

	if err := s.app.Withdraw(addr, req.Amount); err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, map[string]interface{}{"status": "ok", "balance": s.app.Engine.VaultBalance(addr)})
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	addr, ok := parseAddress(w, req.Address)
	if !ok {
		return
	}

	dir := engine.ParseDirection(req.Direction)
	if !dir.Valid() {
		respondError(w, http.StatusBadRequest, "invalid direction", req.Direction)
		return
	}

	id, err := s.app.OpenPosition(addr, req.MarketID, dir, req.Collateral, req.Leverage)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	pos, _ := s.app.Engine.GetPosition(id)
	respondJSON(w, s.positionInfo(pos))
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid position id", err.Error())
		return
	}

	pos, err := s.app.Engine.GetPosition(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "position not found", err.Error())
		return
	}

	respondJSON(w, s.positionInfo(pos))
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	var req PositionActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	addr, ok := parseAddress(w, req.Address)
	if !ok {
		return
	}

	pnl, err := s.app.ClosePosition(addr, req.PositionID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, map[string]interface{}{"status": "closed", "realizedPnl": pnl})
}

func (s *Server) handleLiquidatePosition(w http.ResponseWriter, r *http.Request) {
	var req PositionActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	addr, ok := parseAddress(w, req.Address)
	if !ok {
		return
	}

	reward, err := s.app.LiquidatePosition(addr, req.PositionID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, map[string]interface{}{"status": "liquidated", "reward": reward})
}

// handleSettlePosition settles one position against a resolved market.
// Settlement is permissionless cleanup, so no caller address is needed.
func (s *Server) handleSettlePosition(w http.ResponseWriter, r *http.Request) {
	var req PositionActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	pnl, err := s.app.SettlePosition(req.PositionID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, map[string]interface{}{"status": "settled", "realizedPnl": pnl})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	hash := s.app.StateHash()
	respondJSON(w, NodeStatus{
		Sequence:  s.app.Sequence(),
		Markets:   s.app.Oracle.MarketCount(),
		Positions: s.app.Engine.PositionCount(),
		Custody:   s.app.Engine.Custody(),
		Fees:      s.app.Engine.FeesAccrued(),
		StateHash: hex.EncodeToString(hash[:]),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) marketInfo(rec oracle.MarketRecord) MarketInfo {
	fresh := s.app.Oracle.IsMarketDataFresh(rec.MarketID, s.app.Engine.MaxStaleness())
	return MarketInfo{
		MarketID:         rec.MarketID,
		Question:         rec.Question,
		YesPrice:         rec.YesPrice,
		NoPrice:          rec.NoPrice,
		Volume:           rec.Volume,
		Liquidity:        rec.Liquidity,
		LastUpdated:      rec.Timestamp,
		Fresh:            fresh,
		Resolved:         rec.Resolved,
		OutcomeYes:       rec.Outcome,
		Submitter:        rec.Submitter.Hex(),
		AttestationRound: rec.AttestationRound,
	}
}

func (s *Server) positionInfo(p engine.Position) PositionInfo {
	pnl, _ := s.app.Engine.CalculatePnL(p.ID)
	liq, _ := s.app.Engine.IsLiquidatable(p.ID)

	return PositionInfo{
		ID:            p.ID,
		Owner:         p.Owner.Hex(),
		MarketID:      p.MarketID,
		Direction:     p.Direction.String(),
		Collateral:    p.Collateral,
		Leverage:      p.Leverage,
		Size:          p.Size(),
		EntryPrice:    p.EntryPrice,
		OpenTimestamp: p.OpenTimestamp,
		IsOpen:        p.IsOpen,
		Settled:       p.Settled,
		UnrealizedPnL: pnl,
		Liquidatable:  liq,
	}
}

func (s *Server) positionInfos(positions []engine.Position) []PositionInfo {
	out := make([]PositionInfo, len(positions))
	for i, p := range positions {
		out[i] = s.positionInfo(p)
	}
	return out
}

func parseAddress(w http.ResponseWriter, addr string) (common.Address, bool) {
	if !common.IsHexAddress(addr) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return common.Address{}, false
	}
	return common.HexToAddress(addr), true
}

// respondDomainError maps ledger errors onto HTTP status codes. Not
// found and validation failures get 4xx; anything unexpected gets 500.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, oracle.ErrMarketNotFound),
		errors.Is(err, engine.ErrPositionNotFound):
		respondError(w, http.StatusNotFound, "not found", err.Error())
	case errors.Is(err, engine.ErrNotPositionOwner),
		errors.Is(err, engine.ErrUnauthorized),
		errors.Is(err, oracle.ErrNotOwner):
		respondError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, oracle.ErrInvalidProof),
		errors.Is(err, oracle.ErrInvalidURL),
		errors.Is(err, oracle.ErrInvalidPrices),
		errors.Is(err, oracle.ErrInsufficientLiquidity),
		errors.Is(err, oracle.ErrMarketAlreadyResolved),
		errors.Is(err, oracle.ErrMarketNotResolved),
		errors.Is(err, engine.ErrOracleStale),
		errors.Is(err, engine.ErrMarketResolved),
		errors.Is(err, engine.ErrInvalidDirection),
		errors.Is(err, engine.ErrCollateralTooSmall),
		errors.Is(err, engine.ErrLeverageTooLow),
		errors.Is(err, engine.ErrLeverageTooHigh),
		errors.Is(err, engine.ErrPositionTooLarge),
		errors.Is(err, engine.ErrInvalidOraclePrice),
		errors.Is(err, engine.ErrPositionClosed),
		errors.Is(err, engine.ErrNotLiquidatable),
		errors.Is(err, engine.ErrNotSettleable),
		errors.Is(err, engine.ErrInsufficientBalance):
		respondError(w, http.StatusUnprocessableEntity, "rejected", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
