package rpc

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"dealescrow/core/events"
	"dealescrow/crypto"
	"dealescrow/native/deal"
)

const (
	defaultListLimit  = 50
	maxListLimit      = 500
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

type dealDepositParams struct {
	Seller         string `json:"seller"`
	BuyerProductID uint64 `json:"buyerProductId"`
	Amount         string `json:"amount"`
}

type dealIDParams struct {
	ID uint64 `json:"id"`
}

type dealDeliveryParams struct {
	ID              uint64 `json:"id"`
	SellerProductID uint64 `json:"sellerProductId"`
}

type dealListParams struct {
	Party  string `json:"party,omitempty"`
	Role   string `json:"role,omitempty"`
	Offset int    `json:"offset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type dealBalanceParams struct {
	Address string `json:"address"`
}

type dealEventsParams struct {
	After uint64 `json:"after"`
	Limit int    `json:"limit,omitempty"`
}

type dealJSON struct {
	ID                uint64 `json:"id"`
	Buyer             string `json:"buyer"`
	Seller            string `json:"seller"`
	Amount            string `json:"amount"`
	BuyerProductID    uint64 `json:"buyerProductId"`
	SellerProductID   uint64 `json:"sellerProductId"`
	State             string `json:"state"`
	DeliveryConfirmed bool   `json:"deliveryConfirmed"`
	CreatedAt         int64  `json:"createdAt"`
	UpdatedAt         int64  `json:"updatedAt"`
}

type dealDepositResult struct {
	ID uint64 `json:"id"`
}

type dealOKResult struct {
	OK    bool   `json:"ok"`
	State string `json:"state,omitempty"`
}

type dealCountResult struct {
	NextDealID uint64 `json:"nextDealId"`
	DealCount  uint64 `json:"dealCount"`
}

type dealStatsResult struct {
	Deals     uint64 `json:"deals"`
	Deposited string `json:"deposited"`
	Paid      string `json:"paid"`
	Held      string `json:"held"`
}

type dealBalanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

func formatDeal(d *deal.Deal) dealJSON {
	amount := "0"
	if d.Amount != nil {
		amount = d.Amount.String()
	}
	return dealJSON{
		ID:                d.ID,
		Buyer:             crypto.AddressFromArray(d.Buyer).String(),
		Seller:            crypto.AddressFromArray(d.Seller).String(),
		Amount:            amount,
		BuyerProductID:    d.BuyerProductID,
		SellerProductID:   d.SellerProductID,
		State:             d.State.String(),
		DeliveryConfirmed: d.DeliveryConfirmed,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

// writeDealError maps engine failures onto JSON-RPC error codes. The stable
// reason string travels in data; infrastructure failures are logged and
// reported without detail.
func (s *Server) writeDealError(w http.ResponseWriter, id interface{}, method string, err error) {
	var de *deal.Error
	if !errors.As(err, &de) {
		s.logger.Error("rpc: deal operation failed", "method", method, "error", err)
		writeError(w, http.StatusInternalServerError, id, codeInternal, "internal_error", nil)
		return
	}
	status, code := http.StatusInternalServerError, codeInternal
	switch de.Kind {
	case deal.KindValidation:
		status, code = http.StatusBadRequest, codeValidation
	case deal.KindAuthorization:
		status, code = http.StatusForbidden, codeForbidden
	case deal.KindNotFound:
		status, code = http.StatusNotFound, codeNotFound
	case deal.KindState:
		status, code = http.StatusConflict, codeStateConflict
	case deal.KindCustody:
		status, code = http.StatusConflict, codeCustody
	}
	writeError(w, status, id, code, de.Code, de.Reason)
}

// refreshHeld publishes the escrowed total after a state change.
func (s *Server) refreshHeld() {
	if s.opts.Metrics == nil {
		return
	}
	stats, err := s.engine.Stats()
	if err != nil {
		s.logger.Warn("rpc: stats unavailable", "error", err)
		return
	}
	s.opts.Metrics.SetHeld(stats.Held)
}

func (s *Server) handleDealDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, authErr := s.requireCaller(r)
	if authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params dealDepositParams
	if err := decodeParams(req, &params, false); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	seller, err := crypto.ParseAddress(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := s.engine.Deposit(r.Context(), caller, seller, params.BuyerProductID, amount)
	if err != nil {
		s.writeDealError(w, req.ID, req.Method, err)
		return
	}
	s.refreshHeld()
	writeResult(w, req.ID, dealDepositResult{ID: id})
}

func (s *Server) handleDealConfirmDelivery(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, authErr := s.requireCaller(r)
	if authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params dealDeliveryParams
	if err := decodeParams(req, &params, false); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.ConfirmDelivery(r.Context(), caller, params.ID, params.SellerProductID); err != nil {
		s.writeDealError(w, req.ID, req.Method, err)
		return
	}
	writeResult(w, req.ID, dealOKResult{OK: true})
}

func (s *Server) handleDealConfirmReceipt(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, authErr := s.requireCaller(r)
	if authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params dealIDParams
	if err := decodeParams(req, &params, false); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	state, err := s.engine.ConfirmReceipt(r.Context(), caller, params.ID)
	if err != nil {
		s.writeDealError(w, req.ID, req.Method, err)
		return
	}
	s.refreshHeld()
	writeResult(w, req.ID, dealOKResult{OK: true, State: state.String()})
}

func (s *Server) handleDealRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, authErr := s.requireCaller(r)
	if authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params dealIDParams
	if err := decodeParams(req, &params, false); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.Refund(r.Context(), caller, params.ID); err != nil {
		s.writeDealError(w, req.ID, req.Method, err)
		return
	}
	s.refreshHeld()
	writeResult(w, req.ID, dealOKResult{OK: true})
}

func (s *Server) handleDealWithdraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, authErr := s.requireCaller(r)
	if authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params dealIDParams
	if err := decodeParams(req, &params, false); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.Withdraw(r.Context(), caller, params.ID); err != nil {
		s.writeDealError(w, req.ID, req.Method, err)
		return
	}
	s.refreshHeld()
	writeResult(w, req.ID, dealOKResult{OK: true})
}

func (s *Server) handleDealGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params dealIDParams
	if err := decodeParams(req, &params, false); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	d, err := s.engine.GetDeal(params.ID)
	if err != nil {
		s.writeDealError(w, req.ID, req.Method, err)
		return
	}
	writeResult(w, req.ID, formatDeal(d))
}

func (s *Server) handleDealCount(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	count, err := s.engine.DealCount()
	if err != nil {
		s.writeDealError(w, req.ID, req.Method, err)
		return
	}
	writeResult(w, req.ID, dealCountResult{NextDealID: count + 1, DealCount: count})
}

func (s *Server) handleDealList(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params dealListParams
	if err := decodeParams(req, &params, true); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	var party [20]byte
	if strings.TrimSpace(params.Party) != "" {
		parsed, err := crypto.ParseAddress(params.Party)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
			return
		}
		party = parsed
	}
	role, err := deal.ParseRole(params.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.Offset < 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "offset must be >= 0")
		return
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	deals, err := s.engine.ListDeals(party, role, params.Offset, limit)
	if err != nil {
		s.writeDealError(w, req.ID, req.Method, err)
		return
	}
	out := make([]dealJSON, 0, len(deals))
	for _, d := range deals {
		out = append(out, formatDeal(d))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleDealStats(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	stats, err := s.engine.Stats()
	if err != nil {
		s.writeDealError(w, req.ID, req.Method, err)
		return
	}
	writeResult(w, req.ID, dealStatsResult{
		Deals:     stats.Deals,
		Deposited: stats.Deposited.String(),
		Paid:      stats.Paid.String(),
		Held:      stats.Held.String(),
	})
}

func (s *Server) handleDealBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params dealBalanceParams
	if err := decodeParams(req, &params, false); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := crypto.ParseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if s.balances == nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeInternal, "internal_error", "balances unavailable")
		return
	}
	balance, err := s.balances.Balance(addr)
	if err != nil {
		s.writeDealError(w, req.ID, req.Method, err)
		return
	}
	writeResult(w, req.ID, dealBalanceResult{
		Address: crypto.AddressFromArray(addr).String(),
		Balance: balance.String(),
	})
}

func (s *Server) handleDealEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params dealEventsParams
	if err := decodeParams(req, &params, true); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	records := []events.Record{}
	if s.feed != nil {
		records = s.feed.Since(params.After, limit)
	}
	writeResult(w, req.ID, records)
}
