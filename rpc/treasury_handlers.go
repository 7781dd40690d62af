package rpc

import (
	"errors"
	"net/http"

	"rumiprotocol/native/treasury"
)

type treasuryWithdrawParams struct {
	Caller string `json:"caller"`
	Asset  string `json:"asset"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Memo   string `json:"memo"`
}

// WithdrawalResult renders one audited treasury withdrawal.
type WithdrawalResult struct {
	Sequence uint64 `json:"sequence"`
	ID       string `json:"id"`
	Asset    string `json:"asset"`
	To       string `json:"to"`
	Amount   string `json:"amount"`
	Memo     string `json:"memo"`
	At       int64  `json:"at"`
}

func formatWithdrawal(wd *treasury.Withdrawal) WithdrawalResult {
	return WithdrawalResult{
		Sequence: wd.Sequence,
		ID:       wd.ID,
		Asset:    wd.Asset,
		To:       wd.To.String(),
		Amount:   decimalString(wd.Amount),
		Memo:     wd.Memo,
		At:       wd.At.Unix(),
	}
}

// MintResult renders one audited emergency mint.
type MintResult struct {
	Sequence uint64 `json:"sequence"`
	ID       string `json:"id"`
	To       string `json:"to"`
	Amount   string `json:"amount"`
	Reason   string `json:"reason"`
	At       int64  `json:"at"`
}

func formatMint(rec *treasury.MintRecord) MintResult {
	return MintResult{
		Sequence: rec.Sequence,
		ID:       rec.ID,
		To:       rec.To.String(),
		Amount:   decimalString(rec.Amount),
		Reason:   rec.Reason,
		At:       rec.At.Unix(),
	}
}

func (s *Server) handleTreasuryWithdraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params treasuryWithdrawParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if !s.requireActor(w, r, req, caller) {
		return
	}
	to, err := parseAddress("to", params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parseAmount("amount", params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	wd, err := s.treasury.Withdraw(r.Context(), caller, params.Asset, to, amount, params.Memo)
	if err != nil {
		writeTreasuryError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatWithdrawal(wd))
}

type treasuryMintParams struct {
	Caller string `json:"caller"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Reason string `json:"reason"`
}

func (s *Server) handleTreasuryMint(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params treasuryMintParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if !s.requireActor(w, r, req, caller) {
		return
	}
	to, err := parseAddress("to", params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parseAmount("amount", params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	rec, err := s.treasury.EmergencyMint(r.Context(), caller, to, amount, params.Reason)
	if err != nil {
		writeTreasuryError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatMint(rec))
}

func (s *Server) handleTreasuryBalances(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	balances, err := s.treasury.Balances()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "balances unavailable", err.Error())
		return
	}
	results := make(map[string]string, len(balances))
	for asset, balance := range balances {
		results[asset] = decimalString(balance)
	}
	writeResult(w, req.ID, results)
}

func (s *Server) handleTreasuryWithdrawals(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	log, err := s.treasury.Withdrawals()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "withdrawals unavailable", err.Error())
		return
	}
	results := make([]WithdrawalResult, 0, len(log))
	for _, wd := range log {
		results = append(results, formatWithdrawal(wd))
	}
	writeResult(w, req.ID, results)
}

func (s *Server) handleTreasuryMintAudit(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	audit, err := s.treasury.MintAudit()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "mint audit unavailable", err.Error())
		return
	}
	results := make([]MintResult, 0, len(audit))
	for _, rec := range audit {
		results = append(results, formatMint(rec))
	}
	writeResult(w, req.ID, results)
}

func writeTreasuryError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, treasury.ErrNotController):
		writeError(w, http.StatusForbidden, id, codeUnauthorized, "NotController", err.Error())
	case errors.Is(err, treasury.ErrReasonRequired):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, "ReasonRequired", err.Error())
	case errors.Is(err, treasury.ErrInsufficientBalance):
		writeError(w, http.StatusConflict, id, codeServerError, "InsufficientBalance", err.Error())
	case errors.Is(err, treasury.ErrMintCapExceeded):
		writeError(w, http.StatusBadRequest, id, codeServerError, "MintCapExceeded", err.Error())
	case errors.Is(err, treasury.ErrMintCooldown):
		writeError(w, http.StatusConflict, id, codeServerError, "MintCooldown", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, "treasury operation failed", err.Error())
	}
}
