package rpc

import (
	"math/big"
	"net/http"
	"strings"

	"rumiprotocol/crypto"
)

type vaultOpenParams struct {
	Owner      string `json:"owner"`
	Collateral string `json:"collateral"`
	Deposit    string `json:"deposit"`
	Debt       string `json:"debt"`
}

func (s *Server) handleVaultOpen(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params vaultOpenParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	owner, err := parseAddress("owner", params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if !s.requireActor(w, r, req, owner) {
		return
	}
	deposit, err := parseAmount("deposit", params.Deposit)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	debt, err := parseOptionalAmount("debt", params.Debt)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	v, err := s.ledger.OpenVault(r.Context(), owner, params.Collateral, deposit, debt)
	s.metrics.ObserveOperation("open", err)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatVault(v))
}

type vaultAmountParams struct {
	Caller  string `json:"caller"`
	VaultID uint64 `json:"vaultId"`
	Amount  string `json:"amount"`
	Asset   string `json:"asset,omitempty"`
}

func (s *Server) handleVaultAddCollateral(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	params, caller, amount, ok := s.amountParams(w, r, req)
	if !ok {
		return
	}
	v, err := s.ledger.AddCollateral(r.Context(), caller, params.VaultID, amount)
	s.metrics.ObserveOperation("add_collateral", err)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatVault(v))
}

func (s *Server) handleVaultBorrow(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	params, caller, amount, ok := s.amountParams(w, r, req)
	if !ok {
		return
	}
	v, err := s.ledger.BorrowMore(r.Context(), caller, params.VaultID, amount)
	s.metrics.ObserveOperation("borrow", err)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatVault(v))
}

func (s *Server) handleVaultRepay(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	params, caller, amount, ok := s.amountParams(w, r, req)
	if !ok {
		return
	}
	asset := params.Asset
	if strings.TrimSpace(asset) == "" {
		asset = s.ledger.StableSymbol()
	}
	v, err := s.ledger.Repay(r.Context(), caller, params.VaultID, amount, asset)
	s.metrics.ObserveOperation("repay", err)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatVault(v))
}

func (s *Server) handleVaultWithdraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	params, caller, amount, ok := s.amountParams(w, r, req)
	if !ok {
		return
	}
	v, err := s.ledger.WithdrawCollateral(r.Context(), caller, params.VaultID, amount)
	s.metrics.ObserveOperation("withdraw", err)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatVault(v))
}

type vaultCloseParams struct {
	Caller  string `json:"caller"`
	VaultID uint64 `json:"vaultId"`
}

func (s *Server) handleVaultClose(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params vaultCloseParams
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
	err = s.ledger.WithdrawAndClose(r.Context(), caller, params.VaultID)
	s.metrics.ObserveOperation("close", err)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"closed": true})
}

// amountParams decodes the common caller/vault/amount payload shared by the
// collateral and debt mutations, writing the error response itself on failure.
func (s *Server) amountParams(w http.ResponseWriter, r *http.Request, req *RPCRequest) (vaultAmountParams, crypto.Address, *big.Int, bool) {
	var params vaultAmountParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return params, crypto.Address{}, nil, false
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return params, crypto.Address{}, nil, false
	}
	if !s.requireActor(w, r, req, caller) {
		return params, crypto.Address{}, nil, false
	}
	amount, err := parseAmount("amount", params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return params, crypto.Address{}, nil, false
	}
	return params, caller, amount, true
}
