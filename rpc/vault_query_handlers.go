package rpc

import (
	"net/http"
	"sort"
	"strings"
)

type vaultIDParams struct {
	VaultID uint64 `json:"vaultId"`
}

func (s *Server) handleVaultGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params vaultIDParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	v, err := s.ledger.Vault(params.VaultID)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatVault(v))
}

type ownerParams struct {
	Owner string `json:"owner"`
}

func (s *Server) handleVaultListByOwner(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params ownerParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	owner, err := parseAddress("owner", params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	vaults, err := s.ledger.VaultsByOwner(owner)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	results := make([]VaultResult, 0, len(vaults))
	for _, v := range vaults {
		results = append(results, formatVault(v))
	}
	writeResult(w, req.ID, results)
}

func (s *Server) handleVaultHistory(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params vaultIDParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	events, err := s.ledger.History(params.VaultID)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	results := make([]EventResult, 0, len(events))
	for _, e := range events {
		results = append(results, formatEvent(e))
	}
	writeResult(w, req.ID, results)
}

func (s *Server) handleVaultStatus(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	status, err := s.ledger.Status()
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatStatus(status))
}

func (s *Server) handleVaultCollateral(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	configs, err := s.ledger.ListCollateral()
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	results := make([]CollateralResult, 0, len(configs))
	for _, cfg := range configs {
		results = append(results, formatCollateral(cfg))
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Symbol < results[j].Symbol })
	writeResult(w, req.ID, results)
}

type depositAddressParams struct {
	Owner      string `json:"owner"`
	Collateral string `json:"collateral"`
}

func (s *Server) handleVaultDepositAddress(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params depositAddressParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	owner, err := parseAddress("owner", params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if strings.TrimSpace(params.Collateral) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "collateral required", nil)
		return
	}
	addr, err := s.ledger.DepositAddress(params.Collateral, owner)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"address": addr.String()})
}

func (s *Server) handleVaultReserves(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	reserves, err := s.ledger.Store().ListReserves()
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	results := make(map[string]string, len(reserves))
	for asset, balance := range reserves {
		results[asset] = decimalString(balance)
	}
	writeResult(w, req.ID, results)
}
