package rpc

import (
	"errors"
	"net/http"

	"rumiprotocol/native/liquidation"
)

type liquidateParams struct {
	Liquidator string `json:"liquidator"`
	VaultID    uint64 `json:"vaultId"`
	Repay      string `json:"repay,omitempty"`
}

// LiquidationResult renders a completed liquidation leg.
type LiquidationResult struct {
	VaultID          uint64 `json:"vaultId"`
	Kind             string `json:"kind"`
	DebtRepaid       string `json:"debtRepaid"`
	CollateralSeized string `json:"collateralSeized"`
}

func formatLiquidation(res *liquidation.Result) LiquidationResult {
	return LiquidationResult{
		VaultID:          res.VaultID,
		Kind:             string(res.Kind),
		DebtRepaid:       decimalString(res.DebtRepaid),
		CollateralSeized: decimalString(res.CollateralSeized),
	}
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params liquidateParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	liquidator, err := parseAddress("liquidator", params.Liquidator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if !s.requireActor(w, r, req, liquidator) {
		return
	}
	res, err := s.liquidations.Liquidate(r.Context(), liquidator, params.VaultID)
	if err != nil {
		writeLiquidationError(w, req.ID, err)
		return
	}
	s.metrics.ObserveLiquidation(string(res.Kind))
	writeResult(w, req.ID, formatLiquidation(res))
}

func (s *Server) handleLiquidatePartial(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params liquidateParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	liquidator, err := parseAddress("liquidator", params.Liquidator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if !s.requireActor(w, r, req, liquidator) {
		return
	}
	repay, err := parseAmount("repay", params.Repay)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	res, err := s.liquidations.LiquidatePartial(r.Context(), liquidator, params.VaultID, repay)
	if err != nil {
		writeLiquidationError(w, req.ID, err)
		return
	}
	s.metrics.ObserveLiquidation(string(res.Kind))
	writeResult(w, req.ID, formatLiquidation(res))
}

type redistributeParams struct {
	VaultID uint64 `json:"vaultId"`
}

func (s *Server) handleRedistribute(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params redistributeParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	res, err := s.liquidations.Redistribute(r.Context(), params.VaultID)
	if err != nil {
		writeLiquidationError(w, req.ID, err)
		return
	}
	s.metrics.ObserveLiquidation(string(res.Kind))
	writeResult(w, req.ID, formatLiquidation(res))
}

// CandidateResult is one scan finding.
type CandidateResult struct {
	VaultID    uint64 `json:"vaultId"`
	Owner      string `json:"owner"`
	Collateral string `json:"collateral"`
	RatioBps   string `json:"ratioBps"`
	Action     string `json:"action"`
}

func (s *Server) handleLiquidationScan(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	candidates, err := s.liquidations.Scan()
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	results := make([]CandidateResult, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, CandidateResult{
			VaultID:    c.VaultID,
			Owner:      c.Owner.String(),
			Collateral: c.Collateral,
			RatioBps:   decimalString(c.RatioBps),
			Action:     string(c.Action),
		})
	}
	writeResult(w, req.ID, results)
}

func writeLiquidationError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, liquidation.ErrNotLiquidatable):
		writeError(w, http.StatusConflict, id, codeServerError, "NotLiquidatable", err.Error())
	case errors.Is(err, liquidation.ErrNoRecipients):
		writeError(w, http.StatusConflict, id, codeServerError, "NoRecipients", err.Error())
	default:
		writeLedgerError(w, id, err)
	}
}
