package rpc

import (
	"math/big"
	"net/http"
	"strings"

	"rumiprotocol/native/vault"
)

type registerCollateralParams struct {
	Symbol                  string `json:"symbol"`
	Decimals                uint8  `json:"decimals"`
	Status                  string `json:"status"`
	BorrowThresholdBps      uint64 `json:"borrowThresholdBps"`
	LiquidationThresholdBps uint64 `json:"liquidationThresholdBps"`
	LiquidationBonusBps     uint64 `json:"liquidationBonusBps"`
	RecoveryTargetBps       uint64 `json:"recoveryTargetBps"`
	BorrowingFeeBps         uint64 `json:"borrowingFeeBps"`
	DebtCeiling             string `json:"debtCeiling"`
	MinVaultDebt            string `json:"minVaultDebt"`
	MinDeposit              string `json:"minDeposit"`
	DustCollateral          string `json:"dustCollateral"`
	PushDeposits            bool   `json:"pushDeposits"`
	PriceFloor              string `json:"priceFloor"`
}

func (s *Server) handleAdminRegisterCollateral(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params registerCollateralParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	status, ok := vault.ParseCollateralStatus(strings.ToLower(strings.TrimSpace(params.Status)))
	if !ok {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "unknown status", params.Status)
		return
	}
	cfg := &vault.CollateralConfig{
		Symbol:                  params.Symbol,
		Decimals:                params.Decimals,
		BorrowThresholdBps:      params.BorrowThresholdBps,
		LiquidationThresholdBps: params.LiquidationThresholdBps,
		LiquidationBonusBps:     params.LiquidationBonusBps,
		RecoveryTargetBps:       params.RecoveryTargetBps,
		BorrowingFeeBps:         params.BorrowingFeeBps,
		PushDeposits:            params.PushDeposits,
		Status:                  status,
	}
	var err error
	if cfg.DebtCeiling, err = parseOptionalAmount("debtCeiling", params.DebtCeiling); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if cfg.MinVaultDebt, err = parseOptionalAmount("minVaultDebt", params.MinVaultDebt); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if cfg.MinDeposit, err = parseOptionalAmount("minDeposit", params.MinDeposit); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if cfg.DustCollateral, err = parseOptionalAmount("dustCollateral", params.DustCollateral); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if floor := strings.TrimSpace(params.PriceFloor); floor != "" {
		rat, ok := new(big.Rat).SetString(floor)
		if !ok || rat.Sign() < 0 {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid priceFloor", params.PriceFloor)
			return
		}
		cfg.PriceFloor = rat
	}
	if err := s.ledger.RegisterCollateral(cfg); err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	updated, err := s.ledger.ConfigFor(cfg.Symbol)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatCollateral(updated))
}

type setStatusParams struct {
	Symbol string `json:"symbol"`
	Status string `json:"status"`
}

func (s *Server) handleAdminSetCollateralStatus(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params setStatusParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	status, ok := vault.ParseCollateralStatus(strings.ToLower(strings.TrimSpace(params.Status)))
	if !ok {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "unknown status", params.Status)
		return
	}
	if err := s.ledger.SetCollateralStatus(params.Symbol, status); err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	updated, err := s.ledger.ConfigFor(params.Symbol)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatCollateral(updated))
}
