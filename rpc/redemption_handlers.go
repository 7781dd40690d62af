package rpc

import (
	"errors"
	"math/big"
	"net/http"

	"rumiprotocol/native/redemption"
)

type redeemParams struct {
	Redeemer string `json:"redeemer"`
	Amount   string `json:"amount"`
}

// RedemptionLeg is one asset delivery inside a receipt.
type RedemptionLeg struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	FeeBps uint64 `json:"feeBps"`
	Source string `json:"source"`
}

// RedemptionResult renders a completed redemption.
type RedemptionResult struct {
	Redeemed      string          `json:"redeemed"`
	Refunded      string          `json:"refunded"`
	Legs          []RedemptionLeg `json:"legs"`
	VaultsTouched []uint64        `json:"vaultsTouched"`
}

func formatReceipt(receipt *redemption.Receipt) RedemptionResult {
	legs := make([]RedemptionLeg, 0, len(receipt.Legs))
	for _, leg := range receipt.Legs {
		legs = append(legs, RedemptionLeg{
			Asset:  leg.Asset,
			Amount: decimalString(leg.Amount),
			FeeBps: leg.FeeBps,
			Source: leg.Source,
		})
	}
	touched := receipt.VaultsTouched
	if touched == nil {
		touched = []uint64{}
	}
	return RedemptionResult{
		Redeemed:      decimalString(receipt.Redeemed),
		Refunded:      decimalString(receipt.Refunded),
		Legs:          legs,
		VaultsTouched: touched,
	}
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params redeemParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	redeemer, err := parseAddress("redeemer", params.Redeemer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if !s.requireActor(w, r, req, redeemer) {
		return
	}
	amount, err := parseAmount("amount", params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	receipt, err := s.redemptions.Redeem(r.Context(), redeemer, amount)
	if err != nil {
		if errors.Is(err, redemption.ErrNothingToRedeem) {
			writeError(w, http.StatusConflict, req.ID, codeServerError, "NothingToRedeem", err.Error())
			return
		}
		writeLedgerError(w, req.ID, err)
		return
	}
	if receipt.Redeemed != nil {
		redeemed, _ := new(big.Float).SetInt(receipt.Redeemed).Float64()
		s.metrics.ObserveRedemption(redeemed)
	}
	writeResult(w, req.ID, formatReceipt(receipt))
}

type quoteParams struct {
	Amount string `json:"amount"`
}

func (s *Server) handleRedemptionQuote(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params quoteParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	amount, err := parseAmount("amount", params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	feeBps, err := s.redemptions.QuoteVaultFee(amount)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]uint64{"vaultFeeBps": feeBps})
}
