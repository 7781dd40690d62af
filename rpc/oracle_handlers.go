package rpc

import (
	"net/http"
	"strings"
	"time"

	"rumiprotocol/oracle"
)

type setPriceParams struct {
	Asset string `json:"asset"`
	Price string `json:"price"`
}

// handleOracleSetPrice accepts an operator-attested price. Only wired when
// the daemon runs the manual oracle.
func (s *Server) handleOracleSetPrice(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if s.oracle == nil {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "manual oracle not enabled", nil)
		return
	}
	var params setPriceParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	asset := strings.TrimSpace(params.Asset)
	if asset == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "asset required", nil)
		return
	}
	if err := s.oracle.SetDecimal(asset, params.Price, time.Now()); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid price", err.Error())
		return
	}
	if snap, err := s.ledger.Snapshot(); err == nil {
		if _, err := s.ledger.RecomputeMode(snap); err != nil {
			s.logger.Warn("mode recompute after price update failed", "asset", asset, "err", err)
		}
	}
	writeResult(w, req.ID, map[string]string{"asset": oracle.NormaliseSymbol(asset)})
}
