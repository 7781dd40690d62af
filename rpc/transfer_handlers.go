package rpc

import (
	"net/http"

	"rumiprotocol/transfer"
)

func (s *Server) handleTransferPending(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.writeOutboundList(w, req, func() ([]*transfer.Outbound, error) { return s.outbound.Pending() })
}

func (s *Server) handleTransferFlagged(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.writeOutboundList(w, req, func() ([]*transfer.Outbound, error) { return s.outbound.Flagged() })
}

func (s *Server) writeOutboundList(w http.ResponseWriter, req *RPCRequest, list func() ([]*transfer.Outbound, error)) {
	if s.outbound == nil {
		writeResult(w, req.ID, []OutboundResult{})
		return
	}
	entries, err := list()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "transfer queue unavailable", err.Error())
		return
	}
	results := make([]OutboundResult, 0, len(entries))
	for _, out := range entries {
		results = append(results, formatOutbound(out))
	}
	writeResult(w, req.ID, results)
}
