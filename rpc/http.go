package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"rumiprotocol/native/liquidation"
	"rumiprotocol/native/redemption"
	"rumiprotocol/native/treasury"
	"rumiprotocol/native/vault"
	"rumiprotocol/observability/metrics"
	"rumiprotocol/oracle"
	"rumiprotocol/transfer"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// ServerConfig carries the transport knobs for the RPC surface.
type ServerConfig struct {
	AuthSecret   string
	AuthIssuer   string
	AuthAudience string
	RatePerSec   float64
	RateBurst    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server exposes the vault protocol over JSON-RPC. Mutating methods require
// a bearer token when an auth secret is configured; queries are open.
type Server struct {
	ledger       *vault.Ledger
	liquidations *liquidation.Engine
	redemptions  *redemption.Engine
	treasury     *treasury.Treasury
	outbound     *transfer.Ledger
	oracle       *oracle.ManualOracle
	metrics      *metrics.ProtocolMetrics
	logger       *slog.Logger
	cfg          ServerConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	serverMu   sync.Mutex
	httpServer *http.Server
}

// NewServer wires the RPC server over the protocol engines.
func NewServer(ledger *vault.Ledger, cfg ServerConfig) *Server {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 40
	}
	return &Server{
		ledger:   ledger,
		logger:   slog.Default(),
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetLiquidations attaches the liquidation engine.
func (s *Server) SetLiquidations(engine *liquidation.Engine) { s.liquidations = engine }

// SetRedemptions attaches the redemption engine.
func (s *Server) SetRedemptions(engine *redemption.Engine) { s.redemptions = engine }

// SetTreasury attaches the treasury.
func (s *Server) SetTreasury(t *treasury.Treasury) { s.treasury = t }

// SetOutbound attaches the outbound transfer ledger for queue queries.
func (s *Server) SetOutbound(out *transfer.Ledger) { s.outbound = out }

// SetOracle enables the operator price attestation method.
func (s *Server) SetOracle(feed *oracle.ManualOracle) { s.oracle = feed }

// SetMetrics attaches the metrics registry.
func (s *Server) SetMetrics(m *metrics.ProtocolMetrics) { s.metrics = m }

// SetLogger overrides the structured logger.
func (s *Server) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Router builds the HTTP handler: the JSON-RPC endpoint plus the health and
// metrics surfaces.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/rpc", s.handle)
	return r
}

// Start serves the router on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	readTimeout := s.cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := s.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	s.serverMu.Lock()
	s.httpServer = srv
	s.serverMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      int             `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, req *RPCRequest)

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	w.Header().Set("Content-Type", "application/json")

	if !s.allow(s.clientSource(r)) {
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
		s.metrics.ObserveRPC("rpc", "429", time.Since(started))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "unable to read request", nil)
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", nil)
		return
	}

	method := strings.TrimSpace(req.Method)
	handler, ok := s.methods()[method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", method)
		s.metrics.ObserveRPC(method, "404", time.Since(started))
		return
	}

	if s.mutating(method) {
		subject, err := s.authorize(r)
		if err != nil {
			s.logger.Warn("rpc auth rejected", "method", method, maskedAuth(r))
			writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "unauthorized", nil)
			s.metrics.ObserveRPC(method, "401", time.Since(started))
			return
		}
		r = withAuthSubject(r, subject)
	}

	handler(w, r, &req)
	s.metrics.ObserveRPC(method, "200", time.Since(started))
}

func (s *Server) methods() map[string]handlerFunc {
	return map[string]handlerFunc{
		"vault_open":                s.handleVaultOpen,
		"vault_addCollateral":       s.handleVaultAddCollateral,
		"vault_borrow":              s.handleVaultBorrow,
		"vault_repay":               s.handleVaultRepay,
		"vault_withdraw":            s.handleVaultWithdraw,
		"vault_close":               s.handleVaultClose,
		"vault_get":                 s.handleVaultGet,
		"vault_listByOwner":         s.handleVaultListByOwner,
		"vault_history":             s.handleVaultHistory,
		"vault_status":              s.handleVaultStatus,
		"vault_collateral":          s.handleVaultCollateral,
		"vault_depositAddress":      s.handleVaultDepositAddress,
		"vault_reserves":            s.handleVaultReserves,
		"liquidation_execute":       s.handleLiquidate,
		"liquidation_partial":       s.handleLiquidatePartial,
		"liquidation_distribute":    s.handleRedistribute,
		"liquidation_scan":          s.handleLiquidationScan,
		"redemption_redeem":         s.handleRedeem,
		"redemption_quote":          s.handleRedemptionQuote,
		"treasury_withdraw":         s.handleTreasuryWithdraw,
		"treasury_mint":             s.handleTreasuryMint,
		"treasury_balances":         s.handleTreasuryBalances,
		"treasury_withdrawals":      s.handleTreasuryWithdrawals,
		"treasury_mintAudit":        s.handleTreasuryMintAudit,
		"transfer_pending":          s.handleTransferPending,
		"transfer_flagged":          s.handleTransferFlagged,
		"oracle_setPrice":           s.handleOracleSetPrice,
		"admin_registerCollateral":  s.handleAdminRegisterCollateral,
		"admin_setCollateralStatus": s.handleAdminSetCollateralStatus,
	}
}

// mutating reports whether the method changes protocol state and therefore
// needs the bearer token.
func (s *Server) mutating(method string) bool {
	switch method {
	case "vault_open", "vault_addCollateral", "vault_borrow", "vault_repay",
		"vault_withdraw", "vault_close",
		"liquidation_execute", "liquidation_partial", "liquidation_distribute",
		"redemption_redeem",
		"treasury_withdraw", "treasury_mint",
		"oracle_setPrice", "admin_registerCollateral", "admin_setCollateralStatus":
		return true
	default:
		return false
	}
}

func (s *Server) clientSource(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) allow(source string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RateBurst)
		s.limiters[source] = limiter
	}
	return limiter.Allow()
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// writeLedgerError maps a ledger error onto HTTP and wire codes using the
// closed error taxonomy.
func writeLedgerError(w http.ResponseWriter, id interface{}, err error) {
	code := vault.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case "AlreadyProcessing", "TemporarilyUnavailable":
		status = http.StatusServiceUnavailable
	case "AmountTooLow", "CollateralRatioTooLow", "DebtCeilingExceeded", "DepegRejected":
		status = http.StatusBadRequest
	case "CallerNotOwner":
		status = http.StatusForbidden
	case "VaultNotFound":
		status = http.StatusNotFound
	case "CollateralStatusBlocked", "OraclePriceUnavailable", "TransferFailed":
		status = http.StatusConflict
	}
	writeError(w, status, id, codeServerError, code, err.Error())
}
