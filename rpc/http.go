package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dealescrow/core/events"
	"dealescrow/gateway/middleware"
	"dealescrow/native/deal"
	"dealescrow/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	rpcModule       = "deal"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
	codeValidation     = -32001
	codeUnauthorized   = -32002
	codeForbidden      = -32003
	codeNotFound       = -32004
	codeStateConflict  = -32005
	codeCustody        = -32006
)

// BalanceReader exposes treasury balances.
type BalanceReader interface {
	Balance(addr [20]byte) (*big.Int, error)
}

// Options wires the optional HTTP concerns. Nil members are skipped.
type Options struct {
	Auth          *middleware.Authenticator
	Limiter       *middleware.RateLimiter
	Observability *middleware.Observability
	Metrics       *observability.DealMetrics
	Logger        *slog.Logger
}

// Server exposes the deal engine over JSON-RPC, the event feed over a
// websocket and operational endpoints.
type Server struct {
	engine   *deal.Engine
	balances BalanceReader
	feed     *events.Feed
	opts     Options
	logger   *slog.Logger
}

func NewServer(engine *deal.Engine, balances BalanceReader, feed *events.Feed, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:   engine,
		balances: balances,
		feed:     feed,
		opts:     opts,
		logger:   logger,
	}
}

// Router builds the HTTP route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.opts.Observability != nil {
			r.Use(s.opts.Observability.Middleware("rpc"))
		}
		if s.opts.Auth != nil {
			r.Use(s.opts.Auth.Middleware)
		}
		if s.opts.Limiter != nil {
			r.Use(s.opts.Limiter.Middleware("rpc"))
		}
		r.Post("/rpc", s.handle)
	})

	r.Group(func(r chi.Router) {
		if s.opts.Limiter != nil {
			r.Use(s.opts.Limiter.Middleware("ws"))
		}
		r.Get("/ws/events", s.handleEventsWS)
	})
	return r
}

// Serve runs the HTTP server on listener until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	s.logger.Info("rpc server listening", "addr", listener.Addr().String())
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("rpc: shutdown: %w", err)
		}
		<-errCh
		return nil
	}
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
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

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	method := ""
	defer func() {
		observability.ModuleMetrics().Observe(rpcModule, method, sw.status, time.Since(start))
	}()

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(sw, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(sw, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(sw, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(sw, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(sw, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}
	method = req.Method

	switch req.Method {
	case "deal_deposit":
		s.handleDealDeposit(sw, r, req)
	case "deal_confirmDelivery":
		s.handleDealConfirmDelivery(sw, r, req)
	case "deal_confirmReceipt":
		s.handleDealConfirmReceipt(sw, r, req)
	case "deal_refund":
		s.handleDealRefund(sw, r, req)
	case "deal_withdraw":
		s.handleDealWithdraw(sw, r, req)
	case "deal_get":
		s.handleDealGet(sw, r, req)
	case "deal_count":
		s.handleDealCount(sw, r, req)
	case "deal_list":
		s.handleDealList(sw, r, req)
	case "deal_stats":
		s.handleDealStats(sw, r, req)
	case "deal_balance":
		s.handleDealBalance(sw, r, req)
	case "deal_events":
		s.handleDealEvents(sw, r, req)
	default:
		method = "unknown"
		writeError(sw, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method), nil)
	}
}

// requireCaller resolves the authenticated caller for state-changing calls.
func (s *Server) requireCaller(r *http.Request) ([20]byte, *RPCError) {
	if s.opts.Auth == nil {
		return [20]byte{}, &RPCError{Code: codeUnauthorized, Message: "unauthorized", Data: "authentication not configured"}
	}
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		return [20]byte{}, &RPCError{Code: codeUnauthorized, Message: "unauthorized", Data: "bearer token required"}
	}
	return caller, nil
}

// decodeParams unmarshals the single positional parameter object. When
// optional is set a request without params leaves out untouched.
func decodeParams(req *RPCRequest, out interface{}, optional bool) error {
	if len(req.Params) == 0 && optional {
		return nil
	}
	if len(req.Params) != 1 {
		return errors.New("exactly one parameter object expected")
	}
	dec := json.NewDecoder(bytes.NewReader(req.Params[0]))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

type healthResult struct {
	Status    string `json:"status"`
	DealCount uint64 `json:"dealCount"`
	EventHead uint64 `json:"eventHead"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	count, err := s.engine.DealCount()
	if err != nil {
		s.logger.Error("health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(healthResult{Status: "unavailable"})
		return
	}
	var head uint64
	if s.feed != nil {
		head = s.feed.Head()
	}
	_ = json.NewEncoder(w).Encode(healthResult{Status: "ok", DealCount: count, EventHead: head})
}
