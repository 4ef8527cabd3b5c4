package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lendchain/core/events"
	"lendchain/native/common"
	"lendchain/native/lending"
	"lendchain/native/session"
	"lendchain/native/token"
	"lendchain/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	rateLimitWindow = time.Minute
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

type rateLimiter struct {
	count       int
	windowStart time.Time
}

// ServerConfig assembles the dependencies and policy knobs for the JSON-RPC
// surface.
type ServerConfig struct {
	Engine   *lending.Engine
	Sessions *session.Store
	Broker   *events.Broker
	// AuthToken gates the admin methods. Empty disables them entirely.
	AuthToken string
	// MaxRequestsPerWindow bounds per-client request volume per minute.
	// Zero disables rate limiting.
	MaxRequestsPerWindow int
	Logger               *slog.Logger
}

// Server exposes the lending engine over JSON-RPC 2.0 with an event stream
// and operational endpoints alongside.
type Server struct {
	engine   *lending.Engine
	sessions *session.Store
	broker   *events.Broker
	log      *slog.Logger

	authToken    string
	maxPerWindow int
	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter
}

// NewServer constructs the RPC server. The engine is required; the session
// store and broker may be nil, which disables the corresponding methods.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("rpc: engine is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:       cfg.Engine,
		sessions:     cfg.Sessions,
		broker:       cfg.Broker,
		log:          logger,
		authToken:    strings.TrimSpace(cfg.AuthToken),
		maxPerWindow: cfg.MaxRequestsPerWindow,
		rateLimiters: make(map[string]*rateLimiter),
	}, nil
}

// Router assembles the HTTP surface: the JSON-RPC endpoint, the websocket
// event stream, Prometheus metrics, and a liveness probe.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodPost, "/", otelhttp.NewHandler(http.HandlerFunc(s.handle), "rpc"))
	r.Get("/ws/events", s.handleEventsWS)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

func writeError(w http.ResponseWriter, status int, id any, code int, message string, data any) {
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
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeResult(w http.ResponseWriter, id any, result any) {
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() { _ = reader.Close() }()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if strings.TrimSpace(req.Method) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	source := clientSource(r)
	if !s.allowRequest(source) {
		observability.Metrics().RecordThrottle("rate_limit")
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "request rate limit exceeded", source)
		return
	}

	start := time.Now()
	code := s.dispatch(w, r, &req)
	observability.Metrics().Observe(req.Method, code, time.Since(start))
}

// dispatch routes the decoded request and returns the error code written, or
// zero on success.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	switch req.Method {
	case "lend_getLoan":
		return s.handleGetLoan(w, req)
	case "lend_getUserLoans":
		return s.handleGetUserLoans(w, req)
	case "lend_getState":
		return s.handleGetState(w, req)
	case "lend_openLoan":
		return s.handleOpenLoan(w, r, req)
	case "lend_repay":
		return s.handleRepay(w, r, req)
	case "lend_liquidate":
		return s.handleLiquidate(w, r, req)
	case "lend_setOwner":
		return s.requireAuth(w, r, req, s.handleSetOwner)
	case "lend_updateParams":
		return s.requireAuth(w, r, req, s.handleUpdateParams)
	case "session_grant":
		return s.requireAuth(w, r, req, s.handleSessionGrant)
	case "session_revoke":
		return s.requireAuth(w, r, req, s.handleSessionRevoke)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
		return codeMethodNotFound
	}
}

type handlerFunc func(http.ResponseWriter, *http.Request, *RPCRequest) int

func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request, req *RPCRequest, next handlerFunc) int {
	if err := s.checkAuth(r); err != nil {
		writeError(w, http.StatusUnauthorized, req.ID, err.Code, err.Message, nil)
		return err.Code
	}
	return next(w, r, req)
}

func (s *Server) checkAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "admin methods are disabled"}
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "authorization required"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid bearer token"}
	}
	return nil
}

func (s *Server) allowRequest(source string) bool {
	if s.maxPerWindow <= 0 {
		return true
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.rateLimiters[source]
	if !ok {
		limiter = &rateLimiter{windowStart: now}
		s.rateLimiters[source] = limiter
	}
	if now.Sub(limiter.windowStart) >= rateLimitWindow {
		limiter.count = 0
		limiter.windowStart = now
	}
	if limiter.count >= s.maxPerWindow {
		return false
	}
	limiter.count++
	return true
}

func clientSource(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// errorStatus maps a module error to the HTTP status and JSON-RPC code it
// should surface with.
func errorStatus(err error) (int, int) {
	switch {
	case errors.Is(err, session.ErrNoSession),
		errors.Is(err, session.ErrSessionExpired),
		errors.Is(err, session.ErrActionNotPermitted),
		errors.Is(err, session.ErrKeyMismatch),
		errors.Is(err, lending.ErrNotOwner),
		errors.Is(err, lending.ErrNotLoanOwner):
		return http.StatusForbidden, codeUnauthorized
	case errors.Is(err, lending.ErrNoSuchLoan):
		return http.StatusNotFound, codeServerError
	case errors.Is(err, token.ErrRejected), errors.Is(err, token.ErrNoReply):
		return http.StatusBadGateway, codeServerError
	case errors.Is(err, common.ErrModulePaused):
		return http.StatusServiceUnavailable, codeServerError
	default:
		return http.StatusBadRequest, codeServerError
	}
}

func (s *Server) writeModuleError(w http.ResponseWriter, id any, err error) int {
	status, code := errorStatus(err)
	writeError(w, status, id, code, err.Error(), nil)
	return code
}
