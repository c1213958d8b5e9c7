package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AgentPay-Chain/internal/budget"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/session"
	"AgentPay-Chain/internal/settlement"
	"AgentPay-Chain/pkg/logger"
)

// Server 负责暴露 REST 接口，供委托方管理会话、供代理请求签发与提交结算。
type Server struct {
	addr     string
	registry *session.Registry
	signer   *payment.Signer
	ledger   *ledger.Ledger
	producer settlement.Producer
	alerter  alerting.Dispatcher
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithAlerts 配置告警派发器，预算见底类拒签会通过它通知委托方。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(s *Server) {
		s.alerter = dispatcher
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, registry *session.Registry, signer *payment.Signer, txLedger *ledger.Ledger, producer settlement.Producer, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		registry: registry,
		signer:   signer,
		ledger:   txLedger,
		producer: producer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Routes 返回配置完成的路由表，便于测试直接挂载。
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/sessions", instrument("sessions", s.handleSessions))
	mux.Handle("/api/v1/sessions/pause", instrument("sessions_pause", s.handlePause))
	mux.Handle("/api/v1/sessions/resume", instrument("sessions_resume", s.handleResume))
	mux.Handle("/api/v1/sessions/update", instrument("sessions_update", s.handleUpdate))
	mux.Handle("/api/v1/sessions/budget", instrument("sessions_budget", s.handleBudget))
	mux.Handle("/api/v1/sessions/transactions", instrument("sessions_transactions", s.handleTransactions))
	mux.Handle("/api/v1/payments/sign", instrument("payments_sign", s.handleSign))
	mux.Handle("/api/v1/settlements", instrument("settlements", s.handleSubmitSettlement))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// sessionView 是会话的对外视图，绝不包含私钥。
type sessionView struct {
	ID                 string   `json:"id"`
	PrincipalID        string   `json:"principal_id"`
	AgentID            string   `json:"agent_id"`
	AllowanceRemaining int64    `json:"allowance_remaining"`
	PerTxCap           int64    `json:"per_tx_cap"`
	DailyCap           int64    `json:"daily_cap"`
	DailyRemaining     int64    `json:"daily_remaining"`
	MonthlyCap         int64    `json:"monthly_cap"`
	MonthlyRemaining   int64    `json:"monthly_remaining"`
	RequestsRemaining  int      `json:"requests_remaining"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
	Whitelist          []string `json:"whitelist,omitempty"`
	ApprovalThreshold  int64    `json:"approval_threshold,omitempty"`
	Paused             bool     `json:"paused"`
	PauseReason        string   `json:"pause_reason,omitempty"`
	PublicKey          string   `json:"public_key"`
	Nonce              uint64   `json:"nonce"`
	CreatedAt          int64    `json:"created_at"`
	ExpiresAt          int64    `json:"expires_at"`
}

func viewOf(sess *session.Session) sessionView {
	return sessionView{
		ID:                 sess.ID,
		PrincipalID:        sess.PrincipalID,
		AgentID:            sess.AgentID,
		AllowanceRemaining: sess.AllowanceRemaining,
		PerTxCap:           sess.PerTxCap,
		DailyCap:           sess.DailyCap,
		DailyRemaining:     sess.DailyRemaining,
		MonthlyCap:         sess.MonthlyCap,
		MonthlyRemaining:   sess.MonthlyRemaining,
		RequestsRemaining:  sess.RequestsRemaining,
		MaxConcurrentTasks: sess.MaxConcurrentTasks,
		Whitelist:          sess.Whitelist,
		ApprovalThreshold:  sess.ApprovalThreshold,
		Paused:             sess.Paused,
		PauseReason:        sess.PauseReason,
		PublicKey:          hex.EncodeToString(sess.PublicKey),
		Nonce:              sess.Nonce,
		CreatedAt:          sess.CreatedAt.Unix(),
		ExpiresAt:          sess.ExpiresAt.Unix(),
	}
}

type createSessionRequest struct {
	PrincipalID        string   `json:"principal_id"`
	AgentID            string   `json:"agent_id"`
	DurationSeconds    int64    `json:"duration_seconds,omitempty"`
	Allowance          int64    `json:"allowance,omitempty"`
	PerTxCap           int64    `json:"per_tx_cap,omitempty"`
	DailyCap           int64    `json:"daily_cap,omitempty"`
	MonthlyCap         int64    `json:"monthly_cap,omitempty"`
	MaxRequests        int      `json:"max_requests,omitempty"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks,omitempty"`
	TaskTimeoutSeconds int64    `json:"task_timeout_seconds,omitempty"`
	Whitelist          []string `json:"whitelist,omitempty"`
	ApprovalThreshold  int64    `json:"approval_threshold,omitempty"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateSession(w, r)
	case http.MethodGet:
		s.handleGetSession(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	overrides := session.Overrides{
		Duration:           time.Duration(req.DurationSeconds) * time.Second,
		Allowance:          req.Allowance,
		PerTxCap:           req.PerTxCap,
		DailyCap:           req.DailyCap,
		MonthlyCap:         req.MonthlyCap,
		MaxRequests:        req.MaxRequests,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
		TaskTimeout:        time.Duration(req.TaskTimeoutSeconds) * time.Second,
		Whitelist:          req.Whitelist,
		ApprovalThreshold:  req.ApprovalThreshold,
	}
	sess, err := s.registry.Create(r.Context(), req.PrincipalID, req.AgentID, overrides)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少会话 ID"))
		return
	}
	sess, err := s.registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

type pauseRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	if err := s.registry.Pause(r.Context(), req.SessionID, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	if err := s.registry.Resume(r.Context(), req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

// immutableSessionFields 列出更新请求中必须拒绝的字段。
var immutableSessionFields = []string{
	"id", "principal_id", "agent_id", "created_at",
	"public_key", "nonce", "allowance",
}

type updateRequest struct {
	SessionID string          `json:"session_id"`
	Patch     json.RawMessage `json:"patch"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	if len(req.Patch) == 0 {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少更新内容"))
		return
	}

	// 先以宽松形式解析一遍，拒绝任何不可变字段。
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(req.Patch, &raw); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "更新内容解析失败"))
		return
	}
	for key := range raw {
		if isImmutableField(key) {
			writeError(w, xerrors.New(session.CodeImmutableField, "字段不可修改",
				xerrors.WithMetadata("field", key)))
			return
		}
	}

	var patch session.Patch
	if err := json.Unmarshal(req.Patch, &patch); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "更新内容解析失败"))
		return
	}
	sess, err := s.registry.Update(r.Context(), req.SessionID, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func isImmutableField(key string) bool {
	key = strings.ToLower(key)
	for _, field := range immutableSessionFields {
		if key == field {
			return true
		}
	}
	return false
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少会话 ID"))
		return
	}
	status, err := s.registry.Budget(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少会话 ID"))
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := s.ledger.History(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type signRequest struct {
	SessionID     string `json:"session_id"`
	ToAgent       string `json:"to_agent"`
	Amount        int64  `json:"amount"`
	TaskType      string `json:"task_type,omitempty"`
	CallerAgentID string `json:"caller_agent_id,omitempty"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	result, err := s.signer.Sign(r.Context(), req.SessionID, req.ToAgent, req.Amount, req.TaskType, req.CallerAgentID)
	if err != nil {
		metrics.ObservePaymentDecision(false, string(xerrors.CodeOf(err)))
		s.alertDenial(r.Context(), req, err)
		writeError(w, err)
		return
	}
	metrics.ObservePaymentDecision(true, "")
	writeJSON(w, http.StatusOK, result)
}

// alertDenial 在命中需要告警的闸门（预算或配额见底）时通知委托方。
func (s *Server) alertDenial(ctx context.Context, req signRequest, denial error) {
	if s.alerter == nil {
		return
	}
	code := xerrors.CodeOf(denial)
	attrs := xerrors.AttributesOf(code)
	if !attrs.Alert {
		return
	}
	var metadata map[string]string
	if e, ok := xerrors.From(denial); ok {
		metadata = e.Metadata()
	}
	event := alerting.Event{
		Code:       code,
		Message:    denial.Error(),
		Severity:   attrs.Severity,
		SessionID:  req.SessionID,
		AgentID:    req.ToAgent,
		Amount:     req.Amount,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := s.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("拒签告警通知失败",
			slog.Any("error", err),
			slog.String("session_id", req.SessionID),
		)
	}
}

type submitSettlementRequest struct {
	TransactionID string                `json:"transaction_id"`
	SessionID     string                `json:"session_id"`
	ChainTxHash   string                `json:"chain_tx_hash,omitempty"`
	Signed        *payment.SignedIntent `json:"signed_intent"`
}

func (s *Server) handleSubmitSettlement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.producer == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "结算队列未初始化"))
		return
	}
	var req submitSettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	if req.TransactionID == "" || req.SessionID == "" || req.Signed == nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少必要的结算字段"))
		return
	}

	// 入队前确认交易存在且尚未终态，尽早拒绝无效提交。
	record, err := s.ledger.Get(r.Context(), req.TransactionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if record.Status.Terminal() {
		writeError(w, ledger.ErrAlreadyTerminal)
		return
	}

	payload, err := settlement.ReconcileJob{
		TransactionID: req.TransactionID,
		SessionID:     req.SessionID,
		ChainTxHash:   req.ChainTxHash,
		Signed:        req.Signed,
	}.Encode()
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeQueueFailure, err, "结算任务编码失败"))
		return
	}
	if err := s.producer.Publish(r.Context(), payload); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeQueueFailure, err, "结算任务入队失败"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":         "queued",
		"transaction_id": req.TransactionID,
	})
}

// errorBody 是统一的错误响应格式。
type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Code: string(xerrors.CodeUnknown), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Code = string(e.Code())
		body.Message = e.Message()
		body.Metadata = e.Metadata()
		status = statusOf(e.Code())
	} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusRequestTimeout
	}
	writeJSON(w, status, body)
}

func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, session.CodeImmutableField:
		return http.StatusBadRequest
	case session.CodeSessionNotFound, ledger.CodeTransactionNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, session.CodeSessionConflict, ledger.CodeAlreadyTerminal:
		return http.StatusConflict
	case session.CodeSessionPaused, session.CodeSessionExpired,
		budget.CodeTxCapExceeded, budget.CodeAgentNotWhitelisted,
		budget.CodeDailyBudgetExceeded, budget.CodeMonthlyBudgetExceeded,
		budget.CodeConcurrencyExceeded, budget.CodeRequestsExhausted,
		budget.CodeInsufficientAllowance:
		return http.StatusForbidden
	case budget.CodeAgentRateLimited:
		return http.StatusTooManyRequests
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusRecorder 捕获响应状态码供指标采集。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 为处理函数挂接请求指标。
func instrument(name string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
