package agentpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentPay Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// SessionRequest represents the payload required to open a delegation session.
type SessionRequest struct {
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

// Session is the public view of a delegation session. The signing key never
// leaves the server; only the public half is exposed here.
type Session struct {
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

// LimitPatch carries partial updates to the mutable session limits. Nil
// fields are left unchanged; immutable fields are rejected server side.
type LimitPatch struct {
	PerTxCap           *int64    `json:"per_tx_cap,omitempty"`
	DailyCap           *int64    `json:"daily_cap,omitempty"`
	MonthlyCap         *int64    `json:"monthly_cap,omitempty"`
	MaxRequests        *int      `json:"max_requests,omitempty"`
	MaxConcurrentTasks *int      `json:"max_concurrent_tasks,omitempty"`
	Whitelist          *[]string `json:"whitelist,omitempty"`
	ApprovalThreshold  *int64    `json:"approval_threshold,omitempty"`
}

// BudgetStatus summarises spend against the current day and month windows.
type BudgetStatus struct {
	DailySpent       int64   `json:"daily_spent"`
	DailyRemaining   int64   `json:"daily_remaining"`
	DailyPercent     float64 `json:"daily_percent"`
	MonthlySpent     int64   `json:"monthly_spent"`
	MonthlyRemaining int64   `json:"monthly_remaining"`
	MonthlyPercent   float64 `json:"monthly_percent"`
}

// PaymentIntent mirrors the canonical signed payload issued by the server.
type PaymentIntent struct {
	SessionID string `json:"session_id"`
	FromAgent string `json:"from_agent"`
	ToAgent   string `json:"to_agent"`
	Amount    int64  `json:"amount"`
	TaskType  string `json:"task_type"`
	Nonce     uint64 `json:"nonce"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// SignedIntent bundles an intent with its signature and session public key.
type SignedIntent struct {
	Intent    PaymentIntent `json:"intent"`
	Signature []byte        `json:"signature"`
	PublicKey []byte        `json:"public_key"`
}

// SignResult is the outcome of a successful intent signing call.
type SignResult struct {
	Signed             *SignedIntent `json:"signed"`
	TransactionID      string        `json:"transaction_id"`
	Nonce              uint64        `json:"nonce"`
	AllowanceRemaining int64         `json:"allowance_remaining"`
	RequestsRemaining  int           `json:"requests_remaining"`
}

// Transaction is one row of the session ledger.
type Transaction struct {
	ID            string `json:"id"`
	SessionID     string `json:"session_id"`
	AgentID       string `json:"agent_id"`
	CallerAgentID string `json:"caller_agent_id,omitempty"`
	Amount        int64  `json:"amount"`
	TaskType      string `json:"task_type,omitempty"`
	Nonce         uint64 `json:"nonce"`
	Status        string `json:"status"`
	ErrorMessage  string `json:"error_message,omitempty"`
	ReceiptHash   string `json:"receipt_hash,omitempty"`
	BlockNumber   uint64 `json:"block_number,omitempty"`
	Fee           string `json:"fee,omitempty"`
}

// SettlementSubmission reports a settled payment back for reconciliation.
type SettlementSubmission struct {
	TransactionID string        `json:"transaction_id"`
	SessionID     string        `json:"session_id"`
	ChainTxHash   string        `json:"chain_tx_hash,omitempty"`
	Signed        *SignedIntent `json:"signed_intent"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentpay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentpay api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentPay Chain API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// CreateSession opens a delegation session for an agent.
func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	var sess Session
	if err := c.post(ctx, "/api/v1/sessions", req, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// GetSession fetches the public view of a session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	endpoint := fmt.Sprintf("/api/v1/sessions?id=%s", url.QueryEscape(sessionID))
	if err := c.get(ctx, endpoint, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// PauseSession freezes signing on a session without touching its budgets.
func (c *Client) PauseSession(ctx context.Context, sessionID, reason string) error {
	payload := map[string]string{"session_id": sessionID, "reason": reason}
	return c.post(ctx, "/api/v1/sessions/pause", payload, nil)
}

// ResumeSession re-enables signing on a paused session.
func (c *Client) ResumeSession(ctx context.Context, sessionID string) error {
	payload := map[string]string{"session_id": sessionID}
	return c.post(ctx, "/api/v1/sessions/resume", payload, nil)
}

// UpdateLimits applies a partial update to the mutable session limits.
func (c *Client) UpdateLimits(ctx context.Context, sessionID string, patch LimitPatch) (Session, error) {
	body := struct {
		SessionID string     `json:"session_id"`
		Patch     LimitPatch `json:"patch"`
	}{SessionID: sessionID, Patch: patch}
	var sess Session
	if err := c.post(ctx, "/api/v1/sessions/update", body, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Budget fetches spend against the current day and month windows.
func (c *Client) Budget(ctx context.Context, sessionID string) (BudgetStatus, error) {
	var status BudgetStatus
	endpoint := fmt.Sprintf("/api/v1/sessions/budget?id=%s", url.QueryEscape(sessionID))
	if err := c.get(ctx, endpoint, &status); err != nil {
		return BudgetStatus{}, err
	}
	return status, nil
}

// Transactions lists the most recent ledger rows of a session in
// chronological order.
func (c *Client) Transactions(ctx context.Context, sessionID string, limit int) ([]Transaction, error) {
	endpoint := fmt.Sprintf("/api/v1/sessions/transactions?id=%s", url.QueryEscape(sessionID))
	if limit > 0 {
		endpoint += fmt.Sprintf("&limit=%d", limit)
	}
	var records []Transaction
	if err := c.get(ctx, endpoint, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// SignPayment requests a signed payment intent from the session.
func (c *Client) SignPayment(ctx context.Context, sessionID, toAgent string, amount int64, taskType string) (SignResult, error) {
	payload := struct {
		SessionID string `json:"session_id"`
		ToAgent   string `json:"to_agent"`
		Amount    int64  `json:"amount"`
		TaskType  string `json:"task_type,omitempty"`
	}{SessionID: sessionID, ToAgent: toAgent, Amount: amount, TaskType: taskType}
	var result SignResult
	if err := c.post(ctx, "/api/v1/payments/sign", payload, &result); err != nil {
		return SignResult{}, err
	}
	return result, nil
}

// SubmitSettlement reports a settled payment for asynchronous reconciliation.
func (c *Client) SubmitSettlement(ctx context.Context, submission SettlementSubmission) error {
	return c.post(ctx, "/api/v1/settlements", submission, nil)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
