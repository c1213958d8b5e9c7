package agentpay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateSessionRequest(t *testing.T) {
	var gotPath, gotMethod string
	var gotBody SessionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Session{
			ID:                 "sess-1",
			PrincipalID:        gotBody.PrincipalID,
			AgentID:            gotBody.AgentID,
			AllowanceRemaining: 1_000_000,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	sess, err := client.CreateSession(context.Background(), SessionRequest{
		PrincipalID: "principal-1",
		AgentID:     "agent-1",
		Allowance:   1_000_000,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/api/v1/sessions" {
		t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
	}
	if gotBody.Allowance != 1_000_000 {
		t.Fatalf("allowance not sent: %d", gotBody.Allowance)
	}
	if sess.ID != "sess-1" || sess.AllowanceRemaining != 1_000_000 {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestGetSessionEncodesQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("id"); got != "sess one" {
			t.Errorf("query id not escaped: %q", got)
		}
		_ = json.NewEncoder(w).Encode(Session{ID: "sess one"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	sess, err := client.GetSession(context.Background(), "sess one")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.ID != "sess one" {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestSignPaymentDecodesResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/payments/sign" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(SignResult{
			Signed: &SignedIntent{
				Intent: PaymentIntent{SessionID: "sess-1", Amount: 5_000, Nonce: 7},
			},
			TransactionID:      "tx-1",
			Nonce:              7,
			AllowanceRemaining: 995_000,
			RequestsRemaining:  49,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	result, err := client.SignPayment(context.Background(), "sess-1", "agent-b", 5_000, "inference")
	if err != nil {
		t.Fatalf("sign payment: %v", err)
	}
	if result.TransactionID != "tx-1" || result.Nonce != 7 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Signed == nil || result.Signed.Intent.Amount != 5_000 {
		t.Fatalf("signed intent not decoded: %+v", result.Signed)
	}
}

func TestUpdateLimitsPayloadShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SessionID string          `json:"session_id"`
			Patch     json.RawMessage `json:"patch"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.SessionID != "sess-1" {
			t.Errorf("session id missing: %+v", body)
		}
		var patch map[string]any
		_ = json.Unmarshal(body.Patch, &patch)
		if _, ok := patch["per_tx_cap"]; !ok {
			t.Errorf("per_tx_cap not in patch: %v", patch)
		}
		if _, ok := patch["daily_cap"]; ok {
			t.Error("nil field serialized into patch")
		}
		_ = json.NewEncoder(w).Encode(Session{ID: "sess-1", PerTxCap: 42_000})
	}))
	defer server.Close()

	txCap := int64(42_000)
	client := NewClient(server.URL, nil)
	sess, err := client.UpdateLimits(context.Background(), "sess-1", LimitPatch{PerTxCap: &txCap})
	if err != nil {
		t.Fatalf("update limits: %v", err)
	}
	if sess.PerTxCap != 42_000 {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":     "SESSION_PAUSED",
			"message":  "session paused",
			"metadata": map[string]string{"reason": "manual review"},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	_, err := client.SignPayment(context.Background(), "sess-1", "agent-b", 1, "")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "SESSION_PAUSED" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
	if apiErr.Metadata["reason"] != "manual review" {
		t.Fatalf("metadata lost: %+v", apiErr.Metadata)
	}
}

func TestAPIErrorPlainTextBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	err := client.PauseSession(context.Background(), "sess-1", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable || apiErr.Message != "service unavailable" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestSubmitSettlementRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body SettlementSubmission
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.TransactionID != "tx-1" || body.ChainTxHash != "0xabc" {
			t.Errorf("unexpected submission: %+v", body)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	err := client.SubmitSettlement(context.Background(), SettlementSubmission{
		TransactionID: "tx-1",
		SessionID:     "sess-1",
		ChainTxHash:   "0xabc",
		Signed:        &SignedIntent{},
	})
	if err != nil {
		t.Fatalf("submit settlement: %v", err)
	}
}
