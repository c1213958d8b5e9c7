package payment

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// IntentTTL 是支付意图的签发有效期，过期意图不会被结算端接受。
const IntentTTL = 5 * time.Minute

// PaymentIntent 是支付意图的规范化载荷。字段顺序即签名字节序，
// 任何改动都会使已签发的签名失效。
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

// CanonicalBytes 返回用于签名的规范化字节。
func (i PaymentIntent) CanonicalBytes() ([]byte, error) {
	raw, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("序列化支付意图失败: %w", err)
	}
	return raw, nil
}

// SignedIntent 是一份不可伪造、不可重放、只对应一笔支出的支付断言。
type SignedIntent struct {
	Intent    PaymentIntent     `json:"intent"`
	Signature []byte            `json:"signature"`
	PublicKey ed25519.PublicKey `json:"public_key"`
}

var (
	// ErrInvalidSignature 表示签名校验失败。
	ErrInvalidSignature = xerrors.New(CodeInvalidSignature, "invalid payment signature")
	// ErrIntentExpired 表示支付意图已超过签发有效期。
	ErrIntentExpired = xerrors.New(CodeIntentExpired, "payment intent expired")
)

const (
	CodeInvalidSignature xerrors.Code = "INVALID_SIGNATURE"
	CodeIntentExpired    xerrors.Code = "INTENT_EXPIRED"
)

func init() {
	xerrors.Register(CodeInvalidSignature, xerrors.Attributes{
		Message:   "invalid payment signature",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeIntentExpired, xerrors.Attributes{
		Message:   "payment intent expired",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Verify 用载荷内附带的公钥校验签名。
func (s *SignedIntent) Verify() error {
	if s == nil || len(s.PublicKey) != ed25519.PublicKeySize {
		return ErrInvalidSignature
	}
	payload, err := s.Intent.CanonicalBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(s.PublicKey, payload, s.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyAgainst 校验签名并要求公钥与会话登记的公钥一致。
func (s *SignedIntent) VerifyAgainst(sessionKey ed25519.PublicKey) error {
	if s == nil || !s.PublicKey.Equal(sessionKey) {
		return ErrInvalidSignature
	}
	return s.Verify()
}
