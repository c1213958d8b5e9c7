package settlement

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	xerrors "AgentPay-Chain/internal/errors"
)

type fakeBackend struct {
	receipt *coretypes.Receipt
	tx      *coretypes.Transaction
	head    uint64

	receiptErr error
	txErr      error
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	return f.receipt, f.receiptErr
}

func (f *fakeBackend) TransactionByHash(context.Context, common.Hash) (*coretypes.Transaction, bool, error) {
	return f.tx, false, f.txErr
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	return f.head, nil
}

const testTxHash = "0x1111111111111111111111111111111111111111111111111111111111111111"

func chainVerifyRequest(t *testing.T, amount int64) VerifyRequest {
	t.Helper()
	return VerifyRequest{
		Signed:         signedTestIntent(t, time.Now(), amount),
		ExpectedAmount: amount,
		ChainTxHash:    testTxHash,
	}
}

func successfulBackend(amount int64, minedAt, head uint64) *fakeBackend {
	return &fakeBackend{
		receipt: &coretypes.Receipt{
			Status:            coretypes.ReceiptStatusSuccessful,
			TxHash:            common.HexToHash(testTxHash),
			BlockNumber:       new(big.Int).SetUint64(minedAt),
			GasUsed:           21_000,
			EffectiveGasPrice: big.NewInt(3),
		},
		tx: coretypes.NewTx(&coretypes.LegacyTx{
			Nonce:    1,
			To:       &common.Address{},
			Value:    big.NewInt(amount),
			Gas:      21_000,
			GasPrice: big.NewInt(3),
		}),
		head: head,
	}
}

func TestChainVerifierConfirmsSettledTransaction(t *testing.T) {
	backend := successfulBackend(5_000, 100, 112)
	verifier := NewChainVerifierWithBackend("testchain", 12, backend)

	result, err := verifier.Verify(context.Background(), chainVerifyRequest(t, 5_000))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid {
		t.Fatalf("settled transaction rejected: %s", result.Error)
	}
	if result.Receipt == nil || result.Receipt.BlockNumber != 100 {
		t.Fatalf("unexpected receipt: %+v", result.Receipt)
	}
	if result.Receipt.Fee != "63000" {
		t.Fatalf("fee should be gas*price, got %s", result.Receipt.Fee)
	}
	if verifier.Mode() != ModeFull {
		t.Fatalf("unexpected mode %s", verifier.Mode())
	}
}

func TestChainVerifierRejectsRevertedTransaction(t *testing.T) {
	backend := successfulBackend(5_000, 100, 112)
	backend.receipt.Status = coretypes.ReceiptStatusFailed
	verifier := NewChainVerifierWithBackend("testchain", 1, backend)

	result, err := verifier.Verify(context.Background(), chainVerifyRequest(t, 5_000))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid || result.Error != "chain transaction reverted" {
		t.Fatalf("expected revert rejection, got %+v", result)
	}
}

func TestChainVerifierRejectsValueMismatch(t *testing.T) {
	backend := successfulBackend(5_000, 100, 112)
	backend.tx = coretypes.NewTx(&coretypes.LegacyTx{
		To:       &common.Address{},
		Value:    big.NewInt(4_999),
		Gas:      21_000,
		GasPrice: big.NewInt(3),
	})
	verifier := NewChainVerifierWithBackend("testchain", 1, backend)

	result, err := verifier.Verify(context.Background(), chainVerifyRequest(t, 5_000))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatal("value mismatch accepted")
	}
}

func TestChainVerifierRequiresTxHash(t *testing.T) {
	verifier := NewChainVerifierWithBackend("testchain", 1, successfulBackend(5_000, 100, 112))

	req := chainVerifyRequest(t, 5_000)
	req.ChainTxHash = ""
	result, err := verifier.Verify(context.Background(), req)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid || result.Error != "missing chain transaction hash" {
		t.Fatalf("expected missing hash rejection, got %+v", result)
	}
}

func TestChainVerifierTimesOutWaitingForReceipt(t *testing.T) {
	backend := &fakeBackend{receiptErr: errors.New("transaction not found")}
	verifier := NewChainVerifierWithBackend("testchain", 1, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := verifier.Verify(ctx, chainVerifyRequest(t, 5_000))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if xerrors.CodeOf(err) != CodeSettlementTimeout {
		t.Fatalf("expected settlement timeout code, got %v", err)
	}
}
