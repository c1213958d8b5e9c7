package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "AgentPay-Chain/internal/errors"
)

// receiptPollInterval 是链上回执轮询间隔。
const receiptPollInterval = 2 * time.Second

// ChainConfig 描述全量验证器访问结算链的方式。
type ChainConfig struct {
	Name          string
	RPCURL        string
	Confirmations uint64
}

// chainBackend mirrors the subset of ethclient methods the verifier relies on.
// 便于测试时注入模拟后端。
type chainBackend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*coretypes.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ChainVerifier 对照链上交易回执确认支付意图，等待配置的确认深度后
// 才认定结算成立。
type ChainVerifier struct {
	name          string
	confirmations uint64
	rpcClient     *gethrpc.Client
	backend       chainBackend
	mu            sync.Mutex
}

// NewChainVerifier 连接配置的 RPC 节点并返回可用的验证器。
func NewChainVerifier(ctx context.Context, cfg ChainConfig) (*ChainVerifier, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置结算链 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接结算链节点失败: %w", err)
	}

	return &ChainVerifier{
		name:          cfg.Name,
		confirmations: cfg.Confirmations,
		rpcClient:     rpcClient,
		backend:       ethclient.NewClient(rpcClient),
	}, nil
}

// NewChainVerifierWithBackend 包装一个现成的后端，主要用于测试。
func NewChainVerifierWithBackend(name string, confirmations uint64, backend chainBackend) *ChainVerifier {
	return &ChainVerifier{
		name:          name,
		confirmations: confirmations,
		backend:       backend,
	}
}

// Mode 返回策略标识。
func (v *ChainVerifier) Mode() Mode { return ModeFull }

// Close 释放验证器持有的网络连接。
func (v *ChainVerifier) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.rpcClient != nil {
		v.rpcClient.Close()
		v.rpcClient = nil
	}
	v.backend = nil
}

// Verify 校验签名意图，随后等待引用的链上交易达到配置的确认深度。
// 调用方通过 ctx 限定等待时长。
func (v *ChainVerifier) Verify(ctx context.Context, req VerifyRequest) (*Result, error) {
	if v == nil || v.backend == nil {
		return nil, xerrors.New(CodeSettlementFailed, "结算验证器未初始化")
	}
	if req.Signed == nil {
		return &Result{Valid: false, Error: "missing signed intent"}, nil
	}
	if err := req.Signed.Verify(); err != nil {
		return &Result{Valid: false, Error: err.Error()}, nil
	}
	if req.Signed.Intent.Amount != req.ExpectedAmount {
		return &Result{Valid: false, Error: "amount mismatch"}, nil
	}

	hashHex := strings.TrimSpace(req.ChainTxHash)
	if hashHex == "" {
		return &Result{Valid: false, Error: "missing chain transaction hash"}, nil
	}
	txHash := common.HexToHash(hashHex)

	receipt, err := v.awaitReceipt(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return &Result{Valid: false, Error: "chain transaction reverted"}, nil
	}

	tx, _, err := v.backend.TransactionByHash(ctx, txHash)
	if err != nil {
		return nil, wrapChainErr(ctx, err, "查询链上交易失败")
	}
	if tx.Value().Cmp(big.NewInt(req.ExpectedAmount)) != 0 {
		return &Result{Valid: false, Error: "on-chain value does not match intent amount"}, nil
	}

	if err := v.awaitConfirmations(ctx, receipt.BlockNumber.Uint64()); err != nil {
		return nil, err
	}

	fee := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), receipt.EffectiveGasPrice)
	return &Result{
		Valid: true,
		Receipt: &Receipt{
			Hash:        receipt.TxHash.Hex(),
			BlockNumber: receipt.BlockNumber.Uint64(),
			Fee:         fee.String(),
		},
	}, nil
}

// awaitReceipt 轮询直到交易上链或 ctx 到期。
func (v *ChainVerifier) awaitReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error) {
	for {
		receipt, err := v.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethrpc.ErrNoResult) && !isNotFound(err) {
			return nil, wrapChainErr(ctx, err, "查询交易回执失败")
		}

		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(CodeSettlementTimeout, ctx.Err(), "等待交易回执超时")
		case <-time.After(receiptPollInterval):
		}
	}
}

// awaitConfirmations 阻塞直到链头越过收录区块足够深。
func (v *ChainVerifier) awaitConfirmations(ctx context.Context, minedAt uint64) error {
	if v.confirmations <= 1 {
		return nil
	}
	for {
		head, err := v.backend.BlockNumber(ctx)
		if err != nil {
			return wrapChainErr(ctx, err, "查询最新区块高度失败")
		}
		if head >= minedAt+v.confirmations-1 {
			return nil
		}

		select {
		case <-ctx.Done():
			return xerrors.Wrap(CodeSettlementTimeout, ctx.Err(), "等待区块确认超时")
		case <-time.After(receiptPollInterval):
		}
	}
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "not found")
}

func wrapChainErr(ctx context.Context, err error, message string) error {
	if ctx.Err() != nil {
		return xerrors.Wrap(CodeSettlementTimeout, err, message)
	}
	return xerrors.Wrap(CodeSettlementFailed, err, message)
}

var _ Verifier = (*ChainVerifier)(nil)
