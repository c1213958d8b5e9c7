package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AgentPay-Chain/internal/api"
	"AgentPay-Chain/internal/config"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/session"
	"AgentPay-Chain/internal/settlement"
	"AgentPay-Chain/pkg/logger"
)

// main 是 AgentPay 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentpayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTPAY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentpay.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	var sessionStore session.Store
	var ledgerStore ledger.Store
	switch cfg.Storage.Driver {
	case "", "memory":
		sessionStore = session.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
	case "mysql":
		ss, err := session.NewMySQLStore(ctx, session.MySQLConfig{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		sessionStore = ss
		ls, err := ledger.NewMySQLStore(ctx, cfg.Storage.DSN)
		if err != nil {
			return err
		}
		ledgerStore = ls
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	defer func() {
		_ = sessionStore.Close()
		_ = ledgerStore.Close()
	}()

	registry := session.NewRegistry(sessionStore, session.Defaults{
		Duration:           time.Duration(cfg.Session.DefaultDurationSeconds) * time.Second,
		Allowance:          cfg.Session.DefaultAllowance,
		PerTxCap:           cfg.Session.DefaultPerTxCap,
		DailyCap:           cfg.Session.DefaultDailyCap,
		MonthlyCap:         cfg.Session.DefaultMonthlyCap,
		MaxRequests:        cfg.Session.DefaultMaxRequests,
		MaxConcurrentTasks: cfg.Session.MaxConcurrentTasks,
		TaskTimeout:        time.Duration(cfg.Session.TaskTimeoutSeconds) * time.Second,
		AgentMaxPerHour:    cfg.Session.AgentMaxPerHour,
		AgentMaxPerDay:     cfg.Session.AgentMaxPerDay,
	})

	txLedger := ledger.NewLedger(ledgerStore, registry)
	signer := payment.NewSigner(registry, txLedger)

	verifier, err := createVerifier(ctx, cfg)
	if err != nil {
		return err
	}
	if closer, ok := verifier.(interface{ Close() }); ok {
		defer closer.Close()
	}

	var queue settlement.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = settlement.NewMemoryQueue(1024)
	case "redis":
		q, err := settlement.NewRedisQueue(settlement.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := settlement.NewRabbitMQQueue(settlement.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
		if err != nil {
			return err
		}
		queue = q
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭结算队列失败: %v", err)
		}
	}()

	reconciler := settlement.NewReconciler(txLedger, registry, verifier, queue,
		settlement.WithReconcilerWorkers(cfg.Queue.Workers),
		settlement.WithReconcilerLogger(logger.Named("reconciler")),
	)

	reconcilerCtx, reconcilerCancel := context.WithCancel(ctx)
	defer reconcilerCancel()

	go func() {
		if err := reconciler.Start(reconcilerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("结算处理器异常退出: %v", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, registry, signer, txLedger, queue)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createVerifier 按配置构造结算验证器。策略显式指定，绝不按调用推断。
func createVerifier(ctx context.Context, cfg *config.Config) (settlement.Verifier, error) {
	switch cfg.Settlement.Mode {
	case "", string(settlement.ModeFastPath):
		window := time.Duration(cfg.Settlement.FreshnessSeconds) * time.Second
		return settlement.NewFastPathVerifier(window), nil
	case string(settlement.ModeFull):
		defs, err := settlement.LoadChainDefinitions(cfg.Settlement.ChainsFile)
		if err != nil {
			return nil, err
		}
		def, ok := defs.Chains[cfg.Settlement.Chain]
		if !ok {
			return nil, fmt.Errorf("未知的结算链: %s", cfg.Settlement.Chain)
		}
		confirmations := def.Confirmations
		if cfg.Settlement.Confirmations > 0 {
			confirmations = cfg.Settlement.Confirmations
		}
		return settlement.NewChainVerifier(ctx, settlement.ChainConfig{
			Name:          cfg.Settlement.Chain,
			RPCURL:        def.RPCURL,
			Confirmations: confirmations,
		})
	default:
		return nil, fmt.Errorf("未知的结算模式: %s", cfg.Settlement.Mode)
	}
}
