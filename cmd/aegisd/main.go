package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/aegis-vaults/aegis-app-sub000/internal/api"
	"github.com/aegis-vaults/aegis-app-sub000/internal/builder"
	"github.com/aegis-vaults/aegis-app-sub000/internal/config"
	"github.com/aegis-vaults/aegis-app-sub000/internal/guardian"
	"github.com/aegis-vaults/aegis-app-sub000/internal/health"
	"github.com/aegis-vaults/aegis-app-sub000/internal/ledger/provider"
	"github.com/aegis-vaults/aegis-app-sub000/internal/observability/alerting"
	"github.com/aegis-vaults/aegis-app-sub000/internal/observability/metrics"
	"github.com/aegis-vaults/aegis-app-sub000/internal/override"
	"github.com/aegis-vaults/aegis-app-sub000/internal/signer"
	"github.com/aegis-vaults/aegis-app-sub000/internal/vault"
	"github.com/aegis-vaults/aegis-app-sub000/pkg/logger"
)

// main 是覆写守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("aegisd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AEGIS_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "aegis.json")
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

	// 覆写 Run 存储。
	var runStore override.Store
	switch cfg.Storage.RunStore.Driver {
	case "", "memory":
		runStore = override.NewMemoryStore()
	case "mysql":
		store, err := override.NewMySQLStore(cfg.Storage.RunStore.DSN)
		if err != nil {
			return err
		}
		runStore = store
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.RunStore.Driver)
	}
	defer func() {
		if runStore != nil {
			_ = runStore.Close()
		}
	}()

	// 覆写审批队列。
	var runQueue override.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		runQueue = override.NewMemoryQueue(1024)
	case "redis":
		queue, err := override.NewRedisQueue(override.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWaitSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		runQueue = queue
	case "rabbitmq":
		queue, err := override.NewRabbitMQQueue(override.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		runQueue = queue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if runQueue != nil {
			if err := runQueue.Close(); err != nil {
				logger.L().Warn("关闭覆写队列失败", slog.Any("error", err))
			}
		}
	}()

	// 账本网络注册表与默认网络。
	registry, err := provider.NewRegistry(provider.Config{
		NetworkConfig:  cfg.Ledger.NetworkConfig,
		DefaultNetwork: cfg.Ledger.DefaultNetwork,
		RPCURL:         cfg.Ledger.RPCURL,
		ProgramID:      cfg.Ledger.ProgramID,
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	network, err := registry.Default()
	if err != nil {
		return err
	}

	deriver, err := vault.NewDeriver(network.ProgramID)
	if err != nil {
		return err
	}

	alerter := alerting.NewFanout(&alerting.LogNotifier{})

	service := override.NewService(runStore, runQueue, cfg.Storage.RunStore.MaxRetries)
	defer func() {
		_ = service.Close()
	}()

	// 签名能力可选：未配置时只接收请求，不驱动执行。
	overrideSigner, err := buildSigner(cfg.Signer)
	if err != nil {
		return err
	}
	if overrideSigner == nil {
		logger.L().Warn("未配置签名者，覆写 Run 将保持排队状态直至配置签名能力")
	} else {
		if cfg.Ledger.BuilderBaseURL == "" {
			return errors.New("配置了签名者但缺少 builder_base_url")
		}
		builderClient, err := builder.NewClient(cfg.Ledger.BuilderBaseURL, nil)
		if err != nil {
			return err
		}
		orchestrator, err := override.NewOrchestrator(builderClient, overrideSigner, network.Client)
		if err != nil {
			return err
		}
		processor := override.NewProcessor(orchestrator, runStore, runQueue, runQueue,
			override.WithWorkerCount(cfg.Queue.Workers),
			override.WithProcessorLogger(logger.Named("processor")),
			override.WithAlertDispatcher(alerter),
		)
		go func() {
			if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("覆写处理器异常退出", slog.Any("error", err))
			}
		}()
	}

	// 守护巡检循环。
	var guard *guardian.Guardian
	if cfg.Guardian.Enabled {
		profiles, err := guardianProfiles(cfg.Guardian, deriver)
		if err != nil {
			return err
		}
		guard, err = guardian.New(network.Client,
			guardian.WithInterval(time.Duration(cfg.Guardian.IntervalSeconds)*time.Second),
			guardian.WithAlertDispatcher(alerter),
			guardian.WithThresholds(health.Thresholds{
				CriticalBalanceLamports: cfg.Guardian.CriticalBalanceLamports,
				LowBalanceLamports:      cfg.Guardian.LowBalanceLamports,
			}),
		)
		if err != nil {
			return err
		}
		guard.Watch(ctx, profiles)
		defer guard.Stop()
	}

	// 独立的指标端口可选；API 端口上始终挂载 /metrics。
	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	serverOpts := []api.Option{api.WithDeriver(deriver)}
	if guard != nil {
		serverOpts = append(serverOpts, api.WithGuardian(guard))
	}
	server := api.NewServer(cfg.Server.Address, service, serverOpts...)

	logger.L().Info("aegisd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.Int("networks", len(registry.Networks())),
		slog.String("program_id", network.ProgramID.String()),
	)
	return server.Start(ctx)
}

// buildSigner 按配置组装签名能力。driver=none 时返回 nil。
func buildSigner(cfg config.SignerConfig) (signer.Signer, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "local":
		key, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("加载签名密钥失败: %w", err)
		}
		return signer.NewLocalSigner(key)
	default:
		return nil, fmt.Errorf("未知的签名驱动: %s", cfg.Driver)
	}
}

// guardianProfiles 把配置里的金库地址展开成完整身份。
func guardianProfiles(cfg config.GuardianConfig, deriver *vault.Deriver) ([]guardian.Profile, error) {
	profiles := make([]guardian.Profile, 0, len(cfg.Vaults))
	for i, raw := range cfg.Vaults {
		vaultAddr, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			return nil, fmt.Errorf("金库地址 %q 非法: %w", raw, err)
		}
		custody, _, err := deriver.CustodyAddress(vaultAddr)
		if err != nil {
			return nil, err
		}
		profile := guardian.Profile{
			Identity: vault.VaultIdentity{
				VaultAddress:   vaultAddr,
				CustodyAddress: custody,
			},
		}
		if i < len(cfg.AgentSigners) && cfg.AgentSigners[i] != "" {
			agent, err := solana.PublicKeyFromBase58(cfg.AgentSigners[i])
			if err != nil {
				return nil, fmt.Errorf("代理签名者地址 %q 非法: %w", cfg.AgentSigners[i], err)
			}
			profile.AgentSigner = agent
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}
