package guardian

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"

	xerrors "github.com/aegis-vaults/aegis-app-sub000/internal/errors"
	"github.com/aegis-vaults/aegis-app-sub000/internal/health"
	"github.com/aegis-vaults/aegis-app-sub000/internal/ledger"
	"github.com/aegis-vaults/aegis-app-sub000/internal/monitor"
	"github.com/aegis-vaults/aegis-app-sub000/internal/observability/alerting"
	"github.com/aegis-vaults/aegis-app-sub000/internal/observability/metrics"
	"github.com/aegis-vaults/aegis-app-sub000/internal/vault"
	"github.com/aegis-vaults/aegis-app-sub000/pkg/logger"
)

// CodeVaultDegraded 表示金库健康度跌入需要人工关注的档位。
const CodeVaultDegraded xerrors.Code = "VAULT_DEGRADED"

func init() {
	xerrors.Register(CodeVaultDegraded, xerrors.Attributes{
		Message:   "vault health degraded below acceptable tier",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// Profile 描述一个被守护的金库。AgentSigner 为零值时表示
// 金库尚未绑定代理签名者。
type Profile struct {
	Identity    vault.VaultIdentity `json:"identity"`
	AgentSigner solana.PublicKey    `json:"agent_signer"`
}

// State 汇总无法从链上余额推出的金库运行状态，通常来自
// 程序账户数据或业务存储。
type State struct {
	IsPaused               bool      `json:"is_paused"`
	DailyLimitLamports     uint64    `json:"daily_limit_lamports"`
	DailySpentLamports     uint64    `json:"daily_spent_lamports"`
	TotalTransactions      uint64    `json:"total_transactions"`
	SuccessfulTransactions uint64    `json:"successful_transactions"`
	LastActivity           time.Time `json:"last_activity"`
	HasWhitelist           bool      `json:"has_whitelist"`
	WhitelistSize          int       `json:"whitelist_size"`
}

// StateProvider 提供金库的运行状态。
type StateProvider interface {
	VaultState(ctx context.Context, vaultAddr solana.PublicKey) (State, error)
}

// Report 是守护者对单个金库的一次完整结论。
type Report struct {
	Vault           solana.PublicKey  `json:"vault"`
	Health          health.Report     `json:"health"`
	CustodyLamports uint64            `json:"custody_lamports"`
	AgentFuel       *monitor.Snapshot `json:"agent_fuel,omitempty"`
	Observations    string            `json:"observations,omitempty"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

// Guardian 协调账本余额、运行状态与健康评分，是守护侧的业务核心。
type Guardian struct {
	client     ledger.Client
	monitor    *monitor.Monitor
	provider   StateProvider
	thresholds health.Thresholds
	alerter    alerting.Dispatcher
	interval   time.Duration
	// alertFloor 及更差的健康档位触发告警。
	alertFloor health.Status

	mu     sync.RWMutex
	latest map[solana.PublicKey]Report

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option 定义可选的 Guardian 配置。
type Option func(*Guardian)

// defaultInterval 是守护巡检的默认周期。
const defaultInterval = time.Minute

// WithStateProvider 配置金库运行状态来源。
func WithStateProvider(provider StateProvider) Option {
	return func(g *Guardian) {
		g.provider = provider
	}
}

// WithThresholds 覆盖健康评估使用的阈值。
func WithThresholds(thresholds health.Thresholds) Option {
	return func(g *Guardian) {
		g.thresholds = thresholds
	}
}

// WithAlertDispatcher 配置降级告警的派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(g *Guardian) {
		g.alerter = dispatcher
	}
}

// WithInterval 设置巡检周期。
func WithInterval(interval time.Duration) Option {
	return func(g *Guardian) {
		if interval > 0 {
			g.interval = interval
		}
	}
}

// WithAlertFloor 设置触发告警的健康档位下限。
func WithAlertFloor(floor health.Status) Option {
	return func(g *Guardian) {
		g.alertFloor = floor
	}
}

// New 创建一个 Guardian。client 不能为空。
func New(client ledger.Client, opts ...Option) (*Guardian, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "守护者缺少账本客户端")
	}
	g := &Guardian{
		client:     client,
		interval:   defaultInterval,
		alertFloor: health.StatusPoor,
		latest:     make(map[solana.PublicKey]Report),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	fuelMonitor, err := monitor.NewMonitor(client, g.thresholds)
	if err != nil {
		return nil, err
	}
	g.monitor = fuelMonitor
	return g, nil
}

// Evaluate 对单个金库做一次完整评估。余额或状态查询失败时按
// 最坏情况参与评分，并把失败原因附在 Observations 中，绝不让
// 报告显得比实际乐观。
func (g *Guardian) Evaluate(ctx context.Context, profile Profile) (*Report, error) {
	custody := profile.Identity.CustodyAddress
	if custody.IsZero() {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "金库托管地址不能为空")
	}

	observations := []string{}

	custodyBalance, fuel, balanceErr := g.collectBalances(ctx, profile)
	if balanceErr != nil {
		observations = append(observations, fmt.Sprintf("查询余额失败: %v", balanceErr))
	}

	state := State{}
	if g.provider == nil {
		observations = append(observations, "未配置金库状态来源，仅依据余额评估")
	} else if loaded, err := g.provider.VaultState(ctx, profile.Identity.VaultAddress); err != nil {
		observations = append(observations, fmt.Sprintf("加载金库状态失败: %v", err))
	} else {
		state = loaded
	}

	agentBalance := uint64(0)
	if fuel != nil {
		agentBalance = fuel.Lamports
	}
	report := health.Evaluate(health.Inputs{
		VaultBalanceLamports:   custodyBalance,
		AgentBalanceLamports:   agentBalance,
		HasAgentSigner:         !profile.AgentSigner.IsZero(),
		IsPaused:               state.IsPaused,
		DailyLimitLamports:     state.DailyLimitLamports,
		DailySpentLamports:     state.DailySpentLamports,
		TotalTransactions:      state.TotalTransactions,
		SuccessfulTransactions: state.SuccessfulTransactions,
		LastActivity:           state.LastActivity,
		HasWhitelist:           state.HasWhitelist,
		WhitelistSize:          state.WhitelistSize,
	}, g.thresholds)

	result := &Report{
		Vault:           profile.Identity.VaultAddress,
		Health:          report,
		CustodyLamports: custodyBalance,
		AgentFuel:       fuel,
		Observations:    strings.Join(observations, "\n"),
		GeneratedAt:     time.Now(),
	}
	return result, nil
}

// collectBalances 用一次合并请求拿到托管与代理燃料余额。
func (g *Guardian) collectBalances(ctx context.Context, profile Profile) (uint64, *monitor.Snapshot, error) {
	addrs := []solana.PublicKey{profile.Identity.CustodyAddress}
	if !profile.AgentSigner.IsZero() {
		addrs = append(addrs, profile.AgentSigner)
	}
	balances, err := g.client.GetMultipleBalances(ctx, addrs)
	if err != nil || len(balances) != len(addrs) {
		if err == nil {
			err = xerrors.New(xerrors.CodeNodeUnavailable, "节点返回的余额数量与请求不一致")
		}
		if profile.AgentSigner.IsZero() {
			return 0, nil, err
		}
		// 合并查询失败后退回单独观测，让燃料快照保留降级语义。
		snapshot, _ := g.monitor.Check(ctx, profile.AgentSigner)
		return 0, &snapshot, err
	}

	custodyBalance := balances[0]
	if profile.AgentSigner.IsZero() {
		return custodyBalance, nil, nil
	}
	snapshot, checkErr := g.monitor.Check(ctx, profile.AgentSigner)
	if checkErr != nil {
		return custodyBalance, &snapshot, checkErr
	}
	return custodyBalance, &snapshot, nil
}

// Watch 启动守护巡检循环。启动后立即执行一轮巡检，随后按周期重复。
func (g *Guardian) Watch(ctx context.Context, profiles []Profile) {
	watched := make([]Profile, len(profiles))
	copy(watched, profiles)
	g.started.Store(true)
	go func() {
		defer close(g.doneCh)
		g.sweep(ctx, watched)
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stopCh:
				return
			case <-ticker.C:
				g.sweep(ctx, watched)
			}
		}
	}()
}

// Stop 停止巡检循环并等待其退出。未调用 Watch 时直接返回。
func (g *Guardian) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
	})
	if !g.started.Load() {
		return
	}
	<-g.doneCh
}

// Latest 返回指定金库的最近一份报告。
func (g *Guardian) Latest(vaultAddr solana.PublicKey) (Report, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	report, ok := g.latest[vaultAddr]
	return report, ok
}

// Reports 返回所有被守护金库的最近报告。
func (g *Guardian) Reports() []Report {
	g.mu.RLock()
	defer g.mu.RUnlock()
	reports := make([]Report, 0, len(g.latest))
	for _, report := range g.latest {
		reports = append(reports, report)
	}
	return reports
}

func (g *Guardian) sweep(ctx context.Context, profiles []Profile) {
	for _, profile := range profiles {
		report, err := g.Evaluate(ctx, profile)
		if err != nil {
			logger.L().Warn("金库巡检失败",
				slog.String("vault", profile.Identity.VaultAddress.String()),
				slog.Any("error", err),
			)
			continue
		}

		g.mu.Lock()
		previous, seen := g.latest[report.Vault]
		g.latest[report.Vault] = *report
		g.mu.Unlock()

		metrics.SetVaultHealthScore(report.Vault.String(), report.Health.Score)
		if report.AgentFuel != nil {
			metrics.SetAgentFuelLamports(report.Vault.String(), report.AgentFuel.Lamports)
		}

		if g.shouldAlert(previous, seen, *report) {
			g.emitDegradation(ctx, *report)
		}
	}
}

// shouldAlert 只在金库首次落入告警档位或继续恶化时触发，
// 档位不变的持续低分不重复打扰。
func (g *Guardian) shouldAlert(previous Report, seen bool, current Report) bool {
	if !statusAtOrBelow(current.Health.Status, g.alertFloor) {
		return false
	}
	if !seen {
		return true
	}
	return statusRank(current.Health.Status) < statusRank(previous.Health.Status)
}

func (g *Guardian) emitDegradation(ctx context.Context, report Report) {
	logger.Audit().Warn("金库健康度降级",
		slog.String("vault", report.Vault.String()),
		slog.Int("score", report.Health.Score),
		slog.String("status", string(report.Health.Status)),
	)
	if g.alerter == nil {
		return
	}
	metadata := map[string]string{
		"score":  fmt.Sprintf("%d", report.Health.Score),
		"status": string(report.Health.Status),
	}
	if len(report.Health.Issues) > 0 {
		metadata["issues"] = strings.Join(report.Health.Issues, "; ")
	}
	event := alerting.Event{
		Code:       CodeVaultDegraded,
		Message:    fmt.Sprintf("金库健康度降级至 %s（%d 分）", report.Health.Status, report.Health.Score),
		Severity:   xerrors.SeverityWarning,
		Vault:      report.Vault.String(),
		Metadata:   metadata,
		OccurredAt: report.GeneratedAt,
	}
	if err := g.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("金库降级告警发送失败",
			slog.Any("error", err),
			slog.String("vault", report.Vault.String()),
		)
	}
}

func statusRank(status health.Status) int {
	switch status {
	case health.StatusExcellent:
		return 4
	case health.StatusGood:
		return 3
	case health.StatusFair:
		return 2
	case health.StatusPoor:
		return 1
	default:
		return 0
	}
}

func statusAtOrBelow(status, floor health.Status) bool {
	return statusRank(status) <= statusRank(floor)
}
