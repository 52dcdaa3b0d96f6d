package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/aegis-vaults/aegis-app-sub000/pkg/logger"
)

// TierChangeFunc 在某个地址的档位发生变化时被回调。
type TierChangeFunc func(addr solana.PublicKey, previous, current Tier)

// Poller 周期性地批量观测一组地址，并缓存最近一次的观测结果。
// 每轮观测整体替换缓存，不做增量合并。
type Poller struct {
	monitor  *Monitor
	addrs    []solana.PublicKey
	interval time.Duration
	onChange TierChangeFunc

	mu     sync.RWMutex
	latest []Snapshot

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewPoller 构造轮询器。interval 不合法时回退到 30 秒。
func NewPoller(monitor *Monitor, addrs []solana.PublicKey, interval time.Duration, onChange TierChangeFunc) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	copied := make([]solana.PublicKey, len(addrs))
	copy(copied, addrs)
	return &Poller{
		monitor:  monitor,
		addrs:    copied,
		interval: interval,
		onChange: onChange,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start 启动轮询循环，立即执行一轮观测后按间隔继续。
// 循环在 ctx 取消或 Stop 被调用后退出。
func (p *Poller) Start(ctx context.Context) {
	p.started.Store(true)
	go func() {
		defer close(p.doneCh)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.pollOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.pollOnce(ctx)
			}
		}
	}()
}

// Stop 请求停止轮询并等待循环退出。未调用 Start 时直接返回。
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	if !p.started.Load() {
		return
	}
	<-p.doneCh
}

// Latest 返回最近一轮观测结果的副本。
func (p *Poller) Latest() []Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Snapshot, len(p.latest))
	copy(out, p.latest)
	return out
}

func (p *Poller) pollOnce(ctx context.Context) {
	snapshots, err := p.monitor.CheckBatch(ctx, p.addrs)
	if err != nil {
		logger.L().Warn("余额轮询失败，按最坏情况记录", "error", err)
	}
	if snapshots == nil {
		return
	}

	p.mu.Lock()
	previous := p.latest
	p.latest = snapshots
	p.mu.Unlock()

	if p.onChange == nil {
		return
	}
	previousTiers := make(map[solana.PublicKey]Tier, len(previous))
	for _, snap := range previous {
		previousTiers[snap.Address] = snap.Tier
	}
	for _, snap := range snapshots {
		before, seen := previousTiers[snap.Address]
		if seen && before != snap.Tier {
			p.onChange(snap.Address, before, snap.Tier)
		}
	}
}
