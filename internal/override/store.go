package override

import (
	"context"

	xerrors "github.com/aegis-vaults/aegis-app-sub000/internal/errors"
)

// Store 抽象了覆写 Run 状态的持久化接口。
type Store interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	// Claim 将待执行的 Run 置为 building 状态并累加尝试次数。
	Claim(ctx context.Context, id string) (*Run, error)
	// UpdateStatus 记录状态机阶段推进，仅允许在执行中阶段之间迁移。
	UpdateStatus(ctx context.Context, id string, status Status) error
	MarkSucceeded(ctx context.Context, id string, result BroadcastResult) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Run, error)
	Stats(ctx context.Context, opts ListOptions) (RunStats, error)
	Close() error
}
