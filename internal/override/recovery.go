package override

import "context"

// RecoveryHandler 定义了在覆写执行失败时的补偿策略。
type RecoveryHandler interface {
	// Recover 尝试根据失败原因进行补偿或降级，例如在确认结果未知时
	// 反查链上签名状态。返回的 BroadcastResult 将作为降级结果写入
	// Run；若返回 nil 则继续按照失败流程处理。
	Recover(ctx context.Context, run *Run, cause error) (*BroadcastResult, error)
}
