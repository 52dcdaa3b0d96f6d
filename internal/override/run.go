// Package override 实现覆写支出的完整生命周期：排队、构建交易、
// 收集授权签名、单次广播与确认。每次覆写以 Run 为单位记录，
// 状态机保证一次 Run 最多广播一次。
package override

import (
	stdErrors "errors"

	xerrors "github.com/aegis-vaults/aegis-app-sub000/internal/errors"
)

// Status 表示覆写 Run 在生命周期中的状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusBuilding   Status = "building"
	StatusSigning    Status = "signing"
	StatusConfirming Status = "confirming"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// BroadcastResult 保存一次成功广播并确认的结果。
type BroadcastResult struct {
	Signature    string `json:"signature"`
	Slot         uint64 `json:"slot"`
	Blockhash    string `json:"blockhash"`
	Observations string `json:"observations"`
}

// Run 描述了排队执行的覆写支出。地址字段统一使用 base58 编码，
// 便于持久化与展示。
type Run struct {
	ID             string           `json:"id"`
	Vault          string           `json:"vault"`
	Destination    string           `json:"destination"`
	AmountLamports uint64           `json:"amount_lamports"`
	Reason         string           `json:"reason"`
	RequestedBy    string           `json:"requested_by"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	Status         Status           `json:"status"`
	Attempts       int              `json:"attempts"`
	MaxRetries     int              `json:"max_retries"`
	LastError      string           `json:"last_error,omitempty"`
	ErrorCode      string           `json:"error_code,omitempty"`
	Result         *BroadcastResult `json:"result,omitempty"`
	CreatedAt      int64            `json:"created_at"`
	UpdatedAt      int64            `json:"updated_at"`
}

var (
	// ErrRunNotFound 表示指定的覆写 Run 不存在。
	ErrRunNotFound = xerrors.New(CodeRunNotFound, "override run not found")
	// ErrRunConflict 表示 Run 在当前状态下无法进行所请求的操作。
	ErrRunConflict = xerrors.New(CodeRunConflict, "override run conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrRunCompleted 表示 Run 已经成功完成。
	ErrRunCompleted = xerrors.New(CodeRunCompleted, "override run already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrRunExhausted 表示 Run 的重试次数已经耗尽。
	ErrRunExhausted = xerrors.New(CodeRunExhausted, "override run retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeRunNotFound   xerrors.Code = "OVERRIDE_NOT_FOUND"
	CodeRunConflict   xerrors.Code = "OVERRIDE_CONFLICT"
	CodeRunCompleted  xerrors.Code = "OVERRIDE_COMPLETED"
	CodeRunExhausted  xerrors.Code = "OVERRIDE_RETRIES_EXHAUSTED"
	CodeRunValidation xerrors.Code = "OVERRIDE_VALIDATION_FAILED"
	CodeRunPublish    xerrors.Code = "OVERRIDE_PUBLISH_FAILED"
	CodeRunProcessing xerrors.Code = "OVERRIDE_PROCESSING_FAILED"

	// 状态机阶段性失败的错误码。除 NODE_UNAVAILABLE 外均为终态。
	CodeBuildFailed           xerrors.Code = "OVERRIDE_BUILD_FAILED"
	CodeMalformedEnvelope     xerrors.Code = "MALFORMED_ENVELOPE"
	CodeSigningFailed         xerrors.Code = "OVERRIDE_SIGNING_FAILED"
	CodeUserRejected          xerrors.Code = "USER_REJECTED"
	CodeLedgerRejected        xerrors.Code = "LEDGER_REJECTED"
	CodeConfirmationUncertain xerrors.Code = "CONFIRMATION_UNCERTAIN"
)

func init() {
	xerrors.Register(CodeRunNotFound, xerrors.Attributes{
		Message:   "override run not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunConflict, xerrors.Attributes{
		Message:   "override run conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunCompleted, xerrors.Attributes{
		Message:   "override run already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunExhausted, xerrors.Attributes{
		Message:   "override run retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeRunValidation, xerrors.Attributes{
		Message:   "override run validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunPublish, xerrors.Attributes{
		Message:   "failed to publish override run",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRunProcessing, xerrors.Attributes{
		Message:   "override run execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeBuildFailed, xerrors.Attributes{
		Message:   "transaction build rejected by backend",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeMalformedEnvelope, xerrors.Attributes{
		Message:   "backend returned an undecodable transaction envelope",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeSigningFailed, xerrors.Attributes{
		Message:   "signing infrastructure failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeUserRejected, xerrors.Attributes{
		Message:   "signer declined the transaction",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeLedgerRejected, xerrors.Attributes{
		Message:   "transaction rejected on chain",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	// 确认结果未知不代表失败：交易可能已经落账。禁止自动重试，
	// 必须由人工核对链上状态后再决定下一步。
	xerrors.Register(CodeConfirmationUncertain, xerrors.Attributes{
		Message:   "transaction outcome unknown within validity window",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// IsRunError 判断错误是否为统一覆写错误。
func IsRunError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrRunNotFound) {
		return target == CodeRunNotFound
	}
	if stdErrors.Is(err, ErrRunConflict) {
		return target == CodeRunConflict
	}
	if stdErrors.Is(err, ErrRunCompleted) {
		return target == CodeRunCompleted
	}
	if stdErrors.Is(err, ErrRunExhausted) {
		return target == CodeRunExhausted
	}
	return false
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

// IsValidStatus 检查给定的 Run 状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusBuilding, StatusSigning, StatusConfirming, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// inFlight 判断状态是否处于执行中的某个阶段。
func inFlight(status Status) bool {
	switch status {
	case StatusBuilding, StatusSigning, StatusConfirming:
		return true
	default:
		return false
	}
}
