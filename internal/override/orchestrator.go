package override

import (
	"context"
	"encoding/base64"
	stdErrors "errors"
	"fmt"
	"log/slog"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/aegis-vaults/aegis-app-sub000/internal/builder"
	xerrors "github.com/aegis-vaults/aegis-app-sub000/internal/errors"
	"github.com/aegis-vaults/aegis-app-sub000/internal/ledger"
	"github.com/aegis-vaults/aegis-app-sub000/internal/observability/metrics"
	"github.com/aegis-vaults/aegis-app-sub000/internal/signer"
	"github.com/aegis-vaults/aegis-app-sub000/internal/vault"
	"github.com/aegis-vaults/aegis-app-sub000/pkg/logger"
)

// State 表示一次覆写执行在状态机中的位置。与持久化的 Status 不同，
// State 只存在于单次执行的内存中。
type State string

const (
	StateIdle       State = "idle"
	StateBuilding   State = "building"
	StateSigning    State = "signing"
	StateConfirming State = "confirming"
	StateSuccess    State = "success"
	StateError      State = "error"
)

// TransitionFunc 在状态机发生迁移时被回调，用于持久化阶段或上报指标。
type TransitionFunc func(ctx context.Context, from, to State)

// TransactionBuilder 定义了编排器所需的后端构建能力。
type TransactionBuilder interface {
	BuildOverrideTransaction(ctx context.Context, req vault.OverrideRequest, signerAddr string) (builder.Envelope, error)
}

// Orchestrator 驱动单次覆写的完整状态机：构建、签名、广播与确认。
// 状态机保证广播至多发生一次；进入确认阶段后的任何失败都只会以
// "结果未知" 收场，绝不会谎报为拒绝。
type Orchestrator struct {
	builder       TransactionBuilder
	signer        signer.Signer
	ledger        ledger.Client
	broadcastOpts ledger.BroadcastOpts
	onTransition  TransitionFunc
}

// OrchestratorOption 定义可选配置。
type OrchestratorOption func(*Orchestrator)

// WithBroadcastOpts 指定广播参数。
func WithBroadcastOpts(opts ledger.BroadcastOpts) OrchestratorOption {
	return func(o *Orchestrator) {
		o.broadcastOpts = opts
	}
}

// WithTransitionObserver 注册状态迁移回调。
func WithTransitionObserver(fn TransitionFunc) OrchestratorOption {
	return func(o *Orchestrator) {
		o.onTransition = fn
	}
}

// NewOrchestrator 构造编排器。三个依赖都不能为空。
func NewOrchestrator(txBuilder TransactionBuilder, txSigner signer.Signer, ledgerClient ledger.Client, opts ...OrchestratorOption) (*Orchestrator, error) {
	if txBuilder == nil || txSigner == nil || ledgerClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器依赖未完整配置")
	}
	o := &Orchestrator{
		builder: txBuilder,
		signer:  txSigner,
		ledger:  ledgerClient,
		broadcastOpts: ledger.BroadcastOpts{
			PreflightCommitment: ledger.CommitmentConfirmed,
			MaxRetries:          0,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Execute 执行一次覆写。observe 在每次状态迁移时被回调，可为 nil；
// 处理器用它把阶段推进落盘。返回的错误携带阶段性错误码；确认结果
// 未知时同时返回带签名的部分结果与 CONFIRMATION_UNCERTAIN 错误，
// 调用方必须先核对链上状态再决定是否重新提交。
func (o *Orchestrator) Execute(ctx context.Context, req vault.OverrideRequest, observe TransitionFunc) (*BroadcastResult, error) {
	if err := req.Validate(); err != nil {
		return nil, xerrors.Wrap(CodeRunValidation, err, "覆写请求校验失败")
	}

	state := StateIdle
	moveTo := func(next State) {
		if o.onTransition != nil {
			o.onTransition(ctx, state, next)
		}
		if observe != nil {
			observe(ctx, state, next)
		}
		state = next
	}
	fail := func(err error) (*BroadcastResult, error) {
		moveTo(StateError)
		return nil, err
	}

	// 构建阶段。后端的拒绝原因原样透传给调用方。
	moveTo(StateBuilding)
	envelope, err := o.builder.BuildOverrideTransaction(ctx, req, o.signer.PublicKey().String())
	if err != nil {
		var apiErr *builder.APIError
		if stdErrors.As(err, &apiErr) {
			return fail(xerrors.Wrap(CodeBuildFailed, err, apiErr.Message))
		}
		return fail(xerrors.Wrap(xerrors.CodeNodeUnavailable, err, "构建服务不可达"))
	}

	tx, window, err := decodeEnvelope(envelope)
	if err != nil {
		return fail(err)
	}

	// 签名阶段。拒绝与中途放弃都属于正常业务结局，不触发重试。
	moveTo(StateSigning)
	if err := o.signer.Sign(ctx, tx); err != nil {
		if stdErrors.Is(err, signer.ErrRejected) {
			return fail(xerrors.Wrap(CodeUserRejected, err, "签名者拒绝了这笔覆写"))
		}
		if stdErrors.Is(err, signer.ErrCancelled) {
			return fail(xerrors.Wrap(CodeUserRejected, err, "签名流程被放弃"))
		}
		return fail(xerrors.Wrap(CodeSigningFailed, err, "签名环节故障"))
	}

	payload, err := tx.MarshalBinary()
	if err != nil {
		return fail(xerrors.Wrap(CodeMalformedEnvelope, err, "序列化已签名交易失败"))
	}

	// 确认阶段。广播只发生这一次；此后任何不确定都以 "结果未知" 收场。
	moveTo(StateConfirming)
	sig, err := o.ledger.SendRawTransaction(ctx, payload, o.broadcastOpts)
	if err != nil {
		return fail(err)
	}
	metrics.ObserveBroadcast()
	logger.Audit().Info("覆写交易已广播",
		slog.String("vault", req.Vault.String()),
		slog.String("destination", req.Destination.String()),
		slog.Uint64("amount_lamports", req.AmountLamports),
		slog.String("signature", sig.String()),
	)

	partial := &BroadcastResult{
		Signature: sig.String(),
		Blockhash: envelope.Blockhash,
	}
	confirmation, err := o.ledger.ConfirmTransaction(ctx, sig, window)
	if err != nil {
		moveTo(StateError)
		reason := "有效窗口内未观测到交易"
		if !stdErrors.Is(err, ledger.ErrBlockheightExceeded) {
			reason = "确认轮询中断"
		}
		return partial, xerrors.Wrap(CodeConfirmationUncertain, err, reason,
			xerrors.WithMetadata("signature", sig.String()))
	}
	if confirmation.ExecutionErr != nil {
		moveTo(StateError)
		return partial, xerrors.New(CodeLedgerRejected,
			fmt.Sprintf("交易在链上执行失败: %v", confirmation.ExecutionErr),
			xerrors.WithMetadata("signature", sig.String()))
	}

	moveTo(StateSuccess)
	partial.Slot = confirmation.Slot
	return partial, nil
}

// decodeEnvelope 校验后端返回的交易信封并解码出可签名的交易。
// 缺少交易内容视为构建失败；解码失败意味着后端契约被破坏，
// 归为 MALFORMED_ENVELOPE。
func decodeEnvelope(envelope builder.Envelope) (*solana.Transaction, ledger.ValidityWindow, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope.TransactionBase64)
	if err != nil {
		return nil, ledger.ValidityWindow{}, xerrors.Wrap(CodeMalformedEnvelope, err, "交易不是合法的 base64")
	}
	if len(raw) == 0 {
		return nil, ledger.ValidityWindow{}, xerrors.New(CodeBuildFailed, "后端未返回交易内容")
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, ledger.ValidityWindow{}, xerrors.Wrap(CodeMalformedEnvelope, err, "交易字节无法解码")
	}
	blockhash, err := solana.HashFromBase58(envelope.Blockhash)
	if err != nil {
		return nil, ledger.ValidityWindow{}, xerrors.Wrap(CodeMalformedEnvelope, err, "blockhash 格式非法")
	}
	if envelope.LastValidBlockHeight == 0 {
		return nil, ledger.ValidityWindow{}, xerrors.New(CodeMalformedEnvelope, "缺少有效窗口上界")
	}
	return tx, ledger.ValidityWindow{
		Blockhash:            blockhash,
		LastValidBlockHeight: envelope.LastValidBlockHeight,
	}, nil
}
