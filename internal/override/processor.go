package override

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "github.com/aegis-vaults/aegis-app-sub000/internal/errors"
	"github.com/aegis-vaults/aegis-app-sub000/internal/observability/alerting"
	"github.com/aegis-vaults/aegis-app-sub000/internal/observability/metrics"
	"github.com/aegis-vaults/aegis-app-sub000/internal/vault"
	"github.com/aegis-vaults/aegis-app-sub000/pkg/logger"
)

// Runner 定义了处理器所需的状态机执行能力。
type Runner interface {
	Execute(ctx context.Context, req vault.OverrideRequest, observe TransitionFunc) (*BroadcastResult, error)
}

// Processor 负责从队列消费覆写 Run 并交给状态机执行。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动覆写处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置覆写消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, runID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	run, err := p.store.Claim(ctx, runID)
	if err != nil {
		if stdErrors.Is(err, ErrRunNotFound) || stdErrors.Is(err, ErrRunCompleted) || stdErrors.Is(err, ErrRunExhausted) {
			p.logDebug("跳过覆写 Run", slog.String("run_id", runID), slog.String("reason", err.Error()))
			return nil
		}
		if stdErrors.Is(err, ErrRunConflict) {
			// 包括结果未知的 Run：存储层拒绝领取，人工处理前保持终态。
			if run != nil && run.ErrorCode == string(CodeConfirmationUncertain) {
				p.logDebug("跳过结果未知的覆写 Run", slog.String("run_id", runID))
				return nil
			}
		}
		logger.L().Error("领取覆写 Run 失败", slog.Any("error", err), slog.String("run_id", runID))
		p.emitAlert(ctx, &Run{ID: runID}, CodeRunProcessing, err, "claim")
		return err
	}

	req, parseErr := vault.ParseOverrideRequest(run.Vault, run.Destination, run.AmountLamports, run.Reason, run.RequestedBy)
	if parseErr != nil {
		if storeErr := p.store.MarkFailed(ctx, run.ID, CodeRunValidation, parseErr.Error(), true); storeErr != nil {
			return storeErr
		}
		p.emitAlert(ctx, run, CodeRunValidation, parseErr, "parse")
		return nil
	}

	result, execErr := p.runner.Execute(ctx, req, p.stageObserver(run.ID))
	if execErr != nil {
		return p.handleExecutionFailure(ctx, run, result, execErr)
	}

	var record BroadcastResult
	if result != nil {
		record = *result
	}
	if err := p.store.MarkSucceeded(ctx, run.ID, record); err != nil {
		logger.L().Error("标记覆写成功状态失败", slog.Any("error", err), slog.String("run_id", run.ID))
		if storeErr := p.store.MarkFailed(ctx, run.ID, CodeRunProcessing, err.Error(), false); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("run_id", run.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, run.ID); pubErr != nil {
			return xerrors.Wrap(CodeRunPublish, pubErr, fmt.Sprintf("覆写 Run %s 在标记成功失败后重投失败", run.ID))
		}
		logger.Audit().Warn("覆写标记成功失败后重试",
			slog.String("run_id", run.ID),
			slog.String("vault", run.Vault),
			slog.String("error", err.Error()),
		)
		return nil
	}
	metrics.ObserveOverrideRun("succeeded", "")
	logger.Audit().Info("覆写执行成功",
		slog.String("run_id", run.ID),
		slog.String("vault", run.Vault),
		slog.String("signature", record.Signature),
	)
	return nil
}

// stageObserver 把状态机的阶段推进落盘。落盘失败只记录日志，
// 不打断执行：阶段信息是观测数据，不是正确性的一部分。
func (p *Processor) stageObserver(runID string) TransitionFunc {
	return func(ctx context.Context, _, to State) {
		var status Status
		switch to {
		case StateSigning:
			status = StatusSigning
		case StateConfirming:
			status = StatusConfirming
		default:
			return
		}
		if err := p.store.UpdateStatus(ctx, runID, status); err != nil {
			p.logDebug("记录阶段推进失败",
				slog.String("run_id", runID),
				slog.String("status", string(status)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (p *Processor) handleExecutionFailure(ctx context.Context, run *Run, partial *BroadcastResult, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeRunProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := run.Attempts >= run.MaxRetries || !retryable

	if code == CodeConfirmationUncertain {
		// 交易可能已经落账：把签名留在记录里，终止自动重试。
		message := execErr.Error()
		if partial != nil && partial.Signature != "" {
			message = fmt.Sprintf("%s (signature=%s)", message, partial.Signature)
		}
		if storeErr := p.store.MarkFailed(ctx, run.ID, code, message, true); storeErr != nil {
			logger.L().Error("标记结果未知状态出错", slog.Any("error", storeErr), slog.String("run_id", run.ID))
			return storeErr
		}
		metrics.ObserveOverrideRun("failed", string(code))
		logger.Audit().Warn("覆写确认结果未知",
			slog.String("run_id", run.ID),
			slog.String("vault", run.Vault),
			slog.String("message", message),
		)
		p.emitAlert(ctx, run, code, execErr, "uncertain")
		return nil
	}

	if !retryable && p.recovery != nil {
		if fallback, recErr := p.recovery.Recover(ctx, run, execErr); recErr != nil {
			wrapped := xerrors.Wrap(CodeRunProcessing, recErr, "覆写补偿失败")
			logger.L().Error("执行补偿逻辑失败",
				slog.Any("error", wrapped),
				slog.String("run_id", run.ID))
			p.emitAlert(ctx, run, CodeRunProcessing, wrapped, "compensate")
		} else if fallback != nil {
			if fallback.Observations == "" {
				fallback.Observations = fmt.Sprintf("降级处理: %v", execErr)
			}
			if err := p.store.MarkSucceeded(ctx, run.ID, *fallback); err != nil {
				logger.L().Error("记录降级结果失败", slog.Any("error", err), slog.String("run_id", run.ID))
				if storeErr := p.store.MarkFailed(ctx, run.ID, code, err.Error(), false); storeErr != nil {
					logger.L().Error("降级失败后的回写失败状态出错", slog.Any("error", storeErr), slog.String("run_id", run.ID))
					return storeErr
				}
				if pubErr := p.producer.Publish(ctx, run.ID); pubErr != nil {
					return xerrors.Wrap(CodeRunPublish, pubErr, fmt.Sprintf("覆写 Run %s 在降级失败后重投失败", run.ID))
				}
				return nil
			}
			logger.Audit().Warn("覆写降级完成",
				slog.String("run_id", run.ID),
				slog.String("vault", run.Vault),
				slog.String("observations", fallback.Observations),
			)
			p.emitAlert(ctx, run, code, execErr, "degraded")
			return nil
		}
	}

	if storeErr := p.store.MarkFailed(ctx, run.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记覆写失败状态出错", slog.Any("error", storeErr), slog.String("run_id", run.ID))
		return storeErr
	}
	if terminal {
		metrics.ObserveOverrideRun("failed", string(code))
	}
	logger.Audit().Warn("覆写执行失败",
		slog.String("run_id", run.ID),
		slog.String("vault", run.Vault),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", run.Attempts),
		slog.Int("max_retries", run.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	} else if !retryable {
		stage = "non_retryable"
	}
	p.emitAlert(ctx, run, code, execErr, stage)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, run.ID); pubErr != nil {
			return xerrors.Wrap(CodeRunPublish, pubErr, fmt.Sprintf("覆写 Run %s 重投失败", run.ID))
		}
		p.logDebug("覆写 Run 已重新排队", slog.String("run_id", run.ID), slog.Int("attempts", run.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, run *Run, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || run == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		RunID:      run.ID,
		Vault:      run.Vault,
		Attempts:   run.Attempts,
		MaxRetries: run.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("run_id", run.ID),
			slog.String("stage", stage),
		)
	}
}
