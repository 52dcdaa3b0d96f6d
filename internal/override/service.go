package override

import (
	"context"
	"encoding/binary"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/aegis-vaults/aegis-app-sub000/internal/errors"
	"github.com/aegis-vaults/aegis-app-sub000/internal/vault"
	"github.com/aegis-vaults/aegis-app-sub000/pkg/logger"
)

// overrideNamespace 是派生幂等 Run ID 的命名空间。
var overrideNamespace = uuid.MustParse("7a1a3a52-9f6e-4c5b-8a2e-0f4d1bb0c9ad")

// Service 负责覆写 Run 的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造覆写服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// DeterministicRunID 由请求内容派生幂等 Run ID。同一 (金库, 目标,
// 金额, 原因) 组合永远得到同一个 ID，重复提交不会产生第二次支出。
func DeterministicRunID(req vault.OverrideRequest) string {
	payload := make([]byte, 0, 32+32+8+len(req.Reason))
	payload = append(payload, req.Vault.Bytes()...)
	payload = append(payload, req.Destination.Bytes()...)
	var amount [8]byte
	binary.LittleEndian.PutUint64(amount[:], req.AmountLamports)
	payload = append(payload, amount[:]...)
	payload = append(payload, []byte(req.Reason)...)
	return uuid.NewSHA1(overrideNamespace, payload).String()
}

// Submit 创建一个新的覆写 Run 并推送到队列。未指定 ID 时按请求内容
// 派生幂等 ID；重复提交直接返回已有 Run。
func (s *Service) Submit(ctx context.Context, req vault.OverrideRequest, requestID string) (*Run, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "覆写服务未初始化")
	}
	if err := req.Validate(); err != nil {
		return nil, xerrors.Wrap(CodeRunValidation, err, "覆写请求校验失败")
	}

	runID := strings.TrimSpace(requestID)
	if runID == "" {
		runID = DeterministicRunID(req)
	}
	existing, err := s.store.Get(ctx, runID)
	if err == nil {
		return existing, nil
	}
	if !stdErrors.Is(err, ErrRunNotFound) {
		return nil, err
	}

	run := &Run{
		ID:             runID,
		Vault:          req.Vault.String(),
		Destination:    req.Destination.String(),
		AmountLamports: req.AmountLamports,
		Reason:         string(req.Reason),
		RequestedBy:    req.RequestedBy.String(),
		Status:         StatusPending,
		Attempts:       0,
		MaxRetries:     s.maxRetries,
	}
	if err := s.store.Create(ctx, run); err != nil {
		if stdErrors.Is(err, ErrRunConflict) {
			existing, getErr := s.store.Get(ctx, runID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrRunNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, runID); err != nil {
		logger.L().Error("覆写 Run 入队失败", slog.Any("error", err), slog.String("run_id", runID))
		wrapped := xerrors.Wrap(CodeRunPublish, err, "发布覆写 Run 到队列失败")
		_ = s.store.MarkFailed(ctx, runID, CodeRunPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("覆写 Run 入队成功",
		slog.String("run_id", runID),
		slog.String("vault", run.Vault),
		slog.String("destination", run.Destination),
		slog.Uint64("amount_lamports", run.AmountLamports),
		slog.String("reason", run.Reason),
		slog.Int("max_retries", run.MaxRetries),
	)
	return run, nil
}

// Get 返回指定 Run 的状态。
func (s *Service) Get(ctx context.Context, id string) (*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "覆写存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的 Run 列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "覆写存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (RunStats, error) {
	if s.store == nil {
		return RunStats{}, xerrors.New(xerrors.CodeInitializationFailure, "覆写存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 在指定超时时间内轮询 Run 状态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Status == StatusSucceeded || run.Status == StatusFailed {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
