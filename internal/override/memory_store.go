package override

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "github.com/aegis-vaults/aegis-app-sub000/internal/errors"
)

// MemoryStore 以内存方式保存覆写 Run 状态，主要用于测试。
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Run)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run == nil {
		return xerrors.New(xerrors.CodeInvalidInput, "run 不能为空")
	}
	if run.ID == "" {
		return xerrors.New(xerrors.CodeInvalidInput, "覆写 Run ID 不能为空")
	}
	if _, ok := m.runs[run.ID]; ok {
		return ErrRunConflict
	}
	now := time.Now().Unix()
	if run.CreatedAt == 0 {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	m.runs[run.ID] = cloneRun(run)
	return nil
}

// Get 返回覆写 Run。
func (m *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneRun(run), nil
}

// Claim 将 Run 置为构建阶段并累加尝试次数。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	if run.Status == StatusSucceeded {
		return cloneRun(run), ErrRunCompleted
	}
	if inFlight(run.Status) {
		return cloneRun(run), ErrRunConflict
	}
	// 结果未知的 Run 永远不允许再次领取：交易可能已经落账，
	// 自动重试等于重复支出。
	if run.ErrorCode == string(CodeConfirmationUncertain) {
		return cloneRun(run), ErrRunConflict
	}
	if run.Attempts >= run.MaxRetries {
		return cloneRun(run), ErrRunExhausted
	}
	run.Status = StatusBuilding
	run.Attempts++
	run.LastError = ""
	run.ErrorCode = ""
	run.UpdatedAt = time.Now().Unix()
	return cloneRun(run), nil
}

// UpdateStatus 推进执行阶段。只允许从执行中阶段迁移，防止已终结的
// Run 被悄悄复活。
func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if !inFlight(run.Status) || !inFlight(status) {
		return ErrRunConflict
	}
	run.Status = status
	run.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkSucceeded 记录广播结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result BroadcastResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	run.Status = StatusSucceeded
	run.Result = &result
	run.LastError = ""
	run.ErrorCode = ""
	run.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记 Run 失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	run.Status = StatusFailed
	run.LastError = lastError
	run.ErrorCode = string(code)
	run.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的 Run。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		if !matchesListFilters(run, opts) {
			continue
		}
		results = append(results, cloneRun(run))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Run{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的 Run 数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (RunStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := RunStats{}
	for _, run := range m.runs {
		if !matchesListFilters(run, opts) {
			continue
		}
		stats.Total++
		switch {
		case run.Status == StatusPending:
			stats.Pending++
		case inFlight(run.Status):
			stats.InFlight++
		case run.Status == StatusSucceeded:
			stats.Succeeded++
		case run.Status == StatusFailed:
			stats.Failed++
		}
		if run.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = run.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (run.UpdatedAt != 0 && run.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = run.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func cloneRun(run *Run) *Run {
	clone := *run
	if run.Result != nil {
		resultCopy := *run.Result
		clone.Result = &resultCopy
	}
	clone.Metadata = cloneMetadata(run.Metadata)
	return &clone
}

func matchesListFilters(run *Run, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if run.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Vault != "" && run.Vault != opts.Vault {
		return false
	}
	if opts.UpdatedGTE > 0 && run.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && run.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasResult != nil && runHasResult(run) != *opts.HasResult {
		return false
	}
	if opts.Query != "" && !matchesQuery(run, opts.Query) {
		return false
	}
	return true
}

// matchesQuery 在 Run 的可检索字段里做子串匹配，字段范围与
// MySQL 存储的 LIKE 子句保持一致。
func matchesQuery(run *Run, query string) bool {
	fields := []string{
		run.ID,
		run.Vault,
		run.Destination,
		run.Reason,
		run.RequestedBy,
		run.LastError,
	}
	if run.Result != nil {
		fields = append(fields, run.Result.Signature)
	}
	for _, field := range fields {
		if strings.Contains(field, query) {
			return true
		}
	}
	for key, value := range run.Metadata {
		if strings.Contains(key, query) || strings.Contains(fmt.Sprint(value), query) {
			return true
		}
	}
	return false
}

func runHasResult(run *Run) bool {
	if run == nil || run.Result == nil {
		return false
	}
	result := run.Result
	return result.Signature != "" || result.Blockhash != "" || result.Observations != "" || result.Slot != 0
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
