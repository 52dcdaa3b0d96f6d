package override

// RunStats 聚合了覆写 Run 的状态统计信息，常用于仪表盘或健康检查。
type RunStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	InFlight        int   `json:"in_flight"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}
