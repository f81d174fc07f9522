package task

import (
	"slices"
	"strings"
	"time"
)

// 列表分页上限。
const (
	DefaultListLimit = 20
	MaxListLimit     = 200
)

// SortOrder 决定任务列表按 updated_at 的排序方向。
type SortOrder int

const (
	SortByUpdatedDesc SortOrder = iota
	SortByUpdatedAsc
)

// ListOptions 描述任务列表与统计的筛选条件。时间字段为 Unix 秒，0 表示不限制。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	UpdatedGTE int64
	UpdatedLTE int64
	HasResult  *bool
	Order      SortOrder
	Query      string
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 设置单页数量，超过 MaxListLimit 时截断。
func WithLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

// WithOffset 跳过前 offset 条结果。
func WithOffset(offset int) ListOption {
	return func(o *ListOptions) { o.Offset = offset }
}

// WithStatuses 只返回指定状态的任务，未知状态会被忽略。
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = append([]Status(nil), statuses...) }
}

// WithUpdatedRange 限定 updated_at 所在的闭区间，零值一端不设限。
func WithUpdatedRange(since, until time.Time) ListOption {
	return func(o *ListOptions) {
		o.UpdatedGTE, o.UpdatedLTE = unixOrZero(since), unixOrZero(until)
	}
}

// WithResultPresence 按是否已有执行结果筛选。
func WithResultPresence(hasResult bool) ListOption {
	return func(o *ListOptions) { o.HasResult = &hasResult }
}

// WithSortOrder 设置排序方向。
func WithSortOrder(order SortOrder) ListOption {
	return func(o *ListOptions) { o.Order = order }
}

// WithQuery 在任务 ID、描述与回答中做大小写不敏感的子串匹配。
func WithQuery(query string) ListOption {
	return func(o *ListOptions) { o.Query = query }
}

// BuildListOptions 应用全部选项并做归一化。
func BuildListOptions(opts ...ListOption) ListOptions {
	var o ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.applyDefaults()
	return o
}

// applyDefaults 截断分页参数并清理筛选条件，存储实现在查询前也会调用。
func (o *ListOptions) applyDefaults() {
	switch {
	case o.Limit <= 0:
		o.Limit = DefaultListLimit
	case o.Limit > MaxListLimit:
		o.Limit = MaxListLimit
	}
	o.Offset = max(o.Offset, 0)
	if o.Order != SortByUpdatedAsc {
		o.Order = SortByUpdatedDesc
	}
	o.Statuses = uniqueStatuses(o.Statuses)
	o.Query = strings.TrimSpace(o.Query)
}

func uniqueStatuses(input []Status) []Status {
	var out []Status
	for _, status := range input {
		if IsValidStatus(status) && !slices.Contains(out, status) {
			out = append(out, status)
		}
	}
	return out
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}
