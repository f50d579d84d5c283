package order

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// FillEvent 成交事件
type FillEvent struct {
	OrderID   string
	Symbol    string
	Side      string
	Price     decimal.Decimal
	Quantity  int64
	Timestamp time.Time
}

// FillTracker 跟踪近期成交，供对账统计和API查询
type FillTracker struct {
	mu sync.RWMutex

	recentFills []FillEvent
	maxHistory  int
	windowSize  time.Duration

	totalFills    int
	totalQuantity int64
	now           func() time.Time
}

// NewFillTracker 创建成交跟踪器
func NewFillTracker(maxHistory int, windowSize time.Duration) *FillTracker {
	if maxHistory <= 0 {
		maxHistory = 100
	}
	if windowSize <= 0 {
		windowSize = 5 * time.Minute
	}

	return &FillTracker{
		recentFills: make([]FillEvent, 0, maxHistory),
		maxHistory:  maxHistory,
		windowSize:  windowSize,
		now:         time.Now,
	}
}

// OnFill 实现FillListener
func (f *FillTracker) OnFill(_ context.Context, o Order, fill Fill) {
	f.RecordFill(FillEvent{
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Price:     fill.Price,
		Quantity:  fill.Quantity,
		Timestamp: fill.Timestamp,
	})
}

// RecordFill 记录成交
func (f *FillTracker) RecordFill(ev FillEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = f.now()
	}
	f.recentFills = append(f.recentFills, ev)
	f.totalFills++
	f.totalQuantity += ev.Quantity

	f.cleanOldFillsUnsafe()
}

// cleanOldFillsUnsafe 清理超出窗口的成交记录（非线程安全）
func (f *FillTracker) cleanOldFillsUnsafe() {
	cutoff := f.now().Add(-f.windowSize)

	validStart := len(f.recentFills)
	for i, fill := range f.recentFills {
		if fill.Timestamp.After(cutoff) {
			validStart = i
			break
		}
	}
	if validStart > 0 {
		f.recentFills = f.recentFills[validStart:]
	}

	if len(f.recentFills) > f.maxHistory {
		f.recentFills = f.recentFills[len(f.recentFills)-f.maxHistory:]
	}
}

// GetRecentFillRate 窗口内每分钟成交笔数
func (f *FillTracker) GetRecentFillRate() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cutoff := f.now().Add(-f.windowSize)
	count := 0
	for _, fill := range f.recentFills {
		if fill.Timestamp.After(cutoff) {
			count++
		}
	}
	if minutes := f.windowSize.Minutes(); minutes > 0 {
		return float64(count) / minutes
	}
	return 0
}

// GetRecentFills 获取近期成交记录（只读副本）
func (f *FillTracker) GetRecentFills(duration time.Duration) []FillEvent {
	f.mu.RLock()
	defer f.mu.RUnlock()

	cutoff := f.now().Add(-duration)
	var result []FillEvent
	for _, fill := range f.recentFills {
		if fill.Timestamp.After(cutoff) {
			result = append(result, fill)
		}
	}
	return result
}

// GetStats 获取统计信息
func (f *FillTracker) GetStats() FillTrackerStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return FillTrackerStats{
		TotalFills:    f.totalFills,
		TotalQuantity: f.totalQuantity,
		RecentFills:   len(f.recentFills),
	}
}

// FillTrackerStats 成交跟踪器统计
type FillTrackerStats struct {
	TotalFills    int
	TotalQuantity int64
	RecentFills   int
}
