package posttrade

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"vn-execution-go/order"
)

var bps = decimal.NewFromInt(10000)

// FillRecord 一笔成交及其事后价格
type FillRecord struct {
	FillID         string
	OrderID        string
	Broker         string
	Symbol         string
	Side           string
	Quantity       int64
	FillPrice      decimal.Decimal
	ReferencePrice decimal.Decimal
	FillTime       time.Time
	PriceShort     decimal.Decimal
	PriceLong      decimal.Decimal
}

// BrokerQuality 单个券商的成交质量
type BrokerQuality struct {
	Fills          int     `json:"fills"`
	AvgSlippageBps float64 `json:"avg_slippage_bps"`
}

// Stats 成交质量统计。滑点为正表示比参考价差；
// markout为负表示成交后价格朝不利方向移动。
type Stats struct {
	TotalFills           int                      `json:"total_fills"`
	AnalyzedFills        int                      `json:"analyzed_fills"`
	AdverseSelectionRate float64                  `json:"adverse_selection_rate"`
	AvgSlippageBps       float64                  `json:"avg_slippage_bps"`
	AvgMarkoutShortBps   float64                  `json:"avg_markout_short_bps"`
	AvgMarkoutLongBps    float64                  `json:"avg_markout_long_bps"`
	Brokers              map[string]BrokerQuality `json:"brokers"`
}

// PriceSource 最新成交价
type PriceSource func(symbol string) (decimal.Decimal, bool)

// Config 采样间隔
type Config struct {
	Short time.Duration
	Long  time.Duration
}

func DefaultConfig() Config {
	return Config{Short: time.Minute, Long: 5 * time.Minute}
}

// Analyzer 跟踪成交滑点和事后价格走势
type Analyzer struct {
	cfg    Config
	prices PriceSource
	now    func() time.Time

	mu    sync.RWMutex
	fills map[string]*FillRecord
}

var _ order.FillListener = (*Analyzer)(nil)

func NewAnalyzer(cfg Config, prices PriceSource) *Analyzer {
	def := DefaultConfig()
	if cfg.Short <= 0 {
		cfg.Short = def.Short
	}
	if cfg.Long < cfg.Short {
		cfg.Long = cfg.Short
	}
	return &Analyzer{
		cfg:    cfg,
		prices: prices,
		now:    time.Now,
		fills:  make(map[string]*FillRecord),
	}
}

// SetClock 替换时钟（测试用）
func (a *Analyzer) SetClock(now func() time.Time) { a.now = now }

// OnFill 记录成交，按fill ID去重
func (a *Analyzer) OnFill(_ context.Context, o order.Order, f order.Fill) {
	if f.Quantity <= 0 || !f.Price.IsPositive() {
		return
	}
	ts := f.Timestamp
	if ts.IsZero() {
		ts = a.now()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.fills[f.ID]; dup {
		return
	}
	a.fills[f.ID] = &FillRecord{
		FillID:         f.ID,
		OrderID:        o.ID,
		Broker:         o.BrokerName,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Quantity:       f.Quantity,
		FillPrice:      f.Price,
		ReferencePrice: o.ReferencePrice,
		FillTime:       ts,
	}
}

// Sample 到期的成交记录当前价，返回本次采样数
func (a *Analyzer) Sample(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, r := range a.fills {
		age := now.Sub(r.FillTime)
		if r.PriceShort.IsZero() && age >= a.cfg.Short {
			if p, ok := a.prices(r.Symbol); ok {
				r.PriceShort = p
				n++
			}
		}
		if r.PriceLong.IsZero() && age >= a.cfg.Long {
			if p, ok := a.prices(r.Symbol); ok {
				r.PriceLong = p
				n++
			}
		}
	}
	return n
}

// slippage 相对参考价的滑点(bps)，买入成交价高于参考价为正
func slippage(r *FillRecord) (float64, bool) {
	if !r.ReferencePrice.IsPositive() {
		return 0, false
	}
	diff := r.FillPrice.Sub(r.ReferencePrice)
	if r.Side == order.SideSell {
		diff = diff.Neg()
	}
	v, _ := diff.Div(r.ReferencePrice).Mul(bps).Float64()
	return v, true
}

// markout 成交后价格变动(bps)，对持仓方向有利为正
func markout(r *FillRecord, after decimal.Decimal) float64 {
	diff := after.Sub(r.FillPrice)
	if r.Side == order.SideSell {
		diff = diff.Neg()
	}
	v, _ := diff.Div(r.FillPrice).Mul(bps).Float64()
	return v
}

// Stats 汇总统计；Symbol为空时统计全部
func (a *Analyzer) Stats() Stats {
	return a.StatsFor("")
}

func (a *Analyzer) StatsFor(symbol string) Stats {
	symbol = strings.ToUpper(symbol)
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := Stats{Brokers: make(map[string]BrokerQuality)}
	var slipSum, shortSum, longSum float64
	var slipN, longN, adverse int
	brokerSum := make(map[string]float64)

	for _, r := range a.fills {
		if symbol != "" && r.Symbol != symbol {
			continue
		}
		stats.TotalFills++
		if s, ok := slippage(r); ok {
			slipSum += s
			slipN++
			bq := stats.Brokers[r.Broker]
			bq.Fills++
			stats.Brokers[r.Broker] = bq
			brokerSum[r.Broker] += s
		}
		if r.PriceShort.IsZero() {
			continue
		}
		stats.AnalyzedFills++
		m := markout(r, r.PriceShort)
		shortSum += m
		if m < 0 {
			adverse++
		}
		if !r.PriceLong.IsZero() {
			longSum += markout(r, r.PriceLong)
			longN++
		}
	}

	if slipN > 0 {
		stats.AvgSlippageBps = slipSum / float64(slipN)
	}
	for name, bq := range stats.Brokers {
		bq.AvgSlippageBps = brokerSum[name] / float64(bq.Fills)
		stats.Brokers[name] = bq
	}
	if stats.AnalyzedFills > 0 {
		stats.AdverseSelectionRate = float64(adverse) / float64(stats.AnalyzedFills)
		stats.AvgMarkoutShortBps = shortSum / float64(stats.AnalyzedFills)
	}
	if longN > 0 {
		stats.AvgMarkoutLongBps = longSum / float64(longN)
	}
	return stats
}

// Records 按成交时间排序的记录副本
func (a *Analyzer) Records() []FillRecord {
	a.mu.RLock()
	out := make([]FillRecord, 0, len(a.fills))
	for _, r := range a.fills {
		out = append(out, *r)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].FillTime.Equal(out[j].FillTime) {
			return out[i].FillID < out[j].FillID
		}
		return out[i].FillTime.Before(out[j].FillTime)
	})
	return out
}

// CleanOldRecords 删除超过maxAge的记录
func (a *Analyzer) CleanOldRecords(now time.Time, maxAge time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for id, r := range a.fills {
		if now.Sub(r.FillTime) > maxAge {
			delete(a.fills, id)
			n++
		}
	}
	return n
}
