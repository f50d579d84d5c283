// Package settlement 维护T+2.5结算、可卖数量和保证金占用。
package settlement

import (
	"fmt"
	"sync"
	"time"
)

const (
	// SettlementDays T+2
	SettlementDays = 2
	// CutoffHour 结算日次日中午才可卖出
	CutoffHour = 12

	dateLayout = "2006-01-02"
)

// HolidayCalendar 节假日来源（外部注入）
type HolidayCalendar interface {
	IsHoliday(date time.Time) bool
}

// StaticHolidays 固定节假日列表
type StaticHolidays struct {
	mu   sync.RWMutex
	days map[string]struct{}
}

// NewStaticHolidays 以 YYYY-MM-DD 格式创建
func NewStaticHolidays(dates ...string) (*StaticHolidays, error) {
	h := &StaticHolidays{days: make(map[string]struct{}, len(dates))}
	for _, d := range dates {
		if _, err := time.Parse(dateLayout, d); err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", d, err)
		}
		h.days[d] = struct{}{}
	}
	return h, nil
}

// IsHoliday 按日期（忽略时分秒）判断
func (h *StaticHolidays) IsHoliday(date time.Time) bool {
	if h == nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.days[date.Format(dateLayout)]
	return ok
}

// Replace 整体替换节假日（配置热更新）
func (h *StaticHolidays) Replace(dates []string) error {
	next, err := NewStaticHolidays(dates...)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.days = next.days
	h.mu.Unlock()
	return nil
}

// Calendar 交易日历，所有日期按交易所时区计算
type Calendar struct {
	loc      *time.Location
	holidays HolidayCalendar
}

// NewCalendar loc为空时使用UTC
func NewCalendar(loc *time.Location, holidays HolidayCalendar) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return &Calendar{loc: loc, holidays: holidays}
}

// Location 交易所时区
func (c *Calendar) Location() *time.Location { return c.loc }

// Date 取当地日期零点
func (c *Calendar) Date(t time.Time) time.Time {
	t = t.In(c.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.loc)
}

// IsTradingDay 非周末且非节假日
func (c *Calendar) IsTradingDay(t time.Time) bool {
	d := c.Date(t)
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return c.holidays == nil || !c.holidays.IsHoliday(d)
}

// AddTradingDays 从t所在日期起向后数n个交易日
func (c *Calendar) AddTradingDays(t time.Time, n int) time.Time {
	d := c.Date(t)
	for n > 0 {
		d = d.AddDate(0, 0, 1)
		if c.IsTradingDay(d) {
			n--
		}
	}
	return d
}

// SettlementDate 成交日 + 2个交易日
func (c *Calendar) SettlementDate(trade time.Time) time.Time {
	return c.AddTradingDays(trade, SettlementDays)
}

// ActualSettlementDate 结算日次日12:00，此刻起可卖
func (c *Calendar) ActualSettlementDate(trade time.Time) time.Time {
	s := c.SettlementDate(trade)
	next := s.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), CutoffHour, 0, 0, 0, c.loc)
}

// TradingDaysBetween from与to之间经过的交易日数（不含from当天）
func (c *Calendar) TradingDaysBetween(from, to time.Time) int {
	d := c.Date(from)
	end := c.Date(to)
	n := 0
	for d.Before(end) {
		d = d.AddDate(0, 0, 1)
		if c.IsTradingDay(d) {
			n++
		}
	}
	return n
}
