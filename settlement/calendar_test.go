package settlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ict = time.FixedZone("ICT", 7*3600)

func at(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, ict)
}

func TestSettlementDateSkipsWeekend(t *testing.T) {
	cal := NewCalendar(ict, nil)

	// 周五成交 -> 下周二结算 -> 周三12:00可卖
	trade := at(2024, time.January, 5, 10, 30)
	assert.Equal(t, at(2024, time.January, 9, 0, 0), cal.SettlementDate(trade))
	assert.Equal(t, at(2024, time.January, 10, 12, 0), cal.ActualSettlementDate(trade))

	// 周一成交 -> 周三结算 -> 周四中午
	trade = at(2024, time.January, 8, 14, 0)
	assert.Equal(t, at(2024, time.January, 10, 0, 0), cal.SettlementDate(trade))
	assert.Equal(t, at(2024, time.January, 11, 12, 0), cal.ActualSettlementDate(trade))
}

func TestSettlementDateSkipsHolidays(t *testing.T) {
	// 2024 春节休市
	hol, err := NewStaticHolidays("2024-02-08", "2024-02-09", "2024-02-12", "2024-02-13", "2024-02-14")
	require.NoError(t, err)
	cal := NewCalendar(ict, hol)

	trade := at(2024, time.February, 7, 9, 15)
	assert.Equal(t, at(2024, time.February, 16, 0, 0), cal.SettlementDate(trade))
	assert.Equal(t, at(2024, time.February, 17, 12, 0), cal.ActualSettlementDate(trade))
	assert.False(t, cal.IsTradingDay(at(2024, time.February, 12, 0, 0)))
	assert.True(t, cal.IsTradingDay(at(2024, time.February, 15, 0, 0)))
}

func TestCalendarUsesExchangeTimezone(t *testing.T) {
	cal := NewCalendar(ict, nil)
	// UTC周四18:00 = 当地周五01:00
	trade := time.Date(2024, time.January, 4, 18, 0, 0, 0, time.UTC)
	assert.Equal(t, at(2024, time.January, 9, 0, 0), cal.SettlementDate(trade))
}

func TestTradingDaysBetween(t *testing.T) {
	cal := NewCalendar(ict, nil)
	assert.Equal(t, 0, cal.TradingDaysBetween(at(2024, time.January, 5, 9, 0), at(2024, time.January, 5, 15, 0)))
	assert.Equal(t, 1, cal.TradingDaysBetween(at(2024, time.January, 5, 9, 0), at(2024, time.January, 8, 9, 0)))
	assert.Equal(t, 3, cal.TradingDaysBetween(at(2024, time.January, 5, 9, 0), at(2024, time.January, 10, 9, 0)))
}

func TestStaticHolidaysReplace(t *testing.T) {
	_, err := NewStaticHolidays("2024/01/01")
	assert.Error(t, err)

	hol, err := NewStaticHolidays("2024-01-01")
	require.NoError(t, err)
	assert.True(t, hol.IsHoliday(at(2024, time.January, 1, 0, 0)))

	require.NoError(t, hol.Replace([]string{"2024-04-30"}))
	assert.False(t, hol.IsHoliday(at(2024, time.January, 1, 0, 0)))
	assert.True(t, hol.IsHoliday(at(2024, time.April, 30, 0, 0)))
	assert.Error(t, hol.Replace([]string{"bad"}))
}
