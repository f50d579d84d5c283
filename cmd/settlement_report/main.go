package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"vn-execution-go/config"
	"vn-execution-go/internal/store"
	"vn-execution-go/inventory"
	"vn-execution-go/settlement"
)

type stats struct {
	trades       int
	buyNotional  decimal.Decimal
	sellNotional decimal.Decimal
}

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	symbol := flag.String("symbol", "", "仅统计指定标的 (默认全量)")
	sinceStr := flag.String("since", "", "仅统计此日期之后的成交 (YYYY-MM-DD)")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	loc, err := cfg.Location()
	if err != nil {
		fmt.Fprintf(os.Stderr, "时区无效: %v\n", err)
		os.Exit(1)
	}
	var since time.Time
	if *sinceStr != "" {
		since, err = time.ParseInLocation("2006-01-02", *sinceStr, loc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "解析 since 参数失败: %v\n", err)
			os.Exit(1)
		}
	}
	filter := strings.ToUpper(strings.TrimSpace(*symbol))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := store.Open(ctx, cfg.Store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "打开存储失败: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	orders, err := db.LoadOrders(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取订单失败: %v\n", err)
		os.Exit(1)
	}
	inv := inventory.NewTracker(nil)
	st := stats{}
	for _, o := range orders {
		if filter != "" && o.Symbol != filter {
			continue
		}
		fills, err := db.LoadFills(ctx, o.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "读取成交失败 %s: %v\n", o.ID, err)
			os.Exit(1)
		}
		for _, f := range fills {
			// 仓位需要全部成交回放，统计只取since之后
			inv.OnFill(ctx, o, f)
			if !since.IsZero() && f.Timestamp.Before(since) {
				continue
			}
			st.trades++
			notional := f.Price.Mul(decimal.NewFromInt(f.Quantity))
			if o.Side == "BUY" {
				st.buyNotional = st.buyNotional.Add(notional)
			} else {
				st.sellNotional = st.sellNotional.Add(notional)
			}
		}
	}

	records, err := db.ListSettlements(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取结算记录失败: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("存储: %s\n", cfg.Store.Driver)
	if filter != "" {
		fmt.Printf("标的: %s\n", filter)
	}
	if !since.IsZero() {
		fmt.Printf("起始日期: %s\n", since.Format("2006-01-02"))
	}
	fmt.Printf("成交笔数: %d\n", st.trades)
	fmt.Printf("买入金额: %s VND\n", st.buyNotional.StringFixed(0))
	fmt.Printf("卖出金额: %s VND\n", st.sellNotional.StringFixed(0))

	fmt.Println("\n持仓:")
	for _, p := range inv.Positions() {
		fmt.Printf("  %-8s 数量=%d 均价=%s 已实现盈亏=%s\n",
			p.Symbol, p.NetQuantity, p.AverageCost.StringFixed(0), p.RealizedPnL.StringFixed(0))
	}

	fmt.Println("\n结算:")
	pending := 0
	for _, r := range records {
		if filter != "" && r.Symbol != filter {
			continue
		}
		if r.Status == settlement.RecordPending {
			pending++
		}
		fmt.Printf("  %s %-8s %d @ %s 成交日=%s 结算日=%s 可用=%s %s\n",
			r.OrderID, r.Symbol, r.Quantity, r.Price.StringFixed(0),
			r.TradeDate.In(loc).Format("2006-01-02"),
			r.SettlementDate.In(loc).Format("2006-01-02"),
			r.ActualSettlementDate.In(loc).Format("2006-01-02 15:04"),
			r.Status)
	}
	fmt.Printf("待结算: %d\n", pending)
}
