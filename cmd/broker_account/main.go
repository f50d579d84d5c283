package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"vn-execution-go/config"
	"vn-execution-go/gateway"
	"vn-execution-go/infrastructure/logger"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	broker := flag.String("broker", "", "券商名称（ssi/vndirect/tcbs/hsc），默认全部启用的券商")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	filter := strings.ToLower(strings.TrimSpace(*broker))
	found := false
	for _, bc := range cfg.Brokers {
		if !bc.Enabled || (filter != "" && bc.Name != filter) {
			continue
		}
		found = true
		a, err := gateway.BuildAdapter(bc, nil, logger.Nop())
		if err != nil {
			log.Fatalf("创建 %s 适配器失败: %v", bc.Name, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		info, err := a.GetAccountInfo(ctx)
		cancel()
		if err != nil {
			fmt.Printf("%s: 获取账户信息失败: %v\n", bc.Name, err)
			continue
		}
		fmt.Printf("%s 账户 %s: 现金=%s VND, 总资产=%s VND, 购买力=%s VND\n",
			info.Broker, info.AccountID, info.Cash.StringFixed(0), info.TotalEquity.StringFixed(0), info.BuyingPower.StringFixed(0))
		for _, h := range info.Holdings {
			fmt.Printf("  %-8s 持仓=%d 均价=%s\n", h.Symbol, h.Quantity, h.AvgCost.StringFixed(0))
		}
	}
	if !found {
		fmt.Printf("未找到启用的券商 %s\n", filter)
	}
}
