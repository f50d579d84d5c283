package container

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"vn-execution-go/config"
	"vn-execution-go/gateway"
	"vn-execution-go/infrastructure/alert"
	"vn-execution-go/infrastructure/logger"
	"vn-execution-go/infrastructure/monitor"
	"vn-execution-go/internal/api"
	"vn-execution-go/internal/store"
	"vn-execution-go/inventory"
	"vn-execution-go/market"
	"vn-execution-go/order"
	"vn-execution-go/posttrade"
	"vn-execution-go/risk"
	"vn-execution-go/settlement"
)

const (
	sweepInterval   = time.Minute
	qualityInterval = 10 * time.Second
	qualityMaxAge   = 24 * time.Hour
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        config.AppConfig
	configPath string

	// 基础设施
	logger     *logger.Logger
	monitor    *monitor.Monitor
	alerts     *alert.Manager
	dispatcher *alert.RoutingDispatcher
	orders     store.OrderStore
	records    store.SettlementStore
	closeStore func() error

	// 券商与行情
	router *gateway.Router
	prices *market.PriceBook

	// 核心服务
	holidays  *settlement.StaticHolidays
	ledger    *settlement.Ledger
	inventory *inventory.Tracker
	quality   *posttrade.Analyzer
	gate      *risk.Gate
	manager   *order.Manager
	tracker   *order.Tracker
	api       *api.Server
	watcher   *config.Watcher

	// 生命周期管理
	lifecycle *LifecycleManager
	systemd   systemdNotifier
	cancelBg  context.CancelFunc
}

// New 读取配置（含 .env 和 VNX_* 覆盖）创建容器
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	c := NewWithConfig(cfg)
	c.configPath = configPath
	return c, nil
}

// NewWithConfig 使用已加载的配置创建容器，不监听配置文件
func NewWithConfig(cfg config.AppConfig) *Container {
	return &Container{
		cfg:       cfg,
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build(ctx context.Context) error {
	if err := c.buildInfrastructure(ctx); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}
	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}
	if err := c.registerLifecycleComponents(); err != nil {
		return fmt.Errorf("register components failed: %w", err)
	}
	c.logger.Info("container built successfully")
	return nil
}

func (c *Container) buildInfrastructure(ctx context.Context) error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	c.systemd = systemdNotifier{logger: c.logger}
	c.monitor = monitor.New(monitor.DefaultConfig())

	c.alerts = alert.NewManager([]alert.Channel{alert.NewLogChannel("log", c.logger)}, c.cfg.Alert.ThrottleInterval)
	if n := c.cfg.Alert.Ntfy; n.Topic != "" {
		c.alerts.AddChannel(alert.NewNtfyChannel(n.BaseURL, n.Topic, n.Token))
	}
	if tg := c.cfg.Alert.Telegram; tg.Token != "" {
		ch, err := alert.NewTelegramChannel(tg.Token, tg.ChatID, tg.APIEndpoint)
		if err != nil {
			// 通知通道不可用不阻止启动
			c.logger.LogError(err, map[string]interface{}{"op": "telegram_channel"})
		} else {
			c.alerts.AddChannel(ch)
		}
	}
	c.dispatcher = alert.NewRoutingDispatcher(c.alerts, c.logger)
	c.logger.Info("alert channels ready", zap.Strings("channels", c.alerts.GetChannels()))

	if c.cfg.Store.Driver == "" {
		mem := store.NewMemory(func(event string, fields map[string]interface{}) {
			c.logger.Debug(event, zap.Any("fields", fields))
		})
		c.orders, c.records, c.closeStore = mem, mem, mem.Close
	} else {
		sqlStore, err := store.Open(ctx, c.cfg.Store)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		c.orders, c.records, c.closeStore = sqlStore, sqlStore, sqlStore.Close
	}

	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) buildGateway() error {
	c.router = gateway.NewRouter()
	c.prices = market.NewPriceBook(market.NewPublisher(), c.cfg.Market.MaxStaleness)

	for _, bc := range c.cfg.Brokers {
		if !bc.Enabled {
			continue
		}
		a, err := gateway.BuildAdapter(bc, nil, c.logger)
		if err != nil {
			return err
		}
		c.router.Register(a)
		if paper, ok := a.(*gateway.PaperBroker); ok {
			// paper撮合使用外部推送的行情
			c.prices.Publisher().AddListener(market.ListenerFunc(func(symbol string, price decimal.Decimal, _ time.Time) {
				paper.SetPrice(symbol, price)
			}))
		}
	}
	for _, r := range c.cfg.Routing {
		if err := c.router.AddRoute(r); err != nil {
			return err
		}
	}
	c.logger.Info("gateway built")
	return nil
}

func (c *Container) buildCoreServices() error {
	loc, err := c.cfg.Location()
	if err != nil {
		return err
	}
	c.holidays, err = settlement.NewStaticHolidays(c.cfg.Holidays...)
	if err != nil {
		return err
	}
	ledgerCfg := c.cfg.Margin.Ledger()
	c.ledger = settlement.NewLedger(ledgerCfg, settlement.NewCalendar(loc, c.holidays), c.logger)
	c.ledger.SetDispatcher(c.dispatcher)
	c.ledger.SetStore(c.records)
	c.ledger.SetObserver(c.monitor)
	c.ledger.SetPriceFunc(c.prices.LatestPrice)

	c.inventory = inventory.NewTracker(c.ledger)
	c.quality = posttrade.NewAnalyzer(posttrade.DefaultConfig(), c.prices.LatestPrice)

	notifier := risk.NewNotifier(c.dispatcher, c.logger)
	guards, breaker := risk.BuildGuards(c.cfg.Risk, ledgerCfg.MarginRate, c.inventory, risk.SystemClock, notifier)
	if breaker != nil {
		breaker.SetTripHook(c.monitor.RecordCircuitTrip)
		c.prices.Publisher().AddListener(breaker)
	}
	c.gate = risk.NewGate(guards, notifier, c.logger)
	c.gate.SetRejectHook(c.monitor.RecordRiskReject)

	bounds := order.NewBoundsTable(order.DefaultBounds())
	for _, b := range c.cfg.Bounds {
		bounds.Set(b.Broker, b.AssetClass, b.QuantityBounds)
	}

	c.manager = order.NewManager(c.cfg.Order, c.router, c.ledger, c.logger)
	c.manager.SetRiskGate(c.gate)
	c.manager.SetPriceProvider(c.prices)
	c.manager.SetStore(c.orders)
	c.manager.SetDispatcher(c.dispatcher)
	c.manager.SetPolicy(c.cfg.Retry.Policy(gateway.IsTransient))
	c.manager.SetBounds(bounds)
	c.manager.SetMetrics(c.monitor)
	c.manager.AddFillListener(c.inventory)
	c.manager.AddFillListener(c.monitor)
	c.manager.AddFillListener(c.quality)

	c.ledger.SetSettledHandler(settledHook{next: c.manager, monitor: c.monitor})
	c.ledger.SetForceCloseHandler(c.manager)

	c.tracker = order.NewTracker(c.manager, c.cfg.Tracker, c.logger)
	c.tracker.SetCycleHook(c.monitor.ObserveReconcile)

	if c.cfg.API.Enabled {
		c.api = api.NewServer(api.Deps{
			Manager:   c.manager,
			Tracker:   c.tracker,
			Ledger:    c.ledger,
			Prices:    c.prices,
			Inventory: c.inventory,
			Gate:      c.gate,
			Monitor:   c.monitor,
			Quality:   c.quality,
			Logger:    c.logger,
		})
	}

	c.logger.Info("core services built")
	return nil
}

func (c *Container) registerLifecycleComponents() error {
	c.lifecycle.Register(&funcComponent{name: "recovery", start: c.recover})
	c.lifecycle.Register(&funcComponent{
		name:  "tracker",
		start: c.tracker.Start,
		stop:  c.tracker.Stop,
		health: func() error {
			for name, st := range c.tracker.Stats().Brokers {
				if !st.Ready {
					return fmt.Errorf("broker %s still recovering", name)
				}
			}
			return nil
		},
	})
	c.lifecycle.Register(&tickerComponent{
		name:     "settlement_sweep",
		interval: sweepInterval,
		logger:   c.logger,
		run: func(ctx context.Context) {
			if n := c.ledger.Sweep(ctx, time.Now()); n > 0 {
				c.logger.LogSettlement("swept", map[string]interface{}{"settled": n})
			}
			c.alerts.PruneThrottle()
		},
	})
	c.lifecycle.Register(&tickerComponent{
		name:     "execution_quality",
		interval: qualityInterval,
		logger:   c.logger,
		run: func(context.Context) {
			now := time.Now()
			c.quality.Sample(now)
			c.quality.CleanOldRecords(now, qualityMaxAge)
		},
	})
	if c.api != nil {
		c.lifecycle.Register(c.apiComponent())
	}
	if c.configPath != "" {
		w, err := config.NewWatcher(c.configPath, c.cfg, 2*time.Second, c.logger)
		if err != nil {
			return err
		}
		w.OnReload(c.applyReload)
		c.watcher = w
		c.lifecycle.Register(&funcComponent{name: "config_watcher", start: w.Start, stop: w.Stop})
	}
	return nil
}

// recover 恢复结算记录和订单，导入券商持仓，然后与券商对账
func (c *Container) recover(ctx context.Context) error {
	if err := c.ledger.LoadRecords(ctx); err != nil {
		return err
	}
	// 额度导入和首次对账完成前不触发预警和强平
	c.ledger.BeginReplay()
	defer func() { c.ledger.EndReplay(ctx, time.Now()) }()
	n, err := c.manager.Restore(ctx)
	if err != nil {
		return err
	}
	// 已恢复的成交同步到仓位
	for _, o := range c.manager.ListOrders(order.Filter{}) {
		fills, err := c.orders.LoadFills(ctx, o.ID)
		if err != nil {
			return fmt.Errorf("load fills for %s: %w", o.ID, err)
		}
		for _, f := range fills {
			c.inventory.OnFill(ctx, o, f)
		}
	}

	seed := inventory.Sync{Tracker: c.inventory, Ledger: c.ledger, Logger: c.logger, CapacityOnly: n > 0}
	capacity, seedErr := seed.Seed(ctx, c.router.Adapters())
	if seedErr != nil {
		c.logger.LogError(seedErr, map[string]interface{}{"op": "seed_holdings"})
	}
	if c.cfg.Margin.Capacity > 0 {
		// 配置的容量优先于券商资产
		c.ledger.SetCapacity(ctx, decimal.NewFromFloat(c.cfg.Margin.Capacity))
	} else if !capacity.IsPositive() {
		c.logger.Warn("margin capacity unknown, buy orders will be rejected until capacity is set")
	}

	if err := c.tracker.Recover(ctx); err != nil {
		// 券商暂不可达时保持recovering，由对账循环重试
		c.logger.LogError(err, map[string]interface{}{"op": "recover"})
		go c.retryRecover(ctx)
	}
	c.logger.LogOrder("recovered", "", map[string]interface{}{"orders": n})
	return nil
}

func (c *Container) retryRecover(ctx context.Context) {
	backoff := 5 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if err := c.tracker.Recover(ctx); err == nil {
			return
		} else if errors.Is(err, context.Canceled) {
			return
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}

func (c *Container) apiComponent() Lifecycle {
	errCh := make(chan error, 1)
	return &funcComponent{
		name: "http_api",
		start: func(context.Context) error {
			go func() {
				if err := c.api.Listen(c.cfg.API.Listen); err != nil {
					errCh <- err
					c.logger.LogError(err, map[string]interface{}{"component": "http_api", "action": "listen"})
				}
			}()
			return nil
		},
		stop: c.api.Shutdown,
		health: func() error {
			select {
			case err := <-errCh:
				errCh <- err
				return err
			default:
				return nil
			}
		},
	}
}

// applyReload 热更新：保证金阈值、对账间隔、重试策略、节假日
func (c *Container) applyReload(r config.Reloadable) {
	ctx := context.Background()
	led := r.Margin.Ledger()
	c.ledger.UpdateThresholds(ctx, led.MarginRate, led.WarningPct, led.ForceClosePct)
	if r.Margin.Capacity > 0 {
		c.ledger.SetCapacity(ctx, led.Capacity)
	}
	c.tracker.SetInterval(r.ReconcileEvery)
	c.manager.SetPolicy(r.Retry.Policy(gateway.IsTransient))
	if err := c.holidays.Replace(r.Holidays); err != nil {
		c.logger.LogError(err, map[string]interface{}{"op": "reload_holidays"})
	}
	c.logger.LogRisk("config_reloaded", map[string]interface{}{
		"warning_pct":     r.Margin.WarningPct,
		"force_close_pct": r.Margin.ForceClosePct,
		"reconcile_every": r.ReconcileEvery.String(),
		"max_attempts":    r.Retry.MaxAttempts,
	})
}

// Start 启动所有组件并通知systemd
func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	bg, cancel := context.WithCancel(ctx)
	c.cancelBg = cancel
	go c.systemd.watchdog(bg, c.HealthCheck)
	c.systemd.Ready()
	c.logger.Info("container started")
	return nil
}

// Stop 逆序停止组件；在途订单保留在券商侧，下次启动时对账恢复
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")
	c.systemd.Stopping()
	if c.cancelBg != nil {
		c.cancelBg()
	}

	err := c.lifecycle.StopAll()
	if c.closeStore != nil {
		err = multierr.Append(err, c.closeStore())
	}
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	_ = c.logger.Close()
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Manager 订单管理器
func (c *Container) Manager() *order.Manager { return c.manager }

// Ledger 结算账本
func (c *Container) Ledger() *settlement.Ledger { return c.ledger }

// Prices 行情价缓存
func (c *Container) Prices() *market.PriceBook { return c.prices }

// API HTTP接口，未启用时为nil
func (c *Container) API() *api.Server { return c.api }

// settledHook 结算完成时推进订单状态并计数
type settledHook struct {
	next    settlement.SettledHandler
	monitor *monitor.Monitor
}

func (h settledHook) OnSettled(ctx context.Context, orderID string) error {
	if err := h.next.OnSettled(ctx, orderID); err != nil {
		return err
	}
	h.monitor.RecordSettled()
	return nil
}
