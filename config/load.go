package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // 容器镜像可能没有系统时区库

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"vn-execution-go/gateway"
	"vn-execution-go/infrastructure/logger"
	"vn-execution-go/internal/store"
	"vn-execution-go/order"
	"vn-execution-go/retry"
	"vn-execution-go/risk"
	"vn-execution-go/settlement"
)

const (
	ModePaper = "paper"
	ModeLive  = "live"

	envPrefix = "VNX_"
)

// AppConfig 运行时主配置
type AppConfig struct {
	Env      string                 `yaml:"env"`
	Mode     string                 `yaml:"mode"`     // paper 或 live
	Timezone string                 `yaml:"timezone"` // 交易所时区
	Log      logger.Config          `yaml:"log"`
	Brokers  []gateway.BrokerConfig `yaml:"brokers"`
	Routing  []gateway.Route        `yaml:"routing"`
	Bounds   []BoundsConfig         `yaml:"bounds"`
	Order    order.Config           `yaml:"order"`
	Tracker  order.TrackerConfig    `yaml:"tracker"`
	Retry    RetryConfig            `yaml:"retry"`
	Margin   MarginConfig           `yaml:"margin"`
	Holidays []string               `yaml:"holidays"`
	Risk     risk.Config            `yaml:"risk"`
	Market   MarketConfig           `yaml:"market"`
	Store    store.Config           `yaml:"store"`
	Alert    AlertConfig            `yaml:"alert"`
	API      APIConfig              `yaml:"api"`
}

// BoundsConfig 某券商某品种的数量限制
type BoundsConfig struct {
	Broker     string             `yaml:"broker"`
	AssetClass gateway.AssetClass `yaml:"asset_class"`

	order.QuantityBounds `yaml:",inline"`
}

// RetryConfig 提交重试参数
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// Policy 转换为重试策略
func (r RetryConfig) Policy(retryable retry.Classifier) retry.Policy {
	p := retry.DefaultPolicy(retryable)
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	if r.BaseDelay > 0 {
		p.BaseDelay = r.BaseDelay
	}
	if r.MaxDelay > 0 {
		p.MaxDelay = r.MaxDelay
	}
	if r.AttemptTimeout > 0 {
		p.AttemptTimeout = r.AttemptTimeout
	}
	return p
}

// MarginConfig 保证金参数，比例均为0~1
type MarginConfig struct {
	Rate           float64 `yaml:"rate"`
	WarningPct     float64 `yaml:"warning_pct"`
	ForceClosePct  float64 `yaml:"force_close_pct"`
	Capacity       float64 `yaml:"capacity"` // 0表示启动时取券商总资产
	ProjectionDays int     `yaml:"projection_days"`
}

// Ledger 转换为账本配置
func (m MarginConfig) Ledger() settlement.Config {
	cfg := settlement.DefaultConfig()
	cfg.MarginRate = decimal.NewFromFloat(m.Rate)
	cfg.WarningPct = decimal.NewFromFloat(m.WarningPct)
	cfg.ForceClosePct = decimal.NewFromFloat(m.ForceClosePct)
	cfg.Capacity = decimal.NewFromFloat(m.Capacity)
	if m.ProjectionDays > 0 {
		cfg.ProjectionDays = m.ProjectionDays
	}
	return cfg
}

// MarketConfig 行情价缓存
type MarketConfig struct {
	MaxStaleness time.Duration `yaml:"max_staleness"`
}

// AlertConfig 告警通道
type AlertConfig struct {
	ThrottleInterval time.Duration `yaml:"throttle_interval"`
	Ntfy             struct {
		BaseURL string `yaml:"base_url"`
		Topic   string `yaml:"topic"`
		Token   string `yaml:"token"`
	} `yaml:"ntfy"`
	Telegram struct {
		Token       string `yaml:"token"`
		ChatID      int64  `yaml:"chat_id"`
		APIEndpoint string `yaml:"api_endpoint"`
	} `yaml:"telegram"`
}

// APIConfig HTTP接口
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Default 返回paper模式的默认配置
func Default() AppConfig {
	rp := retry.DefaultPolicy(nil)
	led := settlement.DefaultConfig()
	rate, _ := led.MarginRate.Float64()
	warn, _ := led.WarningPct.Float64()
	force, _ := led.ForceClosePct.Float64()
	return AppConfig{
		Env:      "dev",
		Mode:     ModePaper,
		Timezone: "Asia/Ho_Chi_Minh",
		Log:      logger.DefaultConfig(),
		Brokers:  []gateway.BrokerConfig{{Name: gateway.BrokerPaper, Enabled: true}},
		Routing: []gateway.Route{
			{AssetClass: gateway.AssetEquity, Broker: gateway.BrokerPaper},
		},
		Order: order.Config{
			DefaultBroker:     gateway.BrokerPaper,
			DefaultAssetClass: gateway.AssetEquity,
			ClientIDPrefix:    "vnx",
		},
		Tracker: order.DefaultTrackerConfig(),
		Retry: RetryConfig{
			MaxAttempts:    rp.MaxAttempts,
			BaseDelay:      rp.BaseDelay,
			MaxDelay:       rp.MaxDelay,
			AttemptTimeout: rp.AttemptTimeout,
		},
		Margin: MarginConfig{
			Rate:           rate,
			WarningPct:     warn,
			ForceClosePct:  force,
			ProjectionDays: led.ProjectionDays,
		},
		Risk:   risk.DefaultConfig(),
		Market: MarketConfig{MaxStaleness: 30 * time.Second},
		Store:  store.Config{Driver: store.DriverSQLite, DSN: "file:vnexec.db"},
		Alert:  AlertConfig{ThrottleInterval: time.Minute},
		API:    APIConfig{Enabled: true, Listen: ":8080"},
	}
}

// Location 解析交易所时区
func (c AppConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Load 读取YAML并在默认值之上覆盖，然后校验
func Load(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parse(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	// 编辑器保存过程中可能读到空文件
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, ErrInvalid("config file is empty")
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// LoadWithEnvOverrides 先加载 .env（不存在则跳过），再用 VNX_* 环境变量覆盖敏感字段。
// 券商字段按 VNX_<BROKER>_<FIELD> 命名，例如 VNX_SSI_CLIENT_SECRET。
func LoadWithEnvOverrides(path string, envFiles ...string) (AppConfig, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, fmt.Errorf("load env: %w", err)
	}
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	ApplyEnv(&cfg)
	return cfg, Validate(cfg)
}

// ApplyEnv 用环境变量覆盖配置
func ApplyEnv(cfg *AppConfig) {
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	set(&cfg.Mode, "MODE")
	set(&cfg.Store.Driver, "STORE_DRIVER")
	set(&cfg.Store.DSN, "STORE_DSN")
	set(&cfg.Alert.Ntfy.Token, "NTFY_TOKEN")
	set(&cfg.Alert.Telegram.Token, "TELEGRAM_TOKEN")
	set(&cfg.API.Listen, "API_LISTEN")
	for i := range cfg.Brokers {
		b := &cfg.Brokers[i]
		p := strings.ToUpper(b.Name) + "_"
		set(&b.AccountID, p+"ACCOUNT_ID")
		set(&b.ClientID, p+"CLIENT_ID")
		set(&b.ClientSecret, p+"CLIENT_SECRET")
		set(&b.Username, p+"USERNAME")
		set(&b.Password, p+"PASSWORD")
		set(&b.CustomerID, p+"CUSTOMER_ID")
		set(&b.PIN, p+"PIN")
	}
}
