package api

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"vn-execution-go/infrastructure/logger"
	"vn-execution-go/infrastructure/monitor"
	"vn-execution-go/inventory"
	"vn-execution-go/market"
	"vn-execution-go/order"
	"vn-execution-go/posttrade"
	"vn-execution-go/risk"
	"vn-execution-go/settlement"
)

// Deps HTTP接口依赖；Prices/Inventory/Gate/Monitor/Quality可为空
type Deps struct {
	Manager   *order.Manager
	Tracker   *order.Tracker
	Ledger    *settlement.Ledger
	Prices    *market.PriceBook
	Inventory *inventory.Tracker
	Gate      *risk.Gate
	Monitor   *monitor.Monitor
	Quality   *posttrade.Analyzer
	Logger    *logger.Logger
	Now       func() time.Time
}

// Server 面向看板和外部策略的HTTP接口
type Server struct {
	app  *fiber.App
	deps Deps
	log  *logger.Logger
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = logger.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &Server{deps: d, log: d.Logger.Named("api")}
	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
	})
	s.useMiddleware()
	s.registerRoutes()
	return s
}

// App 底层fiber应用（测试用）
func (s *Server) App() *fiber.App { return s.app }

// Listen 阻塞直到Shutdown
func (s *Server) Listen(addr string) error {
	s.log.Info("http api listening")
	return s.app.Listen(addr)
}

// Shutdown 停止接收新请求并等待处理中的请求结束
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.health)

	orders := s.app.Group("/orders")
	orders.Post("/", s.createOrder)
	orders.Get("/", s.listOrders)
	orders.Get("/active", s.activeOrders)
	orders.Get("/fills", s.recentFills)
	orders.Get("/:id", s.trackOrder)
	orders.Delete("/:id", s.cancelOrder)

	st := s.app.Group("/settlement")
	st.Get("/date", s.settlementDate)
	st.Get("/ready", s.settlementReady)
	st.Get("/holdings", s.holdings)

	s.app.Get("/margin", s.margin)
	s.app.Get("/margin/projection", s.marginProjection)
	s.app.Get("/positions", s.positions)
	s.app.Get("/risk", s.riskStats)
	s.app.Get("/execution/quality", s.executionQuality)
	s.app.Post("/prices", s.postPrice)
}
