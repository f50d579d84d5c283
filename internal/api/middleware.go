package api

import (
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func (s *Server) useMiddleware() {
	s.app.Use(s.requestLog)
	if s.deps.Monitor == nil {
		return
	}
	// 请求指标注册到私有registry，与业务指标一起从 /metrics 暴露
	prom := fiberprometheus.NewWithRegistry(s.deps.Monitor.Registry(), "vnexec", "http", "", nil)
	s.app.Use(prom.Middleware)
	s.app.Get("/metrics", adaptor.HTTPHandler(s.deps.Monitor.Handler()))
}

func (s *Server) requestLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		}
	}
	if c.Path() == "/metrics" || c.Path() == "/health" {
		return err
	}
	s.log.Debug("http request",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", status),
		zap.Duration("latency", time.Since(start)),
	)
	return err
}
