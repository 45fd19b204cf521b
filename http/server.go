// Package http 提供HTTP服务器功能
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"houseprice/config"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	config ServerConfig
	logger *zap.Logger
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port            int
	Timeout         time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	MaxBodyBytes    int64
}

// DefaultServerConfig 默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfigFrom(config.Default().HTTP)
}

// ServerConfigFrom 从应用配置构造
func ServerConfigFrom(cfg config.HTTPConfig) ServerConfig {
	return ServerConfig{
		Port:            cfg.Port,
		Timeout:         cfg.Timeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxBodyBytes:    cfg.MaxBodyBytes,
	}
}

// NewServer 创建HTTP服务器；observer 为空时不记录请求指标
func NewServer(cfg ServerConfig, api *API, observer HTTPObserver, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           NewHandler(cfg, api, observer, logger),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.Timeout,
			IdleTimeout:       120 * time.Second,
		},
		config: cfg,
		logger: logger,
	}
}

// NewHandler 注册路由并包装中间件链
func NewHandler(cfg ServerConfig, api *API, observer HTTPObserver, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	api.Register(mux)

	middlewares := []Middleware{
		RecoveryMiddleware(logger),              // 1. 恢复中间件（最先执行，捕获panic）
		LoggerMiddleware(logger),                // 2. 日志中间件
		SecurityHeadersMiddleware,               // 3. 安全头中间件
		CORSMiddleware(cfg.AllowedOrigins),      // 4. CORS中间件
		RequestSizeMiddleware(cfg.MaxBodyBytes), // 5. 请求大小限制
	}
	if observer != nil {
		middlewares = append(middlewares, MetricsMiddleware(observer)) // 6. 指标（紧贴路由）
	}
	return Chain(middlewares...)(mux)
}

// Start 启动服务器，阻塞直到 Stop
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		zap.String("addr", s.server.Addr),
		zap.String("training_events", "ws://localhost"+s.server.Addr+"/api/ws/training"))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Serve 在给定监听器上服务，测试用
func (s *Server) Serve(l net.Listener) error {
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop 优雅停止服务器
func (s *Server) Stop() error {
	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Addr 返回服务器地址
func (s *Server) Addr() string {
	return s.server.Addr
}
