package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"DataPilot/internal/auth"
	"DataPilot/internal/observability/metrics"
	"DataPilot/internal/task"
	"DataPilot/pkg/logger"
)

const (
	defaultMaxFileSize    = 50 << 20
	defaultMaxRequestSize = 200 << 20
	multipartMemory       = 32 << 20
	shutdownTimeout       = 5 * time.Second
)

// Server 负责暴露 REST 接口，供外部提交与查询数据分析任务。
type Server struct {
	addr           string
	tasks          *task.Service
	auth           *auth.Service
	allowedOrigins []string
	maxFileSize    int64
	maxRequestSize int64
	readTimeout    time.Duration
	writeTimeout   time.Duration
	exposeMetrics  bool
	log            *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithAuth 启用 API Key 校验。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithAllowedOrigins 设置 CORS 允许的来源，默认允许全部。
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.allowedOrigins = origins
		}
	}
}

// WithMaxFileSize 设置单个上传文件的大小上限。
func WithMaxFileSize(size int64) Option {
	return func(s *Server) {
		if size > 0 {
			s.maxFileSize = size
		}
	}
}

// WithMaxRequestSize 设置提交接口整个请求体的大小上限，超出时返回 413。
func WithMaxRequestSize(size int64) Option {
	return func(s *Server) {
		if size > 0 {
			s.maxRequestSize = size
		}
	}
}

// WithTimeouts 设置 HTTP 读写超时，同步任务耗时较长，写超时为 0 表示不限制。
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
	}
}

// WithMetricsEndpoint 控制是否在 API 端口上暴露 /metrics。
func WithMetricsEndpoint(enabled bool) Option {
	return func(s *Server) {
		s.exposeMetrics = enabled
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks *task.Service, opts ...Option) *Server {
	s := &Server{
		addr:           addr,
		tasks:          tasks,
		allowedOrigins: []string{"*"},
		maxFileSize:    defaultMaxFileSize,
		maxRequestSize: defaultMaxRequestSize,
		log:            logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载了全部路由与中间件的处理器。
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware, metricsMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.exposeMetrics {
		router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api").Subrouter()
	if s.auth != nil {
		api.Use(s.auth.Middleware(auth.MiddlewareConfig{}))
	}
	api.HandleFunc("/task/run/sync", s.handleRunSync).Methods(http.MethodPost)
	api.HandleFunc("/task/run/async", s.handleRunAsync).Methods(http.MethodPost)
	api.HandleFunc("/task/{id}", s.handleGetTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/stats", s.handleTaskStats).Methods(http.MethodGet)

	return cors.New(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions, http.MethodHead},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(router)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("API 服务关闭超时", slog.Any("error", err))
		}
		s.log.Info("API 服务已停止")
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeDetail(w, http.StatusServiceUnavailable, "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
