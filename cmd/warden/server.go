package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/chatwarden/warden/automod"
	"github.com/chatwarden/warden/automod/cachestore"
	"github.com/chatwarden/warden/automod/countstore"
	"github.com/chatwarden/warden/automod/engine"
	"github.com/chatwarden/warden/automod/flagstore"
	"github.com/chatwarden/warden/automod/llm"
	"github.com/chatwarden/warden/automod/platform"
	"github.com/chatwarden/warden/automod/rules"
	"github.com/chatwarden/warden/automod/setstore"
	"github.com/chatwarden/warden/automod/visual"
	"github.com/chatwarden/warden/util"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
)

type Server struct {
	logger *slog.Logger
	engine *automod.Engine
	store  engine.Store
	echo   *echo.Echo
	httpd  *http.Server

	adminToken string
}

type Config struct {
	Engine          engine.Config
	Bind            string
	SetsFileJSON    string
	RedisURL        string
	LLMHost         string
	LLMAPIKey       string
	LLMModel        string
	LLMVisionModel  string
	HiveAPIToken    string
	SlackWebhookURL string
	PlatformURL     string
	PlatformToken   string
	AdminToken      string
	ReadOnly        bool
	Logger          *slog.Logger
}

func NewServer(store engine.Store, config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	eng, err := engine.NewEngine(config.Engine, store, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing engine: %w", err)
	}
	eng.Stages = rules.DefaultStages()

	sets := setstore.NewMemSetStore()
	if config.SetsFileJSON != "" {
		if err := sets.LoadFromFileJSON(config.SetsFileJSON); err != nil {
			return nil, fmt.Errorf("initializing in-process setstore: %v", err)
		} else {
			logger.Info("loaded set config from JSON", "path", config.SetsFileJSON)
		}
	}
	eng.Sets = sets

	if config.RedisURL != "" {
		cnt, err := countstore.NewRedisCountStore(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis countstore: %v", err)
		}
		eng.Counters = cnt

		csh, err := cachestore.NewRedisCacheStore(config.RedisURL, config.Engine.ResultCacheTTL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis cachestore: %v", err)
		}
		eng.Cache = csh

		flg, err := flagstore.NewRedisFlagStore(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis flagstore: %v", err)
		}
		eng.Flags = flg
	}

	if config.LLMHost != "" {
		lc := llm.NewClient(config.LLMHost, config.LLMAPIKey, config.LLMModel, config.LLMVisionModel, logger)
		eng.TextClassifier = lc
		if config.LLMVisionModel != "" {
			logger.Info("configuring LLM avatar analysis", "model", config.LLMVisionModel)
			eng.ImageClassifier = lc
		}
	} else {
		logger.Warn("no LLM host configured, semantic classification disabled")
	}

	if config.HiveAPIToken != "" {
		logger.Info("configuring Hive AI-generated image detection")
		eng.ImageClassifier = visual.NewHiveAIClient(config.HiveAPIToken, logger)
	}

	if config.SlackWebhookURL != "" {
		eng.Notifier = &engine.SlackNotifier{
			SlackWebhookURL: config.SlackWebhookURL,
			Client:          util.PlainHTTPClient(10 * time.Second),
		}
	}

	switch {
	case config.ReadOnly:
		logger.Info("read-only mode, platform actions will only be logged")
		eng.Executor = &platform.LogExecutor{Logger: logger}
	case config.PlatformURL != "":
		eng.Executor = platform.NewWebhookExecutor(config.PlatformURL, config.PlatformToken, logger)
	default:
		logger.Warn("no platform webhook configured, platform actions will only be logged")
		eng.Executor = &platform.LogExecutor{Logger: logger}
	}

	srv := &Server{
		logger:     logger,
		engine:     eng,
		store:      store,
		adminToken: config.AdminToken,
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("8M"))
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/_health", srv.HandleHealthCheck)
	e.POST("/v1/events/join", srv.HandleJoin)
	e.POST("/v1/events/message", srv.HandleMessage)
	e.POST("/v1/events/captcha", srv.HandleCaptcha)

	admin := e.Group("/v1/admin", srv.requireAdmin)
	admin.POST("/reset", srv.HandleReset)
	admin.GET("/audit", srv.HandleListAudit)
	admin.GET("/stats", srv.HandleStats)

	srv.echo = e
	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           config.Bind,
		WriteTimeout:   1 * time.Minute,
		ReadTimeout:    1 * time.Minute,
		MaxHeaderBytes: 1 * (1024 * 1024),
	}
	return srv, nil
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

// Serves the HTTP API until ctx is done, then shuts down gracefully.
func (srv *Server) RunAPI(ctx context.Context) error {
	srv.logger.Info("starting server", "bind", srv.httpd.Addr)
	errc := make(chan error, 1)
	go func() {
		if err := srv.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("HTTP server shutting down unexpectedly: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	srv.logger.Info("shutting down HTTP server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.httpd.Shutdown(sctx)
}

func RunMetrics(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	msrv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = msrv.Shutdown(sctx)
	}()
	if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics endpoint: %w", err)
	}
	return nil
}
