package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"wis2sub/internal/broker"
	"wis2sub/internal/config"
	"wis2sub/internal/filter"
	"wis2sub/internal/intake"
	"wis2sub/internal/logger"
	"wis2sub/internal/sink"
	"wis2sub/internal/wnm"
	apperrors "wis2sub/pkg/errors"
	"wis2sub/pkg/health"
	"wis2sub/pkg/metrics"
	"wis2sub/pkg/middleware"
	"wis2sub/pkg/retry"
)

const shutdownTimeout = 15 * time.Second

type App struct {
	config *config.Config
	logger logger.Logger

	subscriber broker.Subscriber
	sink       sink.Sink
	pipeline   *intake.Pipeline
	counters   *intake.CounterReporter
	server     *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		config: cfg,
		logger: log,
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initPipeline(ctx); err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	metrics.RegisterPipelineMetrics()
	if a.config.Sink.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	if err := a.initHTTPServer(); err != nil {
		return fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	return nil
}

func (a *App) initPipeline(ctx context.Context) error {
	criteria, err := buildCriteria(a.config.Filter)
	if err != nil {
		return err
	}

	validator, err := buildValidator(a.config.Validation)
	if err != nil {
		return err
	}

	sub, err := broker.NewSubscriber(a.config.Broker, a.logger)
	if err != nil {
		return err
	}
	a.subscriber = sub

	s, err := sink.New(a.config.Sink, a.logger)
	if err != nil {
		return err
	}
	a.sink = s

	a.counters = intake.NewCounterReporter()
	reporter := intake.MultiReporter{
		intake.NewMetricsReporter(),
		a.counters,
	}

	a.pipeline = intake.New(sub, validator, criteria, s, reporter, a.logger, pipelineOptions(a.config))
	return nil
}

func pipelineOptions(cfg *config.Config) intake.Options {
	opts := intake.DefaultOptions()
	opts.Concurrency = cfg.Intake.Concurrency
	opts.RateLimitPerSecond = cfg.Intake.RateLimitPerSecond
	opts.DrainTimeout = cfg.Intake.DrainTimeout
	opts.DispatchTimeout = cfg.Sink.DispatchTimeout
	opts.RetryDispatch = cfg.Sink.OnFailure == "retry"
	opts.SkipValidation = cfg.Validation.Disabled
	opts.Reconnect = intake.ReconnectPolicy{
		InitialInterval: cfg.Intake.Reconnect.InitialInterval,
		MaxInterval:     cfg.Intake.Reconnect.MaxInterval,
		Multiplier:      cfg.Intake.Reconnect.Multiplier,
		MaxAttempts:     cfg.Intake.Reconnect.MaxAttempts,
	}
	if cfg.Sink.Retry.MaxAttempts > 0 {
		opts.DispatchRetry = retry.Policy{
			MaxAttempts:     cfg.Sink.Retry.MaxAttempts,
			InitialInterval: cfg.Sink.Retry.InitialInterval,
			MaxInterval:     cfg.Sink.Retry.MaxInterval,
			Multiplier:      cfg.Sink.Retry.Multiplier,
			MaxElapsedTime:  cfg.Sink.Retry.MaxElapsedTime,
		}
	}
	return opts
}

func buildValidator(cfg config.ValidationConfig) (*wnm.Validator, error) {
	opts := []wnm.ValidatorOption{}
	if cfg.Mode == "collect_all" {
		opts = append(opts, wnm.WithMode(wnm.CollectAll))
	}
	if cfg.MaxFutureSkew > 0 {
		opts = append(opts, wnm.WithMaxFutureSkew(cfg.MaxFutureSkew))
	}
	return wnm.NewValidator(opts...), nil
}

func buildCriteria(cfg config.FilterConfig) (*filter.Criteria, error) {
	mode, err := filter.ParseCombinationMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	var box *wnm.BoundingBox
	if len(cfg.BBox) == 4 {
		box = &wnm.BoundingBox{
			West:  cfg.BBox[0],
			South: cfg.BBox[1],
			East:  cfg.BBox[2],
			North: cfg.BBox[3],
		}
	}

	window, err := buildWindow(cfg.Window)
	if err != nil {
		return nil, err
	}

	return filter.NewCriteria(cfg.Topics, box, window, mode)
}

func buildWindow(cfg config.WindowConfig) (filter.TimeWindow, error) {
	var w filter.TimeWindow
	if cfg.Start != "" {
		t, err := time.Parse(time.RFC3339, cfg.Start)
		if err != nil {
			return w, apperrors.ErrConfiguration.WithCause(err).
				WithDetail("field", "filter.window.start")
		}
		w.Start = &t
	}
	if cfg.End != "" {
		t, err := time.Parse(time.RFC3339, cfg.End)
		if err != nil {
			return w, apperrors.ErrConfiguration.WithCause(err).
				WithDetail("field", "filter.window.end")
		}
		w.End = &t
	}
	return w, nil
}

func (a *App) initHTTPServer() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.RecoveryMiddleware(a.logger))
	router.Use(middleware.LoggerMiddleware(a.logger))
	router.Use(middleware.RequestIDMiddleware())

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewSessionChecker(a.pipeline))

	router.GET("/health", func(c *gin.Context) {
		h := healthRegistry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"session_state": a.pipeline.State().String(),
			"outcomes":      a.counters.Snapshot(),
		})
	})

	a.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.config.Server.Port),
		Handler: router,
	}

	return nil
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.InfowCtx(ctx, "HTTP server starting", "port", a.config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.pipeline.Run(gCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()
		return a.stopHTTPServer()
	})

	err := g.Wait()

	// The pipeline has finished draining; in-flight dispatches are done, so
	// the sink can be closed without failing them.
	if a.sink != nil {
		if closeErr := a.sink.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("sink close error: %w", closeErr)
		}
	}
	return err
}

func (a *App) stopHTTPServer() error {
	a.logger.Infow("Shutting down subscriber")

	if a.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	return nil
}
