package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/edirooss/restreamd/internal/config"
	"github.com/edirooss/restreamd/internal/domain/stream"
	"github.com/edirooss/restreamd/internal/encoder"
	"github.com/edirooss/restreamd/internal/http/handler"
	mw "github.com/edirooss/restreamd/internal/http/middleware"
	"github.com/edirooss/restreamd/internal/logring"
	"github.com/edirooss/restreamd/internal/metrics"
	"github.com/edirooss/restreamd/internal/pipeline"
	"github.com/edirooss/restreamd/internal/redis"
	"github.com/edirooss/restreamd/internal/service"
	"github.com/edirooss/restreamd/internal/supervisor"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := parseFlags()

	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Create Zap logger
	log := buildLogger(cfg.Debug)
	defer log.Sync()
	log = log.Named("main")

	if err := run(cfg, log); err != nil {
		log.Fatal("restreamd failed", zap.Error(err))
	}
	log.Info("bye")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	videoFolder, err := filepath.Abs(cfg.VideoFolder)
	if err != nil {
		return fmt.Errorf("video folder: %w", err)
	}
	if _, err := os.Stat(videoFolder); err != nil {
		log.Warn("video folder not readable; playlists will fail", zap.String("path", videoFolder), zap.Error(err))
	}
	preference, err := stream.ParseBackends(cfg.EncoderPreference)
	if err != nil {
		return fmt.Errorf("encoder preference: %w", err)
	}

	// Encoder capability probe, once at startup
	mtr := metrics.New()
	prober := encoder.NewProber(log, encoder.Options{
		FFmpegPath:    cfg.FFmpegPath,
		NvidiaSMIPath: cfg.NvidiaSMIPath,
		RenderNode:    cfg.RenderNode,
		Preference:    preference,
		Timeout:       cfg.ProbeTimeout,
	})
	probed := prober.Current(ctx)
	mtr.SetBackends(probed)
	log.Info("encoder backends probed", zap.Any("available", probed.Available), zap.Any("errors", probed.Errors))

	// Supervisor and its event sinks
	logs := logring.NewRegistry(cfg.MaxLogLines)
	sinks := []supervisor.EventSink{mtr}

	var (
		bg     sync.WaitGroup
		events handler.EventStore
		rdb    *redis.Client
	)
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer func() {
		bgCancel()
		bg.Wait() // the mirror flushes before the client closes
		if rdb != nil {
			rdb.Close()
		}
	}()

	var sup *supervisor.Supervisor
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(cfg.RedisAddr, cfg.RedisDB, log)
		repo := redis.NewStatusRepository(log, rdb)
		if n, err := repo.ReconcileStale(ctx, time.Now()); err != nil {
			log.Warn("stale status reconcile failed", zap.Error(err))
		} else if n > 0 {
			log.Info("reconciled stale stream statuses", zap.Int("count", n))
		}
		mirror := redis.NewMirror(log, repo, func(id string) (supervisor.Status, error) {
			return sup.Status(id, 0)
		}, 0)
		sinks = append(sinks, mirror)
		events = repo
		bg.Add(1)
		go func() {
			defer bg.Done()
			mirror.Run(bgCtx)
		}()
	}

	sup = supervisor.New(log, supervisor.Options{
		Policy: supervisor.Policy{
			MaxRestarts:         cfg.MaxRestarts,
			BaseDelay:           cfg.BackoffBase,
			MaxDelay:            cfg.BackoffMax,
			Multiplier:          cfg.BackoffMultiplier,
			StabilizationPeriod: cfg.StabilizationPeriod,
			Window:              cfg.RestartWindow,
		},
		Pipeline:          pipelineOptions(cfg, videoFolder),
		StartGrace:        cfg.StartGrace,
		StopTimeout:       cfg.StopTimeout,
		HeartbeatInterval: 5 * time.Second,
	}, supervisor.NewExecLauncher(log), prober, logs, sinks...)

	bg.Add(1)
	go func() {
		defer bg.Done()
		sup.Run(bgCtx)
	}()

	// Create Gin router
	if !cfg.Dev {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer() // Configure Gin's logger to use Zap
	r := gin.New()

	// Apply Gin middlewares
	{
		r.Use(gin.Recovery()) // Recovery first (outermost)
		r.Use(mw.RequestID()) // Attach request ID for tracing; early in the chain so it's available everywhere

		if cfg.Dev { // Enable CORS for local dashboard dev
			r.Use(cors.New(cors.Config{
				AllowOrigins:  []string{"http://localhost:5173", "http://localhost:4173", "http://localhost:3000", "http://127.0.0.1:3000"},
				AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowHeaders:  []string{"X-Request-ID", "Content-Type"},
				ExposeHeaders: []string{"X-Request-ID", "X-Total-Count", "X-Cache", "X-Summary-Generated-At"},
				MaxAge:        12 * time.Hour,
			}))
		} else { // Behind a TLS-terminating proxy
			r.SetTrustedProxies([]string{"127.0.0.1"})
			r.Use(secure.New(secure.Config{
				SSLProxyHeaders: map[string]string{
					"X-Forwarded-Proto": "https",
				},
				FrameDeny:          true,
				ContentTypeNosniff: true,
			}))
		}

		r.Use(accessLog(log.Named("http")))

		r.Use(func(c *gin.Context) {
			// Enforce a hard 1MB max request body.
			// Protects against oversized or drip-fed request body ("slow body" / RUDY DoS)
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
			c.Next()
		})
	}

	// Register route handlers
	{
		r.GET("/api/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
		r.GET("/api/health", handler.Health(sup))
		r.GET("/metrics", gin.WrapH(mtr.Handler(func() { mtr.SetStreamStates(sup.Counts()) })))

		api := r.Group("/api", mw.LimitConcurrentRequests(cfg.MaxConcurrentRequests))
		{
			summarySvc := service.NewSummaryService(log, sup, service.SummaryOptions{TTL: 500 * time.Millisecond})
			streams := handler.NewStreamsHandler(log, sup, summarySvc, events, cfg.MaxLogLines)

			// --- Stream collection ---
			api.GET("/streams", streams.List)

			// --- Stream resource ---
			requireValidID := mw.RequireValidStreamID()
			api.GET("/streams/:id", requireValidID, streams.Get)
			api.GET("/streams/:id/logs", requireValidID, streams.GetLogs)
			api.GET("/streams/:id/events", requireValidID, streams.GetEvents)
			api.POST("/streams/:id/start", requireValidID, streams.Start)
			api.POST("/streams/:id/stop", requireValidID, streams.Stop)
			api.POST("/streams/:id/reconfigure", requireValidID, streams.Reconfigure)
			api.DELETE("/streams/:id", requireValidID, streams.Delete)
		}
		{
			backends := handler.NewBackendsHandler(log, prober, mtr.SetBackends)
			api.GET("/backends", backends.Get)
			api.POST("/backends/probe", backends.Probe)

			api.GET("/videos", handler.NewVideosHandler(log, videoFolder).List)
		}
	}

	httpsrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 2 * time.Second,  // kills header-drip Slowloris
		ReadTimeout:       10 * time.Second, // full request read (incl. body)
		WriteTimeout:      cfg.StopTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second, // keep-alive cap
		MaxHeaderBytes:    1 << 20,          // 1MB cap
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("running HTTP server", zap.String("addr", httpsrv.Addr))
		if err := httpsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-srvErr:
		if err != nil {
			shutdown(log, sup, nil)
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdown(log, sup, httpsrv)
	return nil
}

// shutdown stops every stream first so no engine outlives the daemon, then
// drains the HTTP server.
func shutdown(log *zap.Logger, sup *supervisor.Supervisor, httpsrv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := sup.Shutdown(ctx); err != nil {
		log.Error("supervisor shutdown incomplete", zap.Error(err))
	}
	if httpsrv != nil {
		if err := httpsrv.Shutdown(ctx); err != nil {
			log.Error("http server shutdown failed", zap.Error(err))
		}
	}
	log.Info("server closed")
}

func pipelineOptions(cfg *config.Config, videoFolder string) pipeline.Options {
	o := pipeline.DefaultOptions()
	o.FFmpegPath = cfg.FFmpegPath
	o.VideoFolder = videoFolder
	o.WorkDir = cfg.WorkDir
	o.RenderNode = cfg.RenderNode
	return o
}

// parseFlags handles -config and prints build metadata and exits when
// -v/--version is provided.
func parseFlags() string {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML config file")
	v := flag.Bool("v", false, "print version and exit")
	flag.BoolVar(v, "version", false, "print version and exit")
	flag.Parse()

	if *v {
		fmt.Printf("restreamd %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		os.Exit(0)
	}
	return *configPath
}

// accessLog is a Gin middleware that records HTTP request/response details with Zap after handling.
func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		// collect all errors from Gin context
		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		// errors.Join returns nil if errs is empty
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("request_id", mw.GetRequestID(c)),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", latency),
		}
		if id := c.Param("id"); id != "" {
			fields = append(fields, zap.String("stream_id", id))
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Debug("request", fields...)
		}
	}
}

// helpers

func buildLogger(debug bool) *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	if debug {
		logConfig.Level.SetLevel(zap.DebugLevel)
	} else {
		logConfig.Level.SetLevel(zap.InfoLevel)
	}
	return zap.Must(logConfig.Build())
}
