//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edirooss/procd/internal/config"
	"github.com/edirooss/procd/internal/http/handler"
	mw "github.com/edirooss/procd/internal/http/middleware"
	"github.com/edirooss/procd/internal/infrastructure/cgroups"
	"github.com/edirooss/procd/internal/infrastructure/processmgr"
	"github.com/edirooss/procd/internal/principal"
	procdredis "github.com/edirooss/procd/internal/redis"
	"github.com/edirooss/procd/internal/service"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var configPath string

func init() {
	// Handle version display
	handleVersion()
}

func main() {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	isDev := cfg.Dev || os.Getenv("ENV") == "dev"

	// Create Zap logger
	log := buildLogger(cfg.LogLevel, isDev)
	defer log.Sync()
	log = log.Named("main")
	log.Info("starting procd", zap.String("version", config.Version), zap.String("commit", config.GitCommit))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Resource limiter
	limiter, err := cgroups.New(log, cfg.Cgroups)
	if err != nil {
		log.Fatal("resource limiter creation failed", zap.Error(err))
	}
	var rl processmgr.ResourceLimiter
	if limiter != nil {
		if n, err := limiter.Prune(cfg.Manager.GroupPrefix); err != nil {
			log.Warn("prune stale groups failed", zap.Error(err))
		} else if n > 0 {
			log.Info("pruned stale groups", zap.Int("count", n))
		}
		rl = limiter
	} else {
		log.Warn("running without resource limits")
	}

	// Redis lifecycle events and stop requests
	var (
		observer   processmgr.ProcessObserver
		controller processmgr.ProcessController
		publisher  *procdredis.LifecyclePublisher
		pubCtx     context.Context
		pubCancel  context.CancelFunc
	)
	if cfg.Redis.Enabled() {
		rdb := procdredis.NewClient(log, cfg.Redis.Address, cfg.Redis.DB)
		defer rdb.Close()

		pubCtx, pubCancel = context.WithCancel(context.Background())
		defer pubCancel()
		publisher = procdredis.NewLifecyclePublisher(pubCtx, log, rdb, cfg.Redis.StatusTTL)
		observer = publisher
		controller = procdredis.NewStopController(log, rdb)
	}

	// Process manager and restarter
	mgr := processmgr.NewProcessManager(log, cfg.Manager, rl, controller)
	restarter := processmgr.NewRestarter(log, mgr)

	build := func(p config.Program) processmgr.Program {
		if p.SessionID == "" {
			p.SessionID = uuid.NewString()
		}
		var out processmgr.OutputSink
		if !p.DiscardOutput {
			out = mgr.OutputBuffer(p.ID)
		}
		prog := p.Process(out)
		if observer != nil {
			prog.Spawn.Observer = observer
		}
		return prog
	}
	for _, p := range cfg.Programs {
		if err := restarter.Add(build(p)); err != nil {
			log.Fatal("program registration failed", zap.String("program_id", p.ID), zap.Error(err))
		}
	}
	if cfg.ProgramsFile != "" {
		if _, err := service.StartProgramSync(ctx, log, restarter, build, cfg.ProgramsFile, 0); err != nil {
			log.Fatal("program sync failed", zap.Error(err))
		}
	}

	authsvc, err := service.NewAuthService(log, cfg.Auth, isDev, cfg.Redis)
	if err != nil {
		log.Fatal("auth service creation failed", zap.Error(err))
	}
	usagesvc := service.NewUsageService(log, mgr, service.UsageOptions{
		TTL:            cfg.Usage.TTL,
		RefreshTimeout: cfg.Usage.RefreshTimeout,
	})

	// Create Gin router
	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer()
	r := gin.New()

	// Apply Gin middlewares
	{
		r.Use(gin.Recovery()) // Recovery first (outermost)
		r.Use(mw.RequestID())

		if isDev { // Enable CORS for a local dashboard
			r.Use(cors.New(cors.Config{
				AllowOrigins:     []string{"http://localhost:5173", "http://localhost:3000", "http://127.0.0.1:3000"},
				AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowHeaders:     []string{"X-Request-ID", "Content-Type", "Authorization"},
				ExposeHeaders:    []string{"X-Request-ID", "X-Total-Count", "X-Cache", "X-Usage-Generated-At"},
				AllowCredentials: true,
				MaxAge:           12 * time.Hour,
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

		if authsvc.UserSession != nil {
			r.Use(authsvc.UserSession.Middleware())
		}

		r.Use(accessLog(log.Named("access")))

		r.Use(func(c *gin.Context) {
			// Enforce a hard 1MB max request body.
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
			c.Next()
		})
	}

	// Register route handlers
	{
		// --- Public endpoints (no auth) ---
		r.GET("/api/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
		r.GET("/api/version", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"version": config.Version, "commit": config.GitCommit, "built": config.BuildDate})
		})

		usrsesshndlr := handler.NewUserSessionsHandler(log, authsvc)
		r.POST("/api/login", usrsesshndlr.Login)
		r.POST("/api/logout", usrsesshndlr.Logout)

		// --- Protected endpoints ---
		authed := r.Group("/api", mw.Authentication(authsvc))
		authed.GET("/me", usrsesshndlr.Me)

		prochndlr := handler.NewProcessesHandler(log, mgr, restarter, usagesvc)
		requireValidID := mw.RequireValidProcessID()
		slow := mw.LimitConcurrentRequests(16, 1)

		authed.GET("/processes", prochndlr.GetProcessList)
		authed.GET("/processes/:id", requireValidID, prochndlr.GetProcess)
		authed.GET("/processes/:id/output", requireValidID, prochndlr.GetProcessOutput)
		authed.GET("/processes/:id/usage", requireValidID, prochndlr.GetProcessUsage)
		authed.POST("/processes/:id/terminate", requireValidID, slow, prochndlr.TerminateProcess)
		authed.DELETE("/processes/:id", requireValidID, slow, prochndlr.DeleteProcess)
		authed.GET("/usage", prochndlr.Usage)
		authed.GET("/memory", prochndlr.GetMemory)
	}

	httpsrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 2 * time.Second,  // kills header-drip Slowloris
		ReadTimeout:       10 * time.Second, // full request read (incl. body)
		WriteTimeout:      60 * time.Second, // delete may wait out the whole kill ladder
		IdleTimeout:       60 * time.Second, // keep-alive cap
		MaxHeaderBytes:    1 << 20,          // 1MB cap
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpsrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
	}()

	log.Info("running HTTP server", zap.String("addr", httpsrv.Addr))
	if err := httpsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server failed", zap.Error(err))
	}
	stop()

	// Stop supervising before the manager goes away so nothing is relaunched.
	restarter.Close()
	if err := mgr.Close(); err != nil {
		log.Warn("process manager close", zap.Error(err))
	}
	if limiter != nil {
		if err := limiter.Close(); err != nil {
			log.Warn("resource limiter close", zap.Error(err))
		}
	}
	if publisher != nil {
		pubCancel()
		<-publisher.Done()
	}
	log.Info("server closed")
}

// handleVersion prints build metadata and exits when -v/--version is provided.
func handleVersion() {
	v := flag.Bool("v", false, "print version and exit")
	flag.BoolVar(v, "version", false, "print version and exit")
	flag.StringVar(&configPath, "config", "/etc/procd/procd.yaml", "path to the configuration file")
	flag.Parse()

	if *v {
		fmt.Printf("procd %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		os.Exit(0)
	}
}

// accessLog is a Gin middleware that records HTTP request/response details with Zap after handling.
func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", mw.GetRequestID(c)),
			zap.Duration("latency", time.Since(start)),
		}
		if p := principal.GetPrincipal(c); p != nil {
			fields = append(fields, zap.Dict("auth",
				zap.String("id", p.ID),
				zap.String("kind", p.PrincipalType.String()),
			))
		}
		if err := errors.Join(errs...); err != nil {
			fields = append(fields, zap.Error(err))
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

func buildLogger(level string, isDev bool) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	var logConfig zap.Config
	if isDev {
		logConfig = zap.NewDevelopmentConfig()
		logConfig.EncoderConfig.TimeKey = ""
		logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		logConfig = zap.NewProductionConfig()
		logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	logConfig.Level.SetLevel(lvl)
	return zap.Must(logConfig.Build())
}
