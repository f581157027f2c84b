package main

import (
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/quantachat/gserve/internal/app"
	"github.com/quantachat/gserve/internal/config"
	"github.com/quantachat/gserve/internal/logging"
	"github.com/quantachat/gserve/internal/master"
	"github.com/quantachat/gserve/internal/otp"
	"github.com/quantachat/gserve/internal/status"
	"github.com/quantachat/gserve/internal/store"
	"github.com/quantachat/gserve/internal/worker"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "config.ini", "Path to configuration file")
	logPath := flag.String("log", "logs", "Path to log directory")
	workerMode := flag.Bool("worker", false, "Run as a worker process (spawned by the master)")
	flag.Parse()

	if *workerMode {
		os.Exit(runWorker(*configPath, *logPath))
	}
	os.Exit(runMaster(*configPath, *logPath))
}

func runMaster(configPath, logPath string) int {
	// Initialize logger
	logger := logging.NewLogger(logPath)
	defer logger.Close()

	logger.Info("gserve master starting...")
	logger.Info("Using config file: %s", configPath)

	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Error("Failed to load configuration: %v", err)
		return 1
	}
	// Workers log into the same directory the master was pointed at.
	cfg.Paths.LogPath = logPath

	if cfg.Server.TraceLogEnabled {
		if err := logger.EnableTrace(); err != nil {
			logger.Warning("Failed to enable trace logging: %v", err)
		}
	}

	// Open the lifecycle store if configured
	var st *store.Store
	if cfg.Store.Path != "" {
		st, err = store.Open(cfg.Store.Path)
		if err != nil {
			logger.Warning("Lifecycle store unavailable, continuing without it: %v", err)
			st = nil
		} else {
			defer st.Close()
		}
	}

	// Create and start the master
	m, err := master.NewMaster(cfg, configPath, logger, st)
	if err != nil {
		logger.Error("Failed to create master: %v", err)
		return 1
	}

	if err := m.Start(); err != nil {
		logger.Error("Failed to start: %v", err)
		return 1
	}

	// Create status server if configured
	var statusServer *status.Server
	if cfg.Status.Enabled {
		statusServer = status.NewServer(cfg, logger, m, st)
		go func() {
			if err := statusServer.Start(); err != nil {
				logger.Error("Status server failed: %v", err)
			}
		}()
	}

	// Setup signal handling for shutdown. SIGTERM and SIGINT drain the
	// workers; SIGQUIT kills them immediately.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-sigChan
	graceful := sig != syscall.SIGQUIT
	logger.Info("Received signal: %v, shutting down (graceful=%t)...", sig, graceful)

	m.Shutdown(graceful)
	if statusServer != nil {
		statusServer.Stop()
	}

	logger.Info("Server stopped")
	return 0
}

func runWorker(configPath, logPath string) int {
	slot := 0
	if v := os.Getenv(worker.EnvSlot); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			slot = n
		}
	}

	logger := logging.NewWorkerLogger(logPath, slot)
	defer logger.Close()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Error("Failed to load configuration: %v", err)
		return 1
	}

	gen, err := otp.NewGenerator(cfg.App.OTPLength)
	if err != nil {
		logger.Error("Failed to create OTP generator: %v", err)
		return 1
	}

	application, err := app.New(cfg, logger, gen, app.NewSMTPMailer(cfg))
	if err != nil {
		logger.Error("Failed to create application: %v", err)
		return 1
	}

	err = worker.Run(worker.Config{
		Handler:           application.Handler(),
		Logger:            logger,
		HeartbeatInterval: cfg.Timeouts.HeartbeatInterval,
		GracefulTimeout:   cfg.Timeouts.GracefulShutdown,
	})
	if err != nil {
		logger.Error("Worker failed: %v", err)
		return 1
	}
	return 0
}
