package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/tabwarden/internal/api"
	"github.com/dgnsrekt/tabwarden/internal/browser"
	"github.com/dgnsrekt/tabwarden/internal/cdpcontrol"
	"github.com/dgnsrekt/tabwarden/internal/config"
	"github.com/dgnsrekt/tabwarden/internal/controller"
	"github.com/dgnsrekt/tabwarden/internal/debugger"
	"github.com/dgnsrekt/tabwarden/internal/netutil"
	"github.com/dgnsrekt/tabwarden/internal/registry"
	"github.com/dgnsrekt/tabwarden/internal/relay"
	"github.com/dgnsrekt/tabwarden/internal/storage"
	"github.com/dgnsrekt/tabwarden/internal/urlpolicy"
	"gopkg.in/natefinch/lumberjack.v2"
)

const bindFallbackAttempts = 10

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("tabwarden config loaded",
		"bind_addr", cfg.BindAddr,
		"cdp_url", cfg.CDPURL(),
		"launch_browser", cfg.LaunchBrowser,
		"home_page_url", cfg.HomePageURL,
		"allowed_urls", len(cfg.AllowedURLs),
		"denied_urls", len(cfg.DeniedURLs),
		"settle_timeout_ms", cfg.SettleTimeoutMS,
		"protocol_version", cfg.ProtocolVersion,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
		"event_log_dir", cfg.EventLogDir,
	)

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, bindFallbackAttempts, cfg.BindAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress:  cfg.CDPAddress,
			CDPPort:     cfg.CDPPort,
			ExecPath:    cfg.ChromePath,
			Headless:    cfg.Headless,
			UserDataDir: cfg.UserDataDir,
			StartURL:    cfg.HomePageURL,
		})
		if err := launcher.Launch(context.Background()); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	cdpClient := cdpcontrol.NewClient(cfg.CDPURL(), cfg.EvalTimeout())
	if err := cdpClient.Connect(context.Background()); err != nil {
		slog.Error("failed to connect CDP", "cdp_url", cfg.CDPURL(), "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := cdpClient.Close(); err != nil {
			slog.Debug("CDP client close failed", "error", err)
		}
	}()

	sessions := debugger.NewManager(cdpClient, debugger.Options{
		ProtocolVersion:  cfg.ProtocolVersion,
		SettleDelay:      cfg.SettleDelay(),
		OperationTimeout: cfg.OperationWait(),
	})
	cdpClient.SetDebugger(sessions)

	reg := registry.New(registry.Config{
		HomePageURL:      cfg.HomePageURL,
		AllowedURLs:      cfg.AllowedURLs,
		DeniedURLs:       cfg.DeniedURLs,
		SettleTimeout:    cfg.SettleTimeout(),
		BusyWaitAttempts: cfg.BusyWaitAttempts,
		BusyWaitInterval: cfg.BusyWaitInterval(),
	}, cdpClient, sessions, cdpClient, urlpolicy.New(cfg.HomePageURL))

	broker := relay.NewBroker()
	var journal relay.Journal
	if cfg.EventLogDir != "" {
		w := storage.NewJSONLWriter(cfg.EventLogDir, "tab_events", 1024, cfg.EventLogMaxSizeMB)
		defer func() {
			if err := w.Close(); err != nil {
				slog.Debug("event journal close failed", "error", err)
			}
		}()
		journal = w
	}
	events := relay.NewRelay(broker, journal)
	events.Start(cdpClient)
	defer events.Stop()

	svc := controller.NewService(reg, sessions)
	h := api.NewServer(svc, relay.SSEHandler(broker))

	// Event streams never go idle; cancelling the base context releases them
	// before Shutdown waits on connections.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	srv := &http.Server{
		Addr:        bindAddr,
		Handler:     h,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}

	go func() {
		slog.Info("tabwarden listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("tabwarden server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("tabwarden shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res := svc.Cleanup(ctx)
	slog.Info("tabwarden sessions released", "tabs", len(res.Released))

	cancelBase()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("tabwarden shutdown failed", "error", err)
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
