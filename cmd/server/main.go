package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/browserctl/internal/api"
	"github.com/shehryarbajwa/browserctl/internal/browser"
	"github.com/shehryarbajwa/browserctl/internal/captcha"
	"github.com/shehryarbajwa/browserctl/internal/config"
	"github.com/shehryarbajwa/browserctl/internal/files"
	"github.com/shehryarbajwa/browserctl/internal/geo"
	"github.com/shehryarbajwa/browserctl/internal/metrics"
	"github.com/shehryarbajwa/browserctl/internal/ratelimit"
	"github.com/shehryarbajwa/browserctl/internal/realtime"
	"github.com/shehryarbajwa/browserctl/internal/session"
	"github.com/shehryarbajwa/browserctl/pkg/models"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var envFile, addr string

	cmd := &cobra.Command{
		Use:           "browserctl",
		Short:         "Single-session browser control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			logger, err := cfg.Logger()
			if err != nil {
				return err
			}
			if err := run(cmd.Context(), cfg, logger); err != nil {
				logger.WithError(err).Error("Server exited")
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides BROWSERCTL_ADDR")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	log.Info("Starting browserctl...")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	dims := models.Dimensions{Width: cfg.DefaultWidth, Height: cfg.DefaultHeight}
	cdp := browser.NewCDPDriver(browser.CDPConfig{
		Bin:        cfg.ChromeBin,
		Headless:   cfg.ChromeHeadless,
		Dimensions: dims,
	}, log)

	launchCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	err := cdp.Launch(launchCtx)
	cancel()
	if err != nil {
		return errors.Wrap(err, "failed to launch browser")
	}
	log.Info("✓ Browser launched")

	var selenium browser.Driver
	pool, err := browser.NewPool(cfg.SeleniumImage)
	if err != nil {
		log.WithError(err).Warn("Docker unavailable, selenium sessions disabled")
	} else {
		defer pool.Close()
		selenium = browser.NewSeleniumDriver(pool, cfg.SeleniumProxyHost, log)
		log.WithField("image", cfg.SeleniumImage).Info("✓ Selenium driver configured")
	}

	fileMgr, err := files.NewManager(cfg.FilesDir, cfg.ArchiveSessions, log)
	if err != nil {
		return errors.Wrap(err, "failed to create file manager")
	}

	registry := captcha.NewRegistry(m, log)
	solver := captcha.NewSolver(registry, cdp, cfg.CaptchaSolveTimeout, log)
	defer solver.Close()

	sessions := session.NewManager(session.Settings{
		Domain:        cfg.Domain,
		WSScheme:      cfg.WSScheme(),
		HTTPScheme:    cfg.HTTPScheme(),
		Dimensions:    dims,
		ProxyBindHost: cfg.ProxyBindHost,
		GeoTimeout:    cfg.GeoLookupTimeout,
	}, session.Deps{
		CDP:      cdp,
		Selenium: selenium,
		Files:    fileMgr,
		Geo:      geo.NewLocator(cfg.GeoLookupURL, cfg.GeoLookupTimeout),
		Tasks:    registry,
		Metrics:  m,
		Log:      log,
	})
	log.WithField("session_id", sessions.Active().ID).Info("✓ Session manager initialized")

	limiter := ratelimit.NewLimiter(cfg.RateLimitPerHour, cfg.RateLimitBurst)
	routes := api.NewHandler(sessions, solver, registry, log).SetupRoutes(limiter, reg)

	// No write timeout: captcha status long-polls and websockets stay open.
	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     realtime.NewRouter(cdp.Events(), cdp, routes, m, log),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":   cfg.Addr,
			"domain": cfg.Domain,
		}).Info("🚀 Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serveErr:
		if err != nil {
			return errors.Wrap(err, "server error")
		}
	case <-sigCtx.Done():
	}

	log.Info("⏳ Shutting down server gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Server forced to shutdown")
	}
	if sessions.Active().Status == models.StatusLive {
		if _, err := sessions.EndSession(shutdownCtx); err != nil {
			log.WithError(err).Warn("Failed to end active session")
		}
	}
	if selenium != nil {
		if err := selenium.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Failed to stop selenium container")
		}
	}
	if err := cdp.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Failed to stop browser")
	}

	log.Info("✅ Server stopped cleanly")
	return nil
}
