package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"printgate/internal/config"
	"printgate/internal/jobs"
	"printgate/internal/logging"
	"printgate/internal/lpd"
	"printgate/internal/pricing"
	"printgate/internal/quota"
	"printgate/internal/scheduler"
	"printgate/internal/secure"
	"printgate/internal/server"
	"printgate/internal/spool"
	"printgate/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and LPD front ends",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger := logging.Configure(logging.Options{
		ErrorPath:  cfg.ErrorLogPath,
		AccessPath: cfg.AccessLogPath,
		PagePath:   cfg.PageLogPath,
		MaxSize:    cfg.MaxLogSize,
		Level:      cfg.LogLevel,
		JSON:       cfg.LogJSON,
	})
	log := logger.WithField("component", "printgate")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return errors.Wrap(err, "create data dir")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return errors.Wrap(err, "create db dir")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	sp := spool.Spool{Dir: cfg.SpoolDir, OutputDir: cfg.OutputDir, MaxSize: cfg.MaxUploadSize}
	if err := sp.Ensure(); err != nil {
		return errors.Wrap(err, "ensure spool dir")
	}

	sched := scheduler.New(st, sp)
	sched.BaseDelay = cfg.ReleaseDelay
	sched.PerPage = cfg.ReleasePerPage
	sched.MaxDelay = cfg.ReleaseMaxDelay
	sched.Retention = cfg.Retention
	sched.Log = logger.WithField("component", "scheduler")

	ledger := quota.NewLedger(st)
	svc := &jobs.Service{
		Store:    st,
		Pricing:  pricing.NewResolver(st),
		Ledger:   ledger,
		Spool:    sp,
		Releaser: sched,
		Log:      logger.WithField("component", "jobs"),
	}

	secret, err := sessionSecret(cfg, log)
	if err != nil {
		return err
	}
	auth := secure.New(st, svc, secret)
	auth.Log = logger.WithField("component", "secure")
	if err := auth.Start(); err != nil {
		return err
	}
	defer auth.Stop()

	if err := sched.Start(ctx); err != nil {
		return errors.Wrap(err, "start scheduler")
	}
	defer sched.Stop()

	if cfg.LPDEnabled {
		nets, err := lpd.ParseTrustedNets(cfg.LPDTrustedNets)
		if err != nil {
			return err
		}
		lpdSrv := &lpd.Server{
			Addr:        cfg.LPDAddr,
			Store:       st,
			Spool:       sp,
			IdleTimeout: cfg.LPDIdleTimeout,
			TrustedNets: nets,
			MaxDataSize: cfg.LPDMaxDataSize,
			Log:         logger.WithField("component", "lpd"),
		}
		go func() {
			log.Infof("LPD listening on %s", cfg.LPDAddr)
			if err := lpdSrv.ListenAndServe(ctx); err != nil {
				log.WithError(err).Error("lpd listener stopped")
			}
		}()
		defer lpdSrv.Close()
	}

	api := &server.Server{
		Store:          st,
		Jobs:           svc,
		Ledger:         ledger,
		Secure:         auth,
		Log:            logger.WithField("component", "http"),
		MaxRequestSize: cfg.MaxUploadSize,
	}
	httpSrv := &http.Server{
		Addr:         cfg.ListenHTTP,
		Handler:      logging.HTTPAccessMiddleware(api.Handler()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.ListenHTTP)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", cfg.ListenHTTP)
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Infof("printgate HTTP listening on %s", cfg.ListenHTTP)
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return errors.Wrap(err, "http server")
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// openStore opens the database and brings it to a usable state: default
// printer, administrator account and any configured pricing seed.
func openStore(ctx context.Context, cfg config.Config, log *logrus.Entry) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	if err := st.EnsureDefaultPrinter(ctx); err != nil {
		st.Close()
		return nil, errors.Wrap(err, "ensure default printer")
	}
	adminPass := cfg.AdminPass
	if adminPass == "" {
		adminPass, err = randomHex(8)
		if err != nil {
			st.Close()
			return nil, err
		}
	}
	if err := st.EnsureAdminUser(ctx, cfg.AdminUser, adminPass); err != nil {
		st.Close()
		return nil, errors.Wrap(err, "ensure admin user")
	}
	if cfg.AdminPass == "" {
		log.Warnf("PRINTGATE_ADMIN_PASS not set; a new %s account gets password %s", cfg.AdminUser, adminPass)
	}
	if cfg.PricingFile != "" {
		seed, err := config.LoadSeed(cfg.PricingFile)
		if err != nil {
			st.Close()
			return nil, err
		}
		if err := seed.Apply(ctx, st); err != nil {
			st.Close()
			return nil, errors.Wrap(err, "apply pricing seed")
		}
		log.Infof("applied pricing seed %s", cfg.PricingFile)
	}
	return st, nil
}

func sessionSecret(cfg config.Config, log *logrus.Entry) ([]byte, error) {
	if cfg.SessionSecret != "" {
		return []byte(cfg.SessionSecret), nil
	}
	log.Warn("PRINTGATE_SESSION_SECRET not set; using a random secret")
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, errors.Wrap(err, "generate session secret")
	}
	return secret, nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "generate password")
	}
	return hex.EncodeToString(buf), nil
}
