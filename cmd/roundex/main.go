package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"roundex/internal/api"
	"roundex/internal/auth"
	"roundex/internal/config"
	"roundex/internal/jobs"
	"roundex/internal/logging"
	"roundex/internal/matching"
	"roundex/internal/negotiation"
	"roundex/internal/notify"
	"roundex/internal/orders"
	"roundex/internal/round"
	"roundex/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	addr := flag.String("addr", cfg.Server.Addr, "listen address")
	dbPath := flag.String("db", cfg.Database.Path, "SQLite database path")
	corsOrigins := flag.String("cors", strings.Join(cfg.Server.CORSOrigins, ","), "comma-separated allowed CORS origins (empty = allow all for dev)")
	committeeEmail := flag.String("committee-email", os.Getenv("ROUNDEX_COMMITTEE_EMAIL"), "bootstrap committee account email")
	committeePassword := flag.String("committee-password", os.Getenv("ROUNDEX_COMMITTEE_PASSWORD"), "bootstrap committee account password")
	securities := flag.String("securities", "", "comma-separated security names to create if missing")
	flag.Parse()

	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logCloser.Close()

	st, err := store.New(*dbPath)
	if err != nil {
		logger.Error("failed to initialize database", "path", *dbPath, "error", err)
		os.Exit(1)
	}

	var gateway notify.Gateway = notify.NewLog(logger)
	if cfg.Mail.Enabled {
		gateway = notify.NewMailgun(cfg.Mail.APIBaseURL, cfg.Mail.APIKey, cfg.Mail.From)
		logger.Info("mail delivery enabled", "from", cfg.Mail.From)
	} else {
		logger.Info("mail delivery disabled, notifications are logged")
	}
	mail := notify.NewAsync(gateway, logger)

	issuer := auth.NewIssuer(cfg.Server.JWTSecret, cfg.Server.TokenTTL, st)
	authSvc := auth.NewService(st, issuer, mail, logger)

	runner := matching.NewRunner(st, mail, logger)
	jobRunner := jobs.New(st, cfg.Round.ReaperInterval, logger)
	scheduler := round.NewScheduler(st, cfg.Round, jobRunner, runner, mail, logger)
	scheduler.SetLocation(cfg.Mail.Location())

	jobRunner.Handle(store.JobRoundReminder, scheduler.HandleJob)
	jobRunner.Handle(store.JobRoundMatch, scheduler.HandleJob)
	jobRunner.AddSweep("reap", scheduler.Reap)
	jobRunner.AddSweep("revocations", issuer.CleanupRevocations)

	orderSvc := orders.NewService(st, cfg.Round, scheduler, mail, logger)
	chats := negotiation.NewEngine(st, mail, logger)

	ctx := context.Background()
	if err := bootstrap(ctx, st, authSvc, *committeeEmail, *committeePassword, *securities, logger); err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(st, authSvc, orderSvc, scheduler, chats, logger)
	if *corsOrigins != "" {
		origins := strings.Split(*corsOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		server.SetCORSOrigins(origins)
		logger.Info("CORS restricted", "origins", origins)
	}

	// Re-arm pending round jobs, then close any round whose end passed while we were down
	if err := jobRunner.Start(ctx); err != nil {
		logger.Error("failed to start job runner", "error", err)
		os.Exit(1)
	}
	if err := scheduler.Reap(ctx); err != nil {
		logger.Error("startup reap failed", "error", err)
	}

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting roundex server", "addr", *addr, "db", *dbPath,
			"round_length", cfg.Round.RoundLength, "seller_cutoff", cfg.Round.SellerCountCutoff)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	jobRunner.Stop()
	logger.Info("job runner stopped")

	server.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	logger.Info("HTTP server stopped")

	mail.Wait()

	if err := st.Close(); err != nil {
		logger.Error("database close error", "error", err)
	}
	logger.Info("server shutdown complete")
}

// bootstrap creates the committee account and the named securities when they are missing
func bootstrap(ctx context.Context, st *store.Store, authSvc *auth.Service, email, password, securities string, logger *slog.Logger) error {
	if email != "" {
		if _, err := authSvc.EnsureCommittee(ctx, email, "Committee", password); err != nil {
			return err
		}
	}

	existing, err := st.ListSecurities(ctx)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, sec := range existing {
		have[sec.Name] = true
	}
	for _, name := range strings.Split(securities, ",") {
		name = strings.TrimSpace(name)
		if name == "" || have[name] {
			continue
		}
		sec := &store.Security{Name: name}
		if err := st.CreateSecurity(ctx, sec); err != nil {
			return err
		}
		have[name] = true
		logger.Info("security created", "security_id", sec.ID, "name", name)
	}
	return nil
}
