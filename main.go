package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sabbir3x/outreach/internal/auth"
	"github.com/Sabbir3x/outreach/internal/config"
	"github.com/Sabbir3x/outreach/internal/correlate"
	"github.com/Sabbir3x/outreach/internal/eventstore/sqlite"
	"github.com/Sabbir3x/outreach/internal/logging"
	"github.com/Sabbir3x/outreach/internal/mailbox"
	natsjs "github.com/Sabbir3x/outreach/internal/nats"
	"github.com/Sabbir3x/outreach/internal/outbound"
	"github.com/Sabbir3x/outreach/internal/providers/gmail"
	"github.com/Sabbir3x/outreach/internal/providers/outlook"
	"github.com/Sabbir3x/outreach/internal/sync"
	"github.com/Sabbir3x/outreach/internal/vault"
	"github.com/Sabbir3x/outreach/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", false).Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.New(cfg.LogLevel, cfg.Environment == "development")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("outreach stopped")
	}
}

func run(cfg *config.Config, log *zerolog.Logger) error {
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, Environment: cfg.Environment}); err != nil {
			log.Warn().Err(err).Msg("sentry disabled")
		}
		defer sentry.Flush(2 * time.Second)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return err
	}
	st, err := sqlite.Open(cfg.DBPath())
	if err != nil {
		return err
	}
	defer st.Close()

	secrets, err := vault.New(cfg.EncryptionKey, st)
	if err != nil {
		return err
	}

	client, provider := newMailboxClient(cfg, log)
	engine := sync.NewEngine(client, secrets, st, st, correlate.NewResolver(st), sync.Config{
		Provider:    provider,
		ClearLabels: cfg.ClearLabels,
		CallTimeout: cfg.SyncCallTimeout,
	}, log)

	manager := sync.NewManager(engine, sync.ManagerConfig{
		Scopes:       []string{cfg.MailboxScope},
		PollInterval: cfg.PollInterval,
		WatchTopic:   cfg.PubSubTopic,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := webhook.Options{
		Manager:      manager,
		Dispatcher:   outbound.NewDispatcher(engine, st, cfg.FromName, cfg.MailboxAddress, log),
		Directory:    st,
		Provider:     provider,
		Mailboxes:    map[string]string{cfg.MailboxAddress: cfg.MailboxScope},
		DefaultScope: cfg.MailboxScope,
		Logger:       log,
	}
	if cfg.AuthServerURL != "" {
		opts.Broker = auth.NewBetterAuthClient(cfg.AuthServerURL)
	}
	if cfg.PushAudience != "" {
		v, err := auth.NewJWTVerifier(ctx, auth.GoogleJWKSURL, auth.VerifyOptions{
			Audience: cfg.PushAudience,
			Issuers:  auth.GoogleIssuers,
		}, log)
		if err != nil {
			return err
		}
		opts.PushAuth = v
	}
	switch {
	case cfg.AdminJWKSURL != "":
		v, err := auth.NewJWTVerifier(ctx, cfg.AdminJWKSURL, auth.VerifyOptions{}, log)
		if err != nil {
			return err
		}
		opts.AdminAuth = v
	case cfg.AdminJWTSecret != "":
		opts.AdminAuth = auth.NewHMACVerifier(cfg.AdminJWTSecret)
	default:
		log.Warn().Msg("admin API is unauthenticated")
	}

	var relay *sync.Relay
	if cfg.NATSURL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATSURL, log)
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			return err
		}
		relay = sync.NewRelay(st, pub, log)
	} else {
		log.Info().Msg("NATS_URL not set, reply events stay in the outbox")
	}

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           webhook.New(opts).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Str("provider", string(provider)).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return manager.Start(ctx)
	})

	if relay != nil {
		g.Go(func() error {
			return relay.Run(ctx)
		})
	}

	err = g.Wait()
	manager.Wait()
	return err
}

func newMailboxClient(cfg *config.Config, log *zerolog.Logger) (mailbox.MailboxClient, mailbox.ProviderName) {
	if cfg.Provider == config.ProviderOutlook {
		return outlook.New(outlook.Config{
			ClientID:     cfg.Microsoft.ClientID,
			ClientSecret: cfg.Microsoft.ClientSecret,
			Tenant:       cfg.Microsoft.Tenant,
			Mailbox:      cfg.MailboxAddress,
		}, log), mailbox.ProviderMicrosoft
	}
	return gmail.New(gmail.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
	}, log), mailbox.ProviderGoogle
}
