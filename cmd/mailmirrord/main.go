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

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhle/mailmirror/internal/credential"
	"github.com/nhle/mailmirror/internal/engine"
	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/push"
	"github.com/nhle/mailmirror/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to the configuration file")
	listen := flag.String("listen", "", "push listener address (overrides config)")
	database := flag.String("database", "", "path to the SQLite database (overrides config)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()

	if err := run(log, *configPath, *listen, *database); err != nil {
		log.Fatal().Err(err).Msg("daemon failed")
	}
}

func run(log zerolog.Logger, configPath, listenOverride, databaseOverride string) error {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if listenOverride != "" {
		cfg.Listen = listenOverride
	}
	if databaseOverride != "" {
		cfg.Database = databaseOverride
	}

	st, err := store.NewSQLiteStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := seedAccounts(ctx, st, cfg.Accounts, log); err != nil {
		return err
	}

	broadcaster := push.NewBroadcaster(log)
	dispatcher := engine.NewDispatcher(log)
	supervisor := engine.NewSupervisor(st, dispatcher, push.NewSink(broadcaster), nil, cfg.Sync.BootstrapLimit, log)

	if err := supervisor.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", push.NewServer(broadcaster, dispatcher, log))

	srv := &http.Server{Addr: cfg.Listen, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Listen).Msg("push listener started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("push listener failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("listener shutdown")
	}

	supervisor.Stop()
	broadcaster.Close()
	return nil
}

// seedAccounts reconciles the configured account list into the store.
// Inline passwords take precedence; otherwise the keyring is consulted.
func seedAccounts(ctx context.Context, st store.Store, accounts []model.AccountConfig, log zerolog.Logger) error {
	for _, ac := range accounts {
		password := ac.Password
		if password == "" && ac.PasswordKey != "" {
			p, err := credential.Get(ac.PasswordKey)
			if err != nil {
				return fmt.Errorf("resolving credential for %s: %w", ac.Username, err)
			}
			password = p
		}

		id := ac.ID
		if id == "" {
			id = uuid.New().String()
		}

		acc := model.Account{
			ID:          id,
			Name:        ac.Name,
			Host:        ac.Host,
			Port:        ac.Port,
			Username:    ac.Username,
			Password:    password,
			PasswordKey: ac.PasswordKey,
			TLS:         ac.TLS,
			Mailbox:     ac.Mailbox,
		}
		if err := st.UpsertAccount(ctx, acc); err != nil {
			return fmt.Errorf("seeding account %s: %w", ac.Username, err)
		}
		log.Debug().Str("account", id).Str("user", ac.Username).Msg("account seeded")
	}
	return nil
}
