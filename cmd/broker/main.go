package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"support_broker/server/broker/app"
	"support_broker/server/broker/domain"
	"support_broker/server/broker/repository"
	commonauth "support_broker/server/common/auth"
	"support_broker/server/common/infra/db"
	commonlog "support_broker/server/common/log"
	"support_broker/server/common/transport/httpresp"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "broker",
		Short:        "Live support chat and notification broker",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			// A missing .env is normal outside local development.
			if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				commonlog.Warnf("event=broker_cli action=load_env status=failed error=%v", err)
			}
		},
	}
	root.AddCommand(newServeCommand(), newMigrateCommand(), newTokenCommand(), newProfileCommand())
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.LoadConfig()
			server, err := app.NewServer(cfg)
			if err != nil {
				return fmt.Errorf("initialize server: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			serveErr := make(chan error, 1)
			go func() {
				commonlog.Infof("event=broker_startup action=listen status=ok port=%s", cfg.Port)
				if err := server.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case <-ctx.Done():
			case err := <-serveErr:
				if err != nil {
					_ = server.Shutdown(context.Background())
					return fmt.Errorf("run http server: %w", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				commonlog.Warnf("event=broker_shutdown action=graceful status=failed error=%v", err)
			}
			commonlog.Infof("event=broker_shutdown action=graceful status=ok")
			return nil
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.LoadConfig()
			if cfg.PostgresDSN == "" {
				return errors.New("POSTGRES_DSN is required")
			}
			pool, err := db.NewPool(cmd.Context(), db.PoolConfig{DSN: cfg.PostgresDSN, MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := repository.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			commonlog.Infof("event=broker_migrate action=apply status=ok")
			return nil
		},
	}
}

func newTokenCommand() *cobra.Command {
	var userID, role string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.LoadConfig()
			token, err := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes).GenerateToken(userID, role)
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(httpresp.NewTokenResponse(token, userID, role))
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "subject user id")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleUser), "user or admin")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the token with its claims as JSON")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func newProfileCommand() *cobra.Command {
	profile := &cobra.Command{
		Use:   "profile",
		Short: "Manage requester and operator profiles",
	}

	var p domain.Profile
	var role string
	upsert := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update a profile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.LoadConfig()
			if cfg.PostgresDSN == "" {
				return errors.New("POSTGRES_DSN is required")
			}
			pool, err := db.NewPool(cmd.Context(), db.PoolConfig{DSN: cfg.PostgresDSN, MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := repository.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			p.Role = domain.Role(role)
			if err := repository.NewProfileRepository(pool).UpsertProfile(cmd.Context(), p); err != nil {
				return err
			}
			commonlog.Infof("event=broker_profile action=upsert status=ok profile_id=%s role=%s", p.ID, p.Role)
			return nil
		},
	}
	upsert.Flags().StringVar(&p.ID, "id", "", "profile id (matches the token user_id)")
	upsert.Flags().StringVar(&p.FirstName, "first-name", "", "first name")
	upsert.Flags().StringVar(&p.LastName, "last-name", "", "last name")
	upsert.Flags().StringVar(&p.Email, "email", "", "email")
	upsert.Flags().StringVar(&role, "role", string(domain.RoleUser), "user or admin")
	_ = upsert.MarkFlagRequired("id")

	profile.AddCommand(upsert)
	return profile
}
