package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"teamline/internal/app"
	"teamline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Serves the board and the policy decision endpoint under the base path.
Set TEAMLINE_JWT_SECRET to require bearer tokens (see tl token); without it
the API is open and callers name themselves with X-Agent.`,
		PreRun: bindLocal("jwt-secret"),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			opts := runtimeOptions()
			opts.Registerer = reg
			rt, err := app.Open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()
			logger := rt.Logger

			dispatcher := app.NewDispatcher(rt.Config, app.AuditBackends(rt.Config, rt.Engine.Repo, logger), logger, rt.Metrics)
			p, _, err := rt.PolicyEngine(dispatcher)
			if err != nil {
				return err
			}
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				logger.Warn("no jwt secret configured; API is open")
			}
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				Policy:   p,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, Logger: logger},
				Gatherer: reg,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return dispatcher.Run(ctx)
			})
			g.Go(func() error {
				logger.Info("listening", "addr", addr, "base_path", basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("serve: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	return cmd
}

func tokenCmd() *cobra.Command {
	var agent string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token naming an agent",
		PreRun: bindLocal("jwt-secret"),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("--jwt-secret or TEAMLINE_JWT_SECRET is required")
			}
			tok, err := server.IssueToken(secret, agent, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"agent": agent, "token": tok, "expires_in": ttl.String()})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "for", "", "agent the token names")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = cmd.MarkFlagRequired("for")
	return cmd
}

// bindLocal binds command-local flags to viper keys when the command runs,
// so commands sharing a key do not overwrite each other's binding.
func bindLocal(names ...string) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, _ []string) {
		for _, name := range names {
			_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
		}
	}
}
