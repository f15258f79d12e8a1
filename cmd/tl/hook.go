package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"teamline/internal/app"
	"teamline/internal/audit"
	"teamline/internal/db"
	"teamline/internal/domain"
	"teamline/internal/migrate"
	"teamline/internal/policy"
	"teamline/internal/repo"
	teamlinesdk "teamline/sdk/go"
)

func hookCmd() *cobra.Command {
	h := &cobra.Command{
		Use:   "hook",
		Short: "Agent runtime hooks",
	}
	h.AddCommand(hookPreToolUseCmd())
	return h
}

// hookOptions select where mission state is read from.
type hookOptions struct {
	Workspace  string
	ConfigPath string
	APIURL     string
	Token      string
	LogLevel   string
	LogWriter  io.Writer
}

func hookPreToolUseCmd() *cobra.Command {
	var opts hookOptions
	cmd := &cobra.Command{
		Use:   "pre-tool-use",
		Short: "Decide whether a tool call may proceed",
		Long: `Reads the hook payload on stdin. Exits 0 to allow the call, or 2 with the
reason on stderr to deny it. Any failure to load config or reach mission
state allows the call.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return nil
			}
			opts.Workspace = viper.GetString("workspace")
			opts.ConfigPath = viper.GetString("config")
			opts.LogLevel = viper.GetString("log-level")
			opts.LogWriter = cmd.ErrOrStderr()
			dec := decideHook(cmd.Context(), raw, opts)
			if viper.GetBool("json") {
				_ = writeJSON(cmd.OutOrStdout(), dec)
			}
			if !dec.Allow {
				fmt.Fprintln(cmd.ErrOrStderr(), dec.Reason)
				return exitError{code: 2}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.APIURL, "api-url", "", "read mission state from a teamline server instead of the local board")
	cmd.Flags().StringVar(&opts.Token, "token", os.Getenv("TEAMLINE_TOKEN"), "bearer token for --api-url")
	return cmd
}

// decideHook evaluates one hook payload. It never fails: errors on the way
// to a decision allow the action.
func decideHook(ctx context.Context, raw []byte, opts hookOptions) domain.PolicyDecision {
	allow := domain.PolicyDecision{Allow: true}
	cfg, err := app.LoadConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return allow
	}
	logger, _, logCloser, err := app.NewLogger(cfg, app.Options{LogLevel: opts.LogLevel, LogWriter: opts.LogWriter})
	if err != nil {
		return allow
	}
	defer logCloser.Close()

	req, err := policy.ParseHook(raw)
	if err != nil {
		logger.Warn("malformed hook payload", "err", err)
		req = policy.HookPayload{}.Request()
	}

	state, store, closeState := hookState(ctx, opts)
	defer closeState()

	dispatcher := app.NewDispatcher(cfg, app.AuditBackends(cfg, store, logger), logger, nil)
	dispatcher.Start()
	defer dispatcher.Close()

	p, err := policy.New(cfg, policy.Options{
		State:  state,
		Sink:   dispatcher,
		Logger: logger,
		Root:   app.WorkspaceRoot(opts.Workspace),
	})
	if err != nil {
		logger.Warn("policy unavailable", "err", err)
		return allow
	}
	return p.Decide(ctx, req)
}

// hookState picks the mission state source: the API when configured, the
// local board when one exists, and otherwise no active mission. The store
// is nil unless the local board is open.
func hookState(ctx context.Context, opts hookOptions) (policy.StateSource, audit.Store, func()) {
	noop := func() {}
	if opts.APIURL != "" {
		c := teamlinesdk.New(opts.APIURL)
		c.BearerToken = opts.Token
		return c, nil, noop
	}
	if _, err := os.Stat(db.Path(opts.Workspace)); err != nil {
		return policy.StateFunc(func(context.Context) (bool, error) { return false, nil }), nil, noop
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return unavailable(fmt.Errorf("open board: %w", err)), nil, noop
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return unavailable(fmt.Errorf("migrate board: %w", err)), nil, noop
	}
	r := repo.Repo{DB: conn}
	return r, r, func() { conn.Close() }
}

// unavailable reports err on every lookup, which the policy engine reads
// as no active mission.
func unavailable(err error) policy.StateSource {
	return policy.StateFunc(func(context.Context) (bool, error) { return false, err })
}
